package txbuilder

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	solanasvc "github.com/brojonat/solpos/service/solana"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// MaxMemoLength bounds memos attached to payments.
const MaxMemoLength = 256

// CreateAssociatedTokenAccountIdempotent creates ata for owner and mint, paid
// by payer. It succeeds without effect when the account already exists.
func CreateAssociatedTokenAccountIdempotent(payer, ata, owner, mint solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(solanasvc.AssociatedTokenProgramID, solana.AccountMetaSlice{
		{PublicKey: payer, IsWritable: true, IsSigner: true},
		{PublicKey: ata, IsWritable: true},
		{PublicKey: owner},
		{PublicKey: mint},
		{PublicKey: solana.SystemProgramID},
		{PublicKey: solana.TokenProgramID},
	}, []byte{1})
}

// TransferChecked moves amount of mint from source to destination, authorized by owner.
func TransferChecked(source, mint, destination, owner solana.PublicKey, amount uint64, decimals uint8) solana.Instruction {
	data := make([]byte, 10)
	data[0] = solanasvc.TokenProgramTransferCheckedInstruction
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals
	return solana.NewInstruction(solana.TokenProgramID, solana.AccountMetaSlice{
		{PublicKey: source, IsWritable: true},
		{PublicKey: mint},
		{PublicKey: destination, IsWritable: true},
		{PublicKey: owner, IsSigner: true},
	}, data)
}

// Memo attaches text to a transaction through the SPL Memo program.
func Memo(text string) solana.Instruction {
	return solana.NewInstruction(solanasvc.MemoProgramIDSPL, solana.AccountMetaSlice{}, []byte(text))
}

// PartialSign fills the signature slots of the given keys and zero-fills
// every other required signature.
func PartialSign(tx *solana.Transaction, keys ...solana.PrivateKey) error {
	required := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) != required {
		tx.Signatures = make([]solana.Signature, required)
	}
	if len(keys) == 0 {
		return nil
	}

	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	for _, key := range keys {
		pub := key.PublicKey()
		idx := -1
		for i := 0; i < required && i < len(tx.Message.AccountKeys); i++ {
			if tx.Message.AccountKeys[i].Equals(pub) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%s is not a required signer", pub)
		}
		sig, err := key.Sign(msg)
		if err != nil {
			return fmt.Errorf("sign with %s: %w", pub, err)
		}
		tx.Signatures[idx] = sig
	}
	return nil
}

// Decode parses a base64 wire-format transaction.
func Decode(encoded string) (*solana.Transaction, error) {
	raw, err := decodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction is not valid base64", ErrInvalidRequest)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: decode transaction: %v", ErrInvalidRequest, err)
	}
	return tx, nil
}

// MissingSignatures lists required signers whose slot is still zero.
func MissingSignatures(tx *solana.Transaction) []solana.PublicKey {
	var missing []solana.PublicKey
	for i := 0; i < int(tx.Message.Header.NumRequiredSignatures) && i < len(tx.Message.AccountKeys); i++ {
		if i >= len(tx.Signatures) || tx.Signatures[i].IsZero() {
			missing = append(missing, tx.Message.AccountKeys[i])
		}
	}
	return missing
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
