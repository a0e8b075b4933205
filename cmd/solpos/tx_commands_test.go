package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoTransaction returns a one-instruction memo transaction from payer,
// signed when sign is set, encoded as base64.
func memoTransaction(t *testing.T, payer solana.PrivateKey, sign bool) string {
	t.Helper()

	ix := solana.NewInstruction(
		solana.MemoProgramID,
		solana.AccountMetaSlice{{PublicKey: payer.PublicKey(), IsSigner: true, IsWritable: true}},
		[]byte("order A-100"),
	)
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{1, 2, 3}, solana.TransactionPayer(payer.PublicKey()))
	require.NoError(t, err)

	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if sign && key.Equals(payer.PublicKey()) {
			return &payer
		}
		return nil
	})
	require.NoError(t, err)

	encoded, err := tx.ToBase64()
	require.NoError(t, err)
	return encoded
}

func TestTxDecodeCommand(t *testing.T) {
	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	encoded := memoTransaction(t, payer, false)

	output, err := captureStdout(t, func() error {
		return newApp().Run([]string{"solpos", "--json", "tx", "decode", encoded})
	})
	require.NoError(t, err)

	var decoded decodedTransaction
	require.NoError(t, json.Unmarshal([]byte(output), &decoded), "output: %s", output)
	assert.Equal(t, payer.PublicKey().String(), decoded.FeePayer)
	assert.Equal(t, []string{payer.PublicKey().String()}, decoded.MissingSignatures)
	require.Len(t, decoded.Instructions, 1)
	assert.Equal(t, "memo", decoded.Instructions[0].Name)
	assert.Equal(t, len("order A-100"), decoded.Instructions[0].DataLen)
}

func TestTxDecodeCommand_ProgramLabel(t *testing.T) {
	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	encoded := memoTransaction(t, payer, true)

	output, err := captureStdout(t, func() error {
		return newApp().Run([]string{"solpos", "tx", "decode", "--program-id", solana.MemoProgramID.String(), encoded})
	})
	require.NoError(t, err)
	assert.Contains(t, output, "merchant-program")
	assert.Contains(t, output, "fully signed")
}

func TestTxDecodeCommand_Invalid(t *testing.T) {
	err := newApp().Run([]string{"solpos", "tx", "decode", "not base64!"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid base64")
}

func TestTxDecodeCommand_Stdin(t *testing.T) {
	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	encoded := memoTransaction(t, payer, false)

	app := newApp()
	app.Reader = strings.NewReader(encoded + "\n")
	output, err := captureStdout(t, func() error {
		return app.Run([]string{"solpos", "--json", "tx", "decode", "-"})
	})
	require.NoError(t, err)
	assert.Contains(t, output, payer.PublicKey().String())
}

func TestTxSubmitCommand_RejectsUnsigned(t *testing.T) {
	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	err = newApp().Run([]string{"solpos", "--server-url", "http://127.0.0.1:1", "tx", "submit", memoTransaction(t, payer, false)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing 1 signature")
}

func TestTxSubmitCommand(t *testing.T) {
	payer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	encoded := memoTransaction(t, payer, true)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/submit", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, encoded, body["transaction"])
		assert.Equal(t, "devnet", body["network"])
		json.NewEncoder(w).Encode(map[string]string{"signature": "5igSig"})
	}))
	defer server.Close()

	output, err := captureStdout(t, func() error {
		return newApp().Run([]string{"solpos", "--server-url", server.URL, "--network", "devnet", "tx", "submit", encoded})
	})
	require.NoError(t, err)
	assert.Equal(t, "5igSig", strings.TrimSpace(output))
}

func TestTxPaymentCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/payment", r.URL.Path)
		assert.Equal(t, "merchant123", r.URL.Query().Get("merchant"))
		assert.Equal(t, "12.50", r.URL.Query().Get("amount"))
		assert.Equal(t, "A-100", r.URL.Query().Get("memo"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "customer456", body["account"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"transaction": "AQID",
			"fee_payer":   "server789",
			"sponsored":   true,
		})
	}))
	defer server.Close()

	output, err := captureStdout(t, func() error {
		return newApp().Run([]string{"solpos", "--server-url", server.URL, "tx", "payment",
			"--merchant", "merchant123", "--customer", "customer456", "--amount", "12.50", "--memo", "A-100"})
	})
	require.NoError(t, err)
	assert.Equal(t, "AQID", strings.TrimSpace(output))
}
