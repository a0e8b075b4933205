package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/brojonat/solpos/client"
	"github.com/brojonat/solpos/service/txbuilder"
	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

func txCommands() *cli.Command {
	return &cli.Command{
		Name:  "tx",
		Usage: "Build, inspect and submit transactions",
		Subcommands: []*cli.Command{
			txPaymentCommand(),
			txDecodeCommand(),
			txSubmitCommand(),
		},
	}
}

func txPaymentCommand() *cli.Command {
	return &cli.Command{
		Name:  "payment",
		Usage: "Build a payment transaction for a customer to sign",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "merchant", Aliases: []string{"m"}, Required: true, Usage: "Merchant account address"},
			&cli.StringFlag{Name: "customer", Aliases: []string{"c"}, Required: true, Usage: "Paying wallet address"},
			&cli.StringFlag{Name: "amount", Aliases: []string{"a"}, Required: true, Usage: "Token amount (e.g., 12.50)"},
			&cli.StringFlag{Name: "token", Usage: "Token symbol or mint; the network default when unset"},
			&cli.StringFlag{Name: "memo", Usage: "Memo attached to the payment"},
		},
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}

			tx, err := cl.BuildPayment(context.Background(), client.PaymentParams{
				Network:  c.String("network"),
				Customer: c.String("customer"),
				Merchant: c.String("merchant"),
				Amount:   c.String("amount"),
				Token:    c.String("token"),
				Memo:     c.String("memo"),
			})
			if err != nil {
				return fmt.Errorf("failed to build payment: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(tx)
			}
			fmt.Fprintf(os.Stderr, "Fee payer: %s (sponsored: %v)\n", tx.FeePayer, tx.Sponsored)
			if tx.Message != "" {
				fmt.Fprintf(os.Stderr, "Message:   %s\n", tx.Message)
			}
			fmt.Println(tx.Transaction)
			return nil
		},
	}
}

// readTransactionArg reads a base64 transaction from the first argument, or
// from stdin when the argument is "-" or missing.
func readTransactionArg(c *cli.Context) (string, error) {
	arg := c.Args().First()
	if arg != "" && arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(c.App.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to read transaction from stdin: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "", fmt.Errorf("a base64 transaction is required")
	}
	return s, nil
}

type decodedInstruction struct {
	Program  string   `json:"program"`
	Name     string   `json:"name,omitempty"`
	Accounts []string `json:"accounts"`
	DataLen  int      `json:"data_len"`
}

type decodedTransaction struct {
	FeePayer          string               `json:"fee_payer"`
	RecentBlockhash   string               `json:"recent_blockhash"`
	Signers           []string             `json:"signers"`
	MissingSignatures []string             `json:"missing_signatures"`
	Instructions      []decodedInstruction `json:"instructions"`
}

func txDecodeCommand() *cli.Command {
	return &cli.Command{
		Name:      "decode",
		Usage:     "Decode a base64 transaction and list its signers and instructions",
		ArgsUsage: "[BASE64_TRANSACTION|-]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "program-id",
				Usage:   "Merchant program id, to label its instructions",
				EnvVars: []string{"PROGRAM_ID"},
			},
		},
		Action: func(c *cli.Context) error {
			encoded, err := readTransactionArg(c)
			if err != nil {
				return err
			}
			tx, err := txbuilder.Decode(encoded)
			if err != nil {
				return err
			}

			decoded, err := decodeTransaction(tx, c.String("program-id"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(decoded)
			}

			fmt.Printf("Fee Payer:        %s\n", decoded.FeePayer)
			fmt.Printf("Recent Blockhash: %s\n", decoded.RecentBlockhash)
			fmt.Printf("Signers:          %s\n", strings.Join(decoded.Signers, ", "))
			if len(decoded.MissingSignatures) > 0 {
				fmt.Printf("Missing:          %s\n", strings.Join(decoded.MissingSignatures, ", "))
			} else {
				fmt.Printf("Missing:          none (fully signed)\n")
			}
			fmt.Printf("\nInstructions:\n")
			for i, ix := range decoded.Instructions {
				label := ix.Program
				if ix.Name != "" {
					label = ix.Name + " (" + ix.Program + ")"
				}
				fmt.Printf("  %d. %s, %d accounts, %d bytes of data\n", i+1, label, len(ix.Accounts), ix.DataLen)
			}
			return nil
		},
	}
}

func decodeTransaction(tx *solana.Transaction, programID string) (*decodedTransaction, error) {
	names := map[solana.PublicKey]string{
		solana.SystemProgramID:                    "system",
		solana.ComputeBudget:                      "compute-budget",
		solana.TokenProgramID:                     "token",
		solana.SPLAssociatedTokenAccountProgramID: "associated-token-account",
		solana.MemoProgramID:                      "memo",
	}
	if programID != "" {
		pk, err := solana.PublicKeyFromBase58(programID)
		if err != nil {
			return nil, fmt.Errorf("invalid program id: %w", err)
		}
		names[pk] = "merchant-program"
	}

	out := &decodedTransaction{
		RecentBlockhash:   tx.Message.RecentBlockhash.String(),
		Signers:           []string{},
		MissingSignatures: []string{},
	}
	if len(tx.Message.AccountKeys) > 0 {
		out.FeePayer = tx.Message.AccountKeys[0].String()
	}
	for _, s := range tx.Message.Signers() {
		out.Signers = append(out.Signers, s.String())
	}
	for _, s := range txbuilder.MissingSignatures(tx) {
		out.MissingSignatures = append(out.MissingSignatures, s.String())
	}

	for i, ix := range tx.Message.Instructions {
		program, err := tx.Message.Program(ix.ProgramIDIndex)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		d := decodedInstruction{
			Program:  program.String(),
			Name:     names[program],
			Accounts: make([]string, 0, len(ix.Accounts)),
			DataLen:  len(ix.Data),
		}
		for _, idx := range ix.Accounts {
			acc, err := tx.Message.Account(idx)
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", i, err)
			}
			d.Accounts = append(d.Accounts, acc.String())
		}
		out.Instructions = append(out.Instructions, d)
	}
	return out, nil
}

func txSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Relay a fully signed transaction through the server",
		ArgsUsage: "[BASE64_TRANSACTION|-]",
		Action: func(c *cli.Context) error {
			encoded, err := readTransactionArg(c)
			if err != nil {
				return err
			}

			// Fail locally before a round trip when signatures are missing
			tx, err := txbuilder.Decode(encoded)
			if err != nil {
				return err
			}
			if missing := txbuilder.MissingSignatures(tx); len(missing) > 0 {
				return fmt.Errorf("transaction is missing %d signature(s), first: %s", len(missing), missing[0])
			}

			cl, err := newClient(c)
			if err != nil {
				return err
			}
			sig, err := cl.Submit(context.Background(), encoded, c.String("network"))
			if err != nil {
				return fmt.Errorf("failed to submit transaction: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]string{"signature": sig})
			}
			fmt.Println(sig)
			return nil
		},
	}
}
