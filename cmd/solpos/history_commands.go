package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/solpos/client"
	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func historyCommands() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Merchant payment history commands",
		Subcommands: []*cli.Command{
			historyShowCommand(),
			historyAwaitCommand(),
		},
	}
}

func historyShowCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Aliases:   []string{"get"},
		Usage:     "Show a merchant's payment history",
		ArgsUsage: "MERCHANT_ADDRESS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "mode",
				Aliases: []string{"m"},
				Value:   "cached",
				Usage:   "Refresh mode: cached, full, incremental or more",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq expression applied to the history response (e.g. '.payments[] | select(.sender == \"...\")')",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("merchant address is required")
			}
			merchant := c.Args().Get(0)

			var code *gojq.Code
			if expr := c.String("jq"); expr != "" {
				codes, err := compileJQ([]string{expr})
				if err != nil {
					return err
				}
				code = codes[0]
			}

			cl, err := newClient(c)
			if err != nil {
				return err
			}

			h, err := cl.History(context.Background(), merchant, c.String("network"), c.String("mode"))
			if err != nil {
				return fmt.Errorf("failed to fetch history: %w", err)
			}

			if code != nil {
				return runJQ(code, h)
			}
			if c.Bool("json") {
				return outputJSON(h)
			}
			printHistory(h)
			return nil
		},
	}
}

func printHistory(h *client.History) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SIGNATURE\tAMOUNT\tSENDER\tTIME\tMEMO")
	for _, p := range h.Payments {
		memo := ""
		if p.Memo != nil {
			memo = *p.Memo
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			p.Signature,
			p.Amount.String(),
			p.Sender,
			p.Timestamp.Format(time.RFC3339),
			memo,
		)
	}
	w.Flush()

	fmt.Fprintf(os.Stderr, "\nTotal: %d payments (%d new)", len(h.Payments), len(h.New))
	if h.HasMore {
		fmt.Fprint(os.Stderr, ", older payments available with --mode more")
	}
	if h.Degraded {
		fmt.Fprint(os.Stderr, ", served from cache after a failed refresh")
	}
	fmt.Fprintln(os.Stderr)
}

func historyAwaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a payment matching criteria arrives",
		ArgsUsage: "MERCHANT_ADDRESS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "signature",
				Usage: "Filter by exact transaction signature",
			},
			&cli.StringFlag{
				Name:  "amount",
				Usage: "Filter by exact token amount (e.g., 0.42)",
			},
			&cli.StringFlag{
				Name:  "sender",
				Usage: "Filter by the paying wallet",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Aliases: []string{"jq"},
				Usage:   "jq filter over the payment that must evaluate to true (can be repeated, all must match). The memo is a string: use '.memo | fromjson' for JSON memos",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait for the payment",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("merchant address is required")
			}

			merchant := c.Args().Get(0)
			signature := c.String("signature")
			sender := c.String("sender")
			jqFilters := c.StringSlice("must-jq")
			timeout := c.Duration("timeout")
			jsonOutput := c.Bool("json")

			var amount *decimal.Decimal
			if s := c.String("amount"); s != "" {
				d, err := decimal.NewFromString(s)
				if err != nil {
					return fmt.Errorf("invalid amount %q: %w", s, err)
				}
				amount = &d
			}

			// Require at least one filter
			if signature == "" && sender == "" && amount == nil && len(jqFilters) == 0 {
				return fmt.Errorf("must specify at least one filter: --signature, --amount, --sender, or --must-jq")
			}

			codes, err := compileJQ(jqFilters)
			if err != nil {
				return err
			}

			cl, err := newClient(c)
			if err != nil {
				return err
			}

			matcher := paymentMatcher(signature, sender, amount, codes)

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Waiting for payment to merchant %s...\n", merchant)
				if signature != "" {
					fmt.Fprintf(os.Stderr, "  Signature: %s\n", signature)
				}
				if amount != nil {
					fmt.Fprintf(os.Stderr, "  Amount: %s\n", amount.String())
				}
				if sender != "" {
					fmt.Fprintf(os.Stderr, "  Sender: %s\n", sender)
				}
				for _, filter := range jqFilters {
					fmt.Fprintf(os.Stderr, "  jq Filter: %s\n", filter)
				}
				fmt.Fprintf(os.Stderr, "  Timeout: %v\n\n", timeout)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			payment, err := cl.AwaitPayment(ctx, merchant, c.String("network"), matcher)
			if err != nil {
				return fmt.Errorf("failed to await payment: %w", err)
			}

			if jsonOutput {
				return outputJSON(payment)
			}
			printPaymentDetailed(payment)
			return nil
		},
	}
}

// paymentMatcher accepts payments that pass every non-empty criterion.
func paymentMatcher(signature, sender string, amount *decimal.Decimal, codes []*gojq.Code) func(*client.Payment) bool {
	return func(p *client.Payment) bool {
		if signature != "" && p.Signature != signature {
			return false
		}
		if sender != "" && p.Sender != sender {
			return false
		}
		if amount != nil && !p.Amount.Equal(*amount) {
			return false
		}
		if len(codes) == 0 {
			return true
		}

		v, err := jqValue(p)
		if err != nil {
			return false
		}
		return matchesAll(codes, v)
	}
}

func printPaymentDetailed(p *client.Payment) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("✓ Payment Received")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Signature:   %s\n", p.Signature)
	fmt.Printf("Amount:      %s\n", p.Amount.String())
	fmt.Printf("Mint:        %s\n", p.Mint)
	fmt.Printf("Sender:      %s\n", p.Sender)
	fmt.Printf("Slot:        %d\n", p.Slot)
	if !p.Timestamp.IsZero() {
		fmt.Printf("Block Time:  %s\n", p.Timestamp.Format(time.RFC3339))
	}
	if p.Memo != nil {
		fmt.Printf("Memo:        %s\n", *p.Memo)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// compileJQ parses and compiles each filter.
func compileJQ(filters []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return codes, nil
}

// jqValue converts v to the generic JSON shape gojq operates on.
func jqValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// matchesAll reports whether every filter's first result is truthy.
func matchesAll(codes []*gojq.Code, v interface{}) bool {
	for _, code := range codes {
		iter := code.Run(v)
		result, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := result.(error); isErr {
			return false
		}
		if !isTruthy(result) {
			return false
		}
	}
	return true
}

// runJQ prints every result of code applied to v, one JSON document per line.
func runJQ(code *gojq.Code, v interface{}) error {
	input, err := jqValue(v)
	if err != nil {
		return fmt.Errorf("failed to prepare jq input: %w", err)
	}

	iter := code.Run(input)
	for {
		result, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := result.(error); isErr {
			return fmt.Errorf("jq: %w", err)
		}
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal jq result: %w", err)
		}
		fmt.Println(string(data))
	}
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}
