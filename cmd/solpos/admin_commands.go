package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
)

func adminCommands() *cli.Command {
	return &cli.Command{
		Name:  "admin",
		Usage: "Admin commands (require --admin-secret)",
		Subcommands: []*cli.Command{
			feePayerCommand(),
			scheduleSetCommand(),
			scheduleDeleteCommand(),
		},
	}
}

func adminSecret(c *cli.Context) (string, error) {
	secret := c.String("admin-secret")
	if secret == "" {
		return "", fmt.Errorf("admin-secret is required (set ADMIN_SECRET env var or use --admin-secret)")
	}
	return secret, nil
}

func feePayerCommand() *cli.Command {
	return &cli.Command{
		Name:    "fee-payer",
		Aliases: []string{"fp"},
		Usage:   "Show the fee sponsorship status of each network",
		Action: func(c *cli.Context) error {
			secret, err := adminSecret(c)
			if err != nil {
				return err
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}

			payers, err := cl.FeePayers(context.Background(), secret)
			if err != nil {
				return fmt.Errorf("failed to get fee payer status: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(payers)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NETWORK\tPUBLIC KEY\tBALANCE (SOL)\tMIN (SOL)\tSPONSORING\tERROR")
			for _, p := range payers {
				key := p.PublicKey
				if !p.Configured {
					key = "not configured"
				}
				fmt.Fprintf(w, "%s\t%s\t%.4f\t%.4f\t%v\t%s\n",
					p.Network,
					key,
					float64(p.Balance)/1e9,
					float64(p.MinBalance)/1e9,
					p.CanSponsor,
					p.Error,
				)
			}
			w.Flush()
			return nil
		},
	}
}

func scheduleSetCommand() *cli.Command {
	return &cli.Command{
		Name:      "schedule",
		Usage:     "Create or update a merchant's history sync schedule",
		ArgsUsage: "MERCHANT_ADDRESS",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Usage:   "How often to sync (e.g., 30s, 5m); the server default when unset",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: merchant address")
			}
			secret, err := adminSecret(c)
			if err != nil {
				return err
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}

			s, err := cl.UpsertSchedule(context.Background(), secret, c.Args().First(), c.String("network"), c.Duration("interval"))
			if err != nil {
				return fmt.Errorf("failed to set schedule: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(s)
			}
			fmt.Printf("✓ History sync scheduled\n")
			fmt.Printf("  Merchant: %s\n", s.Merchant)
			fmt.Printf("  Network:  %s\n", s.Network)
			fmt.Printf("  Interval: %s\n", s.Interval)
			return nil
		},
	}
}

func scheduleDeleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "unschedule",
		Aliases:   []string{"rm"},
		Usage:     "Delete a merchant's history sync schedule",
		ArgsUsage: "MERCHANT_ADDRESS",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 10 * time.Second,
				Usage: "Request timeout",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: merchant address")
			}
			secret, err := adminSecret(c)
			if err != nil {
				return err
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()
			if err := cl.DeleteSchedule(ctx, secret, c.Args().First(), c.String("network")); err != nil {
				return fmt.Errorf("failed to delete schedule: %w", err)
			}

			fmt.Printf("✓ History sync schedule removed for %s\n", c.Args().First())
			return nil
		},
	}
}
