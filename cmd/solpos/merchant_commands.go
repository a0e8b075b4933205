package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
)

func merchantCommands() *cli.Command {
	return &cli.Command{
		Name:  "merchant",
		Usage: "Merchant account commands",
		Subcommands: []*cli.Command{
			merchantGetCommand(),
		},
	}
}

func merchantGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show an on-chain merchant account",
		ArgsUsage: "MERCHANT_ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: merchant address")
			}

			cl, err := newClient(c)
			if err != nil {
				return err
			}

			m, err := cl.Merchant(context.Background(), c.Args().First(), c.String("network"))
			if err != nil {
				return fmt.Errorf("failed to get merchant: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(m)
			}

			fmt.Printf("Address:         %s\n", m.Address)
			fmt.Printf("Name:            %s\n", m.Name)
			fmt.Printf("Owner:           %s\n", m.Owner)
			fmt.Printf("Fee Eligible:    %v\n", m.FeeEligible)
			fmt.Printf("Total Withdrawn: %d\n", m.TotalWithdrawn)
			fmt.Printf("Total Refunded:  %d\n", m.TotalRefunded)
			return nil
		},
	}
}
