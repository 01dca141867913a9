package main

import (
	"fmt"

	"github.com/brojonat/payflow/client"
	"github.com/brojonat/payflow/service/fees"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func scheduleCommands() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Recurring sends",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Send a fixed amount on an interval",
				Description: `Each firing queues one outbox transfer keyed by schedule and firing time, so a
retried firing never pays twice.

Example:
  payflow schedule create --id rent --to DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK --amount 2 --every 720h`,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "Schedule ID", Required: true},
					&cli.StringFlag{Name: "to", Usage: "Destination address", Required: true},
					&cli.StringFlag{Name: "amount", Usage: "Amount in SOL per firing", Required: true},
					&cli.DurationFlag{Name: "every", Usage: "Interval between firings (at least 1m)", Required: true},
					&cli.StringFlag{Name: "memo", Usage: "Memo recorded with every transfer"},
					&cli.StringFlag{Name: "preset", Aliases: []string{"p"}, Usage: "Fee preset (normal, fast, express)"},
				},
				Action: func(c *cli.Context) error {
					amount, err := decimal.NewFromString(c.String("amount"))
					if err != nil {
						return fmt.Errorf("invalid --amount %q: %w", c.String("amount"), err)
					}
					preset, err := fees.ParsePreset(c.String("preset"))
					if err != nil {
						return err
					}
					s := client.Schedule{
						ID:          c.String("id"),
						Destination: c.String("to"),
						Amount:      amount,
						FeePreset:   preset,
						Interval:    c.Duration("every"),
					}
					if memo := c.String("memo"); memo != "" {
						s.Memo = &memo
					}
					if err := newClient(c).CreateSchedule(c.Context, s); err != nil {
						return fmt.Errorf("failed to create schedule: %w", err)
					}
					fmt.Fprintf(c.App.Writer, "✓ Scheduled %s SOL to %s every %s (id: %s)\n", amount.String(), s.Destination, s.Interval, s.ID)
					return nil
				},
			},
			{
				Name:      "delete",
				Aliases:   []string{"rm"},
				Usage:     "Stop a recurring send",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "schedule id")
					if err != nil {
						return err
					}
					if err := newClient(c).DeleteSchedule(c.Context, id); err != nil {
						return fmt.Errorf("failed to delete schedule: %w", err)
					}
					fmt.Fprintf(c.App.Writer, "✓ Deleted schedule %s\n", id)
					return nil
				},
			},
		},
	}
}
