package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/brojonat/payflow/client"
	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/requests"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func requestCommands() *cli.Command {
	return &cli.Command{
		Name:    "request",
		Aliases: []string{"req"},
		Usage:   "Payment requests between two addresses",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Ask an address to pay you",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "from", Usage: "Address asked to pay", Required: true},
					&cli.StringFlag{Name: "to", Usage: "Address to be paid", Required: true},
					&cli.StringFlag{Name: "amount", Usage: "Amount in SOL", Required: true},
					&cli.StringFlag{Name: "memo", Usage: "Note shown to the payer"},
				},
				Action: func(c *cli.Context) error {
					amount, err := decimal.NewFromString(c.String("amount"))
					if err != nil {
						return fmt.Errorf("invalid --amount %q: %w", c.String("amount"), err)
					}
					var memo *string
					if m := c.String("memo"); m != "" {
						memo = &m
					}
					req, err := newClient(c).CreatePaymentRequest(c.Context, c.String("from"), c.String("to"), amount, memo)
					if err != nil {
						return fmt.Errorf("failed to create payment request: %w", err)
					}
					return render(c, req, func(w io.Writer) { printPaymentRequest(w, req) })
				},
			},
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List payment requests",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "address", Aliases: []string{"a"}, Usage: "Only requests involving this address"},
					&cli.StringFlag{Name: "direction", Aliases: []string{"d"}, Usage: "incoming or outgoing, relative to --address"},
					&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Filter by status (pending, accepted, declined)"},
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum number of requests", Value: 50},
				},
				Action: func(c *cli.Context) error {
					status, err := requests.ParseStatus(c.String("status"))
					if err != nil {
						return err
					}
					query := client.RequestQuery{
						Address:   c.String("address"),
						Direction: c.String("direction"),
						Status:    status,
						Limit:     c.Int("limit"),
					}
					if query.Direction != "" && query.Address == "" {
						return fmt.Errorf("--direction requires --address")
					}
					list, err := newClient(c).ListPaymentRequests(c.Context, query)
					if err != nil {
						return fmt.Errorf("failed to list payment requests: %w", err)
					}
					return render(c, list, func(w io.Writer) {
						tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
						fmt.Fprintln(tw, "ID\tFROM\tTO\tAMOUNT\tSTATUS\tCREATED")
						for _, r := range list {
							fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
								r.ID, r.FromAddress, r.ToAddress, r.Amount.String(),
								colorStatus(string(r.Status)), formatTime(&r.CreatedAt))
						}
						tw.Flush()
						fmt.Fprintf(os.Stderr, "\nTotal: %d requests\n", len(list))
					})
				},
			},
			{
				Name:      "get",
				Usage:     "Show a payment request",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "request id")
					if err != nil {
						return err
					}
					req, err := newClient(c).GetPaymentRequest(c.Context, id)
					if err != nil {
						return fmt.Errorf("failed to get payment request: %w", err)
					}
					return render(c, req, func(w io.Writer) { printPaymentRequest(w, req) })
				},
			},
			{
				Name:      "accept",
				Usage:     "Pay a pending request",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "preset", Aliases: []string{"p"}, Usage: "Fee preset (normal, fast, express)"},
				},
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "request id")
					if err != nil {
						return err
					}
					preset, err := fees.ParsePreset(c.String("preset"))
					if err != nil {
						return err
					}
					req, err := newClient(c).AcceptPaymentRequest(c.Context, id, preset)
					if err != nil {
						return fmt.Errorf("failed to accept payment request: %w", err)
					}
					return render(c, req, func(w io.Writer) { printPaymentRequest(w, req) })
				},
			},
			{
				Name:      "decline",
				Usage:     "Decline a pending request",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "request id")
					if err != nil {
						return err
					}
					req, err := newClient(c).DeclinePaymentRequest(c.Context, id)
					if err != nil {
						return fmt.Errorf("failed to decline payment request: %w", err)
					}
					return render(c, req, func(w io.Writer) { printPaymentRequest(w, req) })
				},
			},
		},
	}
}

func printPaymentRequest(w io.Writer, r *requests.PaymentRequest) {
	fmt.Fprintf(w, "ID:        %s\n", r.ID)
	fmt.Fprintf(w, "From:      %s\n", r.FromAddress)
	fmt.Fprintf(w, "To:        %s\n", r.ToAddress)
	fmt.Fprintf(w, "Amount:    %s SOL\n", r.Amount.String())
	fmt.Fprintf(w, "Memo:      %s\n", optional(r.Memo))
	fmt.Fprintf(w, "Status:    %s\n", colorStatus(string(r.Status)))
	if r.TransferID != "" {
		fmt.Fprintf(w, "Transfer:  %s\n", r.TransferID)
	}
	fmt.Fprintf(w, "Created:   %s\n", formatTime(&r.CreatedAt))
	if r.ResolvedAt != nil {
		fmt.Fprintf(w, "Resolved:  %s\n", formatTime(r.ResolvedAt))
	}
}
