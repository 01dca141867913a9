package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/brojonat/payflow/client"
	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/outbox"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func outboxCommands() *cli.Command {
	return &cli.Command{
		Name:    "outbox",
		Aliases: []string{"tx"},
		Usage:   "Queue and inspect outgoing transfers",
		Subcommands: []*cli.Command{
			enqueueCommand(),
			listEntriesCommand(),
			getEntryCommand(),
			attemptEntryCommand(),
			removeEntryCommand(),
			sweepCommand(),
		},
	}
}

func enqueueCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Queue a transfer",
		Description: `Queue a transfer in the durable outbox. With --now the first delivery attempt is
made immediately; otherwise the next sweep picks it up.

Example:
  payflow outbox send --to DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK --amount 0.25 --key rent-2026-10 --now`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "to",
				Usage:    "Destination address",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "amount",
				Usage:    "Amount in SOL",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "memo",
				Usage: "Memo recorded with the transfer",
			},
			&cli.StringFlag{
				Name:    "preset",
				Aliases: []string{"p"},
				Usage:   "Fee preset (normal, fast, express)",
			},
			&cli.StringFlag{
				Name:    "key",
				Aliases: []string{"k"},
				Usage:   "Intent key; sending the same key twice never pays twice",
			},
			&cli.BoolFlag{
				Name:  "now",
				Usage: "Attempt delivery immediately",
			},
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
			req := client.EnqueueRequest{
				IntentKey:   c.String("key"),
				Destination: c.String("to"),
				Amount:      amount,
				FeePreset:   preset,
			}
			if memo := c.String("memo"); memo != "" {
				req.Memo = &memo
			}

			entry, err := newClient(c).Enqueue(c.Context, req, c.Bool("now"))
			return renderEntryResult(c, entry, err, "failed to queue transfer")
		},
	}
}

func listEntriesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List outbox entries",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (created, submitting, confirmed, failed_retryable, failed_terminal)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of entries",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			status, err := outbox.ParseStatus(c.String("status"))
			if err != nil {
				return err
			}
			entries, err := newClient(c).ListEntries(c.Context, status, c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to list outbox entries: %w", err)
			}
			return render(c, entries, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tDESTINATION\tAMOUNT\tSTATUS\tATTEMPTS\tNEXT ATTEMPT\tCREATED")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						e.ID,
						e.Destination,
						e.Amount.String(),
						colorStatus(string(e.Status)),
						e.Attempts,
						formatTime(e.NextAttemptAt),
						formatTime(&e.CreatedAt),
					)
				}
				tw.Flush()
				fmt.Fprintf(os.Stderr, "\nTotal: %d entries\n", len(entries))
			})
		},
	}
}

func getEntryCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show an outbox entry",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "entry id")
			if err != nil {
				return err
			}
			entry, err := newClient(c).GetEntry(c.Context, id)
			if err != nil {
				return fmt.Errorf("failed to get entry: %w", err)
			}
			return render(c, entry, func(w io.Writer) { printEntry(w, entry) })
		},
	}
}

func attemptEntryCommand() *cli.Command {
	return &cli.Command{
		Name:      "attempt",
		Usage:     "Attempt delivery of an entry now",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "entry id")
			if err != nil {
				return err
			}
			entry, err := newClient(c).AttemptEntry(c.Context, id)
			return renderEntryResult(c, entry, err, "delivery attempt failed")
		},
	}
}

func removeEntryCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Aliases:   []string{"rm"},
		Usage:     "Remove an entry that is not mid-submission",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "entry id")
			if err != nil {
				return err
			}
			if err := newClient(c).RemoveEntry(c.Context, id); err != nil {
				return fmt.Errorf("failed to remove entry: %w", err)
			}
			fmt.Fprintf(c.App.Writer, "✓ Removed entry %s\n", id)
			return nil
		},
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Retry every due entry now",
		Action: func(c *cli.Context) error {
			result, err := newClient(c).Sweep(c.Context)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			return render(c, result, func(w io.Writer) {
				fmt.Fprintf(w, "Attempted: %d\n", result.Attempted)
				fmt.Fprintf(w, "Confirmed: %d\n", result.Confirmed)
				fmt.Fprintf(w, "Retrying:  %d\n", result.Retrying)
				fmt.Fprintf(w, "Failed:    %d\n", result.Failed)
				fmt.Fprintf(w, "Skipped:   %d\n", result.Skipped)
				fmt.Fprintf(w, "Recovered: %d\n", result.Recovered)
			})
		},
	}
}

// renderEntryResult prints the entry even when the call failed, since a failed attempt still
// returns the recorded state.
func renderEntryResult(c *cli.Context, entry *outbox.PendingTransaction, err error, msg string) error {
	if entry != nil {
		if rerr := render(c, entry, func(w io.Writer) { printEntry(w, entry) }); rerr != nil {
			return rerr
		}
	}
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Kind != "" {
			return fmt.Errorf("%s (%s): %s", msg, apiErr.Kind, apiErr.Message)
		}
		return fmt.Errorf("%s: %w", msg, err)
	}
	return nil
}

func printEntry(w io.Writer, e *outbox.PendingTransaction) {
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "ID:           %s\n", e.ID)
	if e.IntentKey != "" {
		fmt.Fprintf(w, "Intent Key:   %s\n", e.IntentKey)
	}
	fmt.Fprintf(w, "Destination:  %s\n", e.Destination)
	fmt.Fprintf(w, "Amount:       %s SOL\n", e.Amount.String())
	fmt.Fprintf(w, "Fee Preset:   %s\n", e.FeePreset)
	fmt.Fprintf(w, "Memo:         %s\n", optional(e.Memo))
	fmt.Fprintf(w, "Status:       %s\n", colorStatus(string(e.Status)))
	fmt.Fprintf(w, "Attempts:     %d\n", e.Attempts)
	if e.TxHash != "" {
		fmt.Fprintf(w, "Tx Hash:      %s\n", e.TxHash)
	}
	if e.LastError != "" {
		fmt.Fprintf(w, "Last Error:   %s (%s)\n", e.LastError, e.ErrorKind)
	}
	if e.NextAttemptAt != nil {
		fmt.Fprintf(w, "Next Attempt: %s\n", formatTime(e.NextAttemptAt))
	}
	fmt.Fprintf(w, "Created:      %s\n", formatTime(&e.CreatedAt))
	fmt.Fprintf(w, "Updated:      %s\n", formatTime(&e.UpdatedAt))
	fmt.Fprintln(w, rule)
}
