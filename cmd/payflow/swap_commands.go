package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/brojonat/payflow/client"
	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/quote"
	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func swapCommands() *cli.Command {
	return &cli.Command{
		Name:  "swap",
		Usage: "Quote and execute token swaps",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Open a swap session and start quoting",
				Description: `Open a swap session. The server refreshes the quote until the session is
confirmed or deleted.

Example:
  payflow swap create --in SOL --out USDC --amount 1.5 --slippage 0.5
  payflow swap watch <id>
  payflow swap confirm <id>`,
				Flags: append(swapInputFlags(true),
					&cli.StringFlag{Name: "preset", Aliases: []string{"p"}, Usage: "Fee preset for the deposit transfer"},
				),
				Action: func(c *cli.Context) error {
					req, err := swapRequestFromFlags(c)
					if err != nil {
						return err
					}
					var preset fees.Preset
					if c.IsSet("preset") {
						if preset, err = fees.ParsePreset(c.String("preset")); err != nil {
							return err
						}
					}
					view, err := newClient(c).CreateSwap(c.Context, req, preset)
					if err != nil {
						return fmt.Errorf("failed to create swap: %w", err)
					}
					return render(c, view, func(w io.Writer) { printSwap(w, view) })
				},
			},
			{
				Name:      "get",
				Usage:     "Show a swap session",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "swap id")
					if err != nil {
						return err
					}
					view, err := newClient(c).GetSwap(c.Context, id)
					if err != nil {
						return fmt.Errorf("failed to get swap: %w", err)
					}
					return render(c, view, func(w io.Writer) { printSwap(w, view) })
				},
			},
			{
				Name:      "input",
				Usage:     "Change the amount or tokens being quoted",
				ArgsUsage: "<id>",
				Flags:     swapInputFlags(false),
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "swap id")
					if err != nil {
						return err
					}
					cl := newClient(c)
					current, err := cl.GetSwap(c.Context, id)
					if err != nil {
						return fmt.Errorf("failed to get swap: %w", err)
					}
					req := current.Quote.Input
					if c.IsSet("in") {
						req.InputToken = c.String("in")
					}
					if c.IsSet("out") {
						req.OutputToken = c.String("out")
					}
					if c.IsSet("amount") {
						req.InputAmount = c.String("amount")
					}
					if c.IsSet("slippage") {
						if req.Slippage, err = decimal.NewFromString(c.String("slippage")); err != nil {
							return fmt.Errorf("invalid --slippage: %w", err)
						}
					}
					view, err := cl.SetSwapInput(c.Context, id, req)
					if err != nil {
						return fmt.Errorf("failed to update swap input: %w", err)
					}
					return render(c, view, func(w io.Writer) { printSwap(w, view) })
				},
			},
			swapActionCommand(client.SwapConfirm, "Execute the current quote"),
			swapActionCommand(client.SwapRetry, "Retry a failed swap with a fresh quote"),
			swapActionCommand(client.SwapDismiss, "Clear a finished swap so the session can be reused"),
			{
				Name:      "delete",
				Aliases:   []string{"rm"},
				Usage:     "Close a swap session",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "swap id")
					if err != nil {
						return err
					}
					if err := newClient(c).DeleteSwap(c.Context, id); err != nil {
						return fmt.Errorf("failed to delete swap: %w", err)
					}
					fmt.Fprintf(c.App.Writer, "✓ Closed swap %s\n", id)
					return nil
				},
			},
			swapWatchCommand(),
		},
	}
}

func swapInputFlags(required bool) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "in", Usage: "Input token", Required: required},
		&cli.StringFlag{Name: "out", Usage: "Output token", Required: required},
		&cli.StringFlag{Name: "amount", Usage: "Input amount", Required: required},
		&cli.StringFlag{Name: "slippage", Usage: "Slippage tolerance in percent (server default when unset)"},
	}
}

func swapRequestFromFlags(c *cli.Context) (quote.Request, error) {
	req := quote.Request{
		InputToken:  c.String("in"),
		OutputToken: c.String("out"),
		InputAmount: c.String("amount"),
	}
	if _, ok := req.Amount(); !ok {
		return req, fmt.Errorf("invalid --amount %q: must be a positive number", req.InputAmount)
	}
	if c.IsSet("slippage") {
		slippage, err := decimal.NewFromString(c.String("slippage"))
		if err != nil {
			return req, fmt.Errorf("invalid --slippage: %w", err)
		}
		req.Slippage = slippage
	}
	return req, nil
}

func swapActionCommand(action client.SwapAction, usage string) *cli.Command {
	return &cli.Command{
		Name:      string(action),
		Usage:     usage,
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "swap id")
			if err != nil {
				return err
			}
			exec, err := newClient(c).Swap(c.Context, id, action)
			if err != nil {
				return fmt.Errorf("failed to %s swap: %w", action, err)
			}
			if err := render(c, exec, func(w io.Writer) { printExecution(w, *exec) }); err != nil {
				return err
			}
			if exec.State == quote.StateError {
				return fmt.Errorf("swap failed: %s", exec.Reason)
			}
			return nil
		},
	}
}

func swapWatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Follow a swap session's quote and execution",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Usage:   "Polling interval",
				Value:   2 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "swap id")
			if err != nil {
				return err
			}

			ctx, cancel := interruptContext(c.Context)
			defer cancel()

			fmt.Fprintf(os.Stderr, "Watching swap %s (Ctrl+C to stop)\n\n", color.CyanString(id))
			return watchSwap(ctx, c, newClient(c), id, c.Duration("interval"))
		},
	}
}

// watchSwap prints the session whenever its quote or execution state changes, and returns once
// the execution settles.
func watchSwap(ctx context.Context, c *cli.Context, cl *client.Client, id string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	for {
		view, err := cl.GetSwap(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to get swap: %w", err)
		}
		if key := swapStateKey(view); key != last {
			if err := render(c, view, func(w io.Writer) { printSwap(w, view) }); err != nil {
				return err
			}
			last = key
		}
		switch view.Execution.State {
		case quote.StateSuccess:
			return nil
		case quote.StateError:
			return fmt.Errorf("swap failed: %s", view.Execution.Reason)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func swapStateKey(v *client.SwapView) string {
	key := fmt.Sprintf("%d|%t|%s|%s", v.Quote.Generation, v.Quote.Stale, v.Quote.LastError, v.Execution.State)
	if q := v.Quote.Quote; q != nil {
		key += "|" + q.QuoteID + "|" + q.FetchedAt.String()
	}
	return key
}

func printSwap(w io.Writer, v *client.SwapView) {
	in := v.Quote.Input
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Swap:             %s\n", color.CyanString(v.ID))
	fmt.Fprintf(w, "Input:            %s %s -> %s\n", in.InputAmount, in.InputToken, in.OutputToken)
	fmt.Fprintf(w, "Slippage:         %s%%\n", in.Slippage.String())
	if q := v.Quote.Quote; q != nil {
		fmt.Fprintf(w, "Output:           %s %s\n", q.OutputAmount.String(), q.OutputToken)
		fmt.Fprintf(w, "Minimum Received: %s %s\n", v.Quote.MinimumReceived.String(), q.OutputToken)
		fmt.Fprintf(w, "Rate:             %s\n", q.Rate.String())
		fmt.Fprintf(w, "Fees:             network %s, platform %s\n", q.NetworkFee.String(), q.PlatformFee.String())
		fmt.Fprintf(w, "Price Impact:     %s%%\n", q.PriceImpact.String())
		if q.DepositAddress != "" {
			fmt.Fprintf(w, "Deposit Address:  %s\n", color.CyanString(q.DepositAddress))
		}
		freshness := color.GreenString("fresh")
		if v.Quote.Stale {
			freshness = color.YellowString("stale")
		}
		fmt.Fprintf(w, "Quote:            %s (%s, fetched %s)\n", q.QuoteID, freshness, q.FetchedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintf(w, "Quote:            %s\n", color.YellowString("none yet"))
	}
	if v.Quote.Message != "" {
		fmt.Fprintf(w, "Message:          %s\n", v.Quote.Message)
	}
	if v.Quote.LastError != "" {
		fmt.Fprintf(w, "Last Error:       %s\n", color.RedString(v.Quote.LastError))
	}
	printExecution(w, v.Execution)
	fmt.Fprintln(w, rule)
}

func printExecution(w io.Writer, e quote.Execution) {
	fmt.Fprintf(w, "Execution:        %s\n", colorStatus(string(e.State)))
	if e.TxHash != "" {
		fmt.Fprintf(w, "Deposit Tx:       %s\n", color.HiBlackString(e.TxHash))
	}
	if e.Reason != "" {
		fmt.Fprintf(w, "Reason:           %s\n", e.Reason)
	}
}
