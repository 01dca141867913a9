package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/payflow/service/events"
	natspkg "github.com/brojonat/payflow/service/nats"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

func eventCommands() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Watch transfer, request and swap lifecycle events",
		Subcommands: []*cli.Command{
			{
				Name:  "stream",
				Usage: "Stream events from the server via SSE (HTTP)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Usage: "Only kinds with this prefix, e.g. outbox. or request.accepted"},
					&cli.StringFlag{Name: "subject", Aliases: []string{"s"}, Usage: "Only events for this address"},
				},
				Action: func(c *cli.Context) error {
					ctx, cancel := interruptContext(c.Context)
					defer cancel()

					if outputFormat(c) == "text" {
						fmt.Fprintf(os.Stderr, "Streaming events from %s... (Ctrl+C to stop)\n\n", c.String("server-url"))
					}
					err := newClient(c).Stream(ctx, c.String("kind"), c.String("subject"), func(e events.Event) error {
						return renderEvent(c, e)
					})
					if err != nil && ctx.Err() == nil {
						return fmt.Errorf("error reading SSE stream: %w", err)
					}
					return nil
				},
			},
			{
				Name:  "tail",
				Usage: "Tail events from NATS JetStream",
				Description: `Events are published to payflow.{kind}, e.g. payflow.outbox.confirmed.

Example:
  payflow events tail --filter "outbox.>" --all`,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "filter", Aliases: []string{"f"}, Usage: "Subject filter relative to payflow., e.g. request.>"},
					&cli.BoolFlag{Name: "all", Aliases: []string{"a"}, Usage: "Replay retained events before new ones"},
				},
				Action: func(c *cli.Context) error {
					ctx, cancel := interruptContext(c.Context)
					defer cancel()

					logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
					if outputFormat(c) == "text" {
						fmt.Fprintf(os.Stderr, "Tailing %s on %s... (Ctrl+C to stop)\n\n", natspkg.SubjectPrefix+filterOrAll(c.String("filter")), c.String("nats-url"))
					}
					return natspkg.Tail(ctx, c.String("nats-url"), c.String("filter"), c.Bool("all"), logger, func(msg *natspkg.EventMessage) error {
						return renderEvent(c, msg.Event)
					})
				},
			},
		},
	}
}

func renderEvent(c *cli.Context, e events.Event) error {
	return render(c, e, func(w io.Writer) { printEvent(w, e) })
}

func printEvent(w io.Writer, e events.Event) {
	line := fmt.Sprintf("%s  %-22s %s  %s",
		color.HiBlackString(e.At.Format(time.RFC3339)),
		e.Kind,
		e.ID,
		colorStatus(e.Status),
	)
	if e.Subject != "" {
		line += "  " + color.CyanString(e.Subject)
	}
	if e.TxHash != "" {
		line += "  tx=" + e.TxHash
	}
	if e.Reason != "" {
		line += "  reason=" + e.Reason
	}
	fmt.Fprintln(w, line)
}

func filterOrAll(filter string) string {
	if filter == "" {
		return ">"
	}
	return filter
}

// interruptContext returns a context cancelled on SIGINT or SIGTERM.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
