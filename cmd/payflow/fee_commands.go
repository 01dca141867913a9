package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/brojonat/payflow/service/fees"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

func feeCommands() *cli.Command {
	return &cli.Command{
		Name:  "fee",
		Usage: "Priority fee presets",
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List fee presets",
				Action: func(c *cli.Context) error {
					presets, err := newClient(c).Fees(c.Context)
					if err != nil {
						return fmt.Errorf("failed to list fee presets: %w", err)
					}
					return render(c, presets, func(w io.Writer) {
						tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
						fmt.Fprintln(tw, "PRESET\tLABEL\tMICRO-LAMPORTS/CU")
						for _, p := range presets {
							fmt.Fprintf(tw, "%s\t%s\t%d\n", p.Preset, p.Label, p.MicroLamports)
						}
						tw.Flush()
					})
				},
			},
			{
				Name:  "recommend",
				Usage: "Show the preset recommended for current network congestion",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "preset",
						Aliases: []string{"p"},
						Usage:   "Explicit preset; overrides the recommendation",
					},
				},
				Action: func(c *cli.Context) error {
					var explicit fees.Preset
					if c.IsSet("preset") {
						p, err := fees.ParsePreset(c.String("preset"))
						if err != nil {
							return err
						}
						explicit = p
					}
					rec, err := newClient(c).FeeRecommendation(c.Context, explicit)
					if err != nil {
						return fmt.Errorf("failed to get fee recommendation: %w", err)
					}
					return render(c, rec, func(w io.Writer) {
						fmt.Fprintf(w, "Congestion:  %s\n", congestionColor(rec.Congestion.Level))
						if rec.Congestion.Message != "" {
							fmt.Fprintf(w, "             %s\n", rec.Congestion.Message)
						}
						fmt.Fprintf(w, "Selected:    %s (%s, %d micro-lamports/CU)\n", rec.Selected, rec.Label, rec.MicroLamports)
						if rec.Recommended {
							fmt.Fprintln(w, "             recommended for current conditions")
						}
					})
				},
			},
		},
	}
}

func congestionColor(level fees.CongestionLevel) string {
	switch level {
	case fees.CongestionLow:
		return color.GreenString(string(level))
	case fees.CongestionMedium:
		return color.YellowString(string(level))
	case fees.CongestionHigh:
		return color.RedString(string(level))
	default:
		return string(level)
	}
}
