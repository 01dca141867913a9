package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/brojonat/payflow/client"
	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/split"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func splitCommands() *cli.Command {
	return &cli.Command{
		Name:  "split",
		Usage: "Split a total across participants",
		Subcommands: []*cli.Command{
			{
				Name:  "calc",
				Usage: "Calculate per-participant amounts without sending",
				Description: `Participants are given as ID,ADDRESS[,PERCENT]. PERCENT is required in custom mode.

Example:
  payflow split calc --total 100 --participant alice,ADDR1 --participant bob,ADDR2`,
				Flags: splitFlags(),
				Action: func(c *cli.Context) error {
					req, err := splitRequestFromFlags(c)
					if err != nil {
						return err
					}
					result, err := newClient(c).CalculateSplit(c.Context, req)
					if err != nil {
						return fmt.Errorf("failed to calculate split: %w", err)
					}
					return render(c, result, func(w io.Writer) { printSplit(w, result) })
				},
			},
			{
				Name:  "submit",
				Usage: "Calculate a split and queue one transfer per participant",
				Flags: append(splitFlags(),
					&cli.StringFlag{
						Name:  "id",
						Usage: "Split ID; resubmitting the same ID never pays a participant twice",
					},
					&cli.StringFlag{
						Name:  "memo",
						Usage: "Memo attached to every transfer",
					},
					&cli.StringFlag{
						Name:    "preset",
						Aliases: []string{"p"},
						Usage:   "Fee preset (normal, fast, express)",
					},
				),
				Action: func(c *cli.Context) error {
					req, err := splitRequestFromFlags(c)
					if err != nil {
						return err
					}
					if id := c.String("id"); id != "" {
						req.SplitID = id
					}
					if memo := c.String("memo"); memo != "" {
						req.Memo = &memo
					}
					if c.IsSet("preset") {
						if req.FeePreset, err = fees.ParsePreset(c.String("preset")); err != nil {
							return err
						}
					}

					sub, err := newClient(c).SubmitSplit(c.Context, req)
					if err != nil {
						return fmt.Errorf("failed to submit split: %w", err)
					}
					if err := render(c, sub, func(w io.Writer) { printSplitSubmission(w, sub) }); err != nil {
						return err
					}
					for _, t := range sub.Transfers {
						if t.Error != "" {
							return fmt.Errorf("one or more transfers failed; resubmit with --id %s to retry them", sub.SplitID)
						}
					}
					return nil
				},
			},
		},
	}
}

func splitFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "total",
			Usage: "Total amount to split",
		},
		&cli.StringFlag{
			Name:  "mode",
			Usage: "Split mode (even, custom)",
			Value: string(split.Even),
		},
		&cli.StringSliceFlag{
			Name:  "participant",
			Usage: "Participant as ID,ADDRESS[,PERCENT] (repeatable)",
		},
		&cli.StringFlag{
			Name:    "file",
			Aliases: []string{"f"},
			Usage:   "Read the split request from a JSON or YAML file",
		},
	}
}

// splitRequestFromFlags builds the request from --file, then applies explicit flags over it.
func splitRequestFromFlags(c *cli.Context) (client.SplitRequest, error) {
	var req client.SplitRequest
	if path := c.String("file"); path != "" {
		if err := loadDocument(path, &req); err != nil {
			return req, err
		}
	}

	if c.IsSet("total") || req.Total.IsZero() {
		total, err := decimal.NewFromString(c.String("total"))
		if err != nil {
			return req, fmt.Errorf("invalid --total %q: %w", c.String("total"), err)
		}
		req.Total = total
	}
	if c.IsSet("mode") || req.Mode == "" {
		mode, err := split.ParseMode(c.String("mode"))
		if err != nil {
			return req, err
		}
		req.Mode = mode
	}
	if specs := c.StringSlice("participant"); len(specs) > 0 {
		req.Participants = req.Participants[:0]
		for _, spec := range specs {
			p, err := parseParticipant(spec)
			if err != nil {
				return req, err
			}
			req.Participants = append(req.Participants, p)
		}
	}
	if len(req.Participants) == 0 {
		return req, fmt.Errorf("at least one --participant is required")
	}
	return req, nil
}

func parseParticipant(spec string) (split.Participant, error) {
	parts := strings.Split(spec, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return split.Participant{}, fmt.Errorf("invalid participant %q: want ID,ADDRESS[,PERCENT]", spec)
	}
	p := split.Participant{
		ID:      strings.TrimSpace(parts[0]),
		Address: strings.TrimSpace(parts[1]),
	}
	if p.ID == "" || p.Address == "" {
		return split.Participant{}, fmt.Errorf("invalid participant %q: ID and ADDRESS are required", spec)
	}
	if len(parts) == 3 {
		share, err := decimal.NewFromString(strings.TrimSpace(parts[2]))
		if err != nil {
			return split.Participant{}, fmt.Errorf("invalid participant %q: bad percent: %w", spec, err)
		}
		p.SharePercent = share
	}
	return p, nil
}

func printSplit(w io.Writer, result *split.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PARTICIPANT\tADDRESS\tSHARE %\tAMOUNT")
	for _, p := range result.Participants {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Address, p.SharePercent.String(), p.Amount.String())
	}
	tw.Flush()
	fmt.Fprintf(w, "\nTotal: %s (%s mode, %s%%)\n", result.Total.String(), result.Mode, result.PercentTotal.String())
}

func printSplitSubmission(w io.Writer, sub *client.SplitSubmission) {
	fmt.Fprintf(w, "Split: %s\n\n", sub.SplitID)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PARTICIPANT\tENTRY\tSTATUS\tTX")
	for _, t := range sub.Transfers {
		if t.Entry == nil {
			fmt.Fprintf(tw, "%s\t-\t%s\t%s\n", t.ParticipantID, colorStatus("error"), t.Error)
			continue
		}
		detail := t.Entry.TxHash
		if t.Error != "" {
			detail = t.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ParticipantID, t.Entry.ID, colorStatus(string(t.Entry.Status)), detail)
	}
	tw.Flush()
}
