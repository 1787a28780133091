package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/rag"
)

var (
	rangeSince time.Duration
	rangeStart string
	rangeEnd   string
	showCited  bool
)

var askCmd = &cobra.Command{
	Use:   "ask GROUP QUESTION...",
	Short: "Answer a question from a group's history",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, err := parseRange()
		if err != nil {
			return err
		}
		q := core.Query{GroupID: args[0], Question: strings.Join(args[1:], " "), TimeRange: tr, IssuedAt: time.Now()}
		return withPipeline(cmd, func(ctx context.Context, p *rag.Pipeline) (*core.Answer, error) {
			return p.Ask(ctx, q)
		})
	},
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize GROUP",
	Short: "Summarize a group's recent conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, err := parseRange()
		if err != nil {
			return err
		}
		return withPipeline(cmd, func(ctx context.Context, p *rag.Pipeline) (*core.Answer, error) {
			return p.Summarize(ctx, args[0], tr)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{askCmd, summarizeCmd} {
		c.Flags().DurationVar(&rangeSince, "since", 0, "only consider the last duration, e.g. 24h")
		c.Flags().StringVar(&rangeStart, "start", "", "range start (RFC3339)")
		c.Flags().StringVar(&rangeEnd, "end", "", "range end (RFC3339)")
		c.Flags().BoolVar(&showCited, "cited", false, "print the cited chunk ids")
		rootCmd.AddCommand(c)
	}
}

func parseRange() (*core.TimeRange, error) {
	if rangeSince == 0 && rangeStart == "" && rangeEnd == "" {
		return nil, nil
	}
	tr := &core.TimeRange{}
	if rangeSince > 0 {
		tr.Start = time.Now().Add(-rangeSince)
	}
	for _, f := range []struct {
		value string
		dst   *time.Time
		name  string
	}{{rangeStart, &tr.Start, "start"}, {rangeEnd, &tr.End, "end"}} {
		if f.value == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, f.value)
		if err != nil {
			return nil, fmt.Errorf("parse --%s: %w", f.name, err)
		}
		*f.dst = t
	}
	return tr, nil
}

func withPipeline(cmd *cobra.Command, run func(context.Context, *rag.Pipeline) (*core.Answer, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	answer, err := run(ctx, a.pipeline)
	if err != nil {
		color.New(color.FgYellow).Fprintln(cmd.ErrOrStderr(), rag.UserMessage(err))
		return err
	}

	cmd.Println(color.New(color.FgGreen, color.Bold).Sprint(answer.Text))
	if showCited {
		cyan := color.New(color.FgCyan).SprintFunc()
		for _, id := range answer.CitedChunkIDs {
			cmd.Println(cyan("  cited: " + id))
		}
	}
	return nil
}
