package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/ingest"
)

var (
	ingestBatch   int
	ingestNoFlush bool
	ingestManage  bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE.jsonl",
	Short: "Ingest messages from a JSON Lines file",
	Long: `Reads one JSON message per line ({"id","group_id","sender_id","timestamp","text"})
and ingests them. Use "-" to read standard input. Open chunks are flushed at the end
unless --no-flush is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().IntVar(&ingestBatch, "batch", 500, "messages per ingest call")
	ingestCmd.Flags().BoolVar(&ingestNoFlush, "no-flush", false, "leave trailing messages buffered")
	ingestCmd.Flags().BoolVar(&ingestManage, "manage", false, "mark every group in the file as managed")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	var r io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	msgs, err := ingest.ReadJSONL(r)
	if err != nil {
		return err
	}

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

	if ingestManage {
		seen := map[string]bool{}
		for _, m := range msgs {
			if seen[m.GroupID] || m.GroupID == "" {
				continue
			}
			seen[m.GroupID] = true
			g, err := a.store.GetGroup(ctx, m.GroupID)
			if err != nil {
				g = core.Group{ID: m.GroupID, Name: m.GroupID}
			}
			g.Managed = true
			if err := a.store.UpsertGroup(ctx, g); err != nil {
				return err
			}
		}
	}

	batch := max(ingestBatch, 1)
	var accepted, dups, ignored, chunks int
	for start := 0; start < len(msgs); start += batch {
		end := min(start+batch, len(msgs))
		res, err := a.pipeline.Ingest(ctx, msgs[start:end])
		accepted += res.Accepted
		dups += res.Duplicates
		ignored += res.Ignored
		chunks += res.Chunks
		if err != nil {
			return fmt.Errorf("ingest messages %d-%d: %w", start+1, end, err)
		}
	}
	if !ingestNoFlush {
		n, err := a.pipeline.Flush(ctx)
		chunks += n
		if err != nil {
			return err
		}
	}

	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	cmd.Printf("%s %d messages, %d chunks indexed (%d duplicates, %d from unmanaged groups)\n",
		green("Ingested"), accepted, chunks, dups, ignored)
	return nil
}
