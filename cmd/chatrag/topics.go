package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/rag"
)

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Manage curated background topics",
}

var topicsLoadCmd = &cobra.Command{
	Use:   "load FILE.json",
	Short: "Load topics into every managed group",
	Long:  `Reads a JSON array of {"subject","summary"} objects and indexes each topic into every managed group.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTopicsLoad,
}

func init() {
	topicsCmd.AddCommand(topicsLoadCmd)
	rootCmd.AddCommand(topicsCmd)
}

func runTopicsLoad(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var topics []core.Topic
	if err := json.Unmarshal(data, &topics); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
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

	res, err := a.pipeline.LoadTopics(ctx, topics)
	if errors.Is(err, rag.ErrNoManagedGroups) {
		color.New(color.FgYellow).Fprintln(cmd.ErrOrStderr(), "No managed groups found; run `chatrag groups manage GROUP` first.")
		return err
	}
	if err != nil {
		return err
	}
	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	cmd.Printf("%s %d topics into %d groups (%d records)\n", green("Loaded"), res.Topics, res.Groups, res.Records)
	return nil
}
