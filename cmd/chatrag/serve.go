package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/chatrag/api"
	"github.com/becomeliminal/chatrag/ingest"
	"github.com/becomeliminal/chatrag/storage/sqlite"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background ingestion",
	Long: `Starts the HTTP API, the idle-flush and retention loop, and the configured
ingestors (websocket feed and database poller).`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.New(a.pipeline, a.store, &api.Config{
		BasicAuthUser:     cfg.Server.BasicAuthUser,
		BasicAuthPassword: cfg.Server.BasicAuthPassword,
		RequestTimeout:    api.DefaultConfig.RequestTimeout,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx, cfg.Server.Addr) })
	g.Go(func() error { return a.pipeline.Run(ctx, cfg.Pipeline.JanitorInterval) })

	if cfg.Ingest.FeedURL != "" {
		header := http.Header{}
		if cfg.Ingest.FeedToken != "" {
			header.Set("Authorization", "Bearer "+cfg.Ingest.FeedToken)
		}
		feed, err := ingest.NewFeed(&ingest.FeedConfig{URL: cfg.Ingest.FeedURL, Header: header}, a.pipeline.HandleMessage)
		if err != nil {
			return err
		}
		g.Go(func() error { return feed.Run(ctx) })
	}

	if cfg.Ingest.PollDatabase != "" && cfg.Ingest.PollInterval > 0 {
		source, err := sqlite.Open(cfg.Ingest.PollDatabase)
		if err != nil {
			return fmt.Errorf("open poll database: %w", err)
		}
		defer source.Close()
		poller := ingest.NewPoller(source, a.pipeline.HandleMessage, cfg.Ingest.PollInterval, time.Time{})
		g.Go(func() error { return poller.Run(ctx) })
	}

	err = g.Wait()
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if n, ferr := a.pipeline.Flush(flushCtx); ferr != nil {
		log.Printf("[APP] Final flush failed after %d chunks: %v", n, ferr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
