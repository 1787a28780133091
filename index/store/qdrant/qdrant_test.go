package qdrant_test

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/becomeliminal/chatrag/index"
	"github.com/becomeliminal/chatrag/index/store/qdrant"
	"github.com/becomeliminal/chatrag/index/storetest"
)

// Set QDRANT_ADDR=localhost:6334 to run against a live server.
func TestStore(t *testing.T) {
	addr := os.Getenv("QDRANT_ADDR")
	if addr == "" {
		t.Skip("QDRANT_ADDR not set")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("Failed to parse QDRANT_ADDR: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Failed to parse port: %v", err)
	}

	storetest.Run(t, func(t *testing.T) index.Backend {
		prefix := "chatrag_test_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "") + "_"
		cfg := &qdrant.Config{Host: host, Port: port, CollectionPrefix: prefix}
		store, err := qdrant.New(cfg)
		if err != nil {
			t.Fatalf("Failed to connect: %v", err)
		}
		// The index closes store first, so cleanup needs its own client.
		t.Cleanup(func() {
			admin, err := qdrant.New(cfg)
			if err != nil {
				t.Logf("Failed to reconnect for cleanup: %v", err)
				return
			}
			defer admin.Close()
			if err := admin.Drop(context.Background()); err != nil {
				t.Logf("Failed to drop collections: %v", err)
			}
		})
		return store
	})
}
