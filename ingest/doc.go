// Package ingest delivers chat messages to the pipeline.
//
// Two ingestor shapes are supported:
//
//   - Feed dials a websocket and pushes every message it receives to a
//     core.MessageHandler, reconnecting with backoff when the connection
//     drops.
//   - Poller asks a core.MessageSource for messages at or after the last
//     one it delivered, on a fixed interval, skipping ids it already
//     delivered at that timestamp.
//
// Both deliver at least once. The pipeline skips redelivered message ids.
package ingest
