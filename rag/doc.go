// Package rag wires the chat summarization pipeline together.
//
// Write path: messages arrive through Ingest (or HandleMessage for push
// feeds), are persisted when a MessageStore is configured, buffered per
// group, cut into chunks, embedded and upserted into the index. Every new
// message invalidates the cached answers whose time range contains it.
//
// Read path: Ask and Summarize go through the answer cache. On a miss the
// question is embedded, relevant chunks are retrieved (or, for summaries,
// the most recent ones), packed into a prompt under the token budget, and
// sent to the generator.
//
// Architecture:
//   - Pipeline: the service object. Construct one per process and share it.
//   - Deps: the collaborators it is built from. Only Embedder, Generator and
//     Index are required.
//   - Config: policy parameters with DefaultConfig.
//
// Managed groups:
//   - When a GroupRegistry is configured only managed groups are ingested
//     and answered; without one every group is.
//
// Failures:
//   - Provider failures surface as core.ErrEmbeddingUnavailable or
//     core.ErrGenerationUnavailable. UserMessage turns them into the text
//     shown to chat users.
package rag
