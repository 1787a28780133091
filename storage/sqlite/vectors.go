package sqlite

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/index"
)

// Upsert writes the chunk and its embedding in one transaction.
func (s *Store) Upsert(ctx context.Context, chunk core.Chunk, emb core.Embedding) error {
	ids, err := json.Marshal(chunk.SourceMessageIDs)
	if err != nil {
		return fmt.Errorf("marshal message ids: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Chunks are immutable, so an existing row is left as is.
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO chunks (id, group_id, start_ts, end_ts, message_ids, text, token_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, chunk.ID, chunk.GroupID, chunk.TimeRange.Start.UnixNano(), chunk.TimeRange.End.UnixNano(),
		string(ids), chunk.Text, chunk.TokenCount)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO embeddings (chunk_id, model_version, dims, vector)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chunk_id, model_version) DO UPDATE SET
			dims = excluded.dims,
			vector = excluded.vector
	`, chunk.ID, emb.ModelVersion, len(emb.Vector), float32SliceToBytes(emb.Vector))
	if err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// Search scores the group's chunks for the model in Go; the
// (group_id, end_ts) index narrows the scan to the time range.
func (s *Store) Search(ctx context.Context, groupID, modelVersion string, vector []float32, timeRange *core.TimeRange, k int) ([]core.ScoredChunk, error) {
	lo, hi := bounds(timeRange)
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.group_id, c.start_ts, c.end_ts, c.message_ids, c.text, c.token_count, e.vector
		FROM chunks c JOIN embeddings e ON e.chunk_id = c.id
		WHERE c.group_id = ? AND e.model_version = ? AND c.end_ts >= ? AND c.start_ts <= ?
	`, groupID, modelVersion, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var results []core.ScoredChunk
	for rows.Next() {
		var (
			c    core.Chunk
			blob []byte
		)
		if err := scanChunk(rows, &c, &blob); err != nil {
			return nil, err
		}
		results = append(results, core.ScoredChunk{
			Chunk: c,
			Score: index.Cosine(vector, bytesToFloat32Slice(blob)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return index.Rank(results, k), nil
}

// Recent returns the group's newest chunks embedded with modelVersion.
func (s *Store) Recent(ctx context.Context, groupID, modelVersion string, timeRange *core.TimeRange, limit int) ([]core.Chunk, error) {
	lo, hi := bounds(timeRange)
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.group_id, c.start_ts, c.end_ts, c.message_ids, c.text, c.token_count, e.vector
		FROM chunks c JOIN embeddings e ON e.chunk_id = c.id
		WHERE c.group_id = ? AND e.model_version = ? AND c.end_ts >= ? AND c.start_ts <= ?
		ORDER BY c.end_ts DESC, c.id
		LIMIT ?
	`, groupID, modelVersion, lo, hi, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent chunks: %w", err)
	}
	defer rows.Close()

	var chunks []core.Chunk
	for rows.Next() {
		var (
			c    core.Chunk
			blob []byte
		)
		if err := scanChunk(rows, &c, &blob); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// DeleteBefore removes chunks ending before ts; embeddings cascade.
func (s *Store) DeleteBefore(ctx context.Context, groupID string, ts time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE group_id = ? AND end_ts < ?`, groupID, ts.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted chunks: %w", err)
	}
	return int(n), nil
}

// Dimensions reports the stored vector size per model version.
func (s *Store) Dimensions(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model_version, MIN(dims) FROM embeddings GROUP BY model_version`)
	if err != nil {
		return nil, fmt.Errorf("query dimensions: %w", err)
	}
	defer rows.Close()

	dims := make(map[string]int)
	for rows.Next() {
		var (
			model string
			d     int
		)
		if err := rows.Scan(&model, &d); err != nil {
			return nil, fmt.Errorf("scan dimensions: %w", err)
		}
		dims[model] = d
	}
	return dims, rows.Err()
}

func scanChunk(rows interface{ Scan(...any) error }, c *core.Chunk, blob *[]byte) error {
	var (
		start, end int64
		ids        string
	)
	if err := rows.Scan(&c.ID, &c.GroupID, &start, &end, &ids, &c.Text, &c.TokenCount, blob); err != nil {
		return fmt.Errorf("scan chunk: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &c.SourceMessageIDs); err != nil {
		return fmt.Errorf("unmarshal message ids of %s: %w", c.ID, err)
	}
	c.TimeRange = core.TimeRange{Start: time.Unix(0, start).UTC(), End: time.Unix(0, end).UTC()}
	return nil
}

// float32SliceToBytes encodes a vector as little-endian float32s.
func float32SliceToBytes(floats []float32) []byte {
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice converts a byte slice back to []float32.
func bytesToFloat32Slice(data []byte) []float32 {
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
