package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/becomeliminal/chatrag/core"
)

// SaveMessages stores messages, skipping ids already present since
// messages are immutable once ingested. It returns the messages that were
// new.
func (s *Store) SaveMessages(ctx context.Context, msgs []core.Message) ([]core.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO messages (id, group_id, sender_id, ts, text, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	var inserted []core.Message
	for _, m := range msgs {
		res, err := stmt.ExecContext(ctx, m.ID, m.GroupID, m.SenderID, m.Timestamp.UnixNano(), m.Text, now)
		if err != nil {
			return nil, fmt.Errorf("insert message %s: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, m)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit messages: %w", err)
	}
	return inserted, nil
}

// FetchSince returns messages with a timestamp at or after ts, oldest
// first.
func (s *Store) FetchSince(ctx context.Context, ts time.Time) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, sender_id, ts, text FROM messages
		WHERE ts >= ?
		ORDER BY ts, id
	`, nanos(ts))
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return scanMessages(rows)
}

// MarkIndexed records that the messages are covered by indexed chunks.
func (s *Store) MarkIndexed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE messages SET indexed_at = ? WHERE id = ? AND indexed_at IS NULL`)
	if err != nil {
		return fmt.Errorf("prepare update: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, now, id); err != nil {
			return fmt.Errorf("mark message %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit indexed marks: %w", err)
	}
	return nil
}

// Unindexed returns stored messages that no indexed chunk covers yet,
// oldest first.
func (s *Store) Unindexed(ctx context.Context) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, sender_id, ts, text FROM messages
		WHERE indexed_at IS NULL
		ORDER BY ts, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query unindexed messages: %w", err)
	}
	return scanMessages(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

func scanMessages(rows rowScanner) ([]core.Message, error) {
	defer rows.Close()

	var msgs []core.Message
	for rows.Next() {
		var (
			m  core.Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.GroupID, &m.SenderID, &ts, &m.Text); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = time.Unix(0, ts).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// bounds converts an optional range to inclusive unix-nano limits.
func bounds(timeRange *core.TimeRange) (lo, hi int64) {
	lo, hi = minTime, maxTime
	if timeRange == nil {
		return lo, hi
	}
	if !timeRange.Start.IsZero() {
		lo = timeRange.Start.UnixNano()
	}
	if !timeRange.End.IsZero() {
		hi = timeRange.End.UnixNano()
	}
	return lo, hi
}

// nanos converts ts for comparison with stored timestamps. The zero time
// does not fit in int64 nanoseconds and sorts before everything.
func nanos(ts time.Time) int64 {
	if ts.IsZero() {
		return minTime
	}
	return ts.UnixNano()
}

const (
	minTime = int64(-1 << 63)
	maxTime = int64(1<<63 - 1)
)
