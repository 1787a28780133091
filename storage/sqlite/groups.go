package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/becomeliminal/chatrag/core"
)

// ListGroups returns every known group ordered by name.
func (s *Store) ListGroups(ctx context.Context) ([]core.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, managed, last_summary_sync FROM groups ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var groups []core.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// GetGroup returns one group, or core.ErrNotFound.
func (s *Store) GetGroup(ctx context.Context, groupID string) (core.Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, managed, last_summary_sync FROM groups WHERE id = ?
	`, groupID)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Group{}, fmt.Errorf("group %s: %w", groupID, core.ErrNotFound)
	}
	return g, err
}

// UpsertGroup creates or updates a group.
func (s *Store) UpsertGroup(ctx context.Context, g core.Group) error {
	var synced sql.NullInt64
	if g.LastSummarySync != nil {
		synced = sql.NullInt64{Int64: g.LastSummarySync.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, name, managed, last_summary_sync)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			managed = excluded.managed,
			last_summary_sync = COALESCE(excluded.last_summary_sync, groups.last_summary_sync)
	`, g.ID, g.Name, g.Managed, synced)
	if err != nil {
		return fmt.Errorf("save group %s: %w", g.ID, err)
	}
	return nil
}

func scanGroup(row interface{ Scan(...any) error }) (core.Group, error) {
	var (
		g      core.Group
		synced sql.NullInt64
	)
	if err := row.Scan(&g.ID, &g.Name, &g.Managed, &synced); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Group{}, err
		}
		return core.Group{}, fmt.Errorf("scan group: %w", err)
	}
	if synced.Valid {
		t := time.Unix(0, synced.Int64).UTC()
		g.LastSummarySync = &t
	}
	return g, nil
}
