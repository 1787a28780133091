// Package pgvector is an index backend on PostgreSQL with the pgvector
// extension, accessed through gorm. Chunks and embeddings live in two
// tables; similarity is computed by the database with the <=> cosine
// distance operator.
package pgvector

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/index"
)

// ChunkRow is a chunk as stored in Postgres.
type ChunkRow struct {
	ID         string    `gorm:"primaryKey"`
	GroupID    string    `gorm:"not null;index:idx_chunks_group_end,priority:1"`
	StartTS    time.Time `gorm:"not null"`
	EndTS      time.Time `gorm:"not null;index:idx_chunks_group_end,priority:2"`
	MessageIDs []string  `gorm:"serializer:json;type:jsonb"`
	Text       string    `gorm:"type:text"`
	TokenCount int

	Embeddings []EmbeddingRow `gorm:"foreignKey:ChunkID;constraint:OnDelete:CASCADE"`
}

// TableName pins the table name.
func (ChunkRow) TableName() string { return "chatrag_chunks" }

// EmbeddingRow is one model version's vector for a chunk. The column is
// declared without a fixed dimension so several model versions can share
// the table.
type EmbeddingRow struct {
	ChunkID      string          `gorm:"primaryKey"`
	ModelVersion string          `gorm:"primaryKey"`
	Dims         int             `gorm:"not null"`
	Embedding    pgvector.Vector `gorm:"type:vector"`
}

// TableName pins the table name.
func (EmbeddingRow) TableName() string { return "chatrag_embeddings" }

// Store is the pgvector backend.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn, enables the vector extension and migrates the
// tables.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, fmt.Errorf("enable vector extension: %w", err)
	}
	if err := db.AutoMigrate(&ChunkRow{}, &EmbeddingRow{}); err != nil {
		return nil, fmt.Errorf("migrate tables: %w", err)
	}

	log.Printf("[PGVECTOR] Connected and migrated")
	return &Store{db: db}, nil
}

// DB exposes the gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Upsert writes the chunk row (kept if it already exists) and the
// embedding row (replaced) in one transaction.
func (s *Store) Upsert(ctx context.Context, chunk core.Chunk, emb core.Embedding) error {
	row := ChunkRow{
		ID:         chunk.ID,
		GroupID:    chunk.GroupID,
		StartTS:    chunk.TimeRange.Start.UTC(),
		EndTS:      chunk.TimeRange.End.UTC(),
		MessageIDs: chunk.SourceMessageIDs,
		Text:       chunk.Text,
		TokenCount: chunk.TokenCount,
	}
	vec := EmbeddingRow{
		ChunkID:      chunk.ID,
		ModelVersion: emb.ModelVersion,
		Dims:         len(emb.Vector),
		Embedding:    pgvector.NewVector(emb.Vector),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Omit("Embeddings").Create(&row).Error; err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chunk_id"}, {Name: "model_version"}},
			DoUpdates: clause.AssignmentColumns([]string{"dims", "embedding"}),
		}).Create(&vec).Error
		if err != nil {
			return fmt.Errorf("insert embedding: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert chunk %s: %w", chunk.ID, err)
	}
	return nil
}

type scoredRow struct {
	ChunkRow
	Score float64
}

// Search orders by cosine distance in the database. Twice k rows are read
// so equal scores at the cut can still be broken by recency.
func (s *Store) Search(ctx context.Context, groupID, modelVersion string, vector []float32, timeRange *core.TimeRange, k int) ([]core.ScoredChunk, error) {
	q := pgvector.NewVector(vector)

	tx := s.scope(ctx, groupID, modelVersion, timeRange).
		Select("c.*, 1 - (e.embedding <=> ?) AS score", q).
		Clauses(clause.OrderBy{
			Expression: clause.Expr{SQL: "e.embedding <=> ?", Vars: []any{q}},
		}).
		Limit(2*k + 1)

	var rows []scoredRow
	if err := tx.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	results := make([]core.ScoredChunk, 0, len(rows))
	for _, r := range rows {
		results = append(results, core.ScoredChunk{Chunk: r.ChunkRow.toChunk(), Score: r.Score})
	}
	return index.Rank(results, k), nil
}

// Recent returns the group's chunks embedded with modelVersion, newest end
// first.
func (s *Store) Recent(ctx context.Context, groupID, modelVersion string, timeRange *core.TimeRange, limit int) ([]core.Chunk, error) {
	var rows []ChunkRow
	err := s.scope(ctx, groupID, modelVersion, timeRange).
		Select("c.*").
		Order("c.end_ts DESC").
		Order("c.id").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list recent chunks: %w", err)
	}

	chunks := make([]core.Chunk, len(rows))
	for i, r := range rows {
		chunks[i] = r.toChunk()
	}
	return chunks, nil
}

// DeleteBefore removes chunks ending before ts; their embeddings go with
// them through the cascading foreign key.
func (s *Store) DeleteBefore(ctx context.Context, groupID string, ts time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("group_id = ? AND end_ts < ?", groupID, ts.UTC()).
		Delete(&ChunkRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete chunks: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// Dimensions reads the stored vector size per model version.
func (s *Store) Dimensions(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		ModelVersion string
		Dims         int
	}
	err := s.db.WithContext(ctx).
		Model(&EmbeddingRow{}).
		Select("model_version, MAX(dims) AS dims").
		Group("model_version").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("read dimensions: %w", err)
	}

	dims := make(map[string]int, len(rows))
	for _, r := range rows {
		dims[r.ModelVersion] = r.Dims
	}
	return dims, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// scope joins chunks to the embeddings of one model version and applies
// the group and time range filters.
func (s *Store) scope(ctx context.Context, groupID, modelVersion string, timeRange *core.TimeRange) *gorm.DB {
	tx := s.db.WithContext(ctx).
		Table("chatrag_chunks AS c").
		Joins("JOIN chatrag_embeddings AS e ON e.chunk_id = c.id").
		Where("c.group_id = ? AND e.model_version = ?", groupID, modelVersion)
	if timeRange != nil {
		if !timeRange.Start.IsZero() {
			tx = tx.Where("c.end_ts >= ?", timeRange.Start.UTC())
		}
		if !timeRange.End.IsZero() {
			tx = tx.Where("c.start_ts <= ?", timeRange.End.UTC())
		}
	}
	return tx
}

func (r ChunkRow) toChunk() core.Chunk {
	return core.Chunk{
		ID:               r.ID,
		GroupID:          r.GroupID,
		TimeRange:        core.TimeRange{Start: r.StartTS, End: r.EndTS},
		SourceMessageIDs: r.MessageIDs,
		Text:             r.Text,
		TokenCount:       r.TokenCount,
	}
}
