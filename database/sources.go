package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "context-engine/errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// Source is a content-addressed unit of ingested material. The hash is the
// natural key: re-ingesting identical content resolves to the existing row.
type Source struct {
	ID        uuid.UUID
	Hash      string
	Type      string
	Name      string
	Metadata  map[string]string
	CreatedAt time.Time
}

// KnowledgeChunk is one embedded fragment of a source.
type KnowledgeChunk struct {
	ID         uuid.UUID
	SourceID   uuid.UUID
	ChunkIndex int
	Content    string
	Embedding  []float32
	Metadata   map[string]string
}

// RankedChunk is a search hit over knowledge chunks.
type RankedChunk struct {
	SourceID   uuid.UUID
	ChunkIndex int
	Content    string
	Metadata   map[string]string
	Similarity float64
}

// SourceLink associates a source with a conversation, optionally scoped to a
// single message.
type SourceLink struct {
	ConversationID uuid.UUID
	SourceID       uuid.UUID
	MessageID      *uuid.UUID
}

const uniqueViolation = "23505"

// GetSourceByHash returns the source with the given content hash, or nil when
// none exists.
func (s *PostgresStore) GetSourceByHash(ctx context.Context, hash string) (*Source, error) {
	const query = `SELECT id, hash, type, name, metadata, created_at FROM sources WHERE hash = $1`

	var src Source
	var metaJSON []byte
	err := s.DB.QueryRowContext(ctx, query, hash).Scan(&src.ID, &src.Hash, &src.Type, &src.Name, &metaJSON, &src.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lookup source by hash: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &src.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode source metadata: %w", err)
	}
	return &src, nil
}

// CreateSource inserts a new source row. A hash collision with a concurrent
// writer surfaces as ErrConflict so the caller can re-resolve by hash.
func (s *PostgresStore) CreateSource(ctx context.Context, src Source) (uuid.UUID, error) {
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	metaJSON, err := json.Marshal(src.Metadata)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal source metadata: %w", err)
	}

	const query = `
        INSERT INTO sources (id, hash, type, name, metadata, created_at)
        VALUES ($1, $2, $3, $4, $5, NOW())
    `
	if _, err := s.DB.ExecContext(ctx, query, src.ID, src.Hash, src.Type, src.Name, string(metaJSON)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return uuid.Nil, apperrors.WrapErrorf(apperrors.ErrConflict, "source hash %s already exists", src.Hash)
		}
		return uuid.Nil, fmt.Errorf("failed to create source: %w", err)
	}
	return src.ID, nil
}

// MaxChunkIndex returns the highest chunk index stored for a source, or -1
// when the source has no chunks yet.
func (s *PostgresStore) MaxChunkIndex(ctx context.Context, sourceID uuid.UUID) (int, error) {
	const query = `SELECT COALESCE(MAX(chunk_index), -1) FROM knowledge_chunks WHERE source_id = $1`

	var maxIndex int
	if err := s.DB.QueryRowContext(ctx, query, sourceID).Scan(&maxIndex); err != nil {
		return 0, fmt.Errorf("failed to query max chunk index: %w", err)
	}
	return maxIndex, nil
}

// AddKnowledgeChunk appends one embedded chunk to a source.
func (s *PostgresStore) AddKnowledgeChunk(ctx context.Context, chunk KnowledgeChunk) error {
	if chunk.ID == uuid.Nil {
		chunk.ID = uuid.New()
	}
	metaJSON, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk metadata: %w", err)
	}

	const query = `
        INSERT INTO knowledge_chunks (id, source_id, chunk_index, content, embedding, metadata, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW())
    `
	_, err = s.DB.ExecContext(ctx, query,
		chunk.ID,
		chunk.SourceID,
		chunk.ChunkIndex,
		chunk.Content,
		pgvector.NewVector(chunk.Embedding),
		string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert knowledge chunk: %w", err)
	}
	return nil
}

// GetKnowledgeChunks returns all chunks of a source in index order.
func (s *PostgresStore) GetKnowledgeChunks(ctx context.Context, sourceID uuid.UUID) ([]KnowledgeChunk, error) {
	const query = `
        SELECT id, source_id, chunk_index, content, embedding, metadata
        FROM knowledge_chunks
        WHERE source_id = $1
        ORDER BY chunk_index ASC
    `
	rows, err := s.DB.QueryContext(ctx, query, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge chunks: %w", err)
	}
	defer rows.Close()

	var chunks []KnowledgeChunk
	for rows.Next() {
		var chunk KnowledgeChunk
		var embedding pgvector.Vector
		var metaJSON []byte
		if err := rows.Scan(&chunk.ID, &chunk.SourceID, &chunk.ChunkIndex, &chunk.Content, &embedding, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge chunk: %w", err)
		}
		chunk.Embedding = embedding.Slice()
		if err := json.Unmarshal(metaJSON, &chunk.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode chunk metadata: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating knowledge chunks: %w", err)
	}
	return chunks, nil
}

// SearchKnowledgeBase runs an approximate nearest-neighbor search over the
// chunks of the given sources. Sources without embedded chunks simply
// contribute no rows.
func (s *PostgresStore) SearchKnowledgeBase(ctx context.Context, sourceIDs []uuid.UUID, queryVector []float32, limit int, minScore float64) ([]RankedChunk, error) {
	if len(sourceIDs) == 0 || limit <= 0 {
		return nil, nil
	}

	const query = `
        SELECT source_id, chunk_index, content, metadata, 1 - (embedding <=> $1) AS similarity
        FROM knowledge_chunks
        WHERE source_id = ANY($2) AND embedding IS NOT NULL AND 1 - (embedding <=> $1) >= $3
        ORDER BY embedding <=> $1
        LIMIT $4
    `
	rows, err := s.DB.QueryContext(ctx, query,
		pgvector.NewVector(queryVector),
		pq.Array(uuidStrings(sourceIDs)),
		minScore,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search knowledge chunks: %w", err)
	}
	defer rows.Close()

	var results []RankedChunk
	for rows.Next() {
		var hit RankedChunk
		var metaJSON []byte
		if err := rows.Scan(&hit.SourceID, &hit.ChunkIndex, &hit.Content, &metaJSON, &hit.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan chunk search hit: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &hit.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode chunk search metadata: %w", err)
		}
		results = append(results, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunk search hits: %w", err)
	}
	return results, nil
}

// LinkSourceToConversation records that a source is in scope for a
// conversation, optionally pinned to one message. Repeated links are
// idempotent.
func (s *PostgresStore) LinkSourceToConversation(ctx context.Context, conversationID, sourceID uuid.UUID, messageID *uuid.UUID) error {
	const query = `
        INSERT INTO source_conversation_links (conversation_id, source_id, message_id, created_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT DO NOTHING
    `
	if _, err := s.DB.ExecContext(ctx, query, conversationID, sourceID, uuidToNullString(messageID)); err != nil {
		return fmt.Errorf("failed to link source to conversation: %w", err)
	}
	return nil
}

// GetSourcesForConversation returns every source link of a conversation.
func (s *PostgresStore) GetSourcesForConversation(ctx context.Context, conversationID uuid.UUID) ([]SourceLink, error) {
	const query = `
        SELECT conversation_id, source_id, message_id
        FROM source_conversation_links
        WHERE conversation_id = $1
        ORDER BY created_at ASC
    `
	rows, err := s.DB.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query source links: %w", err)
	}
	defer rows.Close()

	var links []SourceLink
	for rows.Next() {
		var link SourceLink
		var messageID sql.NullString
		if err := rows.Scan(&link.ConversationID, &link.SourceID, &messageID); err != nil {
			return nil, fmt.Errorf("failed to scan source link: %w", err)
		}
		link.MessageID = nullStringToUUID(messageID)
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source links: %w", err)
	}
	return links, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// Helper functions for UUID <-> sql.NullString conversion
func uuidToNullString(u *uuid.UUID) sql.NullString {
	if u == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: u.String(), Valid: true}
}

func nullStringToUUID(ns sql.NullString) *uuid.UUID {
	if !ns.Valid {
		return nil
	}
	u, err := uuid.Parse(ns.String)
	if err != nil {
		return nil
	}
	return &u
}
