package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	apperrors "context-engine/errors"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DB *sql.DB
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, apperrors.WrapErrorf(apperrors.ErrDatabaseOperation, "open connection: %v", err)
	}
	if err := db.Ping(); err != nil {
		return nil, apperrors.WrapErrorf(apperrors.ErrDatabaseOperation, "ping failed: %v", err)
	}
	log.Println("Successfully connected to the database")
	return &PostgresStore{DB: db}, nil
}

// EnsureSchema creates the required tables if they do not already exist.
// embeddingDim fixes the pgvector column width and must match the embedding
// model in use.
func (s *PostgresStore) EnsureSchema(ctx context.Context, embeddingDim int) error {
	if embeddingDim <= 0 {
		embeddingDim = 768
	}

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS conversations (
            id UUID PRIMARY KEY,
            title TEXT DEFAULT '',
            created_at TIMESTAMPTZ DEFAULT NOW()
        )`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            conversation_id UUID REFERENCES conversations(id) ON DELETE CASCADE,
            role TEXT NOT NULL,
            content TEXT NOT NULL,
            created_at TIMESTAMPTZ DEFAULT NOW(),
            version_of UUID,
            version_number INT NOT NULL DEFAULT 1,
            referenced_conversations UUID[] DEFAULT '{}'::UUID[],
            referenced_folders UUID[] DEFAULT '{}'::UUID[],
            embedding vector(%d)
        )`, embeddingDim),
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created_at ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_version_of ON messages(version_of)`,
		`CREATE TABLE IF NOT EXISTS sources (
            id UUID PRIMARY KEY,
            hash TEXT NOT NULL UNIQUE,
            type TEXT NOT NULL,
            name TEXT NOT NULL,
            metadata JSONB DEFAULT '{}'::jsonb,
            created_at TIMESTAMPTZ DEFAULT NOW()
        )`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_chunks (
            id UUID PRIMARY KEY,
            source_id UUID NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
            chunk_index INT NOT NULL,
            content TEXT NOT NULL,
            embedding vector(%d),
            metadata JSONB DEFAULT '{}'::jsonb,
            created_at TIMESTAMPTZ DEFAULT NOW(),
            UNIQUE(source_id, chunk_index)
        )`, embeddingDim),
		`CREATE TABLE IF NOT EXISTS source_conversation_links (
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            source_id UUID NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
            message_id UUID,
            created_at TIMESTAMPTZ DEFAULT NOW()
        )`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_source_links_unique
            ON source_conversation_links(conversation_id, source_id, COALESCE(message_id, '00000000-0000-0000-0000-000000000000'::uuid))`,
		`CREATE TABLE IF NOT EXISTS folders (
            id UUID PRIMARY KEY,
            name TEXT DEFAULT '',
            created_at TIMESTAMPTZ DEFAULT NOW()
        )`,
		`CREATE TABLE IF NOT EXISTS folder_conversations (
            folder_id UUID NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            PRIMARY KEY (folder_id, conversation_id)
        )`,
	}

	for _, stmt := range stmts {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
