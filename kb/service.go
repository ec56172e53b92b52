package kb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"context-engine/config"
	"context-engine/database"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the vector-store capability the service persists sources and
// chunks through.
type Store interface {
	GetSourceByHash(ctx context.Context, hash string) (*database.Source, error)
	CreateSource(ctx context.Context, src database.Source) (uuid.UUID, error)
	MaxChunkIndex(ctx context.Context, sourceID uuid.UUID) (int, error)
	AddKnowledgeChunk(ctx context.Context, chunk database.KnowledgeChunk) error
	GetKnowledgeChunks(ctx context.Context, sourceID uuid.UUID) ([]database.KnowledgeChunk, error)
	SearchKnowledgeBase(ctx context.Context, sourceIDs []uuid.UUID, queryVector []float32, limit int, minScore float64) ([]database.RankedChunk, error)
	LinkSourceToConversation(ctx context.Context, conversationID, sourceID uuid.UUID, messageID *uuid.UUID) error
	GetSourcesForConversation(ctx context.Context, conversationID uuid.UUID) ([]database.SourceLink, error)
}

// ConversationStore is the externally-owned conversation capability the
// service reads messages, versions, and folders from.
type ConversationStore interface {
	GetConversation(ctx context.Context, conversationID uuid.UUID) (*database.Conversation, error)
	GetMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]database.Message, error)
	GetActivePath(ctx context.Context, conversationID uuid.UUID) ([]database.Message, error)
	GetMessageVersions(ctx context.Context, rootID uuid.UUID) ([]database.Message, error)
	SearchConversationMessages(ctx context.Context, conversationIDs []uuid.UUID, queryVector []float32, limit int, minScore float64) ([]database.RankedMessage, error)
	GetFolder(ctx context.Context, folderID uuid.UUID) (*database.Folder, error)
}

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, content string) ([]float32, error)
}

// Service owns source ingestion with content-addressed deduplication, the
// reference-graph resolution of a conversation's knowledge base, and context
// assembly under a token budget.
type Service struct {
	cfg      *config.Config
	store    Store
	convs    ConversationStore
	embedder Embedder
	logger   *zap.Logger
}

func New(cfg *config.Config, store Store, convs ConversationStore, embedder Embedder, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if convs == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	return &Service{
		cfg:      cfg,
		store:    store,
		convs:    convs,
		embedder: embedder,
		logger:   logger,
	}, nil
}

func normalizeForHash(content string) string {
	return strings.TrimSpace(content)
}

func hashContent(content string) string {
	if content == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// sourceIdentityHash addresses a multi-batch upload by file identity rather
// than chunk content, so every batch of the same upload resolves to the same
// source before any chunk lands.
func sourceIdentityHash(name, r2Key string, conversationID uuid.UUID, messageID *uuid.UUID) string {
	messagePart := ""
	if messageID != nil {
		messagePart = messageID.String()
	}
	return hashContent(fmt.Sprintf("%s:%s:%s:%s", name, r2Key, conversationID, messagePart))
}

func estimateTokens(text string) int {
	return len(text) / 4
}
