package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "context-engine/errors"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// Conversation is the chat container sources and messages hang off.
type Conversation struct {
	ID        uuid.UUID
	Title     string
	CreatedAt time.Time
}

// Message is one conversation turn. An edited turn gets a new row whose
// VersionOf points at the root of its lineage; among a lineage exactly one
// version (the highest VersionNumber) is on the active path.
type Message struct {
	ID                      uuid.UUID
	ConversationID          uuid.UUID
	Role                    string
	Content                 string
	CreatedAt               time.Time
	VersionOf               *uuid.UUID
	VersionNumber           int
	ReferencedConversations []uuid.UUID
	ReferencedFolders       []uuid.UUID
}

// RankedMessage is a search hit over message embeddings.
type RankedMessage struct {
	MessageID      uuid.UUID
	ConversationID uuid.UUID
	Role           string
	Content        string
	Similarity     float64
}

// Folder groups conversations for bulk referencing.
type Folder struct {
	ID              uuid.UUID
	Name            string
	ConversationIDs []uuid.UUID
}

const messageColumns = `id, conversation_id, role, content, created_at, version_of, version_number, referenced_conversations, referenced_folders`

// GetConversation returns a conversation by id.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID uuid.UUID) (*Conversation, error) {
	const query = `SELECT id, title, created_at FROM conversations WHERE id = $1`

	var conv Conversation
	err := s.DB.QueryRowContext(ctx, query, conversationID).Scan(&conv.ID, &conv.Title, &conv.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.WrapErrorf(apperrors.ErrNotFound, "conversation %s", conversationID)
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

// GetMessages returns the full message history of a conversation, every
// version included, oldest first. limit <= 0 means no limit.
func (s *PostgresStore) GetMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	query := `SELECT ` + messageColumns + `
        FROM messages
        WHERE conversation_id = $1
        ORDER BY created_at ASC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// GetActivePath returns the conversation's current message path: one message
// per version lineage, the one with the highest version number, in
// chronological order.
func (s *PostgresStore) GetActivePath(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM (
            SELECT DISTINCT ON (COALESCE(version_of, id)) ` + messageColumns + `
            FROM messages
            WHERE conversation_id = $1
            ORDER BY COALESCE(version_of, id), version_number DESC
        ) active
        ORDER BY created_at ASC`

	rows, err := s.DB.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active path: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// GetMessageVersions returns every message in the lineage rooted at rootID,
// the root itself included.
func (s *PostgresStore) GetMessageVersions(ctx context.Context, rootID uuid.UUID) ([]Message, error) {
	query := `SELECT ` + messageColumns + `
        FROM messages
        WHERE id = $1 OR version_of = $1
        ORDER BY version_number ASC`

	rows, err := s.DB.QueryContext(ctx, query, rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to query message versions: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// SearchConversationMessages runs an approximate nearest-neighbor search over
// message embeddings scoped to the given conversations.
func (s *PostgresStore) SearchConversationMessages(ctx context.Context, conversationIDs []uuid.UUID, queryVector []float32, limit int, minScore float64) ([]RankedMessage, error) {
	if len(conversationIDs) == 0 || limit <= 0 {
		return nil, nil
	}

	const query = `
        SELECT id, conversation_id, role, content, 1 - (embedding <=> $1) AS similarity
        FROM messages
        WHERE conversation_id = ANY($2) AND embedding IS NOT NULL AND 1 - (embedding <=> $1) >= $3
        ORDER BY embedding <=> $1
        LIMIT $4
    `
	rows, err := s.DB.QueryContext(ctx, query,
		pgvector.NewVector(queryVector),
		pq.Array(uuidStrings(conversationIDs)),
		minScore,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	var results []RankedMessage
	for rows.Next() {
		var hit RankedMessage
		if err := rows.Scan(&hit.MessageID, &hit.ConversationID, &hit.Role, &hit.Content, &hit.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan message search hit: %w", err)
		}
		results = append(results, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message search hits: %w", err)
	}
	return results, nil
}

// GetFolder returns a folder with its member conversation ids.
func (s *PostgresStore) GetFolder(ctx context.Context, folderID uuid.UUID) (*Folder, error) {
	const query = `SELECT id, name FROM folders WHERE id = $1`

	var folder Folder
	err := s.DB.QueryRowContext(ctx, query, folderID).Scan(&folder.ID, &folder.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.WrapErrorf(apperrors.ErrNotFound, "folder %s", folderID)
		}
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}

	const memberQuery = `SELECT conversation_id FROM folder_conversations WHERE folder_id = $1`
	rows, err := s.DB.QueryContext(ctx, memberQuery, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query folder conversations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var conversationID uuid.UUID
		if err := rows.Scan(&conversationID); err != nil {
			return nil, fmt.Errorf("failed to scan folder conversation: %w", err)
		}
		folder.ConversationIDs = append(folder.ConversationIDs, conversationID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating folder conversations: %w", err)
	}
	return &folder, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var msg Message
		var versionOf sql.NullString
		var refConvs, refFolders []string
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Role,
			&msg.Content,
			&msg.CreatedAt,
			&versionOf,
			&msg.VersionNumber,
			pq.Array(&refConvs),
			pq.Array(&refFolders),
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.VersionOf = nullStringToUUID(versionOf)
		msg.ReferencedConversations = parseUUIDs(refConvs)
		msg.ReferencedFolders = parseUUIDs(refFolders)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

func parseUUIDs(raw []string) []uuid.UUID {
	if len(raw) == 0 {
		return nil
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}
