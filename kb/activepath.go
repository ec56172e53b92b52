package kb

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ActiveSourceIDs narrows a conversation's source links to the ones in scope
// for its current message path. A link pinned to a message stays active as
// long as ANY version in that message's edit lineage is on the path: editing
// a turn creates a new message id, but the source attached to the earlier
// version still belongs to the same turn.
func (s *Service) ActiveSourceIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	path, err := s.convs.GetActivePath(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active message path: %w", err)
	}

	expanded := make(map[uuid.UUID]bool, len(path))
	for _, msg := range path {
		expanded[msg.ID] = true

		if msg.VersionOf == nil && msg.VersionNumber <= 1 {
			continue
		}
		root := msg.ID
		if msg.VersionOf != nil {
			root = *msg.VersionOf
		}

		versions, err := s.convs.GetMessageVersions(ctx, root)
		if err != nil {
			// Degrade to the path message alone rather than failing the pass.
			s.logger.Warn("Failed to load version lineage for message",
				zap.Error(err),
				zap.String("message_id", msg.ID.String()),
				zap.String("root_id", root.String()))
			continue
		}
		expanded[root] = true
		for _, version := range versions {
			expanded[version.ID] = true
		}
	}

	links, err := s.store.GetSourcesForConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load source links: %w", err)
	}

	seen := make(map[uuid.UUID]bool, len(links))
	var active []uuid.UUID
	for _, link := range links {
		if link.MessageID != nil && !expanded[*link.MessageID] {
			continue
		}
		if seen[link.SourceID] {
			continue
		}
		seen[link.SourceID] = true
		active = append(active, link.SourceID)
	}
	return active, nil
}
