package kb

import (
	"context"
	"fmt"
	"sort"

	"context-engine/database"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Resolution is a diagnostic breakdown of how the knowledge base scope was
// reached.
type Resolution struct {
	DirectSources           []uuid.UUID
	ReferencedConversations []uuid.UUID
	TransitiveConversations []uuid.UUID
}

// Resolved is the request-scoped flattening of a conversation's transitive
// reference graph. It is recomputed per context-build request, never
// persisted.
type Resolved struct {
	ConversationIDs map[uuid.UUID]struct{}
	SourceIDs       map[uuid.UUID]struct{}
	Resolution      Resolution
}

// ConversationIDList returns the resolved conversation ids in a deterministic
// order.
func (r *Resolved) ConversationIDList() []uuid.UUID {
	return sortedIDs(r.ConversationIDs)
}

// SourceIDList returns the resolved source ids in a deterministic order.
func (r *Resolved) SourceIDList() []uuid.UUID {
	return sortedIDs(r.SourceIDs)
}

// Resolve expands a conversation's transitive reference graph into a flat set
// of conversation and source ids. The walk is an explicit-worklist DFS with a
// visited set, so reference cycles terminate. References are collected from
// the ENTIRE message history, edited-away versions included: once a
// conversation or folder has been referenced it stays resolvable.
func (s *Service) Resolve(ctx context.Context, conversationID uuid.UUID) (*Resolved, error) {
	resolved := &Resolved{
		ConversationIDs: make(map[uuid.UUID]struct{}),
		SourceIDs:       make(map[uuid.UUID]struct{}),
	}

	type workItem struct {
		id    uuid.UUID
		depth int
	}

	visited := make(map[uuid.UUID]bool)
	stack := []workItem{{id: conversationID, depth: 0}}

	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[item.id] {
			continue
		}
		visited[item.id] = true
		resolved.ConversationIDs[item.id] = struct{}{}

		switch item.depth {
		case 0:
			// the root itself
		case 1:
			resolved.Resolution.ReferencedConversations = append(resolved.Resolution.ReferencedConversations, item.id)
		default:
			resolved.Resolution.TransitiveConversations = append(resolved.Resolution.TransitiveConversations, item.id)
		}

		links, err := s.store.GetSourcesForConversation(ctx, item.id)
		if err != nil {
			if item.depth == 0 {
				return nil, fmt.Errorf("failed to load sources for conversation: %w", err)
			}
			s.logger.Warn("Failed to load sources for referenced conversation, skipping",
				zap.Error(err),
				zap.String("conversation_id", item.id.String()))
			continue
		}
		for _, link := range links {
			resolved.SourceIDs[link.SourceID] = struct{}{}
			if item.depth == 0 {
				resolved.Resolution.DirectSources = append(resolved.Resolution.DirectSources, link.SourceID)
			}
		}

		messages, err := s.convs.GetMessages(ctx, item.id, 0)
		if err != nil {
			if item.depth == 0 {
				return nil, fmt.Errorf("failed to load message history: %w", err)
			}
			s.logger.Warn("Failed to load history for referenced conversation, skipping its references",
				zap.Error(err),
				zap.String("conversation_id", item.id.String()))
			continue
		}

		for _, msg := range messages {
			for _, refID := range msg.ReferencedConversations {
				if !visited[refID] {
					stack = append(stack, workItem{id: refID, depth: item.depth + 1})
				}
			}
			for _, folderID := range msg.ReferencedFolders {
				folder, err := s.convs.GetFolder(ctx, folderID)
				if err != nil {
					s.logger.Warn("Failed to expand referenced folder, skipping",
						zap.Error(err),
						zap.String("folder_id", folderID.String()))
					continue
				}
				for _, memberID := range folder.ConversationIDs {
					if !visited[memberID] {
						stack = append(stack, workItem{id: memberID, depth: item.depth + 1})
					}
				}
			}
		}
	}

	return resolved, nil
}

// SearchOptions bounds a resolved-scope search.
type SearchOptions struct {
	MessageLimit int
	SourceLimit  int
	MinScore     float64
}

// searchDefaults fills unset options from the configuration, with the
// standard limits as the final fallback.
func (s *Service) searchDefaults(opts SearchOptions) SearchOptions {
	if opts.MessageLimit <= 0 {
		opts.MessageLimit = s.cfg.MessageSearchLimit
	}
	if opts.MessageLimit <= 0 {
		opts.MessageLimit = 15
	}
	if opts.SourceLimit <= 0 {
		opts.SourceLimit = s.cfg.SourceSearchLimit
	}
	if opts.SourceLimit <= 0 {
		opts.SourceLimit = 10
	}
	if opts.MinScore <= 0 {
		opts.MinScore = s.cfg.MinSearchScore
	}
	if opts.MinScore <= 0 {
		opts.MinScore = 0.25
	}
	return opts
}

// SearchResults carries the two independently ranked lists; merging and
// budget selection are the context assembler's job.
type SearchResults struct {
	Messages []database.RankedMessage
	Chunks   []database.RankedChunk
}

// Search runs a message search over the resolved conversations and a chunk
// search over the resolved sources in parallel.
func (s *Service) Search(ctx context.Context, resolved *Resolved, queryVector []float32, opts SearchOptions) (*SearchResults, error) {
	opts = s.searchDefaults(opts)
	results := &SearchResults{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		messages, err := s.convs.SearchConversationMessages(gctx, resolved.ConversationIDList(), queryVector, opts.MessageLimit, opts.MinScore)
		if err != nil {
			return fmt.Errorf("message search failed: %w", err)
		}
		results.Messages = messages
		return nil
	})
	g.Go(func() error {
		chunks, err := s.store.SearchKnowledgeBase(gctx, resolved.SourceIDList(), queryVector, opts.SourceLimit, opts.MinScore)
		if err != nil {
			return fmt.Errorf("chunk search failed: %w", err)
		}
		results.Chunks = chunks
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func sortedIDs(set map[uuid.UUID]struct{}) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}
