package kb

import (
	"context"
	"fmt"
	"strings"

	"context-engine/database"

	"github.com/google/uuid"
	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"
)

// compressionCandidateLimit bounds how many ranked messages the compression
// pass considers before the token budget cuts the list down.
const compressionCandidateLimit = 100

// BuildContext assembles the referenced-conversation context for a chat turn.
// Context enrichment is best-effort: every failure is logged and the caller
// gets an empty string, never an error, so the chat turn itself cannot be
// blocked by a bad reference.
func (s *Service) BuildContext(ctx context.Context, conversationID uuid.UUID, query string) string {
	text, err := s.buildContext(ctx, conversationID, query)
	if err != nil {
		s.logger.Warn("Context assembly failed, continuing without referenced context",
			zap.Error(err),
			zap.String("conversation_id", conversationID.String()))
		return ""
	}
	return text
}

func (s *Service) buildContext(ctx context.Context, conversationID uuid.UUID, query string) (string, error) {
	resolved, err := s.Resolve(ctx, conversationID)
	if err != nil {
		return "", err
	}

	contents := s.collectReferenced(ctx, resolved, conversationID)
	if len(contents) == 0 {
		return "", nil
	}

	totalChars := 0
	for _, conv := range contents {
		for _, msg := range conv.messages {
			totalChars += len(msg.Content)
		}
	}

	budget := s.cfg.ContextTokenBudget
	if budget <= 0 {
		budget = 50000
	}

	if totalChars/4 < budget {
		return formatFull(contents), nil
	}
	return s.compress(ctx, contents, query, budget), nil
}

type convContent struct {
	id       uuid.UUID
	title    string
	messages []database.Message
}

// collectReferenced loads the active-path content of every resolved
// conversation except the one being answered. A conversation that fails to
// load is skipped, not fatal.
func (s *Service) collectReferenced(ctx context.Context, resolved *Resolved, self uuid.UUID) []convContent {
	var contents []convContent
	for _, id := range resolved.ConversationIDList() {
		if id == self {
			continue
		}

		messages, err := s.convs.GetActivePath(ctx, id)
		if err != nil {
			s.logger.Warn("Failed to load referenced conversation, skipping",
				zap.Error(err),
				zap.String("conversation_id", id.String()))
			continue
		}
		if len(messages) == 0 {
			continue
		}

		title := id.String()
		if conv, err := s.convs.GetConversation(ctx, id); err == nil && conv.Title != "" {
			title = conv.Title
		}

		contents = append(contents, convContent{id: id, title: title, messages: messages})
	}
	return contents
}

// formatFull includes every message of every referenced conversation.
func formatFull(contents []convContent) string {
	var b strings.Builder
	for _, conv := range contents {
		writeSectionHeader(&b, conv.title)
		for _, msg := range conv.messages {
			writeMessageLine(&b, msg.Role, msg.Content)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// compress ranks messages against the query embedding and fills the token
// budget greedily. When embeddings are unavailable it degrades to naive
// front-truncation of the referenced conversations.
func (s *Service) compress(ctx context.Context, contents []convContent, query string, budget int) string {
	embedCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryEmbedTimeout)
	defer cancel()

	queryVector, err := s.embedder.Embed(embedCtx, query)
	if err != nil {
		s.logger.Warn("Query embedding unavailable, falling back to naive truncation", zap.Error(err))
		return s.naiveTruncate(contents, budget)
	}

	conversationIDs := make([]uuid.UUID, len(contents))
	titles := make(map[uuid.UUID]string, len(contents))
	for i, conv := range contents {
		conversationIDs[i] = conv.id
		titles[conv.id] = conv.title
	}

	minScore := s.cfg.CompressionMinScore
	if minScore <= 0 {
		minScore = 0.1
	}
	hits, err := s.convs.SearchConversationMessages(ctx, conversationIDs, queryVector, compressionCandidateLimit, minScore)
	if err != nil {
		s.logger.Warn("Ranked message search failed, falling back to naive truncation", zap.Error(err))
		return s.naiveTruncate(contents, budget)
	}
	if len(hits) == 0 {
		return s.naiveTruncate(contents, budget)
	}

	// Greedy budget fill in rank order, then group accepted hits by their
	// conversation for presentation.
	used := 0
	accepted := make(map[uuid.UUID][]database.RankedMessage)
	var order []uuid.UUID
	for _, hit := range hits {
		cost := estimateTokens(hit.Content)
		if used+cost > budget {
			break
		}
		used += cost
		if _, ok := accepted[hit.ConversationID]; !ok {
			order = append(order, hit.ConversationID)
		}
		accepted[hit.ConversationID] = append(accepted[hit.ConversationID], hit)
	}

	var b strings.Builder
	for _, convID := range order {
		title := titles[convID]
		if title == "" {
			title = convID.String()
		}
		writeSectionHeader(&b, title)
		for _, hit := range accepted[convID] {
			writeMessageLine(&b, hit.Role, hit.Content)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// naiveTruncate walks the referenced conversations in order and appends whole
// messages until the budget runs out. The first message that no longer fits
// is trimmed at a sentence boundary instead of being dropped outright.
func (s *Service) naiveTruncate(contents []convContent, budget int) string {
	var b strings.Builder
	used := 0

	for _, conv := range contents {
		headerWritten := false
		for _, msg := range conv.messages {
			cost := estimateTokens(msg.Content)
			if used+cost <= budget {
				if !headerWritten {
					writeSectionHeader(&b, conv.title)
					headerWritten = true
				}
				writeMessageLine(&b, msg.Role, msg.Content)
				used += cost
				continue
			}

			remaining := budget - used
			if remaining > 0 {
				if partial := s.trimAtSentenceBoundary(msg.Content, remaining*4); partial != "" {
					if !headerWritten {
						writeSectionHeader(&b, conv.title)
					}
					writeMessageLine(&b, msg.Role, partial)
				}
			}
			return b.String()
		}
		if headerWritten {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// trimAtSentenceBoundary returns the longest prefix of text made of whole
// sentences that fits charBudget, or "" when not even the first sentence
// fits.
func (s *Service) trimAtSentenceBoundary(text string, charBudget int) string {
	if charBudget <= 0 {
		return ""
	}

	doc, err := prose.NewDocument(text)
	if err != nil {
		s.logger.Warn("Sentence segmentation failed during truncation", zap.Error(err))
		return ""
	}

	var b strings.Builder
	for _, sentence := range doc.Sentences() {
		addition := len(sentence.Text)
		if b.Len() > 0 {
			addition++
		}
		if b.Len()+addition > charBudget {
			break
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(sentence.Text)
	}
	return b.String()
}

func writeSectionHeader(b *strings.Builder, title string) {
	fmt.Fprintf(b, "### Context from: %q\n", title)
}

func writeMessageLine(b *strings.Builder, role, content string) {
	fmt.Fprintf(b, "- %s: %s\n", role, content)
}
