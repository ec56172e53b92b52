package kb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"context-engine/config"
	"context-engine/database"
	apperrors "context-engine/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// memStore is an in-memory Store with the same conflict semantics as the
// Postgres implementation: the hash is a unique key and (source, chunk index)
// pairs cannot repeat.
type memStore struct {
	mu      sync.Mutex
	sources map[string]database.Source
	chunks  map[uuid.UUID][]database.KnowledgeChunk
	links   []database.SourceLink

	// missNextLookups makes the next N GetSourceByHash calls miss, to widen
	// the get/create race window on demand.
	missNextLookups int
	linkErr         map[uuid.UUID]error
	searchChunks    []database.RankedChunk
}

func newMemStore() *memStore {
	return &memStore{
		sources: make(map[string]database.Source),
		chunks:  make(map[uuid.UUID][]database.KnowledgeChunk),
		linkErr: make(map[uuid.UUID]error),
	}
}

func (m *memStore) GetSourceByHash(_ context.Context, hash string) (*database.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.missNextLookups > 0 {
		m.missNextLookups--
		return nil, nil
	}
	if src, ok := m.sources[hash]; ok {
		copied := src
		return &copied, nil
	}
	return nil, nil
}

func (m *memStore) CreateSource(_ context.Context, src database.Source) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[src.Hash]; ok {
		return uuid.Nil, apperrors.WrapError(apperrors.ErrConflict, "duplicate source hash")
	}
	src.ID = uuid.New()
	m.sources[src.Hash] = src
	return src.ID, nil
}

func (m *memStore) MaxChunkIndex(_ context.Context, sourceID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := -1
	for _, chunk := range m.chunks[sourceID] {
		if chunk.ChunkIndex > max {
			max = chunk.ChunkIndex
		}
	}
	return max, nil
}

func (m *memStore) AddKnowledgeChunk(_ context.Context, chunk database.KnowledgeChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.chunks[chunk.SourceID] {
		if existing.ChunkIndex == chunk.ChunkIndex {
			return apperrors.WrapError(apperrors.ErrConflict, "duplicate chunk index")
		}
	}
	chunk.ID = uuid.New()
	m.chunks[chunk.SourceID] = append(m.chunks[chunk.SourceID], chunk)
	return nil
}

func (m *memStore) GetKnowledgeChunks(_ context.Context, sourceID uuid.UUID) ([]database.KnowledgeChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunks := append([]database.KnowledgeChunk(nil), m.chunks[sourceID]...)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	return chunks, nil
}

func (m *memStore) SearchKnowledgeBase(_ context.Context, sourceIDs []uuid.UUID, _ []float32, limit int, _ float64) ([]database.RankedChunk, error) {
	allowed := make(map[uuid.UUID]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		allowed[id] = true
	}
	var hits []database.RankedChunk
	for _, hit := range m.searchChunks {
		if allowed[hit.SourceID] && len(hits) < limit {
			hits = append(hits, hit)
		}
	}
	return hits, nil
}

func (m *memStore) LinkSourceToConversation(_ context.Context, conversationID, sourceID uuid.UUID, messageID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, link := range m.links {
		if link.ConversationID == conversationID && link.SourceID == sourceID && equalMessageID(link.MessageID, messageID) {
			return nil
		}
	}
	m.links = append(m.links, database.SourceLink{ConversationID: conversationID, SourceID: sourceID, MessageID: messageID})
	return nil
}

func (m *memStore) GetSourcesForConversation(_ context.Context, conversationID uuid.UUID) ([]database.SourceLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.linkErr[conversationID]; err != nil {
		return nil, err
	}
	var links []database.SourceLink
	for _, link := range m.links {
		if link.ConversationID == conversationID {
			links = append(links, link)
		}
	}
	return links, nil
}

func equalMessageID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// memConvs is an in-memory ConversationStore. The active path is derived the
// same way the SQL does it: one message per version lineage, highest version
// wins, ordered by creation time.
type memConvs struct {
	conversations map[uuid.UUID]database.Conversation
	messages      map[uuid.UUID][]database.Message
	folders       map[uuid.UUID]database.Folder

	historyErr  map[uuid.UUID]error
	pathErr     map[uuid.UUID]error
	versionsErr error
	searchHits  []database.RankedMessage
	searchErr   error
}

func newMemConvs() *memConvs {
	return &memConvs{
		conversations: make(map[uuid.UUID]database.Conversation),
		messages:      make(map[uuid.UUID][]database.Message),
		folders:       make(map[uuid.UUID]database.Folder),
		historyErr:    make(map[uuid.UUID]error),
		pathErr:       make(map[uuid.UUID]error),
	}
}

func (m *memConvs) GetConversation(_ context.Context, conversationID uuid.UUID) (*database.Conversation, error) {
	if conv, ok := m.conversations[conversationID]; ok {
		copied := conv
		return &copied, nil
	}
	return nil, apperrors.WrapError(apperrors.ErrNotFound, "conversation not found")
}

func (m *memConvs) GetMessages(_ context.Context, conversationID uuid.UUID, limit int) ([]database.Message, error) {
	if err := m.historyErr[conversationID]; err != nil {
		return nil, err
	}
	msgs := append([]database.Message(nil), m.messages[conversationID]...)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (m *memConvs) GetActivePath(_ context.Context, conversationID uuid.UUID) ([]database.Message, error) {
	if err := m.pathErr[conversationID]; err != nil {
		return nil, err
	}
	latest := make(map[uuid.UUID]database.Message)
	for _, msg := range m.messages[conversationID] {
		root := msg.ID
		if msg.VersionOf != nil {
			root = *msg.VersionOf
		}
		if current, ok := latest[root]; !ok || msg.VersionNumber > current.VersionNumber {
			latest[root] = msg
		}
	}
	path := make([]database.Message, 0, len(latest))
	for _, msg := range latest {
		path = append(path, msg)
	}
	sort.Slice(path, func(i, j int) bool { return path[i].CreatedAt.Before(path[j].CreatedAt) })
	return path, nil
}

func (m *memConvs) GetMessageVersions(_ context.Context, rootID uuid.UUID) ([]database.Message, error) {
	if m.versionsErr != nil {
		return nil, m.versionsErr
	}
	var versions []database.Message
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == rootID || (msg.VersionOf != nil && *msg.VersionOf == rootID) {
				versions = append(versions, msg)
			}
		}
	}
	return versions, nil
}

func (m *memConvs) SearchConversationMessages(_ context.Context, conversationIDs []uuid.UUID, _ []float32, limit int, _ float64) ([]database.RankedMessage, error) {
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	allowed := make(map[uuid.UUID]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		allowed[id] = true
	}
	var hits []database.RankedMessage
	for _, hit := range m.searchHits {
		if allowed[hit.ConversationID] && len(hits) < limit {
			hits = append(hits, hit)
		}
	}
	return hits, nil
}

func (m *memConvs) GetFolder(_ context.Context, folderID uuid.UUID) (*database.Folder, error) {
	if folder, ok := m.folders[folderID]; ok {
		copied := folder
		return &copied, nil
	}
	return nil, apperrors.WrapError(apperrors.ErrNotFound, "folder not found")
}

// fakeEmbedder returns a deterministic vector; failAfter > 0 makes every call
// past that count fail.
type fakeEmbedder struct {
	mu        sync.Mutex
	calls     int
	failAfter int
	err       error
}

func (f *fakeEmbedder) Embed(_ context.Context, content string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.failAfter > 0 && f.calls > f.failAfter {
		return nil, fmt.Errorf("embedding backend unavailable")
	}
	return []float32{float32(len(content)), 1, 2}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		ChunkSize:           1000,
		ChunkOverlap:        200,
		EmbedBatchSize:      2,
		ContextTokenBudget:  50000,
		MessageSearchLimit:  15,
		SourceSearchLimit:   10,
		MinSearchScore:      0.25,
		CompressionMinScore: 0.1,
		QueryEmbedTimeout:   time.Second,
	}
}

func newTestService(t *testing.T, store *memStore, convs *memConvs, embedder *fakeEmbedder) *Service {
	t.Helper()
	svc, err := New(testConfig(), store, convs, embedder, zap.NewNop())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return svc
}

func TestNewRequiresDependencies(t *testing.T) {
	cfg := testConfig()
	if _, err := New(cfg, nil, newMemConvs(), &fakeEmbedder{}, zap.NewNop()); err == nil {
		t.Error("expected error without a vector store")
	}
	if _, err := New(cfg, newMemStore(), nil, &fakeEmbedder{}, zap.NewNop()); err == nil {
		t.Error("expected error without a conversation store")
	}
	if _, err := New(cfg, newMemStore(), newMemConvs(), nil, zap.NewNop()); err == nil {
		t.Error("expected error without an embedder")
	}
}

func TestSourceIdentityHash(t *testing.T) {
	conv := uuid.New()
	other := uuid.New()
	msg := uuid.New()

	base := sourceIdentityHash("report.pdf", "uploads/abc", conv, nil)

	if got := sourceIdentityHash("report.pdf", "uploads/abc", conv, nil); got != base {
		t.Error("identical identity must hash identically")
	}
	if got := sourceIdentityHash("report.pdf", "uploads/abc", other, nil); got == base {
		t.Error("different conversation must change the hash")
	}
	if got := sourceIdentityHash("report.pdf", "uploads/abc", conv, &msg); got == base {
		t.Error("message scope must change the hash")
	}
	if got := sourceIdentityHash("report.pdf", "uploads/xyz", conv, nil); got == base {
		t.Error("different storage key must change the hash")
	}
}
