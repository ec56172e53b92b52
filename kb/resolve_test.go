package kb

import (
	"context"
	"errors"
	"testing"
	"time"

	"context-engine/database"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func addMessage(convs *memConvs, conversationID uuid.UUID, msg database.Message) database.Message {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.ConversationID = conversationID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().Add(time.Duration(len(convs.messages[conversationID])) * time.Second)
	}
	convs.messages[conversationID] = append(convs.messages[conversationID], msg)
	return msg
}

func addLink(store *memStore, conversationID, sourceID uuid.UUID, messageID *uuid.UUID) {
	store.links = append(store.links, database.SourceLink{
		ConversationID: conversationID,
		SourceID:       sourceID,
		MessageID:      messageID,
	})
}

func TestResolveCycle(t *testing.T) {
	store := newMemStore()
	convs := newMemConvs()
	svc := newTestService(t, store, convs, &fakeEmbedder{})

	convA := uuid.New()
	convB := uuid.New()
	srcA := uuid.New()
	srcB := uuid.New()

	addLink(store, convA, srcA, nil)
	addLink(store, convB, srcB, nil)
	addMessage(convs, convA, database.Message{Role: "user", Content: "see the other thread", ReferencedConversations: []uuid.UUID{convB}})
	addMessage(convs, convB, database.Message{Role: "user", Content: "see the first thread", ReferencedConversations: []uuid.UUID{convA}})

	resolved, err := svc.Resolve(context.Background(), convA)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if len(resolved.ConversationIDs) != 2 {
		t.Errorf("resolved %d conversations, want 2", len(resolved.ConversationIDs))
	}
	for _, id := range []uuid.UUID{convA, convB} {
		if _, ok := resolved.ConversationIDs[id]; !ok {
			t.Errorf("conversation %s missing from resolution", id)
		}
	}
	for _, id := range []uuid.UUID{srcA, srcB} {
		if _, ok := resolved.SourceIDs[id]; !ok {
			t.Errorf("source %s missing from resolution", id)
		}
	}
	if len(resolved.Resolution.DirectSources) != 1 || resolved.Resolution.DirectSources[0] != srcA {
		t.Errorf("direct sources = %v, want [%s]", resolved.Resolution.DirectSources, srcA)
	}
	if len(resolved.Resolution.ReferencedConversations) != 1 || resolved.Resolution.ReferencedConversations[0] != convB {
		t.Errorf("referenced conversations = %v, want [%s]", resolved.Resolution.ReferencedConversations, convB)
	}
}

func TestResolveTransitiveChain(t *testing.T) {
	store := newMemStore()
	convs := newMemConvs()
	svc := newTestService(t, store, convs, &fakeEmbedder{})

	convA := uuid.New()
	convB := uuid.New()
	convC := uuid.New()
	srcC := uuid.New()

	addMessage(convs, convA, database.Message{Role: "user", Content: "ref b", ReferencedConversations: []uuid.UUID{convB}})
	addMessage(convs, convB, database.Message{Role: "user", Content: "ref c", ReferencedConversations: []uuid.UUID{convC}})
	addLink(store, convC, srcC, nil)

	resolved, err := svc.Resolve(context.Background(), convA)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(resolved.ConversationIDs) != 3 {
		t.Errorf("resolved %d conversations, want 3", len(resolved.ConversationIDs))
	}
	if _, ok := resolved.SourceIDs[srcC]; !ok {
		t.Error("transitively referenced source missing")
	}
	if len(resolved.Resolution.TransitiveConversations) != 1 || resolved.Resolution.TransitiveConversations[0] != convC {
		t.Errorf("transitive conversations = %v, want [%s]", resolved.Resolution.TransitiveConversations, convC)
	}
}

func TestResolveFolderExpansion(t *testing.T) {
	store := newMemStore()
	convs := newMemConvs()
	svc := newTestService(t, store, convs, &fakeEmbedder{})

	root := uuid.New()
	member1 := uuid.New()
	member2 := uuid.New()
	folderID := uuid.New()
	src1 := uuid.New()

	convs.folders[folderID] = database.Folder{ID: folderID, Name: "project", ConversationIDs: []uuid.UUID{member1, member2}}
	addMessage(convs, root, database.Message{Role: "user", Content: "ref folder", ReferencedFolders: []uuid.UUID{folderID}})
	addLink(store, member1, src1, nil)

	resolved, err := svc.Resolve(context.Background(), root)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(resolved.ConversationIDs) != 3 {
		t.Errorf("resolved %d conversations, want root plus 2 members", len(resolved.ConversationIDs))
	}
	if _, ok := resolved.SourceIDs[src1]; !ok {
		t.Error("folder member's source missing")
	}
}

func TestResolveScansWholeHistory(t *testing.T) {
	store := newMemStore()
	convs := newMemConvs()
	svc := newTestService(t, store, convs, &fakeEmbedder{})

	root := uuid.New()
	referenced := uuid.New()
	src := uuid.New()

	// Version 1 of a turn referenced another conversation; the edit that
	// replaced it dropped the reference. The reference must survive.
	v1 := addMessage(convs, root, database.Message{Role: "user", Content: "with ref", VersionNumber: 1, ReferencedConversations: []uuid.UUID{referenced}})
	addMessage(convs, root, database.Message{Role: "user", Content: "edited, no ref", VersionOf: &v1.ID, VersionNumber: 2})
	addLink(store, referenced, src, nil)

	resolved, err := svc.Resolve(context.Background(), root)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, ok := resolved.ConversationIDs[referenced]; !ok {
		t.Error("reference from an edited-away version was lost")
	}
	if _, ok := resolved.SourceIDs[src]; !ok {
		t.Error("source behind an edited-away reference was lost")
	}
}

func TestResolveDegradesOnReferencedFailures(t *testing.T) {
	store := newMemStore()
	convs := newMemConvs()
	svc := newTestService(t, store, convs, &fakeEmbedder{})

	root := uuid.New()
	broken := uuid.New()
	healthy := uuid.New()
	src := uuid.New()

	addMessage(convs, root, database.Message{Role: "user", Content: "refs", ReferencedConversations: []uuid.UUID{broken, healthy}})
	store.linkErr[broken] = errors.New("relation missing")
	addLink(store, healthy, src, nil)

	resolved, err := svc.Resolve(context.Background(), root)
	if err != nil {
		t.Fatalf("Resolve should tolerate referenced-conversation failures: %v", err)
	}
	if _, ok := resolved.SourceIDs[src]; !ok {
		t.Error("healthy reference lost because a sibling failed")
	}

	// The same failure on the root conversation is fatal.
	store.linkErr[root] = errors.New("relation missing")
	if _, err := svc.Resolve(context.Background(), root); err == nil {
		t.Error("expected root-level store failure to propagate")
	}
}

func TestSearchUsesConfiguredLimits(t *testing.T) {
	store := newMemStore()
	convs := newMemConvs()
	cfg := testConfig()
	cfg.MessageSearchLimit = 1
	cfg.SourceSearchLimit = 1
	svc, err := New(cfg, store, convs, &fakeEmbedder{}, zap.NewNop())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	conv := uuid.New()
	src := uuid.New()
	convs.searchHits = []database.RankedMessage{
		{MessageID: uuid.New(), ConversationID: conv, Role: "user", Content: "first hit", Similarity: 0.9},
		{MessageID: uuid.New(), ConversationID: conv, Role: "user", Content: "second hit", Similarity: 0.8},
	}
	store.searchChunks = []database.RankedChunk{
		{SourceID: src, ChunkIndex: 0, Content: "first chunk", Similarity: 0.9},
		{SourceID: src, ChunkIndex: 1, Content: "second chunk", Similarity: 0.8},
	}

	resolved := &Resolved{
		ConversationIDs: map[uuid.UUID]struct{}{conv: {}},
		SourceIDs:       map[uuid.UUID]struct{}{src: {}},
	}

	// Zero-valued options defer to the configured limits.
	results, err := svc.Search(context.Background(), resolved, []float32{1, 2, 3}, SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results.Messages) != 1 {
		t.Errorf("got %d messages, want configured limit 1", len(results.Messages))
	}
	if len(results.Chunks) != 1 {
		t.Errorf("got %d chunks, want configured limit 1", len(results.Chunks))
	}
}

func TestSearchScopesToResolvedSets(t *testing.T) {
	store := newMemStore()
	convs := newMemConvs()
	svc := newTestService(t, store, convs, &fakeEmbedder{})

	inScope := uuid.New()
	outOfScope := uuid.New()
	srcIn := uuid.New()
	srcOut := uuid.New()

	convs.searchHits = []database.RankedMessage{
		{MessageID: uuid.New(), ConversationID: inScope, Role: "user", Content: "relevant", Similarity: 0.9},
		{MessageID: uuid.New(), ConversationID: outOfScope, Role: "user", Content: "unrelated", Similarity: 0.95},
	}
	store.searchChunks = []database.RankedChunk{
		{SourceID: srcIn, ChunkIndex: 0, Content: "relevant chunk", Similarity: 0.8},
		{SourceID: srcOut, ChunkIndex: 0, Content: "unrelated chunk", Similarity: 0.85},
	}

	resolved := &Resolved{
		ConversationIDs: map[uuid.UUID]struct{}{inScope: {}},
		SourceIDs:       map[uuid.UUID]struct{}{srcIn: {}},
	}

	results, err := svc.Search(context.Background(), resolved, []float32{1, 2, 3}, SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results.Messages) != 1 || results.Messages[0].ConversationID != inScope {
		t.Errorf("message results leaked outside the resolved scope: %+v", results.Messages)
	}
	if len(results.Chunks) != 1 || results.Chunks[0].SourceID != srcIn {
		t.Errorf("chunk results leaked outside the resolved scope: %+v", results.Chunks)
	}
}
