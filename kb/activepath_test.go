package kb

import (
	"context"
	"errors"
	"testing"

	"context-engine/database"

	"github.com/google/uuid"
)

func TestActiveSourceIDs(t *testing.T) {
	store := newMemStore()
	convs := newMemConvs()
	svc := newTestService(t, store, convs, &fakeEmbedder{})
	ctx := context.Background()

	conv := uuid.New()

	// Turn 1: plain message with a pinned source.
	m1 := addMessage(convs, conv, database.Message{Role: "user", Content: "first", VersionNumber: 1})
	pinnedActive := uuid.New()
	addLink(store, conv, pinnedActive, &m1.ID)

	// Turn 2: edited once. The source was attached to the superseded version.
	v1 := addMessage(convs, conv, database.Message{Role: "user", Content: "second draft", VersionNumber: 1})
	addMessage(convs, conv, database.Message{Role: "user", Content: "second final", VersionOf: &v1.ID, VersionNumber: 2})
	lineageSource := uuid.New()
	addLink(store, conv, lineageSource, &v1.ID)

	// A conversation-wide link and one pinned to a message that was never
	// part of this conversation's path.
	global := uuid.New()
	addLink(store, conv, global, nil)
	orphan := uuid.New()
	strayMessage := uuid.New()
	addLink(store, conv, orphan, &strayMessage)

	active, err := svc.ActiveSourceIDs(ctx, conv)
	if err != nil {
		t.Fatalf("ActiveSourceIDs failed: %v", err)
	}

	got := make(map[uuid.UUID]bool, len(active))
	for _, id := range active {
		got[id] = true
	}
	if !got[pinnedActive] {
		t.Error("source pinned to an on-path message should be active")
	}
	if !got[lineageSource] {
		t.Error("source pinned to an earlier version of an on-path turn should stay active")
	}
	if !got[global] {
		t.Error("conversation-wide source should always be active")
	}
	if got[orphan] {
		t.Error("source pinned to an off-path message should be inactive")
	}
	if len(active) != 3 {
		t.Errorf("got %d active sources, want 3: %v", len(active), active)
	}
}

func TestActiveSourceIDsDeduplicates(t *testing.T) {
	store := newMemStore()
	convs := newMemConvs()
	svc := newTestService(t, store, convs, &fakeEmbedder{})

	conv := uuid.New()
	m1 := addMessage(convs, conv, database.Message{Role: "user", Content: "a", VersionNumber: 1})
	m2 := addMessage(convs, conv, database.Message{Role: "user", Content: "b", VersionNumber: 1})

	src := uuid.New()
	addLink(store, conv, src, &m1.ID)
	addLink(store, conv, src, &m2.ID)

	active, err := svc.ActiveSourceIDs(context.Background(), conv)
	if err != nil {
		t.Fatalf("ActiveSourceIDs failed: %v", err)
	}
	if len(active) != 1 || active[0] != src {
		t.Errorf("active = %v, want exactly one %s", active, src)
	}
}

func TestActiveSourceIDsLineageLookupDegrades(t *testing.T) {
	store := newMemStore()
	convs := newMemConvs()
	svc := newTestService(t, store, convs, &fakeEmbedder{})

	conv := uuid.New()
	v1 := addMessage(convs, conv, database.Message{Role: "user", Content: "draft", VersionNumber: 1})
	addMessage(convs, conv, database.Message{Role: "user", Content: "final", VersionOf: &v1.ID, VersionNumber: 2})

	lineageSource := uuid.New()
	addLink(store, conv, lineageSource, &v1.ID)
	global := uuid.New()
	addLink(store, conv, global, nil)

	convs.versionsErr = errors.New("lineage query failed")

	active, err := svc.ActiveSourceIDs(context.Background(), conv)
	if err != nil {
		t.Fatalf("lineage failure should degrade, not fail: %v", err)
	}

	got := make(map[uuid.UUID]bool, len(active))
	for _, id := range active {
		got[id] = true
	}
	if !got[global] {
		t.Error("conversation-wide source lost during degraded pass")
	}
	if got[lineageSource] {
		t.Error("lineage-pinned source should drop out when the lineage cannot be loaded")
	}
}
