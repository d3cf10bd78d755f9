package main

import (
	"context"
	"errors"
	"strconv"
	"testing"
)

func tradeEventAttrs(tradeID uint64, stage string) map[string]string {
	return map[string]string{
		"tradeId": strconv.FormatUint(tradeID, 10),
		"stage":   stage,
	}
}

func TestWatcherIndexesEventsWithFreshEnvelopes(t *testing.T) {
	node := &mockNodeClient{
		events: []NodeEvent{
			{Sequence: 1, Type: "trade.created", Attributes: tradeEventAttrs(1, "created"), TxID: "tx-create", Timestamp: 1000},
			{Sequence: 2, Type: "trade.stage1_released", Attributes: tradeEventAttrs(1, "stage1_released"), TxID: "tx-release", Timestamp: 1010},
		},
	}
	store := newTestStore(t)
	watcher := NewEventWatcher(node, store, nil)
	ctx := context.Background()

	last := watcher.poll(ctx, 0)
	if last != 2 {
		t.Fatalf("expected cursor 2, got %d", last)
	}

	indexed, err := store.IndexedEvents(ctx)
	if err != nil {
		t.Fatalf("load indexed events: %v", err)
	}
	if len(indexed) != 2 {
		t.Fatalf("expected 2 indexed events, got %d", len(indexed))
	}
	seen := make(map[string]bool)
	for _, evt := range indexed {
		if evt.EnvelopeID == "" {
			t.Fatalf("sequence %d missing envelope id", evt.Sequence)
		}
		if evt.EnvelopeID == evt.TxID {
			t.Fatalf("sequence %d conflated envelope and tx ids", evt.Sequence)
		}
		if seen[evt.EnvelopeID] {
			t.Fatalf("duplicate envelope id %s", evt.EnvelopeID)
		}
		seen[evt.EnvelopeID] = true
	}
	if indexed[0].TxID != "tx-create" || indexed[1].TxID != "tx-release" {
		t.Fatalf("tx ids not preserved: %+v", indexed)
	}

	cursor, err := store.LastEventSequence(ctx)
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	if cursor != 2 {
		t.Fatalf("persisted cursor = %d, want 2", cursor)
	}
}

func TestWatcherResumesFromPersistedCursor(t *testing.T) {
	node := &mockNodeClient{
		events: []NodeEvent{
			{Sequence: 1, Type: "trade.created", Attributes: tradeEventAttrs(1, "created"), Timestamp: 1000},
			{Sequence: 2, Type: "trade.stage1_released", Attributes: tradeEventAttrs(1, "stage1_released"), Timestamp: 1010},
			{Sequence: 3, Type: "trade.arrival_confirmed", Attributes: tradeEventAttrs(1, "arrival_confirmed"), Timestamp: 1020},
		},
	}
	store := newTestStore(t)
	watcher := NewEventWatcher(node, store, nil)
	ctx := context.Background()

	watcher.poll(ctx, 0)
	resumed, err := store.LastEventSequence(ctx)
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}

	// A second pass from the persisted cursor indexes nothing new.
	last := watcher.poll(ctx, resumed)
	if last != 3 {
		t.Fatalf("expected cursor 3, got %d", last)
	}
	indexed, err := store.IndexedEvents(ctx)
	if err != nil {
		t.Fatalf("load indexed events: %v", err)
	}
	if len(indexed) != 3 {
		t.Fatalf("expected 3 indexed events after resume, got %d", len(indexed))
	}
}

// flakyEventStore fails the insert of one chosen sequence.
type flakyEventStore struct {
	*SQLiteStore
	failSequence uint64
}

func (f *flakyEventStore) InsertEvent(ctx context.Context, evt IndexedEvent) error {
	if f.failSequence != 0 && evt.Sequence == f.failSequence {
		return errors.New("disk full")
	}
	return f.SQLiteStore.InsertEvent(ctx, evt)
}

func TestWatcherDoesNotSkipEventsOnInsertFailure(t *testing.T) {
	node := &mockNodeClient{
		events: []NodeEvent{
			{Sequence: 1, Type: "trade.created", Attributes: tradeEventAttrs(1, "created"), Timestamp: 1000},
			{Sequence: 2, Type: "trade.stage1_released", Attributes: tradeEventAttrs(1, "stage1_released"), Timestamp: 1010},
			{Sequence: 3, Type: "trade.arrival_confirmed", Attributes: tradeEventAttrs(1, "arrival_confirmed"), Timestamp: 1020},
		},
	}
	store := newTestStore(t)
	flaky := &flakyEventStore{SQLiteStore: store, failSequence: 2}
	watcher := NewEventWatcher(node, flaky, nil)
	ctx := context.Background()

	// The failed insert halts the batch so event 3 is not indexed ahead of 2.
	last := watcher.poll(ctx, 0)
	if last != 1 {
		t.Fatalf("expected cursor to stop at 1, got %d", last)
	}
	cursor, err := store.LastEventSequence(ctx)
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	if cursor != 1 {
		t.Fatalf("persisted cursor = %d, want 1", cursor)
	}
	indexed, err := store.IndexedEvents(ctx)
	if err != nil {
		t.Fatalf("load indexed events: %v", err)
	}
	if len(indexed) != 1 || indexed[0].Sequence != 1 {
		t.Fatalf("unexpected indexed events: %+v", indexed)
	}

	// Once the store recovers, the next poll picks up where it left off and
	// nothing is missing.
	flaky.failSequence = 0
	last = watcher.poll(ctx, last)
	if last != 3 {
		t.Fatalf("expected cursor 3 after recovery, got %d", last)
	}
	indexed, err = store.IndexedEvents(ctx)
	if err != nil {
		t.Fatalf("load indexed events: %v", err)
	}
	if len(indexed) != 3 {
		t.Fatalf("expected 3 indexed events after recovery, got %d", len(indexed))
	}
	for i, evt := range indexed {
		if evt.Sequence != uint64(i)+1 {
			t.Fatalf("sequence hole after recovery: %+v", indexed)
		}
	}
}

func TestStoreRejectsConflatedRecord(t *testing.T) {
	store := newTestStore(t)
	evt := IndexedEvent{
		Sequence:   1,
		EnvelopeID: "shared-id",
		TxID:       "shared-id",
		Type:       "trade.created",
		Attributes: tradeEventAttrs(1, "created"),
	}
	if err := store.InsertEvent(context.Background(), evt); err != ErrIDConflation {
		t.Fatalf("expected ErrIDConflation, got %v", err)
	}
	indexed, err := store.IndexedEvents(context.Background())
	if err != nil {
		t.Fatalf("load indexed events: %v", err)
	}
	if len(indexed) != 0 {
		t.Fatalf("conflated record was persisted")
	}
}
