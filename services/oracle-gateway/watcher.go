package main

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"stagepay/observability"
)

// watcherStore is the slice of the gateway store the watcher writes to.
type watcherStore interface {
	InsertEvent(ctx context.Context, evt IndexedEvent) error
	InsertDriftReport(ctx context.Context, report DriftReport) error
	LastEventSequence(ctx context.Context) (uint64, error)
	UpdateEventSequence(ctx context.Context, sequence uint64) error
}

// EventWatcher polls the node's journal and indexes each event under a
// locally assigned envelope identifier. The node's transaction identifier is
// carried alongside and must never double as the envelope identifier.
type EventWatcher struct {
	node         NodeClient
	store        watcherStore
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	nowFn        func() time.Time
}

// NewEventWatcher constructs a watcher with sane defaults.
func NewEventWatcher(node NodeClient, store watcherStore, logger *slog.Logger) *EventWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventWatcher{
		node:         node,
		store:        store,
		logger:       logger,
		pollInterval: 5 * time.Second,
		batchSize:    100,
		nowFn:        time.Now,
	}
}

// Run starts the polling loop until the context is cancelled.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.node == nil || w.store == nil {
		return
	}
	interval := w.pollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	after, _ := w.store.LastEventSequence(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			after = w.poll(ctx, after)
		}
	}
}

func (w *EventWatcher) poll(ctx context.Context, after uint64) uint64 {
	batch := w.batchSize
	if batch <= 0 {
		batch = 100
	}
	events, err := w.node.FetchEvents(ctx, after, batch)
	if err != nil {
		w.logger.Warn("event poll failed", "error", err, "after", after)
		return after
	}
	if len(events) == 0 {
		return after
	}
	// The cursor only moves past events that were actually handled: an
	// insert failure stops the batch so the event is retried on the next
	// poll instead of being skipped forever.
	lastSeq := after
	for _, evt := range events {
		if evt.Sequence <= lastSeq {
			continue
		}
		if err := w.indexEvent(ctx, evt); err != nil {
			w.logger.Error("event insert failed", "error", err, "sequence", evt.Sequence)
			break
		}
		lastSeq = evt.Sequence
	}
	if lastSeq == after {
		return after
	}
	if err := w.store.UpdateEventSequence(ctx, lastSeq); err != nil {
		w.logger.Warn("cursor update failed", "error", err, "sequence", lastSeq)
	}
	return lastSeq
}

// indexEvent stores one journal event. A conflated record is rejected for
// good and reported as drift, so it does not stall the cursor; any other
// failure is returned to the caller.
func (w *EventWatcher) indexEvent(ctx context.Context, evt NodeEvent) error {
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	stored := IndexedEvent{
		Sequence:   evt.Sequence,
		EnvelopeID: uuid.NewString(),
		Type:       evt.Type,
		TxID:       evt.TxID,
		Attributes: attrs,
		EmittedAt:  evt.Timestamp,
		IndexedAt:  w.nowFn().UTC(),
	}
	err := w.store.InsertEvent(ctx, stored)
	if errors.Is(err, ErrIDConflation) {
		report := DriftReport{
			Code:       DriftIDConflation,
			Detail:     "event sequence " + strconv.FormatUint(evt.Sequence, 10) + " rejected: envelope id collapsed into tx id",
			ObservedAt: w.nowFn().UTC(),
		}
		if insertErr := w.store.InsertDriftReport(ctx, report); insertErr != nil {
			w.logger.Error("drift report insert failed", "error", insertErr)
		}
		observability.DriftEvents().WithLabelValues(DriftIDConflation).Inc()
		w.logger.Warn("rejected conflated event record", "sequence", evt.Sequence, "txId", evt.TxID)
		return nil
	}
	return err
}
