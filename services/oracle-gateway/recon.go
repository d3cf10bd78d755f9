package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"stagepay/native/escrow"
	"stagepay/observability"
)

// Classified drift codes raised by the reconciliation job.
const (
	DriftTradeCount   = "DRIFT_TRADE_COUNT"
	DriftStageGraph   = "DRIFT_STAGE_GRAPH"
	DriftEventGap     = "DRIFT_EVENT_GAP"
	DriftIDConflation = "DRIFT_ID_CONFLATION"
)

// Reconciler recomputes trade and stage counts from the indexed event stream
// and diffs them against the node's own aggregate view.
type Reconciler struct {
	node     NodeClient
	store    *SQLiteStore
	logger   *slog.Logger
	interval time.Duration
	nowFn    func() time.Time
}

func NewReconciler(node NodeClient, store *SQLiteStore, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		node:     node,
		store:    store,
		logger:   logger,
		interval: time.Minute,
		nowFn:    time.Now,
	}
}

// Run executes the reconciliation pass on a fixed interval until the context
// is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Warn("reconciliation pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single reconciliation pass and returns the findings it
// raised.
func (r *Reconciler) RunOnce(ctx context.Context) ([]DriftReport, error) {
	events, err := r.store.IndexedEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("load indexed events: %w", err)
	}
	stats, err := r.node.FetchStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch node stats: %w", err)
	}

	var findings []DriftReport
	raise := func(code, detail string) {
		findings = append(findings, DriftReport{Code: code, Detail: detail, ObservedAt: r.nowFn().UTC()})
	}

	var lastSeq uint64
	for _, evt := range events {
		expected := lastSeq + 1
		if evt.Sequence != expected {
			raise(DriftEventGap, fmt.Sprintf("sequence hole: expected %d, indexed %d", expected, evt.Sequence))
		}
		if evt.TxID != "" && evt.TxID == evt.EnvelopeID {
			raise(DriftIDConflation, "indexed record "+strconv.FormatUint(evt.Sequence, 10)+" conflates envelope id with tx id")
		}
		lastSeq = evt.Sequence
	}
	if lastSeq > stats.LastEventSequence {
		raise(DriftEventGap, fmt.Sprintf("indexer ahead of node: indexed through %d, node reports %d", lastSeq, stats.LastEventSequence))
	}

	stages := r.replayStages(events, raise)

	// Count comparisons are only meaningful once the index has caught up
	// with the node's journal.
	if lastSeq == stats.LastEventSequence {
		if uint64(len(stages)) != stats.TradeCount {
			raise(DriftTradeCount, fmt.Sprintf("indexed %d trades, node reports %d", len(stages), stats.TradeCount))
		}
		indexedCounts := make(map[string]uint64)
		for _, stage := range stages {
			indexedCounts[stage]++
		}
		for stage, nodeCount := range stats.StageCounts {
			if indexedCounts[stage] != nodeCount {
				raise(DriftTradeCount, fmt.Sprintf("stage %s: indexed %d, node reports %d", stage, indexedCounts[stage], nodeCount))
			}
		}
		for stage, indexed := range indexedCounts {
			if _, ok := stats.StageCounts[stage]; !ok && indexed > 0 {
				raise(DriftTradeCount, fmt.Sprintf("stage %s: indexed %d, node reports 0", stage, indexed))
			}
		}
	}

	for _, finding := range findings {
		if err := r.store.InsertDriftReport(ctx, finding); err != nil {
			r.logger.Error("drift report insert failed", "error", err, "code", finding.Code)
			continue
		}
		observability.DriftEvents().WithLabelValues(finding.Code).Inc()
		r.logger.Warn("drift detected", "code", finding.Code, "detail", finding.Detail)
	}
	return findings, nil
}

// replayStages walks the event stream and rebuilds every trade's stage,
// raising a stage-graph finding for each impossible transition.
func (r *Reconciler) replayStages(events []IndexedEvent, raise func(code, detail string)) map[uint64]string {
	stages := make(map[uint64]string)
	for _, evt := range events {
		tradeID, ok := eventTradeID(evt)
		if !ok {
			continue
		}
		current := stages[tradeID]
		switch evt.Type {
		case escrow.EventTypeTradeCreated:
			if current != "" {
				raise(DriftStageGraph, fmt.Sprintf("trade %d created twice (stage %s at sequence %d)", tradeID, current, evt.Sequence))
				continue
			}
			stages[tradeID] = "created"
		case escrow.EventTypeTradeStage1Released:
			if current != "created" {
				raise(DriftStageGraph, transitionDetail(tradeID, current, "stage1_released", evt.Sequence))
				continue
			}
			stages[tradeID] = "stage1_released"
		case escrow.EventTypeTradeArrivalConfirmed:
			if current != "stage1_released" {
				raise(DriftStageGraph, transitionDetail(tradeID, current, "arrival_confirmed", evt.Sequence))
				continue
			}
			stages[tradeID] = "arrival_confirmed"
		case escrow.EventTypeDisputeOpened:
			if current != "created" && current != "arrival_confirmed" {
				raise(DriftStageGraph, transitionDetail(tradeID, current, "disputed", evt.Sequence))
				continue
			}
			stages[tradeID] = "disputed"
		case escrow.EventTypeTradeFinalized:
			if current != "arrival_confirmed" && current != "disputed" {
				raise(DriftStageGraph, transitionDetail(tradeID, current, "finalized", evt.Sequence))
				continue
			}
			stages[tradeID] = "finalized"
		case escrow.EventTypeTradeRefunded:
			if current != "disputed" {
				raise(DriftStageGraph, transitionDetail(tradeID, current, "refunded", evt.Sequence))
				continue
			}
			stages[tradeID] = "refunded"
		}
	}
	return stages
}

func transitionDetail(tradeID uint64, from, to string, sequence uint64) string {
	if from == "" {
		from = "unknown"
	}
	return fmt.Sprintf("trade %d: impossible transition %s -> %s at sequence %d", tradeID, from, to, sequence)
}

func eventTradeID(evt IndexedEvent) (uint64, bool) {
	raw, ok := evt.Attributes["tradeId"]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
