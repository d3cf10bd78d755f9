package core

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"stagepay/core/events"
	"stagepay/ledger"
	"stagepay/native/escrow"
	"stagepay/native/governance"
	"stagepay/observability"
)

type txIDKey struct{}

// WithTxID attaches the originating transaction identifier to the context so
// journal entries can record which transport-level call produced them.
func WithTxID(ctx context.Context, txID string) context.Context {
	return context.WithValue(ctx, txIDKey{}, txID)
}

// TxIDFromContext returns the transaction identifier, if any.
func TxIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(txIDKey{}).(string); ok {
		return v
	}
	return ""
}

// JournalEntry is one journaled state-transition event. Sequence increases by
// exactly one per entry so a consumer can detect gaps.
type JournalEntry struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	TxID       string            `json:"txId"`
	Timestamp  int64             `json:"timestamp"`
}

// State is the persistence surface the node requires: both engine state
// interfaces, the aggregate queries the reconciler consumes, and the durable
// event journal. JournalAppend assigns the entry's sequence; sequences must
// survive restarts so an indexer cursor stays valid across them.
type State interface {
	escrow.State
	governance.State
	TradeCount() (uint64, error)
	TradeStageCounts() (map[string]uint64, error)
	JournalAppend(entry *JournalEntry) error
	JournalEvents(after uint64, limit int) ([]JournalEntry, error)
	JournalLastSequence() (uint64, error)
}

// Stats is the node-reported snapshot a reconciliation job diffs against the
// indexed event history.
type Stats struct {
	TradeCount        uint64            `json:"tradeCount"`
	StageCounts       map[string]uint64 `json:"stageCounts"`
	LastEventSequence uint64            `json:"lastEventSequence"`
}

// Node composes the governance, escrow and dispute engines behind a single
// sequencer lock and writes every emitted event to the durable journal in the
// state store. Operations are short and trade volumes low, so one global
// mutex is sufficient and keeps stage checks and fund movement from ever
// interleaving.
type Node struct {
	mu sync.Mutex

	escrowEngine  *escrow.Engine
	disputeEngine *escrow.DisputeEngine
	govEngine     *governance.Engine

	state State

	currentTxID string
	nowFn       func() int64
}

// Config carries the policy knobs the node passes to its engines.
type Config struct {
	VaultAddress       [20]byte
	Stage1ReleaseBps   uint32
	DisputeWindowSecs  int64
	Admins             [][20]byte
	RequiredApprovals  uint32
	OracleAddress      [20]byte
	FastTrackApprovals uint32
}

// NewNode wires the engines against the supplied state and ledger adapter and
// seeds the governance ledger if it is not initialized yet.
func NewNode(state State, adapter ledger.Adapter, cfg Config) (*Node, error) {
	node := &Node{nowFn: func() int64 { return time.Now().Unix() }}

	gov := governance.NewEngine()
	gov.SetState(state)
	gov.SetEmitter(node)
	if err := gov.Initialize(cfg.Admins, cfg.RequiredApprovals, cfg.OracleAddress, cfg.FastTrackApprovals); err != nil {
		return nil, err
	}

	eng := escrow.NewEngine()
	eng.SetState(state)
	eng.SetLedger(adapter)
	eng.SetGovernance(gov)
	eng.SetEmitter(node)
	eng.SetPauses(gov)
	eng.SetVault(cfg.VaultAddress)
	eng.SetPolicy(cfg.Stage1ReleaseBps, cfg.DisputeWindowSecs)

	node.govEngine = gov
	node.escrowEngine = eng
	node.disputeEngine = escrow.NewDisputeEngine(eng)
	node.state = state
	return node, nil
}

// SetNowFunc overrides the journal timestamp source, primarily for tests. It
// also propagates to the escrow engine clock.
func (n *Node) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	n.nowFn = now
	n.escrowEngine.SetNowFunc(now)
	n.govEngine.SetNowFunc(now)
}

// Emit implements events.Emitter. Engines call it synchronously while the
// sequencer lock is held, so currentTxID always belongs to the running
// operation and appends never race.
func (n *Node) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok {
		return
	}
	record := payload.Event()
	if record == nil {
		return
	}
	clone := record.Clone()
	entry := &JournalEntry{
		Type:       clone.Type,
		Attributes: clone.Attributes,
		TxID:       n.currentTxID,
		Timestamp:  n.nowFn(),
	}
	if err := n.state.JournalAppend(entry); err != nil {
		slog.Default().Error("journal append failed", slog.String("type", clone.Type), slog.Any("error", err))
		return
	}
	observability.EngineEvents().WithLabelValues(clone.Type).Inc()
}

// Events returns up to limit journal entries with sequence strictly greater
// than after, in order. A non-positive limit returns everything available.
func (n *Node) Events(after uint64, limit int) ([]JournalEntry, error) {
	return n.state.JournalEvents(after, limit)
}

func (n *Node) begin(ctx context.Context) func() {
	n.mu.Lock()
	n.currentTxID = TxIDFromContext(ctx)
	return func() {
		n.currentTxID = ""
		n.mu.Unlock()
	}
}

// --- trade operations ---

func (n *Node) CreateTrade(ctx context.Context, buyer, seller [20]byte, amount *big.Int, ref []byte) (*escrow.Trade, error) {
	defer n.begin(ctx)()
	return n.escrowEngine.CreateTrade(buyer, seller, amount, ref)
}

func (n *Node) ReleaseStage1(ctx context.Context, caller [20]byte, tradeID uint64) (*escrow.Trade, error) {
	defer n.begin(ctx)()
	return n.escrowEngine.ReleaseStage1(caller, tradeID)
}

func (n *Node) ConfirmArrival(ctx context.Context, caller [20]byte, tradeID uint64) (*escrow.Trade, error) {
	defer n.begin(ctx)()
	return n.escrowEngine.ConfirmArrival(caller, tradeID)
}

func (n *Node) FinalizeAfterDisputeWindow(ctx context.Context, caller [20]byte, tradeID uint64) (*escrow.Trade, error) {
	defer n.begin(ctx)()
	return n.escrowEngine.FinalizeAfterDisputeWindow(caller, tradeID)
}

// --- dispute operations ---

func (n *Node) OpenDispute(ctx context.Context, caller [20]byte, tradeID uint64) (*escrow.Dispute, error) {
	defer n.begin(ctx)()
	return n.disputeEngine.OpenDispute(caller, tradeID)
}

func (n *Node) ProposeDisputeSolution(ctx context.Context, caller [20]byte, disputeID uint64, solution escrow.DisputeSolution) (*escrow.Dispute, error) {
	defer n.begin(ctx)()
	return n.disputeEngine.ProposeSolution(caller, disputeID, solution)
}

func (n *Node) ApproveDisputeSolution(ctx context.Context, caller [20]byte, disputeID uint64) (*escrow.Dispute, error) {
	defer n.begin(ctx)()
	return n.disputeEngine.ApproveSolution(caller, disputeID)
}

// --- governance operations ---

func (n *Node) ProposeAddAdmin(ctx context.Context, caller, newAdmin [20]byte) (*governance.Proposal, error) {
	defer n.begin(ctx)()
	return n.govEngine.ProposeAddAdmin(caller, newAdmin)
}

func (n *Node) ProposeOracleUpdate(ctx context.Context, caller, newOracle [20]byte, fastTrack bool) (*governance.Proposal, error) {
	defer n.begin(ctx)()
	return n.govEngine.ProposeOracleUpdate(caller, newOracle, fastTrack)
}

func (n *Node) ProposeUnpause(ctx context.Context, caller [20]byte) (*governance.Proposal, error) {
	defer n.begin(ctx)()
	return n.govEngine.ProposeUnpause(caller)
}

func (n *Node) ApproveProposal(ctx context.Context, caller [20]byte, proposalID uint64) (*governance.Proposal, error) {
	defer n.begin(ctx)()
	return n.govEngine.Approve(caller, proposalID)
}

func (n *Node) ExecuteProposal(ctx context.Context, caller [20]byte, proposalID uint64) (*governance.Proposal, error) {
	defer n.begin(ctx)()
	return n.govEngine.Execute(caller, proposalID)
}

func (n *Node) CancelUnpause(ctx context.Context, caller [20]byte, proposalID uint64) (*governance.Proposal, error) {
	defer n.begin(ctx)()
	return n.govEngine.CancelUnpause(caller, proposalID)
}

func (n *Node) Pause(ctx context.Context, caller [20]byte) error {
	defer n.begin(ctx)()
	return n.govEngine.Pause(caller)
}

// --- queries ---

func (n *Node) Trade(tradeID uint64) (*escrow.Trade, error) {
	return n.escrowEngine.Trade(tradeID)
}

func (n *Node) Dispute(disputeID uint64) (*escrow.Dispute, error) {
	return n.disputeEngine.Dispute(disputeID)
}

func (n *Node) Proposal(proposalID uint64) (*governance.Proposal, error) {
	return n.govEngine.Proposal(proposalID)
}

func (n *Node) GovernanceSnapshot() (*governance.Ledger, error) {
	return n.govEngine.Snapshot()
}

// Stats reports the aggregate view the reconciliation job diffs against the
// indexed event history.
func (n *Node) Stats() (Stats, error) {
	count, err := n.state.TradeCount()
	if err != nil {
		return Stats{}, err
	}
	stageCounts, err := n.state.TradeStageCounts()
	if err != nil {
		return Stats{}, err
	}
	lastSeq, err := n.state.JournalLastSequence()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		TradeCount:        count,
		StageCounts:       stageCounts,
		LastEventSequence: lastSeq,
	}, nil
}
