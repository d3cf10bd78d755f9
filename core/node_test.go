package core

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"stagepay/ledger"
	"stagepay/native/common"
	"stagepay/native/escrow"
	"stagepay/native/governance"
)

type memState struct {
	trades     map[uint64]*escrow.Trade
	byMeta     map[[32]byte]uint64
	disputes   map[uint64]*escrow.Dispute
	govLedger  *governance.Ledger
	proposals  map[uint64]*governance.Proposal
	tradeSeq   uint64
	disputeSeq uint64
	propSeq    uint64
	journal    []JournalEntry
}

func newMemState() *memState {
	return &memState{
		trades:    make(map[uint64]*escrow.Trade),
		byMeta:    make(map[[32]byte]uint64),
		disputes:  make(map[uint64]*escrow.Dispute),
		proposals: make(map[uint64]*governance.Proposal),
	}
}

func (m *memState) TradeGet(id uint64) (*escrow.Trade, bool, error) {
	t, ok := m.trades[id]
	if !ok {
		return nil, false, nil
	}
	return t.Clone(), true, nil
}

func (m *memState) TradePut(t *escrow.Trade) error {
	clone := t.Clone()
	m.trades[clone.ID] = clone
	m.byMeta[clone.MetaHash] = clone.ID
	return nil
}

func (m *memState) TradeIDByMetaHash(hash [32]byte) (uint64, bool, error) {
	id, ok := m.byMeta[hash]
	return id, ok, nil
}

func (m *memState) NextTradeID() (uint64, error) {
	m.tradeSeq++
	return m.tradeSeq, nil
}

func (m *memState) DisputeGet(id uint64) (*escrow.Dispute, bool, error) {
	d, ok := m.disputes[id]
	if !ok {
		return nil, false, nil
	}
	return d.Clone(), true, nil
}

func (m *memState) DisputePut(d *escrow.Dispute) error {
	m.disputes[d.ID] = d.Clone()
	return nil
}

func (m *memState) NextDisputeID() (uint64, error) {
	m.disputeSeq++
	return m.disputeSeq, nil
}

func (m *memState) GovernanceGetLedger() (*governance.Ledger, bool, error) {
	if m.govLedger == nil {
		return nil, false, nil
	}
	return m.govLedger.Clone(), true, nil
}

func (m *memState) GovernancePutLedger(l *governance.Ledger) error {
	m.govLedger = l.Clone()
	return nil
}

func (m *memState) GovernanceGetProposal(id uint64) (*governance.Proposal, bool, error) {
	p, ok := m.proposals[id]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

func (m *memState) GovernancePutProposal(p *governance.Proposal) error {
	m.proposals[p.ID] = p.Clone()
	return nil
}

func (m *memState) GovernanceNextProposalID() (uint64, error) {
	m.propSeq++
	return m.propSeq, nil
}

func (m *memState) TradeCount() (uint64, error) {
	return uint64(len(m.trades)), nil
}

func (m *memState) TradeStageCounts() (map[string]uint64, error) {
	counts := make(map[string]uint64)
	for _, t := range m.trades {
		counts[t.Stage.String()]++
	}
	return counts, nil
}

func (m *memState) JournalAppend(entry *JournalEntry) error {
	entry.Sequence = uint64(len(m.journal)) + 1
	m.journal = append(m.journal, *entry)
	return nil
}

func (m *memState) JournalEvents(after uint64, limit int) ([]JournalEntry, error) {
	if after >= uint64(len(m.journal)) {
		return nil, nil
	}
	entries := m.journal[after:]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]JournalEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *memState) JournalLastSequence() (uint64, error) {
	return uint64(len(m.journal)), nil
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func newTestNode(t *testing.T) (*Node, *ledger.AccountLedger, [20]byte, [20]byte, [20]byte, [20]byte, [20]byte) {
	t.Helper()
	state := newMemState()
	accounts := ledger.NewAccountLedger()
	vault := testAddr(0xEE)
	oracle := testAddr(0xAA)
	adminOne := testAddr(0xA1)
	adminTwo := testAddr(0xA2)
	node, err := NewNode(state, accounts, Config{
		VaultAddress:      vault,
		Stage1ReleaseBps:  5000,
		DisputeWindowSecs: 600,
		Admins:            [][20]byte{adminOne, adminTwo},
		RequiredApprovals: 2,
		OracleAddress:     oracle,
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.SetNowFunc(func() int64 { return 1_000 })
	if err := accounts.Credit(vault, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("fund vault: %v", err)
	}
	return node, accounts, vault, oracle, adminOne, adminTwo, testAddr(0xB1)
}

func TestNodeTradeLifecycleJournalsEvents(t *testing.T) {
	node, accounts, _, oracle, _, _, buyer := newTestNode(t)
	seller := testAddr(0xC1)
	ctx := WithTxID(context.Background(), "tx-create")

	trade, err := node.CreateTrade(ctx, buyer, seller, big.NewInt(1000), []byte("order-9"))
	if err != nil {
		t.Fatalf("create trade: %v", err)
	}
	if _, err := node.ReleaseStage1(WithTxID(context.Background(), "tx-release"), oracle, trade.ID); err != nil {
		t.Fatalf("release stage1: %v", err)
	}
	if _, err := node.ConfirmArrival(context.Background(), oracle, trade.ID); err != nil {
		t.Fatalf("confirm arrival: %v", err)
	}
	node.SetNowFunc(func() int64 { return 2_000 })
	if _, err := node.FinalizeAfterDisputeWindow(context.Background(), testAddr(0x77), trade.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	entries, err := node.Events(0, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 journal entries, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.Sequence != uint64(i)+1 {
			t.Fatalf("sequence gap at index %d: %d", i, entry.Sequence)
		}
	}
	if entries[0].TxID != "tx-create" || entries[1].TxID != "tx-release" {
		t.Fatalf("journal lost transaction ids: %q %q", entries[0].TxID, entries[1].TxID)
	}
	if entries[0].Type != escrow.EventTypeTradeCreated || entries[3].Type != escrow.EventTypeTradeFinalized {
		t.Fatalf("unexpected event order: %s .. %s", entries[0].Type, entries[3].Type)
	}
	if got := accounts.Balance(seller); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected seller to hold 1000, got %s", got)
	}

	// Paged reads resume from a cursor without overlap.
	page, err := node.Events(2, 1)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 1 || page[0].Sequence != 3 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if tail, err := node.Events(4, 10); err != nil || len(tail) != 0 {
		t.Fatalf("expected empty tail, got %d entries (err=%v)", len(tail), err)
	}
}

func TestNodePauseGateBlocksTradesNotGovernance(t *testing.T) {
	node, _, _, oracle, adminOne, adminTwo, buyer := newTestNode(t)
	ctx := context.Background()
	trade, err := node.CreateTrade(ctx, buyer, testAddr(0xC1), big.NewInt(500), nil)
	if err != nil {
		t.Fatalf("create trade: %v", err)
	}
	if err := node.Pause(ctx, adminOne); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := node.ReleaseStage1(ctx, oracle, trade.ID); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := node.OpenDispute(ctx, buyer, trade.ID); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused for dispute, got %v", err)
	}

	// Governance stays callable and consensus clears the flag.
	proposal, err := node.ProposeUnpause(ctx, adminOne)
	if err != nil {
		t.Fatalf("propose unpause: %v", err)
	}
	if _, err := node.ApproveProposal(ctx, adminOne, proposal.ID); err != nil {
		t.Fatalf("approve one: %v", err)
	}
	if _, err := node.ApproveProposal(ctx, adminTwo, proposal.ID); err != nil {
		t.Fatalf("approve two: %v", err)
	}
	if _, err := node.ExecuteProposal(ctx, adminOne, proposal.ID); err != nil {
		t.Fatalf("execute unpause: %v", err)
	}
	if _, err := node.ReleaseStage1(ctx, oracle, trade.ID); err != nil {
		t.Fatalf("release after unpause: %v", err)
	}
}

func TestNodeStats(t *testing.T) {
	node, _, _, oracle, _, _, buyer := newTestNode(t)
	ctx := context.Background()
	trade, err := node.CreateTrade(ctx, buyer, testAddr(0xC1), big.NewInt(100), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := node.CreateTrade(ctx, buyer, testAddr(0xC2), big.NewInt(200), nil); err != nil {
		t.Fatalf("create second: %v", err)
	}
	if _, err := node.ReleaseStage1(ctx, oracle, trade.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	stats, err := node.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TradeCount != 2 {
		t.Fatalf("expected 2 trades, got %d", stats.TradeCount)
	}
	if stats.StageCounts["created"] != 1 || stats.StageCounts["stage1_released"] != 1 {
		t.Fatalf("unexpected stage counts: %v", stats.StageCounts)
	}
	if stats.LastEventSequence != 3 {
		t.Fatalf("expected last sequence 3, got %d", stats.LastEventSequence)
	}
}
