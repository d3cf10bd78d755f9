package escrow

import (
	"fmt"
	"math/big"
)

// DisputeEngine arbitrates a single trade's stage when the buyer contests
// delivery. It shares the escrow engine's state, ledger and governance view.
type DisputeEngine struct {
	engine *Engine
}

// NewDisputeEngine wraps an escrow engine. The engine must be fully wired
// before dispute operations are invoked.
func NewDisputeEngine(engine *Engine) *DisputeEngine {
	return &DisputeEngine{engine: engine}
}

// OpenDispute suspends a trade's normal progression. Only the trade's buyer
// may open a dispute, and only while the trade is Created or ArrivalConfirmed
// with no dispute already active.
func (d *DisputeEngine) OpenDispute(caller [20]byte, tradeID uint64) (*Dispute, error) {
	e := d.engine
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.guardPaused(); err != nil {
		return nil, err
	}
	trade, err := e.loadTrade(tradeID)
	if err != nil {
		return nil, err
	}
	if caller != trade.Buyer {
		return nil, ErrUnauthorized
	}
	if trade.DisputeID != 0 {
		return nil, ErrAlreadyDisputed
	}
	if trade.Stage != StageCreated && trade.Stage != StageArrivalConfirmed {
		return nil, ErrInvalidStage
	}
	id, err := e.state.NextDisputeID()
	if err != nil {
		return nil, err
	}
	dispute := &Dispute{
		ID:        id,
		TradeID:   trade.ID,
		Status:    DisputeOpen,
		CreatedAt: e.now(),
	}
	if err := e.state.DisputePut(dispute); err != nil {
		return nil, err
	}
	trade.DisputeID = dispute.ID
	trade.Stage = StageDisputed
	if err := e.state.TradePut(trade); err != nil {
		return nil, err
	}
	e.emitter.Emit(newDisputeOpenedEvent(dispute, caller))
	return dispute.Clone(), nil
}

// ProposeSolution records an admin's proposed outcome. Proposing again before
// resolution overwrites the pending solution and clears prior approvals so
// stale endorsements never apply to a changed outcome.
func (d *DisputeEngine) ProposeSolution(caller [20]byte, disputeID uint64, solution DisputeSolution) (*Dispute, error) {
	e := d.engine
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.guardPaused(); err != nil {
		return nil, err
	}
	if !e.gov.IsAdmin(caller) {
		return nil, ErrUnauthorized
	}
	if !solution.Valid() {
		return nil, ErrInvalidSolution
	}
	dispute, err := d.loadDispute(disputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Status == DisputeResolved {
		return nil, ErrDisputeAlreadyClosed
	}
	dispute.Solution = solution
	dispute.Status = DisputeSolutionProposed
	dispute.Approvals = nil
	if err := e.state.DisputePut(dispute); err != nil {
		return nil, err
	}
	e.emitter.Emit(newDisputeSolutionProposedEvent(dispute, caller))
	return dispute.Clone(), nil
}

// ApproveSolution adds an admin's endorsement of the pending solution. When
// the approval count reaches the live governance threshold the dispute
// resolves atomically: Refund moves the remaining balance to the buyer and
// the trade becomes Refunded, Resolve moves it to the seller and the trade
// becomes Finalized.
func (d *DisputeEngine) ApproveSolution(caller [20]byte, disputeID uint64) (*Dispute, error) {
	e := d.engine
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.guardPaused(); err != nil {
		return nil, err
	}
	if !e.gov.IsAdmin(caller) {
		return nil, ErrUnauthorized
	}
	dispute, err := d.loadDispute(disputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Status == DisputeResolved {
		return nil, ErrDisputeAlreadyClosed
	}
	if dispute.Status != DisputeSolutionProposed {
		return nil, ErrNoSolutionProposed
	}
	if dispute.Approved(caller) {
		return nil, ErrAlreadyApproved
	}
	dispute.Approvals = append(dispute.Approvals, caller)
	if uint32(len(dispute.Approvals)) >= e.gov.RequiredApprovals() {
		// The transfer runs before anything is persisted so a rejected
		// transfer leaves the approval uncounted and retryable.
		if err := d.resolve(dispute); err != nil {
			return nil, err
		}
		return dispute.Clone(), nil
	}
	if err := e.state.DisputePut(dispute); err != nil {
		return nil, err
	}
	e.emitter.Emit(newDisputeApprovedEvent(dispute, caller))
	return dispute.Clone(), nil
}

// Dispute returns a copy of the stored dispute.
func (d *DisputeEngine) Dispute(disputeID uint64) (*Dispute, error) {
	if d.engine.state == nil {
		return nil, errNilState
	}
	return d.loadDispute(disputeID)
}

func (d *DisputeEngine) resolve(dispute *Dispute) error {
	e := d.engine
	trade, err := e.loadTrade(dispute.TradeID)
	if err != nil {
		return err
	}
	remaining := trade.Remaining()
	var recipient [20]byte
	var finalStage TradeStage
	switch dispute.Solution {
	case SolutionRefund:
		recipient = trade.Buyer
		finalStage = StageRefunded
	case SolutionResolve:
		recipient = trade.Seller
		finalStage = StageFinalized
	default:
		return ErrInvalidSolution
	}
	if remaining.Sign() > 0 {
		if err := e.ledger.Transfer(e.vault, recipient, remaining); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	if finalStage == StageFinalized {
		trade.Released = new(big.Int).Add(trade.Released, remaining)
	} else {
		trade.Refunded = new(big.Int).Add(trade.Refunded, remaining)
	}
	trade.Stage = finalStage
	trade.DisputeID = 0
	dispute.Status = DisputeResolved
	if err := e.state.DisputePut(dispute); err != nil {
		return err
	}
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emitter.Emit(newDisputeResolvedEvent(dispute, trade, recipient, remaining))
	if finalStage == StageRefunded {
		e.emitter.Emit(newTradeRefundedEvent(trade, remaining))
	} else {
		e.emitter.Emit(newTradeFinalizedEvent(trade, recipient, remaining))
	}
	return nil
}

func (d *DisputeEngine) loadDispute(disputeID uint64) (*Dispute, error) {
	dispute, ok, err := d.engine.state.DisputeGet(disputeID)
	if err != nil {
		return nil, err
	}
	if !ok || dispute == nil {
		return nil, ErrDisputeNotFound
	}
	return dispute.Clone(), nil
}
