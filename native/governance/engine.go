package governance

import (
	"errors"
	"time"

	"stagepay/core/events"
)

var (
	ErrUnauthorized          = errors.New("governance: caller not authorized")
	ErrAlreadyApproved       = errors.New("governance: admin already approved this proposal")
	ErrAlreadyExecuted       = errors.New("governance: proposal already executed")
	ErrInsufficientApprovals = errors.New("governance: approvals below required threshold")
	ErrProposalNotFound      = errors.New("governance: proposal not found")
	ErrInvalidProposal       = errors.New("governance: operation not valid for this proposal kind")
	ErrNotInitialized        = errors.New("governance: ledger not initialized")
	ErrInvalidConfiguration  = errors.New("governance: invalid admin set or threshold")

	errStateNotConfigured = errors.New("governance: state not configured")
)

// State abstracts governance persistence. The node serializes governance
// operations behind a single lock so threshold reads stay consistent with
// concurrent approval counts.
type State interface {
	GovernanceGetLedger() (*Ledger, bool, error)
	GovernancePutLedger(ledger *Ledger) error
	GovernanceGetProposal(id uint64) (*Proposal, bool, error)
	GovernancePutProposal(p *Proposal) error
	GovernanceNextProposalID() (uint64, error)
}

// Engine owns the threshold-gated mutation of the admin set, oracle address
// and pause flag. It also serves the read-only views consumed by the escrow
// and dispute engines.
type Engine struct {
	state   State
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine constructs a governance engine with default no-op dependencies.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to its persistence backend.
func (e *Engine) SetState(state State) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Nil restores the wall clock.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Initialize seeds the ledger with the deployment-time admin set, threshold,
// oracle and fast-track policy. It refuses to overwrite an existing ledger;
// subsequent mutation goes through the proposal flow only.
func (e *Engine) Initialize(admins [][20]byte, requiredApprovals uint32, oracle [20]byte, fastTrackApprovals uint32) error {
	if e.state == nil {
		return errStateNotConfigured
	}
	if _, ok, err := e.state.GovernanceGetLedger(); err != nil {
		return err
	} else if ok {
		return nil
	}
	deduped := dedupeAdmins(admins)
	if len(deduped) == 0 {
		return ErrInvalidConfiguration
	}
	if requiredApprovals == 0 || requiredApprovals > uint32(len(deduped)) {
		return ErrInvalidConfiguration
	}
	var zero [20]byte
	if oracle == zero {
		return ErrInvalidConfiguration
	}
	if fastTrackApprovals == 0 || fastTrackApprovals > requiredApprovals {
		fastTrackApprovals = defaultFastTrack(requiredApprovals)
	}
	ledger := &Ledger{
		Admins:             deduped,
		RequiredApprovals:  requiredApprovals,
		OracleAddress:      oracle,
		FastTrackApprovals: fastTrackApprovals,
	}
	return e.state.GovernancePutLedger(ledger)
}

func defaultFastTrack(required uint32) uint32 {
	if required <= 1 {
		return 1
	}
	return required - 1
}

// IsAdmin reports whether the address belongs to the current admin set.
func (e *Engine) IsAdmin(addr [20]byte) bool {
	ledger, err := e.ledger()
	if err != nil {
		return false
	}
	return ledger.HasAdmin(addr)
}

// RequiredApprovals returns the live N-of-M threshold.
func (e *Engine) RequiredApprovals() uint32 {
	ledger, err := e.ledger()
	if err != nil {
		return 0
	}
	return ledger.RequiredApprovals
}

// OracleAddress returns the single oracle identity the escrow engine trusts.
func (e *Engine) OracleAddress() [20]byte {
	ledger, err := e.ledger()
	if err != nil {
		return [20]byte{}
	}
	return ledger.OracleAddress
}

// IsPaused implements the pause view consumed by the escrow module guard. The
// pause flag is global, so the module name is not inspected.
func (e *Engine) IsPaused(string) bool {
	ledger, err := e.ledger()
	if err != nil {
		return false
	}
	return ledger.Paused
}

// Snapshot returns a copy of the full ledger for the query surface.
func (e *Engine) Snapshot() (*Ledger, error) {
	return e.ledger()
}

// ProposeAddAdmin opens an add-admin proposal. Caller must be a current admin.
func (e *Engine) ProposeAddAdmin(caller, newAdmin [20]byte) (*Proposal, error) {
	var zero [20]byte
	if newAdmin == zero {
		return nil, ErrInvalidProposal
	}
	return e.propose(caller, func(p *Proposal) {
		p.Kind = KindAddAdmin
		p.NewAdmin = newAdmin
	})
}

// ProposeOracleUpdate opens an oracle-update proposal. With fastTrack set the
// execute step applies the reduced fast-track threshold instead of the full
// N-of-M requirement.
func (e *Engine) ProposeOracleUpdate(caller, newOracle [20]byte, fastTrack bool) (*Proposal, error) {
	var zero [20]byte
	if newOracle == zero {
		return nil, ErrInvalidProposal
	}
	return e.propose(caller, func(p *Proposal) {
		p.Kind = KindOracleUpdate
		p.NewOracle = newOracle
		p.FastTrack = fastTrack
	})
}

// ProposeUnpause opens a proposal to clear the pause flag. Pausing is
// unilateral but leaving the safe state requires consensus.
func (e *Engine) ProposeUnpause(caller [20]byte) (*Proposal, error) {
	return e.propose(caller, func(p *Proposal) {
		p.Kind = KindUnpause
	})
}

func (e *Engine) propose(caller [20]byte, fill func(*Proposal)) (*Proposal, error) {
	ledger, err := e.ledger()
	if err != nil {
		return nil, err
	}
	if !ledger.HasAdmin(caller) {
		return nil, ErrUnauthorized
	}
	id, err := e.state.GovernanceNextProposalID()
	if err != nil {
		return nil, err
	}
	proposal := &Proposal{
		ID:        id,
		Proposer:  caller,
		CreatedAt: e.nowFn(),
	}
	fill(proposal)
	if err := e.state.GovernancePutProposal(proposal); err != nil {
		return nil, err
	}
	e.emitter.Emit(newProposalProposedEvent(proposal))
	return proposal.Clone(), nil
}

// Approve records an admin's endorsement. Approving twice fails with
// ErrAlreadyApproved and leaves the approval count unchanged.
func (e *Engine) Approve(caller [20]byte, proposalID uint64) (*Proposal, error) {
	ledger, err := e.ledger()
	if err != nil {
		return nil, err
	}
	if !ledger.HasAdmin(caller) {
		return nil, ErrUnauthorized
	}
	proposal, err := e.loadProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Executed {
		return nil, ErrAlreadyExecuted
	}
	if proposal.Approved(caller) {
		return nil, ErrAlreadyApproved
	}
	proposal.Approvals = append(proposal.Approvals, caller)
	if err := e.state.GovernancePutProposal(proposal); err != nil {
		return nil, err
	}
	e.emitter.Emit(newProposalApprovedEvent(proposal, caller))
	return proposal.Clone(), nil
}

// Execute applies an approved proposal's payload. Callable by anyone: the
// approvals, not the executor, carry the authority.
func (e *Engine) Execute(caller [20]byte, proposalID uint64) (*Proposal, error) {
	ledger, err := e.ledger()
	if err != nil {
		return nil, err
	}
	proposal, err := e.loadProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Executed {
		return nil, ErrAlreadyExecuted
	}
	threshold := ledger.RequiredApprovals
	if proposal.Kind == KindOracleUpdate && proposal.FastTrack {
		threshold = ledger.FastTrackApprovals
	}
	if uint32(len(proposal.Approvals)) < threshold {
		return nil, ErrInsufficientApprovals
	}
	switch proposal.Kind {
	case KindAddAdmin:
		if !ledger.HasAdmin(proposal.NewAdmin) {
			ledger.Admins = append(ledger.Admins, proposal.NewAdmin)
		}
	case KindOracleUpdate:
		ledger.OracleAddress = proposal.NewOracle
	case KindUnpause:
		ledger.Paused = false
	default:
		return nil, ErrInvalidProposal
	}
	proposal.Executed = true
	if err := e.state.GovernancePutLedger(ledger); err != nil {
		return nil, err
	}
	if err := e.state.GovernancePutProposal(proposal); err != nil {
		return nil, err
	}
	e.emitter.Emit(newProposalExecutedEvent(proposal, caller))
	return proposal.Clone(), nil
}

// CancelUnpause discards an unpause proposal without applying it. Only
// unpause proposals can be cancelled; pausing is a one-way safety action so a
// cancelled unpause simply keeps the system halted.
func (e *Engine) CancelUnpause(caller [20]byte, proposalID uint64) (*Proposal, error) {
	ledger, err := e.ledger()
	if err != nil {
		return nil, err
	}
	if !ledger.HasAdmin(caller) {
		return nil, ErrUnauthorized
	}
	proposal, err := e.loadProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Kind != KindUnpause {
		return nil, ErrInvalidProposal
	}
	if proposal.Executed {
		return nil, ErrAlreadyExecuted
	}
	proposal.Executed = true
	proposal.Cancelled = true
	if err := e.state.GovernancePutProposal(proposal); err != nil {
		return nil, err
	}
	e.emitter.Emit(newProposalCancelledEvent(proposal, caller))
	return proposal.Clone(), nil
}

// Pause sets the pause flag immediately. Any single admin may trigger it; no
// proposal is required to enter the safe state.
func (e *Engine) Pause(caller [20]byte) error {
	ledger, err := e.ledger()
	if err != nil {
		return err
	}
	if !ledger.HasAdmin(caller) {
		return ErrUnauthorized
	}
	if ledger.Paused {
		return nil
	}
	ledger.Paused = true
	if err := e.state.GovernancePutLedger(ledger); err != nil {
		return err
	}
	e.emitter.Emit(newPausedEvent(caller))
	return nil
}

// Proposal returns a copy of the stored proposal.
func (e *Engine) Proposal(proposalID uint64) (*Proposal, error) {
	if e.state == nil {
		return nil, errStateNotConfigured
	}
	return e.loadProposal(proposalID)
}

func (e *Engine) ledger() (*Ledger, error) {
	if e.state == nil {
		return nil, errStateNotConfigured
	}
	ledger, ok, err := e.state.GovernanceGetLedger()
	if err != nil {
		return nil, err
	}
	if !ok || ledger == nil {
		return nil, ErrNotInitialized
	}
	return ledger.Clone(), nil
}

func (e *Engine) loadProposal(proposalID uint64) (*Proposal, error) {
	proposal, ok, err := e.state.GovernanceGetProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if !ok || proposal == nil {
		return nil, ErrProposalNotFound
	}
	return proposal.Clone(), nil
}

func dedupeAdmins(admins [][20]byte) [][20]byte {
	seen := make(map[[20]byte]struct{}, len(admins))
	var zero [20]byte
	out := make([][20]byte, 0, len(admins))
	for _, admin := range admins {
		if admin == zero {
			continue
		}
		if _, ok := seen[admin]; ok {
			continue
		}
		seen[admin] = struct{}{}
		out = append(out, admin)
	}
	return out
}
