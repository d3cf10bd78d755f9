package escrow

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"stagepay/core/events"
	"stagepay/native/common"
)

// ModuleName is the pause-gate identifier for trade and dispute operations.
const ModuleName = "escrow"

const bpsDenominator = 10_000

// State abstracts the persistence layer the engine mutates. Implementations
// must apply each Put atomically with respect to concurrent engine calls; the
// node serializes trade-scoped operations so the engine itself does not lock.
type State interface {
	TradeGet(id uint64) (*Trade, bool, error)
	TradePut(trade *Trade) error
	TradeIDByMetaHash(hash [32]byte) (uint64, bool, error)
	NextTradeID() (uint64, error)
	DisputeGet(id uint64) (*Dispute, bool, error)
	DisputePut(dispute *Dispute) error
	NextDisputeID() (uint64, error)
}

// Ledger moves escrowed value. Failure aborts the surrounding operation with
// no state mutation.
type Ledger interface {
	Transfer(from, to [20]byte, amount *big.Int) error
}

// GovernanceView is the read-only slice of governance state the escrow and
// dispute engines consume.
type GovernanceView interface {
	IsAdmin(addr [20]byte) bool
	RequiredApprovals() uint32
	OracleAddress() [20]byte
}

// Engine owns trade records and the transitions not gated by an open dispute.
type Engine struct {
	state   State
	ledger  Ledger
	gov     GovernanceView
	emitter events.Emitter
	pauses  common.PauseView
	nowFn   func() int64

	vault             [20]byte
	stage1ReleaseBps  uint32
	disputeWindowSecs int64
}

// NewEngine constructs an engine with a no-op emitter and wall-clock time.
// Vault, policy values and collaborators are wired by the caller.
func NewEngine() *Engine {
	return &Engine{
		emitter:           events.NoopEmitter{},
		nowFn:             func() int64 { return time.Now().Unix() },
		stage1ReleaseBps:  5000,
		disputeWindowSecs: 72 * 3600,
	}
}

func (e *Engine) SetState(state State)             { e.state = state }
func (e *Engine) SetLedger(ledger Ledger)          { e.ledger = ledger }
func (e *Engine) SetGovernance(gov GovernanceView) { e.gov = gov }

// SetEmitter wires the engine to an event sink. Passing nil restores the
// no-op emitter.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the pause gate. A nil view disables the gate.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetNowFunc overrides the time source, primarily for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetVault configures the escrow vault account debited on every release.
func (e *Engine) SetVault(vault [20]byte) { e.vault = vault }

// SetPolicy configures the stage-1 release share (basis points) and the
// dispute window length in seconds. Out-of-range values are ignored.
func (e *Engine) SetPolicy(stage1Bps uint32, disputeWindowSecs int64) {
	if stage1Bps > 0 && stage1Bps <= bpsDenominator {
		e.stage1ReleaseBps = stage1Bps
	}
	if disputeWindowSecs > 0 {
		e.disputeWindowSecs = disputeWindowSecs
	}
}

func (e *Engine) ready() error {
	if e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	if e.gov == nil {
		return errNilGov
	}
	return nil
}

func (e *Engine) now() int64 { return e.nowFn() }

func (e *Engine) guardPaused() error {
	return common.Guard(e.pauses, ModuleName)
}

// TradeMetaHash derives the idempotency hash of a trade definition.
func TradeMetaHash(buyer, seller [20]byte, amount *big.Int, ref []byte) [32]byte {
	payload := make([]byte, 0, 40+len(ref)+32)
	payload = append(payload, buyer[:]...)
	payload = append(payload, seller[:]...)
	if amount != nil {
		payload = append(payload, amount.Bytes()...)
	}
	payload = append(payload, ref...)
	return crypto.Keccak256Hash(payload)
}

// CreateTrade opens a new escrowed trade at StageCreated. Creation is
// idempotent on the definition hash: the same (buyer, seller, amount, ref)
// tuple returns the previously created trade.
func (e *Engine) CreateTrade(buyer, seller [20]byte, amount *big.Int, ref []byte) (*Trade, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.guardPaused(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	var zero [20]byte
	if buyer == zero || seller == zero || buyer == seller {
		return nil, fmt.Errorf("%w: buyer and seller must be distinct non-zero addresses", ErrUnauthorized)
	}
	metaHash := TradeMetaHash(buyer, seller, amount, ref)
	if existingID, ok, err := e.state.TradeIDByMetaHash(metaHash); err != nil {
		return nil, err
	} else if ok {
		existing, found, err := e.state.TradeGet(existingID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, ErrTradeNotFound
		}
		return existing, nil
	}
	id, err := e.state.NextTradeID()
	if err != nil {
		return nil, err
	}
	trade := &Trade{
		ID:        id,
		Buyer:     buyer,
		Seller:    seller,
		Amount:    new(big.Int).Set(amount),
		Released:  big.NewInt(0),
		Refunded:  big.NewInt(0),
		Stage:     StageCreated,
		MetaHash:  metaHash,
		CreatedAt: e.now(),
	}
	if err := e.state.TradePut(trade); err != nil {
		return nil, err
	}
	e.emitter.Emit(newTradeCreatedEvent(trade))
	return trade.Clone(), nil
}

// ReleaseStage1 pays the stage-1 share to the seller. Only the trusted oracle
// may call it; a retry after success fails with ErrInvalidStage and moves no
// funds.
func (e *Engine) ReleaseStage1(caller [20]byte, tradeID uint64) (*Trade, error) {
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
	if caller != e.gov.OracleAddress() {
		return nil, ErrUnauthorized
	}
	if trade.DisputeID != 0 {
		return nil, ErrAlreadyDisputed
	}
	if trade.Stage != StageCreated {
		return nil, ErrInvalidStage
	}
	share := stage1Share(trade.Amount, e.stage1ReleaseBps)
	if share.Sign() > 0 {
		if err := e.ledger.Transfer(e.vault, trade.Seller, share); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	trade.Released = new(big.Int).Add(trade.Released, share)
	trade.Stage = StageStage1Released
	if err := e.state.TradePut(trade); err != nil {
		return nil, err
	}
	e.emitter.Emit(newStage1ReleasedEvent(trade, caller, share))
	return trade.Clone(), nil
}

// ConfirmArrival records the oracle's delivery attestation and opens the
// dispute window. No funds move.
func (e *Engine) ConfirmArrival(caller [20]byte, tradeID uint64) (*Trade, error) {
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
	if caller != e.gov.OracleAddress() {
		return nil, ErrUnauthorized
	}
	if trade.DisputeID != 0 {
		return nil, ErrAlreadyDisputed
	}
	if trade.Stage != StageStage1Released {
		return nil, ErrInvalidStage
	}
	trade.Stage = StageArrivalConfirmed
	trade.DisputeWindowEnd = e.now() + e.disputeWindowSecs
	if err := e.state.TradePut(trade); err != nil {
		return nil, err
	}
	e.emitter.Emit(newArrivalConfirmedEvent(trade, caller))
	return trade.Clone(), nil
}

// FinalizeAfterDisputeWindow releases the remaining balance to the seller
// once the dispute window has elapsed without a dispute. Callable by anyone.
// An active dispute rejects the call regardless of elapsed time.
func (e *Engine) FinalizeAfterDisputeWindow(caller [20]byte, tradeID uint64) (*Trade, error) {
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
	if trade.DisputeID != 0 {
		return nil, ErrAlreadyDisputed
	}
	if trade.Stage != StageArrivalConfirmed {
		return nil, ErrInvalidStage
	}
	if e.now() < trade.DisputeWindowEnd {
		return nil, ErrWindowNotElapsed
	}
	remaining := trade.Remaining()
	if remaining.Sign() > 0 {
		if err := e.ledger.Transfer(e.vault, trade.Seller, remaining); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	trade.Released = new(big.Int).Add(trade.Released, remaining)
	trade.Stage = StageFinalized
	if err := e.state.TradePut(trade); err != nil {
		return nil, err
	}
	e.emitter.Emit(newTradeFinalizedEvent(trade, caller, remaining))
	return trade.Clone(), nil
}

// Trade returns a copy of the stored trade.
func (e *Engine) Trade(tradeID uint64) (*Trade, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.loadTrade(tradeID)
}

func (e *Engine) loadTrade(tradeID uint64) (*Trade, error) {
	trade, ok, err := e.state.TradeGet(tradeID)
	if err != nil {
		return nil, err
	}
	if !ok || trade == nil {
		return nil, ErrTradeNotFound
	}
	return trade.Clone(), nil
}

func stage1Share(amount *big.Int, bps uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	share := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	return share.Quo(share, big.NewInt(bpsDenominator))
}
