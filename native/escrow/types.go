package escrow

import (
	"fmt"
	"math/big"
)

// TradeStage enumerates the lifecycle states of a staged-release trade.
type TradeStage uint8

const (
	StageCreated TradeStage = iota
	StageStage1Released
	StageArrivalConfirmed
	StageFinalized
	StageRefunded
	StageDisputed
)

// Valid reports whether the stage value is within the supported range.
func (s TradeStage) Valid() bool {
	switch s {
	case StageCreated, StageStage1Released, StageArrivalConfirmed, StageFinalized, StageRefunded, StageDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the stage accepts no further operations.
func (s TradeStage) Terminal() bool {
	return s == StageFinalized || s == StageRefunded
}

// String provides a stable textual representation for logs and events.
func (s TradeStage) String() string {
	switch s {
	case StageCreated:
		return "created"
	case StageStage1Released:
		return "stage1_released"
	case StageArrivalConfirmed:
		return "arrival_confirmed"
	case StageFinalized:
		return "finalized"
	case StageRefunded:
		return "refunded"
	case StageDisputed:
		return "disputed"
	default:
		return "unspecified"
	}
}

// Trade captures the escrowed agreement between a buyer and seller together
// with its staged-release bookkeeping. Released tracks the total paid to the
// seller across all stages; Refunded tracks what went back to the buyer when
// a dispute resolved in their favour. Their sum never exceeds Amount, and
// Remaining reconciles against the vault balance. DisputeID is zero unless a
// dispute is currently open against the trade.
type Trade struct {
	ID               uint64
	Buyer            [20]byte
	Seller           [20]byte
	Amount           *big.Int
	Released         *big.Int
	Refunded         *big.Int
	Stage            TradeStage
	DisputeWindowEnd int64
	DisputeID        uint64
	MetaHash         [32]byte
	CreatedAt        int64
}

// Clone returns a deep copy so callers can mutate the copy without affecting
// the stored instance.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Amount != nil {
		clone.Amount = new(big.Int).Set(t.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if t.Released != nil {
		clone.Released = new(big.Int).Set(t.Released)
	} else {
		clone.Released = big.NewInt(0)
	}
	if t.Refunded != nil {
		clone.Refunded = new(big.Int).Set(t.Refunded)
	} else {
		clone.Refunded = big.NewInt(0)
	}
	return &clone
}

// Remaining returns the escrowed balance not yet paid out in either
// direction.
func (t *Trade) Remaining() *big.Int {
	if t == nil || t.Amount == nil {
		return big.NewInt(0)
	}
	remaining := new(big.Int).Set(t.Amount)
	if t.Released != nil {
		remaining.Sub(remaining, t.Released)
	}
	if t.Refunded != nil {
		remaining.Sub(remaining, t.Refunded)
	}
	if remaining.Sign() < 0 {
		return big.NewInt(0)
	}
	return remaining
}

// SanitizeTrade validates and normalises the supplied trade, returning a
// cloned instance with non-nil amount fields. The original is not mutated.
func SanitizeTrade(t *Trade) (*Trade, error) {
	if t == nil {
		return nil, fmt.Errorf("nil trade")
	}
	clone := t.Clone()
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("trade amount must be positive")
	}
	if clone.Released.Sign() < 0 {
		return nil, fmt.Errorf("trade released amount must be non-negative")
	}
	if clone.Refunded.Sign() < 0 {
		return nil, fmt.Errorf("trade refunded amount must be non-negative")
	}
	if new(big.Int).Add(clone.Released, clone.Refunded).Cmp(clone.Amount) > 0 {
		return nil, fmt.Errorf("trade payout accounting exceeds escrowed amount")
	}
	if !clone.Stage.Valid() {
		return nil, fmt.Errorf("invalid trade stage: %d", clone.Stage)
	}
	return clone, nil
}

// DisputeStatus enumerates the lifecycle states of a dispute.
type DisputeStatus uint8

const (
	DisputeOpen DisputeStatus = iota
	DisputeSolutionProposed
	DisputeResolved
)

// Valid reports whether the status value is within the supported range.
func (s DisputeStatus) Valid() bool {
	switch s {
	case DisputeOpen, DisputeSolutionProposed, DisputeResolved:
		return true
	default:
		return false
	}
}

func (s DisputeStatus) String() string {
	switch s {
	case DisputeOpen:
		return "open"
	case DisputeSolutionProposed:
		return "solution_proposed"
	case DisputeResolved:
		return "resolved"
	default:
		return "unspecified"
	}
}

// DisputeSolution identifies the outcome an admin proposes for a dispute.
type DisputeSolution string

const (
	// SolutionRefund returns the remaining escrow balance to the buyer.
	SolutionRefund DisputeSolution = "refund"
	// SolutionResolve releases the remaining escrow balance to the seller.
	SolutionResolve DisputeSolution = "resolve"
)

// Valid reports whether the solution is a supported outcome.
func (s DisputeSolution) Valid() bool {
	return s == SolutionRefund || s == SolutionResolve
}

// Dispute arbitrates a single trade's stage. Approvals holds the admins that
// endorsed the currently proposed solution; a new proposal resets it.
type Dispute struct {
	ID        uint64
	TradeID   uint64
	Status    DisputeStatus
	Solution  DisputeSolution
	Approvals [][20]byte
	CreatedAt int64
}

// Clone returns a deep copy of the dispute.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Approvals = make([][20]byte, len(d.Approvals))
	copy(clone.Approvals, d.Approvals)
	return &clone
}

// Approved reports whether the supplied admin already endorsed the pending
// solution.
func (d *Dispute) Approved(addr [20]byte) bool {
	if d == nil {
		return false
	}
	for _, existing := range d.Approvals {
		if existing == addr {
			return true
		}
	}
	return false
}
