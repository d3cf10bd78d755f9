package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

var (
	ErrInvalidAmount       = errors.New("ledger: transfer amount must be positive")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
)

// Adapter moves value between accounts. Implementations must be atomic: the
// full amount moves or no balance changes. The escrow engine treats any error
// as aborting the surrounding operation.
type Adapter interface {
	Transfer(from, to [20]byte, amount *big.Int) error
}

// AccountLedger is an in-process Adapter backed by per-address balances. The
// external funding collaborator credits the escrow vault through Credit; the
// core only ever debits it via Transfer.
type AccountLedger struct {
	mu       sync.Mutex
	balances map[[20]byte]*big.Int
}

func NewAccountLedger() *AccountLedger {
	return &AccountLedger{balances: make(map[[20]byte]*big.Int)}
}

// Credit adds funds to an account. Used at trade funding time and in tests.
func (l *AccountLedger) Credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] = new(big.Int).Add(l.balanceLocked(addr), amount)
	return nil
}

// Balance returns a copy of the current balance for an account.
func (l *AccountLedger) Balance(addr [20]byte) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(addr))
}

// Transfer implements the Adapter interface.
func (l *AccountLedger) Transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fromBal := l.balanceLocked(from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: account %x holds %s, need %s", ErrInsufficientBalance, from, fromBal, amount)
	}
	l.balances[from] = new(big.Int).Sub(fromBal, amount)
	l.balances[to] = new(big.Int).Add(l.balanceLocked(to), amount)
	return nil
}

func (l *AccountLedger) balanceLocked(addr [20]byte) *big.Int {
	if bal, ok := l.balances[addr]; ok && bal != nil {
		return bal
	}
	return big.NewInt(0)
}
