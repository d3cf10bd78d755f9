package ledger

import (
	"errors"
	"math/big"
	"testing"
)

func addr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

func TestCreditAndBalance(t *testing.T) {
	l := NewAccountLedger()
	vault := addr(0x01)

	if err := l.Credit(vault, big.NewInt(1000)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.Credit(vault, big.NewInt(500)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if got := l.Balance(vault); got.Cmp(big.NewInt(1500)) != 0 {
		t.Fatalf("balance = %s, want 1500", got)
	}
	if err := l.Credit(vault, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero credit, got %v", err)
	}
	if err := l.Credit(vault, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for nil credit, got %v", err)
	}
}

func TestTransferMovesFullAmount(t *testing.T) {
	l := NewAccountLedger()
	vault, seller := addr(0x01), addr(0x02)
	if err := l.Credit(vault, big.NewInt(1000)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	if err := l.Transfer(vault, seller, big.NewInt(400)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := l.Balance(vault); got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("vault balance = %s, want 600", got)
	}
	if got := l.Balance(seller); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("seller balance = %s, want 400", got)
	}
}

func TestTransferInsufficientLeavesBalancesUntouched(t *testing.T) {
	l := NewAccountLedger()
	vault, seller := addr(0x01), addr(0x02)
	if err := l.Credit(vault, big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	if err := l.Transfer(vault, seller, big.NewInt(101)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := l.Balance(vault); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("vault balance changed on failed transfer: %s", got)
	}
	if got := l.Balance(seller); got.Sign() != 0 {
		t.Fatalf("seller credited on failed transfer: %s", got)
	}
}

func TestTransferRejectsNonPositiveAmounts(t *testing.T) {
	l := NewAccountLedger()
	vault, seller := addr(0x01), addr(0x02)
	if err := l.Transfer(vault, seller, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if err := l.Transfer(vault, seller, big.NewInt(-5)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
}

func TestBalanceReturnsCopy(t *testing.T) {
	l := NewAccountLedger()
	vault := addr(0x01)
	if err := l.Credit(vault, big.NewInt(50)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	bal := l.Balance(vault)
	bal.SetInt64(999)
	if got := l.Balance(vault); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("internal balance mutated through returned value: %s", got)
	}
}
