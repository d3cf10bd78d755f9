package escrow

import "errors"

var (
	ErrInvalidAmount        = errors.New("escrow: amount must be positive")
	ErrUnauthorized         = errors.New("escrow: caller not authorized")
	ErrInvalidStage         = errors.New("escrow: operation not valid in current stage")
	ErrWindowNotElapsed     = errors.New("escrow: dispute window has not elapsed")
	ErrAlreadyDisputed      = errors.New("escrow: trade has an active dispute")
	ErrTradeNotFound        = errors.New("escrow: trade not found")
	ErrDisputeNotFound      = errors.New("escrow: dispute not found")
	ErrTransferFailed       = errors.New("escrow: ledger transfer failed")
	ErrAlreadyApproved      = errors.New("escrow: admin already approved this solution")
	ErrNoSolutionProposed   = errors.New("escrow: no solution proposed for dispute")
	ErrDisputeAlreadyClosed = errors.New("escrow: dispute already resolved")
	ErrInvalidSolution      = errors.New("escrow: unsupported dispute solution")

	errNilState  = errors.New("escrow engine: state not configured")
	errNilLedger = errors.New("escrow engine: ledger not configured")
	errNilGov    = errors.New("escrow engine: governance view not configured")
)
