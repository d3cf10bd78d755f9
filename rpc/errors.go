package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"stagepay/native/common"
	"stagepay/native/escrow"
	"stagepay/native/governance"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps the engine error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errMissingBearer), errors.Is(err, errInvalidToken),
		errors.Is(err, escrow.ErrUnauthorized), errors.Is(err, governance.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, escrow.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrTradeNotFound), errors.Is(err, escrow.ErrDisputeNotFound),
		errors.Is(err, governance.ErrProposalNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrInvalidStage), errors.Is(err, escrow.ErrWindowNotElapsed),
		errors.Is(err, escrow.ErrAlreadyDisputed), errors.Is(err, escrow.ErrAlreadyApproved),
		errors.Is(err, escrow.ErrNoSolutionProposed), errors.Is(err, escrow.ErrDisputeAlreadyClosed),
		errors.Is(err, governance.ErrAlreadyApproved), errors.Is(err, governance.ErrAlreadyExecuted),
		errors.Is(err, governance.ErrInvalidProposal):
		return http.StatusConflict
	case errors.Is(err, governance.ErrInsufficientApprovals):
		return http.StatusPreconditionFailed
	case errors.Is(err, escrow.ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, common.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, escrow.ErrInvalidSolution), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
