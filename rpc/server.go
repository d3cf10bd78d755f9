package rpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"stagepay/config"
	"stagepay/core"
	"stagepay/native/escrow"
	"stagepay/observability"
)

var errBadRequest = errors.New("rpc: malformed request")

// Server exposes the node operation set as authenticated JSON endpoints.
type Server struct {
	node   *core.Node
	auth   *authenticator
	logger *slog.Logger
	router chi.Router
}

// NewServer builds the HTTP surface for a node.
func NewServer(node *core.Node, cfg config.RPCConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		node:   node,
		auth:   newAuthenticator(cfg),
		logger: logger,
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(transactionID)
	r.Use(s.instrument)
	r.Use(s.auth.middleware)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/trades", s.handleCreateTrade)
		r.Get("/trades/{id}", s.handleGetTrade)
		r.Post("/trades/{id}/release-stage1", s.handleReleaseStage1)
		r.Post("/trades/{id}/confirm-arrival", s.handleConfirmArrival)
		r.Post("/trades/{id}/finalize", s.handleFinalize)

		r.Post("/trades/{id}/disputes", s.handleOpenDispute)
		r.Get("/disputes/{id}", s.handleGetDispute)
		r.Post("/disputes/{id}/solution", s.handleProposeSolution)
		r.Post("/disputes/{id}/approve", s.handleApproveSolution)

		r.Post("/governance/add-admin", s.handleProposeAddAdmin)
		r.Post("/governance/oracle-update", s.handleProposeOracleUpdate)
		r.Post("/governance/unpause", s.handleProposeUnpause)
		r.Post("/governance/proposals/{id}/approve", s.handleApproveProposal)
		r.Post("/governance/proposals/{id}/execute", s.handleExecuteProposal)
		r.Post("/governance/proposals/{id}/cancel", s.handleCancelUnpause)
		r.Get("/governance/proposals/{id}", s.handleGetProposal)
		r.Post("/governance/pause", s.handlePause)
		r.Get("/governance", s.handleGovernanceSnapshot)

		r.Get("/events", s.handleEvents)
		r.Get("/stats", s.handleStats)
	})
	return r
}

// transactionID assigns each request a transaction identifier, threads it
// through the context into the event journal, and echoes it back to the
// caller.
func transactionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		txID := uuid.NewString()
		w.Header().Set("X-Transaction-Id", txID)
		next.ServeHTTP(w, r.WithContext(core.WithTxID(r.Context(), txID)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	requests, latency := observability.RPCMetrics()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		if rec.status >= http.StatusInternalServerError {
			s.logger.Error("rpc request failed", "route", route, "status", rec.status, "method", r.Method)
		}
	})
}

func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errBadRequest
	}
	return nil
}

func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errBadRequest
	}
	return id, nil
}

func caller(r *http.Request) ([20]byte, error) {
	addr, ok := CallerFromContext(r.Context())
	if !ok {
		return [20]byte{}, errInvalidToken
	}
	return addr, nil
}

type createTradeRequest struct {
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

func (s *Server) handleCreateTrade(w http.ResponseWriter, r *http.Request) {
	var req createTradeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	buyer, err := config.ParseAddress(req.Buyer)
	if err != nil {
		writeError(w, errBadRequest)
		return
	}
	seller, err := config.ParseAddress(req.Seller)
	if err != nil {
		writeError(w, errBadRequest)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, escrow.ErrInvalidAmount)
		return
	}
	trade, err := s.node.CreateTrade(r.Context(), buyer, seller, amount, []byte(req.Reference))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tradeResponse(trade))
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	trade, err := s.node.Trade(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse(trade))
}

func (s *Server) tradeAction(w http.ResponseWriter, r *http.Request, fn func(addr [20]byte, id uint64) (*escrow.Trade, error)) {
	addr, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	trade, err := fn(addr, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse(trade))
}

func (s *Server) handleReleaseStage1(w http.ResponseWriter, r *http.Request) {
	s.tradeAction(w, r, func(addr [20]byte, id uint64) (*escrow.Trade, error) {
		return s.node.ReleaseStage1(r.Context(), addr, id)
	})
}

func (s *Server) handleConfirmArrival(w http.ResponseWriter, r *http.Request) {
	s.tradeAction(w, r, func(addr [20]byte, id uint64) (*escrow.Trade, error) {
		return s.node.ConfirmArrival(r.Context(), addr, id)
	})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	s.tradeAction(w, r, func(addr [20]byte, id uint64) (*escrow.Trade, error) {
		return s.node.FinalizeAfterDisputeWindow(r.Context(), addr, id)
	})
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	addr, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	dispute, err := s.node.OpenDispute(r.Context(), addr, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, disputeResponse(dispute))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	dispute, err := s.node.Dispute(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disputeResponse(dispute))
}

type proposeSolutionRequest struct {
	Solution string `json:"solution"`
}

func (s *Server) handleProposeSolution(w http.ResponseWriter, r *http.Request) {
	addr, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req proposeSolutionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	dispute, err := s.node.ProposeDisputeSolution(r.Context(), addr, id, escrow.DisputeSolution(req.Solution))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disputeResponse(dispute))
}

func (s *Server) handleApproveSolution(w http.ResponseWriter, r *http.Request) {
	addr, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	dispute, err := s.node.ApproveDisputeSolution(r.Context(), addr, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disputeResponse(dispute))
}

type addAdminRequest struct {
	NewAdmin string `json:"newAdmin"`
}

func (s *Server) handleProposeAddAdmin(w http.ResponseWriter, r *http.Request) {
	addr, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req addAdminRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	newAdmin, err := config.ParseAddress(req.NewAdmin)
	if err != nil {
		writeError(w, errBadRequest)
		return
	}
	proposal, err := s.node.ProposeAddAdmin(r.Context(), addr, newAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposalResponse(proposal))
}

type oracleUpdateRequest struct {
	NewOracle string `json:"newOracle"`
	FastTrack bool   `json:"fastTrack"`
}

func (s *Server) handleProposeOracleUpdate(w http.ResponseWriter, r *http.Request) {
	addr, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req oracleUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	newOracle, err := config.ParseAddress(req.NewOracle)
	if err != nil {
		writeError(w, errBadRequest)
		return
	}
	proposal, err := s.node.ProposeOracleUpdate(r.Context(), addr, newOracle, req.FastTrack)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposalResponse(proposal))
}

func (s *Server) handleProposeUnpause(w http.ResponseWriter, r *http.Request) {
	addr, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	proposal, err := s.node.ProposeUnpause(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposalResponse(proposal))
}

func (s *Server) proposalAction(w http.ResponseWriter, r *http.Request, fn func(addr [20]byte, id uint64) (interface{}, error)) {
	addr, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := fn(addr, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleApproveProposal(w http.ResponseWriter, r *http.Request) {
	s.proposalAction(w, r, func(addr [20]byte, id uint64) (interface{}, error) {
		proposal, err := s.node.ApproveProposal(r.Context(), addr, id)
		if err != nil {
			return nil, err
		}
		return proposalResponse(proposal), nil
	})
}

func (s *Server) handleExecuteProposal(w http.ResponseWriter, r *http.Request) {
	s.proposalAction(w, r, func(addr [20]byte, id uint64) (interface{}, error) {
		proposal, err := s.node.ExecuteProposal(r.Context(), addr, id)
		if err != nil {
			return nil, err
		}
		return proposalResponse(proposal), nil
	})
}

func (s *Server) handleCancelUnpause(w http.ResponseWriter, r *http.Request) {
	s.proposalAction(w, r, func(addr [20]byte, id uint64) (interface{}, error) {
		proposal, err := s.node.CancelUnpause(r.Context(), addr, id)
		if err != nil {
			return nil, err
		}
		return proposalResponse(proposal), nil
	})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	proposal, err := s.node.Proposal(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalResponse(proposal))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	addr, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.node.Pause(r.Context(), addr); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleGovernanceSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.node.GovernanceSnapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse(snapshot))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	entries, err := s.node.Events(after, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []core.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": entries})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.node.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
