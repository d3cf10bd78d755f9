package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stagepay/config"
	"stagepay/gateway/auth"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
)

// Server is the HTTP front-end through which the oracle operator and the
// buyer-facing application drive trade transitions.
type Server struct {
	authenticator *auth.Authenticator
	node          NodeClient
	store         *SQLiteStore
	logger        *slog.Logger
	nowFn         func() time.Time
}

func NewServer(authenticator *auth.Authenticator, node NodeClient, store *SQLiteStore, logger *slog.Logger) *Server {
	if authenticator == nil {
		panic("authenticator required")
	}
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		authenticator: authenticator,
		node:          node,
		store:         store,
		logger:        logger,
		nowFn:         time.Now,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(r.URL.Path)
	switch {
	case r.Method == http.MethodPost && len(segments) == 4 && segments[0] == "oracle" && segments[1] == "trades" && segments[3] == "release":
		s.handleTradeMutation(w, r, segments[2], func(ctx context.Context, id uint64, _ []byte) (interface{}, error) {
			return s.node.ReleaseStage1(ctx, id)
		})
	case r.Method == http.MethodPost && len(segments) == 4 && segments[0] == "oracle" && segments[1] == "trades" && segments[3] == "confirm-arrival":
		s.handleTradeMutation(w, r, segments[2], func(ctx context.Context, id uint64, _ []byte) (interface{}, error) {
			return s.node.ConfirmArrival(ctx, id)
		})
	case r.Method == http.MethodPost && len(segments) == 3 && segments[0] == "trades" && segments[2] == "finalize":
		s.handleTradeMutation(w, r, segments[1], func(ctx context.Context, id uint64, _ []byte) (interface{}, error) {
			return s.node.FinalizeTrade(ctx, id)
		})
	case r.Method == http.MethodPost && len(segments) == 3 && segments[0] == "trades" && segments[2] == "disputes":
		s.handleTradeMutation(w, r, segments[1], func(ctx context.Context, id uint64, body []byte) (interface{}, error) {
			var req openDisputeRequest
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, errInvalidPayload
			}
			if _, err := config.ParseAddress(req.Buyer); err != nil {
				return nil, errInvalidPayload
			}
			return s.node.OpenDispute(ctx, req.Buyer, id)
		})
	case r.Method == http.MethodGet && len(segments) == 2 && segments[0] == "trades":
		s.handleTradeGet(w, r, segments[1])
	case r.Method == http.MethodGet && len(segments) == 1 && segments[0] == "drift":
		s.handleDriftReports(w, r)
	default:
		http.NotFound(w, r)
	}
}

type openDisputeRequest struct {
	Buyer string `json:"buyer"`
}

var errInvalidPayload = errors.New("invalid JSON payload")

func (s *Server) handleTradeMutation(w http.ResponseWriter, r *http.Request, rawID string, invoke func(ctx context.Context, id uint64, body []byte) (interface{}, error)) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		s.writeAuthError(w, err)
		s.audit(r.Context(), principal, r, body, http.StatusUnauthorized, errorBody(err))
		return
	}
	tradeID, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil || tradeID == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("trade id must be a positive integer"))
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, []byte(`{"error":"invalid trade id"}`))
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing Idempotency-Key header"))
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, []byte(`{"error":"missing idempotency key"}`))
		return
	}
	requestHash := hashRequest(r.Method, auth.CanonicalRequestPath(r), body)
	if cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash); cacheErr == nil && cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		s.audit(r.Context(), principal, r, body, cached.Status, cached.Body)
		return
	} else if cacheErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		s.writeError(w, status, cacheErr)
		s.audit(r.Context(), principal, r, body, status, errorBody(cacheErr))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	result, err := invoke(ctx, tradeID, body)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, errInvalidPayload) {
			status = http.StatusBadRequest
		}
		var nodeErr *NodeError
		if errors.As(err, &nodeErr) {
			status = nodeErr.Status
			err = errors.New(nodeErr.Message)
		}
		s.writeError(w, status, err)
		s.audit(r.Context(), principal, r, body, status, errorBody(err))
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errorBody(err))
		return
	}
	if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, http.StatusOK, payload); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errorBody(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
	s.audit(r.Context(), principal, r, body, http.StatusOK, payload)
}

func (s *Server) handleTradeGet(w http.ResponseWriter, r *http.Request, rawID string) {
	tradeID, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil || tradeID == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("trade id must be a positive integer"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	trade, err := s.node.GetTrade(ctx, tradeID)
	if err != nil {
		status := http.StatusBadGateway
		var nodeErr *NodeError
		if errors.As(err, &nodeErr) {
			status = nodeErr.Status
			err = errors.New(nodeErr.Message)
		}
		s.writeError(w, status, err)
		return
	}
	payload, err := json.Marshal(trade)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (s *Server) handleDriftReports(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	reports, err := s.store.DriftReports(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if reports == nil {
		reports = []DriftReport{}
	}
	payload, err := json.Marshal(map[string]interface{}{"reports": reports})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorBody(err))
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write(errorBody(err))
}

func (s *Server) audit(ctx context.Context, principal *auth.Principal, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	entry := AuditEntry{
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           auth.CanonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAuditLog(ctx, entry); err != nil {
		s.logger.Error("audit log insert failed", "error", err)
	}
}

func errorBody(err error) []byte {
	msg := strings.ReplaceAll(err.Error(), "\"", "'")
	return []byte(fmt.Sprintf(`{"error":"%s"}`, msg))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
