package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"stagepay/gateway/auth"
)

const (
	gatewayAPIKey = "svc-oracle"
	gatewaySecret = "oracle-secret"
	testBuyerAddr = "0xb100000000000000000000000000000000000001"
)

type mockNodeClient struct {
	mu sync.Mutex

	releaseResp  *TradeState
	releaseErr   error
	releaseCalls int

	confirmResp  *TradeState
	confirmErr   error
	confirmCalls int

	finalizeResp  *TradeState
	finalizeErr   error
	finalizeCalls int

	disputeResp  *DisputeState
	disputeErr   error
	disputeCalls int
	lastBuyer    string

	getResp *TradeState
	getErr  error

	events     []NodeEvent
	eventsErr  error
	eventCalls int

	statsResp *NodeStats
	statsErr  error
}

func (m *mockNodeClient) ReleaseStage1(ctx context.Context, tradeID uint64) (*TradeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCalls++
	if m.releaseErr != nil {
		return nil, m.releaseErr
	}
	if m.releaseResp != nil {
		resp := *m.releaseResp
		return &resp, nil
	}
	return &TradeState{ID: tradeID, Stage: "stage1_released"}, nil
}

func (m *mockNodeClient) ConfirmArrival(ctx context.Context, tradeID uint64) (*TradeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmCalls++
	if m.confirmErr != nil {
		return nil, m.confirmErr
	}
	if m.confirmResp != nil {
		resp := *m.confirmResp
		return &resp, nil
	}
	return &TradeState{ID: tradeID, Stage: "arrival_confirmed"}, nil
}

func (m *mockNodeClient) FinalizeTrade(ctx context.Context, tradeID uint64) (*TradeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizeCalls++
	if m.finalizeErr != nil {
		return nil, m.finalizeErr
	}
	if m.finalizeResp != nil {
		resp := *m.finalizeResp
		return &resp, nil
	}
	return &TradeState{ID: tradeID, Stage: "finalized"}, nil
}

func (m *mockNodeClient) OpenDispute(ctx context.Context, buyer string, tradeID uint64) (*DisputeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputeCalls++
	m.lastBuyer = buyer
	if m.disputeErr != nil {
		return nil, m.disputeErr
	}
	if m.disputeResp != nil {
		resp := *m.disputeResp
		return &resp, nil
	}
	return &DisputeState{ID: 1, TradeID: tradeID, Status: "open"}, nil
}

func (m *mockNodeClient) GetTrade(ctx context.Context, tradeID uint64) (*TradeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.getResp != nil {
		resp := *m.getResp
		return &resp, nil
	}
	return &TradeState{ID: tradeID, Stage: "created"}, nil
}

func (m *mockNodeClient) FetchEvents(ctx context.Context, after uint64, limit int) ([]NodeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventCalls++
	if m.eventsErr != nil {
		return nil, m.eventsErr
	}
	var out []NodeEvent
	for _, evt := range m.events {
		if evt.Sequence > after {
			out = append(out, evt)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *mockNodeClient) FetchStats(ctx context.Context) (*NodeStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	if m.statsResp != nil {
		resp := *m.statsResp
		return &resp, nil
	}
	return &NodeStats{StageCounts: map[string]uint64{}}, nil
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestGateway(t *testing.T) (*Server, *mockNodeClient, *SQLiteStore) {
	t.Helper()
	node := &mockNodeClient{}
	store := newTestStore(t)
	authenticator := auth.NewAuthenticator(
		map[string]string{gatewayAPIKey: gatewaySecret},
		time.Minute, 10*time.Minute, 128, nil, nil,
	)
	return NewServer(authenticator, node, store, nil), node, store
}

var nonceCounter int

func signedGatewayRequest(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	nonceCounter++
	nonce := "gw-nonce-" + strconv.Itoa(nonceCounter)
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set(auth.HeaderAPIKey, gatewayAPIKey)
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderNonce, nonce)
	sig := auth.ComputeSignature(gatewaySecret, timestamp, nonce, method, auth.CanonicalRequestPath(req), body)
	req.Header.Set(auth.HeaderSignature, hex.EncodeToString(sig))
	return req
}

func TestServerRejectsUnsignedRequest(t *testing.T) {
	server, node, _ := newTestGateway(t)
	req := httptest.NewRequest(http.MethodPost, "/oracle/trades/1/release", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if node.releaseCalls != 0 {
		t.Fatalf("unauthenticated request reached the node")
	}
}

func TestReleaseForwardedAndCached(t *testing.T) {
	server, node, store := newTestGateway(t)
	body := []byte("{}")

	req := signedGatewayRequest(t, http.MethodPost, "/oracle/trades/7/release", body)
	req.Header.Set(headerIdempotencyKey, "rel-7")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var trade TradeState
	if err := json.Unmarshal(rec.Body.Bytes(), &trade); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if trade.ID != 7 || trade.Stage != "stage1_released" {
		t.Fatalf("unexpected trade response: %+v", trade)
	}
	if node.releaseCalls != 1 {
		t.Fatalf("expected 1 node call, got %d", node.releaseCalls)
	}

	// Replay with a fresh nonce but the same idempotency key serves the
	// cached response without touching the node.
	replay := signedGatewayRequest(t, http.MethodPost, "/oracle/trades/7/release", body)
	replay.Header.Set(headerIdempotencyKey, "rel-7")
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, replay)
	if rec.Code != http.StatusOK {
		t.Fatalf("cached replay: expected 200, got %d", rec.Code)
	}
	if node.releaseCalls != 1 {
		t.Fatalf("cached replay reached the node: %d calls", node.releaseCalls)
	}

	count, err := store.AuditCount(context.Background())
	if err != nil {
		t.Fatalf("audit count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 audit rows, got %d", count)
	}
}

func TestIdempotencyKeyMismatchRejected(t *testing.T) {
	server, _, _ := newTestGateway(t)

	req := signedGatewayRequest(t, http.MethodPost, "/trades/3/disputes", []byte(fmt.Sprintf(`{"buyer":%q}`, testBuyerAddr)))
	req.Header.Set(headerIdempotencyKey, "disp-3")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	altered := signedGatewayRequest(t, http.MethodPost, "/trades/3/disputes", []byte(fmt.Sprintf(`{"buyer":%q} `, testBuyerAddr)))
	altered.Header.Set(headerIdempotencyKey, "disp-3")
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, altered)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on payload mismatch, got %d", rec.Code)
	}
}

func TestNodeErrorStatusPassthrough(t *testing.T) {
	server, node, _ := newTestGateway(t)
	node.releaseErr = &NodeError{Status: http.StatusConflict, Message: "escrow: invalid trade stage"}

	req := signedGatewayRequest(t, http.MethodPost, "/oracle/trades/5/release", []byte("{}"))
	req.Header.Set(headerIdempotencyKey, "rel-5")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var failure struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &failure); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if failure.Error != "escrow: invalid trade stage" {
		t.Fatalf("unexpected error message %q", failure.Error)
	}

	// Failed calls are not cached; a retry reaches the node again.
	node.releaseErr = nil
	retry := signedGatewayRequest(t, http.MethodPost, "/oracle/trades/5/release", []byte("{}"))
	retry.Header.Set(headerIdempotencyKey, "rel-5")
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, retry)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry: expected 200, got %d", rec.Code)
	}
	if node.releaseCalls != 2 {
		t.Fatalf("expected 2 node calls, got %d", node.releaseCalls)
	}
}

func TestOpenDisputeForwardsBuyer(t *testing.T) {
	server, node, _ := newTestGateway(t)

	req := signedGatewayRequest(t, http.MethodPost, "/trades/9/disputes", []byte(fmt.Sprintf(`{"buyer":%q}`, testBuyerAddr)))
	req.Header.Set(headerIdempotencyKey, "disp-9")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if node.lastBuyer != testBuyerAddr {
		t.Fatalf("buyer not forwarded: %q", node.lastBuyer)
	}

	bad := signedGatewayRequest(t, http.MethodPost, "/trades/9/disputes", []byte(`{"buyer":"not-an-address"}`))
	bad.Header.Set(headerIdempotencyKey, "disp-9-bad")
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid buyer, got %d", rec.Code)
	}
}

func TestDriftReportsEndpoint(t *testing.T) {
	server, _, store := newTestGateway(t)
	report := DriftReport{Code: DriftEventGap, Detail: "sequence hole: expected 2, indexed 4", ObservedAt: time.Now().UTC()}
	if err := store.InsertDriftReport(context.Background(), report); err != nil {
		t.Fatalf("insert drift report: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/drift", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Reports []DriftReport `json:"reports"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Reports) != 1 || payload.Reports[0].Code != DriftEventGap {
		t.Fatalf("unexpected reports: %+v", payload.Reports)
	}
}
