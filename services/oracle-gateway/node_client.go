package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"stagepay/config"
	"stagepay/rpc"
)

// NodeClient is the thin REST client the gateway uses against the node.
type NodeClient interface {
	ReleaseStage1(ctx context.Context, tradeID uint64) (*TradeState, error)
	ConfirmArrival(ctx context.Context, tradeID uint64) (*TradeState, error)
	FinalizeTrade(ctx context.Context, tradeID uint64) (*TradeState, error)
	OpenDispute(ctx context.Context, buyer string, tradeID uint64) (*DisputeState, error)
	GetTrade(ctx context.Context, tradeID uint64) (*TradeState, error)
	FetchEvents(ctx context.Context, after uint64, limit int) ([]NodeEvent, error)
	FetchStats(ctx context.Context) (*NodeStats, error)
}

// NodeError carries the status and message returned by the node so handlers
// can pass failures through verbatim.
type NodeError struct {
	Status  int
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node: status=%d %s", e.Status, e.Message)
}

// RESTNodeClient implements NodeClient against the node's /v1 surface. Each
// call mints a short-lived bearer token whose subject is the acting address.
type RESTNodeClient struct {
	baseURL string
	rpcCfg  config.RPCConfig
	oracle  string
	http    *http.Client
}

func NewRESTNodeClient(baseURL, jwtSecret, issuer, audience, oracle string) *RESTNodeClient {
	return &RESTNodeClient{
		baseURL: baseURL,
		rpcCfg: config.RPCConfig{
			JWTSecret: jwtSecret,
			Issuer:    issuer,
			Audience:  audience,
		},
		oracle: oracle,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// TradeState mirrors the trade JSON returned by the node.
type TradeState struct {
	ID               uint64 `json:"id"`
	Buyer            string `json:"buyer"`
	Seller           string `json:"seller"`
	Amount           string `json:"amount"`
	Released         string `json:"released"`
	Stage            string `json:"stage"`
	DisputeWindowEnd int64  `json:"disputeWindowEnd,omitempty"`
	DisputeID        uint64 `json:"disputeId,omitempty"`
	CreatedAt        int64  `json:"createdAt"`
}

// DisputeState mirrors the dispute JSON returned by the node.
type DisputeState struct {
	ID        uint64   `json:"id"`
	TradeID   uint64   `json:"tradeId"`
	Status    string   `json:"status"`
	Solution  string   `json:"solution,omitempty"`
	Approvals []string `json:"approvals"`
	CreatedAt int64    `json:"createdAt"`
}

// NodeEvent represents one journaled state-transition event from the node.
type NodeEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	TxID       string            `json:"txId"`
	Timestamp  int64             `json:"timestamp"`
}

// NodeStats mirrors the node's aggregate view for reconciliation.
type NodeStats struct {
	TradeCount        uint64            `json:"tradeCount"`
	StageCounts       map[string]uint64 `json:"stageCounts"`
	LastEventSequence uint64            `json:"lastEventSequence"`
}

func (c *RESTNodeClient) ReleaseStage1(ctx context.Context, tradeID uint64) (*TradeState, error) {
	var trade TradeState
	path := fmt.Sprintf("/v1/trades/%d/release-stage1", tradeID)
	if err := c.call(ctx, http.MethodPost, path, c.oracle, nil, &trade); err != nil {
		return nil, err
	}
	return &trade, nil
}

func (c *RESTNodeClient) ConfirmArrival(ctx context.Context, tradeID uint64) (*TradeState, error) {
	var trade TradeState
	path := fmt.Sprintf("/v1/trades/%d/confirm-arrival", tradeID)
	if err := c.call(ctx, http.MethodPost, path, c.oracle, nil, &trade); err != nil {
		return nil, err
	}
	return &trade, nil
}

func (c *RESTNodeClient) FinalizeTrade(ctx context.Context, tradeID uint64) (*TradeState, error) {
	var trade TradeState
	path := fmt.Sprintf("/v1/trades/%d/finalize", tradeID)
	if err := c.call(ctx, http.MethodPost, path, c.oracle, nil, &trade); err != nil {
		return nil, err
	}
	return &trade, nil
}

func (c *RESTNodeClient) OpenDispute(ctx context.Context, buyer string, tradeID uint64) (*DisputeState, error) {
	var dispute DisputeState
	path := fmt.Sprintf("/v1/trades/%d/disputes", tradeID)
	if err := c.call(ctx, http.MethodPost, path, buyer, nil, &dispute); err != nil {
		return nil, err
	}
	return &dispute, nil
}

func (c *RESTNodeClient) GetTrade(ctx context.Context, tradeID uint64) (*TradeState, error) {
	var trade TradeState
	path := fmt.Sprintf("/v1/trades/%d", tradeID)
	if err := c.call(ctx, http.MethodGet, path, c.oracle, nil, &trade); err != nil {
		return nil, err
	}
	return &trade, nil
}

func (c *RESTNodeClient) FetchEvents(ctx context.Context, after uint64, limit int) ([]NodeEvent, error) {
	path := "/v1/events?after=" + strconv.FormatUint(after, 10)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	var result struct {
		Events []NodeEvent `json:"events"`
	}
	if err := c.call(ctx, http.MethodGet, path, c.oracle, nil, &result); err != nil {
		return nil, err
	}
	return result.Events, nil
}

func (c *RESTNodeClient) FetchStats(ctx context.Context) (*NodeStats, error) {
	var stats NodeStats
	if err := c.call(ctx, http.MethodGet, "/v1/stats", c.oracle, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *RESTNodeClient) call(ctx context.Context, method, path, subject string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	token, err := rpc.MintToken(c.rpcCfg, subject, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("mint node token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err := json.Unmarshal(raw, &failure); err != nil || failure.Error == "" {
			failure.Error = http.StatusText(resp.StatusCode)
		}
		return &NodeError{Status: resp.StatusCode, Message: failure.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
