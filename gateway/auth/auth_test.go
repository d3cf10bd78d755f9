package auth

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

const (
	testAPIKey = "svc-a"
	testSecret = "topsecret"
)

func newTestAuthenticator(now *time.Time, persistence NoncePersistence) *Authenticator {
	return NewAuthenticator(
		map[string]string{testAPIKey: testSecret, "svc-b": "othersecret"},
		time.Minute,
		10*time.Minute,
		16,
		func() time.Time { return *now },
		persistence,
	)
}

func signedRequest(secret, apiKey, nonce string, ts time.Time, body []byte) *http.Request {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/v1/oracle/release?b=2&a=1", bytes.NewReader(body))
	req.Header.Set(HeaderAPIKey, apiKey)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	sig := ComputeSignature(secret, timestamp, nonce, http.MethodPost, CanonicalRequestPath(req), body)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return req
}

func TestAuthenticateAcceptsValidSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := newTestAuthenticator(&now, nil)
	body := []byte(`{"tradeId":1}`)
	principal, err := a.Authenticate(signedRequest(testSecret, testAPIKey, "n1", now, body), body)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.APIKey != testAPIKey {
		t.Fatalf("unexpected principal %q", principal.APIKey)
	}
}

func TestAuthenticateRejectsBadSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := newTestAuthenticator(&now, nil)
	body := []byte(`{"tradeId":1}`)
	req := signedRequest("wrongsecret", testAPIKey, "n1", now, body)
	if _, err := a.Authenticate(req, body); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestAuthenticateRejectsUnknownKeyAndMissingHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := newTestAuthenticator(&now, nil)
	body := []byte(`{}`)
	req := signedRequest("whatever", "svc-unknown", "n1", now, body)
	if _, err := a.Authenticate(req, body); !errors.Is(err, ErrUnknownAPIKey) {
		t.Fatalf("expected ErrUnknownAPIKey, got %v", err)
	}
	bare := httptest.NewRequest(http.MethodPost, "/v1/oracle/release", nil)
	if _, err := a.Authenticate(bare, nil); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestAuthenticateRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := newTestAuthenticator(&now, nil)
	body := []byte(`{}`)
	req := signedRequest(testSecret, testAPIKey, "n1", now.Add(-5*time.Minute), body)
	if _, err := a.Authenticate(req, body); !errors.Is(err, ErrTimestampSkew) {
		t.Fatalf("expected ErrTimestampSkew, got %v", err)
	}
}

// First use wins within the TTL; after expiry the same nonce is accepted
// again; distinct API keys have isolated namespaces.
func TestNonceFirstUseWinsWithinTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := newTestAuthenticator(&now, nil)
	ctx := context.Background()

	duplicate, err := a.Consume(ctx, "svc-a", "n1")
	if err != nil || duplicate {
		t.Fatalf("first use: duplicate=%v err=%v", duplicate, err)
	}
	duplicate, err = a.Consume(ctx, "svc-a", "n1")
	if err != nil || !duplicate {
		t.Fatalf("immediate replay should be rejected: duplicate=%v err=%v", duplicate, err)
	}

	// A different key namespace accepts the same nonce independently.
	duplicate, err = a.Consume(ctx, "svc-b", "n1")
	if err != nil || duplicate {
		t.Fatalf("isolated namespace rejected nonce: duplicate=%v err=%v", duplicate, err)
	}

	// After the TTL window the nonce is accepted again.
	now = now.Add(11 * time.Minute)
	duplicate, err = a.Consume(ctx, "svc-a", "n1")
	if err != nil || duplicate {
		t.Fatalf("post-TTL reuse should be accepted: duplicate=%v err=%v", duplicate, err)
	}
}

func TestNonceReplayOverHTTP(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := newTestAuthenticator(&now, nil)
	body := []byte(`{"tradeId":7}`)
	req := signedRequest(testSecret, testAPIKey, "n1", now, body)
	if _, err := a.Authenticate(req, body); err != nil {
		t.Fatalf("first request: %v", err)
	}
	replay := signedRequest(testSecret, testAPIKey, "n1", now, body)
	if _, err := a.Authenticate(replay, body); !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("expected ErrNonceReplayed, got %v", err)
	}
}

func TestNonceCacheCapacityEvictsOldest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	cache := newNonceCache(10*time.Minute, 2)
	cache.Add("n1", now)
	cache.Add("n2", now.Add(time.Second))
	cache.Add("n3", now.Add(2*time.Second))
	if cache.Contains("n1", now.Add(3*time.Second)) {
		t.Fatalf("capacity eviction kept oldest entry")
	}
	if !cache.Contains("n2", now.Add(3*time.Second)) || !cache.Contains("n3", now.Add(3*time.Second)) {
		t.Fatalf("capacity eviction dropped a recent entry")
	}
}

func TestLevelDBPersistenceSurvivesRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nonces")
	persistence, err := NewLevelDBNoncePersistence(dir)
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	ctx := context.Background()

	a := newTestAuthenticator(&now, persistence)
	if duplicate, err := a.Consume(ctx, "svc-a", "n1"); err != nil || duplicate {
		t.Fatalf("first use: duplicate=%v err=%v", duplicate, err)
	}
	if err := persistence.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewLevelDBNoncePersistence(dir)
	if err != nil {
		t.Fatalf("reopen persistence: %v", err)
	}
	defer reopened.Close()
	fresh := newTestAuthenticator(&now, reopened)
	if err := fresh.HydrateNonces(ctx, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if duplicate, err := fresh.Consume(ctx, "svc-a", "n1"); err != nil || !duplicate {
		t.Fatalf("replay after restart should be rejected: duplicate=%v err=%v", duplicate, err)
	}
	if duplicate, err := fresh.Consume(ctx, "svc-a", "n2"); err != nil || duplicate {
		t.Fatalf("new nonce after restart: duplicate=%v err=%v", duplicate, err)
	}
}

func TestPruneNoncesDropsExpired(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nonces")
	persistence, err := NewLevelDBNoncePersistence(dir)
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	defer persistence.Close()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()

	if _, err := persistence.EnsureNonce(ctx, NonceRecord{APIKey: "svc-a", Nonce: "old", ObservedAt: base}, base.Add(-time.Hour)); err != nil {
		t.Fatalf("ensure old: %v", err)
	}
	if _, err := persistence.EnsureNonce(ctx, NonceRecord{APIKey: "svc-a", Nonce: "new", ObservedAt: base.Add(time.Hour)}, base.Add(-time.Hour)); err != nil {
		t.Fatalf("ensure new: %v", err)
	}
	if err := persistence.PruneNonces(ctx, base.Add(30*time.Minute)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	records, err := persistence.RecentNonces(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 || records[0].Nonce != "new" {
		t.Fatalf("unexpected records after prune: %+v", records)
	}
	// The pruned nonce can be used again.
	if existed, err := persistence.EnsureNonce(ctx, NonceRecord{APIKey: "svc-a", Nonce: "old", ObservedAt: base.Add(2 * time.Hour)}, base.Add(time.Hour)); err != nil || existed {
		t.Fatalf("pruned nonce should be fresh: existed=%v err=%v", existed, err)
	}
}

// An expired persisted nonce must be accepted again even while the periodic
// prune is still gated, and the refreshed observation re-arms replay
// protection.
func TestPersistentNonceReusableAfterTTLBeforePrune(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nonces")
	persistence, err := NewLevelDBNoncePersistence(dir)
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	defer persistence.Close()
	base := time.Unix(1_700_000_000, 0).UTC()
	now := base
	a := NewAuthenticator(
		map[string]string{testAPIKey: testSecret},
		time.Minute,
		90*time.Second,
		16,
		func() time.Time { return now },
		persistence,
	)
	ctx := context.Background()

	if duplicate, err := a.Consume(ctx, testAPIKey, "n1"); err != nil || duplicate {
		t.Fatalf("first use: duplicate=%v err=%v", duplicate, err)
	}
	// A later request refreshes the prune clock while n1 is still live.
	now = base.Add(61 * time.Second)
	if duplicate, err := a.Consume(ctx, testAPIKey, "n2"); err != nil || duplicate {
		t.Fatalf("second nonce: duplicate=%v err=%v", duplicate, err)
	}

	// n1's TTL has elapsed but the next prune is not due yet; the nonce must
	// be accepted anyway.
	now = base.Add(95 * time.Second)
	if duplicate, err := a.Consume(ctx, testAPIKey, "n1"); err != nil || duplicate {
		t.Fatalf("post-TTL reuse should be accepted before the prune runs: duplicate=%v err=%v", duplicate, err)
	}
	// The refreshed observation is replay-protected again.
	if duplicate, err := a.Consume(ctx, testAPIKey, "n1"); err != nil || !duplicate {
		t.Fatalf("replay of refreshed nonce should be rejected: duplicate=%v err=%v", duplicate, err)
	}
}
