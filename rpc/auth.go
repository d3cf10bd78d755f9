package rpc

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"stagepay/config"
)

var (
	errMissingBearer = errors.New("rpc: missing bearer token")
	errInvalidToken  = errors.New("rpc: invalid bearer token")
)

type callerKey struct{}

// CallerFromContext returns the authenticated caller address.
func CallerFromContext(ctx context.Context) ([20]byte, bool) {
	addr, ok := ctx.Value(callerKey{}).([20]byte)
	return addr, ok
}

type authenticator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

func newAuthenticator(cfg config.RPCConfig) *authenticator {
	return &authenticator{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		leeway:   30 * time.Second,
	}
}

// callerAddress validates the bearer token and extracts the caller address
// from the subject claim.
func (a *authenticator) callerAddress(r *http.Request) ([20]byte, error) {
	var zero [20]byte
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return zero, errMissingBearer
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return zero, errMissingBearer
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(parts[1]), claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return zero, errInvalidToken
	}
	addr, err := config.ParseAddress(claims.Subject)
	if err != nil {
		return zero, errInvalidToken
	}
	return addr, nil
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.callerAddress(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

// MintToken issues a short-lived HS256 bearer token for the given caller
// address. Used by service clients and tests.
func MintToken(cfg config.RPCConfig, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    cfg.Issuer,
		Audience:  jwt.ClaimStrings{cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
}
