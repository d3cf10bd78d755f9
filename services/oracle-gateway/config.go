package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"stagepay/config"
)

// APIKeyConfig describes a single API key + secret pair accepted by the gateway.
type APIKeyConfig struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// Config captures runtime configuration for the oracle gateway service.
type Config struct {
	ListenAddress        string
	MetricsAddress       string
	NodeURL              string
	NodeJWTSecret        string
	NodeIssuer           string
	NodeAudience         string
	OracleAddress        string
	DatabasePath         string
	NonceDBPath          string
	LogFile              string
	Environment          string
	AllowedTimestampSkew time.Duration
	NonceTTL             time.Duration
	NonceCapacity        int
	PollInterval         time.Duration
	ReconInterval        time.Duration
	APIKeys              []APIKeyConfig
}

// LoadConfigFromEnv builds a configuration using environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:        getenvDefault("ORACLE_GATEWAY_LISTEN", ":8660"),
		MetricsAddress:       getenvDefault("ORACLE_GATEWAY_METRICS", ":9660"),
		NodeURL:              os.Getenv("ORACLE_GATEWAY_NODE_URL"),
		NodeJWTSecret:        os.Getenv("ORACLE_GATEWAY_NODE_JWT_SECRET"),
		NodeIssuer:           getenvDefault("ORACLE_GATEWAY_NODE_ISSUER", "stagepay"),
		NodeAudience:         getenvDefault("ORACLE_GATEWAY_NODE_AUDIENCE", "stagepay-rpc"),
		OracleAddress:        os.Getenv("ORACLE_GATEWAY_ORACLE_ADDRESS"),
		DatabasePath:         getenvDefault("ORACLE_GATEWAY_DB_PATH", "oracle-gateway.db"),
		NonceDBPath:          getenvDefault("ORACLE_GATEWAY_NONCE_DB_PATH", "oracle-gateway-nonces"),
		LogFile:              os.Getenv("ORACLE_GATEWAY_LOG_FILE"),
		Environment:          getenvDefault("ORACLE_GATEWAY_ENV", "development"),
		AllowedTimestampSkew: 2 * time.Minute,
		NonceCapacity:        4096,
		PollInterval:         5 * time.Second,
		ReconInterval:        time.Minute,
	}

	if skew := strings.TrimSpace(os.Getenv("ORACLE_GATEWAY_TIMESTAMP_SKEW")); skew != "" {
		dur, err := time.ParseDuration(skew)
		if err != nil {
			return Config{}, fmt.Errorf("parse ORACLE_GATEWAY_TIMESTAMP_SKEW: %w", err)
		}
		cfg.AllowedTimestampSkew = dur
	}

	cfg.NonceTTL = 2 * cfg.AllowedTimestampSkew
	if raw := strings.TrimSpace(os.Getenv("ORACLE_GATEWAY_NONCE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse ORACLE_GATEWAY_NONCE_TTL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("ORACLE_GATEWAY_NONCE_TTL must be positive")
		}
		cfg.NonceTTL = dur
	}
	if cfg.NonceTTL < cfg.AllowedTimestampSkew {
		cfg.NonceTTL = cfg.AllowedTimestampSkew
	}

	if raw := strings.TrimSpace(os.Getenv("ORACLE_GATEWAY_NONCE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse ORACLE_GATEWAY_NONCE_CAP: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("ORACLE_GATEWAY_NONCE_CAP must be positive")
		}
		cfg.NonceCapacity = val
	}

	if raw := strings.TrimSpace(os.Getenv("ORACLE_GATEWAY_POLL_INTERVAL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse ORACLE_GATEWAY_POLL_INTERVAL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("ORACLE_GATEWAY_POLL_INTERVAL must be positive")
		}
		cfg.PollInterval = dur
	}

	if raw := strings.TrimSpace(os.Getenv("ORACLE_GATEWAY_RECON_INTERVAL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse ORACLE_GATEWAY_RECON_INTERVAL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("ORACLE_GATEWAY_RECON_INTERVAL must be positive")
		}
		cfg.ReconInterval = dur
	}

	if cfg.NodeURL == "" {
		return Config{}, errors.New("ORACLE_GATEWAY_NODE_URL is required")
	}
	if strings.TrimSpace(cfg.NodeJWTSecret) == "" {
		return Config{}, errors.New("ORACLE_GATEWAY_NODE_JWT_SECRET is required")
	}
	if _, err := config.ParseAddress(cfg.OracleAddress); err != nil {
		return Config{}, fmt.Errorf("ORACLE_GATEWAY_ORACLE_ADDRESS: %w", err)
	}

	// Parse API keys from JSON array: [{"key":"...","secret":"..."}, ...]
	apiJSON := strings.TrimSpace(os.Getenv("ORACLE_GATEWAY_API_KEYS"))
	if apiJSON == "" {
		return Config{}, errors.New("ORACLE_GATEWAY_API_KEYS is required")
	}
	var entries []APIKeyConfig
	if err := json.Unmarshal([]byte(apiJSON), &entries); err != nil {
		return Config{}, err
	}
	for _, entry := range entries {
		key := strings.TrimSpace(entry.Key)
		secret := strings.TrimSpace(entry.Secret)
		if key == "" || secret == "" {
			return Config{}, errors.New("api key entries must include key and secret")
		}
		cfg.APIKeys = append(cfg.APIKeys, APIKeyConfig{Key: key, Secret: secret})
	}
	if len(cfg.APIKeys) == 0 {
		return Config{}, errors.New("no API keys configured")
	}

	return cfg, nil
}

// SecretMap returns the API key secrets keyed by identifier.
func (c Config) SecretMap() map[string]string {
	secrets := make(map[string]string, len(c.APIKeys))
	for _, entry := range c.APIKeys {
		secrets[entry.Key] = entry.Secret
	}
	return secrets
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
