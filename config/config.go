package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the daemon's TOML-backed configuration.
type Config struct {
	ListenAddress  string `toml:"ListenAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	LogFile        string `toml:"LogFile"`
	Environment    string `toml:"Environment"`

	Escrow     EscrowConfig     `toml:"Escrow"`
	Governance GovernanceConfig `toml:"Governance"`
	RPC        RPCConfig        `toml:"RPC"`
}

// EscrowConfig holds the trade-release policy.
type EscrowConfig struct {
	Stage1ReleaseBps     uint32 `toml:"Stage1ReleaseBps"`
	DisputeWindowSeconds int64  `toml:"DisputeWindowSeconds"`
	VaultAddress         string `toml:"VaultAddress"`
}

// GovernanceConfig seeds the governance ledger on first start. Later changes
// go through the proposal flow, not this file.
type GovernanceConfig struct {
	Admins             []string `toml:"Admins"`
	RequiredApprovals  uint32   `toml:"RequiredApprovals"`
	OracleAddress      string   `toml:"OracleAddress"`
	FastTrackApprovals uint32   `toml:"FastTrackApprovals"`
}

// RPCConfig configures the bearer-token auth on the node's HTTP surface.
type RPCConfig struct {
	JWTSecret string `toml:"JWTSecret"`
	Issuer    string `toml:"Issuer"`
	Audience  string `toml:"Audience"`
}

func defaultConfig() Config {
	return Config{
		ListenAddress:  ":8645",
		MetricsAddress: ":9090",
		DataDir:        "./data",
		Environment:    "dev",
		Escrow: EscrowConfig{
			Stage1ReleaseBps:     5000,
			DisputeWindowSeconds: 72 * 3600,
		},
		Governance: GovernanceConfig{
			RequiredApprovals: 2,
		},
		RPC: RPCConfig{
			Issuer:   "stagepay",
			Audience: "stagepay-rpc",
		},
	}
}

// Load reads the configuration at path, creating a default file first when
// none exists.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := writeDefault(path, cfg); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

func writeDefault(path string, cfg Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode defaults: %w", err)
	}
	return nil
}

// Validate rejects configurations that would let the engines start with
// broken invariants.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("%w: ListenAddress must be set", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("%w: DataDir must be set", ErrInvalidConfig)
	}
	if c.Escrow.Stage1ReleaseBps == 0 || c.Escrow.Stage1ReleaseBps > 10_000 {
		return fmt.Errorf("%w: Stage1ReleaseBps must be in (0, 10000]", ErrInvalidConfig)
	}
	if c.Escrow.DisputeWindowSeconds <= 0 {
		return fmt.Errorf("%w: DisputeWindowSeconds must be positive", ErrInvalidConfig)
	}
	if _, err := ParseAddress(c.Escrow.VaultAddress); err != nil {
		return fmt.Errorf("%w: VaultAddress: %v", ErrInvalidConfig, err)
	}
	if len(c.Governance.Admins) == 0 {
		return fmt.Errorf("%w: at least one governance admin required", ErrInvalidConfig)
	}
	if c.Governance.RequiredApprovals == 0 || c.Governance.RequiredApprovals > uint32(len(c.Governance.Admins)) {
		return fmt.Errorf("%w: RequiredApprovals must be in [1, len(Admins)]", ErrInvalidConfig)
	}
	if c.Governance.FastTrackApprovals > c.Governance.RequiredApprovals {
		return fmt.Errorf("%w: FastTrackApprovals must not exceed RequiredApprovals", ErrInvalidConfig)
	}
	if _, err := ParseAddress(c.Governance.OracleAddress); err != nil {
		return fmt.Errorf("%w: OracleAddress: %v", ErrInvalidConfig, err)
	}
	for _, admin := range c.Governance.Admins {
		if _, err := ParseAddress(admin); err != nil {
			return fmt.Errorf("%w: admin %q: %v", ErrInvalidConfig, admin, err)
		}
	}
	if strings.TrimSpace(c.RPC.JWTSecret) == "" {
		return fmt.Errorf("%w: RPC.JWTSecret must be set", ErrInvalidConfig)
	}
	return nil
}

// AdminAddresses returns the parsed governance admin set.
func (c *Config) AdminAddresses() ([][20]byte, error) {
	admins := make([][20]byte, 0, len(c.Governance.Admins))
	for _, raw := range c.Governance.Admins {
		addr, err := ParseAddress(raw)
		if err != nil {
			return nil, err
		}
		admins = append(admins, addr)
	}
	return admins, nil
}

// ParseAddress decodes a 20-byte hex address with optional 0x prefix.
func ParseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid hex address %q", raw)
	}
	if len(decoded) != 20 {
		return addr, fmt.Errorf("address %q must be 20 bytes", raw)
	}
	copy(addr[:], decoded)
	if addr == ([20]byte{}) {
		return addr, fmt.Errorf("address must not be zero")
	}
	return addr, nil
}
