// Package config loads the smbprobe TOML file on top of the engine defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/smbwire/internal/client"
	"github.com/danmuck/smbwire/internal/dialer"
	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/google/uuid"
)

// ProbeConfig is the resolved configuration of one smbprobe run.
type ProbeConfig struct {
	Addr            string
	MinDialect      protocol.Dialect
	MaxDialect      protocol.Dialect
	Client          client.Config
	Dial            dialer.Config
	StorePath       string
	DiagnosticsAddr string
	CorsOrigins     []string
	AdminToken      string
}

type fileConfig struct {
	Addr             string   `toml:"addr"`
	RemoteName       string   `toml:"remote_name"`
	MinDialect       string   `toml:"min_dialect"`
	MaxDialect       string   `toml:"max_dialect"`
	Signing          string   `toml:"signing"`
	ClientGUID       string   `toml:"client_guid"`
	Ciphers          []string `toml:"ciphers"`
	MaxCredits       int64    `toml:"max_credits"`
	NegotiateTimeout string   `toml:"negotiate_timeout"`
	RequestTimeout   string   `toml:"request_timeout"`
	WriteTimeout     string   `toml:"write_timeout"`
	StorePath        string   `toml:"store_path"`
	DiagnosticsAddr  string   `toml:"diagnostics_addr"`
	CorsOrigins      []string `toml:"cors_origins"`
	AdminToken       string   `toml:"admin_token"`
	Dial             dialFile `toml:"dial"`
}

type dialFile struct {
	Attempts          int     `toml:"attempts"`
	Timeout           string  `toml:"timeout"`
	BackoffInitial    string  `toml:"backoff_initial"`
	BackoffMax        string  `toml:"backoff_max"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffJitter     bool    `toml:"backoff_jitter"`
}

func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Addr:            "127.0.0.1:445",
		MinDialect:      protocol.DialectSMB202,
		MaxDialect:      protocol.DialectSMB311,
		Client:          client.DefaultConfig(),
		Dial:            dialer.DefaultConfig(),
		StorePath:       "smbprobe.db",
		DiagnosticsAddr: "127.0.0.1:9445",
	}
}

// LoadProbeConfig decodes path and applies every key it defines over
// DefaultProbeConfig.
func LoadProbeConfig(path string) (ProbeConfig, error) {
	cfg := DefaultProbeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ProbeConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ProbeConfig{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}
	if err := applyFile(&cfg, raw, meta); err != nil {
		return ProbeConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := ValidateProbeConfig(cfg); err != nil {
		return ProbeConfig{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func applyFile(cfg *ProbeConfig, raw fileConfig, meta toml.MetaData) error {
	var err error
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("remote_name") {
		cfg.Client.RemoteName = strings.TrimSpace(raw.RemoteName)
	}
	if meta.IsDefined("min_dialect") {
		if cfg.MinDialect, err = protocol.ParseDialect(raw.MinDialect); err != nil {
			return fmt.Errorf("parse min_dialect: %w", err)
		}
	}
	if meta.IsDefined("max_dialect") {
		if cfg.MaxDialect, err = protocol.ParseDialect(raw.MaxDialect); err != nil {
			return fmt.Errorf("parse max_dialect: %w", err)
		}
	}
	if meta.IsDefined("signing") {
		cfg.Client.Signing = client.NormalizeSigningPolicy(client.SigningPolicy(raw.Signing))
	}
	if meta.IsDefined("client_guid") {
		if cfg.Client.ClientGUID, err = uuid.Parse(strings.TrimSpace(raw.ClientGUID)); err != nil {
			return fmt.Errorf("parse client_guid: %w", err)
		}
	}
	if meta.IsDefined("ciphers") {
		if cfg.Client.Ciphers, err = ParseCiphers(raw.Ciphers); err != nil {
			return err
		}
	}
	if meta.IsDefined("max_credits") {
		if raw.MaxCredits < 1 || raw.MaxCredits > 0xFFFF {
			return fmt.Errorf("max_credits out of range: %d", raw.MaxCredits)
		}
		cfg.Client.MaxCredits = uint16(raw.MaxCredits)
	}
	if meta.IsDefined("negotiate_timeout") {
		if cfg.Client.NegotiateTimeout, err = parseDuration("negotiate_timeout", raw.NegotiateTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("request_timeout") {
		if cfg.Client.RequestTimeout, err = parseDuration("request_timeout", raw.RequestTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("write_timeout") {
		if cfg.Client.WriteTimeout, err = parseDuration("write_timeout", raw.WriteTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("store_path") {
		cfg.StorePath = strings.TrimSpace(raw.StorePath)
	}
	if meta.IsDefined("diagnostics_addr") {
		cfg.DiagnosticsAddr = strings.TrimSpace(raw.DiagnosticsAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}

	if meta.IsDefined("dial", "attempts") {
		cfg.Dial.MaxAttempts = raw.Dial.Attempts
	}
	if meta.IsDefined("dial", "timeout") {
		if cfg.Dial.Timeout, err = parseDuration("dial.timeout", raw.Dial.Timeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("dial", "backoff_initial") {
		if cfg.Dial.Backoff.InitialDelay, err = parseDuration("dial.backoff_initial", raw.Dial.BackoffInitial); err != nil {
			return err
		}
	}
	if meta.IsDefined("dial", "backoff_max") {
		if cfg.Dial.Backoff.MaxDelay, err = parseDuration("dial.backoff_max", raw.Dial.BackoffMax); err != nil {
			return err
		}
	}
	if meta.IsDefined("dial", "backoff_multiplier") {
		cfg.Dial.Backoff.Multiplier = raw.Dial.BackoffMultiplier
	}
	if meta.IsDefined("dial", "backoff_jitter") {
		cfg.Dial.Backoff.Jitter = raw.Dial.BackoffJitter
	}
	return nil
}

func ValidateProbeConfig(cfg ProbeConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("probe config missing addr")
	}
	if err := (protocol.Range{Min: cfg.MinDialect, Max: cfg.MaxDialect}).Validate(); err != nil {
		return err
	}
	if err := cfg.Client.Validate(); err != nil {
		return err
	}
	return cfg.Dial.Validate()
}
