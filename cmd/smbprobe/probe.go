package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/smbwire/internal/client"
	"github.com/danmuck/smbwire/internal/config"
	"github.com/danmuck/smbwire/internal/dialer"
	"github.com/danmuck/smbwire/internal/kvstore"
	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var clientGUIDKey = []byte("client/guid")

type probeOptions struct {
	configPath string
	addr       string
	minDialect string
	maxDialect string
	signing    string
	storePath  string
}

func (o *probeOptions) bind(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVarP(&o.configPath, "config", "c", "", "TOML config file")
	f.StringVarP(&o.addr, "addr", "a", "", "server host:port")
	f.StringVar(&o.minDialect, "min", "", "lowest dialect to offer (NT1, SMB2_02 .. SMB3_11)")
	f.StringVar(&o.maxDialect, "max", "", "highest dialect to offer")
	f.StringVar(&o.signing, "signing", "", "signing policy: off|if_required|desired|required")
	f.StringVar(&o.storePath, "store", "", "state file holding the client GUID (\"none\" disables)")
}

// resolve loads the config file when given and applies flag overrides.
func (o *probeOptions) resolve() (config.ProbeConfig, error) {
	cfg := config.DefaultProbeConfig()
	if o.configPath != "" {
		loaded, err := config.LoadProbeConfig(o.configPath)
		if err != nil {
			return config.ProbeConfig{}, err
		}
		cfg = loaded
	}
	var err error
	if o.addr != "" {
		cfg.Addr = o.addr
	}
	if o.minDialect != "" {
		if cfg.MinDialect, err = protocol.ParseDialect(o.minDialect); err != nil {
			return config.ProbeConfig{}, err
		}
	}
	if o.maxDialect != "" {
		if cfg.MaxDialect, err = protocol.ParseDialect(o.maxDialect); err != nil {
			return config.ProbeConfig{}, err
		}
	}
	if o.signing != "" {
		cfg.Client.Signing = client.SigningPolicy(o.signing)
	}
	if o.storePath != "" {
		cfg.StorePath = o.storePath
	}
	if cfg.StorePath == "none" {
		cfg.StorePath = ""
	}
	return cfg, config.ValidateProbeConfig(cfg)
}

// loadClientGUID returns the GUID persisted in store, creating one on first
// use.
func loadClientGUID(store kvstore.Store) (uuid.UUID, error) {
	raw, err := store.Get(clientGUIDKey)
	switch {
	case err == nil:
		id, perr := uuid.FromBytes(raw)
		if perr == nil {
			return id, nil
		}
		log.Warn().Err(perr).Msg("stored client guid unreadable, replacing")
	case !errors.Is(err, kvstore.ErrNotFound):
		return uuid.Nil, err
	}
	id := uuid.New()
	b, _ := id.MarshalBinary()
	if err := store.Put(clientGUIDKey, b); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// connect dials and negotiates. The GUID from the state file is used unless
// the config pins one.
func connect(ctx context.Context, cfg config.ProbeConfig) (*client.Conn, client.Negotiated, error) {
	ccfg := cfg.Client
	if ccfg.ClientGUID == uuid.Nil && cfg.StorePath != "" {
		store, err := kvstore.OpenBolt(cfg.StorePath)
		if err != nil {
			return nil, client.Negotiated{}, err
		}
		ccfg.ClientGUID, err = loadClientGUID(store)
		if cerr := store.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, client.Negotiated{}, fmt.Errorf("client guid: %w", err)
		}
	}
	c, err := dialer.Dial(ctx, cfg.Addr, ccfg, cfg.Dial)
	if err != nil {
		return nil, client.Negotiated{}, err
	}
	neg, err := c.Negotiate(ctx, cfg.MinDialect, cfg.MaxDialect)
	if err != nil {
		_ = c.Close()
		return nil, client.Negotiated{}, err
	}
	return c, neg, nil
}
