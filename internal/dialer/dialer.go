// Package dialer reaches a server over TCP with retry and backoff and hands
// the socket to the client engine.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/danmuck/smbwire/internal/client"
	"github.com/danmuck/smbwire/internal/logging"
)

// BackoffConfig shapes the delay between dial attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config controls how Dial reaches the server.
type Config struct {
	Network     string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Network:     "tcp",
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

var ErrInvalidConfig = errors.New("dialer: invalid config")

func (d Config) Validate() error {
	if d.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1", ErrInvalidConfig)
	}
	if d.Timeout < 0 || d.Backoff.InitialDelay < 0 || d.Backoff.MaxDelay < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	return nil
}

// NextBackoffDelay returns the wait before attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Dial connects to addr, retrying with backoff, and wraps the socket with
// client.New. The connection is not negotiated yet.
func Dial(ctx context.Context, addr string, cfg client.Config, dc Config) (*client.Conn, error) {
	if dc.Network == "" {
		dc.Network = "tcp"
	}
	if err := dc.Validate(); err != nil {
		return nil, err
	}
	if cfg.RemoteName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			cfg.RemoteName = host
		}
	}
	log := logging.Component("dialer").With().Str("addr", addr).Logger()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nd := net.Dialer{Timeout: dc.Timeout}

	var lastErr error
	for attempt := 1; attempt <= dc.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := waitBackoff(ctx, NextBackoffDelay(dc.Backoff, attempt-1, rng)); err != nil {
				return nil, err
			}
		}
		nc, err := nd.DialContext(ctx, dc.Network, addr)
		if err == nil {
			log.Debug().Int("attempt", attempt).Msg("dialed")
			c, err := client.New(nc, cfg)
			if err != nil {
				_ = nc.Close()
				return nil, err
			}
			return c, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", dc.MaxAttempts).Msg("dial failed")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("dialer: dial %s after %d attempts: %w", addr, dc.MaxAttempts, lastErr)
}

func waitBackoff(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
