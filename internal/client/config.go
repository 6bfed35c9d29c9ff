package client

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/smbwire/internal/protocol/frame"
	"github.com/danmuck/smbwire/internal/protocol/smb1"
	"github.com/danmuck/smbwire/internal/protocol/smb2"
	"github.com/google/uuid"
)

var (
	ErrInvalidSigningPolicy = errors.New("client: invalid signing policy")
	ErrInvalidMaxCredits    = errors.New("client: max credits must be positive")
	ErrInvalidTimeout       = errors.New("client: negative timeout")
	ErrInvalidCipher        = errors.New("client: unknown cipher")
)

// SigningPolicy is the client's signing preference.
type SigningPolicy string

const (
	// SigningOff never signs and refuses servers that require it.
	SigningOff SigningPolicy = "off"
	// SigningIfRequired signs only when the server requires it.
	SigningIfRequired SigningPolicy = "if_required"
	// SigningDesired signs whenever the server supports it.
	SigningDesired SigningPolicy = "desired"
	// SigningRequired refuses servers that cannot sign.
	SigningRequired SigningPolicy = "required"
)

// NormalizeSigningPolicy maps an empty or mixed-case value to a known policy.
func NormalizeSigningPolicy(p SigningPolicy) SigningPolicy {
	v := strings.ToLower(strings.TrimSpace(string(p)))
	if v == "" {
		return SigningIfRequired
	}
	return SigningPolicy(v)
}

// Config holds everything fixed at connection creation.
type Config struct {
	RemoteName string
	Signing    SigningPolicy
	ClientGUID uuid.UUID
	// Capabilities are the SMB2 global capabilities announced in NEGOTIATE.
	Capabilities uint32
	Ciphers      []uint16
	MaxCredits   uint16
	ProcessID    uint32

	NegotiateTimeout time.Duration
	RequestTimeout   time.Duration
	WriteTimeout     time.Duration

	// SMB1SigningExempt lists SMB1 commands whose replies are accepted with
	// a bad signature.
	SMB1SigningExempt []smb1.Command
	SMB1MaxBuffer     uint16
	NativeOS          string
	NativeLanMan      string

	Frame frame.Limits
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Signing:          SigningIfRequired,
		Capabilities:     smb2.CapDFS | smb2.CapLeasing | smb2.CapLargeMTU | smb2.CapMultiChannel | smb2.CapEncryption,
		Ciphers:          []uint16{smb2.CipherAES128GCM, smb2.CipherAES128CCM},
		MaxCredits:       512,
		ProcessID:        0xFEFF,
		NegotiateTimeout: 20 * time.Second,
		RequestTimeout:   60 * time.Second,
		WriteTimeout:     15 * time.Second,
		SMB1MaxBuffer:    0xFFFF,
		NativeOS:         "Unix",
		NativeLanMan:     "smbwire",
		Frame:            frame.DefaultLimits(),
	}
}

// WithDefaults fills zero fields from DefaultConfig and assigns a random
// client GUID when none is set.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Signing = NormalizeSigningPolicy(c.Signing)
	if c.ClientGUID == uuid.Nil {
		c.ClientGUID = uuid.New()
	}
	if c.Capabilities == 0 {
		c.Capabilities = def.Capabilities
	}
	if len(c.Ciphers) == 0 {
		c.Ciphers = def.Ciphers
	}
	if c.MaxCredits == 0 {
		c.MaxCredits = def.MaxCredits
	}
	if c.ProcessID == 0 {
		c.ProcessID = def.ProcessID
	}
	if c.NegotiateTimeout == 0 {
		c.NegotiateTimeout = def.NegotiateTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.SMB1MaxBuffer == 0 {
		c.SMB1MaxBuffer = def.SMB1MaxBuffer
	}
	if c.NativeOS == "" {
		c.NativeOS = def.NativeOS
	}
	if c.NativeLanMan == "" {
		c.NativeLanMan = def.NativeLanMan
	}
	if c.Frame.MaxPayloadBytes == 0 {
		c.Frame = def.Frame
	}
	return c
}

func (c Config) Validate() error {
	switch NormalizeSigningPolicy(c.Signing) {
	case SigningOff, SigningIfRequired, SigningDesired, SigningRequired:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSigningPolicy, c.Signing)
	}
	if c.MaxCredits == 0 {
		return ErrInvalidMaxCredits
	}
	if c.NegotiateTimeout < 0 || c.RequestTimeout < 0 || c.WriteTimeout < 0 {
		return ErrInvalidTimeout
	}
	for _, id := range c.Ciphers {
		if id != smb2.CipherAES128CCM && id != smb2.CipherAES128GCM {
			return fmt.Errorf("%w: 0x%04x", ErrInvalidCipher, id)
		}
	}
	return nil
}

func (c Config) signingEnabled() bool {
	return NormalizeSigningPolicy(c.Signing) != SigningOff
}

func (c Config) signingMandatory() bool {
	return NormalizeSigningPolicy(c.Signing) == SigningRequired
}

func (c Config) signingWanted() bool {
	p := NormalizeSigningPolicy(c.Signing)
	return p == SigningDesired || p == SigningRequired
}
