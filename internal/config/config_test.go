package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/smbwire/internal/client"
	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/smb2"
	"github.com/danmuck/smbwire/internal/testutil/testlog"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestTemplateLoadsAndValidates(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "probe.toml")
	require.NoError(t, WriteTemplate(path, "probe", false))
	require.Error(t, WriteTemplate(path, "probe", false))
	require.NoError(t, WriteTemplate(path, "smbprobe", true))

	cfg, err := LoadProbeConfig(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:445", cfg.Addr)
	require.Equal(t, "fileserver", cfg.Client.RemoteName)
	require.Equal(t, protocol.DialectSMB202, cfg.MinDialect)
	require.Equal(t, protocol.DialectSMB311, cfg.MaxDialect)
	require.Equal(t, client.SigningIfRequired, cfg.Client.Signing)
	require.Equal(t, []uint16{smb2.CipherAES128GCM, smb2.CipherAES128CCM}, cfg.Client.Ciphers)
	require.Equal(t, uint16(512), cfg.Client.MaxCredits)
	require.Equal(t, 60*time.Second, cfg.Client.RequestTimeout)
	require.Equal(t, 3, cfg.Dial.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Dial.Backoff.InitialDelay)
	require.True(t, cfg.Dial.Backoff.Jitter)
	require.Equal(t, []string{"http://localhost:3000"}, cfg.CorsOrigins)

	_, err = Template("ghost")
	require.Error(t, err)
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	testlog.Start(t)
	guid := uuid.New()
	path := writeConfig(t, `
addr = "10.0.0.5:445"
signing = "REQUIRED"
max_dialect = "smb3_02"
client_guid = "`+guid.String()+`"
ciphers = ["AES-128-CCM", "aes-128-ccm"]

[dial]
attempts = 5
backoff_jitter = false
`)
	cfg, err := LoadProbeConfig(path)
	require.NoError(t, err)
	def := DefaultProbeConfig()

	require.Equal(t, "10.0.0.5:445", cfg.Addr)
	require.Equal(t, client.SigningRequired, cfg.Client.Signing)
	require.Equal(t, def.MinDialect, cfg.MinDialect)
	require.Equal(t, protocol.DialectSMB302, cfg.MaxDialect)
	require.Equal(t, guid, cfg.Client.ClientGUID)
	require.Equal(t, []uint16{smb2.CipherAES128CCM}, cfg.Client.Ciphers)
	require.Equal(t, def.Client.NegotiateTimeout, cfg.Client.NegotiateTimeout)
	require.Equal(t, def.StorePath, cfg.StorePath)
	require.Equal(t, 5, cfg.Dial.MaxAttempts)
	require.Equal(t, def.Dial.Timeout, cfg.Dial.Timeout)
	require.False(t, cfg.Dial.Backoff.Jitter)
}

func TestLoadRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"unknown key":    `bogus = 1`,
		"bad dialect":    `max_dialect = "SMB4"`,
		"empty range":    "min_dialect = \"SMB3_11\"\nmax_dialect = \"SMB2_10\"",
		"bad signing":    `signing = "sometimes"`,
		"bad cipher":     `ciphers = ["rot13"]`,
		"bad credits":    `max_credits = 0`,
		"bad duration":   `request_timeout = "soon"`,
		"bad guid":       `client_guid = "nope"`,
		"no attempts":    "[dial]\nattempts = 0",
		"empty addr":     `addr = " "`,
		"malformed toml": `addr = `,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadProbeConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}

	_, err := LoadProbeConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestParseCiphersAndNames(t *testing.T) {
	testlog.Start(t)
	ids, err := ParseCiphers([]string{" aes-128-gcm ", "aes-128-ccm"})
	require.NoError(t, err)
	require.Equal(t, []uint16{smb2.CipherAES128GCM, smb2.CipherAES128CCM}, ids)
	require.Equal(t, "aes-128-gcm", CipherName(smb2.CipherAES128GCM))
	require.Equal(t, "cipher(0x0009)", CipherName(9))
}
