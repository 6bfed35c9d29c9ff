package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "probe", "smbprobe":
		return probeTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const probeTemplate = `addr = "127.0.0.1:445"
remote_name = "fileserver"
min_dialect = "SMB2_02"
max_dialect = "SMB3_11"
signing = "if_required"
ciphers = ["aes-128-gcm", "aes-128-ccm"]
max_credits = 512
negotiate_timeout = "20s"
request_timeout = "60s"
write_timeout = "15s"
store_path = "smbprobe.db"
diagnostics_addr = "127.0.0.1:9445"
cors_origins = ["http://localhost:3000"]
admin_token = ""

[dial]
attempts = 3
timeout = "5s"
backoff_initial = "250ms"
backoff_max = "5s"
backoff_multiplier = 2.0
backoff_jitter = true
`
