package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes the annotated default config to path. Refuses to
// clobber an existing file unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const template = `[socket]
path = "/var/run/tunctl/ctrl.sock"

[debug]
enabled = false
addr = "127.0.0.1:9460"

[log]
level = "info"

[ctrl]
max_message_size = 4096

[[devices]]
name = "wg0"
listen_port = 51820
fwmark = 0
`
