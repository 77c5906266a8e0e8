package config

import (
	"fmt"
	"os"
)

// WriteExample writes an example configuration to path. An existing file
// is kept unless overwrite is set.
func WriteExample(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Example), 0o600)
}

// Example is a complete configuration with the default values.
const Example = `[server]
listen_address = "0.0.0.0"
port = 9000
max_idle_time = "5m"
max_connections = 200
buffer_size = 32768
metrics_address = ":9090"

[processor]
name = "objects"

[processor.config]
serviceId = "20.500.123/service"
idPrefix = "20.500.123"
dataDir = "./doip-data"
address = "127.0.0.1"
port = 9000

[client]
client_id = ""
max_pool_size = 100
max_pools = 0
pool_ttl = "1h"
dial_timeout = "60s"
read_timeout = "60s"
write_timeout = "60s"

[logging]
level = "info"
format = "console"
file = ""
max_size_mb = 100
max_backups = 5
max_age_days = 30
compress = false
`
