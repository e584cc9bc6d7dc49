package config

import (
	"fmt"
	"os"
)

func Template() string {
	return clientTemplate
}

// WriteTemplate writes the commented starter config to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(clientTemplate), 0o600)
}

const clientTemplate = `# mfpsync client configuration
username = ""
# device_id = "00000000-0000-0000-0000-000000000000"
start_marker = ""
schema_error_policy = "report"
api_version = 6
client_revision = 237

[http]
endpoint = "https://www.myfitnesspal.com/iphone_api/synchronize"
user_agent = "Dalvik/1.6.0 (Linux; U; Android 4.4.2; sdk Build/KK)"
connect_timeout = "10s"
response_timeout = "60s"
request_timeout = "60s"
max_envelope_bytes = 8388608

[retry]
max_attempts = 3
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true

[tls]
ca_file = ""
insecure_skip_verify = false

[output]
format = "json"
capture_dir = ""
replay_dir = ""
metrics_textfile = ""
`
