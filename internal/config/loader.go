package config

import (
	"encoding/json"
	"os"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvConfigPath, when set, points at a JSON config file to load before
	// the environment-variable overlay is applied.
	EnvConfigPath = "INGESTD_CONFIG"
)

// Load builds a Config from defaults, an optional JSON file, and process
// environment variables, in that priority order (env wins), mirroring the
// teacher's config loader in internal/config/loader.go.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			substituted := substituteEnvValues(data)
			if err := json.Unmarshal(substituted, cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := envconfig.Process("INGESTD", &cfg.Storage); err != nil {
		return nil, err
	}
	if err := envconfig.Process("INGESTD", &cfg.Kafka); err != nil {
		return nil, err
	}
	if err := envconfig.Process("INGESTD", &cfg.Worker); err != nil {
		return nil, err
	}
	if err := envconfig.Process("INGESTD", &cfg.TeamCache); err != nil {
		return nil, err
	}
	if err := envconfig.Process("INGESTD", &cfg.PersonManager); err != nil {
		return nil, err
	}
	if err := envconfig.Process("INGESTD", &cfg.Processing); err != nil {
		return nil, err
	}

	if cfg.Processing.MaxMergeAttempts <= 0 {
		cfg.Processing.MaxMergeAttempts = 3
	}

	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnvValues replaces ${VAR} occurrences anywhere in the raw JSON
// text with the corresponding environment variable, the way the teacher's
// loader resolves secrets out of a checked-in config template.
func substituteEnvValues(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		parts := envPattern.FindSubmatch(match)
		if len(parts) != 2 {
			return match
		}
		if value, ok := os.LookupEnv(string(parts[1])); ok {
			return []byte(value)
		}
		return match
	})
}
