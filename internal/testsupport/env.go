package testsupport

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"switchyard/internal/adapters/config"
)

// EnvFile is read from the module root before integration configs are
// loaded. Variables already set in the environment win.
const EnvFile = ".env.test"

var loadEnvOnce sync.Once

// PostgresConfig returns the service's Postgres section for integration
// tests, skipping the test when POSTGRES_HOST is unset.
func PostgresConfig(t *testing.T) config.PostgresConfig {
	t.Helper()
	var cfg config.PostgresConfig
	loadSection(t, "POSTGRES_HOST", &cfg)
	cfg.MaxConns = 5
	return cfg
}

// ClickHouseConfig skips the test when CLICKHOUSE_HOST is unset
func ClickHouseConfig(t *testing.T) config.ClickHouseConfig {
	t.Helper()
	var cfg config.ClickHouseConfig
	loadSection(t, "CLICKHOUSE_HOST", &cfg)
	return cfg
}

// RedisConfig skips the test when REDIS_HOST is unset
func RedisConfig(t *testing.T) config.RedisConfig {
	t.Helper()
	var cfg config.RedisConfig
	loadSection(t, "REDIS_HOST", &cfg)
	return cfg
}

func loadSection(t *testing.T, hostKey string, section any) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	loadEnvOnce.Do(func() {
		if path, ok := findUp(EnvFile); ok {
			_ = godotenv.Load(path)
		}
	})

	if os.Getenv(hostKey) == "" {
		t.Skipf("%s not set, skipping integration test", hostKey)
	}
	if err := envconfig.Process("", section); err != nil {
		t.Skipf("integration environment incomplete: %v", err)
	}
}

// findUp looks for name in the working directory and its parents, stopping
// at the module root
func findUp(name string) (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return "", false
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
