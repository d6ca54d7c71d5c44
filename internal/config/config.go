// Package config loads coordinator process configuration: environment
// variables for secrets/addresses (grounded on cmd/kernel/main.go's
// getEnv convention) and an optional YAML file for per-deployment
// tenant policy (grounded on cmd/migration/main.go's yaml.v3 table-
// mapping loader).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Deployment is the coordinator process's static configuration.
type Deployment struct {
	HTTPAddr string `yaml:"httpAddr"`
	DataDir  string `yaml:"dataDir"`

	IdleTimeout      time.Duration `yaml:"idleTimeout"`
	SnapshotEveryN   int           `yaml:"snapshotEveryN"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
	SnapshotRetainHot int          `yaml:"snapshotRetainHot"`

	InngestAppID string `yaml:"inngestAppId"`

	RequireAuth    bool     `yaml:"requireAuth"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// DefaultDeployment returns the conventional defaults, matching
// tenant.DefaultConfig's policy numbers.
func DefaultDeployment() Deployment {
	return Deployment{
		HTTPAddr:          ":" + getEnv("PORT", "8080"),
		DataDir:           getEnv("EDGEGRAPH_DATA_DIR", "./data"),
		IdleTimeout:       30 * time.Minute,
		SnapshotEveryN:    500,
		SnapshotInterval:  5 * time.Minute,
		SnapshotRetainHot: 10,
		InngestAppID:      "edgegraph-coordinator",
		RequireAuth:       false,
		AllowedOrigins:    []string{"*"},
	}
}

// Load returns DefaultDeployment, overlaid with path's YAML contents if
// path is non-empty, overlaid in turn with any matching environment
// variables. An empty path is not an error — it simply returns the
// defaults.
func Load(path string) (Deployment, error) {
	d := DefaultDeployment()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Deployment{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &d); err != nil {
			return Deployment{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if v := os.Getenv("EDGEGRAPH_HTTP_ADDR"); v != "" {
		d.HTTPAddr = v
	}
	if v := os.Getenv("EDGEGRAPH_DATA_DIR"); v != "" {
		d.DataDir = v
	}
	return d, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
