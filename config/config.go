// Package config reads the boot configuration from the environment.
//
// Only process-level settings live here: where the manifest and bundle
// are, where to listen, how to log. Everything behavioural comes from
// the Instance Manifest, and service endpoints come from the service
// registry.
package config

import (
	"os"
	"time"

	"github.com/agent-foundry/foundry-core/platform/fault"
)

// DefaultListenAddr is the transport surface bind address.
const DefaultListenAddr = ":8080"

// DefaultShutdownGrace bounds background-task draining on shutdown.
const DefaultShutdownGrace = 5 * time.Second

// Config is the boot configuration.
type Config struct {
	Environment   string
	ManifestPath  string
	BundleDir     string
	ListenAddr    string
	LogLevel      string
	AuditPath     string
	ShutdownGrace time.Duration
}

// LookupFunc reads one environment variable; it matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// FromEnv reads the boot configuration. Required: FOUNDRY_ENVIRONMENT,
// FOUNDRY_MANIFEST, FOUNDRY_BUNDLE_DIR. Optional: FOUNDRY_LISTEN_ADDR,
// FOUNDRY_LOG_LEVEL, FOUNDRY_AUDIT_PATH.
func FromEnv(lookup LookupFunc) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key, fallback string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return fallback
	}
	cfg := &Config{
		Environment:   get("FOUNDRY_ENVIRONMENT", ""),
		ManifestPath:  get("FOUNDRY_MANIFEST", ""),
		BundleDir:     get("FOUNDRY_BUNDLE_DIR", ""),
		ListenAddr:    get("FOUNDRY_LISTEN_ADDR", DefaultListenAddr),
		LogLevel:      get("FOUNDRY_LOG_LEVEL", "info"),
		AuditPath:     get("FOUNDRY_AUDIT_PATH", ""),
		ShutdownGrace: DefaultShutdownGrace,
	}
	for _, required := range []struct{ name, value string }{
		{"FOUNDRY_ENVIRONMENT", cfg.Environment},
		{"FOUNDRY_MANIFEST", cfg.ManifestPath},
		{"FOUNDRY_BUNDLE_DIR", cfg.BundleDir},
	} {
		if required.value == "" {
			return nil, fault.New(fault.KindConfiguration, "%s is required", required.name)
		}
	}
	return cfg, nil
}
