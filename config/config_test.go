package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-foundry/foundry-core/platform/fault"
)

func lookupFrom(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestFromEnv(t *testing.T) {
	cfg, err := FromEnv(lookupFrom(map[string]string{
		"FOUNDRY_ENVIRONMENT": "prod",
		"FOUNDRY_MANIFEST":    "/etc/foundry/manifest.yaml",
		"FOUNDRY_BUNDLE_DIR":  "/var/lib/foundry/bundle",
		"FOUNDRY_LISTEN_ADDR": ":9090",
		"FOUNDRY_LOG_LEVEL":   "debug",
		"FOUNDRY_AUDIT_PATH":  "/var/log/foundry/audit.jsonl",
	}))
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, "/etc/foundry/manifest.yaml", cfg.ManifestPath)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/var/log/foundry/audit.jsonl", cfg.AuditPath)
	assert.Equal(t, DefaultShutdownGrace, cfg.ShutdownGrace)
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(lookupFrom(map[string]string{
		"FOUNDRY_ENVIRONMENT": "dev",
		"FOUNDRY_MANIFEST":    "manifest.yaml",
		"FOUNDRY_BUNDLE_DIR":  "bundle",
	}))
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.AuditPath)
}

func TestFromEnvRequired(t *testing.T) {
	for _, missing := range []string{"FOUNDRY_ENVIRONMENT", "FOUNDRY_MANIFEST", "FOUNDRY_BUNDLE_DIR"} {
		t.Run(missing, func(t *testing.T) {
			env := map[string]string{
				"FOUNDRY_ENVIRONMENT": "dev",
				"FOUNDRY_MANIFEST":    "manifest.yaml",
				"FOUNDRY_BUNDLE_DIR":  "bundle",
			}
			delete(env, missing)
			_, err := FromEnv(lookupFrom(env))
			require.Error(t, err)
			assert.True(t, fault.IsKind(err, fault.KindConfiguration))
			assert.Contains(t, err.Error(), missing)
		})
	}
}

func TestFromEnvEmptyValueIsMissing(t *testing.T) {
	_, err := FromEnv(lookupFrom(map[string]string{
		"FOUNDRY_ENVIRONMENT": "",
		"FOUNDRY_MANIFEST":    "manifest.yaml",
		"FOUNDRY_BUNDLE_DIR":  "bundle",
	}))
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindConfiguration))
}
