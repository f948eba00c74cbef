package registry

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
	t.Run("host only gets the fixed internal port", func(t *testing.T) {
		reg, err := FromEnv(lookupFrom(map[string]string{
			"FOUNDRY_SVC_SECRETS_HOST": "secrets.internal",
		}))
		require.NoError(t, err)
		ep, err := reg.Resolve(ServiceSecrets)
		require.NoError(t, err)
		assert.Equal(t, "secrets.internal:8200", ep.Addr())
	})

	t.Run("explicit port overrides", func(t *testing.T) {
		reg, err := FromEnv(lookupFrom(map[string]string{
			"FOUNDRY_SVC_REDIS_HOST": "cache.internal",
			"FOUNDRY_SVC_REDIS_PORT": "6390",
		}))
		require.NoError(t, err)
		ep, err := reg.Resolve(ServiceRedis)
		require.NoError(t, err)
		assert.Equal(t, 6390, ep.Port)
	})

	t.Run("invalid port fails boot", func(t *testing.T) {
		_, err := FromEnv(lookupFrom(map[string]string{
			"FOUNDRY_SVC_AUTHZ_HOST": "authz.internal",
			"FOUNDRY_SVC_AUTHZ_PORT": "not-a-port",
		}))
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.KindConfiguration))
	})

	t.Run("out of range port fails boot", func(t *testing.T) {
		_, err := FromEnv(lookupFrom(map[string]string{
			"FOUNDRY_SVC_AUTHZ_HOST": "authz.internal",
			"FOUNDRY_SVC_AUTHZ_PORT": "70000",
		}))
		require.Error(t, err)
	})

	t.Run("absent service is simply missing", func(t *testing.T) {
		reg, err := FromEnv(lookupFrom(nil))
		require.NoError(t, err)
		assert.Empty(t, reg.Names())
	})
}

func TestResolveUnknown(t *testing.T) {
	reg := New(map[string]Endpoint{
		ServicePostgres: {Host: "db", Port: 5432},
	})

	_, err := reg.Resolve(ServiceToolServer)
	require.Error(t, err)
	// Resolution never falls back to localhost.
	assert.True(t, fault.IsKind(err, fault.KindConfiguration))

	ep, err := reg.Resolve(ServicePostgres)
	require.NoError(t, err)
	assert.Equal(t, "http://db:5432", ep.URL())
}
