package mpcconfig

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_EnvOverridesDefaults(t *testing.T) {
	os.Setenv("MPC_PRECISION", "0.005")
	os.Setenv("MPC_CACHE_ROOT", "/tmp/mpc-cache")
	os.Setenv("MPC_WIFI_SSID_ALLOWLIST", "eduroam, guest-wifi")
	defer func() {
		os.Unsetenv("MPC_PRECISION")
		os.Unsetenv("MPC_CACHE_ROOT")
		os.Unsetenv("MPC_WIFI_SSID_ALLOWLIST")
	}()

	require.NoError(t, Init(""))
	assert.Equal(t, 0.005, Keys.Precision)
	assert.Equal(t, "/tmp/mpc-cache", Keys.CacheRoot)
	assert.Equal(t, []string{"eduroam", "guest-wifi"}, Keys.WifiSSIDAllowlist)

	assert.True(t, SSIDAllowed("eduroam"))
	assert.False(t, SSIDAllowed("neighbor-wifi"))
}

func TestInit_MissingEnvFileIsNotAnError(t *testing.T) {
	err := Init("/nonexistent/path/.env")
	assert.NoError(t, err)
}

func TestSSIDAllowed_EmptyAllowlistPermitsAny(t *testing.T) {
	Keys.WifiSSIDAllowlist = nil
	assert.True(t, SSIDAllowed("anything"))
}
