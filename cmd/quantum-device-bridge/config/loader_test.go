package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() *Config {
	return &Config{Bridge: &BridgeSettings{
		LocalHost:        "127.0.0.1",
		Port:             "8090",
		ChainID:          1,
		HeadPollInterval: "12s",
		TrustChainTTL:    "720h",
	}}
}

func TestApplyServerURLFromEnv(t *testing.T) {
	cases := []struct {
		env, configured, want string
		wantErr               bool
	}{
		{env: "", want: prodServerURL},
		{env: "", configured: "http://mine", want: "http://mine"},
		{env: "local", configured: "http://mine", want: localServerURL},
		{env: "Develop", want: devServerURL},
		{env: "production", want: prodServerURL},
		{env: "staging", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.env+"/"+tc.configured, func(t *testing.T) {
			t.Setenv("QA_ENV", tc.env)
			c := baseConfig()
			c.Bridge.ServerURL = tc.configured
			err := c.ApplyServerURLFromEnv()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, c.Bridge.ServerURL)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QDB_PORT", "9999")
	t.Setenv("QDB_CHAIN_ID", "11155111")
	t.Setenv("QDB_NODE_URL", "http://node:8545")
	t.Setenv("QDB_ALLOWED_ORIGINS", "http://a:1, ,http://b:2")

	c := baseConfig()
	c.applyEnvOverrides(envViper())

	assert.Equal(t, "9999", c.Bridge.Port)
	assert.Equal(t, uint64(11155111), c.Bridge.ChainID)
	assert.Equal(t, "http://node:8545", c.Bridge.NodeURL)
	assert.Equal(t, []string{"http://a:1", "http://b:2"}, c.Bridge.AllowedOrigins)
	assert.Equal(t, "127.0.0.1", c.Bridge.LocalHost)
}

func TestValidate(t *testing.T) {
	c := baseConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, 12*time.Second, c.HeadPollInterval())
	assert.Equal(t, 30*24*time.Hour, c.TrustChainTTL())

	c = baseConfig()
	c.Bridge.HeadPollInterval = ""
	require.NoError(t, c.Validate())
	assert.Zero(t, c.HeadPollInterval())

	c = baseConfig()
	c.Bridge.ChainID = 0
	assert.Error(t, c.Validate())

	c = baseConfig()
	c.Bridge.TrustChainTTL = "soon"
	assert.Error(t, c.Validate())

	c = baseConfig()
	c.Bridge.HeadPollInterval = "-1s"
	assert.Error(t, c.Validate())
}
