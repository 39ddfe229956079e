package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load("testdata/courier.yaml")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/courier/courier.db", cfg.Database)
	assert.Equal(t, "https://api.example.com/v1", cfg.Remote.BaseURL)
	assert.Equal(t, "COURIER_TOKEN", cfg.Remote.TokenEnv)
	assert.Equal(t, 10*time.Second, cfg.Sync.CallTimeout.Std())
	assert.Equal(t, 6, cfg.Sync.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Sync.BaseDelay.Std())
	assert.Equal(t, 5*time.Minute, cfg.Sync.MaxDelay.Std())
	assert.Equal(t, 72*time.Hour, cfg.Sync.Retention.Std())
	assert.Equal(t, "probe", cfg.Connectivity.Mode)
	assert.Equal(t, time.Minute, cfg.Connectivity.ProbeInterval.Std())
	assert.Equal(t, "json", cfg.Log.Format)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, 15*time.Second, cfg.Sync.PollInterval.Std())
	assert.Equal(t, time.Hour, cfg.Sync.PurgeInterval.Std())
	assert.Equal(t, 50, cfg.Log.MaxSizeMB)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("testdata/nope.yaml")
	assert.Error(t, err)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown key",
			yaml:    "sync:\n  max_retries: 3\n",
			wantErr: "max_retries",
		},
		{
			name:    "bad duration",
			yaml:    "sync:\n  base_delay: soon\n",
			wantErr: "invalid duration",
		},
		{
			name:    "numeric duration",
			yaml:    "sync:\n  base_delay: 5\n",
			wantErr: "missing unit",
		},
		{
			name:    "unknown connectivity mode",
			yaml:    "connectivity:\n  mode: carrier-pigeon\n",
			wantErr: "invalid config",
		},
		{
			name:    "negative attempts",
			yaml:    "sync:\n  max_attempts: -1\n",
			wantErr: "invalid config",
		},
		{
			name:    "unknown log level",
			yaml:    "log:\n  level: loud\n",
			wantErr: "invalid config",
		},
		{
			name:    "empty database",
			yaml:    "database: \"\"\n",
			wantErr: "invalid config",
		},
		{
			name:    "socket without url",
			yaml:    "connectivity:\n  mode: socket\n",
			wantErr: "socket_url",
		},
		{
			name:    "probe without any url",
			yaml:    "connectivity:\n  mode: probe\n",
			wantErr: "probe_url",
		},
		{
			name:    "max delay below base",
			yaml:    "sync:\n  base_delay: 1m\n  max_delay: 10s\n",
			wantErr: "max_delay",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration_RoundTrip(t *testing.T) {
	cfg, err := Parse(strings.NewReader("sync:\n  call_timeout: 1500ms\n"))
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.Sync.CallTimeout.Std())

	v, err := cfg.Sync.CallTimeout.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1.5s", v)
}
