package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("DTP_HOST")
	os.Unsetenv("DTP_PORT")
	os.Unsetenv("DTP_LOG_LEVEL")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.DTP.DTCPPresent)
	assert.True(t, cfg.DTP.InOrderDelivery)
	require.NotNil(t, cfg.DTCP.FlowControl)
	assert.True(t, cfg.DTCP.FlowControl.WindowBased)
	assert.Equal(t, 100, cfg.DTCP.FlowControl.Window.InitialCredit)
	require.NotNil(t, cfg.DTCP.RTXControl)
	assert.Equal(t, 5, cfg.DTCP.RTXControl.DataRetransmitMax)
	assert.Equal(t, 100*time.Millisecond, cfg.DTCP.RTXControl.InitialTR)
}

func TestLoadWithOverrides(t *testing.T) {
	os.Unsetenv("DTP_HOST")
	os.Unsetenv("DTP_PORT")
	os.Unsetenv("DTP_LOG_LEVEL")

	cfg, err := LoadWithOverrides(LoadOptions{
		Host:     "192.168.1.100",
		Port:     "9443",
		LogLevel: "warn",
	})
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.100", cfg.Server.Host)
	assert.Equal(t, "9443", cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadWithOverrides_EnvDataRetransmitMax(t *testing.T) {
	os.Setenv("DTCP_DATA_RETRANSMIT_MAX", "9")
	defer os.Unsetenv("DTCP_DATA_RETRANSMIT_MAX")

	cfg, err := LoadWithOverrides(LoadOptions{})
	require.NoError(t, err)
	require.NotNil(t, cfg.DTCP.RTXControl)
	assert.Equal(t, 9, cfg.DTCP.RTXControl.DataRetransmitMax)
}

func TestLoadWithOverrides_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dtp.yaml")
	doc := `
dtp:
  maxSduGap: 3
  inOrderDelivery: false
dtcp:
  dtcpPolicySet: cong-avoidance
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := LoadWithOverrides(LoadOptions{ConfigFile: path})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.DTP.MaxSDUGap)
	assert.False(t, cfg.DTP.InOrderDelivery)
	assert.Equal(t, "cong-avoidance", cfg.DTCP.DTCPPolicySet)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid configuration", mutate: func(c *Config) {}},
		{
			name:    "missing server port",
			mutate:  func(c *Config) { c.Server.Port = "" },
			wantErr: "server port cannot be empty",
		},
		{
			name:    "invalid port range",
			mutate:  func(c *Config) { c.Server.Port = "99999" },
			wantErr: "invalid server port",
		},
		{
			name:    "invalid max pdu size",
			mutate:  func(c *Config) { c.Constants.MaxPDUSize = 0 },
			wantErr: "max pdu size must be positive",
		},
		{
			name:    "window-based flow control needs cwq length",
			mutate:  func(c *Config) { c.DTCP.FlowControl.Window.MaxClosedWinQLength = 0 },
			wantErr: "max_closed_winq_length",
		},
		{
			name: "rate-based flow control needs sending rate",
			mutate: func(c *Config) {
				c.DTCP.FlowControl.RateBased = true
				c.DTCP.FlowControl.Rate.SendingRate = 0
			},
			wantErr: "sending_rate",
		},
		{
			name:    "rtx control needs positive retransmit max",
			mutate:  func(c *Config) { c.DTCP.RTXControl.DataRetransmitMax = 0 },
			wantErr: "data_retransmit_max",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetGlobalConfig(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Same(t, cfg, GetGlobalConfig())
}
