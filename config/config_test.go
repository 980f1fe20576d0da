package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/confcore/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "confserver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeTemp(t, `listen: 127.0.0.1:7000
media: 127.0.0.1:7001
status: ""
connection_limit: 50
bandwidth_read_limit: 1000000
bandwidth_write_limit: 2000000
valid_channels: [1, 2, 42]
password: hunter2
max_body_size: 65536
heartbeat_timeout: 45s
log:
  level: debug
  json: true
metrics:
  namespace: conf
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, "127.0.0.1:7001", cfg.Media)
	assert.Empty(t, cfg.Status)
	assert.Equal(t, 50, cfg.ConnectionLimit)
	assert.Equal(t, uint64(1000000), cfg.BandwidthReadLimit)
	assert.Equal(t, uint64(2000000), cfg.BandwidthWriteLimit)
	assert.Equal(t, []uint32{1, 2, 42}, cfg.ValidChannels)
	assert.Equal(t, "hunter2", cfg.Password)
	assert.Equal(t, uint32(65536), cfg.MaxBodySize)
	assert.Equal(t, 45*time.Second, cfg.HeartbeatTimeout.Duration)
	assert.Equal(t, LogConfig{Level: "debug", JSON: true}, cfg.Log)
	assert.Equal(t, "conf", cfg.Metrics.Namespace)
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeTemp(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, uint32(limits.MaxCORBody), cfg.MaxBodySize)
	assert.Equal(t, DefaultHeartbeatTimeout, cfg.HeartbeatTimeout.Duration)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("CONF_TEST_PASSWORD", "from-env")
	cfg, err := Parse([]byte(`password: ${CONF_TEST_PASSWORD}
listen: ${CONF_TEST_UNSET_LISTEN:-127.0.0.1:9000}
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Password)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad listen", "listen: nowhere"},
		{"bad status", "status: also-nowhere"},
		{"negative limit", "connection_limit: -1"},
		{"body too large", "max_body_size: 999999999"},
		{"zero channel", "valid_channels: [0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := Parse([]byte("heartbeat_timeout: soon"))
	assert.ErrorContains(t, err, "invalid duration")

	_, err = Parse([]byte("listen: [unclosed"))
	assert.ErrorContains(t, err, "invalid YAML")
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CONF_TEST_SET", "value")
	t.Setenv("CONF_TEST_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{"${CONF_TEST_SET}", "value"},
		{"${CONF_TEST_EMPTY:-fallback}", "fallback"},
		{"${CONF_TEST_NOPE}", ""},
		{"x-${CONF_TEST_SET}-y", "x-value-y"},
		{"$CONF_TEST_SET", "$CONF_TEST_SET"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandEnv(tt.in))
		})
	}
}
