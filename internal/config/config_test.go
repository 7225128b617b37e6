package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, _, err := Load(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Name)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Second, cfg.Alerting.DispatchTimeout)
	assert.Equal(t, DedupNone, cfg.Alerting.Dedup.Strategy)
	assert.Equal(t, []string{"log"}, cfg.Alerting.DefaultChannels)
	assert.True(t, cfg.Workflow.AllowUnknownActions)
	assert.False(t, cfg.NATS.Enabled())
	assert.Equal(t, 4, cfg.Evaluation.Workers)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
nats:
  url: nats://localhost:4222
alerting:
  dispatch_timeout: 3s
  default_channels: [log, ops]
  dedup:
    strategy: window
    window: 10m
  webhooks:
    - name: ops
      url: https://hooks.example.com/rmm
      rate_per_second: 2
      headers:
        Authorization: Bearer abc
  mqtt:
    - name: broker
      broker: tcp://localhost:1883
      topic: rmm/alerts/
      qos: 1
sampler:
  enabled: true
  device_id: host-1
`)
	cfg, _, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.NATS.Enabled())
	assert.Equal(t, 3*time.Second, cfg.Alerting.DispatchTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Alerting.Dedup.Window)
	require.Len(t, cfg.Alerting.Webhooks, 1)
	assert.Equal(t, 2.0, cfg.Alerting.Webhooks[0].RatePerSecond)
	require.Len(t, cfg.Alerting.MQTT, 1)
	assert.Equal(t, 1, cfg.Alerting.MQTT[0].QoS)
	assert.Equal(t, "@every 1m", cfg.Sampler.Schedule)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("RMM_HTTP_ADDR", ":9999")
	t.Setenv("RMM_EVALUATION_WORKERS", "16")

	cfg, _, err := Load(writeConfig(t, "http:\n  addr: :8081\n"))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, 16, cfg.Evaluation.Workers)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"bad level":           "log:\n  level: loud\n",
		"no workers":          "evaluation:\n  workers: 0\n",
		"bad dedup":           "alerting:\n  dedup:\n    strategy: sometimes\n",
		"unknown default":     "alerting:\n  default_channels: [pager]\n",
		"duplicate channel":   "alerting:\n  webhooks:\n    - name: log\n      url: http://x\n",
		"unnamed channel":     "alerting:\n  shoutrrr:\n    - urls: ['logger://']\n",
		"bad qos":             "alerting:\n  mqtt:\n    - name: m\n      qos: 3\n",
		"sampler no device":   "sampler:\n  enabled: true\n",
		"zero dedup window":   "alerting:\n  dedup:\n    strategy: window\n    window: 0s\n",
		"no dispatch timeout": "alerting:\n  dispatch_timeout: 0s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	_, v, err := Load(path)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		levels []string
	)
	Watch(v, zap.NewNop(), func(cfg *Config) {
		mu.Lock()
		levels = append(levels, cfg.Log.Level)
		mu.Unlock()
	})

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, l := range levels {
			if l == "debug" {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
}
