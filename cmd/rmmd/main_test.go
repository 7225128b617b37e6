package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/alerting"
	"github.com/t77yq/rmm-automation/internal/config"
)

func TestValidateConfigCommand(t *testing.T) {
	dir := t.TempDir()
	seedPath := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(`
rules:
  - metric: cpu
    comparison: gt
    threshold: 90
`), 0o644))
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("seed_file: "+seedPath+"\n"), 0o644))

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate-config", "--config", configPath})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "1 rules, 0 workflows, 0 schedules")
	assert.Contains(t, out.String(), "config OK")
}

func TestValidateConfigCommand_Invalid(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log:\n  level: chatty\n"), 0o644))

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate-config", "--config", configPath})
	assert.Error(t, cmd.Execute())
}

func TestBuildChannels(t *testing.T) {
	channels, closers, err := buildChannels(config.AlertingConfig{
		Webhooks: []config.WebhookConfig{{Name: "ops", URL: "https://hooks.example.com"}},
		Shoutrrr: []config.ShoutrrrConfig{{Name: "chat", URLs: []string{"logger://"}}},
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, closers)

	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, ch.Name())
	}
	assert.Equal(t, []string{"log", "ops", "chat"}, names)

	_, _, err = buildChannels(config.AlertingConfig{
		Webhooks: []config.WebhookConfig{{Name: "broken"}},
	}, zap.NewNop())
	assert.ErrorIs(t, err, alerting.ErrChannelNotConfigured)
}

func TestDedupStrategy(t *testing.T) {
	assert.IsType(t, alerting.NoDedup{}, dedupStrategy(config.DedupConfig{Strategy: config.DedupNone}))
	assert.IsType(t, &alerting.WindowDedup{}, dedupStrategy(config.DedupConfig{Strategy: config.DedupWindow, Window: 1}))
}
