package seed

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/action"
	"github.com/t77yq/rmm-automation/internal/model"
	"github.com/t77yq/rmm-automation/internal/schedule"
	"github.com/t77yq/rmm-automation/internal/testutil"
	"github.com/t77yq/rmm-automation/internal/workflow"
)

const document = `
rules:
  - metric: cpu
    comparison: gt
    threshold: 85
    channel: log
  - metric: disk
    comparison: gt
    threshold: 90
    suggestion: Clean temp folders
workflows:
  - name: contain-disk-full
    event_type: disk_full
    conditions:
      match: all
      rules:
        - field: device_id
          operator: exists
    actions:
      - type: isolate_device
      - type: notify
        params:
          channel: log
          message: "Device {{device_id}} isolated"
schedules:
  - name: nightly-maintenance
    expression: "0 0 2 * * *"
    event_type: schedule.nightly
    payload:
      scope: all
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(document))
	require.NoError(t, err)
	require.Len(t, f.Rules, 2)
	assert.Equal(t, model.ComparisonGreater, f.Rules[0].Comparison)
	require.Len(t, f.Workflows, 1)

	wf, err := f.Workflows[0].model()
	require.NoError(t, err)
	require.Len(t, wf.Actions, 2)
	assert.Equal(t, 1, wf.Actions[1].Position)

	var params map[string]string
	require.NoError(t, json.Unmarshal(wf.Actions[1].Params, &params))
	assert.Equal(t, "Device {{device_id}} isolated", params["message"])
	assert.Empty(t, wf.Actions[0].Params)

	require.Len(t, f.Schedules, 1)
	assert.Equal(t, "all", f.Schedules[0].Payload["scope"])
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml":            "rules: [",
		"bad comparison":      "rules:\n  - metric: cpu\n    comparison: ge\n    threshold: 1\n",
		"no actions":          "workflows:\n  - name: x\n    event_type: y\n",
		"bad operator":        "workflows:\n  - name: x\n    event_type: y\n    conditions:\n      rules:\n        - field: a\n          operator: like\n          value: b\n    actions:\n      - type: notify\n",
		"schedule no type":    "schedules:\n  - name: x\n    expression: '@daily'\n",
		"unwrapped condition": "workflows:\n  - name: x\n    event_type: disk_full\n    conditions:\n      field: device_id\n      operator: eq\n      value: d9\n    actions:\n      - type: isolate_device\n",
		"unknown rule key":    "rules:\n  - metric: cpu\n    comparison: gt\n    threshold: 1\n    severity: high\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	f, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, f.Workflows)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(document), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Workflows, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, model.Event) error { return nil }

func TestSeeder_ApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	registry := action.NewRegistry(zap.NewNop(), true)
	action.RegisterBuiltins(registry, zap.NewNop(), action.Dependencies{})
	engine := workflow.NewEngine(store, store, registry, zap.NewNop(), workflow.EngineConfig{})
	scheduler := schedule.New(discardPublisher{}, zap.NewNop(), time.Second)

	f, err := Parse([]byte(document))
	require.NoError(t, err)

	seeder := NewSeeder(store, store, engine, scheduler, zap.NewNop())
	res, err := seeder.Apply(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, Result{RulesCreated: 2, WorkflowsCreated: 1, Schedules: 1}, res)

	res, err = NewSeeder(store, store, engine, nil, zap.NewNop()).Apply(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, Result{RulesSkipped: 2, WorkflowsSkipped: 1}, res)

	rules, err := store.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	wf, err := store.FindWorkflowByName(ctx, "contain-disk-full")
	require.NoError(t, err)
	require.Len(t, wf.Actions, 2)
	assert.Equal(t, model.ActionNotify, wf.Actions[1].Kind)

	assert.Len(t, scheduler.ListSchedules(), 1)
}

func TestSeeder_RejectsBadActionParams(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	registry := action.NewRegistry(zap.NewNop(), true)
	action.RegisterBuiltins(registry, zap.NewNop(), action.Dependencies{})
	engine := workflow.NewEngine(store, store, registry, zap.NewNop(), workflow.EngineConfig{})

	f, err := Parse([]byte(`
workflows:
  - name: broken
    event_type: disk_full
    actions:
      - type: notify
        params:
          recipient: nobody
`))
	require.NoError(t, err)

	_, err = NewSeeder(store, store, engine, nil, zap.NewNop()).Apply(ctx, f)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrValidation)
}
