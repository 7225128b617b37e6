// Package seed loads alert rules, workflows and schedules from a YAML file.
package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/t77yq/rmm-automation/internal/model"
	"github.com/t77yq/rmm-automation/internal/storage"
)

// File is the seed document
type File struct {
	Rules     []Rule                 `yaml:"rules"`
	Workflows []Workflow             `yaml:"workflows"`
	Schedules []*model.EventSchedule `yaml:"schedules"`
}

// Rule is an alert rule entry
type Rule struct {
	Metric      string           `yaml:"metric"`
	Comparison  model.Comparison `yaml:"comparison"`
	Threshold   float64          `yaml:"threshold"`
	Channel     string           `yaml:"channel"`
	Suggestion  string           `yaml:"suggestion"`
	Description string           `yaml:"description"`
}

// Workflow is a workflow entry. Action params are free-form YAML mappings.
type Workflow struct {
	Name       string           `yaml:"name"`
	EventType  string           `yaml:"event_type"`
	Conditions model.Conditions `yaml:"conditions"`
	Actions    []Action         `yaml:"actions"`
}

// Action is a workflow action entry
type Action struct {
	Type   model.ActionKind       `yaml:"type"`
	Params map[string]interface{} `yaml:"params"`
}

// Load reads and parses the seed file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a seed document and validates every entry. Unknown keys are
// rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	for i, r := range f.Rules {
		rule := r.model()
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	for i, w := range f.Workflows {
		wf, err := w.model()
		if err != nil {
			return nil, fmt.Errorf("workflow %d: %w", i, err)
		}
		if err := wf.Validate(); err != nil {
			return nil, fmt.Errorf("workflow %q: %w", w.Name, err)
		}
	}
	for i, s := range f.Schedules {
		if s == nil {
			return nil, fmt.Errorf("schedule %d: empty entry", i)
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("schedule %d: %w", i, err)
		}
	}
	return &f, nil
}

func (r Rule) model() *model.AlertRule {
	return &model.AlertRule{
		Metric:      r.Metric,
		Comparison:  r.Comparison,
		Threshold:   r.Threshold,
		Channel:     r.Channel,
		Suggestion:  r.Suggestion,
		Description: r.Description,
	}
}

func (w Workflow) model() (*model.Workflow, error) {
	wf := &model.Workflow{
		Name:       w.Name,
		EventType:  w.EventType,
		Conditions: w.Conditions,
		Actions:    make([]model.WorkflowAction, 0, len(w.Actions)),
	}
	for i, a := range w.Actions {
		action := model.WorkflowAction{Position: i, Kind: a.Type}
		if len(a.Params) > 0 {
			params, err := json.Marshal(a.Params)
			if err != nil {
				return nil, fmt.Errorf("failed to encode params of action %d: %w", i, err)
			}
			action.Params = params
		}
		wf.Actions = append(wf.Actions, action)
	}
	return wf, nil
}

// WorkflowCreator validates and persists workflows, e.g. *workflow.Engine.
type WorkflowCreator interface {
	CreateWorkflow(ctx context.Context, wf *model.Workflow, testEvent *model.Event) ([]model.ActionOutcome, error)
}

// WorkflowFinder looks workflows up by name.
type WorkflowFinder interface {
	FindWorkflowByName(ctx context.Context, name string) (*model.Workflow, error)
}

// ScheduleAdder registers event schedules, e.g. *schedule.Scheduler.
type ScheduleAdder interface {
	AddSchedule(schedule *model.EventSchedule) error
}

// Result counts what Apply created and skipped
type Result struct {
	RulesCreated     int
	RulesSkipped     int
	WorkflowsCreated int
	WorkflowsSkipped int
	Schedules        int
}

// Seeder applies seed files
type Seeder struct {
	logger    *zap.Logger
	rules     storage.RuleStore
	finder    WorkflowFinder
	creator   WorkflowCreator
	scheduler ScheduleAdder
}

// NewSeeder creates a seeder. scheduler may be nil, in which case schedules
// are ignored.
func NewSeeder(rules storage.RuleStore, finder WorkflowFinder, creator WorkflowCreator, scheduler ScheduleAdder, logger *zap.Logger) *Seeder {
	return &Seeder{
		logger:    logger.Named("seed"),
		rules:     rules,
		finder:    finder,
		creator:   creator,
		scheduler: scheduler,
	}
}

// Apply creates the entries of f that do not exist yet. Rules are matched on
// metric, comparison and threshold; workflows on name.
func (s *Seeder) Apply(ctx context.Context, f *File) (Result, error) {
	var res Result

	existing, err := s.rules.ListRules(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list alert rules: %w", err)
	}
	for _, r := range f.Rules {
		rule := r.model()
		if containsRule(existing, rule) {
			res.RulesSkipped++
			continue
		}
		if err := s.rules.CreateRule(ctx, rule); err != nil {
			return res, fmt.Errorf("failed to create rule for %s: %w", rule.Metric, err)
		}
		existing = append(existing, rule)
		res.RulesCreated++
	}

	for _, w := range f.Workflows {
		_, err := s.finder.FindWorkflowByName(ctx, w.Name)
		if err == nil {
			res.WorkflowsSkipped++
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return res, fmt.Errorf("failed to look up workflow %q: %w", w.Name, err)
		}

		wf, err := w.model()
		if err != nil {
			return res, fmt.Errorf("workflow %q: %w", w.Name, err)
		}
		if _, err := s.creator.CreateWorkflow(ctx, wf, nil); err != nil {
			return res, fmt.Errorf("failed to create workflow %q: %w", w.Name, err)
		}
		res.WorkflowsCreated++
	}

	if s.scheduler != nil {
		for _, sched := range f.Schedules {
			cp := *sched
			if err := s.scheduler.AddSchedule(&cp); err != nil {
				return res, fmt.Errorf("failed to add schedule %q: %w", sched.Name, err)
			}
			res.Schedules++
		}
	}

	s.logger.Info("Seed applied",
		zap.Int("rules_created", res.RulesCreated),
		zap.Int("rules_skipped", res.RulesSkipped),
		zap.Int("workflows_created", res.WorkflowsCreated),
		zap.Int("workflows_skipped", res.WorkflowsSkipped),
		zap.Int("schedules", res.Schedules))
	return res, nil
}

func containsRule(rules []*model.AlertRule, r *model.AlertRule) bool {
	for _, e := range rules {
		if e.Metric == r.Metric && e.Comparison == r.Comparison && e.Threshold == r.Threshold {
			return true
		}
	}
	return false
}
