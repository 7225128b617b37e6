package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/model"
)

const schema = `
	CREATE TABLE IF NOT EXISTS alert_rules (
		id TEXT PRIMARY KEY,
		metric TEXT NOT NULL,
		comparison TEXT NOT NULL,
		threshold REAL NOT NULL,
		channel TEXT,
		suggestion TEXT,
		description TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		value REAL NOT NULL,
		threshold REAL NOT NULL,
		rule_id TEXT,
		suggestion TEXT,
		description TEXT,
		channel TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_device_id ON alerts(device_id);

	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		event_type TEXT NOT NULL,
		conditions TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workflows_event_type ON workflows(event_type);

	CREATE TABLE IF NOT EXISTS workflow_actions (
		workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		kind TEXT NOT NULL,
		params TEXT,
		PRIMARY KEY (workflow_id, position)
	);

	CREATE TABLE IF NOT EXISTS workflow_logs (
		id TEXT PRIMARY KEY,
		workflow_id TEXT REFERENCES workflows(id) ON DELETE SET NULL,
		event TEXT NOT NULL,
		results TEXT NOT NULL,
		executed_at DATETIME NOT NULL,
		delivery_key TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_workflow_logs_executed_at ON workflow_logs(executed_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_logs_delivery
		ON workflow_logs(delivery_key, workflow_id) WHERE delivery_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS telemetry_samples (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		metrics TEXT NOT NULL,
		received_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_samples_device ON telemetry_samples(device_id, timestamp);
`

// SQLiteStore implements Store on a single SQLite database.
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func NewSQLiteStore(logger *zap.Logger, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("storage"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func dsn(path string) string {
	params := "_foreign_keys=on&_busy_timeout=5000"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

func (s *SQLiteStore) initialize() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// ---- rules ----

// CreateRule implements RuleStore.CreateRule
func (s *SQLiteStore) CreateRule(ctx context.Context, rule *model.AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (
			id, metric, comparison, threshold, channel, suggestion, description, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID,
		rule.Metric,
		string(rule.Comparison),
		rule.Threshold,
		nullString(rule.Channel),
		nullString(rule.Suggestion),
		nullString(rule.Description),
		rule.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store alert rule: %w", err)
	}
	return nil
}

const ruleColumns = "id, metric, comparison, threshold, channel, suggestion, description, created_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*model.AlertRule, error) {
	var rule model.AlertRule
	var comparison string
	var channel, suggestion, description sql.NullString

	err := row.Scan(
		&rule.ID,
		&rule.Metric,
		&comparison,
		&rule.Threshold,
		&channel,
		&suggestion,
		&description,
		&rule.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Comparison = model.Comparison(comparison)
	rule.Channel = channel.String
	rule.Suggestion = suggestion.String
	rule.Description = description.String
	return &rule, nil
}

// GetRule implements RuleStore.GetRule
func (s *SQLiteStore) GetRule(ctx context.Context, id string) (*model.AlertRule, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+ruleColumns+" FROM alert_rules WHERE id = ?", id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan alert rule: %w", err)
	}
	return rule, nil
}

// ListRules implements RuleStore.ListRules
func (s *SQLiteStore) ListRules(ctx context.Context) ([]*model.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+ruleColumns+" FROM alert_rules ORDER BY created_at, rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	defer rows.Close()

	rules := make([]*model.AlertRule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return rules, nil
}

// ---- alerts ----

// CreateAlert implements AlertStore.CreateAlert
func (s *SQLiteStore) CreateAlert(ctx context.Context, alert *model.Alert) error {
	var ruleID sql.NullString
	if alert.RuleID != nil {
		ruleID = sql.NullString{String: *alert.RuleID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (
			id, device_id, metric, value, threshold, rule_id, suggestion, description, channel, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.DeviceID,
		alert.Metric,
		alert.Value,
		alert.Threshold,
		ruleID,
		nullString(alert.Suggestion),
		nullString(alert.Description),
		nullString(alert.Channel),
		alert.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store alert: %w", err)
	}
	return nil
}

const alertColumns = "id, device_id, metric, value, threshold, rule_id, suggestion, description, channel, created_at"

func scanAlert(row rowScanner) (*model.Alert, error) {
	var alert model.Alert
	var ruleID, suggestion, description, channel sql.NullString

	err := row.Scan(
		&alert.ID,
		&alert.DeviceID,
		&alert.Metric,
		&alert.Value,
		&alert.Threshold,
		&ruleID,
		&suggestion,
		&description,
		&channel,
		&alert.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if ruleID.Valid {
		id := ruleID.String
		alert.RuleID = &id
	}
	alert.Suggestion = suggestion.String
	alert.Description = description.String
	alert.Channel = channel.String
	return &alert, nil
}

// GetAlert implements AlertStore.GetAlert
func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+alertColumns+" FROM alerts WHERE id = ?", id)
	alert, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	return alert, nil
}

// ListAlerts implements AlertStore.ListAlerts
func (s *SQLiteStore) ListAlerts(ctx context.Context, limit, offset int) ([]*model.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+alertColumns+" FROM alerts ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]*model.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return alerts, nil
}

// ---- workflows ----

// CreateWorkflow implements WorkflowStore.CreateWorkflow. The workflow and its
// actions are written in one transaction; positions follow slice order.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}

	conditions, err := json.Marshal(wf.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, name, event_type, conditions, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, wf.EventType, string(conditions), wf.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store workflow: %w", err)
	}

	for i := range wf.Actions {
		action := &wf.Actions[i]
		action.WorkflowID = wf.ID
		action.Position = i

		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_actions (workflow_id, position, kind, params)
			VALUES (?, ?, ?, ?)`,
			wf.ID, i, string(action.Kind), nullString(string(action.Params)),
		)
		if err != nil {
			return fmt.Errorf("failed to store workflow action %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow: %w", err)
	}
	return nil
}

const workflowColumns = "id, name, event_type, conditions, created_at"

func scanWorkflow(row rowScanner) (*model.Workflow, error) {
	var wf model.Workflow
	var conditions sql.NullString

	if err := row.Scan(&wf.ID, &wf.Name, &wf.EventType, &conditions, &wf.CreatedAt); err != nil {
		return nil, err
	}
	if conditions.Valid && conditions.String != "" {
		if err := json.Unmarshal([]byte(conditions.String), &wf.Conditions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conditions of workflow %s: %w", wf.ID, err)
		}
	}
	return &wf, nil
}

// GetWorkflow implements WorkflowStore.GetWorkflow
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	return s.getWorkflow(ctx, "id", id)
}

// FindWorkflowByName returns the oldest workflow with the given name.
func (s *SQLiteStore) FindWorkflowByName(ctx context.Context, name string) (*model.Workflow, error) {
	return s.getWorkflow(ctx, "name", name)
}

func (s *SQLiteStore) getWorkflow(ctx context.Context, column, value string) (*model.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE "+column+" = ? ORDER BY created_at, rowid LIMIT 1", value)
	wf, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	if wf.Actions, err = s.loadActions(ctx, wf.ID); err != nil {
		return nil, err
	}
	return wf, nil
}

// ListWorkflows implements WorkflowStore.ListWorkflows
func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	return s.listWorkflows(ctx, "SELECT "+workflowColumns+" FROM workflows ORDER BY created_at, rowid")
}

// ListWorkflowsByEventType implements WorkflowStore.ListWorkflowsByEventType
func (s *SQLiteStore) ListWorkflowsByEventType(ctx context.Context, eventType string) ([]*model.Workflow, error) {
	return s.listWorkflows(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE event_type = ? ORDER BY created_at, rowid", eventType)
}

func (s *SQLiteStore) listWorkflows(ctx context.Context, query string, args ...interface{}) ([]*model.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	workflows := make([]*model.Workflow, 0)
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	// Actions are loaded after the cursor is released; the pool holds one connection.
	for _, wf := range workflows {
		if wf.Actions, err = s.loadActions(ctx, wf.ID); err != nil {
			return nil, err
		}
	}
	return workflows, nil
}

func (s *SQLiteStore) loadActions(ctx context.Context, workflowID string) ([]model.WorkflowAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, position, kind, params
		FROM workflow_actions
		WHERE workflow_id = ?
		ORDER BY position`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow actions: %w", err)
	}
	defer rows.Close()

	actions := make([]model.WorkflowAction, 0)
	for rows.Next() {
		var action model.WorkflowAction
		var kind string
		var params sql.NullString

		if err := rows.Scan(&action.WorkflowID, &action.Position, &kind, &params); err != nil {
			return nil, fmt.Errorf("failed to scan workflow action: %w", err)
		}
		action.Kind = model.ActionKind(kind)
		if params.Valid && params.String != "" {
			action.Params = json.RawMessage(params.String)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return actions, nil
}

// DeleteWorkflow implements WorkflowStore.DeleteWorkflow. Actions are removed by
// cascade; execution logs keep their rows with a NULL workflow id.
func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- workflow logs ----

// AppendLog implements WorkflowLogStore.AppendLog
func (s *SQLiteStore) AppendLog(ctx context.Context, log *model.WorkflowExecutionLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.ExecutedAt.IsZero() {
		log.ExecutedAt = time.Now().UTC()
	}

	event, err := json.Marshal(log.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	outcomes := log.Outcomes
	if outcomes == nil {
		outcomes = []model.ActionOutcome{}
	}
	results, err := json.Marshal(outcomes)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	var workflowID sql.NullString
	if log.WorkflowID != nil {
		workflowID = sql.NullString{String: *log.WorkflowID, Valid: true}
	}

	var deliveryKey sql.NullString
	if log.DeliveryKey != "" {
		deliveryKey = sql.NullString{String: log.DeliveryKey, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_logs (id, workflow_id, event, results, executed_at, delivery_key)
		VALUES (?, ?, ?, ?, ?, ?)`,
		log.ID, workflowID, string(event), string(results), log.ExecutedAt.UTC(), deliveryKey,
	)
	if err != nil {
		return fmt.Errorf("failed to store workflow log: %w", err)
	}
	return nil
}

// ListLogs implements WorkflowLogStore.ListLogs
func (s *SQLiteStore) ListLogs(ctx context.Context, limit int) ([]*model.WorkflowExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, event, results, executed_at, delivery_key
		FROM workflow_logs
		ORDER BY executed_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*model.WorkflowExecutionLog, 0)
	for rows.Next() {
		log := &model.WorkflowExecutionLog{}
		var workflowID, deliveryKey sql.NullString
		var event, results string

		if err := rows.Scan(&log.ID, &workflowID, &event, &results, &log.ExecutedAt, &deliveryKey); err != nil {
			return nil, fmt.Errorf("failed to scan workflow log: %w", err)
		}
		if workflowID.Valid {
			id := workflowID.String
			log.WorkflowID = &id
		}
		log.DeliveryKey = deliveryKey.String
		if err := json.Unmarshal([]byte(event), &log.Event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event of log %s: %w", log.ID, err)
		}
		if err := json.Unmarshal([]byte(results), &log.Outcomes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal results of log %s: %w", log.ID, err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return logs, nil
}

// HasExecution implements WorkflowLogStore.HasExecution
func (s *SQLiteStore) HasExecution(ctx context.Context, deliveryKey, workflowID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM workflow_logs
		WHERE delivery_key = ? AND workflow_id = ?`,
		deliveryKey, workflowID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up workflow execution: %w", err)
	}
	return n > 0, nil
}

// ---- telemetry samples ----

// StoreSample implements SampleStore.StoreSample
func (s *SQLiteStore) StoreSample(ctx context.Context, sample *model.TelemetrySample) error {
	if sample.ID == "" {
		sample.ID = uuid.New().String()
	}

	metrics, err := json.Marshal(sample.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO telemetry_samples (id, device_id, timestamp, metrics)
		VALUES (?, ?, ?, ?)`,
		sample.ID, sample.DeviceID, sample.Timestamp.UTC(), string(metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to store telemetry sample: %w", err)
	}
	return nil
}

// ListSamples returns the latest samples of a device, newest first.
func (s *SQLiteStore) ListSamples(ctx context.Context, deviceID string, limit int) ([]*model.TelemetrySample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, timestamp, metrics
		FROM telemetry_samples
		WHERE device_id = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list telemetry samples: %w", err)
	}
	defer rows.Close()

	samples := make([]*model.TelemetrySample, 0)
	for rows.Next() {
		sample := &model.TelemetrySample{}
		var metrics string
		if err := rows.Scan(&sample.ID, &sample.DeviceID, &sample.Timestamp, &metrics); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry sample: %w", err)
		}
		if err := json.Unmarshal([]byte(metrics), &sample.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics of sample %s: %w", sample.ID, err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return samples, nil
}

// DeleteSamplesBefore drops samples whose timestamp is older than before.
func (s *SQLiteStore) DeleteSamplesBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM telemetry_samples WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete telemetry samples: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old telemetry samples",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}
