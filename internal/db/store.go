package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver for shared multi-replica deployments
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/kubilitics-incident/internal/models"
)

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// sqlStore is the sqlx-backed implementation of Store for SQLite and PostgreSQL.
type sqlStore struct {
	db     *sqlx.DB
	driver string
}

// Open opens the store selected by dbType ("sqlite" or "postgres").
func Open(dbType, sqlitePath, postgresURL string) (Store, error) {
	switch dbType {
	case "sqlite", "":
		return NewSQLiteStore(sqlitePath)
	case "postgres":
		return NewPostgresStore(postgresURL)
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return newStore(db, "sqlite")
}

// NewPostgresStore connects to PostgreSQL and runs all pending migrations.
func NewPostgresStore(dsn string) (Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newStore(db, "postgres")
}

func newStore(db *sqlx.DB, driver string) (Store, error) {
	s := &sqlStore{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// q rebinds ? placeholders for the active driver.
func (s *sqlStore) q(query string) string { return s.db.Rebind(query) }

// migrate applies any unapplied migrations in order.
func (s *sqlStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at TEXT NOT NULL
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.Get(&count, s.q(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(s.q(`INSERT INTO schema_versions(version, applied_at) VALUES(?, ?)`), m.version, formatTime(time.Now())); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Incidents ────────────────────────────────────────────────────────────────

type incidentRow struct {
	Fingerprint  string `db:"fingerprint"`
	Name         string `db:"name"`
	Status       string `db:"status"`
	Labels       string `db:"labels"`
	Annotations  string `db:"annotations"`
	GeneratorURL string `db:"generator_url"`
	StartsAt     string `db:"starts_at"`
	EndsAt       string `db:"ends_at"`
	ReceivedAt   string `db:"received_at"`
	LastSeenAt   string `db:"last_seen_at"`
	Expired      int    `db:"expired"`
}

func (s *sqlStore) UpsertIncident(ctx context.Context, inc *models.Incident) error {
	expired := 0
	if inc.Expired {
		expired = 1
	}
	_, err := s.db.ExecContext(ctx, s.q(`
        INSERT INTO incidents(fingerprint, name, status, labels, annotations, generator_url,
                              starts_at, ends_at, received_at, last_seen_at, expired)
        VALUES(?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(fingerprint) DO UPDATE SET
            name          = excluded.name,
            status        = excluded.status,
            labels        = excluded.labels,
            annotations   = excluded.annotations,
            generator_url = excluded.generator_url,
            starts_at     = excluded.starts_at,
            ends_at       = excluded.ends_at,
            last_seen_at  = excluded.last_seen_at,
            expired       = excluded.expired
    `),
		inc.Fingerprint, inc.Name, string(inc.Status), marshalJSON(inc.Labels), marshalJSON(inc.Annotations),
		inc.GeneratorURL, formatTime(inc.StartsAt), formatTimePtr(inc.EndsAt),
		formatTime(inc.ReceivedAt), formatTime(inc.LastSeenAt), expired,
	)
	if err != nil {
		return fmt.Errorf("upsert incident %s: %w", inc.Fingerprint, err)
	}
	return nil
}

func (s *sqlStore) GetIncident(ctx context.Context, fingerprint string) (*models.Incident, error) {
	var row incidentRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT * FROM incidents WHERE fingerprint = ?`), fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrIncidentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get incident %s: %w", fingerprint, err)
	}
	return row.toModel()
}

func (s *sqlStore) ListIncidents(ctx context.Context, limit int) ([]*models.Incident, error) {
	var rows []incidentRow
	if err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT * FROM incidents ORDER BY last_seen_at DESC LIMIT ?`), limit); err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	out := make([]*models.Incident, 0, len(rows))
	for i := range rows {
		inc, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, nil
}

func (r *incidentRow) toModel() (*models.Incident, error) {
	inc := &models.Incident{
		Fingerprint:  r.Fingerprint,
		Name:         r.Name,
		Status:       models.IncidentStatus(r.Status),
		GeneratorURL: r.GeneratorURL,
		Expired:      r.Expired != 0,
	}
	var err error
	if inc.StartsAt, err = parseTime(r.StartsAt); err != nil {
		return nil, err
	}
	if inc.EndsAt, err = parseTimePtr(r.EndsAt); err != nil {
		return nil, err
	}
	if inc.ReceivedAt, err = parseTime(r.ReceivedAt); err != nil {
		return nil, err
	}
	if inc.LastSeenAt, err = parseTime(r.LastSeenAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(r.Labels, &inc.Labels); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(r.Annotations, &inc.Annotations); err != nil {
		return nil, err
	}
	return inc, nil
}

// ─── Runs ─────────────────────────────────────────────────────────────────────

type runRow struct {
	RunID           string `db:"run_id"`
	Fingerprint     string `db:"fingerprint"`
	IncidentName    string `db:"incident_name"`
	State           string `db:"state"`
	Iteration       int    `db:"iteration"`
	StartedAt       string `db:"started_at"`
	Deadline        string `db:"deadline"`
	UpdatedAt       string `db:"updated_at"`
	FinishedAt      string `db:"finished_at"`
	PendingCall     string `db:"pending_call"`
	Report          string `db:"report"`
	Reason          string `db:"reason"`
	DeliveryStatus  string `db:"delivery_status"`
	BackendFailures int    `db:"backend_failures"`
	Prompt          string `db:"prompt"`
	Providers       string `db:"providers"`
}

type toolCallRow struct {
	RunID          string `db:"run_id"`
	Seq            int    `db:"seq"`
	Iteration      int    `db:"iteration"`
	ProviderID     string `db:"provider_id"`
	ToolName       string `db:"tool_name"`
	Arguments      string `db:"arguments"`
	IdempotencyKey string `db:"idempotency_key"`
	Attempt        int    `db:"attempt"`
	Output         string `db:"output"`
	ErrorKind      string `db:"error_kind"`
	ErrorMessage   string `db:"error_message"`
	StartedAt      string `db:"started_at"`
	FinishedAt     string `db:"finished_at"`
}

type signalRow struct {
	RunID       string `db:"run_id"`
	Seq         int    `db:"seq"`
	Kind        string `db:"kind"`
	Status      string `db:"status"`
	Annotations string `db:"annotations"`
	ReceivedAt  string `db:"received_at"`
}

func (s *sqlStore) CreateRun(ctx context.Context, run *models.WorkflowRun) (string, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`
        INSERT INTO active_runs(fingerprint, run_id, claimed_at) VALUES(?,?,?)
        ON CONFLICT(fingerprint) DO NOTHING
    `), run.IncidentFingerprint, run.RunID, formatTime(run.StartedAt))
	if err != nil {
		return "", false, fmt.Errorf("claim fingerprint %s: %w", run.IncidentFingerprint, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", false, err
	} else if n == 0 {
		var holder string
		if err := tx.GetContext(ctx, &holder,
			s.q(`SELECT run_id FROM active_runs WHERE fingerprint = ?`), run.IncidentFingerprint); err != nil {
			return "", false, fmt.Errorf("read fingerprint holder: %w", err)
		}
		return holder, false, nil
	}

	_, err = tx.ExecContext(ctx, s.q(`
        INSERT INTO workflow_runs(run_id, fingerprint, incident_name, state, iteration, started_at, deadline,
                                  updated_at, finished_at, pending_call, report, reason, delivery_status,
                                  backend_failures, prompt, providers)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
    `),
		run.RunID, run.IncidentFingerprint, run.IncidentName, string(run.State), run.Iteration,
		formatTime(run.StartedAt), formatTime(run.Deadline), formatTime(run.UpdatedAt), formatTimePtr(run.FinishedAt),
		marshalOptional(run.Pending), marshalOptional(run.Report), run.Reason, string(run.DeliveryStatus),
		run.BackendFailures, run.Prompt, marshalJSON(run.Providers),
	)
	if err != nil {
		return "", false, fmt.Errorf("insert run %s: %w", run.RunID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return run.RunID, true, nil
}

func (s *sqlStore) SaveRun(ctx context.Context, run *models.WorkflowRun) error {
	return s.updateRun(ctx, s.db, run)
}

func (s *sqlStore) updateRun(ctx context.Context, ex sqlx.ExecerContext, run *models.WorkflowRun) error {
	res, err := ex.ExecContext(ctx, s.q(`
        UPDATE workflow_runs SET
            state            = ?,
            iteration        = ?,
            deadline         = ?,
            updated_at       = ?,
            finished_at      = ?,
            pending_call     = ?,
            report           = ?,
            reason           = ?,
            delivery_status  = ?,
            backend_failures = ?,
            prompt           = ?,
            providers        = ?
        WHERE run_id = ?
    `),
		string(run.State), run.Iteration, formatTime(run.Deadline), formatTime(run.UpdatedAt),
		formatTimePtr(run.FinishedAt), marshalOptional(run.Pending), marshalOptional(run.Report), run.Reason,
		string(run.DeliveryStatus), run.BackendFailures, run.Prompt, marshalJSON(run.Providers), run.RunID,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.RunID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update run %s: %w", run.RunID, models.ErrRunNotFound)
	}
	return nil
}

func (s *sqlStore) AppendToolCall(ctx context.Context, run *models.WorkflowRun, call models.ToolCall) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var errKind, errMsg string
	if call.Result.Error != nil {
		errKind, errMsg = string(call.Result.Error.Kind), call.Result.Error.Message
	}
	_, err = tx.ExecContext(ctx, s.q(`
        INSERT INTO tool_calls(run_id, seq, iteration, provider_id, tool_name, arguments, idempotency_key,
                               attempt, output, error_kind, error_message, started_at, finished_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT DO NOTHING
    `),
		run.RunID, call.Seq, call.Iteration, call.ProviderID, call.ToolName, marshalJSON(call.Arguments),
		call.IdempotencyKey, call.Attempt, call.Result.Output, errKind, errMsg,
		formatTime(call.StartedAt), formatTime(call.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("append tool call %s/%d: %w", run.RunID, call.Seq, err)
	}

	if err := s.updateRun(ctx, tx, run); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) AppendSignal(ctx context.Context, runID string, sig *models.Signal) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var last int
	if err := tx.GetContext(ctx, &last,
		s.q(`SELECT COALESCE(MAX(seq), 0) FROM run_signals WHERE run_id = ?`), runID); err != nil {
		return fmt.Errorf("next signal seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.q(`
        INSERT INTO run_signals(run_id, seq, kind, status, annotations, received_at)
        VALUES(?,?,?,?,?,?)
    `), runID, last+1, string(sig.Kind), string(sig.Status), marshalJSON(sig.Annotations), formatTime(sig.ReceivedAt))
	if err != nil {
		return fmt.Errorf("append signal for %s: %w", runID, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	sig.Seq = last + 1
	return nil
}

func (s *sqlStore) FinishRun(ctx context.Context, run *models.WorkflowRun) error {
	if !run.State.Terminal() {
		return fmt.Errorf("finish run %s in state %s: %w", run.RunID, run.State, models.ErrInvalidTransition)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.updateRun(ctx, tx, run); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM active_runs WHERE fingerprint = ? AND run_id = ?`),
		run.IncidentFingerprint, run.RunID); err != nil {
		return fmt.Errorf("release fingerprint %s: %w", run.IncidentFingerprint, err)
	}
	return tx.Commit()
}

func (s *sqlStore) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT * FROM workflow_runs WHERE run_id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	run, err := row.toModel()
	if err != nil {
		return nil, err
	}

	var calls []toolCallRow
	if err := s.db.SelectContext(ctx, &calls,
		s.q(`SELECT * FROM tool_calls WHERE run_id = ? ORDER BY seq ASC`), runID); err != nil {
		return nil, fmt.Errorf("load history for %s: %w", runID, err)
	}
	run.History = make([]models.ToolCall, 0, len(calls))
	for i := range calls {
		call, err := calls[i].toModel()
		if err != nil {
			return nil, err
		}
		run.History = append(run.History, call)
	}

	var sigs []signalRow
	if err := s.db.SelectContext(ctx, &sigs,
		s.q(`SELECT * FROM run_signals WHERE run_id = ? ORDER BY seq ASC`), runID); err != nil {
		return nil, fmt.Errorf("load signals for %s: %w", runID, err)
	}
	for i := range sigs {
		sig, err := sigs[i].toModel()
		if err != nil {
			return nil, err
		}
		run.Signals = append(run.Signals, sig)
	}
	return run, nil
}

func (s *sqlStore) LatestRun(ctx context.Context, fingerprint string) (*models.WorkflowRun, error) {
	var runID string
	err := s.db.GetContext(ctx, &runID, s.q(`
        SELECT run_id FROM workflow_runs WHERE fingerprint = ?
        ORDER BY started_at DESC LIMIT 1
    `), fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest run for %s: %w", fingerprint, err)
	}
	return s.GetRun(ctx, runID)
}

func (s *sqlStore) ListRuns(ctx context.Context, limit int) ([]*models.WorkflowRun, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids,
		s.q(`SELECT run_id FROM workflow_runs ORDER BY started_at DESC LIMIT ?`), limit); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return s.loadRuns(ctx, ids)
}

func (s *sqlStore) ListActiveRuns(ctx context.Context) ([]*models.WorkflowRun, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.q(`
        SELECT run_id FROM workflow_runs WHERE state IN (?,?,?)
        ORDER BY started_at ASC
    `), string(models.RunPending), string(models.RunRunning), string(models.RunAwaitingTool)); err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	return s.loadRuns(ctx, ids)
}

func (s *sqlStore) loadRuns(ctx context.Context, ids []string) ([]*models.WorkflowRun, error) {
	out := make([]*models.WorkflowRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *sqlStore) ActiveRunID(ctx context.Context, fingerprint string) (string, error) {
	var runID string
	err := s.db.GetContext(ctx, &runID, s.q(`SELECT run_id FROM active_runs WHERE fingerprint = ?`), fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.ErrNoActiveRun
	}
	if err != nil {
		return "", fmt.Errorf("active run for %s: %w", fingerprint, err)
	}
	return runID, nil
}

func (r *runRow) toModel() (*models.WorkflowRun, error) {
	run := &models.WorkflowRun{
		RunID:               r.RunID,
		IncidentFingerprint: r.Fingerprint,
		IncidentName:        r.IncidentName,
		State:               models.RunState(r.State),
		Iteration:           r.Iteration,
		Reason:              r.Reason,
		DeliveryStatus:      models.DeliveryStatus(r.DeliveryStatus),
		BackendFailures:     r.BackendFailures,
		Prompt:              r.Prompt,
	}
	var err error
	if run.StartedAt, err = parseTime(r.StartedAt); err != nil {
		return nil, err
	}
	if run.Deadline, err = parseTime(r.Deadline); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseTimePtr(r.FinishedAt); err != nil {
		return nil, err
	}
	if r.PendingCall != "" {
		run.Pending = &models.ToolCall{}
		if err := unmarshalJSON(r.PendingCall, run.Pending); err != nil {
			return nil, err
		}
	}
	if r.Report != "" {
		run.Report = &models.Report{}
		if err := unmarshalJSON(r.Report, run.Report); err != nil {
			return nil, err
		}
	}
	if err := unmarshalJSON(r.Providers, &run.Providers); err != nil {
		return nil, err
	}
	return run, nil
}

func (r *toolCallRow) toModel() (models.ToolCall, error) {
	call := models.ToolCall{
		Seq:            r.Seq,
		Iteration:      r.Iteration,
		ProviderID:     r.ProviderID,
		ToolName:       r.ToolName,
		IdempotencyKey: r.IdempotencyKey,
		Attempt:        r.Attempt,
		Result:         models.ToolResult{Output: r.Output},
	}
	if r.ErrorKind != "" {
		call.Result.Error = &models.ToolError{Kind: models.ToolErrorKind(r.ErrorKind), Message: r.ErrorMessage}
	}
	var err error
	if call.StartedAt, err = parseTime(r.StartedAt); err != nil {
		return call, err
	}
	if call.FinishedAt, err = parseTime(r.FinishedAt); err != nil {
		return call, err
	}
	if err := unmarshalJSON(r.Arguments, &call.Arguments); err != nil {
		return call, err
	}
	return call, nil
}

func (r *signalRow) toModel() (models.Signal, error) {
	sig := models.Signal{
		Seq:    r.Seq,
		Kind:   models.SignalKind(r.Kind),
		Status: models.IncidentStatus(r.Status),
	}
	var err error
	if sig.ReceivedAt, err = parseTime(r.ReceivedAt); err != nil {
		return sig, err
	}
	if err := unmarshalJSON(r.Annotations, &sig.Annotations); err != nil {
		return sig, err
	}
	return sig, nil
}

// ─── Deliveries ───────────────────────────────────────────────────────────────

func (s *sqlStore) RecordDelivery(ctx context.Context, rec *DeliveryRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
        INSERT INTO deliveries(run_id, destination, status, attempts, last_error, updated_at)
        VALUES(?,?,?,?,?,?)
        ON CONFLICT(run_id, destination) DO UPDATE SET
            status     = excluded.status,
            attempts   = excluded.attempts,
            last_error = excluded.last_error,
            updated_at = excluded.updated_at
    `), rec.RunID, rec.Destination, string(rec.Status), rec.Attempts, rec.LastError, formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("record delivery %s/%s: %w", rec.RunID, rec.Destination, err)
	}
	return nil
}

func (s *sqlStore) ListDeliveries(ctx context.Context, runID string) ([]*DeliveryRecord, error) {
	rows, err := s.db.QueryxContext(ctx, s.q(`
        SELECT run_id, destination, status, attempts, last_error, updated_at
        FROM deliveries WHERE run_id = ? ORDER BY destination ASC
    `), runID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []*DeliveryRecord
	for rows.Next() {
		var (
			rec       DeliveryRecord
			status    string
			updatedAt string
		)
		if err := rows.Scan(&rec.RunID, &rec.Destination, &status, &rec.Attempts, &rec.LastError, &updatedAt); err != nil {
			return nil, err
		}
		rec.Status = models.DeliveryStatus(status)
		if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListUndelivered(ctx context.Context, limit int) ([]*models.WorkflowRun, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.q(`
        SELECT run_id FROM workflow_runs
        WHERE delivery_status = ? AND state IN (?,?,?,?)
        ORDER BY started_at ASC LIMIT ?
    `), string(models.DeliveryPending), string(models.RunCompleted), string(models.RunFailed),
		string(models.RunCancelled), string(models.RunTimedOut), limit); err != nil {
		return nil, fmt.Errorf("list undelivered runs: %w", err)
	}
	return s.loadRuns(ctx, ids)
}

func (s *sqlStore) SetDeliveryStatus(ctx context.Context, runID string, status models.DeliveryStatus) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE workflow_runs SET delivery_status = ? WHERE run_id = ?`),
		string(status), runID)
	if err != nil {
		return fmt.Errorf("set delivery status for %s: %w", runID, err)
	}
	return nil
}

// ─── Encoding helpers ─────────────────────────────────────────────────────────

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// marshalOptional encodes nil pointers as the empty string.
func marshalOptional[T any](v *T) string {
	if v == nil {
		return ""
	}
	return marshalJSON(v)
}

func unmarshalJSON(s string, v interface{}) error {
	if s == "" || s == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("decode column: %w", err)
	}
	return nil
}
