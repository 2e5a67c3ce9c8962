package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Thread mirrors an agent thread in the cache.
type Thread struct {
	ID            string
	Cwd           string
	Preview       string
	ModelProvider string
	Archived      bool
	CreatedAt     string
	UpdatedAt     string
}

// Job mirrors a worker job.
type Job struct {
	ID         string
	ThreadID   string
	TurnID     string
	State      string
	Error      string
	CreatedAt  string
	UpdatedAt  string
	TerminalAt sql.NullString
}

// Event is one persisted envelope row.
type Event struct {
	JobID   string
	Seq     int64
	Type    string
	TS      string
	Payload string
}

// Approval is a persisted approval request.
type Approval struct {
	ID        string
	JobID     string
	ThreadID  string
	TurnID    string
	ItemID    string
	Kind      string
	RequestID string
	Method    string
	Payload   string
	CreatedAt string
}

// Decision is the terminal record for an approval.
type Decision struct {
	ApprovalID string
	Decision   string
	DecidedAt  string
	Actor      string
	Extra      string
}

// PushDevice is a registered push target keyed by token.
type PushDevice struct {
	Token       string
	Platform    string
	BundleID    string
	Environment string
	DeviceName  string
	CreatedAt   string
	UpdatedAt   string
	LastSeenAt  string
}

// ProjectionRow is one materialized thread-event projection entry.
type ProjectionRow struct {
	ThreadID     string
	ThreadCursor int64
	Envelope     string
}

// Store wraps the SQLite cache. All writes go through the single
// connection configured in Open, which serializes them.
type Store struct {
	db *sql.DB
}

// New wraps an opened, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for shutdown checkpointing.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ---- threads ----

func (s *Store) UpsertThread(ctx context.Context, t Thread) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, cwd, preview, model_provider, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cwd = excluded.cwd,
			preview = excluded.preview,
			model_provider = excluded.model_provider,
			archived = excluded.archived,
			updated_at = excluded.updated_at`,
		t.ID, t.Cwd, t.Preview, t.ModelProvider, boolInt(t.Archived), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert thread: %w", err)
	}
	return nil
}

func (s *Store) GetThread(ctx context.Context, id string) (Thread, error) {
	var t Thread
	var archived int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, cwd, preview, model_provider, archived, created_at, updated_at
		FROM threads WHERE id = ?`, id).
		Scan(&t.ID, &t.Cwd, &t.Preview, &t.ModelProvider, &archived, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	t.Archived = archived != 0
	return t, nil
}

// ListThreads returns cached threads, optionally filtered by archived
// state, newest updated first.
func (s *Store) ListThreads(ctx context.Context, archived *bool) ([]Thread, error) {
	q := `SELECT id, cwd, preview, model_provider, archived, created_at, updated_at
		FROM threads`
	var args []any
	if archived != nil {
		q += ` WHERE archived = ?`
		args = append(args, boolInt(*archived))
	}
	q += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		var t Thread
		var a int
		if err := rows.Scan(&t.ID, &t.Cwd, &t.Preview, &t.ModelProvider, &a, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Archived = a != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SetThreadArchived(ctx context.Context, id string, archived bool, updatedAt string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET archived = ?, updated_at = ? WHERE id = ?`,
		boolInt(archived), updatedAt, id)
	if err != nil {
		return fmt.Errorf("set thread archived: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- jobs ----

func (s *Store) UpsertJob(ctx context.Context, j Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, thread_id, turn_id, state, error, created_at, updated_at, terminal_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			turn_id = excluded.turn_id,
			state = excluded.state,
			error = excluded.error,
			updated_at = excluded.updated_at,
			terminal_at = excluded.terminal_at`,
		j.ID, j.ThreadID, j.TurnID, j.State, j.Error, j.CreatedAt, j.UpdatedAt, j.TerminalAt)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var j Job
	err := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, turn_id, state, error, created_at, updated_at, terminal_at
		FROM jobs WHERE id = ?`, id).
		Scan(&j.ID, &j.ThreadID, &j.TurnID, &j.State, &j.Error, &j.CreatedAt, &j.UpdatedAt, &j.TerminalAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ---- events ----

func (s *Store) AppendEvent(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO job_events (job_id, seq, type, ts, payload)
		VALUES (?, ?, ?, ?, ?)`,
		e.JobID, e.Seq, e.Type, e.TS, e.Payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEventsByThread is the degraded fallback when the projection path
// is unavailable: a flat scan of persisted events for every job of the
// thread, in (job created, seq) order.
func (s *Store) ListEventsByThread(ctx context.Context, threadID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.job_id, e.seq, e.type, e.ts, e.payload
		FROM job_events e
		JOIN jobs j ON j.id = e.job_id
		WHERE j.thread_id = ?
		ORDER BY j.created_at, e.seq`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list events by thread: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.JobID, &e.Seq, &e.Type, &e.TS, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- approvals ----

func (s *Store) InsertApproval(ctx context.Context, a Approval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO approvals
			(id, job_id, thread_id, turn_id, item_id, kind, request_id, method, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.JobID, a.ThreadID, a.TurnID, a.ItemID, a.Kind, a.RequestID, a.Method, a.Payload, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// InsertDecision writes a decision if none exists. It reports whether
// this call performed the write, so callers can respond upstream
// exactly once.
func (s *Store) InsertDecision(ctx context.Context, d Decision) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO approval_decisions (approval_id, decision, decided_at, actor, extra)
		VALUES (?, ?, ?, ?, ?)`,
		d.ApprovalID, d.Decision, d.DecidedAt, d.Actor, d.Extra)
	if err != nil {
		return false, fmt.Errorf("insert decision: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) GetDecision(ctx context.Context, approvalID string) (Decision, error) {
	var d Decision
	err := s.db.QueryRowContext(ctx, `
		SELECT approval_id, decision, decided_at, actor, extra
		FROM approval_decisions WHERE approval_id = ?`, approvalID).
		Scan(&d.ApprovalID, &d.Decision, &d.DecidedAt, &d.Actor, &d.Extra)
	if errors.Is(err, sql.ErrNoRows) {
		return Decision{}, ErrNotFound
	}
	if err != nil {
		return Decision{}, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

// ---- push devices ----

func (s *Store) UpsertPushDevice(ctx context.Context, d PushDevice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_devices
			(token, platform, bundle_id, environment, device_name, created_at, updated_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			platform = excluded.platform,
			bundle_id = excluded.bundle_id,
			environment = excluded.environment,
			device_name = excluded.device_name,
			updated_at = excluded.updated_at,
			last_seen_at = excluded.last_seen_at`,
		d.Token, d.Platform, d.BundleID, d.Environment, d.DeviceName, d.CreatedAt, d.UpdatedAt, d.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert push device: %w", err)
	}
	return nil
}

func (s *Store) DeletePushDevice(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM push_devices WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("delete push device: %w", err)
	}
	return nil
}

func (s *Store) ListPushDevices(ctx context.Context) ([]PushDevice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, platform, bundle_id, environment, device_name, created_at, updated_at, last_seen_at
		FROM push_devices ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list push devices: %w", err)
	}
	defer rows.Close()

	var out []PushDevice
	for rows.Next() {
		var d PushDevice
		if err := rows.Scan(&d.Token, &d.Platform, &d.BundleID, &d.Environment, &d.DeviceName,
			&d.CreatedAt, &d.UpdatedAt, &d.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---- thread-event projection ----

// ReplaceThreadProjection atomically swaps the materialized projection
// for a thread.
func (s *Store) ReplaceThreadProjection(ctx context.Context, threadID string, envelopes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM thread_event_projection WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("clear projection: %w", err)
	}

	if len(envelopes) > 0 {
		var sb strings.Builder
		sb.WriteString(`INSERT INTO thread_event_projection (thread_id, thread_cursor, envelope) VALUES `)
		args := make([]any, 0, len(envelopes)*3)
		for i, env := range envelopes {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?)")
			args = append(args, threadID, int64(i), env)
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("insert projection: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) DeleteThreadProjection(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM thread_event_projection WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("delete projection: %w", err)
	}
	return nil
}

// ListThreadProjection returns entries with thread_cursor > afterCursor,
// at most limit rows.
func (s *Store) ListThreadProjection(ctx context.Context, threadID string, afterCursor int64, limit int) ([]ProjectionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, thread_cursor, envelope
		FROM thread_event_projection
		WHERE thread_id = ? AND thread_cursor > ?
		ORDER BY thread_cursor
		LIMIT ?`, threadID, afterCursor, limit)
	if err != nil {
		return nil, fmt.Errorf("list projection: %w", err)
	}
	defer rows.Close()

	var out []ProjectionRow
	for rows.Next() {
		var r ProjectionRow
		if err := rows.Scan(&r.ThreadID, &r.ThreadCursor, &r.Envelope); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CountThreadProjection(ctx context.Context, threadID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM thread_event_projection WHERE thread_id = ?`, threadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count projection: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
