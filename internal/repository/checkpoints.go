package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// --- Checkpoint Store RPCs ---
//
// Every write is a single-statement server-side JSONB merge so overlapping
// invocations cannot lose each other's fields. Writes assert the run's
// lease; zero rows affected on an existing run means the lease moved on and
// the caller gets ErrLockLost.

// SetStepInProgress claims the run for this invocation: it records the
// current step, reassigns the lease to the given invocation id, and merges
// extra into the step's state. Lease handover is conveyed by the
// orchestrator dispatching with a fresh id; the claim itself is therefore
// unconditional.
func (r *Repository) SetStepInProgress(ctx context.Context, runID, step string, extra any, lease string) error {
	patch, err := marshalPatch(extra)
	if err != nil {
		return fmt.Errorf("marshal step extra: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO app.pipeline_runs (run_id, current_step, lock_invocation_id, steps)
		VALUES ($1, $2, $3, jsonb_build_object($2::text, $4::jsonb))
		ON CONFLICT (run_id) DO UPDATE SET
			current_step = EXCLUDED.current_step,
			lock_invocation_id = EXCLUDED.lock_invocation_id,
			steps = jsonb_set(
				COALESCE(app.pipeline_runs.steps, '{}'::jsonb),
				ARRAY[$2::text],
				COALESCE(app.pipeline_runs.steps -> $2::text, '{}'::jsonb) || $4::jsonb),
			updated_at = NOW()`,
		runID, step, lease, patch,
	)
	if err != nil {
		return fmt.Errorf("set step in progress: %w", err)
	}
	return nil
}

// MergeStepPatch shallow-merges patch into the run's state for one step,
// creating the run if absent. Rejected with ErrLockLost when the stored
// lease no longer matches.
func (r *Repository) MergeStepPatch(ctx context.Context, runID, step string, patch any, lease string) error {
	body, err := marshalPatch(patch)
	if err != nil {
		return fmt.Errorf("marshal step patch: %w", err)
	}
	cmd, err := r.db.Exec(ctx, `
		INSERT INTO app.pipeline_runs (run_id, lock_invocation_id, steps)
		VALUES ($1, $3, jsonb_build_object($2::text, $4::jsonb))
		ON CONFLICT (run_id) DO UPDATE SET
			steps = jsonb_set(
				COALESCE(app.pipeline_runs.steps, '{}'::jsonb),
				ARRAY[$2::text],
				COALESCE(app.pipeline_runs.steps -> $2::text, '{}'::jsonb) || $4::jsonb),
			updated_at = NOW()
		WHERE app.pipeline_runs.lock_invocation_id = $3`,
		runID, step, lease, body,
	)
	if err != nil {
		return fmt.Errorf("merge step patch: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrLockLost
	}
	return nil
}

// MergeMetricsPatch shallow-merges patch into the run's metrics object.
func (r *Repository) MergeMetricsPatch(ctx context.Context, runID string, patch any, lease string) error {
	body, err := marshalPatch(patch)
	if err != nil {
		return fmt.Errorf("marshal metrics patch: %w", err)
	}
	cmd, err := r.db.Exec(ctx, `
		INSERT INTO app.pipeline_runs (run_id, lock_invocation_id, metrics)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (run_id) DO UPDATE SET
			metrics = COALESCE(app.pipeline_runs.metrics, '{}'::jsonb) || $3::jsonb,
			updated_at = NOW()
		WHERE app.pipeline_runs.lock_invocation_id = $2`,
		runID, lease, body,
	)
	if err != nil {
		return fmt.Errorf("merge metrics patch: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrLockLost
	}
	return nil
}

// LogEvent appends a diagnostic event for the run. Deduplicated on content
// so orchestrator replays do not multiply identical events.
func (r *Repository) LogEvent(ctx context.Context, runID, level, message string, details any) error {
	var body []byte
	if details != nil {
		var err error
		body, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
	}
	sum := sha256.Sum256(append([]byte(level+"\x00"+message+"\x00"), body...))
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.pipeline_events (run_id, level, message, details, dedup_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, dedup_hash) DO NOTHING`,
		runID, level, message, body, hex.EncodeToString(sum[:]),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// LoadStepRaw returns the stored JSON state for one step of a run, or nil
// when the run or the step state does not exist.
func (r *Repository) LoadStepRaw(ctx context.Context, runID, step string) (json.RawMessage, error) {
	var raw []byte
	err := r.db.QueryRow(ctx,
		`SELECT steps -> $2::text FROM app.pipeline_runs WHERE run_id = $1`,
		runID, step,
	).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load step state: %w", err)
	}
	return raw, nil
}

// RunRecord is one row of app.pipeline_runs.
type RunRecord struct {
	RunID            string          `json:"run_id"`
	CurrentStep      string          `json:"current_step"`
	LockInvocationID string          `json:"lock_invocation_id"`
	Steps            json.RawMessage `json:"steps"`
	Metrics          json.RawMessage `json:"metrics"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// GetRun returns the run row, or nil when it does not exist.
func (r *Repository) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var rec RunRecord
	err := r.db.QueryRow(ctx, `
		SELECT run_id, current_step, lock_invocation_id, steps, metrics, created_at, updated_at
		FROM app.pipeline_runs WHERE run_id = $1`, runID,
	).Scan(&rec.RunID, &rec.CurrentStep, &rec.LockInvocationID, &rec.Steps, &rec.Metrics, &rec.CreatedAt, &rec.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &rec, nil
}

// RecentRuns lists run rows ordered by last update, newest first.
func (r *Repository) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.db.Query(ctx, `
		SELECT run_id, current_step, lock_invocation_id, steps, metrics, created_at, updated_at
		FROM app.pipeline_runs
		ORDER BY updated_at DESC
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(&rec.RunID, &rec.CurrentStep, &rec.LockInvocationID, &rec.Steps, &rec.Metrics, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RunEvent is one diagnostic event row.
type RunEvent struct {
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// RecentEvents lists a run's diagnostic events, newest first.
func (r *Repository) RecentEvents(ctx context.Context, runID string, limit int) ([]RunEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT level, message, details, created_at
		FROM app.pipeline_events
		WHERE run_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var ev RunEvent
		if err := rows.Scan(&ev.Level, &ev.Message, &ev.Details, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteRun removes a run row and its events. Used by the reset tool.
func (r *Repository) DeleteRun(ctx context.Context, runID string) (bool, error) {
	if _, err := r.db.Exec(ctx, `DELETE FROM app.pipeline_events WHERE run_id = $1`, runID); err != nil {
		return false, fmt.Errorf("delete run events: %w", err)
	}
	cmd, err := r.db.Exec(ctx, `DELETE FROM app.pipeline_runs WHERE run_id = $1`, runID)
	if err != nil {
		return false, fmt.Errorf("delete run: %w", err)
	}
	return cmd.RowsAffected() > 0, nil
}

func marshalPatch(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
