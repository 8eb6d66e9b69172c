package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flowstack/atomflow/atomerr"
	"github.com/flowstack/atomflow/atomstate"
	_ "modernc.org/sqlite"
)

// SQLiteAdapter is a SQLite-backed Adapter. It stores one file-database per
// process and is meant for single-process runs that need to survive a
// restart without standing up MySQL.
//
// SQLiteAdapter uses WAL mode for concurrent reads.
type SQLiteAdapter struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteAdapter opens (creating if necessary) a SQLite database at path
// and migrates its schema. Pass ":memory:" for an ephemeral database.
func NewSQLiteAdapter(path string) (*SQLiteAdapter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	a := &SQLiteAdapter{db: db}
	if err := a.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *SQLiteAdapter) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS atom_status (
			run_id TEXT NOT NULL,
			atom_name TEXT NOT NULL,
			state TEXT NOT NULL,
			intention TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, atom_name)
		)`,
		`CREATE TABLE IF NOT EXISTS atom_results (
			run_id TEXT NOT NULL,
			atom_name TEXT NOT NULL,
			result_json TEXT NOT NULL,
			PRIMARY KEY (run_id, atom_name)
		)`,
		`CREATE TABLE IF NOT EXISTS atom_failures (
			run_id TEXT NOT NULL,
			atom_name TEXT NOT NULL,
			message TEXT NOT NULL,
			PRIMARY KEY (run_id, atom_name)
		)`,
		`CREATE TABLE IF NOT EXISTS bindings (
			run_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value_json TEXT NOT NULL,
			PRIMARY KEY (run_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			step_id INTEGER NOT NULL,
			snapshot_json TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, label)
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key_value TEXT NOT NULL PRIMARY KEY,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (a *SQLiteAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return a.db.Close()
}

func (a *SQLiteAdapter) AtomState(ctx context.Context, runID, atomName string) (atomstate.State, error) {
	status, err := a.atomStatus(ctx, runID, atomName)
	if err != nil {
		return atomstate.Pending, err
	}
	return status.State, nil
}

func (a *SQLiteAdapter) AtomIntention(ctx context.Context, runID, atomName string) (atomstate.Intention, error) {
	status, err := a.atomStatus(ctx, runID, atomName)
	if err != nil {
		return atomstate.IntentExecute, err
	}
	return status.Intention, nil
}

func (a *SQLiteAdapter) atomStatus(ctx context.Context, runID, atomName string) (AtomStatus, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT state, intention FROM atom_status WHERE run_id = ? AND atom_name = ?`, runID, atomName)
	var stateStr, intentStr string
	if err := row.Scan(&stateStr, &intentStr); err != nil {
		if err == sql.ErrNoRows {
			return AtomStatus{State: atomstate.Pending, Intention: atomstate.IntentExecute}, nil
		}
		return AtomStatus{}, fmt.Errorf("query atom_status: %w", err)
	}
	return AtomStatus{State: parseState(stateStr), Intention: parseIntention(intentStr)}, nil
}

func (a *SQLiteAdapter) AtomStatuses(ctx context.Context, runID string, atomNames []string) (map[string]AtomStatus, error) {
	out := make(map[string]AtomStatus, len(atomNames))
	for _, name := range atomNames {
		status, err := a.atomStatus(ctx, runID, name)
		if err != nil {
			return nil, err
		}
		out[name] = status
	}
	return out, nil
}

func (a *SQLiteAdapter) SetAtomState(ctx context.Context, runID, atomName string, state atomstate.State) error {
	return a.upsertStatus(ctx, runID, atomName, &state, nil)
}

func (a *SQLiteAdapter) SetAtomIntention(ctx context.Context, runID, atomName string, intent atomstate.Intention) error {
	return a.upsertStatus(ctx, runID, atomName, nil, &intent)
}

func (a *SQLiteAdapter) upsertStatus(ctx context.Context, runID, atomName string, state *atomstate.State, intent *atomstate.Intention) error {
	current, err := a.atomStatus(ctx, runID, atomName)
	if err != nil {
		return err
	}
	if state != nil {
		current.State = *state
	}
	if intent != nil {
		current.Intention = *intent
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO atom_status (run_id, atom_name, state, intention)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, atom_name) DO UPDATE SET state = excluded.state, intention = excluded.intention, updated_at = CURRENT_TIMESTAMP
	`, runID, atomName, current.State.String(), current.Intention.String())
	if err != nil {
		return fmt.Errorf("upsert atom_status: %w", err)
	}
	return nil
}

func (a *SQLiteAdapter) SaveResult(ctx context.Context, runID, atomName string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO atom_results (run_id, atom_name, result_json) VALUES (?, ?, ?)
		ON CONFLICT(run_id, atom_name) DO UPDATE SET result_json = excluded.result_json
	`, runID, atomName, string(data))
	if err != nil {
		return fmt.Errorf("upsert atom_results: %w", err)
	}
	return nil
}

func (a *SQLiteAdapter) SaveFailure(ctx context.Context, runID, atomName string, failure error) error {
	msg := ""
	if failure != nil {
		msg = failure.Error()
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO atom_failures (run_id, atom_name, message) VALUES (?, ?, ?)
		ON CONFLICT(run_id, atom_name) DO UPDATE SET message = excluded.message
	`, runID, atomName, msg)
	if err != nil {
		return fmt.Errorf("upsert atom_failures: %w", err)
	}
	return nil
}

func (a *SQLiteAdapter) Result(ctx context.Context, runID, atomName string) (any, bool, error) {
	row := a.db.QueryRowContext(ctx, `SELECT result_json FROM atom_results WHERE run_id = ? AND atom_name = ?`, runID, atomName)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query atom_results: %w", err)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false, fmt.Errorf("unmarshal result: %w", err)
	}
	return v, true, nil
}

func (a *SQLiteAdapter) Failure(ctx context.Context, runID, atomName string) (string, bool, error) {
	row := a.db.QueryRowContext(ctx, `SELECT message FROM atom_failures WHERE run_id = ? AND atom_name = ?`, runID, atomName)
	var msg string
	if err := row.Scan(&msg); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query atom_failures: %w", err)
	}
	return msg, true, nil
}

func (a *SQLiteAdapter) Fetch(ctx context.Context, runID, key string) (any, bool, error) {
	row := a.db.QueryRowContext(ctx, `SELECT value_json FROM bindings WHERE run_id = ? AND key = ?`, runID, key)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query bindings: %w", err)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false, fmt.Errorf("unmarshal binding: %w", err)
	}
	return v, true, nil
}

func (a *SQLiteAdapter) Bind(ctx context.Context, runID, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal binding: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO bindings (run_id, key, value_json) VALUES (?, ?, ?)
		ON CONFLICT(run_id, key) DO UPDATE SET value_json = excluded.value_json
	`, runID, key, string(data))
	if err != nil {
		return fmt.Errorf("upsert bindings: %w", err)
	}
	return nil
}

func (a *SQLiteAdapter) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	snapshot, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if cp.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx, `INSERT INTO idempotency_keys (key_value) VALUES (?)`, cp.IdempotencyKey); err != nil {
			return fmt.Errorf("duplicate checkpoint: idempotency key %q already used", cp.IdempotencyKey)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, label, step_id, snapshot_json, idempotency_key) VALUES (?, '', ?, ?, ?)
		ON CONFLICT(run_id, label) DO UPDATE SET step_id = excluded.step_id, snapshot_json = excluded.snapshot_json, idempotency_key = excluded.idempotency_key
	`, cp.RunID, cp.StepID, string(snapshot), cp.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}

	if cp.Label != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkpoints (run_id, label, step_id, snapshot_json, idempotency_key) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(run_id, label) DO UPDATE SET step_id = excluded.step_id, snapshot_json = excluded.snapshot_json, idempotency_key = excluded.idempotency_key
		`, cp.RunID, cp.Label, cp.StepID, string(snapshot), cp.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("upsert labeled checkpoint: %w", err)
		}
	}

	return tx.Commit()
}

func (a *SQLiteAdapter) LoadCheckpoint(ctx context.Context, runID, label string) (Checkpoint, error) {
	row := a.db.QueryRowContext(ctx, `SELECT snapshot_json FROM checkpoints WHERE run_id = ? AND label = ?`, runID, label)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return Checkpoint{}, atomerr.ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("query checkpoints: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

func parseState(s string) atomstate.State {
	for st := atomstate.Pending; st <= atomstate.Ignore; st++ {
		if st.String() == s {
			return st
		}
	}
	return atomstate.Pending
}

func parseIntention(s string) atomstate.Intention {
	for it := atomstate.IntentExecute; it <= atomstate.IntentIgnore; it++ {
		if it.String() == s {
			return it
		}
	}
	return atomstate.IntentExecute
}
