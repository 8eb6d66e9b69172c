package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowstack/atomflow/atomerr"
	"github.com/flowstack/atomflow/atomstate"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLAdapter is a MySQL/MariaDB-backed Adapter, for production runs that
// need to survive process restarts and be shared across workers.
//
// The DSN format is the usual go-sql-driver/mysql one, e.g.
// "user:pass@tcp(localhost:3306)/atomflow?parseTime=true". Credentials
// should come from the environment, never be hardcoded.
type MySQLAdapter struct {
	db *sql.DB
}

// NewMySQLAdapter opens a MySQL connection pool and migrates its schema.
func NewMySQLAdapter(dsn string) (*MySQLAdapter, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	a := &MySQLAdapter{db: db}
	if err := a.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *MySQLAdapter) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS atom_status (
			run_id VARCHAR(128) NOT NULL,
			atom_name VARCHAR(255) NOT NULL,
			state VARCHAR(32) NOT NULL,
			intention VARCHAR(32) NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, atom_name)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS atom_results (
			run_id VARCHAR(128) NOT NULL,
			atom_name VARCHAR(255) NOT NULL,
			result_json MEDIUMTEXT NOT NULL,
			PRIMARY KEY (run_id, atom_name)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS atom_failures (
			run_id VARCHAR(128) NOT NULL,
			atom_name VARCHAR(255) NOT NULL,
			message MEDIUMTEXT NOT NULL,
			PRIMARY KEY (run_id, atom_name)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS bindings (
			run_id VARCHAR(128) NOT NULL,
			` + "`key`" + ` VARCHAR(255) NOT NULL,
			value_json MEDIUMTEXT NOT NULL,
			PRIMARY KEY (run_id, ` + "`key`" + `)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id VARCHAR(128) NOT NULL,
			label VARCHAR(255) NOT NULL DEFAULT '',
			step_id INT NOT NULL,
			snapshot_json MEDIUMTEXT NOT NULL,
			idempotency_key VARCHAR(128) NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, label)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key_value VARCHAR(128) NOT NULL PRIMARY KEY,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (a *MySQLAdapter) Close() error { return a.db.Close() }

func (a *MySQLAdapter) AtomState(ctx context.Context, runID, atomName string) (atomstate.State, error) {
	status, err := a.atomStatus(ctx, runID, atomName)
	if err != nil {
		return atomstate.Pending, err
	}
	return status.State, nil
}

func (a *MySQLAdapter) AtomIntention(ctx context.Context, runID, atomName string) (atomstate.Intention, error) {
	status, err := a.atomStatus(ctx, runID, atomName)
	if err != nil {
		return atomstate.IntentExecute, err
	}
	return status.Intention, nil
}

func (a *MySQLAdapter) atomStatus(ctx context.Context, runID, atomName string) (AtomStatus, error) {
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

func (a *MySQLAdapter) AtomStatuses(ctx context.Context, runID string, atomNames []string) (map[string]AtomStatus, error) {
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

func (a *MySQLAdapter) SetAtomState(ctx context.Context, runID, atomName string, state atomstate.State) error {
	return a.upsertStatus(ctx, runID, atomName, &state, nil)
}

func (a *MySQLAdapter) SetAtomIntention(ctx context.Context, runID, atomName string, intent atomstate.Intention) error {
	return a.upsertStatus(ctx, runID, atomName, nil, &intent)
}

func (a *MySQLAdapter) upsertStatus(ctx context.Context, runID, atomName string, state *atomstate.State, intent *atomstate.Intention) error {
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
		INSERT INTO atom_status (run_id, atom_name, state, intention) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE state = VALUES(state), intention = VALUES(intention)
	`, runID, atomName, current.State.String(), current.Intention.String())
	if err != nil {
		return fmt.Errorf("upsert atom_status: %w", err)
	}
	return nil
}

func (a *MySQLAdapter) SaveResult(ctx context.Context, runID, atomName string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO atom_results (run_id, atom_name, result_json) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE result_json = VALUES(result_json)
	`, runID, atomName, string(data))
	if err != nil {
		return fmt.Errorf("upsert atom_results: %w", err)
	}
	return nil
}

func (a *MySQLAdapter) SaveFailure(ctx context.Context, runID, atomName string, failure error) error {
	msg := ""
	if failure != nil {
		msg = failure.Error()
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO atom_failures (run_id, atom_name, message) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE message = VALUES(message)
	`, runID, atomName, msg)
	if err != nil {
		return fmt.Errorf("upsert atom_failures: %w", err)
	}
	return nil
}

func (a *MySQLAdapter) Result(ctx context.Context, runID, atomName string) (any, bool, error) {
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

func (a *MySQLAdapter) Failure(ctx context.Context, runID, atomName string) (string, bool, error) {
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

func (a *MySQLAdapter) Fetch(ctx context.Context, runID, key string) (any, bool, error) {
	row := a.db.QueryRowContext(ctx, "SELECT value_json FROM bindings WHERE run_id = ? AND `key` = ?", runID, key)
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

func (a *MySQLAdapter) Bind(ctx context.Context, runID, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal binding: %w", err)
	}
	_, err = a.db.ExecContext(ctx, "INSERT INTO bindings (run_id, `key`, value_json) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE value_json = VALUES(value_json)",
		runID, key, string(data))
	if err != nil {
		return fmt.Errorf("upsert bindings: %w", err)
	}
	return nil
}

func (a *MySQLAdapter) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
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
		ON DUPLICATE KEY UPDATE step_id = VALUES(step_id), snapshot_json = VALUES(snapshot_json), idempotency_key = VALUES(idempotency_key)
	`, cp.RunID, cp.StepID, string(snapshot), cp.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}

	if cp.Label != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkpoints (run_id, label, step_id, snapshot_json, idempotency_key) VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE step_id = VALUES(step_id), snapshot_json = VALUES(snapshot_json), idempotency_key = VALUES(idempotency_key)
		`, cp.RunID, cp.Label, cp.StepID, string(snapshot), cp.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("upsert labeled checkpoint: %w", err)
		}
	}

	return tx.Commit()
}

func (a *MySQLAdapter) LoadCheckpoint(ctx context.Context, runID, label string) (Checkpoint, error) {
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
