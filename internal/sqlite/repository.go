// Package sqlite is a single-node store.Repository on an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS work_orders (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	snapshot   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_work_orders_status ON work_orders (status);

CREATE TABLE IF NOT EXISTS artifacts (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	work_order_id TEXT NOT NULL,
	body          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_work_order ON artifacts (work_order_id, seq);

CREATE TABLE IF NOT EXISTS task_executions (
	id            TEXT PRIMARY KEY,
	work_order_id TEXT NOT NULL,
	executed_at   INTEGER NOT NULL,
	attempt       INTEGER NOT NULL,
	body          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_executions_work_order ON task_executions (work_order_id, executed_at);
`

type repository struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file at path and applies the
// schema.
func Open(ctx context.Context, path string) (store.Repository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &repository{db: db}, nil
}

func (r *repository) SaveWorkOrder(ctx context.Context, wo *domain.WorkOrder) error {
	snapshot, err := json.Marshal(wo)
	if err != nil {
		return fmt.Errorf("marshal work order %s: %w", wo.ID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO work_orders (id, status, snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET status = excluded.status, snapshot = excluded.snapshot, updated_at = excluded.updated_at
	`, wo.ID, string(wo.Status), string(snapshot), wo.CreatedAt.UnixNano(), wo.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save work order %s: %w", wo.ID, err)
	}
	return nil
}

func (r *repository) GetWorkOrder(ctx context.Context, id string) (*domain.WorkOrder, error) {
	var snapshot string
	err := r.db.QueryRowContext(ctx, `SELECT snapshot FROM work_orders WHERE id = ?`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.WorkOrderNotFoundError{WorkOrderID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get work order %s: %w", id, err)
	}
	return decode[domain.WorkOrder](snapshot)
}

func (r *repository) ListWorkOrders(ctx context.Context, f store.Filter) ([]*domain.WorkOrder, error) {
	query := `SELECT snapshot FROM work_orders`
	var args []any
	if len(f.Statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(`, ?`, len(f.Statuses)-1) + `)`
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work orders: %w", err)
	}
	defer rows.Close()

	var out []*domain.WorkOrder
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scan work order: %w", err)
		}
		wo, err := decode[domain.WorkOrder](snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, wo)
	}
	return out, rows.Err()
}

func (r *repository) SaveArtifact(ctx context.Context, a domain.Artifact) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact %s: %w", a.ID, err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, work_order_id, body) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		a.ID, a.WorkOrderID, string(body))
	if err != nil {
		return fmt.Errorf("save artifact %s: %w", a.ID, err)
	}
	return nil
}

func (r *repository) ListArtifacts(ctx context.Context, workOrderID string) ([]domain.Artifact, error) {
	return listBodies[domain.Artifact](ctx, r.db,
		`SELECT body FROM artifacts WHERE work_order_id = ? ORDER BY seq`, workOrderID)
}

func (r *repository) RecordExecution(ctx context.Context, exec *domain.TaskExecution) error {
	store.PrepareExecution(exec)
	body, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO task_executions (id, work_order_id, executed_at, attempt, body) VALUES (?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkOrderID, exec.ExecutedAt.UnixNano(), exec.Attempt, string(body))
	if err != nil {
		return fmt.Errorf("record execution for task %s: %w", exec.TaskID, err)
	}
	return nil
}

func (r *repository) ListExecutions(ctx context.Context, workOrderID string) ([]domain.TaskExecution, error) {
	return listBodies[domain.TaskExecution](ctx, r.db,
		`SELECT body FROM task_executions WHERE work_order_id = ? ORDER BY executed_at, attempt`, workOrderID)
}

func (r *repository) Close() error {
	return r.db.Close()
}

func decode[T any](body string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return &v, nil
}

func listBodies[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]T, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		v, err := decode[T](body)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}
