// Package postgres stores work order snapshots, artifacts and execution
// history in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/postgres/migrations"
	"github.com/ramiqadoumi/tbwo/internal/store"
)

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool as a store.Repository. Close closes the pool.
func NewRepository(pool *pgxpool.Pool) store.Repository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies every embedded migration in order. Migrations are
// idempotent, so running it twice is safe. It returns the applied files.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	files, err := migrations.Files()
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	for _, f := range files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return nil, fmt.Errorf("execute migration %s: %w", f, err)
		}
	}
	return files, nil
}

func (r *repository) SaveWorkOrder(ctx context.Context, wo *domain.WorkOrder) error {
	snapshot, err := json.Marshal(wo)
	if err != nil {
		return fmt.Errorf("marshal work order %s: %w", wo.ID, err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO work_orders (id, objective, status, quality, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at
	`,
		wo.ID, wo.Objective, string(wo.Status), string(wo.Quality),
		snapshot, wo.CreatedAt, wo.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save work order %s: %w", wo.ID, err)
	}
	return nil
}

func (r *repository) GetWorkOrder(ctx context.Context, id string) (*domain.WorkOrder, error) {
	row := r.pool.QueryRow(ctx, `SELECT snapshot FROM work_orders WHERE id = $1`, id)
	wo, err := scanWorkOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.WorkOrderNotFoundError{WorkOrderID: id}
	}
	return wo, err
}

func (r *repository) ListWorkOrders(ctx context.Context, f store.Filter) ([]*domain.WorkOrder, error) {
	statuses := make([]string, 0, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.pool.Query(ctx, `
		SELECT snapshot
		FROM work_orders
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
		ORDER BY created_at DESC
		LIMIT $2
	`, statuses, limit)
	if err != nil {
		return nil, fmt.Errorf("list work orders: %w", err)
	}
	defer rows.Close()

	var out []*domain.WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wo)
	}
	return out, rows.Err()
}

func (r *repository) SaveArtifact(ctx context.Context, a domain.Artifact) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO artifacts
			(id, work_order_id, name, path, type, content, created_by, creator_role,
			 phase_index, task_id, version, supersedes, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`,
		a.ID, a.WorkOrderID, a.Name, a.Path, string(a.Type), a.Content, a.CreatedBy, string(a.CreatorRole),
		a.PhaseIndex, a.TaskID, a.Version, a.Supersedes, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save artifact %s: %w", a.ID, err)
	}
	return nil
}

func (r *repository) ListArtifacts(ctx context.Context, workOrderID string) ([]domain.Artifact, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, work_order_id, name, path, type, content, created_by, creator_role,
		       phase_index, task_id, version, supersedes, created_at
		FROM artifacts
		WHERE work_order_id = $1
		ORDER BY seq
	`, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for %s: %w", workOrderID, err)
	}
	defer rows.Close()

	var out []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var typ, role string
		if err := rows.Scan(
			&a.ID, &a.WorkOrderID, &a.Name, &a.Path, &typ, &a.Content, &a.CreatedBy, &role,
			&a.PhaseIndex, &a.TaskID, &a.Version, &a.Supersedes, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Type, a.CreatorRole = domain.ArtifactType(typ), domain.Role(role)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repository) RecordExecution(ctx context.Context, exec *domain.TaskExecution) error {
	store.PrepareExecution(exec)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_executions
			(id, work_order_id, task_id, pod_id, model, attempt, status, tokens, cost_usd, duration_ms, error, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		exec.ID, exec.WorkOrderID, exec.TaskID, exec.PodID, exec.Model, exec.Attempt,
		string(exec.Status), exec.Tokens, exec.CostUSD, exec.DurationMs, exec.Error, exec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record execution for task %s: %w", exec.TaskID, err)
	}
	return nil
}

func (r *repository) ListExecutions(ctx context.Context, workOrderID string) ([]domain.TaskExecution, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, work_order_id, task_id, pod_id, model, attempt, status, tokens, cost_usd, duration_ms, error, executed_at
		FROM task_executions
		WHERE work_order_id = $1
		ORDER BY executed_at, attempt
	`, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("list executions for %s: %w", workOrderID, err)
	}
	defer rows.Close()

	var out []domain.TaskExecution
	for rows.Next() {
		var e domain.TaskExecution
		var status string
		if err := rows.Scan(
			&e.ID, &e.WorkOrderID, &e.TaskID, &e.PodID, &e.Model, &e.Attempt,
			&status, &e.Tokens, &e.CostUSD, &e.DurationMs, &e.Error, &e.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Status = domain.TaskStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *repository) Close() error {
	r.pool.Close()
	return nil
}

// scanWorkOrder decodes a snapshot column from any pgx row type.
func scanWorkOrder(row interface {
	Scan(...any) error
}) (*domain.WorkOrder, error) {
	var snapshot []byte
	if err := row.Scan(&snapshot); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan work order: %w", err)
	}
	var wo domain.WorkOrder
	if err := json.Unmarshal(snapshot, &wo); err != nil {
		return nil, fmt.Errorf("decode work order snapshot: %w", err)
	}
	return &wo, nil
}
