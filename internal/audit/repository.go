package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads audit_logs.
type Repository interface {
	Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error)
	All(ctx context.Context, filters TimelineFilters, limit int) ([]TimelineRow, error)
}

// PGRepository implements Repository over pgx.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository builds a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Window returns one page of rows, newest first.
func (r *PGRepository) Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error) {
	clause, args := whereClause(filters)
	query := fmt.Sprintf(`SELECT occurred_at, actor_id, action, entity, entity_id, meta FROM audit_logs%s
		ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d`, clause, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	return r.query(ctx, query, args...)
}

// All returns up to limit matching rows, newest first.
func (r *PGRepository) All(ctx context.Context, filters TimelineFilters, limit int) ([]TimelineRow, error) {
	clause, args := whereClause(filters)
	query := fmt.Sprintf(`SELECT occurred_at, actor_id, action, entity, entity_id, meta FROM audit_logs%s
		ORDER BY occurred_at DESC, id DESC LIMIT $%d`, clause, len(args)+1)
	args = append(args, limit)
	return r.query(ctx, query, args...)
}

func (r *PGRepository) query(ctx context.Context, query string, args ...any) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (TimelineRow, error) {
		var (
			out  TimelineRow
			meta []byte
		)
		if err := row.Scan(&out.At, &out.Actor, &out.Action, &out.Entity, &out.EntityID, &meta); err != nil {
			return out, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &out.Meta); err != nil {
				return out, fmt.Errorf("decode audit meta: %w", err)
			}
		}
		return out, nil
	})
}

func whereClause(f TimelineFilters) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To.Add(24*time.Hour))
	}
	for _, c := range [...]struct{ col, v string }{
		{"actor_id", f.Actor},
		{"entity", f.Entity},
		{"entity_id", f.EntityID},
		{"action", f.Action},
	} {
		if v := strings.TrimSpace(c.v); v != "" {
			add(c.col+" = $%d", v)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
