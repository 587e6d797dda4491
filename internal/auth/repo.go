package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rotafood/rotafood/internal/shared"
)

// ErrEmailTaken is returned when an operator email already exists.
var ErrEmailTaken = errors.New("operator email already registered")

// Repository defines persistence operations for operators.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*Operator, error)
	FindByID(ctx context.Context, id string) (*Operator, error)
	Create(ctx context.Context, op Operator) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const operatorColumns = `id, email, name, password_hash, is_active, created_at, updated_at`

// FindByEmail fetches an operator by email, case-insensitively.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*Operator, error) {
	return scanOperator(r.pool.QueryRow(ctx, `SELECT `+operatorColumns+` FROM operators WHERE lower(email) = lower($1)`, email))
}

// FindByID fetches an operator by id.
func (r *PGRepository) FindByID(ctx context.Context, id string) (*Operator, error) {
	return scanOperator(r.pool.QueryRow(ctx, `SELECT `+operatorColumns+` FROM operators WHERE id = $1`, id))
}

// Create inserts a new operator.
func (r *PGRepository) Create(ctx context.Context, op Operator) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO operators (id, email, name, password_hash, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)`, op.ID, op.Email, op.Name, op.PasswordHash, op.IsActive, op.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert operator: %w", err)
	}
	return nil
}

func scanOperator(row pgx.Row) (*Operator, error) {
	var op Operator
	if err := row.Scan(&op.ID, &op.Email, &op.Name, &op.PasswordHash, &op.IsActive, &op.CreatedAt, &op.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &op, nil
}

var _ Repository = (*PGRepository)(nil)
