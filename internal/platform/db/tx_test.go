package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolledBack = true
	return nil
}

type fakeBeginner struct {
	txs []*fakeTx
	err error
}

func (f *fakeBeginner) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if f.err != nil {
		return nil, f.err
	}
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, Retryable(fmt.Errorf("lock order: %w", &pgconn.PgError{Code: "40P01"})))
	assert.False(t, Retryable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, Retryable(errors.New("connection reset")))
	assert.False(t, Retryable(nil))
}

func TestWithTxCommitsOrRollsBack(t *testing.T) {
	pool := &fakeBeginner{}
	assert.NoError(t, WithTx(context.Background(), pool, func(pgx.Tx) error { return nil }))
	assert.True(t, pool.txs[0].committed)

	boom := errors.New("boom")
	assert.ErrorIs(t, WithTx(context.Background(), pool, func(pgx.Tx) error { return boom }), boom)
	assert.False(t, pool.txs[1].committed)
	assert.True(t, pool.txs[1].rolledBack)

	pool.err = errors.New("pool closed")
	assert.ErrorIs(t, WithTx(context.Background(), pool, func(pgx.Tx) error { return nil }), pool.err)
}

func TestWithRetryingTx(t *testing.T) {
	pool := &fakeBeginner{}
	calls := 0
	err := WithRetryingTx(context.Background(), pool, 3, func(pgx.Tx) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, pool.txs[2].committed)

	calls = 0
	err = WithRetryingTx(context.Background(), pool, 2, func(pgx.Tx) error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})
	assert.True(t, Retryable(err))
	assert.Equal(t, 2, calls)

	calls = 0
	err = WithRetryingTx(context.Background(), pool, 5, func(pgx.Tx) error {
		calls++
		return errors.New("not found")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
