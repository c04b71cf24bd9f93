package db

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrMemoryTxNoSQL = errors.New("memory transaction does not execute SQL")

// Staged is implemented by in-memory transactions. Writes registered with
// OnCommit are applied only if the transaction commits.
type Staged interface {
	OnCommit(apply func())
}

// MemoryRunner is a TxRunner for in-memory stores. Stores stage their writes
// on the transaction; a failing fn discards them.
type MemoryRunner struct {
	mu sync.Mutex
}

func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{}
}

func (r *MemoryRunner) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for _, apply := range tx.hooks {
		apply()
	}
	return nil
}

type memoryTx struct {
	hooks []func()
}

func (t *memoryTx) OnCommit(apply func()) {
	t.hooks = append(t.hooks, apply)
}

func (t *memoryTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, ErrMemoryTxNoSQL
}

func (t *memoryTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, ErrMemoryTxNoSQL
}

func (t *memoryTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{err: ErrMemoryTxNoSQL}
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

var (
	_ TxRunner = (*MemoryRunner)(nil)
	_ Staged   = (*memoryTx)(nil)
)
