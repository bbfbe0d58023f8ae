package adapters

import (
	"context"
)

// TransactionManager scopes transaction frames on a single adapter.
// Nested WithTx calls map to savepoints; an inner rollback leaves the
// outer frame intact.
type TransactionManager struct {
	adapter Adapter
}

func NewTransactionManager(adapter Adapter) *TransactionManager {
	return &TransactionManager{adapter: adapter}
}

func (t *TransactionManager) Begin(ctx context.Context, isolation string) (TxHandle, error) {
	return t.adapter.BeginTx(ctx, isolation)
}

func (t *TransactionManager) Commit(ctx context.Context, h TxHandle) error {
	return t.adapter.Commit(ctx, h)
}

func (t *TransactionManager) Rollback(ctx context.Context, h TxHandle) error {
	return t.adapter.Rollback(ctx, h)
}

func (t *TransactionManager) InTx() bool { return t.adapter.InTx() }

// WithTx runs fn inside a transaction frame: begin on entry, commit on
// normal return, rollback on error, panic or cancellation.
func (t *TransactionManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	h, err := t.adapter.BeginTx(ctx, "")
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			t.adapter.Rollback(ctx, h)
			panic(r)
		}
	}()

	if err = fn(ctx); err != nil || ctx.Err() != nil {
		if err == nil {
			err = ctx.Err()
		}
		if rbErr := t.adapter.Rollback(ctx, h); rbErr != nil {
			return rbErr
		}
		return err
	}
	return t.adapter.Commit(ctx, h)
}
