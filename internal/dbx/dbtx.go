// Package dbx provides tiny DB abstractions shared by repositories:
// a minimal interface (DBTX) implemented by both *sql.DB and *sql.Tx,
// and a helper to run functions inside a transaction.
//
// Functions running inside WithTx may register side effects that must follow
// the transaction outcome: OnRollback for compensating actions (removing a
// file written ahead of the insert) and AfterCommit for work that may only
// happen once the row is gone for good (removing a file after the delete).
package dbx

import (
	"context"
	"database/sql"
)

// DBTX is the subset of database/sql used by our repos.
// Both *sql.DB and *sql.Tx satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type hooksKey struct{}

type hooks struct {
	onRollback  []func()
	afterCommit []func()
}

// OnRollback registers f to run if the surrounding WithTx rolls back.
// Outside a transaction it is a no-op.
func OnRollback(ctx context.Context, f func()) {
	if h, ok := ctx.Value(hooksKey{}).(*hooks); ok {
		h.onRollback = append(h.onRollback, f)
	}
}

// AfterCommit registers f to run once the surrounding WithTx commits.
// Outside a transaction f runs immediately.
func AfterCommit(ctx context.Context, f func()) {
	if h, ok := ctx.Value(hooksKey{}).(*hooks); ok {
		h.afterCommit = append(h.afterCommit, f)
		return
	}
	f()
}

// WithTx begins a transaction, runs fn with a transactional handle, and then
// commits on success or rolls back on error/panic. Panics are rethrown.
//
// Rollback hooks run in reverse registration order, commit hooks in
// registration order. A failed commit counts as a rollback.
//
// Typical use:
//
//	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    // use tx instead of db
//	    _, err := tx.ExecContext(ctx, "UPDATE ...")
//	    return err
//	})
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	h := &hooks{}
	ctx = context.WithValue(ctx, hooksKey{}, h)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			h.rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			h.rollback()
			return
		}
		if err = tx.Commit(); err != nil {
			h.rollback()
			return
		}
		for _, f := range h.afterCommit {
			f()
		}
	}()

	err = fn(ctx, tx)
	return err
}

func (h *hooks) rollback() {
	for i := len(h.onRollback) - 1; i >= 0; i-- {
		h.onRollback[i]()
	}
}
