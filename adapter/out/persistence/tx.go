// Package persistence implements the repository ports on Postgres.
// Row-mapping adapters run on sqlx; the queue adapter leases with pgx
// for SKIP LOCKED but enqueues over sqlx so inserts can join an
// ambient transaction.
package persistence

import (
	"context"
	"hash/fnv"
	"io"

	"github.com/jmoiron/sqlx"

	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
)

type txKey struct{}

// querier is satisfied by both *sqlx.DB and *sqlx.Tx, so every adapter
// method runs against the ambient transaction when one is in ctx.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

func txFrom(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx
}

func pick(ctx context.Context, db *sqlx.DB) querier {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return db
}

// TxManager implements out.TxRunner on sqlx transactions.
type TxManager struct {
	db *sqlx.DB
}

var _ out.TxRunner = (*TxManager)(nil)

func NewTxManager(db *sqlx.DB) *TxManager {
	return &TxManager{db: db}
}

// InTx runs fn in one transaction. A nested call joins the transaction
// already in ctx instead of opening a second one.
func (t *TxManager) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.DatabaseError("begin transaction", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.DatabaseError("commit transaction", err)
	}
	return nil
}

// AdvisoryLock serializes resolver commits for one (user, thread). The
// lock is transaction scoped and released automatically on commit or
// rollback.
func (t *TxManager) AdvisoryLock(ctx context.Context, userID, threadID string) error {
	tx := txFrom(ctx)
	if tx == nil {
		return apperr.Internal("advisory lock requested outside a transaction")
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey(userID, threadID)); err != nil {
		return apperr.DatabaseError("advisory lock", err)
	}
	return nil
}

func lockKey(userID, threadID string) int64 {
	h := fnv.New64a()
	_, _ = io.WriteString(h, userID)
	_, _ = io.WriteString(h, "/")
	_, _ = io.WriteString(h, threadID)
	return int64(h.Sum64())
}
