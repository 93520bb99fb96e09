package main

import (
	"context"
	"database/sql"
	"time"

	"consentry/internal/consent"
	"consentry/internal/consent/service"
	dErrors "consentry/pkg/domain-errors"
	txcontext "consentry/pkg/platform/tx"
)

const defaultConsentTxTimeout = 5 * time.Second

// consentPostgresTx runs store mutations inside one SQL transaction. The
// transaction travels in context, so the tx-aware store routes its statements
// through it and demote+promote commit atomically.
type consentPostgresTx struct {
	db      *sql.DB
	store   consent.Store
	timeout time.Duration
}

func newConsentPostgresTx(db *sql.DB, store consent.Store) *consentPostgresTx {
	return &consentPostgresTx{db: db, store: store}
}

func (t *consentPostgresTx) RunInTx(ctx context.Context, fn func(ctx context.Context, store consent.Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultConsentTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx), t.store); err != nil {
		return err
	}
	return tx.Commit()
}

var _ service.StoreTx = (*consentPostgresTx)(nil)
