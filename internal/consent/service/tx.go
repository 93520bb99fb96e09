package service

import (
	"context"
	"sync"
	"time"

	"consentry/internal/consent"
	dErrors "consentry/pkg/domain-errors"
)

// StoreTx provides a transactional boundary for store mutations that must
// commit together, such as version demote+promote. Implementations wrap a
// database transaction or, in-memory, a coarse lock. fn must use the context
// it receives: that is where SQL implementations carry the transaction.
type StoreTx interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, store consent.Store) error) error
}

// defaultTxTimeout is the maximum duration for a consent transaction.
const defaultTxTimeout = 5 * time.Second

// memoryTx serializes transactional sections over the in-memory store with a
// single mutex. Good enough for tests and local runs; Postgres deployments
// use the real transaction adapter in cmd/server.
type memoryTx struct {
	mu      sync.Mutex
	store   consent.Store
	timeout time.Duration
}

// NewMemoryTx builds a lock-based StoreTx over the given store.
func NewMemoryTx(store consent.Store) StoreTx {
	return &memoryTx{store: store}
}

func (t *memoryTx) RunInTx(ctx context.Context, fn func(ctx context.Context, store consent.Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	return fn(ctx, t.store)
}
