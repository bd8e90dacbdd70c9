/*
store.go - Storage contract for the credit ledger

PURPOSE:
  Defines the interface between ledger logic and the backing store. All
  correctness rests on the store providing exactly two atomic primitives:

    1. Guarded conditional updates ("mutate only if the guard holds, report
       whether it matched") for balance and lot counters.
    2. WithTx: multi-statement units with all-or-nothing commit.

  The service never does read-check-write sequences in application code;
  those are inherently racy. Every public operation composes the two
  primitives above.

IMPLEMENTATIONS:
  - ledger/store/memory.go: process-wide mutex, snapshot rollback (dev/tests)
  - store/sqlite/sqlite.go:  single-writer SQLite with guarded UPDATEs

APPEND-ONLY CONTRACT:
  Transactions have no update or delete surface. Balances and grants mutate
  only through the guarded methods below.

SEE ALSO:
  - service.go: The orchestration built on this contract
*/
package ledger

import (
	"context"
	"time"
)

// Store is the injected repository abstraction. Implementations must make
// every method safe for concurrent use, and WithTx must give the callback a
// view whose writes commit together or not at all.
type Store interface {
	// CreateBalance inserts b, or returns the existing balance when the
	// owner key is already taken. Safe under concurrent first-touch: two
	// simultaneous creations for one owner key yield the same row.
	CreateBalance(ctx context.Context, b Balance) (Balance, error)

	// GetBalance returns the balance or ErrBalanceNotFound.
	GetBalance(ctx context.Context, id BalanceID) (Balance, error)

	// GetBalanceByOwner returns the balance or ErrBalanceNotFound.
	GetBalanceByOwner(ctx context.Context, owner OwnerKey) (Balance, error)

	// AddCredits unconditionally increases the balance by amount.
	// Returns false when the balance does not exist.
	AddCredits(ctx context.Context, id BalanceID, amount int64, at time.Time) (bool, error)

	// SubtractCredits is the guarded decrement: it decreases the balance by
	// amount only if credits >= amount, and reports whether the guard
	// matched. A false return means no mutation happened.
	SubtractCredits(ctx context.Context, id BalanceID, amount int64, at time.Time) (bool, error)

	// InsertGrant persists a new lot.
	InsertGrant(ctx context.Context, g Grant) error

	// OpenGrants returns the balance's lots with remaining > 0 that have not
	// expired as of now, ordered (CreatedAt asc, ID asc) - FIFO consumption
	// order.
	OpenGrants(ctx context.Context, id BalanceID, now time.Time) ([]Grant, error)

	// ListGrants returns all of the balance's lots, consumed and expired
	// included, in FIFO order. Audit view.
	ListGrants(ctx context.Context, id BalanceID) ([]Grant, error)

	// TakeFromGrant is the guarded lot decrement: remaining -= take only if
	// remaining >= take. A false return with no error means the guard failed
	// (grant race) or the grant is missing.
	TakeFromGrant(ctx context.Context, id GrantID, take int64) (bool, error)

	// ReassignOpenGrants moves every lot of from with remaining > 0 and no
	// past expiry to the balance to, preserving CreatedAt. Returns the
	// number of lots moved.
	ReassignOpenGrants(ctx context.Context, from, to BalanceID, now time.Time) (int, error)

	// AppendTransaction appends to the permanent history. Append-only.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// ListTransactions returns up to limit transactions for the balance,
	// newest first. limit <= 0 means no limit.
	ListTransactions(ctx context.Context, id BalanceID, limit int) ([]Transaction, error)

	// FindPurchase looks up an existing purchase transaction for
	// (balance, sourceReference). Used to absorb at-least-once delivery of
	// purchase notifications.
	FindPurchase(ctx context.Context, id BalanceID, sourceRef string) (Transaction, bool, error)

	// WithTx executes fn within one atomic unit. If fn returns an error the
	// unit is rolled back and the error returned; otherwise it commits.
	// The Store passed to fn operates inside the unit and must not be
	// retained after fn returns.
	WithTx(ctx context.Context, fn func(Store) error) error
}
