/*
Package ledger provides the prepaid-credit ledger engine.

PURPOSE:
  This package contains the core types and operations for tracking prepaid
  credits: balances per owner, grants ("lots") recording the provenance of
  every credit award, and an append-only transaction log. All mutations flow
  through guarded store primitives so balances can never go negative under
  concurrent access.

KEY CONCEPTS IN THIS FILE (types.go):
  - Balance: current usable credit count for one owner key
  - Grant: a discrete credit award (lot) with a remaining-amount counter,
    consumed FIFO for refund-eligibility provenance
  - Transaction: immutable record of one balance-affecting event
  - TrackingMode: whether the deployment maintains grants at all

DESIGN PRINCIPLES:
  1. Integer credits: the unit is a whole credit, no fractional arithmetic
  2. Append-only history: transactions are never edited or deleted
  3. Type safety: distinct ID types prevent mixing balances and grants
  4. Provenance: every usage traces back to the lot that funded it

SEE ALSO:
  - store.go: Storage contract (guarded updates + atomic units)
  - service.go: Credit/debit/transfer orchestration
  - errors.go: Error taxonomy
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

// OwnerKey identifies the owner of a balance: an anonymous session id or an
// authenticated account id. The ledger does not care which.
type OwnerKey string

type BalanceID string
type GrantID string
type TransactionID string

// =============================================================================
// TRACKING MODE - Grant-tracking capability, resolved once at startup
// =============================================================================

// TrackingMode selects whether grants (lots) are maintained alongside the
// balance counter. Resolved from configuration at startup, never re-probed
// per operation.
type TrackingMode string

const (
	// TrackingGrants maintains a lot per credit award and consumes lots FIFO
	// on every debit. This is the normal production mode.
	TrackingGrants TrackingMode = "grants"

	// TrackingLegacyOnly maintains only the balance counter and the
	// transaction log. Used for deployments predating lot tracking.
	TrackingLegacyOnly TrackingMode = "legacy_only"
)

// =============================================================================
// BALANCE - Current usable credits for one owner
// =============================================================================

type Balance struct {
	ID        BalanceID
	OwnerKey  OwnerKey
	Credits   int64 // always >= 0
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// GRANT - One credit award (lot), tracked for FIFO consumption and refunds
// =============================================================================

// Grant records one purchase or credit award. Remaining only decreases
// (consumption) or the grant changes owner (transfer); it never grows after
// creation. A grant with Remaining == 0 or a past ExpiresAt is inert but
// retained for audit.
type Grant struct {
	ID              GrantID
	BalanceID       BalanceID
	Amount          int64
	Remaining       int64 // 0 <= Remaining <= Amount
	Description     string
	SourceReference string // e.g. a payment id; empty when not applicable
	CreatedAt       time.Time
	ExpiresAt       *time.Time // nil = never expires
}

// Expired reports whether the grant can no longer fund usage as of now.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// Open reports whether the grant still has credits to draw from as of now.
func (g Grant) Open(now time.Time) bool {
	return g.Remaining > 0 && !g.Expired(now)
}

// legacyGrantEpoch is the CreatedAt of synthesized legacy lots. Dating them
// at the epoch keeps them first in FIFO order.
var legacyGrantEpoch = time.Unix(0, 0).UTC()

// =============================================================================
// TRANSACTION - Immutable record of one balance change
// =============================================================================

type TransactionKind string

const (
	TxPurchase TransactionKind = "purchase" // credit award (+)
	TxUsage    TransactionKind = "usage"    // chargeable work (-)
	TxTransfer TransactionKind = "transfer" // ownership move (+/-)
	TxRefund   TransactionKind = "refund"   // credit returned (+)
)

// Transaction is an append-only ledger entry. The signed sum of all
// transactions for a balance equals its current credits.
type Transaction struct {
	ID              TransactionID
	BalanceID       BalanceID
	GrantID         GrantID // set when the event touches a specific lot
	Kind            TransactionKind
	Amount          int64 // signed: positive for purchase/transfer-in, negative for usage/transfer-out
	Description     string
	FileType        string // what kind of work was charged, if any
	SourceReference string // idempotency token for purchases
	CreatedAt       time.Time
}

// =============================================================================
// PARAMETERS - Inputs to the mutating operations
// =============================================================================

// CreditParams describes one credit award.
type CreditParams struct {
	BalanceID       BalanceID
	Amount          int64 // must be > 0
	Description     string
	SourceReference string     // optional; enables purchase idempotency
	ExpiresAt       *time.Time // optional lot expiry
}

// DebitParams describes one charge.
type DebitParams struct {
	BalanceID   BalanceID
	Amount      int64 // must be > 0
	Description string
	FileType    string // optional
}

// TransferParams moves credits and their lots between owners.
type TransferParams struct {
	FromBalanceID BalanceID
	ToBalanceID   BalanceID
	Amount        int64 // must be > 0
	Description   string
}

// =============================================================================
// DEBIT RESULT - Closed set of debit outcomes
// =============================================================================

// DebitOutcome is the closed set of ways a debit can end. Callers branch on
// this instead of inspecting store-specific error codes.
type DebitOutcome string

const (
	// OutcomeOK: the guard matched and lots were consumed.
	OutcomeOK DebitOutcome = "ok"

	// OutcomeInsufficientFunds: the guard failed. Definitive, no state
	// changed; retrying the same amount will fail again.
	OutcomeInsufficientFunds DebitOutcome = "insufficient_funds"

	// OutcomeRaceDetected: two consumers mutated the same lot outside proper
	// serialization. Internal-consistency fault; the unit was rolled back.
	OutcomeRaceDetected DebitOutcome = "race_detected"

	// OutcomeInfrastructureFault: the backing store failed for reasons
	// unrelated to business rules. The unit was rolled back.
	OutcomeInfrastructureFault DebitOutcome = "infrastructure_fault"
)

// DebitResult carries the outcome of one debit. On OutcomeOK, Transactions
// holds the usage entries (one per lot drawn from) summing to -amount.
// On fault outcomes, Err holds the underlying cause.
type DebitResult struct {
	Outcome      DebitOutcome
	Transactions []Transaction
	Err          error
}

// OK reports whether the debit succeeded.
func (r DebitResult) OK() bool { return r.Outcome == OutcomeOK }

// TransferResult holds the two correlated transfer transactions.
type TransferResult struct {
	Out Transaction // -amount against the source balance
	In  Transaction // +amount against the destination balance
}
