/*
service.go - Credit, debit, and transfer orchestration

PURPOSE:
  Service composes the Store's two atomic primitives (guarded updates and
  WithTx units) into the ledger's public operations:

    Credit:   atomic balance increase + lot creation + purchase record,
              idempotent on (balance, sourceReference)
    Debit:    guarded decrement, then FIFO lot consumption, then usage records
    Transfer: move a balance and its open lots to another owner in one unit

CRITICAL INVARIANTS:
  1. Credits never go negative: the guarded decrement is the only way down.
  2. A purchase notification delivered twice credits once.
  3. With grant tracking on, credits == sum of remaining over open lots.
  4. Every mutation appends exactly one transaction per balance touched
     (debit: one per lot drawn from).

FAILURE ATOMICITY:
  Debit and Transfer run entirely inside WithTx. A guard failure or any
  sub-step error rolls the whole unit back; the caller observes either the
  complete effect or none of it.

SEE ALSO:
  - store.go: The primitives this is built from
  - types.go: DebitResult, the closed outcome set debit callers branch on
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SERVICE
// =============================================================================

// Service exposes the ledger operations. Mode is resolved once at startup;
// Clock exists so tests can control lot ordering.
type Service struct {
	Store Store
	Mode  TrackingMode
	Clock func() time.Time
}

// NewService creates a ledger service on top of store.
func NewService(store Store, mode TrackingMode) *Service {
	return &Service{
		Store: store,
		Mode:  mode,
		Clock: func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// BALANCE STORE OPERATIONS
// =============================================================================

// GetOrCreate returns the balance for an owner key, creating it with zero
// credits on first touch. Concurrent first-touch for the same key resolves
// to a single balance; the store's conflict handling guarantees it.
func (s *Service) GetOrCreate(ctx context.Context, owner OwnerKey) (Balance, error) {
	if owner == "" {
		return Balance{}, fmt.Errorf("owner key is required")
	}
	now := s.Clock()
	return s.Store.CreateBalance(ctx, Balance{
		ID:        BalanceID(uuid.NewString()),
		OwnerKey:  owner,
		Credits:   0,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Get returns the balance or ErrBalanceNotFound.
func (s *Service) Get(ctx context.Context, id BalanceID) (Balance, error) {
	return s.Store.GetBalance(ctx, id)
}

// GetByOwner returns the balance or ErrBalanceNotFound.
func (s *Service) GetByOwner(ctx context.Context, owner OwnerKey) (Balance, error) {
	return s.Store.GetBalanceByOwner(ctx, owner)
}

// =============================================================================
// CREDIT - Purchase / award, idempotent on source reference
// =============================================================================

// Credit increases the balance by p.Amount in one atomic unit, creating a
// lot with remaining == amount (grant tracking mode) and appending one
// purchase transaction referencing it.
//
// Idempotency: when p.SourceReference is set and a purchase already exists
// for (balance, sourceReference), the prior transaction is returned unchanged
// and nothing is credited. This absorbs at-least-once delivery of payment
// notifications.
func (s *Service) Credit(ctx context.Context, p CreditParams) (Transaction, error) {
	if p.Amount <= 0 {
		return Transaction{}, fmt.Errorf("credit of %d: %w", p.Amount, ErrInvalidAmount)
	}

	var (
		out       Transaction
		duplicate bool
	)
	err := s.Store.WithTx(ctx, func(st Store) error {
		if p.SourceReference != "" {
			prior, found, err := st.FindPurchase(ctx, p.BalanceID, p.SourceReference)
			if err != nil {
				return err
			}
			if found {
				out = prior
				duplicate = true
				return nil
			}
		}

		now := s.Clock()
		ok, err := st.AddCredits(ctx, p.BalanceID, p.Amount, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("balance %s: %w", p.BalanceID, ErrBalanceNotFound)
		}

		var grantID GrantID
		if s.Mode == TrackingGrants {
			g := Grant{
				ID:              GrantID(uuid.NewString()),
				BalanceID:       p.BalanceID,
				Amount:          p.Amount,
				Remaining:       p.Amount,
				Description:     p.Description,
				SourceReference: p.SourceReference,
				CreatedAt:       now,
				ExpiresAt:       p.ExpiresAt,
			}
			if err := st.InsertGrant(ctx, g); err != nil {
				return err
			}
			grantID = g.ID
		}

		out = Transaction{
			ID:              TransactionID(uuid.NewString()),
			BalanceID:       p.BalanceID,
			GrantID:         grantID,
			Kind:            TxPurchase,
			Amount:          p.Amount,
			Description:     p.Description,
			SourceReference: p.SourceReference,
			CreatedAt:       now,
		}
		return st.AppendTransaction(ctx, out)
	})
	if err != nil {
		return Transaction{}, err
	}

	if duplicate {
		duplicatePurchases.Inc()
	} else {
		purchasesTotal.Inc()
		purchasedCredits.Add(float64(p.Amount))
	}
	return out, nil
}

// =============================================================================
// DEBIT - Guarded decrement + FIFO lot consumption
// =============================================================================

// Debit charges p.Amount against the balance.
//
// The returned error is non-nil only for precondition failures (invalid
// amount, unknown balance) and for the fault outcomes, where it equals
// DebitResult.Err. Insufficient funds is a definitive outcome, not an error:
// the result carries OutcomeInsufficientFunds and err is nil.
func (s *Service) Debit(ctx context.Context, p DebitParams) (DebitResult, error) {
	if p.Amount <= 0 {
		return DebitResult{}, fmt.Errorf("debit of %d: %w", p.Amount, ErrInvalidAmount)
	}

	var usage []Transaction
	err := s.Store.WithTx(ctx, func(st Store) error {
		b, err := st.GetBalance(ctx, p.BalanceID)
		if err != nil {
			return err
		}

		now := s.Clock()

		// The single correctness-critical step. Everything after it runs
		// against credits this call has already reserved.
		ok, err := st.SubtractCredits(ctx, b.ID, p.Amount, now)
		if err != nil {
			return err
		}
		if !ok {
			return &InsufficientFundsError{BalanceID: b.ID, Available: b.Credits, Requested: p.Amount}
		}

		if s.Mode != TrackingGrants {
			tx := Transaction{
				ID:          TransactionID(uuid.NewString()),
				BalanceID:   b.ID,
				Kind:        TxUsage,
				Amount:      -p.Amount,
				Description: p.Description,
				FileType:    p.FileType,
				CreatedAt:   now,
			}
			if err := st.AppendTransaction(ctx, tx); err != nil {
				return err
			}
			usage = append(usage, tx)
			return nil
		}

		takes, err := s.consumeFIFO(ctx, st, b.ID, p.Amount, now)
		if err != nil {
			return err
		}
		for _, take := range takes {
			tx := Transaction{
				ID:          TransactionID(uuid.NewString()),
				BalanceID:   b.ID,
				GrantID:     take.GrantID,
				Kind:        TxUsage,
				Amount:      -take.Amount,
				Description: p.Description,
				FileType:    p.FileType,
				CreatedAt:   now,
			}
			if err := st.AppendTransaction(ctx, tx); err != nil {
				return err
			}
			usage = append(usage, tx)
		}
		return nil
	})

	switch {
	case err == nil:
		debitsTotal.WithLabelValues(string(OutcomeOK)).Inc()
		return DebitResult{Outcome: OutcomeOK, Transactions: usage}, nil
	case errors.Is(err, ErrInsufficientFunds):
		debitsTotal.WithLabelValues(string(OutcomeInsufficientFunds)).Inc()
		return DebitResult{Outcome: OutcomeInsufficientFunds}, nil
	case errors.Is(err, ErrGrantRace):
		log.Printf("Grant race on balance %s: %v", p.BalanceID, err)
		grantRaces.Inc()
		debitsTotal.WithLabelValues(string(OutcomeRaceDetected)).Inc()
		return DebitResult{Outcome: OutcomeRaceDetected, Err: err}, err
	case IsBusinessError(err):
		return DebitResult{}, err
	default:
		debitsTotal.WithLabelValues(string(OutcomeInfrastructureFault)).Inc()
		return DebitResult{Outcome: OutcomeInfrastructureFault, Err: err}, err
	}
}

// grantTake records how much one debit drew from one lot.
type grantTake struct {
	GrantID GrantID
	Amount  int64
}

// consumeFIFO draws amount from the balance's open lots, oldest first. Only
// called after the guarded balance decrement has reserved amount.
//
// When open lots cover less than amount - possible only for balances whose
// credits predate lot tracking - a non-expiring legacy lot dated at the
// epoch is synthesized for the shortfall and consumed first. Epoch dating
// keeps legacy credits ahead of every tracked lot in FIFO order.
func (s *Service) consumeFIFO(ctx context.Context, st Store, id BalanceID, amount int64, now time.Time) ([]grantTake, error) {
	open, err := st.OpenGrants(ctx, id, now)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, g := range open {
		total += g.Remaining
	}
	if total < amount {
		legacy := Grant{
			ID:          GrantID(uuid.NewString()),
			BalanceID:   id,
			Amount:      amount - total,
			Remaining:   amount - total,
			Description: "legacy balance backfill",
			CreatedAt:   legacyGrantEpoch,
		}
		if err := st.InsertGrant(ctx, legacy); err != nil {
			return nil, err
		}
		open = append([]Grant{legacy}, open...)
	}

	var takes []grantTake
	needed := amount
	for _, g := range open {
		if needed == 0 {
			break
		}
		take := g.Remaining
		if take > needed {
			take = needed
		}
		ok, err := st.TakeFromGrant(ctx, g.ID, take)
		if err != nil {
			return nil, err
		}
		if !ok {
			// The lot moved underneath us despite the balance-level
			// reservation. Fatal consistency fault; abort the unit.
			return nil, &GrantRaceError{BalanceID: id, GrantID: g.ID, Take: take}
		}
		takes = append(takes, grantTake{GrantID: g.ID, Amount: take})
		needed -= take
	}
	return takes, nil
}

// =============================================================================
// TRANSFER - Claim a balance and its lots into another owner
// =============================================================================

// Transfer moves p.Amount credits and every open lot from one balance to
// another as a single atomic unit. A transfer is an ownership change, not a
// new purchase: lots keep their CreatedAt, so refund-eligibility ordering
// survives the move. Two transfer transactions sharing p.Description are
// appended, -amount against the source and +amount against the destination.
//
// The claim flow transfers a session's full balance, so in grant-tracking
// mode all open lots move with it.
func (s *Service) Transfer(ctx context.Context, p TransferParams) (TransferResult, error) {
	if p.Amount <= 0 {
		return TransferResult{}, &TransferValidationError{
			FromBalanceID: p.FromBalanceID, ToBalanceID: p.ToBalanceID,
			Reason: "amount must be positive",
		}
	}
	if p.FromBalanceID == p.ToBalanceID {
		return TransferResult{}, &TransferValidationError{
			FromBalanceID: p.FromBalanceID, ToBalanceID: p.ToBalanceID,
			Reason: "source and destination are the same balance",
		}
	}

	var res TransferResult
	err := s.Store.WithTx(ctx, func(st Store) error {
		from, err := st.GetBalance(ctx, p.FromBalanceID)
		if errors.Is(err, ErrBalanceNotFound) {
			return &TransferValidationError{
				FromBalanceID: p.FromBalanceID, ToBalanceID: p.ToBalanceID,
				Reason: "source balance not found",
			}
		}
		if err != nil {
			return err
		}
		to, err := st.GetBalance(ctx, p.ToBalanceID)
		if errors.Is(err, ErrBalanceNotFound) {
			return &TransferValidationError{
				FromBalanceID: p.FromBalanceID, ToBalanceID: p.ToBalanceID,
				Reason: "destination balance not found",
			}
		}
		if err != nil {
			return err
		}

		now := s.Clock()

		if s.Mode == TrackingGrants {
			open, err := st.OpenGrants(ctx, from.ID, now)
			if err != nil {
				return err
			}
			var total int64
			for _, g := range open {
				total += g.Remaining
			}
			if total < p.Amount {
				// Legacy-balance case: give the untracked credits a lot on
				// the source before reassignment, mirroring debit backfill.
				legacy := Grant{
					ID:          GrantID(uuid.NewString()),
					BalanceID:   from.ID,
					Amount:      p.Amount - total,
					Remaining:   p.Amount - total,
					Description: "legacy balance backfill",
					CreatedAt:   legacyGrantEpoch,
				}
				if err := st.InsertGrant(ctx, legacy); err != nil {
					return err
				}
			}
		}

		// Touch the lexically smaller balance id first so per-row locking
		// stores cannot circular-wait between two opposing transfers.
		debitFrom := func() error {
			ok, err := st.SubtractCredits(ctx, from.ID, p.Amount, now)
			if err != nil {
				return err
			}
			if !ok {
				return &TransferValidationError{
					FromBalanceID: p.FromBalanceID, ToBalanceID: p.ToBalanceID,
					Reason: fmt.Sprintf("insufficient source funds: requested %d", p.Amount),
				}
			}
			return nil
		}
		creditTo := func() error {
			ok, err := st.AddCredits(ctx, to.ID, p.Amount, now)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("balance %s: %w", to.ID, ErrBalanceNotFound)
			}
			return nil
		}
		steps := []func() error{debitFrom, creditTo}
		if to.ID < from.ID {
			steps = []func() error{creditTo, debitFrom}
		}
		for _, step := range steps {
			if err := step(); err != nil {
				return err
			}
		}

		if s.Mode == TrackingGrants {
			if _, err := st.ReassignOpenGrants(ctx, from.ID, to.ID, now); err != nil {
				return err
			}
		}

		res.Out = Transaction{
			ID:          TransactionID(uuid.NewString()),
			BalanceID:   from.ID,
			Kind:        TxTransfer,
			Amount:      -p.Amount,
			Description: p.Description,
			CreatedAt:   now,
		}
		res.In = Transaction{
			ID:          TransactionID(uuid.NewString()),
			BalanceID:   to.ID,
			Kind:        TxTransfer,
			Amount:      p.Amount,
			Description: p.Description,
			CreatedAt:   now,
		}
		if err := st.AppendTransaction(ctx, res.Out); err != nil {
			return err
		}
		return st.AppendTransaction(ctx, res.In)
	})
	if err != nil {
		return TransferResult{}, err
	}

	transfersTotal.Inc()
	return res, nil
}

// =============================================================================
// READ-ONLY VIEWS
// =============================================================================

// History returns the balance's transactions, newest first. limit <= 0
// returns everything.
func (s *Service) History(ctx context.Context, id BalanceID, limit int) ([]Transaction, error) {
	if _, err := s.Store.GetBalance(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.ListTransactions(ctx, id, limit)
}

// Grants returns every lot of the balance in FIFO order, consumed and
// expired included. This is the refund-eligibility audit view.
func (s *Service) Grants(ctx context.Context, id BalanceID) ([]Grant, error) {
	if _, err := s.Store.GetBalance(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.ListGrants(ctx, id)
}
