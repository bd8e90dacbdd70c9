package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedBalance(t *testing.T, s *Store, owner string, credits int64) ledger.Balance {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b, err := s.CreateBalance(context.Background(), ledger.Balance{
		ID:        ledger.BalanceID(uuid.NewString()),
		OwnerKey:  ledger.OwnerKey(owner),
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)
	if credits > 0 {
		ok, err := s.AddCredits(context.Background(), b.ID, credits, now)
		require.NoError(t, err)
		require.True(t, ok)
		b.Credits = credits
	}
	return b
}

// =============================================================================
// SCHEMA / BALANCES
// =============================================================================

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.migrate(), "running migrations twice must be safe")
}

func TestCreateBalance_ConflictReturnsWinningRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := s.CreateBalance(ctx, ledger.Balance{
		ID: "bal-1", OwnerKey: "owner-1", CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	second, err := s.CreateBalance(ctx, ledger.Balance{
		ID: "bal-2", OwnerKey: "owner-1", CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "losing insert must surface the winner")

	_, err = s.GetBalance(ctx, "bal-2")
	assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)
}

func TestBalance_TimestampRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)

	_, err := s.CreateBalance(ctx, ledger.Balance{
		ID: "bal-1", OwnerKey: "owner-1", CreatedAt: at, UpdatedAt: at,
	})
	require.NoError(t, err)

	got, err := s.GetBalance(ctx, "bal-1")
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(at))
	assert.True(t, got.UpdatedAt.Equal(at))
}

func TestScan_CorruptTimestampSurfacesError(t *testing.T) {
	s := newTestStore(t)
	_, err := s.db.Exec(`
		INSERT INTO balances (id, owner_key, credits, created_at, updated_at)
		VALUES ('bal-bad', 'owner-bad', 0, 'not-a-time', 'not-a-time')
	`)
	require.NoError(t, err)

	_, err = s.GetBalance(context.Background(), "bal-bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid stored timestamp")
}

func TestSubtractCredits_GuardViaRowsAffected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBalance(t, s, "owner-1", 30)
	now := time.Now().UTC()

	ok, err := s.SubtractCredits(ctx, b.ID, 40, now)
	require.NoError(t, err)
	assert.False(t, ok, "overdraw matches zero rows")

	got, err := s.GetBalance(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), got.Credits)

	ok, err = s.SubtractCredits(ctx, b.ID, 30, now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ = s.GetBalance(ctx, b.ID)
	assert.Equal(t, int64(0), got.Credits)
}

func TestAddCredits_UnknownBalanceMatchesNoRows(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.AddCredits(context.Background(), "no-such", 5, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// GRANTS
// =============================================================================

func TestOpenGrants_FIFOIndexOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBalance(t, s, "owner-1", 0)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := base.Add(-time.Minute)

	// Epoch-dated legacy lots must sort ahead of everything.
	require.NoError(t, s.InsertGrant(ctx, ledger.Grant{
		ID: "g-legacy", BalanceID: b.ID, Amount: 5, Remaining: 5, CreatedAt: time.Unix(0, 0).UTC(),
	}))
	require.NoError(t, s.InsertGrant(ctx, ledger.Grant{
		ID: "g-b", BalanceID: b.ID, Amount: 10, Remaining: 10, CreatedAt: base.Add(time.Second),
	}))
	require.NoError(t, s.InsertGrant(ctx, ledger.Grant{
		ID: "g-a", BalanceID: b.ID, Amount: 10, Remaining: 10, CreatedAt: base,
	}))
	require.NoError(t, s.InsertGrant(ctx, ledger.Grant{
		ID: "g-spent", BalanceID: b.ID, Amount: 10, Remaining: 0, CreatedAt: base,
	}))
	require.NoError(t, s.InsertGrant(ctx, ledger.Grant{
		ID: "g-expired", BalanceID: b.ID, Amount: 10, Remaining: 10, CreatedAt: base, ExpiresAt: &past,
	}))

	open, err := s.OpenGrants(ctx, b.ID, base.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, open, 3)
	assert.Equal(t, ledger.GrantID("g-legacy"), open[0].ID)
	assert.Equal(t, ledger.GrantID("g-a"), open[1].ID)
	assert.Equal(t, ledger.GrantID("g-b"), open[2].ID)
}

func TestTakeFromGrant_GuardViaRowsAffected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBalance(t, s, "owner-1", 0)
	require.NoError(t, s.InsertGrant(ctx, ledger.Grant{
		ID: "g-1", BalanceID: b.ID, Amount: 10, Remaining: 10, CreatedAt: time.Now().UTC(),
	}))

	ok, err := s.TakeFromGrant(ctx, "g-1", 12)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TakeFromGrant(ctx, "g-1", 4)
	require.NoError(t, err)
	assert.True(t, ok)

	all, err := s.ListGrants(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(6), all[0].Remaining)
	assert.Equal(t, int64(10), all[0].Amount, "original amount untouched")
}

func TestReassignOpenGrants_LeavesSpentAndExpiredBehind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	from := seedBalance(t, s, "owner-1", 0)
	to := seedBalance(t, s, "owner-2", 0)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	require.NoError(t, s.InsertGrant(ctx, ledger.Grant{ID: "g-open", BalanceID: from.ID, Amount: 10, Remaining: 7, CreatedAt: now}))
	require.NoError(t, s.InsertGrant(ctx, ledger.Grant{ID: "g-spent", BalanceID: from.ID, Amount: 10, Remaining: 0, CreatedAt: now}))
	require.NoError(t, s.InsertGrant(ctx, ledger.Grant{ID: "g-expired", BalanceID: from.ID, Amount: 10, Remaining: 3, CreatedAt: now, ExpiresAt: &past}))

	moved, err := s.ReassignOpenGrants(ctx, from.ID, to.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	toGrants, err := s.ListGrants(ctx, to.ID)
	require.NoError(t, err)
	require.Len(t, toGrants, 1)
	assert.Equal(t, ledger.GrantID("g-open"), toGrants[0].ID)
	assert.True(t, toGrants[0].CreatedAt.Equal(now))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestAppendTransaction_PurchaseUniqueIndexBackstop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBalance(t, s, "owner-1", 0)
	now := time.Now().UTC()

	require.NoError(t, s.AppendTransaction(ctx, ledger.Transaction{
		ID: "tx-1", BalanceID: b.ID, Kind: ledger.TxPurchase, Amount: 10,
		SourceReference: "pay-1", CreatedAt: now,
	}))

	// Second purchase for the same (balance, source_reference) hits the
	// partial unique index.
	err := s.AppendTransaction(ctx, ledger.Transaction{
		ID: "tx-2", BalanceID: b.ID, Kind: ledger.TxPurchase, Amount: 10,
		SourceReference: "pay-1", CreatedAt: now,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already recorded")

	// Empty references and non-purchase kinds are outside the index.
	require.NoError(t, s.AppendTransaction(ctx, ledger.Transaction{
		ID: "tx-3", BalanceID: b.ID, Kind: ledger.TxPurchase, Amount: 10, CreatedAt: now,
	}))
	require.NoError(t, s.AppendTransaction(ctx, ledger.Transaction{
		ID: "tx-4", BalanceID: b.ID, Kind: ledger.TxUsage, Amount: -5,
		SourceReference: "pay-1", CreatedAt: now,
	}))
}

func TestListTransactions_NewestFirstWithRowidTiebreak(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBalance(t, s, "owner-1", 0)

	// Same second for all three rows: insertion order (rowid) must break
	// the tie.
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"tx-1", "tx-2", "tx-3"} {
		require.NoError(t, s.AppendTransaction(ctx, ledger.Transaction{
			ID: ledger.TransactionID(id), BalanceID: b.ID, Kind: ledger.TxPurchase,
			Amount: 1, CreatedAt: at,
		}))
	}

	txs, err := s.ListTransactions(ctx, b.ID, 0)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, ledger.TransactionID("tx-3"), txs[0].ID)
	assert.Equal(t, ledger.TransactionID("tx-1"), txs[2].ID)

	limited, err := s.ListTransactions(ctx, b.ID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestFindPurchase_IgnoresOtherKinds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBalance(t, s, "owner-1", 0)
	now := time.Now().UTC()

	require.NoError(t, s.AppendTransaction(ctx, ledger.Transaction{
		ID: "tx-u", BalanceID: b.ID, Kind: ledger.TxUsage, Amount: -2,
		SourceReference: "pay-1", CreatedAt: now,
	}))

	_, found, err := s.FindPurchase(ctx, b.ID, "pay-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.AppendTransaction(ctx, ledger.Transaction{
		ID: "tx-p", BalanceID: b.ID, Kind: ledger.TxPurchase, Amount: 10,
		SourceReference: "pay-1", CreatedAt: now,
	}))

	got, found, err := s.FindPurchase(ctx, b.ID, "pay-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ledger.TransactionID("tx-p"), got.ID)
}

// =============================================================================
// ATOMIC UNITS
// =============================================================================

func TestWithTx_RollsBackAllTablesOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBalance(t, s, "owner-1", 50)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(st ledger.Store) error {
		ok, err := st.SubtractCredits(ctx, b.ID, 20, time.Now().UTC())
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, st.InsertGrant(ctx, ledger.Grant{
			ID: "g-tx", BalanceID: b.ID, Amount: 5, Remaining: 5, CreatedAt: time.Now().UTC(),
		}))
		require.NoError(t, st.AppendTransaction(ctx, ledger.Transaction{
			ID: "tx-tx", BalanceID: b.ID, Kind: ledger.TxUsage, Amount: -20, CreatedAt: time.Now().UTC(),
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetBalance(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Credits)

	grants, err := s.ListGrants(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, grants)

	txs, err := s.ListTransactions(ctx, b.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestWithTx_CommitsOnNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBalance(t, s, "owner-1", 50)

	err := s.WithTx(ctx, func(st ledger.Store) error {
		ok, err := st.SubtractCredits(ctx, b.ID, 20, time.Now().UTC())
		require.NoError(t, err)
		require.True(t, ok)
		return st.AppendTransaction(ctx, ledger.Transaction{
			ID: "tx-1", BalanceID: b.ID, Kind: ledger.TxUsage, Amount: -20, CreatedAt: time.Now().UTC(),
		})
	})
	require.NoError(t, err)

	got, _ := s.GetBalance(ctx, b.ID)
	assert.Equal(t, int64(30), got.Credits)

	txs, err := s.ListTransactions(ctx, b.ID, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestWithTx_UnitSeesItsOwnWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBalance(t, s, "owner-1", 0)

	err := s.WithTx(ctx, func(st ledger.Store) error {
		require.NoError(t, st.InsertGrant(ctx, ledger.Grant{
			ID: "g-1", BalanceID: b.ID, Amount: 5, Remaining: 5, CreatedAt: time.Now().UTC(),
		}))
		grants, err := st.ListGrants(ctx, b.ID)
		require.NoError(t, err)
		assert.Len(t, grants, 1)
		return nil
	})
	require.NoError(t, err)
}
