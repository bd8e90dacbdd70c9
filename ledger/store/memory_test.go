package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func seedBalance(t *testing.T, m *Memory, id, owner string, credits int64) ledger.Balance {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b, err := m.CreateBalance(context.Background(), ledger.Balance{
		ID:        ledger.BalanceID(id),
		OwnerKey:  ledger.OwnerKey(owner),
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)
	if credits > 0 {
		ok, err := m.AddCredits(context.Background(), b.ID, credits, now)
		require.NoError(t, err)
		require.True(t, ok)
		b.Credits = credits
	}
	return b
}

// =============================================================================
// BALANCES
// =============================================================================

func TestCreateBalance_ReturnsExistingOnOwnerConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := seedBalance(t, m, "bal-1", "owner-1", 0)

	// Second create for the same owner keeps the first row.
	got, err := m.CreateBalance(ctx, ledger.Balance{
		ID:       "bal-2",
		OwnerKey: "owner-1",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = m.GetBalance(ctx, "bal-2")
	assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)
}

func TestSubtractCredits_GuardRefusesOverdraw(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	b := seedBalance(t, m, "bal-1", "owner-1", 30)
	now := time.Now().UTC()

	ok, err := m.SubtractCredits(ctx, b.ID, 40, now)
	require.NoError(t, err)
	assert.False(t, ok, "guard must report no match, not error")

	got, err := m.GetBalance(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), got.Credits, "failed guard leaves credits untouched")

	ok, err = m.SubtractCredits(ctx, b.ID, 30, now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ = m.GetBalance(ctx, b.ID)
	assert.Equal(t, int64(0), got.Credits)
}

func TestSubtractCredits_UnknownBalance(t *testing.T) {
	m := NewMemory()
	ok, err := m.SubtractCredits(context.Background(), "no-such", 5, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// GRANTS
// =============================================================================

func TestOpenGrants_FIFOOrderAndFiltering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	b := seedBalance(t, m, "bal-1", "owner-1", 0)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	expired := base.Add(-time.Minute)

	grants := []ledger.Grant{
		{ID: "g-new", BalanceID: b.ID, Amount: 10, Remaining: 10, CreatedAt: base.Add(2 * time.Second)},
		{ID: "g-old", BalanceID: b.ID, Amount: 10, Remaining: 10, CreatedAt: base},
		{ID: "g-spent", BalanceID: b.ID, Amount: 10, Remaining: 0, CreatedAt: base.Add(time.Second)},
		{ID: "g-expired", BalanceID: b.ID, Amount: 10, Remaining: 10, CreatedAt: base, ExpiresAt: &expired},
	}
	for _, g := range grants {
		require.NoError(t, m.InsertGrant(ctx, g))
	}

	open, err := m.OpenGrants(ctx, b.ID, base.Add(3*time.Second))
	require.NoError(t, err)
	require.Len(t, open, 2, "spent and expired lots excluded")
	assert.Equal(t, ledger.GrantID("g-old"), open[0].ID, "oldest first")
	assert.Equal(t, ledger.GrantID("g-new"), open[1].ID)
}

func TestTakeFromGrant_GuardRefusesOvertake(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	b := seedBalance(t, m, "bal-1", "owner-1", 0)
	require.NoError(t, m.InsertGrant(ctx, ledger.Grant{
		ID: "g-1", BalanceID: b.ID, Amount: 10, Remaining: 10, CreatedAt: time.Now().UTC(),
	}))

	ok, err := m.TakeFromGrant(ctx, "g-1", 12)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.TakeFromGrant(ctx, "g-1", 10)
	require.NoError(t, err)
	assert.True(t, ok)

	all, err := m.ListGrants(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(0), all[0].Remaining)
}

func TestReassignOpenGrants_MovesOnlyOpenLots(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	from := seedBalance(t, m, "bal-from", "owner-1", 0)
	to := seedBalance(t, m, "bal-to", "owner-2", 0)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	require.NoError(t, m.InsertGrant(ctx, ledger.Grant{ID: "g-open", BalanceID: from.ID, Amount: 10, Remaining: 7, CreatedAt: now}))
	require.NoError(t, m.InsertGrant(ctx, ledger.Grant{ID: "g-spent", BalanceID: from.ID, Amount: 10, Remaining: 0, CreatedAt: now}))
	require.NoError(t, m.InsertGrant(ctx, ledger.Grant{ID: "g-expired", BalanceID: from.ID, Amount: 10, Remaining: 3, CreatedAt: now, ExpiresAt: &past}))

	moved, err := m.ReassignOpenGrants(ctx, from.ID, to.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	toGrants, err := m.ListGrants(ctx, to.ID)
	require.NoError(t, err)
	require.Len(t, toGrants, 1)
	assert.Equal(t, ledger.GrantID("g-open"), toGrants[0].ID)
	assert.True(t, toGrants[0].CreatedAt.Equal(now), "createdAt survives reassignment")

	fromGrants, err := m.ListGrants(ctx, from.ID)
	require.NoError(t, err)
	assert.Len(t, fromGrants, 2, "spent and expired lots stay behind")
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestListTransactions_NewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	b := seedBalance(t, m, "bal-1", "owner-1", 0)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"tx-1", "tx-2", "tx-3"} {
		require.NoError(t, m.AppendTransaction(ctx, ledger.Transaction{
			ID: ledger.TransactionID(id), BalanceID: b.ID, Kind: ledger.TxPurchase,
			Amount: 1, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	txs, err := m.ListTransactions(ctx, b.ID, 0)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, ledger.TransactionID("tx-3"), txs[0].ID)
	assert.Equal(t, ledger.TransactionID("tx-1"), txs[2].ID)

	limited, err := m.ListTransactions(ctx, b.ID, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, ledger.TransactionID("tx-3"), limited[0].ID)
}

func TestFindPurchase_MatchesKindAndReference(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	b := seedBalance(t, m, "bal-1", "owner-1", 0)
	now := time.Now().UTC()

	require.NoError(t, m.AppendTransaction(ctx, ledger.Transaction{
		ID: "tx-p", BalanceID: b.ID, Kind: ledger.TxPurchase, Amount: 10,
		SourceReference: "pay-1", CreatedAt: now,
	}))
	require.NoError(t, m.AppendTransaction(ctx, ledger.Transaction{
		ID: "tx-u", BalanceID: b.ID, Kind: ledger.TxUsage, Amount: -2,
		SourceReference: "pay-1", CreatedAt: now,
	}))

	got, found, err := m.FindPurchase(ctx, b.ID, "pay-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ledger.TransactionID("tx-p"), got.ID, "usage rows never count as purchases")

	_, found, err = m.FindPurchase(ctx, b.ID, "pay-2")
	require.NoError(t, err)
	assert.False(t, found)
}

// =============================================================================
// TRANSACTION UNITS
// =============================================================================

func TestWithTx_RollsBackEveryTableOnError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	b := seedBalance(t, m, "bal-1", "owner-1", 50)

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(st ledger.Store) error {
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

	got, err := m.GetBalance(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Credits)

	grants, err := m.ListGrants(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, grants)

	txs, err := m.ListTransactions(ctx, b.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestWithTx_CommitsOnNil(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	b := seedBalance(t, m, "bal-1", "owner-1", 50)

	err := m.WithTx(ctx, func(st ledger.Store) error {
		ok, err := st.SubtractCredits(ctx, b.ID, 20, time.Now().UTC())
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	got, _ := m.GetBalance(ctx, b.ID)
	assert.Equal(t, int64(30), got.Credits)
}

func TestWithTx_ViewSeesItsOwnWrites(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	b := seedBalance(t, m, "bal-1", "owner-1", 0)

	err := m.WithTx(ctx, func(st ledger.Store) error {
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
