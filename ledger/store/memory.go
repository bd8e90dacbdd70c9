// Package store provides the in-memory ledger.Store implementation.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory satisfies the ledger.Store atomicity contracts with one
// process-wide mutex: guarded updates run under the lock, and WithTx holds
// the lock for the whole unit with a snapshot for rollback.
type Memory struct {
	mu        sync.Mutex
	balances  map[ledger.BalanceID]ledger.Balance
	owners    map[ledger.OwnerKey]ledger.BalanceID
	grants    map[ledger.GrantID]ledger.Grant
	txs       map[ledger.BalanceID][]ledger.Transaction
	purchases map[purchaseKey]ledger.Transaction
}

type purchaseKey struct {
	BalanceID ledger.BalanceID
	SourceRef string
}

func NewMemory() *Memory {
	return &Memory{
		balances:  make(map[ledger.BalanceID]ledger.Balance),
		owners:    make(map[ledger.OwnerKey]ledger.BalanceID),
		grants:    make(map[ledger.GrantID]ledger.Grant),
		txs:       make(map[ledger.BalanceID][]ledger.Transaction),
		purchases: make(map[purchaseKey]ledger.Transaction),
	}
}

// =============================================================================
// BALANCES
// =============================================================================

func (m *Memory) CreateBalance(_ context.Context, b ledger.Balance) (ledger.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createBalanceLocked(b)
}

func (m *Memory) createBalanceLocked(b ledger.Balance) (ledger.Balance, error) {
	if id, ok := m.owners[b.OwnerKey]; ok {
		return m.balances[id], nil
	}
	m.balances[b.ID] = b
	m.owners[b.OwnerKey] = b.ID
	return b, nil
}

func (m *Memory) GetBalance(_ context.Context, id ledger.BalanceID) (ledger.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getBalanceLocked(id)
}

func (m *Memory) getBalanceLocked(id ledger.BalanceID) (ledger.Balance, error) {
	b, ok := m.balances[id]
	if !ok {
		return ledger.Balance{}, ledger.ErrBalanceNotFound
	}
	return b, nil
}

func (m *Memory) GetBalanceByOwner(_ context.Context, owner ledger.OwnerKey) (ledger.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getBalanceByOwnerLocked(owner)
}

func (m *Memory) getBalanceByOwnerLocked(owner ledger.OwnerKey) (ledger.Balance, error) {
	id, ok := m.owners[owner]
	if !ok {
		return ledger.Balance{}, ledger.ErrBalanceNotFound
	}
	return m.balances[id], nil
}

func (m *Memory) AddCredits(_ context.Context, id ledger.BalanceID, amount int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addCreditsLocked(id, amount, at)
}

func (m *Memory) addCreditsLocked(id ledger.BalanceID, amount int64, at time.Time) (bool, error) {
	b, ok := m.balances[id]
	if !ok {
		return false, nil
	}
	b.Credits += amount
	b.UpdatedAt = at
	m.balances[id] = b
	return true, nil
}

func (m *Memory) SubtractCredits(_ context.Context, id ledger.BalanceID, amount int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subtractCreditsLocked(id, amount, at)
}

func (m *Memory) subtractCreditsLocked(id ledger.BalanceID, amount int64, at time.Time) (bool, error) {
	b, ok := m.balances[id]
	if !ok || b.Credits < amount {
		return false, nil
	}
	b.Credits -= amount
	b.UpdatedAt = at
	m.balances[id] = b
	return true, nil
}

// =============================================================================
// GRANTS
// =============================================================================

func (m *Memory) InsertGrant(_ context.Context, g ledger.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertGrantLocked(g)
}

func (m *Memory) insertGrantLocked(g ledger.Grant) error {
	m.grants[g.ID] = g
	return nil
}

func (m *Memory) OpenGrants(_ context.Context, id ledger.BalanceID, now time.Time) ([]ledger.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openGrantsLocked(id, now)
}

func (m *Memory) openGrantsLocked(id ledger.BalanceID, now time.Time) ([]ledger.Grant, error) {
	var out []ledger.Grant
	for _, g := range m.grants {
		if g.BalanceID == id && g.Open(now) {
			out = append(out, g)
		}
	}
	sortFIFO(out)
	return out, nil
}

func (m *Memory) ListGrants(_ context.Context, id ledger.BalanceID) ([]ledger.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listGrantsLocked(id)
}

func (m *Memory) listGrantsLocked(id ledger.BalanceID) ([]ledger.Grant, error) {
	var out []ledger.Grant
	for _, g := range m.grants {
		if g.BalanceID == id {
			out = append(out, g)
		}
	}
	sortFIFO(out)
	return out, nil
}

func (m *Memory) TakeFromGrant(_ context.Context, id ledger.GrantID, take int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeFromGrantLocked(id, take)
}

func (m *Memory) takeFromGrantLocked(id ledger.GrantID, take int64) (bool, error) {
	g, ok := m.grants[id]
	if !ok || g.Remaining < take {
		return false, nil
	}
	g.Remaining -= take
	m.grants[id] = g
	return true, nil
}

func (m *Memory) ReassignOpenGrants(_ context.Context, from, to ledger.BalanceID, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reassignOpenGrantsLocked(from, to, now)
}

func (m *Memory) reassignOpenGrantsLocked(from, to ledger.BalanceID, now time.Time) (int, error) {
	moved := 0
	for id, g := range m.grants {
		if g.BalanceID == from && g.Open(now) {
			g.BalanceID = to
			m.grants[id] = g
			moved++
		}
	}
	return moved, nil
}

// FIFO consumption order: oldest first, id as tiebreaker.
func sortFIFO(grants []ledger.Grant) {
	sort.Slice(grants, func(i, j int) bool {
		if !grants[i].CreatedAt.Equal(grants[j].CreatedAt) {
			return grants[i].CreatedAt.Before(grants[j].CreatedAt)
		}
		return grants[i].ID < grants[j].ID
	})
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendTransactionLocked(tx)
}

func (m *Memory) appendTransactionLocked(tx ledger.Transaction) error {
	m.txs[tx.BalanceID] = append(m.txs[tx.BalanceID], tx)
	if tx.Kind == ledger.TxPurchase && tx.SourceReference != "" {
		m.purchases[purchaseKey{tx.BalanceID, tx.SourceReference}] = tx
	}
	return nil
}

func (m *Memory) ListTransactions(_ context.Context, id ledger.BalanceID, limit int) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listTransactionsLocked(id, limit)
}

func (m *Memory) listTransactionsLocked(id ledger.BalanceID, limit int) ([]ledger.Transaction, error) {
	src := m.txs[id]
	out := make([]ledger.Transaction, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- { // newest first
		out = append(out, src[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) FindPurchase(_ context.Context, id ledger.BalanceID, sourceRef string) (ledger.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findPurchaseLocked(id, sourceRef)
}

func (m *Memory) findPurchaseLocked(id ledger.BalanceID, sourceRef string) (ledger.Transaction, bool, error) {
	tx, ok := m.purchases[purchaseKey{id, sourceRef}]
	return tx, ok, nil
}

// =============================================================================
// ATOMIC UNITS - Snapshot + rollback under the process-wide lock
// =============================================================================

// WithTx holds the lock for the whole unit. fn's writes go straight to the
// maps; on error the pre-unit snapshot is restored, so the unit commits
// entirely or not at all.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	balances  map[ledger.BalanceID]ledger.Balance
	owners    map[ledger.OwnerKey]ledger.BalanceID
	grants    map[ledger.GrantID]ledger.Grant
	txs       map[ledger.BalanceID][]ledger.Transaction
	purchases map[purchaseKey]ledger.Transaction
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		balances:  make(map[ledger.BalanceID]ledger.Balance, len(m.balances)),
		owners:    make(map[ledger.OwnerKey]ledger.BalanceID, len(m.owners)),
		grants:    make(map[ledger.GrantID]ledger.Grant, len(m.grants)),
		txs:       make(map[ledger.BalanceID][]ledger.Transaction, len(m.txs)),
		purchases: make(map[purchaseKey]ledger.Transaction, len(m.purchases)),
	}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	for k, v := range m.owners {
		s.owners[k] = v
	}
	for k, v := range m.grants {
		s.grants[k] = v
	}
	for k, v := range m.txs {
		s.txs[k] = append([]ledger.Transaction{}, v...)
	}
	for k, v := range m.purchases {
		s.purchases[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.balances = s.balances
	m.owners = s.owners
	m.grants = s.grants
	m.txs = s.txs
	m.purchases = s.purchases
}

// txView runs inside WithTx while the parent lock is held, so it calls the
// unlocked internals directly. Nested WithTx is not supported.
type txView struct {
	parent *Memory
}

func (tv *txView) CreateBalance(_ context.Context, b ledger.Balance) (ledger.Balance, error) {
	return tv.parent.createBalanceLocked(b)
}

func (tv *txView) GetBalance(_ context.Context, id ledger.BalanceID) (ledger.Balance, error) {
	return tv.parent.getBalanceLocked(id)
}

func (tv *txView) GetBalanceByOwner(_ context.Context, owner ledger.OwnerKey) (ledger.Balance, error) {
	return tv.parent.getBalanceByOwnerLocked(owner)
}

func (tv *txView) AddCredits(_ context.Context, id ledger.BalanceID, amount int64, at time.Time) (bool, error) {
	return tv.parent.addCreditsLocked(id, amount, at)
}

func (tv *txView) SubtractCredits(_ context.Context, id ledger.BalanceID, amount int64, at time.Time) (bool, error) {
	return tv.parent.subtractCreditsLocked(id, amount, at)
}

func (tv *txView) InsertGrant(_ context.Context, g ledger.Grant) error {
	return tv.parent.insertGrantLocked(g)
}

func (tv *txView) OpenGrants(_ context.Context, id ledger.BalanceID, now time.Time) ([]ledger.Grant, error) {
	return tv.parent.openGrantsLocked(id, now)
}

func (tv *txView) ListGrants(_ context.Context, id ledger.BalanceID) ([]ledger.Grant, error) {
	return tv.parent.listGrantsLocked(id)
}

func (tv *txView) TakeFromGrant(_ context.Context, id ledger.GrantID, take int64) (bool, error) {
	return tv.parent.takeFromGrantLocked(id, take)
}

func (tv *txView) ReassignOpenGrants(_ context.Context, from, to ledger.BalanceID, now time.Time) (int, error) {
	return tv.parent.reassignOpenGrantsLocked(from, to, now)
}

func (tv *txView) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	return tv.parent.appendTransactionLocked(tx)
}

func (tv *txView) ListTransactions(_ context.Context, id ledger.BalanceID, limit int) ([]ledger.Transaction, error) {
	return tv.parent.listTransactionsLocked(id, limit)
}

func (tv *txView) FindPurchase(_ context.Context, id ledger.BalanceID, sourceRef string) (ledger.Transaction, bool, error) {
	return tv.parent.findPurchaseLocked(id, sourceRef)
}

func (tv *txView) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	// Already inside the unit; run fn against the same view.
	return fn(tv)
}
