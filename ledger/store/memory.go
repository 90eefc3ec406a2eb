// Package store provides an in-memory ledger.TxStore for tests and local runs.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/streamcity/coin-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps accounts and entries in maps guarded by one RWMutex.
type Memory struct {
	mu         sync.RWMutex
	accounts   map[ledger.AccountID]ledger.Account
	entries    []ledger.Entry
	references map[refKey]int
	now        func() time.Time
}

type refKey struct {
	ReferenceID string
	Kind        ledger.Kind
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		accounts:   make(map[ledger.AccountID]ledger.Account),
		references: make(map[refKey]int),
		now:        time.Now,
	}
}

func (m *Memory) CreateAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(id), nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) CompareAndSwap(_ context.Context, id ledger.AccountID, expectedVersion int64, next ledger.Balances) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casLocked(id, expectedVersion, next)
}

func (m *Memory) AppendEntries(_ context.Context, entries []ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(entries)
}

func (m *Memory) EntriesByReference(_ context.Context, referenceID string) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byReferenceLocked(referenceID), nil
}

func (m *Memory) QueryEntries(_ context.Context, accountID ledger.AccountID, filter ledger.Filter) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryLocked(accountID, filter), nil
}

func (m *Memory) EntriesSince(_ context.Context, kind ledger.Kind, since time.Time) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sinceLocked(kind, since), nil
}

// =============================================================================
// LOCKED HELPERS
// =============================================================================

func (m *Memory) createLocked(id ledger.AccountID) ledger.Account {
	if acct, ok := m.accounts[id]; ok {
		return acct
	}
	now := m.now().UTC()
	acct := ledger.Account{ID: id, CreatedAt: now, UpdatedAt: now}
	m.accounts[id] = acct
	return acct
}

func (m *Memory) getLocked(id ledger.AccountID) (ledger.Account, error) {
	acct, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, nil
}

func (m *Memory) casLocked(id ledger.AccountID, expectedVersion int64, next ledger.Balances) (ledger.Account, error) {
	if !next.Valid() {
		return ledger.Account{}, &ledger.ValidationError{Field: "balances", Message: "must not be negative"}
	}
	acct, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if acct.Version != expectedVersion {
		return ledger.Account{}, ledger.ErrConflict
	}
	acct.Balances = next
	acct.Version++
	acct.UpdatedAt = m.now().UTC()
	m.accounts[id] = acct
	return acct, nil
}

func (m *Memory) appendLocked(entries []ledger.Entry) error {
	// Check all references first so a batch is all or nothing
	seen := make(map[refKey]bool, len(entries))
	for _, e := range entries {
		k := refKey{ReferenceID: e.ReferenceID, Kind: e.Kind}
		if _, exists := m.references[k]; exists || seen[k] {
			return ledger.ErrDuplicateReference
		}
		seen[k] = true
	}
	for _, e := range entries {
		m.references[refKey{ReferenceID: e.ReferenceID, Kind: e.Kind}] = len(m.entries)
		m.entries = append(m.entries, e)
	}
	return nil
}

func (m *Memory) byReferenceLocked(referenceID string) []ledger.Entry {
	var idx []int
	for k, i := range m.references {
		if k.ReferenceID == referenceID {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	result := make([]ledger.Entry, 0, len(idx))
	for _, i := range idx {
		result = append(result, m.entries[i])
	}
	return result
}

func (m *Memory) queryLocked(accountID ledger.AccountID, filter ledger.Filter) []ledger.Entry {
	filter = filter.Normalize()
	var result []ledger.Entry
	if filter.Order == ledger.OrderAsc {
		for _, e := range m.entries {
			if e.AccountID == accountID && filter.Matches(e) {
				result = append(result, e)
				if len(result) == filter.Limit {
					break
				}
			}
		}
		return result
	}
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.AccountID == accountID && filter.Matches(e) {
			result = append(result, e)
			if len(result) == filter.Limit {
				break
			}
		}
	}
	return result
}

func (m *Memory) sinceLocked(kind ledger.Kind, since time.Time) []ledger.Entry {
	var result []ledger.Entry
	for _, e := range m.entries {
		if e.Kind == kind && !e.Timestamp.Before(since) {
			result = append(result, e)
		}
	}
	return result
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn while holding the write lock.
// Simulated with a snapshot + rollback on error.
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
	accounts   map[ledger.AccountID]ledger.Account
	entryCount int
	references map[refKey]int
}

func (m *Memory) snapshot() memorySnapshot {
	accounts := make(map[ledger.AccountID]ledger.Account, len(m.accounts))
	for k, v := range m.accounts {
		accounts[k] = v
	}
	refs := make(map[refKey]int, len(m.references))
	for k, v := range m.references {
		refs[k] = v
	}
	return memorySnapshot{accounts: accounts, entryCount: len(m.entries), references: refs}
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.entries = m.entries[:s.entryCount]
	m.references = s.references
}

// txView runs store calls against the parent without re-locking.
type txView struct {
	parent *Memory
}

func (tv *txView) CreateAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	return tv.parent.createLocked(id), nil
}

func (tv *txView) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	return tv.parent.getLocked(id)
}

func (tv *txView) CompareAndSwap(_ context.Context, id ledger.AccountID, expectedVersion int64, next ledger.Balances) (ledger.Account, error) {
	return tv.parent.casLocked(id, expectedVersion, next)
}

func (tv *txView) AppendEntries(_ context.Context, entries []ledger.Entry) error {
	return tv.parent.appendLocked(entries)
}

func (tv *txView) EntriesByReference(_ context.Context, referenceID string) ([]ledger.Entry, error) {
	return tv.parent.byReferenceLocked(referenceID), nil
}

func (tv *txView) QueryEntries(_ context.Context, accountID ledger.AccountID, filter ledger.Filter) ([]ledger.Entry, error) {
	return tv.parent.queryLocked(accountID, filter), nil
}

func (tv *txView) EntriesSince(_ context.Context, kind ledger.Kind, since time.Time) ([]ledger.Entry, error) {
	return tv.parent.sinceLocked(kind, since), nil
}
