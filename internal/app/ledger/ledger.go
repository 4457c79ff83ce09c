// Package ledger abstracts the native-asset account model the settlement
// layer escrows into and pays out of. The settlement core never holds
// balances of its own; it only instructs the ledger to move funds between
// user accounts and system custody.
package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Ledger executes native-asset transfers on behalf of the settlement layer.
type Ledger interface {
	// Escrow moves amount from the account into system custody.
	Escrow(ctx context.Context, from string, amount int64) error
	// Payout moves amount from system custody to the account.
	Payout(ctx context.Context, to string, amount int64) error
	// Held reports the total amount currently in system custody.
	Held(ctx context.Context) (int64, error)
	// Balance reports the free balance of an account.
	Balance(ctx context.Context, account string) (int64, error)
}

// Memory is an in-process Ledger used by tests and local development.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
	held     int64
}

var _ Ledger = (*Memory)(nil)

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{balances: make(map[string]int64)}
}

// Deposit seeds an account with free balance.
func (m *Memory) Deposit(account string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] += amount
}

func (m *Memory) Escrow(_ context.Context, from string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("escrow amount must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balances[from] < amount {
		return fmt.Errorf("insufficient balance: account %s has %d, needs %d", from, m.balances[from], amount)
	}
	m.balances[from] -= amount
	m.held += amount
	return nil
}

func (m *Memory) Payout(_ context.Context, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("payout amount must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held < amount {
		return fmt.Errorf("insufficient custody: held %d, requested %d", m.held, amount)
	}
	m.held -= amount
	m.balances[to] += amount
	return nil
}

func (m *Memory) Held(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held, nil
}

func (m *Memory) Balance(_ context.Context, account string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account], nil
}
