// Package testutil provides shared test doubles for service tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
)

// MockLedger is an in-memory fund ledger with failure injection.
type MockLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	held     int64

	// FailPayoutTo makes Payout fail for the listed accounts.
	FailPayoutTo map[string]bool
	// FailEscrowFrom makes Escrow fail for the listed accounts.
	FailEscrowFrom map[string]bool
}

// NewMockLedger creates a MockLedger with the given opening balances.
func NewMockLedger(balances map[string]int64) *MockLedger {
	copied := make(map[string]int64, len(balances))
	for account, amount := range balances {
		copied[account] = amount
	}
	return &MockLedger{
		balances:       copied,
		FailPayoutTo:   make(map[string]bool),
		FailEscrowFrom: make(map[string]bool),
	}
}

func (l *MockLedger) Escrow(ctx context.Context, account string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailEscrowFrom[account] {
		return fmt.Errorf("escrow rejected for %s", account)
	}
	if amount <= 0 {
		return fmt.Errorf("escrow amount must be positive")
	}
	if l.balances[account] < amount {
		return fmt.Errorf("insufficient balance for %s", account)
	}
	l.balances[account] -= amount
	l.held += amount
	return nil
}

func (l *MockLedger) Payout(ctx context.Context, account string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailPayoutTo[account] {
		return fmt.Errorf("payout rejected for %s", account)
	}
	if amount <= 0 {
		return fmt.Errorf("payout amount must be positive")
	}
	if l.held < amount {
		return fmt.Errorf("custody underflow: held %d, payout %d", l.held, amount)
	}
	l.held -= amount
	l.balances[account] += amount
	return nil
}

func (l *MockLedger) Held(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held, nil
}

func (l *MockLedger) Balance(ctx context.Context, account string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account], nil
}

// ForwardedBatch is one decryption batch the mock oracle accepted.
type ForwardedBatch struct {
	RequestID   uint64
	Ciphertexts []string
}

// MockOracle records forwarded decryption batches and optionally rejects
// them.
type MockOracle struct {
	mu        sync.Mutex
	forwarded []ForwardedBatch

	// ForwardErr is returned from RequestDecryption when set.
	ForwardErr error
}

// NewMockOracle creates an empty MockOracle.
func NewMockOracle() *MockOracle {
	return &MockOracle{}
}

func (o *MockOracle) RequestDecryption(ctx context.Context, requestID uint64, ciphertexts []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ForwardErr != nil {
		return o.ForwardErr
	}
	copied := make([]string, len(ciphertexts))
	copy(copied, ciphertexts)
	o.forwarded = append(o.forwarded, ForwardedBatch{RequestID: requestID, Ciphertexts: copied})
	return nil
}

// Forwarded returns a copy of the batches the oracle has accepted.
func (o *MockOracle) Forwarded() []ForwardedBatch {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ForwardedBatch, len(o.forwarded))
	copy(out, o.forwarded)
	return out
}
