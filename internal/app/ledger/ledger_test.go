package ledger

import (
	"context"
	"testing"
)

func TestMemory_EscrowPayout(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Deposit("alice", 100)

	if err := m.Escrow(ctx, "alice", 60); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if bal, _ := m.Balance(ctx, "alice"); bal != 40 {
		t.Fatalf("balance = %d, want 40", bal)
	}
	if held, _ := m.Held(ctx); held != 60 {
		t.Fatalf("held = %d, want 60", held)
	}

	if err := m.Escrow(ctx, "alice", 50); err == nil {
		t.Fatal("expected insufficient balance error")
	}
	if err := m.Escrow(ctx, "alice", 0); err == nil {
		t.Fatal("expected error for non-positive escrow")
	}

	if err := m.Payout(ctx, "bob", 25); err != nil {
		t.Fatalf("payout: %v", err)
	}
	if bal, _ := m.Balance(ctx, "bob"); bal != 25 {
		t.Fatalf("bob balance = %d, want 25", bal)
	}
	if held, _ := m.Held(ctx); held != 35 {
		t.Fatalf("held = %d, want 35", held)
	}

	if err := m.Payout(ctx, "bob", 36); err == nil {
		t.Fatal("payout must not exceed custody")
	}
	if err := m.Payout(ctx, "bob", -1); err == nil {
		t.Fatal("expected error for non-positive payout")
	}
}
