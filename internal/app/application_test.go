package app

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/CLS-Network/settlement_layer/internal/app/attest"
	"github.com/CLS-Network/settlement_layer/internal/app/ledger"
	"github.com/CLS-Network/settlement_layer/internal/app/services/coordinator"
)

func testVerifier(t *testing.T) (attest.Verifier, *attest.Signer) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	verifier, err := attest.NewEd25519Verifier(pub)
	if err != nil {
		t.Fatalf("build verifier: %v", err)
	}
	return verifier, attest.NewSigner(priv)
}

func TestNew_RequiresVerifier(t *testing.T) {
	if _, err := New(Stores{}, nil, nil, nil, nil); err == nil {
		t.Fatal("expected error without an attestation verifier")
	}
}

func TestNew_DefaultsAndLifecycle(t *testing.T) {
	verifier, _ := testVerifier(t)
	application, err := New(Stores{}, nil, verifier, nil, nil)
	if err != nil {
		t.Fatalf("build application: %v", err)
	}
	if application.Ledger == nil || application.Coordinator == nil || application.Bidding == nil ||
		application.Royalty == nil || application.Refunds == nil || application.Agreements == nil {
		t.Fatal("application not fully wired")
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := application.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

// Conservation of funds: at every step, system custody equals the sum of
// live escrows and reclaimable refund balances.
func TestApplication_ConservationAcrossRoyaltyFlow(t *testing.T) {
	verifier, signer := testVerifier(t)
	led := ledger.NewMemory()
	led.Deposit("lee", 1000)

	application, err := New(Stores{}, led, verifier, coordinator.NopOracle{}, nil)
	if err != nil {
		t.Fatalf("build application: %v", err)
	}
	ctx := context.Background()

	agr, err := application.Agreements.Create(ctx, "asset-1", "licensor-1", "lee", "enc:rate")
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}

	p, err := application.Royalty.SubmitPayment(ctx, agr.ID, "lee", "enc:rev", 200)
	if err != nil {
		t.Fatalf("submit payment: %v", err)
	}
	if held, _ := led.Held(ctx); held != 200 {
		t.Fatalf("custody after escrow = %d, want 200", held)
	}

	p, err = application.Royalty.RequestVerification(ctx, agr.ID, p.Index, "licensor-1")
	if err != nil {
		t.Fatalf("request verification: %v", err)
	}

	// A handler rejection lands the escrow in the refund ledger, not in
	// limbo.
	bad := []int64{1000, 1000}
	if _, err := application.Coordinator.Complete(ctx, p.RequestID, bad, signer.Attest(p.RequestID, bad)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	bal, err := application.Refunds.Balance(ctx, "lee")
	if err != nil {
		t.Fatalf("refund balance: %v", err)
	}
	if bal.Amount != 200 {
		t.Fatalf("refund balance = %d, want 200", bal.Amount)
	}
	if held, _ := led.Held(ctx); held != 200 {
		t.Fatalf("custody after failure = %d, want 200", held)
	}

	if got, err := application.Refunds.Withdraw(ctx, "lee"); err != nil || got != 200 {
		t.Fatalf("withdraw = %d, %v", got, err)
	}
	if held, _ := led.Held(ctx); held != 0 {
		t.Fatalf("custody after withdrawal = %d, want 0", held)
	}
	if free, _ := led.Balance(ctx, "lee"); free != 1000 {
		t.Fatalf("licensee not made whole: %d", free)
	}
}
