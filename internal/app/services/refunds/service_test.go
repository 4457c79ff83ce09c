package refunds

import (
	"context"
	"errors"
	"testing"

	"github.com/CLS-Network/settlement_layer/internal/app/domain/refund"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/request"
	"github.com/CLS-Network/settlement_layer/internal/app/storage/memory"
	"github.com/CLS-Network/settlement_layer/pkg/testutil"
)

func newService(balances map[string]int64) (*Service, *testutil.MockLedger) {
	store := memory.New()
	led := testutil.NewMockLedger(balances)
	return New(store, store, led, nil), led
}

func escrow(t *testing.T, led *testutil.MockLedger, account string, amount int64) {
	t.Helper()
	if err := led.Escrow(context.Background(), account, amount); err != nil {
		t.Fatalf("escrow: %v", err)
	}
}

func TestService_CreditAndWithdraw(t *testing.T) {
	svc, led := newService(map[string]int64{"alice": 100})
	ctx := context.Background()
	escrow(t, led, "alice", 60)

	if _, err := svc.Credit(ctx, "alice", 25, refund.ReasonLostBid); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := svc.Credit(ctx, "alice", 35, refund.ReasonTimeout); err != nil {
		t.Fatalf("credit: %v", err)
	}

	bal, err := svc.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Amount != 60 {
		t.Fatalf("balance = %d, want 60", bal.Amount)
	}

	got, err := svc.Withdraw(ctx, "alice")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got != 60 {
		t.Fatalf("withdrew %d, want 60", got)
	}
	if ledgerBal, _ := led.Balance(ctx, "alice"); ledgerBal != 100 {
		t.Fatalf("alice not made whole: %d", ledgerBal)
	}
	if held, _ := led.Held(ctx); held != 0 {
		t.Fatalf("custody not drained: %d", held)
	}

	// The balance was consumed exactly once.
	if _, err := svc.Withdraw(ctx, "alice"); !errors.Is(err, ErrNothingToWithdraw) {
		t.Fatalf("expected ErrNothingToWithdraw, got %v", err)
	}
}

func TestService_CreditValidation(t *testing.T) {
	svc, _ := newService(nil)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, "", 10, refund.ReasonLostBid); err == nil {
		t.Fatal("expected error for missing account")
	}
	if _, err := svc.Credit(ctx, "alice", 0, refund.ReasonLostBid); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if _, err := svc.Credit(ctx, "alice", -5, refund.ReasonLostBid); err == nil {
		t.Fatal("expected error for negative amount")
	}
}

func TestService_WithdrawRestoresBalanceOnFailedTransfer(t *testing.T) {
	svc, led := newService(map[string]int64{"alice": 100})
	ctx := context.Background()
	escrow(t, led, "alice", 40)
	if _, err := svc.Credit(ctx, "alice", 40, refund.ReasonOracleFailure); err != nil {
		t.Fatalf("credit: %v", err)
	}

	led.FailPayoutTo["alice"] = true
	if _, err := svc.Withdraw(ctx, "alice"); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	bal, err := svc.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Amount != 40 {
		t.Fatalf("balance not restored after failed transfer: %d", bal.Amount)
	}

	led.FailPayoutTo["alice"] = false
	if got, err := svc.Withdraw(ctx, "alice"); err != nil || got != 40 {
		t.Fatalf("retry withdraw = %d, %v", got, err)
	}
}

type stubClaimer struct {
	claimed []uint64
	err     error
}

func (c *stubClaimer) ClaimTimeout(_ context.Context, id uint64) (request.Request, error) {
	if c.err != nil {
		return request.Request{}, c.err
	}
	c.claimed = append(c.claimed, id)
	return request.Request{ID: id, Status: request.StatusTimedOut}, nil
}

func TestService_Claim(t *testing.T) {
	svc, led := newService(map[string]int64{"alice": 100})
	ctx := context.Background()

	if _, err := svc.Claim(ctx, "alice", 7); err == nil {
		t.Fatal("expected error without a configured claimer")
	}

	claimer := &stubClaimer{}
	svc.AttachClaimer(claimer)

	escrow(t, led, "alice", 30)
	if _, err := svc.Credit(ctx, "alice", 30, refund.ReasonTimeout); err != nil {
		t.Fatalf("credit: %v", err)
	}

	got, err := svc.Claim(ctx, "alice", 7)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got != 30 {
		t.Fatalf("claimed %d, want 30", got)
	}
	if len(claimer.claimed) != 1 || claimer.claimed[0] != 7 {
		t.Fatalf("timeout not claimed: %+v", claimer.claimed)
	}

	claimer.err = errors.New("not expired")
	if _, err := svc.Claim(ctx, "alice", 8); err == nil {
		t.Fatal("expected claim error to propagate")
	}
}
