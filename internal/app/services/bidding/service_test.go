package bidding

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/CLS-Network/settlement_layer/internal/app/attest"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/request"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/royalty"
	"github.com/CLS-Network/settlement_layer/internal/app/services/coordinator"
	"github.com/CLS-Network/settlement_layer/internal/app/services/refunds"
	"github.com/CLS-Network/settlement_layer/internal/app/storage"
	"github.com/CLS-Network/settlement_layer/internal/app/storage/memory"
	"github.com/CLS-Network/settlement_layer/pkg/testutil"
)

type fixture struct {
	svc     *Service
	coord   *coordinator.Service
	refunds *refunds.Service
	ledger  *testutil.MockLedger
	store   *memory.Store
	signer  *attest.Signer
	base    time.Time
}

func newFixture(t *testing.T, balances map[string]int64) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	verifier, err := attest.NewEd25519Verifier(pub)
	if err != nil {
		t.Fatalf("build verifier: %v", err)
	}

	store := memory.New()
	led := testutil.NewMockLedger(balances)
	refundSvc := refunds.New(store, store, led, nil)
	coord := coordinator.New(store, store, verifier, testutil.NewMockOracle(), nil)
	svc := New(store, store, store, refundSvc, coord, led, nil)
	coord.RegisterHandler(request.KindBidding, svc)

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	return &fixture{svc: svc, coord: coord, refunds: refundSvc, ledger: led, store: store, signer: attest.NewSigner(priv), base: base}
}

func (f *fixture) createAgreement(t *testing.T, assetID, licensor string) royalty.Agreement {
	t.Helper()
	agr, err := f.store.CreateAgreement(context.Background(), royalty.Agreement{
		AssetID:        assetID,
		Licensor:       licensor,
		RateCiphertext: "enc:rate",
		Status:         royalty.AgreementDraft,
	})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	return agr
}

func (f *fixture) advance(d time.Duration) {
	at := f.base.Add(d)
	f.svc.now = func() time.Time { return at }
}

func TestService_AuctionLifecycle(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 100, "bob": 100, "carol": 100})
	ctx := context.Background()
	f.createAgreement(t, "asset-1", "licensor-1")

	sess, err := f.svc.Start(ctx, "asset-1", "licensor-1", 24)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !sess.Open {
		t.Fatal("session not open")
	}

	bidders := []struct {
		name   string
		escrow int64
	}{
		{"alice", 50},
		{"bob", 80},
		{"carol", 30},
	}
	for _, b := range bidders {
		if _, err := f.svc.SubmitBid(ctx, "asset-1", b.name, "enc:"+b.name, b.escrow); err != nil {
			t.Fatalf("bid %s: %v", b.name, err)
		}
	}

	held, _ := f.ledger.Held(ctx)
	if held != 160 {
		t.Fatalf("custody should hold all escrows, got %d", held)
	}

	f.advance(25 * time.Hour)
	sess, err = f.svc.Finalize(ctx, "asset-1", "licensor-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if sess.Open || sess.RequestID == 0 {
		t.Fatalf("session not awaiting result: %+v", sess)
	}

	// Equal top bids resolve to the earliest submission.
	cleartexts := []int64{5, 5, 3}
	if _, err := f.coord.Complete(ctx, sess.RequestID, cleartexts, f.signer.Attest(sess.RequestID, cleartexts)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	sess, err = f.svc.GetSession(ctx, "asset-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !sess.Resolved || sess.Winner != "alice" || sess.WinningBid != 5 {
		t.Fatalf("unexpected resolution: %+v", sess)
	}

	if got, _ := f.ledger.Balance(ctx, "licensor-1"); got != 50 {
		t.Fatalf("licensor should receive the winner's escrow, got %d", got)
	}
	winnerBal, err := f.refunds.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("winner balance: %v", err)
	}
	if winnerBal.Amount != 0 {
		t.Fatalf("winner's escrow must be consumed, not refunded: %d", winnerBal.Amount)
	}
	for name, want := range map[string]int64{"bob": 80, "carol": 30} {
		bal, err := f.refunds.Balance(ctx, name)
		if err != nil {
			t.Fatalf("balance %s: %v", name, err)
		}
		if bal.Amount != want {
			t.Fatalf("loser %s refund = %d, want %d", name, bal.Amount, want)
		}
	}

	// Custody equals the outstanding refund balances.
	held, _ = f.ledger.Held(ctx)
	if held != 110 {
		t.Fatalf("custody = %d, want 110", held)
	}

	agr, err := f.store.GetAgreementByAsset(ctx, "asset-1")
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if agr.Status != royalty.AgreementAwarded || agr.Licensee != "alice" {
		t.Fatalf("agreement not awarded to winner: %+v", agr)
	}

	if got, err := f.refunds.Withdraw(ctx, "bob"); err != nil || got != 80 {
		t.Fatalf("loser withdraw = %d, %v", got, err)
	}
	if got, _ := f.ledger.Balance(ctx, "bob"); got != 100 {
		t.Fatalf("bob should be made whole, balance %d", got)
	}
}

func TestService_StartValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.createAgreement(t, "asset-1", "licensor-1")

	if _, err := f.svc.Start(ctx, "asset-1", "licensor-1", 0); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
	if _, err := f.svc.Start(ctx, "asset-1", "licensor-1", MaxDurationHours+1); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
	if _, err := f.svc.Start(ctx, "asset-1", "mallory", 24); !errors.Is(err, ErrNotController) {
		t.Fatalf("expected ErrNotController, got %v", err)
	}
	if _, err := f.svc.Start(ctx, "asset-1", "licensor-1", 24); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.Start(ctx, "asset-1", "licensor-1", 24); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestService_BidValidation(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 100})
	ctx := context.Background()
	f.createAgreement(t, "asset-1", "licensor-1")

	if _, err := f.svc.SubmitBid(ctx, "asset-1", "alice", "enc:a", 10); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen before start, got %v", err)
	}

	if _, err := f.svc.Start(ctx, "asset-1", "licensor-1", 24); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.svc.SetFloor(10)
	if _, err := f.svc.SubmitBid(ctx, "asset-1", "alice", "enc:a", 5); !errors.Is(err, ErrEscrowTooLow) {
		t.Fatalf("expected ErrEscrowTooLow, got %v", err)
	}
	if _, err := f.svc.SubmitBid(ctx, "asset-1", "alice", "", 10); err == nil {
		t.Fatal("expected error for empty ciphertext")
	}
	if _, err := f.svc.SubmitBid(ctx, "asset-1", "broke", "enc:b", 10); err == nil {
		t.Fatal("expected error for insufficient balance")
	}

	f.advance(24 * time.Hour)
	if _, err := f.svc.SubmitBid(ctx, "asset-1", "alice", "enc:a", 10); !errors.Is(err, ErrEnded) {
		t.Fatalf("expected ErrEnded, got %v", err)
	}
}

func TestService_RepeatBidReplacesInPlace(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 100, "bob": 100})
	ctx := context.Background()
	f.createAgreement(t, "asset-1", "licensor-1")

	if _, err := f.svc.Start(ctx, "asset-1", "licensor-1", 24); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.SubmitBid(ctx, "asset-1", "alice", "enc:a1", 40); err != nil {
		t.Fatalf("first bid: %v", err)
	}
	if _, err := f.svc.SubmitBid(ctx, "asset-1", "bob", "enc:b", 20); err != nil {
		t.Fatalf("bob bid: %v", err)
	}

	sess, err := f.svc.SubmitBid(ctx, "asset-1", "alice", "enc:a2", 60)
	if err != nil {
		t.Fatalf("repeat bid: %v", err)
	}
	if len(sess.Bids) != 2 {
		t.Fatalf("repeat bid appended instead of replacing: %d bids", len(sess.Bids))
	}
	// The replacement keeps alice's original position.
	if sess.Bids[0].Bidder != "alice" || sess.Bids[0].Escrow != 60 || sess.Bids[0].Ciphertext != "enc:a2" {
		t.Fatalf("bid not replaced in place: %+v", sess.Bids[0])
	}

	bal, err := f.refunds.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Amount != 40 {
		t.Fatalf("prior escrow not credited back: %d", bal.Amount)
	}

	// Custody holds both live escrows plus the replaced one.
	held, _ := f.ledger.Held(ctx)
	if held != 120 {
		t.Fatalf("custody = %d, want 120", held)
	}
}

func TestService_FinalizeValidation(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 100})
	ctx := context.Background()
	f.createAgreement(t, "asset-1", "licensor-1")

	if _, err := f.svc.Start(ctx, "asset-1", "licensor-1", 24); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.Finalize(ctx, "asset-1", "mallory"); !errors.Is(err, ErrNotController) {
		t.Fatalf("expected ErrNotController, got %v", err)
	}
	if _, err := f.svc.Finalize(ctx, "asset-1", "licensor-1"); !errors.Is(err, ErrNotEnded) {
		t.Fatalf("expected ErrNotEnded, got %v", err)
	}

	f.advance(24 * time.Hour)
	if _, err := f.svc.Finalize(ctx, "asset-1", "licensor-1"); !errors.Is(err, ErrNoBids) {
		t.Fatalf("expected ErrNoBids, got %v", err)
	}
}

func TestService_FailureRefundsAllBidders(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 100, "bob": 100})
	ctx := context.Background()
	f.createAgreement(t, "asset-1", "licensor-1")

	if _, err := f.svc.Start(ctx, "asset-1", "licensor-1", 24); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.SubmitBid(ctx, "asset-1", "alice", "enc:a", 70); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if _, err := f.svc.SubmitBid(ctx, "asset-1", "bob", "enc:b", 30); err != nil {
		t.Fatalf("bid: %v", err)
	}
	f.advance(25 * time.Hour)
	sess, err := f.svc.Finalize(ctx, "asset-1", "licensor-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	corr := request.Correlation{Kind: request.KindBidding, AssetID: "asset-1"}
	if err := f.svc.HandleFailure(ctx, corr, coordinator.CauseTimeout); err != nil {
		t.Fatalf("handle failure: %v", err)
	}

	// Everyone gets their full escrow back, the would-be winner included.
	for name, want := range map[string]int64{"alice": 70, "bob": 30} {
		bal, err := f.refunds.Balance(ctx, name)
		if err != nil {
			t.Fatalf("balance %s: %v", name, err)
		}
		if bal.Amount != want {
			t.Fatalf("%s refund = %d, want %d", name, bal.Amount, want)
		}
	}
	if got, _ := f.ledger.Balance(ctx, "licensor-1"); got != 0 {
		t.Fatalf("licensor must receive nothing on failure, got %d", got)
	}

	sess, err = f.svc.GetSession(ctx, "asset-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Open || !sess.Resolved || sess.Winner != "" {
		t.Fatalf("session not closed unresolved: %+v", sess)
	}

	// A late result for the dead session is rejected rather than replayed.
	if err := f.svc.HandleResult(ctx, corr, []int64{1, 2}); err == nil {
		t.Fatal("expected stale result rejection")
	}

	// The asset can be auctioned again.
	if _, err := f.svc.Start(ctx, "asset-1", "licensor-1", 24); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
}

// hookedCoordinator runs a callback mid-finalize, between the session read
// and the session write.
type hookedCoordinator struct {
	inner Coordinator
	hook  func()
}

func (c *hookedCoordinator) Issue(ctx context.Context, issuer string, corr request.Correlation, ciphertexts []string) (request.Request, error) {
	if c.hook != nil {
		c.hook()
	}
	return c.inner.Issue(ctx, issuer, corr, ciphertexts)
}

func TestService_LateBidCannotRaceFinalize(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 100, "bob": 100})
	ctx := context.Background()
	f.createAgreement(t, "asset-1", "licensor-1")

	if _, err := f.svc.Start(ctx, "asset-1", "licensor-1", 24); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.SubmitBid(ctx, "asset-1", "alice", "enc:a", 10); err != nil {
		t.Fatalf("bid: %v", err)
	}

	// The window is closed for the finalize call, but the clock is wound
	// back while finalize is mid-flight so a concurrent bid would pass its
	// own window check if it could read the session.
	f.advance(25 * time.Hour)
	bidErr := make(chan error, 1)
	f.svc.coordinator = &hookedCoordinator{
		inner: f.coord,
		hook: func() {
			at := f.base.Add(23 * time.Hour)
			f.svc.now = func() time.Time { return at }
			go func() {
				_, err := f.svc.SubmitBid(ctx, "asset-1", "bob", "enc:b", 20)
				bidErr <- err
			}()
			time.Sleep(50 * time.Millisecond)
		},
	}

	sess, err := f.svc.Finalize(ctx, "asset-1", "licensor-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := <-bidErr; !errors.Is(err, ErrNotOpen) {
		t.Fatalf("late bid must see the closed session, got %v", err)
	}
	if len(sess.Bids) != 1 {
		t.Fatalf("finalized with %d bids, want 1", len(sess.Bids))
	}

	// The rejected bid took no escrow, so custody still matches the
	// session's recorded bids.
	if got, _ := f.ledger.Balance(ctx, "bob"); got != 100 {
		t.Fatalf("rejected bid must not move funds, bob balance %d", got)
	}
	if held, _ := f.ledger.Held(ctx); held != 10 {
		t.Fatalf("custody = %d, want 10", held)
	}
}

func TestService_PayoutFailureRoutesToRefunds(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 100, "bob": 100})
	ctx := context.Background()
	f.createAgreement(t, "asset-1", "licensor-1")

	if _, err := f.svc.Start(ctx, "asset-1", "licensor-1", 24); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.SubmitBid(ctx, "asset-1", "alice", "enc:a", 70); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if _, err := f.svc.SubmitBid(ctx, "asset-1", "bob", "enc:b", 30); err != nil {
		t.Fatalf("bid: %v", err)
	}
	f.advance(25 * time.Hour)
	sess, err := f.svc.Finalize(ctx, "asset-1", "licensor-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	f.ledger.FailPayoutTo["licensor-1"] = true
	cleartexts := []int64{7, 3}
	req, err := f.coord.Complete(ctx, sess.RequestID, cleartexts, f.signer.Attest(sess.RequestID, cleartexts))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if req.Status != request.StatusFailed {
		t.Fatalf("request = %s, want failed", req.Status)
	}

	// No escrow moved, so the failure path refunds every bidder in full.
	for name, want := range map[string]int64{"alice": 70, "bob": 30} {
		bal, err := f.refunds.Balance(ctx, name)
		if err != nil {
			t.Fatalf("balance %s: %v", name, err)
		}
		if bal.Amount != want {
			t.Fatalf("%s refund = %d, want %d", name, bal.Amount, want)
		}
	}
	if got, _ := f.ledger.Balance(ctx, "licensor-1"); got != 0 {
		t.Fatalf("licensor must receive nothing, got %d", got)
	}
	if held, _ := f.ledger.Held(ctx); held != 100 {
		t.Fatalf("custody = %d, want 100", held)
	}

	sess, err = f.svc.GetSession(ctx, "asset-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !sess.Resolved || sess.Winner != "" {
		t.Fatalf("session should close unresolved: %+v", sess)
	}
}

// faultyAgreements fails agreement updates to model a store fault after the
// winner's escrow has already been paid out.
type faultyAgreements struct {
	storage.AgreementStore
	updateErr error
}

func (s *faultyAgreements) UpdateAgreement(ctx context.Context, agr royalty.Agreement) (royalty.Agreement, error) {
	if s.updateErr != nil {
		return royalty.Agreement{}, s.updateErr
	}
	return s.AgreementStore.UpdateAgreement(ctx, agr)
}

func TestService_StoreFaultAfterPayoutDoesNotReplayRefunds(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 100, "bob": 100})
	ctx := context.Background()
	f.createAgreement(t, "asset-1", "licensor-1")

	if _, err := f.svc.Start(ctx, "asset-1", "licensor-1", 24); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.SubmitBid(ctx, "asset-1", "alice", "enc:a", 70); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if _, err := f.svc.SubmitBid(ctx, "asset-1", "bob", "enc:b", 30); err != nil {
		t.Fatalf("bid: %v", err)
	}
	f.advance(25 * time.Hour)
	sess, err := f.svc.Finalize(ctx, "asset-1", "licensor-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	f.svc.agreements = &faultyAgreements{AgreementStore: f.store, updateErr: errors.New("store down")}
	cleartexts := []int64{7, 3}
	req, err := f.coord.Complete(ctx, sess.RequestID, cleartexts, f.signer.Attest(sess.RequestID, cleartexts))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if req.Status != request.StatusFailed {
		t.Fatalf("request = %s, want failed", req.Status)
	}

	// The winner's escrow was consumed and the loser credited before the
	// fault; the demoted request must not credit either of them again.
	if got, _ := f.ledger.Balance(ctx, "licensor-1"); got != 70 {
		t.Fatalf("licensor payout = %d, want 70", got)
	}
	winnerBal, err := f.refunds.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("winner balance: %v", err)
	}
	if winnerBal.Amount != 0 {
		t.Fatalf("paid winner must not be refunded: %d", winnerBal.Amount)
	}
	loserBal, err := f.refunds.Balance(ctx, "bob")
	if err != nil {
		t.Fatalf("loser balance: %v", err)
	}
	if loserBal.Amount != 30 {
		t.Fatalf("loser refund = %d, want 30", loserBal.Amount)
	}
	if held, _ := f.ledger.Held(ctx); held != 30 {
		t.Fatalf("custody = %d, want 30", held)
	}
}
