// Package refunds implements the reclaimable-balance ledger. Every flow that
// escrows user funds has a companion path that lands here, so depositors can
// always recover their money regardless of oracle behaviour.
package refunds

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/CLS-Network/settlement_layer/internal/app/domain/event"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/refund"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/request"
	"github.com/CLS-Network/settlement_layer/internal/app/ledger"
	"github.com/CLS-Network/settlement_layer/internal/app/metrics"
	"github.com/CLS-Network/settlement_layer/internal/app/storage"
	"github.com/CLS-Network/settlement_layer/pkg/logger"
)

var (
	// ErrNothingToWithdraw is returned when the caller's balance is zero.
	ErrNothingToWithdraw = errors.New("nothing to withdraw")
	// ErrTransferFailed is returned when the ledger payout is rejected; the
	// balance is restored and the operation has no effect.
	ErrTransferFailed = errors.New("refund transfer failed")
)

// TimeoutClaimer resolves an expired pending decryption request. The
// coordinator satisfies this.
type TimeoutClaimer interface {
	ClaimTimeout(ctx context.Context, id uint64) (request.Request, error)
}

// Service manages reclaimable balances.
type Service struct {
	store   storage.RefundStore
	events  storage.EventStore
	ledger  ledger.Ledger
	claimer TimeoutClaimer
	log     *logger.Logger

	// transferMu serialises the fund-moving withdraw path so the
	// zero-then-payout sequence can never interleave with itself.
	transferMu sync.Mutex
}

// New constructs the refund service.
func New(store storage.RefundStore, events storage.EventStore, native ledger.Ledger, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("refunds")
	}
	return &Service{
		store:  store,
		events: events,
		ledger: native,
		log:    log,
	}
}

// AttachClaimer wires the coordinator's timeout path for Claim.
func (s *Service) AttachClaimer(claimer TimeoutClaimer) {
	s.claimer = claimer
}

// Credit adds a reclaimable amount to the account's balance. Credits never
// fail for business reasons; every credit is observable via the event log.
func (s *Service) Credit(ctx context.Context, account string, amount int64, reason refund.Reason) (refund.Balance, error) {
	if account == "" {
		return refund.Balance{}, fmt.Errorf("account is required")
	}
	if amount <= 0 {
		return refund.Balance{}, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	bal, err := s.store.CreditRefund(ctx, account, amount)
	if err != nil {
		return refund.Balance{}, err
	}

	metrics.RecordRefundCredit(string(reason))
	s.recordEvent(ctx, event.Event{
		Type:    event.RefundCredited,
		Account: account,
		Amount:  amount,
		Detail:  string(reason),
	})
	s.log.WithField("account", account).
		WithField("amount", amount).
		WithField("reason", string(reason)).
		Info("refund credited")
	return bal, nil
}

// Withdraw pays out the caller's full reclaimable balance. The balance is
// zeroed before the transfer; a rejected transfer restores it so the
// operation is atomic.
func (s *Service) Withdraw(ctx context.Context, account string) (int64, error) {
	s.transferMu.Lock()
	defer s.transferMu.Unlock()

	bal, err := s.store.GetRefundBalance(ctx, account)
	if err != nil {
		return 0, err
	}
	if bal.Amount <= 0 {
		return 0, ErrNothingToWithdraw
	}

	amount := bal.Amount
	if _, err := s.store.PutRefundBalance(ctx, account, 0); err != nil {
		return 0, err
	}

	if err := s.ledger.Payout(ctx, account, amount); err != nil {
		if _, restoreErr := s.store.PutRefundBalance(ctx, account, amount); restoreErr != nil {
			s.log.WithError(restoreErr).
				WithField("account", account).
				Error("restore refund balance after failed payout")
		}
		return 0, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	metrics.RecordRefundWithdrawal()
	s.recordEvent(ctx, event.Event{
		Type:    event.RefundWithdrawn,
		Account: account,
		Amount:  amount,
	})
	s.log.WithField("account", account).
		WithField("amount", amount).
		Info("refund withdrawn")
	return amount, nil
}

// Claim resolves an expired decryption request and immediately withdraws the
// caller's balance in the same operation.
func (s *Service) Claim(ctx context.Context, account string, requestID uint64) (int64, error) {
	if s.claimer == nil {
		return 0, fmt.Errorf("timeout claims are not configured")
	}
	if _, err := s.claimer.ClaimTimeout(ctx, requestID); err != nil {
		return 0, err
	}
	return s.Withdraw(ctx, account)
}

// Balance reports the reclaimable balance for an account.
func (s *Service) Balance(ctx context.Context, account string) (refund.Balance, error) {
	return s.store.GetRefundBalance(ctx, account)
}

// ListBalances reports every non-empty reclaimable balance.
func (s *Service) ListBalances(ctx context.Context) ([]refund.Balance, error) {
	return s.store.ListRefundBalances(ctx)
}

func (s *Service) recordEvent(ctx context.Context, evt event.Event) {
	if s.events == nil {
		return
	}
	if _, err := s.events.AppendEvent(ctx, evt); err != nil {
		s.log.WithError(err).Warn("append refund event")
	}
}
