// Package royalty implements usage-based royalty reporting and its
// verification protocol. Reported revenue and the agreement rate stay
// encrypted; the engine only compares decrypted values delivered through the
// coordinator callback.
package royalty

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CLS-Network/settlement_layer/internal/app/domain/event"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/refund"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/request"
	domain "github.com/CLS-Network/settlement_layer/internal/app/domain/royalty"
	"github.com/CLS-Network/settlement_layer/internal/app/ledger"
	"github.com/CLS-Network/settlement_layer/internal/app/services/coordinator"
	"github.com/CLS-Network/settlement_layer/internal/app/services/refunds"
	"github.com/CLS-Network/settlement_layer/internal/app/storage"
	"github.com/CLS-Network/settlement_layer/pkg/logger"
)

// Rate and tolerance arithmetic. A rate of 1000 over RateDenominator 10000
// is 10%; a payment within ToleranceNum/ToleranceDen of the expected amount
// still verifies.
const (
	RateDenominator int64 = 10000
	ToleranceNum    int64 = 95
	ToleranceDen    int64 = 100
)

var (
	// ErrNotLicensor is returned when the caller does not control the
	// agreement.
	ErrNotLicensor = errors.New("caller is not the agreement licensor")
	// ErrNotLicensee is returned when the caller is not the paying party.
	ErrNotLicensee = errors.New("caller is not the agreement licensee")
	// ErrAlreadyVerified is returned when the payment already has an
	// outcome; payments are verified at most once.
	ErrAlreadyVerified = errors.New("payment already verified")
	// ErrVerificationPending is returned while a decryption request for the
	// payment is outstanding.
	ErrVerificationPending = errors.New("verification already requested")
)

// Coordinator issues decryption requests on the engine's behalf.
type Coordinator interface {
	Issue(ctx context.Context, issuer string, corr request.Correlation, ciphertexts []string) (request.Request, error)
}

// Service is the royalty verification engine.
type Service struct {
	agreements  storage.AgreementStore
	payments    storage.PaymentStore
	events      storage.EventStore
	refunds     *refunds.Service
	coordinator Coordinator
	ledger      ledger.Ledger
	log         *logger.Logger
	now         func() time.Time

	// transferMu serialises the fund-moving paths: payment escrow and
	// failure refunds.
	transferMu sync.Mutex
}

var _ coordinator.Handler = (*Service)(nil)

// New constructs the royalty engine.
func New(agreements storage.AgreementStore, payments storage.PaymentStore, events storage.EventStore, refundSvc *refunds.Service, coord Coordinator, native ledger.Ledger, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("royalty")
	}
	return &Service{
		agreements:  agreements,
		payments:    payments,
		events:      events,
		refunds:     refundSvc,
		coordinator: coord,
		ledger:      native,
		log:         log,
		now:         time.Now,
	}
}

// SubmitPayment reports a royalty payment: the licensee escrows the paid
// amount and files the encrypted revenue it was computed from. The payment
// index is the position in the agreement's payment history.
func (s *Service) SubmitPayment(ctx context.Context, agreementID, caller, revenueCiphertext string, paid int64) (domain.Payment, error) {
	if revenueCiphertext == "" {
		return domain.Payment{}, fmt.Errorf("revenue ciphertext is required")
	}
	if paid <= 0 {
		return domain.Payment{}, fmt.Errorf("paid amount must be positive, got %d", paid)
	}

	agr, err := s.agreements.GetAgreement(ctx, agreementID)
	if err != nil {
		return domain.Payment{}, err
	}
	if agr.Licensee != caller {
		return domain.Payment{}, ErrNotLicensee
	}
	if agr.Status != domain.AgreementActive && agr.Status != domain.AgreementAwarded {
		return domain.Payment{}, fmt.Errorf("agreement %s is %s", agreementID, agr.Status)
	}

	s.transferMu.Lock()
	defer s.transferMu.Unlock()

	if err := s.ledger.Escrow(ctx, caller, paid); err != nil {
		return domain.Payment{}, fmt.Errorf("escrow payment: %w", err)
	}

	existing, err := s.payments.ListPayments(ctx, agreementID)
	if err != nil {
		return domain.Payment{}, err
	}
	p := domain.Payment{
		AgreementID:       agreementID,
		Index:             len(existing),
		RevenueCiphertext: revenueCiphertext,
		Paid:              paid,
		Outcome:           domain.OutcomeUnverified,
		SubmittedAt:       s.now().UTC(),
	}
	p, err = s.payments.CreatePayment(ctx, p)
	if err != nil {
		return domain.Payment{}, err
	}

	s.recordEvent(ctx, event.Event{
		Type:    event.PaymentSubmitted,
		Account: caller,
		Subject: fmt.Sprintf("%s/%d", agreementID, p.Index),
		Amount:  paid,
	})
	s.log.WithField("agreement_id", agreementID).
		WithField("index", p.Index).
		WithField("paid", paid).
		Info("royalty payment submitted")
	return p, nil
}

// RequestVerification asks the oracle to decrypt the revenue, rate, and paid
// amount for one payment. Only the licensor may request it, and only while
// the payment has no outcome and no outstanding request.
func (s *Service) RequestVerification(ctx context.Context, agreementID string, index int, caller string) (domain.Payment, error) {
	agr, err := s.agreements.GetAgreement(ctx, agreementID)
	if err != nil {
		return domain.Payment{}, err
	}
	if agr.Licensor != caller {
		return domain.Payment{}, ErrNotLicensor
	}

	p, err := s.payments.GetPayment(ctx, agreementID, index)
	if err != nil {
		return domain.Payment{}, err
	}
	if p.Outcome != domain.OutcomeUnverified {
		return domain.Payment{}, fmt.Errorf("%w: payment %s/%d is %s", ErrAlreadyVerified, agreementID, index, p.Outcome)
	}
	if p.RequestID != 0 {
		return domain.Payment{}, fmt.Errorf("%w: request %d outstanding", ErrVerificationPending, p.RequestID)
	}

	handles := []string{
		p.RevenueCiphertext,
		agr.RateCiphertext,
		fmt.Sprintf("plain:%d", p.Paid),
	}
	req, err := s.coordinator.Issue(ctx, caller, request.Correlation{
		Kind:         request.KindVerification,
		AgreementID:  agreementID,
		PaymentIndex: index,
	}, handles)
	if err != nil {
		return domain.Payment{}, err
	}

	p.RequestID = req.ID
	p, err = s.payments.UpdatePayment(ctx, p)
	if err != nil {
		return domain.Payment{}, err
	}

	s.log.WithField("agreement_id", agreementID).
		WithField("index", index).
		WithField("request_id", req.ID).
		Info("royalty verification requested")
	return p, nil
}

// Expected computes the royalty owed for a revenue at a rate, with floor
// division.
func Expected(revenue, rate int64) int64 {
	return revenue * rate / RateDenominator
}

// HandleResult consumes exactly three decrypted integers (revenue, rate,
// and paid amount) and records whether the payment covers the expected
// royalty within tolerance. Neither outcome moves funds: verification is a
// compliance record, not a payment adjustment.
func (s *Service) HandleResult(ctx context.Context, corr request.Correlation, cleartexts []int64) error {
	if len(cleartexts) != 3 {
		return fmt.Errorf("expected 3 decrypted values, got %d", len(cleartexts))
	}
	revenue, rate, paid := cleartexts[0], cleartexts[1], cleartexts[2]
	if revenue < 0 || rate < 0 || paid < 0 {
		return fmt.Errorf("decrypted values must be non-negative")
	}

	p, err := s.payments.GetPayment(ctx, corr.AgreementID, corr.PaymentIndex)
	if err != nil {
		return err
	}
	if p.Outcome != domain.OutcomeUnverified {
		return fmt.Errorf("payment %s/%d already %s", corr.AgreementID, corr.PaymentIndex, p.Outcome)
	}

	expected := Expected(revenue, rate)
	threshold := expected * ToleranceNum / ToleranceDen
	outcome := domain.OutcomeInvalid
	if paid >= threshold {
		outcome = domain.OutcomeValid
	}

	p.Outcome = outcome
	p.VerifiedAt = s.now().UTC()
	if _, err := s.payments.UpdatePayment(ctx, p); err != nil {
		return err
	}

	s.recordEvent(ctx, event.Event{
		Type:      event.VerificationOutcome,
		RequestID: p.RequestID,
		Subject:   corr.Subject(),
		Amount:    paid,
		Detail:    string(outcome),
	})
	s.log.WithField("agreement_id", corr.AgreementID).
		WithField("index", corr.PaymentIndex).
		WithField("outcome", string(outcome)).
		Info("royalty payment verified")
	return nil
}

// HandleFailure marks the payment invalid, since inability to verify is
// treated as non-compliance, and credits the escrowed paid amount back to
// the licensee's refund balance so the funds are never stranded.
func (s *Service) HandleFailure(ctx context.Context, corr request.Correlation, cause string) error {
	s.transferMu.Lock()
	defer s.transferMu.Unlock()

	p, err := s.payments.GetPayment(ctx, corr.AgreementID, corr.PaymentIndex)
	if err != nil {
		return err
	}
	if p.Outcome != domain.OutcomeUnverified {
		return nil
	}

	agr, err := s.agreements.GetAgreement(ctx, corr.AgreementID)
	if err != nil {
		return err
	}

	p.Outcome = domain.OutcomeInvalid
	p.VerifiedAt = s.now().UTC()
	if _, err := s.payments.UpdatePayment(ctx, p); err != nil {
		return err
	}

	if _, err := s.refunds.Credit(ctx, agr.Licensee, p.Paid, refund.ReasonFailedVerification); err != nil {
		return err
	}

	s.recordEvent(ctx, event.Event{
		Type:      event.VerificationOutcome,
		Account:   agr.Licensee,
		RequestID: p.RequestID,
		Subject:   corr.Subject(),
		Amount:    p.Paid,
		Detail:    "invalid: " + cause,
	})
	s.log.WithField("agreement_id", corr.AgreementID).
		WithField("index", corr.PaymentIndex).
		WithField("cause", cause).
		Warn("royalty verification failed; payment escrow refunded")
	return nil
}

// GetPayment retrieves one payment.
func (s *Service) GetPayment(ctx context.Context, agreementID string, index int) (domain.Payment, error) {
	return s.payments.GetPayment(ctx, agreementID, index)
}

// ListPayments returns an agreement's payment history.
func (s *Service) ListPayments(ctx context.Context, agreementID string) ([]domain.Payment, error) {
	return s.payments.ListPayments(ctx, agreementID)
}

func (s *Service) recordEvent(ctx context.Context, evt event.Event) {
	if s.events == nil {
		return
	}
	if _, err := s.events.AppendEvent(ctx, evt); err != nil {
		s.log.WithError(err).Warn("append royalty event")
	}
}
