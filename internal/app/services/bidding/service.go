// Package bidding implements time-boxed sealed-bid sessions for
// exclusive-rights auctions. Bid values stay encrypted end to end; the
// engine only sees them in cleartext inside the coordinator callback, after
// the oracle's attestation has been verified.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	domain "github.com/CLS-Network/settlement_layer/internal/app/domain/bidding"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/event"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/refund"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/request"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/royalty"
	"github.com/CLS-Network/settlement_layer/internal/app/ledger"
	"github.com/CLS-Network/settlement_layer/internal/app/services/coordinator"
	"github.com/CLS-Network/settlement_layer/internal/app/services/refunds"
	"github.com/CLS-Network/settlement_layer/internal/app/storage"
	"github.com/CLS-Network/settlement_layer/pkg/logger"
)

// Session duration bounds, in hours.
const (
	MinDurationHours = 1
	MaxDurationHours = 168
)

// DefaultFloor is the publicly-known minimum escrow. It is an anti-spam
// bound only and says nothing about the encrypted bid value.
const DefaultFloor int64 = 1

var (
	// ErrNotController is returned when the caller does not control the
	// asset.
	ErrNotController = errors.New("caller does not control asset")
	// ErrInvalidDuration is returned when the session duration is out of
	// range.
	ErrInvalidDuration = fmt.Errorf("duration must be between %d and %d hours", MinDurationHours, MaxDurationHours)
	// ErrSessionActive is returned when the asset already has an open or
	// awaiting session.
	ErrSessionActive = errors.New("asset already has an active session")
	// ErrNotOpen is returned when no open session exists for the asset.
	ErrNotOpen = errors.New("no open session for asset")
	// ErrEnded is returned when the bidding window has closed.
	ErrEnded = errors.New("bidding window has ended")
	// ErrNotEnded is returned when finalize is attempted before the window
	// closes.
	ErrNotEnded = errors.New("bidding window still open")
	// ErrNoBids is returned when finalize is attempted on an empty session.
	ErrNoBids = errors.New("session has no bids")
	// ErrEscrowTooLow is returned when the escrow is below the public floor.
	ErrEscrowTooLow = errors.New("escrow below minimum floor")
)

// Coordinator issues decryption requests on the engine's behalf.
type Coordinator interface {
	Issue(ctx context.Context, issuer string, corr request.Correlation, ciphertexts []string) (request.Request, error)
}

// Service is the confidential bidding engine.
type Service struct {
	sessions    storage.SessionStore
	agreements  storage.AgreementStore
	events      storage.EventStore
	refunds     *refunds.Service
	coordinator Coordinator
	ledger      ledger.Ledger
	log         *logger.Logger
	floor       int64
	now         func() time.Time

	// transferMu serialises the fund-moving paths and the session
	// lifecycle writes they race with: start, bid escrow, finalize,
	// winner payout, and failure refunds.
	transferMu sync.Mutex
}

var _ coordinator.Handler = (*Service)(nil)

// New constructs the bidding engine.
func New(sessions storage.SessionStore, agreements storage.AgreementStore, events storage.EventStore, refundSvc *refunds.Service, coord Coordinator, native ledger.Ledger, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("bidding")
	}
	return &Service{
		sessions:    sessions,
		agreements:  agreements,
		events:      events,
		refunds:     refundSvc,
		coordinator: coord,
		ledger:      native,
		log:         log,
		floor:       DefaultFloor,
		now:         time.Now,
	}
}

// SetFloor overrides the public minimum escrow.
func (s *Service) SetFloor(floor int64) {
	if floor > 0 {
		s.floor = floor
	}
}

// Start opens a sealed-bid session for the asset. Only the asset's
// controlling account may start one, and only while no other session is
// open or awaiting its result.
func (s *Service) Start(ctx context.Context, assetID, caller string, durationHours int) (domain.Session, error) {
	if durationHours < MinDurationHours || durationHours > MaxDurationHours {
		return domain.Session{}, ErrInvalidDuration
	}

	agr, err := s.agreements.GetAgreementByAsset(ctx, assetID)
	if err != nil {
		return domain.Session{}, err
	}
	if agr.Licensor != caller {
		return domain.Session{}, ErrNotController
	}
	if agr.Status == royalty.AgreementAwarded {
		return domain.Session{}, fmt.Errorf("asset %s already awarded", assetID)
	}

	s.transferMu.Lock()
	defer s.transferMu.Unlock()

	if existing, err := s.sessions.GetSession(ctx, assetID); err == nil {
		if existing.Open || existing.Awaiting() {
			return domain.Session{}, ErrSessionActive
		}
	}

	now := s.now().UTC()
	sess := domain.Session{
		AssetID: assetID,
		Open:    true,
		EndTime: now.Add(time.Duration(durationHours) * time.Hour),
	}
	sess, err = s.sessions.PutSession(ctx, sess)
	if err != nil {
		return domain.Session{}, err
	}

	s.recordEvent(ctx, event.Event{
		Type:    event.SessionStarted,
		Account: caller,
		Subject: assetID,
		Detail:  sess.EndTime.Format(time.RFC3339),
	})
	s.log.WithField("asset_id", assetID).
		WithField("end_time", sess.EndTime).
		Info("bidding session started")
	return sess, nil
}

// SubmitBid escrows funds and appends a sealed bid. A repeat bid from the
// same account replaces the earlier one in place; the earlier escrow is
// credited straight back to the bidder's refund balance so custody never
// holds two escrows for one bidder.
func (s *Service) SubmitBid(ctx context.Context, assetID, bidder, ciphertext string, escrow int64) (domain.Session, error) {
	if bidder == "" || ciphertext == "" {
		return domain.Session{}, fmt.Errorf("bidder and ciphertext are required")
	}
	if escrow <= 0 {
		return domain.Session{}, fmt.Errorf("escrow must be positive, got %d", escrow)
	}
	if escrow < s.floor {
		return domain.Session{}, fmt.Errorf("%w: %d < %d", ErrEscrowTooLow, escrow, s.floor)
	}

	s.transferMu.Lock()
	defer s.transferMu.Unlock()

	sess, err := s.sessions.GetSession(ctx, assetID)
	if err != nil || !sess.Open {
		return domain.Session{}, ErrNotOpen
	}
	now := s.now().UTC()
	if !now.Before(sess.EndTime) {
		return domain.Session{}, ErrEnded
	}

	if err := s.ledger.Escrow(ctx, bidder, escrow); err != nil {
		return domain.Session{}, fmt.Errorf("escrow bid: %w", err)
	}

	replaced := false
	for i := range sess.Bids {
		if sess.Bids[i].Bidder != bidder {
			continue
		}
		if _, err := s.refunds.Credit(ctx, bidder, sess.Bids[i].Escrow, refund.ReasonReplacedBid); err != nil {
			return domain.Session{}, err
		}
		sess.Bids[i] = domain.Bid{Bidder: bidder, Ciphertext: ciphertext, Escrow: escrow, SubmittedAt: now}
		replaced = true
		break
	}
	if !replaced {
		sess.Bids = append(sess.Bids, domain.Bid{Bidder: bidder, Ciphertext: ciphertext, Escrow: escrow, SubmittedAt: now})
	}

	sess, err = s.sessions.PutSession(ctx, sess)
	if err != nil {
		return domain.Session{}, err
	}

	s.recordEvent(ctx, event.Event{
		Type:    event.BidSubmitted,
		Account: bidder,
		Subject: assetID,
		Amount:  escrow,
	})
	s.log.WithField("asset_id", assetID).
		WithField("bidder", bidder).
		WithField("escrow", escrow).
		WithField("replaced", replaced).
		Info("bid submitted")
	return sess, nil
}

// Finalize closes the window and hands every sealed bid to the oracle via
// the coordinator. The session waits in the awaiting-result state until the
// callback or the timeout resolves it.
func (s *Service) Finalize(ctx context.Context, assetID, caller string) (domain.Session, error) {
	agr, err := s.agreements.GetAgreementByAsset(ctx, assetID)
	if err != nil {
		return domain.Session{}, err
	}
	if agr.Licensor != caller {
		return domain.Session{}, ErrNotController
	}

	s.transferMu.Lock()
	defer s.transferMu.Unlock()

	sess, err := s.sessions.GetSession(ctx, assetID)
	if err != nil || !sess.Open {
		return domain.Session{}, ErrNotOpen
	}
	if s.now().UTC().Before(sess.EndTime) {
		return domain.Session{}, ErrNotEnded
	}
	if len(sess.Bids) == 0 {
		return domain.Session{}, ErrNoBids
	}

	handles := make([]string, len(sess.Bids))
	for i, bid := range sess.Bids {
		handles[i] = bid.Ciphertext
	}

	req, err := s.coordinator.Issue(ctx, caller, request.Correlation{
		Kind:    request.KindBidding,
		AssetID: assetID,
	}, handles)
	if err != nil {
		return domain.Session{}, err
	}

	sess.Open = false
	sess.RequestID = req.ID
	sess, err = s.sessions.PutSession(ctx, sess)
	if err != nil {
		return domain.Session{}, err
	}

	s.recordEvent(ctx, event.Event{
		Type:      event.SessionFinalizing,
		Account:   caller,
		RequestID: req.ID,
		Subject:   assetID,
	})
	s.log.WithField("asset_id", assetID).
		WithField("request_id", req.ID).
		WithField("bids", len(sess.Bids)).
		Info("bidding session awaiting oracle result")
	return sess, nil
}

// HandleResult consumes the decrypted bid amounts, aligned by index with the
// bidder list. The maximum wins, ties break to the earliest submission
// index. The winner's escrow is paid to the asset controller, every other
// escrow is credited to the refund ledger, and the agreement transitions to
// awarded.
func (s *Service) HandleResult(ctx context.Context, corr request.Correlation, cleartexts []int64) error {
	s.transferMu.Lock()
	defer s.transferMu.Unlock()

	sess, err := s.sessions.GetSession(ctx, corr.AssetID)
	if err != nil {
		return err
	}
	if !sess.Awaiting() {
		return fmt.Errorf("session for asset %s is not awaiting a result", corr.AssetID)
	}
	if len(cleartexts) != len(sess.Bids) {
		return fmt.Errorf("decrypted %d amounts for %d bids", len(cleartexts), len(sess.Bids))
	}

	winner := 0
	for i := 1; i < len(cleartexts); i++ {
		if cleartexts[i] > cleartexts[winner] {
			winner = i
		}
	}

	agr, err := s.agreements.GetAgreementByAsset(ctx, corr.AssetID)
	if err != nil {
		return err
	}

	// The resolved session is persisted before any funds move, so a fault
	// after this point cannot route the request back through the failure
	// path and credit escrows that were already paid out.
	sess.Resolved = true
	sess.Winner = sess.Bids[winner].Bidder
	sess.WinningBid = cleartexts[winner]
	sess, err = s.sessions.PutSession(ctx, sess)
	if err != nil {
		return err
	}

	if err := s.ledger.Payout(ctx, agr.Licensor, sess.Bids[winner].Escrow); err != nil {
		// No funds have moved yet. Reopen the awaiting state so the
		// failure path can still refund every escrow.
		sess.Resolved = false
		sess.Winner = ""
		sess.WinningBid = 0
		if _, putErr := s.sessions.PutSession(ctx, sess); putErr != nil {
			s.log.WithError(putErr).
				WithField("asset_id", corr.AssetID).
				Error("restore awaiting session after failed payout")
		}
		return fmt.Errorf("consume winning escrow: %w", err)
	}
	for i, bid := range sess.Bids {
		if i == winner {
			continue
		}
		if _, err := s.refunds.Credit(ctx, bid.Bidder, bid.Escrow, refund.ReasonLostBid); err != nil {
			return err
		}
	}

	agr.Licensee = sess.Bids[winner].Bidder
	agr.Status = royalty.AgreementAwarded
	if _, err := s.agreements.UpdateAgreement(ctx, agr); err != nil {
		return err
	}

	s.recordEvent(ctx, event.Event{
		Type:      event.WinnerAwarded,
		Account:   sess.Winner,
		RequestID: sess.RequestID,
		Subject:   corr.AssetID,
		Amount:    sess.Bids[winner].Escrow,
	})
	s.log.WithField("asset_id", corr.AssetID).
		WithField("winner", sess.Winner).
		Info("exclusive rights awarded")
	return nil
}

// HandleFailure refunds every bidder's full escrow, the would-be winner
// included, and closes the session unresolved. The asset can be auctioned
// again with a fresh session.
func (s *Service) HandleFailure(ctx context.Context, corr request.Correlation, cause string) error {
	s.transferMu.Lock()
	defer s.transferMu.Unlock()

	sess, err := s.sessions.GetSession(ctx, corr.AssetID)
	if err != nil {
		return err
	}
	if sess.Resolved {
		return nil
	}

	reason := refund.ReasonOracleFailure
	if cause == coordinator.CauseTimeout {
		reason = refund.ReasonTimeout
	}
	for _, bid := range sess.Bids {
		if _, err := s.refunds.Credit(ctx, bid.Bidder, bid.Escrow, reason); err != nil {
			return err
		}
	}

	sess.Open = false
	sess.Resolved = true
	if _, err := s.sessions.PutSession(ctx, sess); err != nil {
		return err
	}

	s.recordEvent(ctx, event.Event{
		Type:      event.SessionUnresolved,
		RequestID: sess.RequestID,
		Subject:   corr.AssetID,
		Detail:    cause,
	})
	s.log.WithField("asset_id", corr.AssetID).
		WithField("cause", cause).
		Warn("bidding session closed unresolved; all escrows refunded")
	return nil
}

// GetSession retrieves the session for an asset.
func (s *Service) GetSession(ctx context.Context, assetID string) (domain.Session, error) {
	return s.sessions.GetSession(ctx, assetID)
}

// ListSessions returns all sessions.
func (s *Service) ListSessions(ctx context.Context) ([]domain.Session, error) {
	return s.sessions.ListSessions(ctx)
}

func (s *Service) recordEvent(ctx context.Context, evt event.Event) {
	if s.events == nil {
		return
	}
	if _, err := s.events.AppendEvent(ctx, evt); err != nil {
		s.log.WithError(err).Warn("append bidding event")
	}
}
