// Package coordinator tracks the lifecycle of decryption requests sent to
// the confidential-compute oracle. It issues requests, verifies attestations
// on callback, dispatches cleartext results to the owning engine exactly
// once, and resolves requests the oracle never answers through a timeout
// path that always favours returning funds to their depositors.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CLS-Network/settlement_layer/internal/app/attest"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/event"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/request"
	"github.com/CLS-Network/settlement_layer/internal/app/metrics"
	"github.com/CLS-Network/settlement_layer/internal/app/storage"
	"github.com/CLS-Network/settlement_layer/pkg/logger"
)

// Timeout is how long a request may stay pending before anyone can resolve
// it as timed out. The boundary is inclusive: a claim at exactly Timeout
// succeeds.
const Timeout = 7 * 24 * time.Hour

// Failure causes passed to handlers on the failure path.
const (
	CauseTimeout = "timeout"
	CauseFailure = "oracle_failure"
)

var (
	// ErrInvalidRequest is returned when a callback names an unknown or
	// already-resolved request.
	ErrInvalidRequest = errors.New("invalid decryption request")
	// ErrAttestationInvalid is returned when the callback proof does not
	// verify. The request stays pending; only a valid attestation may
	// mutate state.
	ErrAttestationInvalid = errors.New("attestation invalid")
	// ErrNotPending is returned by ClaimTimeout when the request is not
	// pending.
	ErrNotPending = errors.New("request not pending")
	// ErrNotExpired is returned by ClaimTimeout before the timeout elapses.
	ErrNotExpired = errors.New("request not expired")
	// ErrAlreadyResolved is returned when a terminal request is resolved
	// again; a request transitions out of pending exactly once.
	ErrAlreadyResolved = errors.New("request already resolved")
	// ErrUnknownCorrelation is returned when no handler is registered for a
	// correlation kind.
	ErrUnknownCorrelation = errors.New("no handler for correlation kind")
)

// Oracle forwards ciphertext handles to the confidential-compute service.
// Delivery is fire-and-forget: the oracle answers, if ever, through the
// callback entry points.
type Oracle interface {
	RequestDecryption(ctx context.Context, requestID uint64, ciphertexts []string) error
}

// NopOracle discards decryption batches. Requests issued against it resolve
// only through the timeout path; it exists for environments without a
// configured oracle.
type NopOracle struct{}

func (NopOracle) RequestDecryption(_ context.Context, _ uint64, _ []string) error { return nil }

// Handler consumes resolved requests for one correlation kind. HandleResult
// returning an error marks the request failed and routes it to
// HandleFailure, so a malformed oracle payload still ends in refunds.
type Handler interface {
	HandleResult(ctx context.Context, corr request.Correlation, cleartexts []int64) error
	HandleFailure(ctx context.Context, corr request.Correlation, cause string) error
}

// Service is the decryption request coordinator.
type Service struct {
	store    storage.RequestStore
	events   storage.EventStore
	verifier attest.Verifier
	oracle   Oracle
	log      *logger.Logger
	now      func() time.Time

	// resolveMu serialises resolution so a request can reach a terminal
	// status exactly once even under concurrent callbacks and claims.
	resolveMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[request.CorrelationKind]Handler
}

// New constructs the coordinator.
func New(store storage.RequestStore, events storage.EventStore, verifier attest.Verifier, oracle Oracle, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("coordinator")
	}
	return &Service{
		store:    store,
		events:   events,
		verifier: verifier,
		oracle:   oracle,
		log:      log,
		now:      time.Now,
		handlers: make(map[request.CorrelationKind]Handler),
	}
}

// RegisterHandler binds an engine to a correlation kind. Call before any
// request for that kind is issued.
func (s *Service) RegisterHandler(kind request.CorrelationKind, h Handler) {
	s.handlerMu.Lock()
	s.handlers[kind] = h
	s.handlerMu.Unlock()
}

func (s *Service) handler(kind request.CorrelationKind) (Handler, error) {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	h, ok := s.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCorrelation, kind)
	}
	return h, nil
}

// Issue allocates a fresh request id, stores the pending record, and
// forwards the ciphertext handles to the oracle. No funds move here. A
// failed forward is logged but leaves the request pending: the timeout path
// covers an oracle that never heard from us the same way it covers one that
// never answers.
func (s *Service) Issue(ctx context.Context, issuer string, corr request.Correlation, ciphertexts []string) (request.Request, error) {
	if issuer == "" {
		return request.Request{}, fmt.Errorf("issuer is required")
	}
	if len(ciphertexts) == 0 {
		return request.Request{}, fmt.Errorf("at least one ciphertext handle is required")
	}
	if _, err := s.handler(corr.Kind); err != nil {
		return request.Request{}, err
	}

	id, err := s.store.NextRequestID(ctx)
	if err != nil {
		return request.Request{}, err
	}

	req := request.Request{
		ID:          id,
		Issuer:      issuer,
		Correlation: corr,
		Ciphertexts: ciphertexts,
		Status:      request.StatusPending,
		CreatedAt:   s.now().UTC(),
	}
	req, err = s.store.CreateRequest(ctx, req)
	if err != nil {
		return request.Request{}, err
	}

	if err := s.oracle.RequestDecryption(ctx, req.ID, req.Ciphertexts); err != nil {
		s.log.WithError(err).
			WithField("request_id", req.ID).
			Warn("oracle forward failed; request stays pending until callback or timeout")
	}

	metrics.RecordRequestIssued()
	s.recordEvent(ctx, event.Event{
		Type:      event.RequestIssued,
		Account:   issuer,
		RequestID: req.ID,
		Subject:   corr.Subject(),
	})
	s.log.WithField("request_id", req.ID).
		WithField("issuer", issuer).
		WithField("kind", string(corr.Kind)).
		Info("decryption request issued")
	return req, nil
}

// Complete is the oracle callback entry point. The attestation is verified
// before any state mutation; an invalid proof leaves the request untouched.
// On a valid proof the request is marked completed first, then the cleartexts
// are dispatched to the owning engine. A handler error demotes the request
// to failed and runs the failure path, so the depositors are refunded.
func (s *Service) Complete(ctx context.Context, id uint64, cleartexts []int64, proof []byte) (request.Request, error) {
	s.resolveMu.Lock()
	defer s.resolveMu.Unlock()

	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return request.Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Status != request.StatusPending {
		return request.Request{}, fmt.Errorf("%w: request %d is %s", ErrInvalidRequest, id, req.Status)
	}

	if err := s.verifier.Verify(ctx, id, cleartexts, proof); err != nil {
		s.log.WithError(err).
			WithField("request_id", id).
			Warn("callback attestation rejected")
		return request.Request{}, fmt.Errorf("%w: %v", ErrAttestationInvalid, err)
	}

	h, err := s.handler(req.Correlation.Kind)
	if err != nil {
		return request.Request{}, err
	}

	// Status transition happens-before the domain effect.
	req.Status = request.StatusCompleted
	req.ResolvedAt = s.now().UTC()
	req, err = s.store.UpdateRequest(ctx, req)
	if err != nil {
		return request.Request{}, err
	}

	if handleErr := h.HandleResult(ctx, req.Correlation, cleartexts); handleErr != nil {
		req.Status = request.StatusFailed
		req.FailReason = handleErr.Error()
		req, err = s.store.UpdateRequest(ctx, req)
		if err != nil {
			return request.Request{}, err
		}
		if failErr := h.HandleFailure(ctx, req.Correlation, CauseFailure); failErr != nil {
			s.log.WithError(failErr).
				WithField("request_id", req.ID).
				Error("failure path after rejected result")
		}
		metrics.RecordRequestResolved(string(request.StatusFailed))
		s.recordEvent(ctx, event.Event{
			Type:      event.RequestFailed,
			Account:   req.Issuer,
			RequestID: req.ID,
			Subject:   req.Correlation.Subject(),
			Detail:    handleErr.Error(),
		})
		s.log.WithError(handleErr).
			WithField("request_id", req.ID).
			Warn("decryption result rejected by handler")
		return req, nil
	}

	metrics.RecordRequestResolved(string(request.StatusCompleted))
	s.recordEvent(ctx, event.Event{
		Type:      event.RequestCompleted,
		Account:   req.Issuer,
		RequestID: req.ID,
		Subject:   req.Correlation.Subject(),
	})
	s.log.WithField("request_id", req.ID).Info("decryption request completed")
	return req, nil
}

// ClaimTimeout resolves a pending request whose oracle never answered. It is
// callable by anyone once the timeout has elapsed and triggers the same
// refund path a failed completion would.
func (s *Service) ClaimTimeout(ctx context.Context, id uint64) (request.Request, error) {
	s.resolveMu.Lock()
	defer s.resolveMu.Unlock()

	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return request.Request{}, fmt.Errorf("%w: %v", ErrNotPending, err)
	}
	if req.Status.Terminal() {
		return request.Request{}, fmt.Errorf("%w: request %d is %s", ErrAlreadyResolved, id, req.Status)
	}
	if req.Status != request.StatusPending {
		return request.Request{}, fmt.Errorf("%w: request %d is %s", ErrNotPending, id, req.Status)
	}
	if elapsed := s.now().UTC().Sub(req.CreatedAt); elapsed < Timeout {
		return request.Request{}, fmt.Errorf("%w: %s of %s elapsed", ErrNotExpired, elapsed.Round(time.Second), Timeout)
	}

	h, err := s.handler(req.Correlation.Kind)
	if err != nil {
		return request.Request{}, err
	}

	req.Status = request.StatusTimedOut
	req.FailReason = CauseTimeout
	req.ResolvedAt = s.now().UTC()
	req, err = s.store.UpdateRequest(ctx, req)
	if err != nil {
		return request.Request{}, err
	}

	if failErr := h.HandleFailure(ctx, req.Correlation, CauseTimeout); failErr != nil {
		s.log.WithError(failErr).
			WithField("request_id", req.ID).
			Error("failure path after timeout claim")
	}

	metrics.RecordRequestResolved(string(request.StatusTimedOut))
	s.recordEvent(ctx, event.Event{
		Type:      event.RequestTimedOut,
		Account:   req.Issuer,
		RequestID: req.ID,
		Subject:   req.Correlation.Subject(),
	})
	s.log.WithField("request_id", req.ID).Info("decryption request timed out")
	return req, nil
}

// Get retrieves a request by id.
func (s *Service) Get(ctx context.Context, id uint64) (request.Request, error) {
	return s.store.GetRequest(ctx, id)
}

// List returns requests, optionally filtered by issuer.
func (s *Service) List(ctx context.Context, issuer string) ([]request.Request, error) {
	return s.store.ListRequests(ctx, issuer)
}

// ListPending returns all pending requests.
func (s *Service) ListPending(ctx context.Context) ([]request.Request, error) {
	return s.store.ListPendingRequests(ctx)
}

func (s *Service) recordEvent(ctx context.Context, evt event.Event) {
	if s.events == nil {
		return
	}
	if _, err := s.events.AppendEvent(ctx, evt); err != nil {
		s.log.WithError(err).Warn("append coordinator event")
	}
}
