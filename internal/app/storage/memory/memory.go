package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CLS-Network/settlement_layer/internal/app/domain/bidding"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/event"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/refund"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/request"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/royalty"
	"github.com/CLS-Network/settlement_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development.
type Store struct {
	mu                sync.RWMutex
	nextRequestID     uint64
	requests          map[uint64]request.Request
	sessions          map[string]bidding.Session
	agreements        map[string]royalty.Agreement
	agreementsByAsset map[string]string
	payments          map[string][]royalty.Payment
	refunds           map[string]refund.Balance
	events            []event.Event
}

var _ storage.RequestStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)
var _ storage.AgreementStore = (*Store)(nil)
var _ storage.PaymentStore = (*Store)(nil)
var _ storage.RefundStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextRequestID:     1,
		requests:          make(map[uint64]request.Request),
		sessions:          make(map[string]bidding.Session),
		agreements:        make(map[string]royalty.Agreement),
		agreementsByAsset: make(map[string]string),
		payments:          make(map[string][]royalty.Payment),
		refunds:           make(map[string]refund.Balance),
	}
}

// RequestStore implementation -------------------------------------------------

func (s *Store) NextRequestID(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextRequestID
	s.nextRequestID++
	return id, nil
}

func (s *Store) CreateRequest(_ context.Context, req request.Request) (request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == 0 {
		return request.Request{}, fmt.Errorf("request id is required")
	}
	if _, exists := s.requests[req.ID]; exists {
		return request.Request{}, fmt.Errorf("request %d already exists", req.ID)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.Ciphertexts = append([]string(nil), req.Ciphertexts...)

	s.requests[req.ID] = req
	return cloneRequest(req), nil
}

func (s *Store) UpdateRequest(_ context.Context, req request.Request) (request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.requests[req.ID]
	if !ok {
		return request.Request{}, fmt.Errorf("request %d not found", req.ID)
	}

	req.CreatedAt = original.CreatedAt
	req.Ciphertexts = append([]string(nil), req.Ciphertexts...)

	s.requests[req.ID] = req
	return cloneRequest(req), nil
}

func (s *Store) GetRequest(_ context.Context, id uint64) (request.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return request.Request{}, fmt.Errorf("request %d not found", id)
	}
	return cloneRequest(req), nil
}

func (s *Store) ListRequests(_ context.Context, issuer string) ([]request.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]request.Request, 0)
	for _, req := range s.requests {
		if issuer == "" || req.Issuer == issuer {
			result = append(result, cloneRequest(req))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) ListPendingRequests(_ context.Context) ([]request.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]request.Request, 0)
	for _, req := range s.requests {
		if req.Status == request.StatusPending {
			result = append(result, cloneRequest(req))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// SessionStore implementation -------------------------------------------------

func (s *Store) PutSession(_ context.Context, sess bidding.Session) (bidding.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.AssetID == "" {
		return bidding.Session{}, fmt.Errorf("asset id is required")
	}

	now := time.Now().UTC()
	if original, ok := s.sessions[sess.AssetID]; ok {
		sess.CreatedAt = original.CreatedAt
	} else if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	sess.Bids = append([]bidding.Bid(nil), sess.Bids...)

	s.sessions[sess.AssetID] = sess
	return cloneSession(sess), nil
}

func (s *Store) GetSession(_ context.Context, assetID string) (bidding.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[assetID]
	if !ok {
		return bidding.Session{}, fmt.Errorf("session for asset %s not found", assetID)
	}
	return cloneSession(sess), nil
}

func (s *Store) ListSessions(_ context.Context) ([]bidding.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]bidding.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		result = append(result, cloneSession(sess))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AssetID < result[j].AssetID })
	return result, nil
}

// AgreementStore implementation -----------------------------------------------

func (s *Store) CreateAgreement(_ context.Context, agr royalty.Agreement) (royalty.Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agr.ID == "" {
		agr.ID = uuid.NewString()
	} else if _, exists := s.agreements[agr.ID]; exists {
		return royalty.Agreement{}, fmt.Errorf("agreement %s already exists", agr.ID)
	}
	if agr.AssetID != "" {
		if existing, exists := s.agreementsByAsset[agr.AssetID]; exists {
			return royalty.Agreement{}, fmt.Errorf("asset %s already covered by agreement %s", agr.AssetID, existing)
		}
	}

	now := time.Now().UTC()
	agr.CreatedAt = now
	agr.UpdatedAt = now

	s.agreements[agr.ID] = agr
	if agr.AssetID != "" {
		s.agreementsByAsset[agr.AssetID] = agr.ID
	}
	return agr, nil
}

func (s *Store) UpdateAgreement(_ context.Context, agr royalty.Agreement) (royalty.Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.agreements[agr.ID]
	if !ok {
		return royalty.Agreement{}, fmt.Errorf("agreement %s not found", agr.ID)
	}

	agr.AssetID = original.AssetID
	agr.CreatedAt = original.CreatedAt
	agr.UpdatedAt = time.Now().UTC()

	s.agreements[agr.ID] = agr
	return agr, nil
}

func (s *Store) GetAgreement(_ context.Context, id string) (royalty.Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agr, ok := s.agreements[id]
	if !ok {
		return royalty.Agreement{}, fmt.Errorf("agreement %s not found", id)
	}
	return agr, nil
}

func (s *Store) GetAgreementByAsset(_ context.Context, assetID string) (royalty.Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.agreementsByAsset[assetID]; ok {
		return s.agreements[id], nil
	}
	return royalty.Agreement{}, fmt.Errorf("agreement for asset %s not found", assetID)
}

func (s *Store) ListAgreements(_ context.Context) ([]royalty.Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]royalty.Agreement, 0, len(s.agreements))
	for _, agr := range s.agreements {
		result = append(result, agr)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// PaymentStore implementation -------------------------------------------------

func (s *Store) CreatePayment(_ context.Context, p royalty.Payment) (royalty.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.payments[p.AgreementID]
	if p.Index != len(entries) {
		return royalty.Payment{}, fmt.Errorf("payment index %d out of sequence for agreement %s", p.Index, p.AgreementID)
	}
	if p.SubmittedAt.IsZero() {
		p.SubmittedAt = time.Now().UTC()
	}

	s.payments[p.AgreementID] = append(entries, p)
	return p, nil
}

func (s *Store) UpdatePayment(_ context.Context, p royalty.Payment) (royalty.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.payments[p.AgreementID]
	if p.Index < 0 || p.Index >= len(entries) {
		return royalty.Payment{}, fmt.Errorf("payment %s/%d not found", p.AgreementID, p.Index)
	}

	p.SubmittedAt = entries[p.Index].SubmittedAt
	entries[p.Index] = p
	return p, nil
}

func (s *Store) GetPayment(_ context.Context, agreementID string, index int) (royalty.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.payments[agreementID]
	if index < 0 || index >= len(entries) {
		return royalty.Payment{}, fmt.Errorf("payment %s/%d not found", agreementID, index)
	}
	return entries[index], nil
}

func (s *Store) ListPayments(_ context.Context, agreementID string) ([]royalty.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]royalty.Payment(nil), s.payments[agreementID]...), nil
}

// RefundStore implementation --------------------------------------------------

func (s *Store) CreditRefund(_ context.Context, account string, amount int64) (refund.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.refunds[account]
	bal.Account = account
	bal.Amount += amount
	bal.UpdatedAt = time.Now().UTC()
	s.refunds[account] = bal
	return bal, nil
}

func (s *Store) PutRefundBalance(_ context.Context, account string, amount int64) (refund.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := refund.Balance{Account: account, Amount: amount, UpdatedAt: time.Now().UTC()}
	s.refunds[account] = bal
	return bal, nil
}

func (s *Store) GetRefundBalance(_ context.Context, account string) (refund.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if bal, ok := s.refunds[account]; ok {
		return bal, nil
	}
	return refund.Balance{Account: account}, nil
}

func (s *Store) ListRefundBalances(_ context.Context) ([]refund.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]refund.Balance, 0, len(s.refunds))
	for _, bal := range s.refunds {
		result = append(result, bal)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Account < result[j].Account })
	return result, nil
}

// EventStore implementation ---------------------------------------------------

func (s *Store) AppendEvent(_ context.Context, evt event.Event) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	s.events = append(s.events, evt)
	return evt, nil
}

func (s *Store) ListEvents(_ context.Context, limit int) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]event.Event(nil), events...), nil
}

// Helpers ---------------------------------------------------------------------

func cloneRequest(req request.Request) request.Request {
	req.Ciphertexts = append([]string(nil), req.Ciphertexts...)
	return req
}

func cloneSession(sess bidding.Session) bidding.Session {
	sess.Bids = append([]bidding.Bid(nil), sess.Bids...)
	return sess
}
