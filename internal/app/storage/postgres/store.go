// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/CLS-Network/settlement_layer/internal/app/domain/bidding"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/event"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/refund"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/request"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/royalty"
	"github.com/CLS-Network/settlement_layer/internal/app/storage"
)

// Store implements the storage interfaces on top of a sqlx database handle.
type Store struct {
	db *sqlx.DB
}

var _ storage.RequestStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)
var _ storage.AgreementStore = (*Store)(nil)
var _ storage.PaymentStore = (*Store)(nil)
var _ storage.RefundStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return New(db), nil
}

// EnsureSchema creates the settlement tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE SEQUENCE IF NOT EXISTS settlement_request_ids;

CREATE TABLE IF NOT EXISTS settlement_requests (
    id            BIGINT PRIMARY KEY,
    issuer        TEXT NOT NULL,
    kind          TEXT NOT NULL,
    asset_id      TEXT NOT NULL DEFAULT '',
    agreement_id  TEXT NOT NULL DEFAULT '',
    payment_index INT  NOT NULL DEFAULT 0,
    ciphertexts   JSONB NOT NULL,
    status        TEXT NOT NULL,
    fail_reason   TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL,
    resolved_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS bidding_sessions (
    asset_id    TEXT PRIMARY KEY,
    open        BOOLEAN NOT NULL,
    end_time    TIMESTAMPTZ NOT NULL,
    bids        JSONB NOT NULL,
    request_id  BIGINT NOT NULL DEFAULT 0,
    resolved    BOOLEAN NOT NULL DEFAULT FALSE,
    winner      TEXT NOT NULL DEFAULT '',
    winning_bid BIGINT NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS agreements (
    id              TEXT PRIMARY KEY,
    asset_id        TEXT NOT NULL UNIQUE,
    licensor        TEXT NOT NULL,
    licensee        TEXT NOT NULL DEFAULT '',
    rate_ciphertext TEXT NOT NULL,
    status          TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS royalty_payments (
    agreement_id       TEXT NOT NULL,
    payment_index      INT  NOT NULL,
    revenue_ciphertext TEXT NOT NULL,
    paid               BIGINT NOT NULL,
    outcome            TEXT NOT NULL,
    request_id         BIGINT NOT NULL DEFAULT 0,
    submitted_at       TIMESTAMPTZ NOT NULL,
    verified_at        TIMESTAMPTZ,
    PRIMARY KEY (agreement_id, payment_index)
);

CREATE TABLE IF NOT EXISTS refund_balances (
    account    TEXT PRIMARY KEY,
    amount     BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settlement_events (
    id         TEXT PRIMARY KEY,
    type       TEXT NOT NULL,
    account    TEXT NOT NULL DEFAULT '',
    request_id BIGINT NOT NULL DEFAULT 0,
    subject    TEXT NOT NULL DEFAULT '',
    amount     BIGINT NOT NULL DEFAULT 0,
    detail     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    seq        BIGSERIAL
);
`

// --- RequestStore -----------------------------------------------------------

func (s *Store) NextRequestID(ctx context.Context) (uint64, error) {
	var id uint64
	if err := s.db.GetContext(ctx, &id, `SELECT nextval('settlement_request_ids')`); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) CreateRequest(ctx context.Context, req request.Request) (request.Request, error) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	ciphertexts, err := json.Marshal(req.Ciphertexts)
	if err != nil {
		return request.Request{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlement_requests
			(id, issuer, kind, asset_id, agreement_id, payment_index, ciphertexts, status, fail_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, req.ID, req.Issuer, req.Correlation.Kind, req.Correlation.AssetID,
		req.Correlation.AgreementID, req.Correlation.PaymentIndex,
		ciphertexts, req.Status, req.FailReason, req.CreatedAt)
	if err != nil {
		return request.Request{}, err
	}
	return req, nil
}

func (s *Store) UpdateRequest(ctx context.Context, req request.Request) (request.Request, error) {
	var resolvedAt interface{}
	if !req.ResolvedAt.IsZero() {
		resolvedAt = req.ResolvedAt
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE settlement_requests
		SET status = $2, fail_reason = $3, resolved_at = $4
		WHERE id = $1
	`, req.ID, req.Status, req.FailReason, resolvedAt)
	if err != nil {
		return request.Request{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return request.Request{}, sql.ErrNoRows
	}
	return s.GetRequest(ctx, req.ID)
}

type requestRow struct {
	ID           uint64       `db:"id"`
	Issuer       string       `db:"issuer"`
	Kind         string       `db:"kind"`
	AssetID      string       `db:"asset_id"`
	AgreementID  string       `db:"agreement_id"`
	PaymentIndex int          `db:"payment_index"`
	Ciphertexts  []byte       `db:"ciphertexts"`
	Status       string       `db:"status"`
	FailReason   string       `db:"fail_reason"`
	CreatedAt    time.Time    `db:"created_at"`
	ResolvedAt   sql.NullTime `db:"resolved_at"`
}

func (r requestRow) toDomain() (request.Request, error) {
	var ciphertexts []string
	if err := json.Unmarshal(r.Ciphertexts, &ciphertexts); err != nil {
		return request.Request{}, err
	}
	req := request.Request{
		ID:     r.ID,
		Issuer: r.Issuer,
		Correlation: request.Correlation{
			Kind:         request.CorrelationKind(r.Kind),
			AssetID:      r.AssetID,
			AgreementID:  r.AgreementID,
			PaymentIndex: r.PaymentIndex,
		},
		Ciphertexts: ciphertexts,
		Status:      request.Status(r.Status),
		FailReason:  r.FailReason,
		CreatedAt:   r.CreatedAt,
	}
	if r.ResolvedAt.Valid {
		req.ResolvedAt = r.ResolvedAt.Time
	}
	return req, nil
}

func (s *Store) GetRequest(ctx context.Context, id uint64) (request.Request, error) {
	var row requestRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM settlement_requests WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return request.Request{}, fmt.Errorf("request %d not found", id)
	}
	if err != nil {
		return request.Request{}, err
	}
	return row.toDomain()
}

func (s *Store) ListRequests(ctx context.Context, issuer string) ([]request.Request, error) {
	query := `SELECT * FROM settlement_requests ORDER BY id`
	args := []interface{}{}
	if issuer != "" {
		query = `SELECT * FROM settlement_requests WHERE issuer = $1 ORDER BY id`
		args = append(args, issuer)
	}

	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return requestRowsToDomain(rows)
}

func (s *Store) ListPendingRequests(ctx context.Context) ([]request.Request, error) {
	var rows []requestRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM settlement_requests WHERE status = $1 ORDER BY id`, request.StatusPending)
	if err != nil {
		return nil, err
	}
	return requestRowsToDomain(rows)
}

func requestRowsToDomain(rows []requestRow) ([]request.Request, error) {
	result := make([]request.Request, 0, len(rows))
	for _, row := range rows {
		req, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, nil
}

// --- SessionStore -----------------------------------------------------------

type sessionRow struct {
	AssetID    string    `db:"asset_id"`
	Open       bool      `db:"open"`
	EndTime    time.Time `db:"end_time"`
	Bids       []byte    `db:"bids"`
	RequestID  uint64    `db:"request_id"`
	Resolved   bool      `db:"resolved"`
	Winner     string    `db:"winner"`
	WinningBid int64     `db:"winning_bid"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r sessionRow) toDomain() (bidding.Session, error) {
	var bids []bidding.Bid
	if err := json.Unmarshal(r.Bids, &bids); err != nil {
		return bidding.Session{}, err
	}
	return bidding.Session{
		AssetID:    r.AssetID,
		Open:       r.Open,
		EndTime:    r.EndTime,
		Bids:       bids,
		RequestID:  r.RequestID,
		Resolved:   r.Resolved,
		Winner:     r.Winner,
		WinningBid: r.WinningBid,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

func (s *Store) PutSession(ctx context.Context, sess bidding.Session) (bidding.Session, error) {
	if sess.AssetID == "" {
		return bidding.Session{}, fmt.Errorf("asset id is required")
	}
	bids, err := json.Marshal(sess.Bids)
	if err != nil {
		return bidding.Session{}, err
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bidding_sessions
			(asset_id, open, end_time, bids, request_id, resolved, winner, winning_bid, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (asset_id) DO UPDATE SET
			open = EXCLUDED.open,
			end_time = EXCLUDED.end_time,
			bids = EXCLUDED.bids,
			request_id = EXCLUDED.request_id,
			resolved = EXCLUDED.resolved,
			winner = EXCLUDED.winner,
			winning_bid = EXCLUDED.winning_bid,
			updated_at = EXCLUDED.updated_at
	`, sess.AssetID, sess.Open, sess.EndTime, bids, sess.RequestID,
		sess.Resolved, sess.Winner, sess.WinningBid, now)
	if err != nil {
		return bidding.Session{}, err
	}
	return s.GetSession(ctx, sess.AssetID)
}

func (s *Store) GetSession(ctx context.Context, assetID string) (bidding.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM bidding_sessions WHERE asset_id = $1`, assetID)
	if errors.Is(err, sql.ErrNoRows) {
		return bidding.Session{}, fmt.Errorf("session for asset %s not found", assetID)
	}
	if err != nil {
		return bidding.Session{}, err
	}
	return row.toDomain()
}

func (s *Store) ListSessions(ctx context.Context) ([]bidding.Session, error) {
	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM bidding_sessions ORDER BY asset_id`); err != nil {
		return nil, err
	}
	result := make([]bidding.Session, 0, len(rows))
	for _, row := range rows {
		sess, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, nil
}

// --- AgreementStore ---------------------------------------------------------

type agreementRow struct {
	ID             string    `db:"id"`
	AssetID        string    `db:"asset_id"`
	Licensor       string    `db:"licensor"`
	Licensee       string    `db:"licensee"`
	RateCiphertext string    `db:"rate_ciphertext"`
	Status         string    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r agreementRow) toDomain() royalty.Agreement {
	return royalty.Agreement{
		ID:             r.ID,
		AssetID:        r.AssetID,
		Licensor:       r.Licensor,
		Licensee:       r.Licensee,
		RateCiphertext: r.RateCiphertext,
		Status:         royalty.AgreementStatus(r.Status),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (s *Store) CreateAgreement(ctx context.Context, agr royalty.Agreement) (royalty.Agreement, error) {
	if agr.ID == "" {
		agr.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	agr.CreatedAt = now
	agr.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agreements (id, asset_id, licensor, licensee, rate_ciphertext, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, agr.ID, agr.AssetID, agr.Licensor, agr.Licensee, agr.RateCiphertext, agr.Status, agr.CreatedAt, agr.UpdatedAt)
	if err != nil {
		return royalty.Agreement{}, err
	}
	return agr, nil
}

func (s *Store) UpdateAgreement(ctx context.Context, agr royalty.Agreement) (royalty.Agreement, error) {
	agr.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE agreements
		SET licensor = $2, licensee = $3, rate_ciphertext = $4, status = $5, updated_at = $6
		WHERE id = $1
	`, agr.ID, agr.Licensor, agr.Licensee, agr.RateCiphertext, agr.Status, agr.UpdatedAt)
	if err != nil {
		return royalty.Agreement{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return royalty.Agreement{}, sql.ErrNoRows
	}
	return s.GetAgreement(ctx, agr.ID)
}

func (s *Store) GetAgreement(ctx context.Context, id string) (royalty.Agreement, error) {
	var row agreementRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM agreements WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return royalty.Agreement{}, fmt.Errorf("agreement %s not found", id)
	}
	if err != nil {
		return royalty.Agreement{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) GetAgreementByAsset(ctx context.Context, assetID string) (royalty.Agreement, error) {
	var row agreementRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM agreements WHERE asset_id = $1`, assetID)
	if errors.Is(err, sql.ErrNoRows) {
		return royalty.Agreement{}, fmt.Errorf("agreement for asset %s not found", assetID)
	}
	if err != nil {
		return royalty.Agreement{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListAgreements(ctx context.Context) ([]royalty.Agreement, error) {
	var rows []agreementRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM agreements ORDER BY id`); err != nil {
		return nil, err
	}
	result := make([]royalty.Agreement, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

// --- PaymentStore -----------------------------------------------------------

type paymentRow struct {
	AgreementID       string       `db:"agreement_id"`
	PaymentIndex      int          `db:"payment_index"`
	RevenueCiphertext string       `db:"revenue_ciphertext"`
	Paid              int64        `db:"paid"`
	Outcome           string       `db:"outcome"`
	RequestID         uint64       `db:"request_id"`
	SubmittedAt       time.Time    `db:"submitted_at"`
	VerifiedAt        sql.NullTime `db:"verified_at"`
}

func (r paymentRow) toDomain() royalty.Payment {
	p := royalty.Payment{
		AgreementID:       r.AgreementID,
		Index:             r.PaymentIndex,
		RevenueCiphertext: r.RevenueCiphertext,
		Paid:              r.Paid,
		Outcome:           royalty.Outcome(r.Outcome),
		RequestID:         r.RequestID,
		SubmittedAt:       r.SubmittedAt,
	}
	if r.VerifiedAt.Valid {
		p.VerifiedAt = r.VerifiedAt.Time
	}
	return p
}

func (s *Store) CreatePayment(ctx context.Context, p royalty.Payment) (royalty.Payment, error) {
	if p.SubmittedAt.IsZero() {
		p.SubmittedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO royalty_payments
			(agreement_id, payment_index, revenue_ciphertext, paid, outcome, request_id, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.AgreementID, p.Index, p.RevenueCiphertext, p.Paid, p.Outcome, p.RequestID, p.SubmittedAt)
	if err != nil {
		return royalty.Payment{}, err
	}
	return p, nil
}

func (s *Store) UpdatePayment(ctx context.Context, p royalty.Payment) (royalty.Payment, error) {
	var verifiedAt interface{}
	if !p.VerifiedAt.IsZero() {
		verifiedAt = p.VerifiedAt
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE royalty_payments
		SET outcome = $3, request_id = $4, verified_at = $5
		WHERE agreement_id = $1 AND payment_index = $2
	`, p.AgreementID, p.Index, p.Outcome, p.RequestID, verifiedAt)
	if err != nil {
		return royalty.Payment{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return royalty.Payment{}, sql.ErrNoRows
	}
	return s.GetPayment(ctx, p.AgreementID, p.Index)
}

func (s *Store) GetPayment(ctx context.Context, agreementID string, index int) (royalty.Payment, error) {
	var row paymentRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM royalty_payments WHERE agreement_id = $1 AND payment_index = $2`, agreementID, index)
	if errors.Is(err, sql.ErrNoRows) {
		return royalty.Payment{}, fmt.Errorf("payment %s/%d not found", agreementID, index)
	}
	if err != nil {
		return royalty.Payment{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListPayments(ctx context.Context, agreementID string) ([]royalty.Payment, error) {
	var rows []paymentRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM royalty_payments WHERE agreement_id = $1 ORDER BY payment_index`, agreementID)
	if err != nil {
		return nil, err
	}
	result := make([]royalty.Payment, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

// --- RefundStore ------------------------------------------------------------

type refundRow struct {
	Account   string    `db:"account"`
	Amount    int64     `db:"amount"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (s *Store) CreditRefund(ctx context.Context, account string, amount int64) (refund.Balance, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refund_balances (account, amount, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (account) DO UPDATE SET
			amount = refund_balances.amount + EXCLUDED.amount,
			updated_at = EXCLUDED.updated_at
	`, account, amount, now)
	if err != nil {
		return refund.Balance{}, err
	}
	return s.GetRefundBalance(ctx, account)
}

func (s *Store) PutRefundBalance(ctx context.Context, account string, amount int64) (refund.Balance, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refund_balances (account, amount, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (account) DO UPDATE SET
			amount = EXCLUDED.amount,
			updated_at = EXCLUDED.updated_at
	`, account, amount, now)
	if err != nil {
		return refund.Balance{}, err
	}
	return refund.Balance{Account: account, Amount: amount, UpdatedAt: now}, nil
}

func (s *Store) GetRefundBalance(ctx context.Context, account string) (refund.Balance, error) {
	var row refundRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM refund_balances WHERE account = $1`, account)
	if errors.Is(err, sql.ErrNoRows) {
		return refund.Balance{Account: account}, nil
	}
	if err != nil {
		return refund.Balance{}, err
	}
	return refund.Balance(row), nil
}

func (s *Store) ListRefundBalances(ctx context.Context) ([]refund.Balance, error) {
	var rows []refundRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM refund_balances ORDER BY account`); err != nil {
		return nil, err
	}
	result := make([]refund.Balance, 0, len(rows))
	for _, row := range rows {
		result = append(result, refund.Balance(row))
	}
	return result, nil
}

// --- EventStore -------------------------------------------------------------

type eventRow struct {
	ID        string    `db:"id"`
	Type      string    `db:"type"`
	Account   string    `db:"account"`
	RequestID uint64    `db:"request_id"`
	Subject   string    `db:"subject"`
	Amount    int64     `db:"amount"`
	Detail    string    `db:"detail"`
	CreatedAt time.Time `db:"created_at"`
	Seq       int64     `db:"seq"`
}

func (s *Store) AppendEvent(ctx context.Context, evt event.Event) (event.Event, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_events (id, type, account, request_id, subject, amount, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, evt.ID, evt.Type, evt.Account, evt.RequestID, evt.Subject, evt.Amount, evt.Detail, evt.CreatedAt)
	if err != nil {
		return event.Event{}, err
	}
	return evt, nil
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]event.Event, error) {
	query := `SELECT * FROM settlement_events ORDER BY seq`
	args := []interface{}{}
	if limit > 0 {
		query = `SELECT * FROM (
			SELECT * FROM settlement_events ORDER BY seq DESC LIMIT $1
		) latest ORDER BY seq`
		args = append(args, limit)
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]event.Event, 0, len(rows))
	for _, row := range rows {
		result = append(result, event.Event{
			ID:        row.ID,
			Type:      event.Type(row.Type),
			Account:   row.Account,
			RequestID: row.RequestID,
			Subject:   row.Subject,
			Amount:    row.Amount,
			Detail:    row.Detail,
			CreatedAt: row.CreatedAt,
		})
	}
	return result, nil
}
