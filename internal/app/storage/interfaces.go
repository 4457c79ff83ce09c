package storage

import (
	"context"

	"github.com/CLS-Network/settlement_layer/internal/app/domain/bidding"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/event"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/refund"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/request"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/royalty"
)

// RequestStore persists decryption requests. Request records are append-only
// apart from their status transition and are never deleted.
type RequestStore interface {
	NextRequestID(ctx context.Context) (uint64, error)
	CreateRequest(ctx context.Context, req request.Request) (request.Request, error)
	UpdateRequest(ctx context.Context, req request.Request) (request.Request, error)
	GetRequest(ctx context.Context, id uint64) (request.Request, error)
	ListRequests(ctx context.Context, issuer string) ([]request.Request, error)
	ListPendingRequests(ctx context.Context) ([]request.Request, error)
}

// SessionStore persists sealed-bid sessions keyed by asset.
type SessionStore interface {
	PutSession(ctx context.Context, sess bidding.Session) (bidding.Session, error)
	GetSession(ctx context.Context, assetID string) (bidding.Session, error)
	ListSessions(ctx context.Context) ([]bidding.Session, error)
}

// AgreementStore persists licensing agreements.
type AgreementStore interface {
	CreateAgreement(ctx context.Context, agr royalty.Agreement) (royalty.Agreement, error)
	UpdateAgreement(ctx context.Context, agr royalty.Agreement) (royalty.Agreement, error)
	GetAgreement(ctx context.Context, id string) (royalty.Agreement, error)
	GetAgreementByAsset(ctx context.Context, assetID string) (royalty.Agreement, error)
	ListAgreements(ctx context.Context) ([]royalty.Agreement, error)
}

// PaymentStore persists royalty payments keyed by (agreement, index).
type PaymentStore interface {
	CreatePayment(ctx context.Context, p royalty.Payment) (royalty.Payment, error)
	UpdatePayment(ctx context.Context, p royalty.Payment) (royalty.Payment, error)
	GetPayment(ctx context.Context, agreementID string, index int) (royalty.Payment, error)
	ListPayments(ctx context.Context, agreementID string) ([]royalty.Payment, error)
}

// RefundStore persists reclaimable balances.
type RefundStore interface {
	CreditRefund(ctx context.Context, account string, amount int64) (refund.Balance, error)
	PutRefundBalance(ctx context.Context, account string, amount int64) (refund.Balance, error)
	GetRefundBalance(ctx context.Context, account string) (refund.Balance, error)
	ListRefundBalances(ctx context.Context) ([]refund.Balance, error)
}

// EventStore persists the append-only settlement event log.
type EventStore interface {
	AppendEvent(ctx context.Context, evt event.Event) (event.Event, error)
	ListEvents(ctx context.Context, limit int) ([]event.Event, error)
}
