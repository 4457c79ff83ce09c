// Package request defines the decryption request records tracked by the
// coordinator.
package request

import (
	"fmt"
	"time"
)

// Status describes the lifecycle phase of a decryption request. A request
// moves from pending to exactly one terminal status and is never reopened.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether the status is one of the resolved states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// CorrelationKind identifies which engine a request belongs to.
type CorrelationKind string

const (
	KindBidding      CorrelationKind = "bidding"
	KindVerification CorrelationKind = "verification"
)

// Correlation links a request to exactly one downstream case: a bidding
// finalization for an asset, or a royalty verification for an agreement
// payment.
type Correlation struct {
	Kind         CorrelationKind `json:"kind"`
	AssetID      string          `json:"asset_id,omitempty"`
	AgreementID  string          `json:"agreement_id,omitempty"`
	PaymentIndex int             `json:"payment_index,omitempty"`
}

// Subject renders the business object the correlation points at, for event
// records and logs.
func (c Correlation) Subject() string {
	if c.Kind == KindVerification {
		return fmt.Sprintf("%s/%d", c.AgreementID, c.PaymentIndex)
	}
	return c.AssetID
}

// Request is a pending or resolved decryption request. Records are kept for
// audit and never deleted.
type Request struct {
	ID          uint64      `json:"id"`
	Issuer      string      `json:"issuer"`
	Correlation Correlation `json:"correlation"`
	Ciphertexts []string    `json:"ciphertexts"`
	Status      Status      `json:"status"`
	FailReason  string      `json:"fail_reason,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ResolvedAt  time.Time   `json:"resolved_at,omitempty"`
}
