// Package event defines the append-only settlement event log.
package event

import "time"

// Type enumerates the observable state transitions of the settlement layer.
type Type string

const (
	RequestIssued       Type = "request_issued"
	RequestCompleted    Type = "request_completed"
	RequestFailed       Type = "request_failed"
	RequestTimedOut     Type = "request_timed_out"
	SessionStarted      Type = "session_started"
	BidSubmitted        Type = "bid_submitted"
	SessionFinalizing   Type = "session_finalizing"
	WinnerAwarded       Type = "winner_awarded"
	SessionUnresolved   Type = "session_unresolved"
	PaymentSubmitted    Type = "payment_submitted"
	VerificationOutcome Type = "verification_outcome"
	RefundCredited      Type = "refund_credited"
	RefundWithdrawn     Type = "refund_withdrawn"
)

// Event is one immutable record in the settlement history. The full system
// state is reconstructible from the ordered event stream.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Account   string    `json:"account,omitempty"`
	RequestID uint64    `json:"request_id,omitempty"`
	Subject   string    `json:"subject"` // asset, agreement, or agreement/index the event concerns
	Amount    int64     `json:"amount,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
