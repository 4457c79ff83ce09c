// Package refund defines the reclaimable-balance ledger entries.
package refund

import "time"

// Reason classifies why a refund was credited.
type Reason string

const (
	ReasonTimeout            Reason = "timeout"
	ReasonOracleFailure      Reason = "oracle_failure"
	ReasonLostBid            Reason = "lost_bid"
	ReasonFailedVerification Reason = "failed_verification_escrow"
	ReasonReplacedBid        Reason = "replaced_bid"
)

// Balance is the accumulated reclaimable amount for one account. It only
// grows on credits and resets to zero on withdrawal.
type Balance struct {
	Account   string    `json:"account"`
	Amount    int64     `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}
