// Package royalty defines licensing agreements and their usage-based
// payments.
package royalty

import "time"

// AgreementStatus tracks the lifecycle of a licensing agreement.
type AgreementStatus string

const (
	AgreementDraft      AgreementStatus = "draft"
	AgreementActive     AgreementStatus = "active"
	AgreementAwarded    AgreementStatus = "awarded"
	AgreementTerminated AgreementStatus = "terminated"
)

// Agreement is a licensing record. The royalty rate is held as a ciphertext
// handle; its plaintext only ever appears inside oracle callbacks.
type Agreement struct {
	ID             string          `json:"id"`
	AssetID        string          `json:"asset_id"`
	Licensor       string          `json:"licensor"`
	Licensee       string          `json:"licensee"`
	RateCiphertext string          `json:"rate_ciphertext"`
	Status         AgreementStatus `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Outcome is the tri-state verification result of a royalty payment.
type Outcome string

const (
	OutcomeUnverified Outcome = "unverified"
	OutcomeValid      Outcome = "valid"
	OutcomeInvalid    Outcome = "invalid"
)

// Payment is a reported royalty payment, identified by (agreement, index).
// The paid amount is escrowed plaintext; reported revenue stays encrypted.
// A payment is verified at most once.
type Payment struct {
	AgreementID       string    `json:"agreement_id"`
	Index             int       `json:"index"`
	RevenueCiphertext string    `json:"revenue_ciphertext"`
	Paid              int64     `json:"paid"`
	Outcome           Outcome   `json:"outcome"`
	RequestID         uint64    `json:"request_id,omitempty"` // coordinator request for verification, 0 until requested
	SubmittedAt       time.Time `json:"submitted_at"`
	VerifiedAt        time.Time `json:"verified_at,omitempty"`
}
