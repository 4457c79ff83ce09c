// Package bidding defines sealed-bid session records for exclusive-rights
// auctions.
package bidding

import "time"

// Bid is a single escrowed sealed bid. The escrow amount is plaintext and
// used only for refund accounting; the actual bid value stays inside the
// ciphertext handle until the oracle decrypts it.
type Bid struct {
	Bidder      string    `json:"bidder"`
	Ciphertext  string    `json:"ciphertext"`
	Escrow      int64     `json:"escrow"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Session is a time-boxed sealed-bid auction for one asset. At most one open
// session exists per asset at a time; a finalized session stays closed
// permanently.
type Session struct {
	AssetID    string    `json:"asset_id"`
	Open       bool      `json:"open"`
	EndTime    time.Time `json:"end_time"`
	Bids       []Bid     `json:"bids"`
	RequestID  uint64    `json:"request_id"` // coordinator request issued at finalize, 0 until then
	Resolved   bool      `json:"resolved"`
	Winner     string    `json:"winner,omitempty"`
	WinningBid int64     `json:"winning_bid,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Awaiting reports whether the session has been finalized and is waiting for
// the oracle result.
func (s Session) Awaiting() bool {
	return !s.Open && !s.Resolved && s.RequestID != 0
}
