/**
 * @description
 * This file defines the escrow claim domain model. A claim represents custody
 * of funds held for a recipient who has no wallet yet; the bearer token
 * embedded in the claim link is the only credential, and only its one-way hash
 * is ever persisted.
 *
 * @notes
 * - ClaimStatus is a closed state machine. The only legal transitions are
 *   pending→processing, processing→pending, processing→claimed,
 *   processing→expired, and pending→expired. claimed and expired are
 *   terminal.
 * - A claim must never reach claimed more than once, even under concurrent
 *   execution attempts.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ClaimStatus is the lifecycle state of an escrow claim.
type ClaimStatus string

const (
	ClaimPending    ClaimStatus = "pending"
	ClaimProcessing ClaimStatus = "processing"
	ClaimClaimed    ClaimStatus = "claimed"
	ClaimExpired    ClaimStatus = "expired"
)

// claimTransitions is the closed transition table. processing→pending exists
// so a failed payout attempt can be retried later; processing→expired covers
// a deadline that passes while the claim is held.
var claimTransitions = map[ClaimStatus]map[ClaimStatus]bool{
	ClaimPending:    {ClaimProcessing: true, ClaimExpired: true},
	ClaimProcessing: {ClaimPending: true, ClaimClaimed: true, ClaimExpired: true},
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
func (s ClaimStatus) CanTransitionTo(next ClaimStatus) bool {
	return claimTransitions[s][next]
}

// Terminal reports whether the status admits no further transitions.
func (s ClaimStatus) Terminal() bool {
	return len(claimTransitions[s]) == 0
}

// Claim is the persisted record of funds in escrow awaiting a recipient.
// The plaintext bearer token is returned exactly once at creation and is not
// recoverable from this record.
type Claim struct {
	ID               uuid.UUID   `json:"id"`
	TokenHash        string      `json:"-"` // hex SHA-256 of the bearer token
	SenderAddress    string      `json:"sender_address"`
	RecipientContact string      `json:"recipient_contact"` // email or phone
	RecipientWallet  *string     `json:"recipient_wallet,omitempty"`
	Amount           string      `json:"amount"` // decimal string, smallest unit
	Currency         string      `json:"currency"`
	Memo             string      `json:"memo,omitempty"`
	Status           ClaimStatus `json:"status"`
	ClaimantAddress  *string     `json:"claimant_address,omitempty"`
	SettlementTxHash *string     `json:"settlement_tx_hash,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	ExpiresAt        time.Time   `json:"expires_at"`
}

// ExpiredAt reports whether the claim's expiry has passed at t while it is
// still pending.
func (c *Claim) ExpiredAt(t time.Time) bool {
	return c.Status == ClaimPending && t.After(c.ExpiresAt)
}

// ClaimView is the sanitized representation returned on token lookup. It
// carries no token hash and no recipient contact details beyond what the
// claim link holder already knows.
type ClaimView struct {
	Amount           string      `json:"amount"`
	Currency         string      `json:"currency"`
	Memo             string      `json:"memo,omitempty"`
	SenderAddress    string      `json:"sender_address"`
	Status           ClaimStatus `json:"status"`
	SettlementTxHash *string     `json:"settlement_tx_hash,omitempty"`
	ExpiresAt        time.Time   `json:"expires_at"`
}

// View derives the sanitized lookup representation.
func (c *Claim) View() ClaimView {
	return ClaimView{
		Amount:           c.Amount,
		Currency:         c.Currency,
		Memo:             c.Memo,
		SenderAddress:    c.SenderAddress,
		Status:           c.Status,
		SettlementTxHash: c.SettlementTxHash,
		ExpiresAt:        c.ExpiresAt,
	}
}

// CreateClaimResult is returned once from claim creation; Token is the only
// copy of the bearer credential that will ever exist.
type CreateClaimResult struct {
	Token   string           `json:"token"`
	Claim   ClaimView        `json:"claim"`
	Funding *ExecutionResult `json:"funding"`
}
