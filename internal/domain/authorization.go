/**
 * @description
 * This file defines the core domain models for off-chain transfer
 * authorizations and their execution results. An authorization is an
 * EIP-3009-style signed statement permitting a single stablecoin transfer,
 * redeemed on-chain by the relay at the sender's expense of nothing but a
 * signature.
 *
 * @notes
 * - Amounts are *big.Int in the token's smallest unit; the wire format uses
 *   decimal strings to stay JSON-safe for 256-bit values.
 * - A given (authorizer, nonce) pair is consumed by at most one successful
 *   execution for the lifetime of the system.
 */

package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// TransferScheme identifies the wire payload scheme for signed authorizations.
const TransferScheme = "transfer-with-authorization"

// TransferAuthorization is the canonical unsigned message a sender authorizes.
type TransferAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int // Unix seconds, half-open window start
	ValidBefore *big.Int // Unix seconds, window end
	Nonce       [32]byte
}

// Signature holds the three ECDSA components of an EIP-712 signature.
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte
}

// SignedAuthorization pairs an authorization with its signature.
type SignedAuthorization struct {
	TransferAuthorization
	Signature Signature
}

// ValidAt reports whether the authorization's validity window contains t.
func (a *TransferAuthorization) ValidAt(t time.Time) (ok bool, code ErrorCode) {
	now := big.NewInt(t.Unix())
	if a.ValidAfter != nil && now.Cmp(a.ValidAfter) < 0 {
		return false, CodeNotYetValid
	}
	if a.ValidBefore != nil && now.Cmp(a.ValidBefore) > 0 {
		return false, CodeExpired
	}
	return true, ""
}

// AuthorizationEnvelope is the transport wrapper: a scheme identifier plus the
// string-encoded payload.
type AuthorizationEnvelope struct {
	Scheme  string               `json:"scheme"`
	Payload AuthorizationPayload `json:"payload"`
}

// AuthorizationPayload is the wire form of a signed authorization. Amounts and
// timestamps are decimal strings; nonce and signature are 0x-prefixed hex.
type AuthorizationPayload struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
}

// ExecutionStatus is the terminal classification of a relayed transaction.
type ExecutionStatus string

const (
	ExecutionSuccess        ExecutionStatus = "SUCCESS"
	ExecutionReverted       ExecutionStatus = "REVERTED"
	ExecutionTimeoutPending ExecutionStatus = "TIMEOUT_PENDING"
	ExecutionRejected       ExecutionStatus = "REJECTED"
)

// ExecutionResult reports the outcome of one relay execution attempt.
type ExecutionResult struct {
	Status  ExecutionStatus `json:"status"`
	Code    ErrorCode       `json:"code,omitempty"`
	TxHash  string          `json:"tx_hash,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Succeeded reports whether the execution settled successfully on-chain.
func (r *ExecutionResult) Succeeded() bool {
	return r != nil && r.Status == ExecutionSuccess
}

// TransferKind categorizes ledger rows by what moved the funds.
type TransferKind string

const (
	TransferDirect     TransferKind = "direct"
	TransferEscrowFund TransferKind = "escrow_fund"
	TransferClaimPay   TransferKind = "claim_payout"
	TransferGasSwap    TransferKind = "gas_swap"
)

// TransferStatus tracks a ledger row from submission to resolution.
type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferSettled    TransferStatus = "settled"
	TransferReverted   TransferStatus = "reverted"
	TransferUnresolved TransferStatus = "unresolved" // settlement wait timed out; reconciler owns it
)

// Transfer is the audit ledger record for any on-chain movement the relay
// initiated. Rows are never deleted.
type Transfer struct {
	ID            uuid.UUID      `json:"id"`
	Kind          TransferKind   `json:"kind"`
	FromAddress   string         `json:"from_address"`
	ToAddress     string         `json:"to_address"`
	Amount        string         `json:"amount"` // decimal string, smallest unit
	TxHash        *string        `json:"tx_hash,omitempty"`
	Status        TransferStatus `json:"status"`
	FailureReason *string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
