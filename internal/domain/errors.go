/**
 * @description
 * This file defines the error taxonomy shared across the relay-service. Every
 * operation that can fail in a way a caller must act on carries a typed
 * ErrorCode; sentinel errors cover the cases where callers branch with
 * errors.Is.
 *
 * @notes
 * - State-conflict codes (ALREADY_USED, ALREADY_CLAIMED, ALREADY_PROCESSING)
 *   are expected outcomes of the concurrency invariants, not transient
 *   failures, and must never be retried blindly.
 * - TIMEOUT_PENDING means the transaction may still land; callers must
 *   reconcile settlement status before any resubmission.
 */

package domain

import "errors"

// ErrorCode classifies a failed relay, claim, or gas-keeper operation for
// programmatic handling and logging.
type ErrorCode string

const (
	// Input validation.
	CodeMissingValue  ErrorCode = "MISSING_VALUE"
	CodeInvalidFormat ErrorCode = "INVALID_FORMAT"
	CodeInvalidLength ErrorCode = "INVALID_LENGTH"
	CodeZeroValue     ErrorCode = "ZERO_VALUE"
	CodeSelfTransfer  ErrorCode = "SELF_TRANSFER"
	CodeOutOfRange    ErrorCode = "OUT_OF_RANGE"
	CodeNotYetValid   ErrorCode = "NOT_YET_VALID"
	CodeExpired       ErrorCode = "EXPIRED"

	// Relay execution.
	CodeInvalidSignature   ErrorCode = "INVALID_SIGNATURE"
	CodeAlreadyUsed        ErrorCode = "ALREADY_USED"
	CodeInsufficientFunds  ErrorCode = "INSUFFICIENT_FUNDS"
	CodeRelayerUnderfunded ErrorCode = "RELAYER_UNDERFUNDED"
	CodeReverted           ErrorCode = "REVERTED"
	CodeTimeoutPending     ErrorCode = "TIMEOUT_PENDING"

	// Escrow claims.
	CodeAlreadyProcessing         ErrorCode = "ALREADY_PROCESSING"
	CodeAlreadyClaimed            ErrorCode = "ALREADY_CLAIMED"
	CodeInsufficientEscrowBalance ErrorCode = "INSUFFICIENT_ESCROW_BALANCE"

	// Gas keeper.
	CodeDailyRefillLimit              ErrorCode = "DAILY_REFILL_LIMIT"
	CodeDailyAmountLimit              ErrorCode = "DAILY_AMOUNT_LIMIT"
	CodeInsufficientStablecoinBalance ErrorCode = "INSUFFICIENT_STABLECOIN_BALANCE"
)

// Retryable reports whether an operation that failed with this code may be
// attempted again without external reconciliation.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeInsufficientFunds, CodeRelayerUnderfunded, CodeInsufficientEscrowBalance,
		CodeInsufficientStablecoinBalance, CodeDailyRefillLimit, CodeDailyAmountLimit:
		return true
	}
	return false
}

var (
	// ErrInvalidKey is the only error surfaced for malformed private-key
	// material. It deliberately carries no detail about the rejected value.
	ErrInvalidKey = errors.New("relay: invalid signing key")

	// ErrMissingConfig indicates a required configuration value was absent at
	// startup. Configuration errors are fatal, never partially handled.
	ErrMissingConfig = errors.New("relay: missing required configuration")
)
