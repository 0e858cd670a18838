/**
 * @description
 * This file defines the `Repository` interface: the contract for all durable
 * state the relay depends on: the used-authorization markers, the escrow
 * claim records, the transfer audit ledger, and the gas keeper's daily refill
 * counters. The interface decouples business logic from PostgreSQL and makes
 * the concurrency-critical operations fakeable in tests.
 *
 * @notes
 * - MarkAuthorizationUsed and TransitionClaimStatus are the two atomic
 *   compare-and-set primitives the whole system's exactly-once guarantees
 *   rest on. Implementations must make them single atomic operations against
 *   storage shared by every relay instance.
 */

package store

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/xkonjin/relay-service/internal/domain"
)

var (
	// ErrClaimNotFound is returned when no claim matches the presented token.
	ErrClaimNotFound = errors.New("store: claim not found")

	// ErrTransferNotFound is returned when a ledger row does not exist.
	ErrTransferNotFound = errors.New("store: transfer not found")
)

// Repository defines the set of methods for interacting with durable storage.
type Repository interface {
	// Authorization replay protection.
	// MarkAuthorizationUsed atomically records (authorizer, nonce) as
	// consumed. It returns false when the pair was already marked. Markers
	// are never removed.
	MarkAuthorizationUsed(ctx context.Context, authorizer, nonce string) (bool, error)

	// Transfer audit ledger.
	CreateTransfer(ctx context.Context, transfer *domain.Transfer) error
	UpdateTransferStatus(ctx context.Context, transferID uuid.UUID, status domain.TransferStatus, txHash, failureReason *string) error
	FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	ListUnresolvedTransfers(ctx context.Context, limit int, olderThan time.Time) ([]domain.Transfer, error)

	// Escrow claims.
	CreateClaim(ctx context.Context, claim *domain.Claim) error
	FindClaimByTokenHash(ctx context.Context, tokenHash string) (*domain.Claim, error)
	// TransitionClaimStatus performs the atomic conditional transition
	// from → to for one claim. Exactly one concurrent caller observes true.
	TransitionClaimStatus(ctx context.Context, claimID uuid.UUID, from, to domain.ClaimStatus) (bool, error)
	// CompleteClaim finalizes processing → claimed, recording the claimant
	// and the settlement reference. Returns false if the claim was not in
	// processing.
	CompleteClaim(ctx context.Context, claimID uuid.UUID, claimantAddress, settlementTxHash string) (bool, error)
	// SetClaimPayout records the claimant and payout tx reference while the
	// claim is still processing, so a timed-out settlement wait leaves the
	// reconciler enough state to finish or release the claim.
	SetClaimPayout(ctx context.Context, claimID uuid.UUID, claimantAddress, settlementTxHash string) error
	ExpireDueClaims(ctx context.Context, now time.Time, limit int) (int64, error)
	ListStuckProcessingClaims(ctx context.Context, limit int, olderThan time.Time) ([]domain.Claim, error)

	// Gas refill accounting, keyed by relayer address and UTC date so a new
	// day naturally starts from zero counters.
	GetGasRefillState(ctx context.Context, relayerAddress, date string) (*domain.GasRefillState, error)
	// ReserveGasRefill atomically charges one refill of `amount` against the
	// day's budget, but only while both caps hold (a cap of zero or nil is
	// unlimited). It returns the post-reservation state and whether the
	// reservation was granted; concurrent relays sharing one hot wallet
	// cannot both pass the caps.
	ReserveGasRefill(ctx context.Context, relayerAddress, date string, amount *big.Int, maxRefills int, maxAmount *big.Int) (*domain.GasRefillState, bool, error)
	// ReleaseGasRefill returns a reservation to the budget after the funded
	// swap failed to settle.
	ReleaseGasRefill(ctx context.Context, relayerAddress, date string, amount *big.Int) error
}
