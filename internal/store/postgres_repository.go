/**
 * @description
 * PostgreSQL implementation of the Repository interface using pgx. The
 * exactly-once guarantees lean on single-statement atomicity:
 * `INSERT ... ON CONFLICT DO NOTHING` for used-authorization markers and
 * conditional `UPDATE ... WHERE status = $from` for claim transitions, so
 * they hold across any number of relay instances sharing the database.
 *
 * Tables:
 *   used_authorizations(authorizer, nonce, created_at) PK (authorizer, nonce)
 *   transfers(id, kind, from_address, to_address, amount, tx_hash, status,
 *             failure_reason, created_at, updated_at)
 *   claims(id, token_hash UNIQUE, sender_address, recipient_contact,
 *          recipient_wallet, amount, currency, memo, status,
 *          claimant_address, settlement_tx_hash, created_at, expires_at)
 *   gas_refills(relayer_address, refill_date, refill_count, total_refilled)
 *       PK (relayer_address, refill_date)
 */

package store

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xkonjin/relay-service/internal/domain"
)

// PostgresRepository is the pgx-backed implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a repository on top of a connection pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// MarkAuthorizationUsed records the (authorizer, nonce) pair as consumed.
// The insert-or-nothing statement is the atomic test-and-set: exactly one
// caller across all instances observes rowsAffected == 1.
func (r *PostgresRepository) MarkAuthorizationUsed(ctx context.Context, authorizer, nonce string) (bool, error) {
	query := `
		INSERT INTO used_authorizations (authorizer, nonce, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (authorizer, nonce) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, authorizer, nonce)
	if err != nil {
		return false, fmt.Errorf("failed to mark authorization used: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CreateTransfer inserts a new audit ledger row.
func (r *PostgresRepository) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	query := `
		INSERT INTO transfers (id, kind, from_address, to_address, amount, tx_hash, status, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`
	_, err := r.db.Exec(ctx, query,
		transfer.ID, transfer.Kind, transfer.FromAddress, transfer.ToAddress,
		transfer.Amount, transfer.TxHash, transfer.Status, transfer.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer record: %w", err)
	}
	return nil
}

// UpdateTransferStatus updates a ledger row's status and optionally its tx
// hash and failure reason.
func (r *PostgresRepository) UpdateTransferStatus(ctx context.Context, transferID uuid.UUID, status domain.TransferStatus, txHash, failureReason *string) error {
	query := `
		UPDATE transfers
		SET status = $2,
		    tx_hash = COALESCE($3, tx_hash),
		    failure_reason = COALESCE($4, failure_reason),
		    updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, transferID, status, txHash, failureReason)
	if err != nil {
		return fmt.Errorf("failed to update transfer status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (r *PostgresRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	query := `
		SELECT id, kind, from_address, to_address, amount, tx_hash, status, failure_reason, created_at, updated_at
		FROM transfers
		WHERE id = $1
	`
	transfer, err := scanTransfer(r.db.QueryRow(ctx, query, transferID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to find transfer: %w", err)
	}
	return transfer, nil
}

// ListUnresolvedTransfers returns transfers whose settlement wait timed out
// and which have been quiet long enough to be worth re-querying.
func (r *PostgresRepository) ListUnresolvedTransfers(ctx context.Context, limit int, olderThan time.Time) ([]domain.Transfer, error) {
	query := `
		SELECT id, kind, from_address, to_address, amount, tx_hash, status, failure_reason, created_at, updated_at
		FROM transfers
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, domain.TransferUnresolved, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved transfers: %w", err)
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	return transfers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*domain.Transfer, error) {
	var t domain.Transfer
	err := row.Scan(&t.ID, &t.Kind, &t.FromAddress, &t.ToAddress, &t.Amount,
		&t.TxHash, &t.Status, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateClaim persists a new claim record. Only the token hash is stored;
// the plaintext bearer token never reaches this layer.
func (r *PostgresRepository) CreateClaim(ctx context.Context, claim *domain.Claim) error {
	query := `
		INSERT INTO claims (id, token_hash, sender_address, recipient_contact, recipient_wallet,
		                    amount, currency, memo, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), $10)
	`
	_, err := r.db.Exec(ctx, query,
		claim.ID, claim.TokenHash, claim.SenderAddress, claim.RecipientContact, claim.RecipientWallet,
		claim.Amount, claim.Currency, claim.Memo, claim.Status, claim.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create claim: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindClaimByTokenHash(ctx context.Context, tokenHash string) (*domain.Claim, error) {
	query := `
		SELECT id, token_hash, sender_address, recipient_contact, recipient_wallet,
		       amount, currency, memo, status, claimant_address, settlement_tx_hash, created_at, expires_at
		FROM claims
		WHERE token_hash = $1
	`
	var c domain.Claim
	err := r.db.QueryRow(ctx, query, tokenHash).Scan(
		&c.ID, &c.TokenHash, &c.SenderAddress, &c.RecipientContact, &c.RecipientWallet,
		&c.Amount, &c.Currency, &c.Memo, &c.Status, &c.ClaimantAddress, &c.SettlementTxHash,
		&c.CreatedAt, &c.ExpiresAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrClaimNotFound
		}
		return nil, fmt.Errorf("failed to find claim: %w", err)
	}
	return &c, nil
}

// TransitionClaimStatus performs the atomic conditional status transition.
// The WHERE clause on the current status makes this a compare-and-set: under
// concurrent callers exactly one update succeeds.
func (r *PostgresRepository) TransitionClaimStatus(ctx context.Context, claimID uuid.UUID, from, to domain.ClaimStatus) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("illegal claim transition %s -> %s", from, to)
	}
	query := `
		UPDATE claims
		SET status = $3
		WHERE id = $1 AND status = $2
	`
	tag, err := r.db.Exec(ctx, query, claimID, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to transition claim status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteClaim finalizes a winning payout: processing → claimed with the
// claimant and settlement reference recorded in the same statement.
func (r *PostgresRepository) CompleteClaim(ctx context.Context, claimID uuid.UUID, claimantAddress, settlementTxHash string) (bool, error) {
	query := `
		UPDATE claims
		SET status = $2, claimant_address = $3, settlement_tx_hash = $4
		WHERE id = $1 AND status = $5
	`
	tag, err := r.db.Exec(ctx, query, claimID, domain.ClaimClaimed, claimantAddress, settlementTxHash, domain.ClaimProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to complete claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetClaimPayout records the claimant and payout transaction reference while
// the claim is still processing, so the reconciler can resolve it if the
// settlement wait times out.
func (r *PostgresRepository) SetClaimPayout(ctx context.Context, claimID uuid.UUID, claimantAddress, settlementTxHash string) error {
	query := `
		UPDATE claims
		SET claimant_address = $2, settlement_tx_hash = $3
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, claimID, claimantAddress, settlementTxHash)
	if err != nil {
		return fmt.Errorf("failed to set claim payout: %w", err)
	}
	return nil
}

// ExpireDueClaims batch-transitions pending claims past their expiry.
// Idempotent; the sweep job calls it on a schedule, and reads perform the
// same transition lazily per claim.
func (r *PostgresRepository) ExpireDueClaims(ctx context.Context, now time.Time, limit int) (int64, error) {
	query := `
		UPDATE claims
		SET status = $1
		WHERE id IN (
			SELECT id FROM claims
			WHERE status = $2 AND expires_at < $3
			ORDER BY expires_at ASC
			LIMIT $4
		)
	`
	tag, err := r.db.Exec(ctx, query, domain.ClaimExpired, domain.ClaimPending, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to expire due claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListStuckProcessingClaims returns claims that entered processing, recorded
// a settlement tx, and never resolved, making them candidates for receipt
// reconciliation.
func (r *PostgresRepository) ListStuckProcessingClaims(ctx context.Context, limit int, olderThan time.Time) ([]domain.Claim, error) {
	query := `
		SELECT id, token_hash, sender_address, recipient_contact, recipient_wallet,
		       amount, currency, memo, status, claimant_address, settlement_tx_hash, created_at, expires_at
		FROM claims
		WHERE status = $1 AND settlement_tx_hash IS NOT NULL AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, domain.ClaimProcessing, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck processing claims: %w", err)
	}
	defer rows.Close()

	var claims []domain.Claim
	for rows.Next() {
		var c domain.Claim
		if err := rows.Scan(
			&c.ID, &c.TokenHash, &c.SenderAddress, &c.RecipientContact, &c.RecipientWallet,
			&c.Amount, &c.Currency, &c.Memo, &c.Status, &c.ClaimantAddress, &c.SettlementTxHash,
			&c.CreatedAt, &c.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// GetGasRefillState loads the daily counters for a relayer. A missing row is
// a zero state, which is how a new UTC day starts from scratch without an
// explicit reset.
func (r *PostgresRepository) GetGasRefillState(ctx context.Context, relayerAddress, date string) (*domain.GasRefillState, error) {
	query := `
		SELECT refill_count, total_refilled
		FROM gas_refills
		WHERE relayer_address = $1 AND refill_date = $2
	`
	var count int
	var total string
	err := r.db.QueryRow(ctx, query, relayerAddress, date).Scan(&count, &total)
	if err != nil {
		if err == pgx.ErrNoRows {
			return &domain.GasRefillState{
				RelayerAddress: relayerAddress,
				Date:           date,
				TotalRefilled:  big.NewInt(0),
			}, nil
		}
		return nil, fmt.Errorf("failed to get gas refill state: %w", err)
	}

	totalRefilled, ok := new(big.Int).SetString(total, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt gas refill total for %s on %s", relayerAddress, date)
	}
	return &domain.GasRefillState{
		RelayerAddress: relayerAddress,
		Date:           date,
		RefillCount:    count,
		TotalRefilled:  totalRefilled,
	}, nil
}

// ReserveGasRefill charges one refill against the daily budget in a single
// conditional upsert. The caps live in the statement's WHERE clause, so two
// relay instances sharing one hot wallet cannot both pass them; the loser's
// update matches no row and the reservation is denied.
func (r *PostgresRepository) ReserveGasRefill(ctx context.Context, relayerAddress, date string, amount *big.Int, maxRefills int, maxAmount *big.Int) (*domain.GasRefillState, bool, error) {
	maxAmountStr := ""
	if maxAmount != nil && maxAmount.Sign() > 0 {
		maxAmountStr = maxAmount.String()
		// The upsert's insert arm cannot be made conditional; the very first
		// refill of the day is capped here instead.
		if amount.Cmp(maxAmount) > 0 {
			state, err := r.GetGasRefillState(ctx, relayerAddress, date)
			return state, false, err
		}
	}

	query := `
		INSERT INTO gas_refills (relayer_address, refill_date, refill_count, total_refilled)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (relayer_address, refill_date)
		DO UPDATE SET
			refill_count = gas_refills.refill_count + 1,
			total_refilled = (gas_refills.total_refilled::numeric + $3::numeric)::text
		WHERE ($4 <= 0 OR gas_refills.refill_count < $4)
		  AND ($5 = '' OR gas_refills.total_refilled::numeric + $3::numeric <= $5::numeric)
		RETURNING refill_count, total_refilled
	`
	var count int
	var total string
	err := r.db.QueryRow(ctx, query, relayerAddress, date, amount.String(), maxRefills, maxAmountStr).Scan(&count, &total)
	if err != nil {
		if err == pgx.ErrNoRows {
			state, stateErr := r.GetGasRefillState(ctx, relayerAddress, date)
			return state, false, stateErr
		}
		return nil, false, fmt.Errorf("failed to reserve gas refill: %w", err)
	}

	totalRefilled, ok := new(big.Int).SetString(total, 10)
	if !ok {
		return nil, false, fmt.Errorf("corrupt gas refill total for %s on %s", relayerAddress, date)
	}
	return &domain.GasRefillState{
		RelayerAddress: relayerAddress,
		Date:           date,
		RefillCount:    count,
		TotalRefilled:  totalRefilled,
	}, true, nil
}

// ReleaseGasRefill returns a reservation to the budget after a swap that
// failed to settle, clamping at zero.
func (r *PostgresRepository) ReleaseGasRefill(ctx context.Context, relayerAddress, date string, amount *big.Int) error {
	query := `
		UPDATE gas_refills
		SET refill_count = GREATEST(refill_count - 1, 0),
			total_refilled = GREATEST(total_refilled::numeric - $3::numeric, 0)::text
		WHERE relayer_address = $1 AND refill_date = $2
	`
	if _, err := r.db.Exec(ctx, query, relayerAddress, date, amount.String()); err != nil {
		return fmt.Errorf("failed to release gas refill: %w", err)
	}
	return nil
}
