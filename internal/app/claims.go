/**
 * @description
 * Escrow claim management. A claim holds custody of funds for a recipient who
 * has no wallet yet; the claim link's bearer token is the only credential, and
 * only its SHA-256 hash is persisted. Payout correctness rests on the claim
 * status state machine and the repository's conditional pending→processing
 * transition, which at most one concurrent executor can win.
 *
 * Key features:
 * - CreateClaim funds escrow through the same relay path as direct transfers.
 * - GetClaim lazily expires overdue claims on read.
 * - ExecuteClaim pays out escrow→claimant with compare-and-set custody.
 */

package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/xkonjin/relay-service/internal/domain"
	"github.com/xkonjin/relay-service/internal/store"
)

const claimTokenBytes = 32

// CreateClaimRequest carries the caller-supplied claim parameters alongside
// the signed escrow-funding authorization.
type CreateClaimRequest struct {
	Signed           *domain.SignedAuthorization
	RecipientContact string
	Currency         string
	Memo             string
	Expiry           time.Duration
}

// CreateClaim places funds in escrow custody for a wallet-less recipient and
// returns the bearer token exactly once. The claim record is persisted before
// the funding transfer executes; an unfunded claim simply expires.
func (s *Service) CreateClaim(ctx context.Context, req CreateClaimRequest) (*domain.CreateClaimResult, error) {
	signed := req.Signed
	if signed.To != s.escrowAccount.Address() {
		return nil, &ClaimError{Code: domain.CodeInvalidFormat, Message: "authorization recipient must be the escrow account"}
	}
	if req.RecipientContact == "" {
		return nil, &ClaimError{Code: domain.CodeMissingValue, Message: "recipient contact is required"}
	}

	expiry := req.Expiry
	if expiry <= 0 {
		expiry = s.cfg.ClaimExpiry
	}
	currency := req.Currency
	if currency == "" {
		currency = s.cfg.DomainParams.Name
	}

	token, tokenHash, err := newClaimToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate claim token: %w", err)
	}

	claim := &domain.Claim{
		ID:               uuid.New(),
		TokenHash:        tokenHash,
		SenderAddress:    normalizeAddress(signed.From),
		RecipientContact: req.RecipientContact,
		Amount:           signed.Value.String(),
		Currency:         currency,
		Memo:             req.Memo,
		Status:           domain.ClaimPending,
		ExpiresAt:        time.Now().UTC().Add(expiry),
	}
	if err := s.repo.CreateClaim(ctx, claim); err != nil {
		return nil, fmt.Errorf("failed to create claim: %w", err)
	}
	log.Printf("CreateClaim: created claim_id=%s sender=%s amount=%s expires_at=%s",
		claim.ID, claim.SenderAddress, claim.Amount, claim.ExpiresAt.Format(time.RFC3339))

	// Fund escrow through the standard relay path. The claim is already
	// persisted; if funding fails the claim sits pending until it expires and
	// the escrow balance check blocks any payout attempt.
	funding, err := s.relayAuthorization(ctx, signed, domain.TransferEscrowFund)
	if err != nil {
		return nil, fmt.Errorf("failed to execute escrow funding: %w", err)
	}
	if !funding.Succeeded() {
		log.Printf("CreateClaim: escrow funding did not settle claim_id=%s status=%s code=%s",
			claim.ID, funding.Status, funding.Code)
	}

	return &domain.CreateClaimResult{
		Token:   token,
		Claim:   claim.View(),
		Funding: funding,
	}, nil
}

// GetClaim resolves a bearer token to its sanitized view, expiring the claim
// first if its deadline has passed.
func (s *Service) GetClaim(ctx context.Context, token string) (*domain.ClaimView, error) {
	claim, err := s.loadClaim(ctx, token)
	if err != nil {
		return nil, err
	}
	view := claim.View()
	return &view, nil
}

// ExecuteClaim pays escrow funds out to the claimant's wallet. The conditional
// pending→processing transition is the concurrency gate: of N simultaneous
// attempts exactly one proceeds to the on-chain transfer.
func (s *Service) ExecuteClaim(ctx context.Context, token string, claimant common.Address) (*domain.ExecutionResult, error) {
	// A zero claimant would burn the escrowed funds irrecoverably.
	if claimant == (common.Address{}) {
		return rejected(domain.CodeZeroValue, "claimant address must not be the zero address"), nil
	}

	claim, err := s.loadClaim(ctx, token)
	if err != nil {
		return nil, err
	}

	switch claim.Status {
	case domain.ClaimClaimed:
		return rejected(domain.CodeAlreadyClaimed, "claim has already been paid out"), nil
	case domain.ClaimExpired:
		return rejected(domain.CodeExpired, "claim has expired"), nil
	case domain.ClaimProcessing:
		return rejected(domain.CodeAlreadyProcessing, "claim payout is already in progress"), nil
	}

	won, err := s.repo.TransitionClaimStatus(ctx, claim.ID, domain.ClaimPending, domain.ClaimProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire claim: %w", err)
	}
	if !won {
		// Lost the race; report the definitive current state.
		current, findErr := s.repo.FindClaimByTokenHash(ctx, claim.TokenHash)
		if findErr != nil {
			return nil, fmt.Errorf("failed to reload claim: %w", findErr)
		}
		switch current.Status {
		case domain.ClaimClaimed:
			return rejected(domain.CodeAlreadyClaimed, "claim has already been paid out"), nil
		case domain.ClaimExpired:
			return rejected(domain.CodeExpired, "claim has expired"), nil
		default:
			return rejected(domain.CodeAlreadyProcessing, "claim payout is already in progress"), nil
		}
	}
	log.Printf("ExecuteClaim: acquired claim_id=%s claimant=%s", claim.ID, claimant.Hex())

	// Re-check expiry now that the claim is held: the deadline may have
	// passed between the load and the transition, and funds must not move
	// for an overdue claim.
	if time.Now().After(claim.ExpiresAt) {
		if _, expireErr := s.repo.TransitionClaimStatus(ctx, claim.ID, domain.ClaimProcessing, domain.ClaimExpired); expireErr != nil {
			log.Printf("ExecuteClaim: failed to expire overdue claim claim_id=%s err=%v", claim.ID, expireErr)
		}
		return rejected(domain.CodeExpired, "claim has expired"), nil
	}

	amount, ok := new(big.Int).SetString(claim.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt claim amount for claim %s", claim.ID)
	}

	// Escrow must actually hold the funds; an unfunded or drained escrow
	// releases the claim for a later attempt.
	escrowBalance, err := s.chain.TokenBalance(ctx, s.escrowAccount.Address())
	if err != nil {
		s.releaseClaim(ctx, claim.ID)
		return nil, fmt.Errorf("failed to read escrow balance: %w", err)
	}
	if escrowBalance.Cmp(amount) < 0 {
		s.releaseClaim(ctx, claim.ID)
		log.Printf("ExecuteClaim: escrow underfunded claim_id=%s balance=%s needed=%s",
			claim.ID, escrowBalance.String(), amount.String())
		return rejected(domain.CodeInsufficientEscrowBalance, "escrow does not hold the claim amount"), nil
	}

	transfer := &domain.Transfer{
		ID:          uuid.New(),
		Kind:        domain.TransferClaimPay,
		FromAddress: normalizeAddress(s.escrowAccount.Address()),
		ToAddress:   normalizeAddress(claimant),
		Amount:      claim.Amount,
		Status:      domain.TransferPending,
	}
	if err := s.repo.CreateTransfer(ctx, transfer); err != nil {
		s.releaseClaim(ctx, claim.ID)
		return nil, fmt.Errorf("failed to create payout record: %w", err)
	}

	opts, err := s.escrowAccount.TransactOpts(ctx)
	if err != nil {
		s.releaseClaim(ctx, claim.ID)
		return nil, fmt.Errorf("failed to build escrow transact opts: %w", err)
	}
	txHash, err := s.chain.SubmitTransfer(ctx, opts, claimant, amount)
	if err != nil {
		reason := err.Error()
		if updateErr := s.repo.UpdateTransferStatus(ctx, transfer.ID, domain.TransferReverted, nil, &reason); updateErr != nil {
			log.Printf("ExecuteClaim: failed to record submit failure transfer_id=%s err=%v", transfer.ID, updateErr)
		}
		s.releaseClaim(ctx, claim.ID)
		log.Printf("ExecuteClaim: payout submission failed claim_id=%s err=%v", claim.ID, err)
		return &domain.ExecutionResult{
			Status:  domain.ExecutionReverted,
			Code:    domain.CodeReverted,
			Message: "payout could not be submitted",
		}, nil
	}

	// Record the claimant and payout tx on the claim before waiting, so a
	// timeout leaves enough state for the reconciler to resolve it.
	if err := s.repo.SetClaimPayout(ctx, claim.ID, normalizeAddress(claimant), txHash.Hex()); err != nil {
		log.Printf("ExecuteClaim: failed to record payout tx claim_id=%s err=%v", claim.ID, err)
	}

	result, err := s.settleTransfer(ctx, transfer, txHash)
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case domain.ExecutionSuccess:
		completed, err := s.repo.CompleteClaim(ctx, claim.ID, normalizeAddress(claimant), txHash.Hex())
		if err != nil {
			return nil, fmt.Errorf("failed to complete claim: %w", err)
		}
		if !completed {
			log.Printf("ExecuteClaim: complete transition lost claim_id=%s", claim.ID)
		}
		log.Printf("ExecuteClaim: claimed claim_id=%s claimant=%s tx=%s", claim.ID, claimant.Hex(), txHash.Hex())
	case domain.ExecutionReverted:
		s.releaseClaim(ctx, claim.ID)
	case domain.ExecutionTimeoutPending:
		// The payout may still land. The claim stays processing with the tx
		// reference recorded; the reconciler finishes or releases it.
		log.Printf("ExecuteClaim: payout unresolved claim_id=%s tx=%s", claim.ID, txHash.Hex())
	}
	return result, nil
}

// ExpireDueClaims transitions overdue pending claims to expired in batches.
// Called by the sweep job; safe to run concurrently with reads, which perform
// the same transition lazily.
func (s *Service) ExpireDueClaims(ctx context.Context, limit int) (int64, error) {
	expired, err := s.repo.ExpireDueClaims(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to expire due claims: %w", err)
	}
	if expired > 0 {
		log.Printf("ExpireDueClaims: expired count=%d", expired)
	}
	return expired, nil
}

// loadClaim hashes the token, loads the claim, and applies lazy expiry.
func (s *Service) loadClaim(ctx context.Context, token string) (*domain.Claim, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, store.ErrClaimNotFound
	}
	claim, err := s.repo.FindClaimByTokenHash(ctx, HashClaimToken(token))
	if err != nil {
		return nil, err
	}
	if claim.ExpiredAt(time.Now()) {
		if _, err := s.repo.TransitionClaimStatus(ctx, claim.ID, domain.ClaimPending, domain.ClaimExpired); err != nil {
			return nil, fmt.Errorf("failed to expire claim: %w", err)
		}
		claim.Status = domain.ClaimExpired
	}
	return claim, nil
}

// releaseClaim returns a processing claim to pending so payout can be retried.
func (s *Service) releaseClaim(ctx context.Context, claimID uuid.UUID) {
	if _, err := s.repo.TransitionClaimStatus(ctx, claimID, domain.ClaimProcessing, domain.ClaimPending); err != nil {
		log.Printf("releaseClaim: failed claim_id=%s err=%v", claimID, err)
	}
}

// ClaimError is a rejected claim request with a stable machine code.
type ClaimError struct {
	Code    domain.ErrorCode
	Message string
}

func (e *ClaimError) Error() string { return e.Message }

// HashClaimToken derives the persisted lookup key from a bearer token.
func HashClaimToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newClaimToken() (token, tokenHash string, err error) {
	buf := make([]byte, claimTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(buf)
	return token, HashClaimToken(token), nil
}
