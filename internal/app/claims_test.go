package app

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/xkonjin/relay-service/internal/authz"
	"github.com/xkonjin/relay-service/internal/domain"
	"github.com/xkonjin/relay-service/internal/store"
	"github.com/xkonjin/relay-service/pkg/chainclient"
	"github.com/xkonjin/relay-service/pkg/rabbitmq"
)

func createTestClaim(t *testing.T, env *testEnv) *domain.CreateClaimResult {
	t.Helper()
	signed := env.signedTransfer(t, env.escrow.Address(), 5_000_000, time.Hour)
	result, err := env.service.CreateClaim(context.Background(), CreateClaimRequest{
		Signed:           signed,
		RecipientContact: "friend@example.com",
		Currency:         "USDC",
		Memo:             "lunch",
	})
	if err != nil {
		t.Fatalf("CreateClaim returned error: %v", err)
	}
	return result
}

func TestCreateClaimRejectsNonEscrowRecipient(t *testing.T) {
	env := newTestEnv(t)
	signed := env.signedTransfer(t, randomAddress(t), 5_000_000, time.Hour)

	_, err := env.service.CreateClaim(context.Background(), CreateClaimRequest{
		Signed:           signed,
		RecipientContact: "friend@example.com",
	})
	var claimErr *ClaimError
	if !errors.As(err, &claimErr) || claimErr.Code != domain.CodeInvalidFormat {
		t.Fatalf("expected INVALID_FORMAT claim error, got %v", err)
	}
}

func TestCreateClaimRequiresRecipientContact(t *testing.T) {
	env := newTestEnv(t)
	signed := env.signedTransfer(t, env.escrow.Address(), 5_000_000, time.Hour)

	_, err := env.service.CreateClaim(context.Background(), CreateClaimRequest{Signed: signed})
	var claimErr *ClaimError
	if !errors.As(err, &claimErr) || claimErr.Code != domain.CodeMissingValue {
		t.Fatalf("expected MISSING_VALUE claim error, got %v", err)
	}
}

func TestCreateClaimReturnsTokenOnce(t *testing.T) {
	env := newTestEnv(t)
	result := createTestClaim(t, env)

	if result.Token == "" {
		t.Fatal("expected a bearer token")
	}
	if result.Funding == nil || result.Funding.Status != domain.ExecutionSuccess {
		t.Fatalf("expected funded claim, got %+v", result.Funding)
	}
	if result.Claim.Status != domain.ClaimPending {
		t.Fatalf("expected pending claim, got %s", result.Claim.Status)
	}

	// Only the hash is stored; the token itself never persists.
	stored, err := env.repo.FindClaimByTokenHash(context.Background(), HashClaimToken(result.Token))
	if err != nil {
		t.Fatalf("stored claim lookup failed: %v", err)
	}
	if stored.TokenHash == result.Token {
		t.Fatal("repository must hold the token hash, not the token")
	}

	view, err := env.service.GetClaim(context.Background(), result.Token)
	if err != nil {
		t.Fatalf("GetClaim returned error: %v", err)
	}
	if view.Amount != "5000000" || view.Status != domain.ClaimPending {
		t.Fatalf("unexpected claim view: %+v", view)
	}
}

func TestGetClaimUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.GetClaim(context.Background(), "no-such-token")
	if !errors.Is(err, store.ErrClaimNotFound) {
		t.Fatalf("expected ErrClaimNotFound, got %v", err)
	}
}

func TestExecuteClaimPaysOutOnce(t *testing.T) {
	env := newTestEnv(t)
	result := createTestClaim(t, env)
	claimant := randomAddress(t)
	submittedBefore := env.chain.submitCount

	exec, err := env.service.ExecuteClaim(context.Background(), result.Token, claimant)
	if err != nil {
		t.Fatalf("ExecuteClaim returned error: %v", err)
	}
	if exec.Status != domain.ExecutionSuccess {
		t.Fatalf("expected SUCCESS, got %s (code=%s)", exec.Status, exec.Code)
	}
	if env.chain.submitCount != submittedBefore+1 {
		t.Fatalf("expected one payout submission, got %d", env.chain.submitCount-submittedBefore)
	}

	stored, err := env.repo.FindClaimByTokenHash(context.Background(), HashClaimToken(result.Token))
	if err != nil {
		t.Fatalf("stored claim lookup failed: %v", err)
	}
	if stored.Status != domain.ClaimClaimed {
		t.Fatalf("expected claimed status, got %s", stored.Status)
	}
	if stored.ClaimantAddress == nil || stored.SettlementTxHash == nil {
		t.Fatal("completed claim must record claimant and settlement tx")
	}

	second, err := env.service.ExecuteClaim(context.Background(), result.Token, randomAddress(t))
	if err != nil {
		t.Fatalf("second ExecuteClaim returned error: %v", err)
	}
	if second.Code != domain.CodeAlreadyClaimed {
		t.Fatalf("expected ALREADY_CLAIMED, got %s", second.Code)
	}
}

func TestExecuteClaimConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	result := createTestClaim(t, env)
	submittedBefore := env.chain.submitCount

	const racers = 8
	results := make([]*domain.ExecutionResult, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec, err := env.service.ExecuteClaim(context.Background(), result.Token, randomAddress(t))
			if err != nil {
				t.Errorf("racer %d returned error: %v", i, err)
				return
			}
			results[i] = exec
		}(i)
	}
	wg.Wait()

	var winners int
	for _, exec := range results {
		if exec == nil {
			continue
		}
		switch {
		case exec.Status == domain.ExecutionSuccess:
			winners++
		case exec.Code == domain.CodeAlreadyProcessing || exec.Code == domain.CodeAlreadyClaimed:
		default:
			t.Fatalf("unexpected racer outcome: status=%s code=%s", exec.Status, exec.Code)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winning claimant, got %d", winners)
	}
	if env.chain.submitCount != submittedBefore+1 {
		t.Fatalf("expected one payout submission, got %d", env.chain.submitCount-submittedBefore)
	}
}

func TestExecuteClaimRejectsZeroClaimant(t *testing.T) {
	env := newTestEnv(t)
	result := createTestClaim(t, env)
	submittedBefore := env.chain.submitCount

	exec, err := env.service.ExecuteClaim(context.Background(), result.Token, common.Address{})
	if err != nil {
		t.Fatalf("ExecuteClaim returned error: %v", err)
	}
	if exec.Status != domain.ExecutionRejected || exec.Code != domain.CodeZeroValue {
		t.Fatalf("expected ZERO_VALUE rejection, got status=%s code=%s", exec.Status, exec.Code)
	}
	if env.chain.submitCount != submittedBefore {
		t.Fatal("zero claimant must not move escrow funds")
	}

	stored, err := env.repo.FindClaimByTokenHash(context.Background(), HashClaimToken(result.Token))
	if err != nil {
		t.Fatalf("stored claim lookup failed: %v", err)
	}
	if stored.Status != domain.ClaimPending {
		t.Fatalf("expected claim untouched, got %s", stored.Status)
	}
}

// expireOnAcquireRepo moves the claim deadline into the past at the moment
// the pending→processing transition is won, simulating a claim that expires
// between load and acquisition.
type expireOnAcquireRepo struct {
	*memRepo
}

func (r *expireOnAcquireRepo) TransitionClaimStatus(ctx context.Context, claimID uuid.UUID, from, to domain.ClaimStatus) (bool, error) {
	won, err := r.memRepo.TransitionClaimStatus(ctx, claimID, from, to)
	if won && from == domain.ClaimPending && to == domain.ClaimProcessing {
		r.mu.Lock()
		r.claims[claimID].ExpiresAt = time.Now().Add(-time.Second)
		r.mu.Unlock()
	}
	return won, err
}

func TestExecuteClaimExpiryRecheckedAfterAcquire(t *testing.T) {
	env := newTestEnv(t)
	result := createTestClaim(t, env)
	submittedBefore := env.chain.submitCount

	service := NewService(&expireOnAcquireRepo{env.repo}, env.chain, env.relayer, env.escrow, &rabbitmq.EventProducerFallback{}, ServiceConfig{
		DomainParams:      env.params,
		Bounds:            authz.NoBounds(),
		SettlementTimeout: time.Second,
		MinGasBalance:     big.NewInt(1e15),
		ClaimExpiry:       24 * time.Hour,
	})

	exec, err := service.ExecuteClaim(context.Background(), result.Token, randomAddress(t))
	if err != nil {
		t.Fatalf("ExecuteClaim returned error: %v", err)
	}
	if exec.Code != domain.CodeExpired {
		t.Fatalf("expected EXPIRED after acquisition, got status=%s code=%s", exec.Status, exec.Code)
	}
	if env.chain.submitCount != submittedBefore {
		t.Fatal("an overdue claim must not pay out")
	}

	stored, err := env.repo.FindClaimByTokenHash(context.Background(), HashClaimToken(result.Token))
	if err != nil {
		t.Fatalf("stored claim lookup failed: %v", err)
	}
	if stored.Status != domain.ClaimExpired {
		t.Fatalf("expected claim expired, got %s", stored.Status)
	}
}

func TestExecuteClaimExpired(t *testing.T) {
	env := newTestEnv(t)
	result := createTestClaim(t, env)

	env.repo.mu.Lock()
	for _, claim := range env.repo.claims {
		claim.ExpiresAt = time.Now().Add(-time.Minute)
	}
	env.repo.mu.Unlock()

	exec, err := env.service.ExecuteClaim(context.Background(), result.Token, randomAddress(t))
	if err != nil {
		t.Fatalf("ExecuteClaim returned error: %v", err)
	}
	if exec.Code != domain.CodeExpired {
		t.Fatalf("expected EXPIRED, got %s", exec.Code)
	}

	view, err := env.service.GetClaim(context.Background(), result.Token)
	if err != nil {
		t.Fatalf("GetClaim returned error: %v", err)
	}
	if view.Status != domain.ClaimExpired {
		t.Fatalf("expected expired view, got %s", view.Status)
	}
}

func TestExecuteClaimEscrowUnderfundedReleases(t *testing.T) {
	env := newTestEnv(t)
	result := createTestClaim(t, env)
	env.chain.mu.Lock()
	env.chain.tokens[env.escrow.Address()] = big.NewInt(0)
	env.chain.mu.Unlock()

	exec, err := env.service.ExecuteClaim(context.Background(), result.Token, randomAddress(t))
	if err != nil {
		t.Fatalf("ExecuteClaim returned error: %v", err)
	}
	if exec.Code != domain.CodeInsufficientEscrowBalance {
		t.Fatalf("expected INSUFFICIENT_ESCROW_BALANCE, got %s", exec.Code)
	}

	stored, err := env.repo.FindClaimByTokenHash(context.Background(), HashClaimToken(result.Token))
	if err != nil {
		t.Fatalf("stored claim lookup failed: %v", err)
	}
	if stored.Status != domain.ClaimPending {
		t.Fatalf("expected claim released back to pending, got %s", stored.Status)
	}
}

func TestExecuteClaimTimeoutStaysProcessing(t *testing.T) {
	env := newTestEnv(t)
	result := createTestClaim(t, env)
	env.chain.mu.Lock()
	env.chain.waitErr = chainclient.ErrSettlementTimeout
	env.chain.mu.Unlock()
	claimant := randomAddress(t)

	exec, err := env.service.ExecuteClaim(context.Background(), result.Token, claimant)
	if err != nil {
		t.Fatalf("ExecuteClaim returned error: %v", err)
	}
	if exec.Status != domain.ExecutionTimeoutPending {
		t.Fatalf("expected TIMEOUT_PENDING, got %s", exec.Status)
	}

	stored, err := env.repo.FindClaimByTokenHash(context.Background(), HashClaimToken(result.Token))
	if err != nil {
		t.Fatalf("stored claim lookup failed: %v", err)
	}
	if stored.Status != domain.ClaimProcessing {
		t.Fatalf("expected claim held in processing, got %s", stored.Status)
	}
	if stored.SettlementTxHash == nil || stored.ClaimantAddress == nil {
		t.Fatal("pending payout must record claimant and tx for reconciliation")
	}

	// The receipt lands later; reconciliation completes the claim.
	env.chain.mu.Lock()
	env.chain.waitErr = nil
	txHash := common.HexToHash(*stored.SettlementTxHash)
	env.chain.statusResults[txHash] = &chainclient.SettlementResult{
		Status: chainclient.SettlementSuccess,
		TxHash: txHash,
	}
	env.chain.mu.Unlock()

	summary, err := env.service.ReconcileUnresolvedTransfers(context.Background(), 10)
	if err != nil {
		t.Fatalf("reconcile returned error: %v", err)
	}
	if summary.ClaimsCompleted != 1 {
		t.Fatalf("expected 1 completed claim, got %d", summary.ClaimsCompleted)
	}

	stored, err = env.repo.FindClaimByTokenHash(context.Background(), HashClaimToken(result.Token))
	if err != nil {
		t.Fatalf("stored claim lookup failed: %v", err)
	}
	if stored.Status != domain.ClaimClaimed {
		t.Fatalf("expected claimed after reconcile, got %s", stored.Status)
	}
}

func TestExpireDueClaims(t *testing.T) {
	env := newTestEnv(t)
	createTestClaim(t, env)

	env.repo.mu.Lock()
	for _, claim := range env.repo.claims {
		claim.ExpiresAt = time.Now().Add(-time.Hour)
	}
	env.repo.mu.Unlock()

	expired, err := env.service.ExpireDueClaims(context.Background(), 100)
	if err != nil {
		t.Fatalf("ExpireDueClaims returned error: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired claim, got %d", expired)
	}
}
