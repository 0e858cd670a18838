/**
 * @description
 * Settlement reconciliation. A settlement wait that times out does not mean
 * the transaction failed; it may land at any point afterwards. The reconciler
 * re-queries receipts for unresolved ledger rows and for claims stuck in
 * processing, and drives each to its real terminal state. Used-authorization
 * markers are never touched here: a transfer whose fate is unknown keeps its
 * nonce consumed.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xkonjin/relay-service/internal/domain"
	"github.com/xkonjin/relay-service/pkg/chainclient"
)

const (
	defaultReconcileLimit     = 100
	maxReconcileLimit         = 500
	reconcileEligibilityAge   = 2 * time.Minute
	stuckClaimRevertedRelease = "payout reverted on-chain"
)

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	TransfersExamined int `json:"transfers_examined"`
	TransfersSettled  int `json:"transfers_settled"`
	TransfersReverted int `json:"transfers_reverted"`
	TransfersPending  int `json:"transfers_pending"`
	ClaimsExamined    int `json:"claims_examined"`
	ClaimsCompleted   int `json:"claims_completed"`
	ClaimsReleased    int `json:"claims_released"`
}

// ReconcileUnresolvedTransfers re-queries receipts for transfers whose
// settlement wait timed out, then resolves claims left in processing by a
// timed-out payout. Rows whose receipts are still missing stay unresolved for
// the next pass.
func (s *Service) ReconcileUnresolvedTransfers(ctx context.Context, limit int) (*ReconcileResult, error) {
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	if limit > maxReconcileLimit {
		limit = maxReconcileLimit
	}
	cutoff := time.Now().UTC().Add(-reconcileEligibilityAge)

	result := &ReconcileResult{}

	transfers, err := s.repo.ListUnresolvedTransfers(ctx, limit, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved transfers: %w", err)
	}
	result.TransfersExamined = len(transfers)

	for i := range transfers {
		transfer := &transfers[i]
		if transfer.TxHash == nil {
			log.Printf("level=warn component=service flow=reconcile msg=\"unresolved transfer has no tx hash\" transfer_id=%s", transfer.ID)
			continue
		}
		settlement, err := s.chain.SettlementStatus(ctx, common.HexToHash(*transfer.TxHash))
		if err != nil {
			log.Printf("level=warn component=service flow=reconcile msg=\"receipt query failed\" transfer_id=%s err=%v", transfer.ID, err)
			continue
		}

		switch settlement.Status {
		case chainclient.SettlementSuccess:
			if err := s.repo.UpdateTransferStatus(ctx, transfer.ID, domain.TransferSettled, transfer.TxHash, nil); err != nil {
				log.Printf("level=error component=service flow=reconcile msg=\"failed to settle transfer\" transfer_id=%s err=%v", transfer.ID, err)
				continue
			}
			s.publishSettlement(ctx, transfer, domain.TransferSettled, *transfer.TxHash)
			result.TransfersSettled++
			log.Printf("level=info component=service flow=reconcile msg=\"transfer settled\" transfer_id=%s tx=%s", transfer.ID, *transfer.TxHash)
		case chainclient.SettlementReverted:
			reason := "transaction reverted on-chain"
			if err := s.repo.UpdateTransferStatus(ctx, transfer.ID, domain.TransferReverted, transfer.TxHash, &reason); err != nil {
				log.Printf("level=error component=service flow=reconcile msg=\"failed to mark transfer reverted\" transfer_id=%s err=%v", transfer.ID, err)
				continue
			}
			s.publishSettlement(ctx, transfer, domain.TransferReverted, *transfer.TxHash)
			result.TransfersReverted++
			log.Printf("level=info component=service flow=reconcile msg=\"transfer reverted\" transfer_id=%s tx=%s", transfer.ID, *transfer.TxHash)
		default:
			result.TransfersPending++
		}
	}

	if err := s.reconcileStuckClaims(ctx, limit, cutoff, result); err != nil {
		return nil, err
	}
	return result, nil
}

// reconcileStuckClaims resolves claims whose payout was submitted but never
// classified. A landed payout completes the claim; a reverted payout releases
// it back to pending; a still-missing receipt leaves it for the next pass.
func (s *Service) reconcileStuckClaims(ctx context.Context, limit int, cutoff time.Time, result *ReconcileResult) error {
	claims, err := s.repo.ListStuckProcessingClaims(ctx, limit, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list stuck claims: %w", err)
	}
	result.ClaimsExamined = len(claims)

	for i := range claims {
		claim := &claims[i]
		if claim.SettlementTxHash == nil || claim.ClaimantAddress == nil {
			log.Printf("level=warn component=service flow=reconcile msg=\"stuck claim missing payout reference\" claim_id=%s", claim.ID)
			continue
		}
		settlement, err := s.chain.SettlementStatus(ctx, common.HexToHash(*claim.SettlementTxHash))
		if err != nil {
			log.Printf("level=warn component=service flow=reconcile msg=\"claim receipt query failed\" claim_id=%s err=%v", claim.ID, err)
			continue
		}

		switch settlement.Status {
		case chainclient.SettlementSuccess:
			completed, err := s.repo.CompleteClaim(ctx, claim.ID, *claim.ClaimantAddress, *claim.SettlementTxHash)
			if err != nil {
				log.Printf("level=error component=service flow=reconcile msg=\"failed to complete claim\" claim_id=%s err=%v", claim.ID, err)
				continue
			}
			if completed {
				result.ClaimsCompleted++
				log.Printf("level=info component=service flow=reconcile msg=\"claim completed\" claim_id=%s tx=%s", claim.ID, *claim.SettlementTxHash)
			}
		case chainclient.SettlementReverted:
			released, err := s.repo.TransitionClaimStatus(ctx, claim.ID, domain.ClaimProcessing, domain.ClaimPending)
			if err != nil {
				log.Printf("level=error component=service flow=reconcile msg=\"failed to release claim\" claim_id=%s err=%v", claim.ID, err)
				continue
			}
			if released {
				result.ClaimsReleased++
				log.Printf("level=info component=service flow=reconcile msg=\"claim released\" claim_id=%s reason=%q", claim.ID, stuckClaimRevertedRelease)
			}
		}
	}
	return nil
}
