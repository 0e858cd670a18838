/**
 * @description
 * Cron scheduler for the relay's periodic maintenance jobs: the claim expiry
 * sweep and the settlement reconciliation pass.
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	sweepBatchLimit = 200
	jobTimeout      = 5 * time.Minute
)

// Sweeper runs the periodic claim-expiry and reconciliation jobs.
type Sweeper struct {
	cron              *cron.Cron
	service           *Service
	claimSchedule     string
	reconcileSchedule string
}

// NewSweeper creates a sweeper around the service with cron-format schedules.
func NewSweeper(service *Service, claimSchedule, reconcileSchedule string) *Sweeper {
	cronLogger := cron.PrintfLogger(log.Default())
	return &Sweeper{
		cron:              cron.New(cron.WithChain(cron.Recover(cronLogger))),
		service:           service,
		claimSchedule:     claimSchedule,
		reconcileSchedule: reconcileSchedule,
	}
}

// Start registers the jobs and starts the scheduler.
func (s *Sweeper) Start() {
	if _, err := s.cron.AddFunc(s.claimSchedule, s.runClaimExpiry); err != nil {
		log.Printf("level=error component=sweeper msg=\"failed to schedule claim expiry job\" err=%v", err)
	} else {
		log.Printf("level=info component=sweeper msg=\"scheduled claim expiry job\" schedule=%q", s.claimSchedule)
	}

	if _, err := s.cron.AddFunc(s.reconcileSchedule, s.runReconcile); err != nil {
		log.Printf("level=error component=sweeper msg=\"failed to schedule reconcile job\" err=%v", err)
	} else {
		log.Printf("level=info component=sweeper msg=\"scheduled reconcile job\" schedule=%q", s.reconcileSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the scheduler and returns a context that is done once
// running jobs have finished.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Sweeper) runClaimExpiry() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := s.service.ExpireDueClaims(ctx, sweepBatchLimit); err != nil {
		log.Printf("level=error component=sweeper job=claim_expiry msg=\"sweep failed\" err=%v", err)
	}
}

func (s *Sweeper) runReconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	result, err := s.service.ReconcileUnresolvedTransfers(ctx, defaultReconcileLimit)
	if err != nil {
		log.Printf("level=error component=sweeper job=reconcile msg=\"pass failed\" err=%v", err)
		return
	}
	if result.TransfersExamined > 0 || result.ClaimsExamined > 0 {
		log.Printf("level=info component=sweeper job=reconcile msg=\"pass complete\" transfers=%d settled=%d reverted=%d claims=%d completed=%d released=%d",
			result.TransfersExamined, result.TransfersSettled, result.TransfersReverted,
			result.ClaimsExamined, result.ClaimsCompleted, result.ClaimsReleased)
	}
}
