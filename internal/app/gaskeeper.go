/**
 * @description
 * The gas keeper watches the relay account's native gas balance and tops it up
 * by swapping a slice of the account's stablecoin through the configured
 * router. Refills are budgeted per UTC day; the budget is reserved through a
 * conditional upsert in Postgres, so the caps hold even for relay instances
 * racing over one hot wallet, and a per-keeper mutex serializes attempts
 * within one process.
 *
 * Key features:
 * - Balance health snapshots with an estimated remaining-transaction count.
 * - Refill with daily count and amount caps, allowance management, and an
 *   explicit swap deadline.
 * - A sequential monitoring loop emitting typed lifecycle events to
 *   registered handlers and mirroring them to RabbitMQ.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xkonjin/relay-service/internal/domain"
	"github.com/xkonjin/relay-service/internal/relayer"
	"github.com/xkonjin/relay-service/internal/store"
	"github.com/xkonjin/relay-service/pkg/chainclient"
	"github.com/xkonjin/relay-service/pkg/rabbitmq"
)

const swapDeadlineSlack = 5 * time.Minute

// GasKeeperConfig carries the refill policy knobs.
type GasKeeperConfig struct {
	RouterAddress        common.Address
	MinGasBalance        *big.Int // wei floor below which the balance is unhealthy
	RefillAmount         *big.Int // stablecoin spent per autonomous refill, smallest unit
	MaxDailyRefills      int
	MaxDailyRefillAmount *big.Int // stablecoin, smallest unit
	GasEstimatePerTx     *big.Int // wei per relayed transaction, for the remaining-tx estimate
}

// GasEventHandler receives gas keeper lifecycle events. Handlers run on the
// keeper's goroutine; a panicking handler is recovered and logged.
type GasEventHandler func(domain.GasEvent)

// GasKeeper maintains the relay account's native gas balance.
type GasKeeper struct {
	repo          store.Repository
	chain         Chain
	relayAccount  *relayer.Account
	eventProducer rabbitmq.Publisher
	cfg           GasKeeperConfig

	refillMu sync.Mutex // serializes refill attempts in this process

	handlerMu sync.RWMutex
	handlers  []GasEventHandler

	monitorMu sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewGasKeeper creates a gas keeper for the given relay account.
func NewGasKeeper(repo store.Repository, chain Chain, relayAccount *relayer.Account, producer rabbitmq.Publisher, cfg GasKeeperConfig) *GasKeeper {
	if cfg.GasEstimatePerTx == nil || cfg.GasEstimatePerTx.Sign() <= 0 {
		cfg.GasEstimatePerTx = big.NewInt(1)
	}
	return &GasKeeper{
		repo:          repo,
		chain:         chain,
		relayAccount:  relayAccount,
		eventProducer: producer,
		cfg:           cfg,
	}
}

// OnEvent registers a handler for gas lifecycle events.
func (k *GasKeeper) OnEvent(handler GasEventHandler) {
	k.handlerMu.Lock()
	defer k.handlerMu.Unlock()
	k.handlers = append(k.handlers, handler)
}

// GetBalance reads the relay account's native balance and classifies it. The
// critical threshold is a tenth of the configured minimum.
func (k *GasKeeper) GetBalance(ctx context.Context) (*domain.GasBalance, error) {
	amount, err := k.chain.NativeBalance(ctx, k.relayAccount.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to read gas balance: %w", err)
	}

	balance := &domain.GasBalance{
		Amount:                amount,
		IsHealthy:             true,
		EstimatedRemainingTxs: new(big.Int).Div(amount, k.cfg.GasEstimatePerTx).Int64(),
	}
	if k.cfg.MinGasBalance != nil && k.cfg.MinGasBalance.Sign() > 0 {
		balance.IsHealthy = amount.Cmp(k.cfg.MinGasBalance) >= 0
		critical := new(big.Int).Div(k.cfg.MinGasBalance, big.NewInt(10))
		balance.IsCritical = amount.Cmp(critical) < 0
	}
	return balance, nil
}

// Refill swaps stablecoin for native gas under today's budget. A zero or nil
// amount uses the configured per-refill amount. The keeper mutex is held for
// the whole attempt; the day's budget is reserved in storage before the swap
// is submitted and returned if the swap does not settle.
func (k *GasKeeper) Refill(ctx context.Context, amount *big.Int) (*domain.RefillResult, error) {
	k.refillMu.Lock()
	defer k.refillMu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		amount = k.cfg.RefillAmount
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("no refill amount configured")
	}

	relayerAddr := normalizeAddress(k.relayAccount.Address())
	date := domain.RefillDate(time.Now())

	stableBalance, err := k.chain.TokenBalance(ctx, k.relayAccount.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to read stablecoin balance: %w", err)
	}
	if stableBalance.Cmp(amount) < 0 {
		state, stateErr := k.repo.GetGasRefillState(ctx, relayerAddr, date)
		if stateErr != nil {
			return nil, fmt.Errorf("failed to load refill state: %w", stateErr)
		}
		k.emit(domain.GasEvent{Type: domain.GasRefillFailed, RelayerAddress: relayerAddr, Code: domain.CodeInsufficientStablecoinBalance, Timestamp: time.Now().UTC()})
		return &domain.RefillResult{Code: domain.CodeInsufficientStablecoinBalance, RefillsToday: state.RefillCount, RefilledToday: state.TotalRefilled}, nil
	}

	// Reserve the budget before spending. The caps are enforced inside the
	// storage upsert itself, so relays sharing a hot wallet cannot each pass
	// a stale read of the counters.
	state, reserved, err := k.repo.ReserveGasRefill(ctx, relayerAddr, date, amount, k.cfg.MaxDailyRefills, k.cfg.MaxDailyRefillAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve refill budget: %w", err)
	}
	if !reserved {
		code := domain.CodeDailyAmountLimit
		if k.cfg.MaxDailyRefills > 0 && state.RefillCount >= k.cfg.MaxDailyRefills {
			code = domain.CodeDailyRefillLimit
		}
		k.emit(domain.GasEvent{Type: domain.GasRefillFailed, RelayerAddress: relayerAddr, Code: code, Timestamp: time.Now().UTC()})
		return &domain.RefillResult{Code: code, RefillsToday: state.RefillCount, RefilledToday: state.TotalRefilled}, nil
	}
	release := func() {
		if releaseErr := k.repo.ReleaseGasRefill(ctx, relayerAddr, date, amount); releaseErr != nil {
			log.Printf("Refill: failed to release reservation relayer=%s err=%v", relayerAddr, releaseErr)
		}
	}

	k.emit(domain.GasEvent{Type: domain.GasRefillStarted, RelayerAddress: relayerAddr, Timestamp: time.Now().UTC()})
	log.Printf("Refill: starting relayer=%s amount=%s refills_today=%d", relayerAddr, amount.String(), state.RefillCount)

	if err := k.ensureAllowance(ctx, amount); err != nil {
		release()
		k.emit(domain.GasEvent{Type: domain.GasRefillFailed, RelayerAddress: relayerAddr, Detail: "allowance", Timestamp: time.Now().UTC()})
		return nil, err
	}

	nativeBefore, err := k.chain.NativeBalance(ctx, k.relayAccount.Address())
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to read native balance: %w", err)
	}

	opts, err := k.relayAccount.TransactOpts(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to build transact opts: %w", err)
	}
	deadline := time.Now().Add(swapDeadlineSlack)
	txHash, err := k.chain.SubmitSwapForGas(ctx, opts, k.relayAccount.Address(), amount, big.NewInt(1), deadline)
	if err != nil {
		release()
		k.emit(domain.GasEvent{Type: domain.GasRefillFailed, RelayerAddress: relayerAddr, Detail: "swap submit", Timestamp: time.Now().UTC()})
		return nil, fmt.Errorf("failed to submit swap: %w", err)
	}

	settlement, err := k.chain.WaitForSettlement(ctx, txHash, swapDeadlineSlack)
	if err != nil {
		release()
		k.emit(domain.GasEvent{Type: domain.GasRefillFailed, RelayerAddress: relayerAddr, Detail: "swap settlement", Timestamp: time.Now().UTC()})
		return nil, fmt.Errorf("failed to settle swap: %w", err)
	}
	if settlement.Status != chainclient.SettlementSuccess {
		release()
		k.emit(domain.GasEvent{Type: domain.GasRefillFailed, RelayerAddress: relayerAddr, Code: domain.CodeReverted, Timestamp: time.Now().UTC()})
		return &domain.RefillResult{
			Code:          domain.CodeReverted,
			TxHash:        txHash.Hex(),
			RefillsToday:  state.RefillCount - 1,
			RefilledToday: new(big.Int).Sub(state.TotalRefilled, amount),
		}, nil
	}

	nativeAfter, err := k.chain.NativeBalance(ctx, k.relayAccount.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to read native balance: %w", err)
	}
	gasReceived := new(big.Int).Sub(nativeAfter, nativeBefore)
	if gasReceived.Sign() < 0 {
		gasReceived.SetInt64(0)
	}

	k.emit(domain.GasEvent{Type: domain.GasRefillCompleted, RelayerAddress: relayerAddr, Balance: nativeAfter, Timestamp: time.Now().UTC()})
	log.Printf("Refill: completed relayer=%s spent=%s received=%s tx=%s refills_today=%d",
		relayerAddr, amount.String(), gasReceived.String(), txHash.Hex(), state.RefillCount)

	return &domain.RefillResult{
		StableSpent:   amount,
		GasReceived:   gasReceived,
		TxHash:        txHash.Hex(),
		RefillsToday:  state.RefillCount,
		RefilledToday: state.TotalRefilled,
	}, nil
}

// ensureAllowance approves the router for the swap amount when the current
// allowance is short, and waits for the approval to settle.
func (k *GasKeeper) ensureAllowance(ctx context.Context, amount *big.Int) error {
	allowance, err := k.chain.Allowance(ctx, k.relayAccount.Address(), k.cfg.RouterAddress)
	if err != nil {
		return fmt.Errorf("failed to read allowance: %w", err)
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	opts, err := k.relayAccount.TransactOpts(ctx)
	if err != nil {
		return fmt.Errorf("failed to build transact opts: %w", err)
	}
	txHash, err := k.chain.SubmitApprove(ctx, opts, k.cfg.RouterAddress, amount)
	if err != nil {
		return fmt.Errorf("failed to submit approval: %w", err)
	}
	settlement, err := k.chain.WaitForSettlement(ctx, txHash, swapDeadlineSlack)
	if err != nil {
		return fmt.Errorf("failed to settle approval: %w", err)
	}
	if settlement.Status != chainclient.SettlementSuccess {
		return fmt.Errorf("approval reverted tx=%s", txHash.Hex())
	}
	return nil
}

// StartMonitoring launches the balance-watch loop. Ticks are strictly
// sequential; a tick's check and any refill it triggers finish before the
// next tick is considered. Calling it while a loop is running is a no-op.
func (k *GasKeeper) StartMonitoring(interval time.Duration) {
	k.monitorMu.Lock()
	defer k.monitorMu.Unlock()
	if k.stopCh != nil {
		return
	}
	k.stopCh = make(chan struct{})
	k.doneCh = make(chan struct{})

	go k.monitorLoop(interval, k.stopCh, k.doneCh)
	log.Printf("StartMonitoring: gas monitor started interval=%s", interval)
}

// StopMonitoring stops the loop and waits for the in-flight tick to finish.
func (k *GasKeeper) StopMonitoring() {
	k.monitorMu.Lock()
	defer k.monitorMu.Unlock()
	if k.stopCh == nil {
		return
	}
	close(k.stopCh)
	<-k.doneCh
	k.stopCh = nil
	k.doneCh = nil
	log.Printf("StopMonitoring: gas monitor stopped")
}

func (k *GasKeeper) monitorLoop(interval time.Duration, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			k.checkAndRefill()
		}
	}
}

func (k *GasKeeper) checkAndRefill() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	relayerAddr := normalizeAddress(k.relayAccount.Address())
	balance, err := k.GetBalance(ctx)
	if err != nil {
		log.Printf("checkAndRefill: balance read failed err=%v", err)
		return
	}
	k.emit(domain.GasEvent{Type: domain.GasBalanceChecked, RelayerAddress: relayerAddr, Balance: balance.Amount, Timestamp: time.Now().UTC()})

	if balance.IsHealthy {
		return
	}
	if balance.IsCritical {
		k.emit(domain.GasEvent{Type: domain.GasBalanceCritical, RelayerAddress: relayerAddr, Balance: balance.Amount, Timestamp: time.Now().UTC()})
	} else {
		k.emit(domain.GasEvent{Type: domain.GasBalanceLow, RelayerAddress: relayerAddr, Balance: balance.Amount, Timestamp: time.Now().UTC()})
	}

	if _, err := k.Refill(ctx, nil); err != nil {
		log.Printf("checkAndRefill: refill failed err=%v", err)
	}
}

// emit delivers an event to all handlers and mirrors it to the broker.
// A panicking handler must not take down the monitor loop.
func (k *GasKeeper) emit(event domain.GasEvent) {
	k.handlerMu.RLock()
	handlers := make([]GasEventHandler, len(k.handlers))
	copy(handlers, k.handlers)
	k.handlerMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("emit: gas event handler panicked type=%s panic=%v", event.Type, r)
				}
			}()
			handler(event)
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.eventProducer.PublishGasEvent(ctx, event); err != nil {
		log.Printf("emit: gas event publish failed type=%s err=%v", event.Type, err)
	}
}
