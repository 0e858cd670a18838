package app

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xkonjin/relay-service/internal/domain"
	"github.com/xkonjin/relay-service/pkg/chainclient"
	"github.com/xkonjin/relay-service/pkg/rabbitmq"
)

type gasEventRecorder struct {
	mu     sync.Mutex
	events []domain.GasEvent
}

func (r *gasEventRecorder) record(event domain.GasEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *gasEventRecorder) types() []domain.GasEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.GasEventType, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Type)
	}
	return out
}

func (r *gasEventRecorder) has(eventType domain.GasEventType) bool {
	for _, t := range r.types() {
		if t == eventType {
			return true
		}
	}
	return false
}

func newTestGasKeeper(t *testing.T, env *testEnv, cfg GasKeeperConfig) (*GasKeeper, *gasEventRecorder) {
	t.Helper()
	if cfg.RouterAddress == (common.Address{}) {
		cfg.RouterAddress = common.HexToAddress("0x2626664c2603336E57B271c5C0b26F421741e481")
	}
	if cfg.MinGasBalance == nil {
		cfg.MinGasBalance = big.NewInt(1000)
	}
	if cfg.RefillAmount == nil {
		cfg.RefillAmount = big.NewInt(10_000_000)
	}
	keeper := NewGasKeeper(env.repo, env.chain, env.relayer, &rabbitmq.EventProducerFallback{}, cfg)
	recorder := &gasEventRecorder{}
	keeper.OnEvent(recorder.record)
	return keeper, recorder
}

func TestGetBalanceThresholds(t *testing.T) {
	env := newTestEnv(t)
	keeper, _ := newTestGasKeeper(t, env, GasKeeperConfig{
		MinGasBalance:    big.NewInt(1000),
		GasEstimatePerTx: big.NewInt(100),
	})

	env.chain.native[env.relayer.Address()] = big.NewInt(1500)
	balance, err := keeper.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance returned error: %v", err)
	}
	if !balance.IsHealthy || balance.IsCritical {
		t.Fatalf("expected healthy balance, got %+v", balance)
	}
	if balance.EstimatedRemainingTxs != 15 {
		t.Fatalf("expected 15 remaining transactions, got %d", balance.EstimatedRemainingTxs)
	}

	env.chain.native[env.relayer.Address()] = big.NewInt(50) // below a tenth of the floor
	balance, err = keeper.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance returned error: %v", err)
	}
	if balance.IsHealthy || !balance.IsCritical {
		t.Fatalf("expected critical balance, got %+v", balance)
	}
}

func TestRefillSwapsAndRecords(t *testing.T) {
	env := newTestEnv(t)
	keeper, recorder := newTestGasKeeper(t, env, GasKeeperConfig{
		RefillAmount:    big.NewInt(10_000_000),
		MaxDailyRefills: 5,
	})
	env.chain.tokens[env.relayer.Address()] = big.NewInt(50_000_000)
	env.chain.swapGasBonus = big.NewInt(7_000)

	result, err := keeper.Refill(context.Background(), nil)
	if err != nil {
		t.Fatalf("Refill returned error: %v", err)
	}
	if result.Code != "" {
		t.Fatalf("expected clean refill, got code %s", result.Code)
	}
	if result.StableSpent.Cmp(big.NewInt(10_000_000)) != 0 {
		t.Fatalf("expected configured amount spent, got %s", result.StableSpent)
	}
	if result.GasReceived.Cmp(big.NewInt(7_000)) != 0 {
		t.Fatalf("expected 7000 wei received, got %s", result.GasReceived)
	}
	if result.RefillsToday != 1 {
		t.Fatalf("expected one refill recorded today, got %d", result.RefillsToday)
	}
	if !recorder.has(domain.GasRefillStarted) || !recorder.has(domain.GasRefillCompleted) {
		t.Fatalf("expected started and completed events, got %v", recorder.types())
	}

	state, err := env.repo.GetGasRefillState(context.Background(), normalizeAddress(env.relayer.Address()), domain.RefillDate(time.Now()))
	if err != nil {
		t.Fatalf("refill state lookup failed: %v", err)
	}
	if state.RefillCount != 1 || state.TotalRefilled.Cmp(big.NewInt(10_000_000)) != 0 {
		t.Fatalf("unexpected refill state: %+v", state)
	}
}

func TestRefillDailyCountLimit(t *testing.T) {
	env := newTestEnv(t)
	keeper, recorder := newTestGasKeeper(t, env, GasKeeperConfig{
		RefillAmount:    big.NewInt(10_000_000),
		MaxDailyRefills: 1,
	})
	env.chain.tokens[env.relayer.Address()] = big.NewInt(50_000_000)

	first, err := keeper.Refill(context.Background(), nil)
	if err != nil {
		t.Fatalf("first refill returned error: %v", err)
	}
	if first.Code != "" {
		t.Fatalf("expected first refill to succeed, got code %s", first.Code)
	}

	submittedBefore := env.chain.submitCount
	second, err := keeper.Refill(context.Background(), nil)
	if err != nil {
		t.Fatalf("second refill returned error: %v", err)
	}
	if second.Code != domain.CodeDailyRefillLimit {
		t.Fatalf("expected DAILY_REFILL_LIMIT, got %s", second.Code)
	}
	if env.chain.submitCount != submittedBefore {
		t.Fatal("capped refill must not submit a swap")
	}
	if !recorder.has(domain.GasRefillFailed) {
		t.Fatal("expected a refill_failed event")
	}
}

func TestRefillDailyAmountLimit(t *testing.T) {
	env := newTestEnv(t)
	keeper, _ := newTestGasKeeper(t, env, GasKeeperConfig{
		RefillAmount:         big.NewInt(10_000_000),
		MaxDailyRefills:      10,
		MaxDailyRefillAmount: big.NewInt(15_000_000),
	})
	env.chain.tokens[env.relayer.Address()] = big.NewInt(100_000_000)

	if result, err := keeper.Refill(context.Background(), nil); err != nil || result.Code != "" {
		t.Fatalf("expected first refill to succeed, got result=%+v err=%v", result, err)
	}

	second, err := keeper.Refill(context.Background(), nil)
	if err != nil {
		t.Fatalf("second refill returned error: %v", err)
	}
	if second.Code != domain.CodeDailyAmountLimit {
		t.Fatalf("expected DAILY_AMOUNT_LIMIT, got %s", second.Code)
	}
}

func TestRefillCountersResetAcrossDays(t *testing.T) {
	env := newTestEnv(t)
	keeper, _ := newTestGasKeeper(t, env, GasKeeperConfig{
		RefillAmount:    big.NewInt(10_000_000),
		MaxDailyRefills: 1,
	})
	env.chain.tokens[env.relayer.Address()] = big.NewInt(50_000_000)

	// Yesterday's counters are at the cap; today's key starts fresh.
	yesterday := domain.RefillDate(time.Now().AddDate(0, 0, -1))
	if _, _, err := env.repo.ReserveGasRefill(context.Background(), normalizeAddress(env.relayer.Address()), yesterday, big.NewInt(10_000_000), 0, nil); err != nil {
		t.Fatalf("failed to seed yesterday's state: %v", err)
	}

	result, err := keeper.Refill(context.Background(), nil)
	if err != nil {
		t.Fatalf("Refill returned error: %v", err)
	}
	if result.Code != "" {
		t.Fatalf("expected refill on a new day to succeed, got code %s", result.Code)
	}
}

func TestRefillBudgetSharedAcrossKeepers(t *testing.T) {
	env := newTestEnv(t)
	cfg := GasKeeperConfig{
		RouterAddress:   common.HexToAddress("0x2626664c2603336E57B271c5C0b26F421741e481"),
		MinGasBalance:   big.NewInt(1000),
		RefillAmount:    big.NewInt(10_000_000),
		MaxDailyRefills: 1,
	}
	// Two keepers over the same storage, as with two relay instances
	// sharing one hot wallet. The per-keeper mutex does not serialize them;
	// only the storage reservation can hold the cap.
	keeperA, _ := newTestGasKeeper(t, env, cfg)
	keeperB, _ := newTestGasKeeper(t, env, cfg)
	env.chain.tokens[env.relayer.Address()] = big.NewInt(50_000_000)

	results := make([]*domain.RefillResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, keeper := range []*GasKeeper{keeperA, keeperB} {
		wg.Add(1)
		go func(i int, keeper *GasKeeper) {
			defer wg.Done()
			results[i], errs[i] = keeper.Refill(context.Background(), nil)
		}(i, keeper)
	}
	wg.Wait()

	var successes, capped int
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("keeper %d returned error: %v", i, errs[i])
		}
		switch results[i].Code {
		case "":
			successes++
		case domain.CodeDailyRefillLimit:
			capped++
		default:
			t.Fatalf("keeper %d: unexpected code %s", i, results[i].Code)
		}
	}
	if successes != 1 || capped != 1 {
		t.Fatalf("expected one refill and one cap rejection, got %d/%d", successes, capped)
	}

	state, err := env.repo.GetGasRefillState(context.Background(), normalizeAddress(env.relayer.Address()), domain.RefillDate(time.Now()))
	if err != nil {
		t.Fatalf("refill state lookup failed: %v", err)
	}
	if state.RefillCount != 1 {
		t.Fatalf("expected one recorded refill, got %d", state.RefillCount)
	}
}

func TestRefillInsufficientStablecoin(t *testing.T) {
	env := newTestEnv(t)
	keeper, recorder := newTestGasKeeper(t, env, GasKeeperConfig{
		RefillAmount:    big.NewInt(10_000_000),
		MaxDailyRefills: 5,
	})
	env.chain.tokens[env.relayer.Address()] = big.NewInt(100)

	result, err := keeper.Refill(context.Background(), nil)
	if err != nil {
		t.Fatalf("Refill returned error: %v", err)
	}
	if result.Code != domain.CodeInsufficientStablecoinBalance {
		t.Fatalf("expected INSUFFICIENT_STABLECOIN_BALANCE, got %s", result.Code)
	}
	if !recorder.has(domain.GasRefillFailed) {
		t.Fatal("expected a refill_failed event")
	}
}

func TestRefillRevertedSwapNotRecorded(t *testing.T) {
	env := newTestEnv(t)
	keeper, _ := newTestGasKeeper(t, env, GasKeeperConfig{
		RefillAmount:    big.NewInt(10_000_000),
		MaxDailyRefills: 5,
	})
	env.chain.tokens[env.relayer.Address()] = big.NewInt(50_000_000)
	// Allowance already in place so the swap is the only settlement in play.
	env.chain.allowances[common.HexToAddress("0x2626664c2603336E57B271c5C0b26F421741e481")] = big.NewInt(100_000_000)
	env.chain.settlement = chainclient.SettlementReverted

	result, err := keeper.Refill(context.Background(), nil)
	if err != nil {
		t.Fatalf("Refill returned error: %v", err)
	}
	if result.Code != domain.CodeReverted {
		t.Fatalf("expected REVERTED, got %s", result.Code)
	}

	state, err := env.repo.GetGasRefillState(context.Background(), normalizeAddress(env.relayer.Address()), domain.RefillDate(time.Now()))
	if err != nil {
		t.Fatalf("refill state lookup failed: %v", err)
	}
	if state.RefillCount != 0 {
		t.Fatalf("reverted swap must not count against the daily budget, got %d", state.RefillCount)
	}
}

func TestEmitSurvivesPanickingHandler(t *testing.T) {
	env := newTestEnv(t)
	keeper, recorder := newTestGasKeeper(t, env, GasKeeperConfig{
		RefillAmount:    big.NewInt(10_000_000),
		MaxDailyRefills: 5,
	})
	keeper.OnEvent(func(domain.GasEvent) { panic("handler exploded") })
	env.chain.tokens[env.relayer.Address()] = big.NewInt(100) // forces a refill_failed emit

	if _, err := keeper.Refill(context.Background(), nil); err != nil {
		t.Fatalf("Refill returned error: %v", err)
	}
	if !recorder.has(domain.GasRefillFailed) {
		t.Fatal("expected the surviving handler to observe the event")
	}
}
