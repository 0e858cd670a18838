/**
 * @description
 * Domain models for the gas keeper: relay native-balance health, daily refill
 * accounting, and the typed lifecycle events emitted to observers.
 */

package domain

import (
	"math/big"
	"time"
)

// GasBalance is a snapshot of the relay account's native-gas health.
type GasBalance struct {
	Amount                *big.Int `json:"amount"`
	IsHealthy             bool     `json:"is_healthy"`
	IsCritical            bool     `json:"is_critical"`
	EstimatedRemainingTxs int64    `json:"estimated_remaining_transactions"`
}

// GasRefillState is the per-relayer daily refill counter set. The date is a
// UTC calendar day; counters for a new day start from zero.
type GasRefillState struct {
	RelayerAddress string
	Date           string // YYYY-MM-DD, UTC
	RefillCount    int
	TotalRefilled  *big.Int // stablecoin spent today, smallest unit
}

// RefillDate formats t as the UTC calendar-day key used for refill counters.
func RefillDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RefillResult reports one completed or rejected refill attempt.
type RefillResult struct {
	Code          ErrorCode `json:"code,omitempty"`
	StableSpent   *big.Int  `json:"stable_spent,omitempty"`
	GasReceived   *big.Int  `json:"gas_received,omitempty"`
	TxHash        string    `json:"tx_hash,omitempty"`
	RefillsToday  int       `json:"refills_today"`
	RefilledToday *big.Int  `json:"refilled_today,omitempty"`
}

// GasEventType enumerates gas keeper lifecycle events.
type GasEventType string

const (
	GasBalanceChecked  GasEventType = "balance_checked"
	GasBalanceLow      GasEventType = "balance_low"
	GasBalanceCritical GasEventType = "balance_critical"
	GasRefillStarted   GasEventType = "refill_started"
	GasRefillCompleted GasEventType = "refill_completed"
	GasRefillFailed    GasEventType = "refill_failed"
)

// GasEvent is delivered to registered observers and mirrored to the event
// broker for external monitoring.
type GasEvent struct {
	Type           GasEventType `json:"type"`
	RelayerAddress string       `json:"relayer_address"`
	Balance        *big.Int     `json:"balance,omitempty"`
	Code           ErrorCode    `json:"code,omitempty"`
	Detail         string       `json:"detail,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}
