/**
 * @description
 * This file contains the HTTP handlers for the relay service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For route parameters.
 * - internal/app, internal/authz, internal/domain, internal/store: For service
 *   logic, validation, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/xkonjin/relay-service/internal/app"
	"github.com/xkonjin/relay-service/internal/authz"
	"github.com/xkonjin/relay-service/internal/domain"
	"github.com/xkonjin/relay-service/internal/store"
)

// RateLimits carries the per-minute request budgets for the public claim
// endpoints.
type RateLimits struct {
	ClaimDetailsPerMinute int
	ClaimExecutePerMinute int
}

// RelayHandlers holds the application services that handlers will use.
type RelayHandlers struct {
	service   *app.Service
	gasKeeper *app.GasKeeper
	limiter   *app.RedisClaimRateLimiter
	limits    RateLimits
}

// NewRelayHandlers creates a new instance of RelayHandlers.
func NewRelayHandlers(service *app.Service, gasKeeper *app.GasKeeper, limiter *app.RedisClaimRateLimiter, limits RateLimits) *RelayHandlers {
	return &RelayHandlers{
		service:   service,
		gasKeeper: gasKeeper,
		limiter:   limiter,
		limits:    limits,
	}
}

// ExecuteTransferHandler relays a signed transfer authorization on-chain.
func (h *RelayHandlers) ExecuteTransferHandler(w http.ResponseWriter, r *http.Request) {
	signed, ok := h.decodeEnvelope(w, r.Body)
	if !ok {
		return
	}

	result, err := h.service.ExecuteTransfer(r.Context(), signed)
	if err != nil {
		log.Printf("level=error component=api endpoint=execute_transfer outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to execute transfer")
		return
	}
	h.writeJSON(w, executionStatusCode(result), result)
}

type createClaimRequest struct {
	Authorization    domain.AuthorizationEnvelope `json:"authorization"`
	RecipientContact string                       `json:"recipient_contact"`
	Currency         string                       `json:"currency,omitempty"`
	Memo             string                       `json:"memo,omitempty"`
	ExpiryHours      int                          `json:"expiry_hours,omitempty"`
}

// CreateClaimHandler places escrow-bound funds behind a bearer-token claim
// link for a wallet-less recipient.
func (h *RelayHandlers) CreateClaimHandler(w http.ResponseWriter, r *http.Request) {
	var req createClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	signed, ok := h.validateEnvelope(w, req.Authorization)
	if !ok {
		return
	}

	result, err := h.service.CreateClaim(r.Context(), app.CreateClaimRequest{
		Signed:           signed,
		RecipientContact: req.RecipientContact,
		Currency:         req.Currency,
		Memo:             req.Memo,
		Expiry:           time.Duration(req.ExpiryHours) * time.Hour,
	})
	if err != nil {
		var claimErr *app.ClaimError
		if errors.As(err, &claimErr) {
			h.writeCodedError(w, http.StatusBadRequest, claimErr.Code, claimErr.Message)
			return
		}
		log.Printf("level=error component=api endpoint=create_claim outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to create claim")
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// GetClaimHandler resolves a claim link token to its sanitized view.
func (h *RelayHandlers) GetClaimHandler(w http.ResponseWriter, r *http.Request) {
	if !h.allowRate(w, r, "claim_details", h.limits.ClaimDetailsPerMinute) {
		return
	}

	token := chi.URLParam(r, "token")
	view, err := h.service.GetClaim(r.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrClaimNotFound) {
			h.writeError(w, http.StatusNotFound, "Claim not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_claim outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load claim")
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

type executeClaimRequest struct {
	ClaimantAddress string `json:"claimant_address"`
}

// ExecuteClaimHandler pays a claim out to the claimant's wallet.
func (h *RelayHandlers) ExecuteClaimHandler(w http.ResponseWriter, r *http.Request) {
	if !h.allowRate(w, r, "claim_execute", h.limits.ClaimExecutePerMinute) {
		return
	}

	var req executeClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(req.ClaimantAddress)) {
		h.writeCodedError(w, http.StatusBadRequest, domain.CodeInvalidFormat, "Invalid claimant address")
		return
	}
	claimant := common.HexToAddress(req.ClaimantAddress)
	if claimant == (common.Address{}) {
		h.writeCodedError(w, http.StatusBadRequest, domain.CodeZeroValue, "Claimant address must not be the zero address")
		return
	}

	token := chi.URLParam(r, "token")
	result, err := h.service.ExecuteClaim(r.Context(), token, claimant)
	if err != nil {
		if errors.Is(err, store.ErrClaimNotFound) {
			h.writeError(w, http.StatusNotFound, "Claim not found")
			return
		}
		log.Printf("level=error component=api endpoint=execute_claim outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to execute claim")
		return
	}
	h.writeJSON(w, executionStatusCode(result), result)
}

// GasBalanceHandler reports the relay account's native gas health.
func (h *RelayHandlers) GasBalanceHandler(w http.ResponseWriter, r *http.Request) {
	balance, err := h.gasKeeper.GetBalance(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=gas_balance outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to read gas balance")
		return
	}
	h.writeJSON(w, http.StatusOK, balance)
}

type gasRefillRequest struct {
	Amount string `json:"amount,omitempty"` // stablecoin, smallest unit; empty for the configured default
}

// GasRefillHandler triggers a manual gas refill under the daily budget.
func (h *RelayHandlers) GasRefillHandler(w http.ResponseWriter, r *http.Request) {
	var req gasRefillRequest
	if r.Body != nil {
		// An empty body means the configured default amount.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	amount, ok := parseOptionalAmount(req.Amount)
	if !ok {
		h.writeCodedError(w, http.StatusBadRequest, domain.CodeInvalidFormat, "Invalid refill amount")
		return
	}

	result, err := h.gasKeeper.Refill(r.Context(), amount)
	if err != nil {
		log.Printf("level=error component=api endpoint=gas_refill outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to refill gas")
		return
	}
	if result.Code != "" {
		h.writeJSON(w, http.StatusConflict, result)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ReconcileHandler runs a reconciliation pass on demand.
func (h *RelayHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ReconcileUnresolvedTransfers(r.Context(), 0)
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// decodeEnvelope reads and validates a transport envelope from a request body.
func (h *RelayHandlers) decodeEnvelope(w http.ResponseWriter, body io.Reader) (*domain.SignedAuthorization, bool) {
	var env domain.AuthorizationEnvelope
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	return h.validateEnvelope(w, env)
}

func (h *RelayHandlers) validateEnvelope(w http.ResponseWriter, env domain.AuthorizationEnvelope) (*domain.SignedAuthorization, bool) {
	if env.Scheme != domain.TransferScheme {
		h.writeCodedError(w, http.StatusBadRequest, domain.CodeInvalidFormat, "Unsupported authorization scheme")
		return nil, false
	}
	signed, vErr := authz.ValidateTransferPayload(env.Payload, h.service.Bounds(), time.Now())
	if vErr != nil {
		h.writeCodedError(w, http.StatusBadRequest, vErr.Code, vErr.Message)
		return nil, false
	}
	return signed, true
}

// allowRate consumes one unit of the endpoint's fixed-window budget keyed by
// client IP. A limiter error fails open; the claim state machine is the real
// guard, the limiter only dampens scanning.
func (h *RelayHandlers) allowRate(w http.ResponseWriter, r *http.Request, scope string, limit int) bool {
	if h.limiter == nil || limit <= 0 {
		return true
	}
	count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), scope, clientIP(r), limit, time.Minute)
	if err != nil {
		log.Printf("level=warn component=api msg=\"rate limiter unavailable\" scope=%s err=%v", scope, err)
		return true
	}
	if count > limit {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests")
		return false
	}
	return true
}

// parseOptionalAmount parses a decimal amount string; empty means unset.
func parseOptionalAmount(value string) (*big.Int, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, true
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, false
	}
	return amount, true
}

// executionStatusCode maps an execution result to an HTTP status.
func executionStatusCode(result *domain.ExecutionResult) int {
	switch result.Status {
	case domain.ExecutionSuccess:
		return http.StatusOK
	case domain.ExecutionTimeoutPending:
		return http.StatusAccepted
	case domain.ExecutionRejected:
		switch result.Code {
		case domain.CodeAlreadyUsed, domain.CodeAlreadyProcessing, domain.CodeAlreadyClaimed:
			return http.StatusConflict
		default:
			return http.StatusBadRequest
		}
	default:
		return http.StatusOK
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *RelayHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *RelayHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeCodedError includes the machine-readable code alongside the message.
func (h *RelayHandlers) writeCodedError(w http.ResponseWriter, status int, code domain.ErrorCode, message string) {
	h.writeJSON(w, status, map[string]string{"error": message, "code": string(code)})
}
