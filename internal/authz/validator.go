/**
 * @description
 * Pure validation of untrusted authorization payloads. Checks run in a fixed
 * order and short-circuit on the first failure, returning a typed error code
 * plus a generic user-facing message. Raw input values are never echoed back;
 * callers log only the code.
 */

package authz

import (
	"encoding/hex"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xkonjin/relay-service/internal/domain"
)

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// ValidationError reports why a payload was rejected. Message is safe to
// return to callers; Code is the internal classification.
type ValidationError struct {
	Code    domain.ErrorCode
	Message string
}

func (e *ValidationError) Error() string { return string(e.Code) }

func reject(code domain.ErrorCode, msg string) *ValidationError {
	return &ValidationError{Code: code, Message: msg}
}

// Bounds constrains the authorized value. Nil ends are unbounded.
type Bounds struct {
	Min *big.Int
	Max *big.Int
}

// NoBounds returns unbounded value limits, used when decoding trusted input.
func NoBounds() Bounds { return Bounds{} }

// ValidateTransferPayload checks an untrusted wire payload and returns the
// sanitized, strongly-typed signed authorization. A zero `now` skips the
// time-window checks (used for pure decoding; execution re-checks anyway).
func ValidateTransferPayload(p domain.AuthorizationPayload, bounds Bounds, now time.Time) (*domain.SignedAuthorization, *ValidationError) {
	// 1. Presence.
	for _, field := range []string{p.From, p.To, p.Value, p.ValidAfter, p.ValidBefore, p.Nonce, p.Signature} {
		if strings.TrimSpace(field) == "" {
			return nil, reject(domain.CodeMissingValue, "a required field is missing")
		}
	}

	// 2. Address shape and non-zero.
	if !addressPattern.MatchString(p.From) || !addressPattern.MatchString(p.To) {
		return nil, reject(domain.CodeInvalidFormat, "address is not well-formed")
	}
	from := common.HexToAddress(p.From)
	to := common.HexToAddress(p.To)
	if from == (common.Address{}) || to == (common.Address{}) {
		return nil, reject(domain.CodeZeroValue, "zero address is not allowed")
	}

	// 3. Self transfer.
	if from == to {
		return nil, reject(domain.CodeSelfTransfer, "sender and recipient must differ")
	}

	// 4. Value bounds.
	value, ok := new(big.Int).SetString(p.Value, 10)
	if !ok || value.Sign() < 0 {
		return nil, reject(domain.CodeInvalidFormat, "value is not a valid amount")
	}
	if value.Sign() == 0 {
		return nil, reject(domain.CodeZeroValue, "value must be greater than zero")
	}
	if bounds.Min != nil && value.Cmp(bounds.Min) < 0 {
		return nil, reject(domain.CodeOutOfRange, "value is below the minimum transfer amount")
	}
	if bounds.Max != nil && value.Cmp(bounds.Max) > 0 {
		return nil, reject(domain.CodeOutOfRange, "value is above the maximum transfer amount")
	}

	validAfter, ok := new(big.Int).SetString(p.ValidAfter, 10)
	if !ok || validAfter.Sign() < 0 {
		return nil, reject(domain.CodeInvalidFormat, "validity window is not well-formed")
	}
	validBefore, ok := new(big.Int).SetString(p.ValidBefore, 10)
	if !ok || validBefore.Sign() < 0 {
		return nil, reject(domain.CodeInvalidFormat, "validity window is not well-formed")
	}
	if validAfter.Cmp(validBefore) >= 0 {
		return nil, reject(domain.CodeInvalidFormat, "validity window is empty")
	}

	// 5. Time window.
	if !now.IsZero() {
		ts := big.NewInt(now.Unix())
		if ts.Cmp(validAfter) < 0 {
			return nil, reject(domain.CodeNotYetValid, "authorization is not yet valid")
		}
		if ts.Cmp(validBefore) > 0 {
			return nil, reject(domain.CodeExpired, "authorization has expired")
		}
	}

	// 6. Nonce.
	nonce, ok := parseHex32(p.Nonce)
	if !ok {
		return nil, reject(domain.CodeInvalidFormat, "nonce is not a 32-byte hex value")
	}

	// 7. Signature shape.
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(p.Signature, "0x"))
	if err != nil {
		return nil, reject(domain.CodeInvalidFormat, "signature is not well-formed")
	}
	if len(sigBytes) != 65 {
		return nil, reject(domain.CodeInvalidLength, "signature has the wrong length")
	}
	v := sigBytes[64]
	if v != 0 && v != 1 && v != 27 && v != 28 {
		return nil, reject(domain.CodeInvalidFormat, "signature recovery id is invalid")
	}

	var sig domain.Signature
	copy(sig.R[:], sigBytes[:32])
	copy(sig.S[:], sigBytes[32:64])
	sig.V = v

	return &domain.SignedAuthorization{
		TransferAuthorization: domain.TransferAuthorization{
			From:        from,
			To:          to,
			Value:       value,
			ValidAfter:  validAfter,
			ValidBefore: validBefore,
			Nonce:       nonce,
		},
		Signature: sig,
	}, nil
}
