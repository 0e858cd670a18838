package authz

import (
	"math/big"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/xkonjin/relay-service/internal/domain"
)

// validPayload builds a well-formed wire payload whose window brackets now.
// The signature is shape-valid only; signature recovery is not part of
// payload validation.
func validPayload(now time.Time) domain.AuthorizationPayload {
	return domain.AuthorizationPayload{
		From:        "0x1111111111111111111111111111111111111111",
		To:          "0x2222222222222222222222222222222222222222",
		Value:       "5000000",
		ValidAfter:  strconv.FormatInt(now.Add(-time.Minute).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(time.Hour).Unix(), 10),
		Nonce:       "0x" + strings.Repeat("ab", 32),
		Signature:   "0x" + strings.Repeat("cd", 64) + "1b",
	}
}

func TestValidateTransferPayloadAccepts(t *testing.T) {
	now := time.Now()
	signed, verr := ValidateTransferPayload(validPayload(now), NoBounds(), now)
	if verr != nil {
		t.Fatalf("expected valid payload, got %s: %s", verr.Code, verr.Message)
	}
	if signed.Value.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Fatalf("unexpected parsed value %s", signed.Value)
	}
	if signed.Signature.V != 27 {
		t.Fatalf("unexpected recovery id %d", signed.Signature.V)
	}
}

func TestValidateTransferPayloadZeroNowSkipsWindow(t *testing.T) {
	now := time.Now()
	p := validPayload(now)
	p.ValidAfter = strconv.FormatInt(now.Add(-2*time.Hour).Unix(), 10)
	p.ValidBefore = strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)

	if _, verr := ValidateTransferPayload(p, NoBounds(), time.Time{}); verr != nil {
		t.Fatalf("zero now must skip window checks, got %s", verr.Code)
	}
	if _, verr := ValidateTransferPayload(p, NoBounds(), now); verr == nil || verr.Code != domain.CodeExpired {
		t.Fatalf("expected EXPIRED with a real clock, got %v", verr)
	}
}

func TestValidateTransferPayloadRejections(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name   string
		mutate func(p *domain.AuthorizationPayload)
		bounds Bounds
		code   domain.ErrorCode
	}{
		{
			name:   "missing from",
			mutate: func(p *domain.AuthorizationPayload) { p.From = "  " },
			code:   domain.CodeMissingValue,
		},
		{
			name:   "missing signature",
			mutate: func(p *domain.AuthorizationPayload) { p.Signature = "" },
			code:   domain.CodeMissingValue,
		},
		{
			name:   "malformed address",
			mutate: func(p *domain.AuthorizationPayload) { p.To = "0x1234" },
			code:   domain.CodeInvalidFormat,
		},
		{
			name:   "zero recipient",
			mutate: func(p *domain.AuthorizationPayload) { p.To = "0x" + strings.Repeat("0", 40) },
			code:   domain.CodeZeroValue,
		},
		{
			name:   "self transfer",
			mutate: func(p *domain.AuthorizationPayload) { p.To = p.From },
			code:   domain.CodeSelfTransfer,
		},
		{
			name:   "non-numeric value",
			mutate: func(p *domain.AuthorizationPayload) { p.Value = "12.5" },
			code:   domain.CodeInvalidFormat,
		},
		{
			name:   "negative value",
			mutate: func(p *domain.AuthorizationPayload) { p.Value = "-1" },
			code:   domain.CodeInvalidFormat,
		},
		{
			name:   "zero value",
			mutate: func(p *domain.AuthorizationPayload) { p.Value = "0" },
			code:   domain.CodeZeroValue,
		},
		{
			name:   "below minimum",
			mutate: func(p *domain.AuthorizationPayload) { p.Value = "99" },
			bounds: Bounds{Min: big.NewInt(100)},
			code:   domain.CodeOutOfRange,
		},
		{
			name:   "above maximum",
			mutate: func(p *domain.AuthorizationPayload) { p.Value = "5000001" },
			bounds: Bounds{Max: big.NewInt(5_000_000)},
			code:   domain.CodeOutOfRange,
		},
		{
			name:   "non-numeric window",
			mutate: func(p *domain.AuthorizationPayload) { p.ValidAfter = "soon" },
			code:   domain.CodeInvalidFormat,
		},
		{
			name: "empty window",
			mutate: func(p *domain.AuthorizationPayload) {
				p.ValidAfter = p.ValidBefore
			},
			code: domain.CodeInvalidFormat,
		},
		{
			name: "not yet valid",
			mutate: func(p *domain.AuthorizationPayload) {
				p.ValidAfter = strconv.FormatInt(now.Add(time.Hour).Unix(), 10)
				p.ValidBefore = strconv.FormatInt(now.Add(2*time.Hour).Unix(), 10)
			},
			code: domain.CodeNotYetValid,
		},
		{
			name: "expired",
			mutate: func(p *domain.AuthorizationPayload) {
				p.ValidAfter = strconv.FormatInt(now.Add(-2*time.Hour).Unix(), 10)
				p.ValidBefore = strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)
			},
			code: domain.CodeExpired,
		},
		{
			name:   "short nonce",
			mutate: func(p *domain.AuthorizationPayload) { p.Nonce = "0xabcd" },
			code:   domain.CodeInvalidFormat,
		},
		{
			name:   "non-hex signature",
			mutate: func(p *domain.AuthorizationPayload) { p.Signature = "0xzz" },
			code:   domain.CodeInvalidFormat,
		},
		{
			name:   "truncated signature",
			mutate: func(p *domain.AuthorizationPayload) { p.Signature = "0x" + strings.Repeat("cd", 64) },
			code:   domain.CodeInvalidLength,
		},
		{
			name:   "bad recovery id",
			mutate: func(p *domain.AuthorizationPayload) { p.Signature = "0x" + strings.Repeat("cd", 64) + "05" },
			code:   domain.CodeInvalidFormat,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPayload(now)
			tc.mutate(&p)
			_, verr := ValidateTransferPayload(p, tc.bounds, now)
			if verr == nil {
				t.Fatalf("expected rejection %s, payload passed", tc.code)
			}
			if verr.Code != tc.code {
				t.Fatalf("expected code %s, got %s (%s)", tc.code, verr.Code, verr.Message)
			}
		})
	}
}
