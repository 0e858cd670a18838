/**
 * @description
 * This file implements the authorization codec: building the canonical
 * EIP-3009 TransferWithAuthorization typed message, signing it through an
 * injected signing capability, recovering the signer from a signature, and
 * serializing signed authorizations to and from the wire envelope.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum/signer/core/apitypes: EIP-712 hashing.
 * - github.com/ethereum/go-ethereum/crypto: digest and public key recovery.
 */

package authz

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/xkonjin/relay-service/internal/domain"
)

// DefaultValidity is the authorization window applied when the caller does
// not supply one.
const DefaultValidity = time.Hour

// DomainParams identifies the verifying token contract for EIP-712 signing.
type DomainParams struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// BuildAuthorization assembles an unsigned transfer authorization with a
// fresh random nonce. The validity window defaults to [now, now+1h).
func BuildAuthorization(from, to common.Address, value *big.Int, validity time.Duration) (*domain.TransferAuthorization, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	now := time.Now().Unix()
	return &domain.TransferAuthorization{
		From:        from,
		To:          to,
		Value:       new(big.Int).Set(value),
		ValidAfter:  big.NewInt(now),
		ValidBefore: big.NewInt(now + int64(validity.Seconds())),
		Nonce:       nonce,
	}, nil
}

// typedData constructs the canonical EIP-712 structure for an authorization.
// Field order matches the on-chain TransferWithAuthorization type hash.
func typedData(params DomainParams, auth *domain.TransferAuthorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              params.Name,
			Version:           params.Version,
			ChainId:           (*math.HexOrDecimal256)(params.ChainID),
			VerifyingContract: params.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       common.BytesToHash(auth.Nonce[:]).Hex(),
		},
	}
}

// Digest computes the EIP-712 digest 0x19 0x01 <domainSeparator> <structHash>.
func Digest(params DomainParams, auth *domain.TransferAuthorization) ([]byte, error) {
	td := typedData(params, auth)

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}

	raw := append([]byte{0x19, 0x01}, append(domainSeparator, structHash...)...)
	return crypto.Keccak256(raw), nil
}

// SignAuthorization signs the canonical typed message through the injected
// signing capability and returns the signed authorization.
func SignAuthorization(ctx context.Context, signer Signer, params DomainParams, auth *domain.TransferAuthorization) (*domain.SignedAuthorization, error) {
	sigBytes, err := signer.SignTypedData(ctx, typedData(params, auth))
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}
	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("sign authorization: unexpected signature length %d", len(sigBytes))
	}

	var sig domain.Signature
	copy(sig.R[:], sigBytes[:32])
	copy(sig.S[:], sigBytes[32:64])
	sig.V = sigBytes[64]

	return &domain.SignedAuthorization{TransferAuthorization: *auth, Signature: sig}, nil
}

// RecoverSigner derives the account that produced the signature over the
// authorization. Callers compare the result against the claimed From field
// instead of trusting it.
func RecoverSigner(params DomainParams, auth *domain.TransferAuthorization, sig domain.Signature) (common.Address, error) {
	digest, err := Digest(params, auth)
	if err != nil {
		return common.Address{}, err
	}

	v := sig.V
	if v >= 27 {
		v -= 27
	}
	raw := make([]byte, 65)
	copy(raw[:32], sig.R[:])
	copy(raw[32:64], sig.S[:])
	raw[64] = v

	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// EncodeForTransport serializes a signed authorization into the wire
// envelope: decimal strings for amounts and timestamps, hex for the nonce
// and the packed 65-byte signature.
func EncodeForTransport(signed *domain.SignedAuthorization) domain.AuthorizationEnvelope {
	raw := make([]byte, 65)
	copy(raw[:32], signed.Signature.R[:])
	copy(raw[32:64], signed.Signature.S[:])
	raw[64] = signed.Signature.V

	return domain.AuthorizationEnvelope{
		Scheme: domain.TransferScheme,
		Payload: domain.AuthorizationPayload{
			From:        signed.From.Hex(),
			To:          signed.To.Hex(),
			Value:       signed.Value.String(),
			ValidAfter:  signed.ValidAfter.String(),
			ValidBefore: signed.ValidBefore.String(),
			Nonce:       "0x" + hex.EncodeToString(signed.Nonce[:]),
			Signature:   "0x" + hex.EncodeToString(raw),
		},
	}
}

// DecodeFromTransport parses a wire envelope back into a signed
// authorization without validating it; callers run the validator next.
func DecodeFromTransport(env domain.AuthorizationEnvelope) (*domain.SignedAuthorization, error) {
	if env.Scheme != domain.TransferScheme {
		return nil, fmt.Errorf("unsupported scheme %q", env.Scheme)
	}
	signed, verr := ValidateTransferPayload(env.Payload, NoBounds(), time.Time{})
	if verr != nil {
		return nil, fmt.Errorf("decode payload: %s", verr.Code)
	}
	return signed, nil
}

func parseHex32(s string) ([32]byte, bool) {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != 32 {
		return out, false
	}
	copy(out[:], b)
	return out, true
}
