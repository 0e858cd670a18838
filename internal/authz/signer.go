/**
 * @description
 * Signing capability abstraction for EIP-712 typed data. The relay, the
 * escrow account, and test fixtures all implement Signer; key custody can be
 * swapped (raw key, hardware, custodial) without touching the codec or the
 * relay executor.
 */

package authz

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer is an abstract signing capability over EIP-712 typed data.
type Signer interface {
	// SignTypedData returns the 65-byte (r, s, v) signature over the typed
	// data digest, with v normalized to 27/28.
	SignTypedData(ctx context.Context, typedData apitypes.TypedData) ([]byte, error)

	// Address returns the account the signatures recover to.
	Address() common.Address
}
