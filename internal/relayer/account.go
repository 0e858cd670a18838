/**
 * @description
 * This package encapsulates a funded relay account as a single owned
 * resource: its key, its address, its transaction-signing capability, and
 * its EIP-712 signing capability. Both the relay executor and the gas keeper
 * receive an *Account explicitly instead of reading ambient process state,
 * which keeps tests with multiple simulated relay identities straightforward.
 *
 * @notes
 * - Key material never leaves this package. Malformed keys are rejected with
 *   the opaque domain.ErrInvalidKey carrying no detail about the value.
 */

package relayer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/xkonjin/relay-service/internal/domain"
)

// Account is a relay-controlled funded account.
type Account struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// NewAccountFromKey builds an account from a hex-encoded private key. The
// only error it ever returns for bad key material is domain.ErrInvalidKey.
func NewAccountFromKey(privateKeyHex string, chainID *big.Int) (*Account, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, domain.ErrInvalidKey
	}
	return &Account{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

// Address returns the account address.
func (a *Account) Address() common.Address { return a.address }

// ChainID returns the chain the account transacts on.
func (a *Account) ChainID() *big.Int { return a.chainID }

// TransactOpts returns signing options for submitting transactions from this
// account, bound to ctx for cancellation.
func (a *Account) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(a.key, a.chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// SignTypedData implements authz.Signer with the account key. The returned
// signature has v normalized to 27/28.
func (a *Account) SignTypedData(_ context.Context, typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}

	raw := append([]byte{0x19, 0x01}, append(domainSeparator, structHash...)...)
	digest := crypto.Keccak256(raw)

	sig, err := crypto.Sign(digest, a.key)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
