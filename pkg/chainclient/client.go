/**
 * @description
 * This package provides the client for the external chain collaborator. It
 * wraps an EVM JSON-RPC endpoint and exposes exactly the operations the
 * relay needs: balance reads, submission of token state changes
 * (transferWithAuthorization, transfer, approve, gas swap) and bounded
 * settlement waits.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum/ethclient: JSON-RPC client.
 * - github.com/ethereum/go-ethereum/accounts/abi, abi/bind: contract calls.
 *
 * @notes
 * - A settlement wait that exceeds its timeout surfaces ErrSettlementTimeout.
 *   The transaction may still land afterwards; callers must reconcile via
 *   SettlementStatus before any resubmission.
 */

package chainclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/xkonjin/relay-service/internal/domain"
)

// Minimal ABI fragments for the stablecoin token and the swap router. Only
// the entry points the relay actually uses are declared.
const tokenABIJSON = `[
	{"name":"transferWithAuthorization","type":"function","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]},
	{"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const routerABIJSON = `[
	{"name":"swapExactTokensForETH","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

// ErrSettlementTimeout marks a settlement wait that gave up before a receipt
// appeared. It does not mean the transaction failed.
var ErrSettlementTimeout = errors.New("chainclient: settlement wait timed out")

// receiptPollInterval controls how often a settlement wait re-queries the node.
const receiptPollInterval = 2 * time.Second

// SettlementStatus classifies a transaction's terminal state.
type SettlementStatus string

const (
	SettlementSuccess  SettlementStatus = "success"
	SettlementReverted SettlementStatus = "reverted"
	SettlementPending  SettlementStatus = "pending"
)

// SettlementResult describes the observed settlement of a submitted
// transaction.
type SettlementResult struct {
	Status      SettlementStatus
	TxHash      common.Hash
	GasUsed     uint64
	BlockNumber *big.Int
}

// Client talks to the chain collaborator.
type Client struct {
	eth           *ethclient.Client
	token         common.Address
	router        common.Address
	wrappedNative common.Address
	tokenBound    *bind.BoundContract
	routerBound   *bind.BoundContract
}

// NewClient dials the RPC endpoint and binds the token and router contracts.
func NewClient(rpcURL string, token, router, wrappedNative common.Address) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	tokenABI, err := abi.JSON(strings.NewReader(tokenABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}
	routerABI, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}

	return &Client{
		eth:           eth,
		token:         token,
		router:        router,
		wrappedNative: wrappedNative,
		tokenBound:    bind.NewBoundContract(token, tokenABI, eth, eth, eth),
		routerBound:   bind.NewBoundContract(router, routerABI, eth, eth, eth),
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// NativeBalance reads the native gas balance of an account.
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.eth.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("read native balance: %w", err)
	}
	return balance, nil
}

// TokenBalance reads the stablecoin balance of an account.
func (c *Client) TokenBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.tokenBound.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", account); err != nil {
		return nil, fmt.Errorf("read token balance: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// Allowance reads the router spending approval granted by owner.
func (c *Client) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.tokenBound.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", owner, spender); err != nil {
		return nil, fmt.Errorf("read allowance: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// SubmitTransferWithAuthorization submits the signed authorization to the
// token contract from the relay's funded account.
func (c *Client) SubmitTransferWithAuthorization(ctx context.Context, opts *bind.TransactOpts, signed *domain.SignedAuthorization) (common.Hash, error) {
	opts.Context = ctx
	tx, err := c.tokenBound.Transact(opts, "transferWithAuthorization",
		signed.From, signed.To, signed.Value, signed.ValidAfter, signed.ValidBefore,
		signed.Nonce, signed.Signature.V, signed.Signature.R, signed.Signature.S,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("submit transferWithAuthorization: %w", err)
	}
	return tx.Hash(), nil
}

// SubmitTransfer submits a plain token transfer (used for escrow payouts).
func (c *Client) SubmitTransfer(ctx context.Context, opts *bind.TransactOpts, to common.Address, amount *big.Int) (common.Hash, error) {
	opts.Context = ctx
	tx, err := c.tokenBound.Transact(opts, "transfer", to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("submit transfer: %w", err)
	}
	return tx.Hash(), nil
}

// SubmitApprove grants the swap router spending approval over the token.
func (c *Client) SubmitApprove(ctx context.Context, opts *bind.TransactOpts, spender common.Address, amount *big.Int) (common.Hash, error) {
	opts.Context = ctx
	tx, err := c.tokenBound.Transact(opts, "approve", spender, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("submit approve: %w", err)
	}
	return tx.Hash(), nil
}

// SubmitSwapForGas swaps stablecoin for native gas through the router with an
// explicit deadline. The path is token → wrapped native.
func (c *Client) SubmitSwapForGas(ctx context.Context, opts *bind.TransactOpts, recipient common.Address, amountIn, minOut *big.Int, deadline time.Time) (common.Hash, error) {
	opts.Context = ctx
	path := []common.Address{c.token, c.wrappedNative}
	tx, err := c.routerBound.Transact(opts, "swapExactTokensForETH",
		amountIn, minOut, path, recipient, big.NewInt(deadline.Unix()),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("submit swap: %w", err)
	}
	return tx.Hash(), nil
}

// WaitForSettlement polls for the transaction receipt until it appears or the
// timeout elapses. On timeout it returns ErrSettlementTimeout; the
// transaction may still land later.
func (c *Client) WaitForSettlement(ctx context.Context, txHash common.Hash, timeout time.Duration) (*SettlementResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		result, err := c.SettlementStatus(waitCtx, txHash)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrSettlementTimeout
			}
			return nil, err
		}
		if result.Status != SettlementPending {
			return result, nil
		}

		select {
		case <-waitCtx.Done():
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				return nil, ErrSettlementTimeout
			}
			return nil, waitCtx.Err()
		case <-ticker.C:
		}
	}
}

// SettlementStatus re-queries the node for a transaction's receipt. Used by
// the reconciler to resolve transfers whose settlement wait timed out.
func (c *Client) SettlementStatus(ctx context.Context, txHash common.Hash) (*SettlementResult, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &SettlementResult{Status: SettlementPending, TxHash: txHash}, nil
		}
		return nil, fmt.Errorf("read receipt: %w", err)
	}

	status := SettlementReverted
	if receipt.Status == types.ReceiptStatusSuccessful {
		status = SettlementSuccess
	}
	return &SettlementResult{
		Status:      status,
		TxHash:      txHash,
		GasUsed:     receipt.GasUsed,
		BlockNumber: receipt.BlockNumber,
	}, nil
}
