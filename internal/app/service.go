/**
 * @description
 * This file contains the core business logic for the relay service. The
 * `Service` struct orchestrates all transfer execution, coordinating between
 * the database repository, the chain client, and the message broker.
 *
 * Key features:
 * - Implements the relay execution pipeline for signed transfer authorizations.
 * - Enforces exactly-once execution with a durable used-authorization marker.
 * - Ensures auditability by creating and updating records in the `transfers` table.
 * - Publishes settlement events to RabbitMQ for external monitoring.
 *
 * @dependencies
 * - context, fmt, log, time: Standard Go libraries.
 * - github.com/ethereum/go-ethereum: Addresses, transact opts, settlement results.
 * - internal/authz, internal/domain, internal/relayer, internal/store: Core packages.
 * - pkg/chainclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/xkonjin/relay-service/internal/authz"
	"github.com/xkonjin/relay-service/internal/domain"
	"github.com/xkonjin/relay-service/internal/relayer"
	"github.com/xkonjin/relay-service/internal/store"
	"github.com/xkonjin/relay-service/pkg/chainclient"
	"github.com/xkonjin/relay-service/pkg/rabbitmq"
)

// Chain is the on-chain collaborator the service depends on. chainclient.Client
// implements it against a live node; tests substitute a fake.
type Chain interface {
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	SubmitTransferWithAuthorization(ctx context.Context, opts *bind.TransactOpts, signed *domain.SignedAuthorization) (common.Hash, error)
	SubmitTransfer(ctx context.Context, opts *bind.TransactOpts, to common.Address, amount *big.Int) (common.Hash, error)
	SubmitApprove(ctx context.Context, opts *bind.TransactOpts, spender common.Address, amount *big.Int) (common.Hash, error)
	SubmitSwapForGas(ctx context.Context, opts *bind.TransactOpts, recipient common.Address, amountIn, minOut *big.Int, deadline time.Time) (common.Hash, error)
	WaitForSettlement(ctx context.Context, txHash common.Hash, timeout time.Duration) (*chainclient.SettlementResult, error)
	SettlementStatus(ctx context.Context, txHash common.Hash) (*chainclient.SettlementResult, error)
}

// ServiceConfig carries the tunables the service needs from configuration.
type ServiceConfig struct {
	DomainParams      authz.DomainParams
	Bounds            authz.Bounds
	SettlementTimeout time.Duration
	MinGasBalance     *big.Int
	ClaimExpiry       time.Duration
}

// Service provides the core business logic for relayed transfers and claims.
type Service struct {
	repo          store.Repository
	chain         Chain
	relayAccount  *relayer.Account
	escrowAccount *relayer.Account
	eventProducer rabbitmq.Publisher
	cfg           ServiceConfig
}

// NewService creates a new relay service instance.
func NewService(repo store.Repository, chain Chain, relayAccount, escrowAccount *relayer.Account, producer rabbitmq.Publisher, cfg ServiceConfig) *Service {
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = 30 * time.Second
	}
	if cfg.ClaimExpiry <= 0 {
		cfg.ClaimExpiry = 24 * time.Hour
	}
	return &Service{
		repo:          repo,
		chain:         chain,
		relayAccount:  relayAccount,
		escrowAccount: escrowAccount,
		eventProducer: producer,
		cfg:           cfg,
	}
}

// EscrowAddress returns the address custody funds are held under.
func (s *Service) EscrowAddress() common.Address { return s.escrowAccount.Address() }

// RelayerAddress returns the address that pays gas for relayed transfers.
func (s *Service) RelayerAddress() common.Address { return s.relayAccount.Address() }

// DomainParams exposes the EIP-712 domain the service verifies against.
func (s *Service) DomainParams() authz.DomainParams { return s.cfg.DomainParams }

// Bounds exposes the configured per-transfer amount bounds.
func (s *Service) Bounds() authz.Bounds { return s.cfg.Bounds }

// ExecuteTransfer relays a signed authorization on-chain at the relay
// account's expense. The used-authorization marker is claimed durably before
// submission and is never released, so a given (authorizer, nonce) pair can
// move funds at most once for the lifetime of the system.
func (s *Service) ExecuteTransfer(ctx context.Context, signed *domain.SignedAuthorization) (*domain.ExecutionResult, error) {
	return s.relayAuthorization(ctx, signed, domain.TransferDirect)
}

func (s *Service) relayAuthorization(ctx context.Context, signed *domain.SignedAuthorization, kind domain.TransferKind) (*domain.ExecutionResult, error) {
	log.Printf("relayAuthorization: starting kind=%s from=%s to=%s value=%s",
		kind, signed.From.Hex(), signed.To.Hex(), signed.Value.String())

	// 1. The signature must recover to the claimed sender.
	recovered, err := authz.RecoverSigner(s.cfg.DomainParams, &signed.TransferAuthorization, signed.Signature)
	if err != nil || recovered != signed.From {
		log.Printf("relayAuthorization: signature recovery mismatch from=%s", signed.From.Hex())
		return rejected(domain.CodeInvalidSignature, "signature does not match sender"), nil
	}

	// 2. Validity window.
	if ok, code := signed.ValidAt(time.Now()); !ok {
		return rejected(code, "authorization outside its validity window"), nil
	}

	// 3. The relay account must be able to pay gas before funds are promised.
	gasBalance, err := s.chain.NativeBalance(ctx, s.relayAccount.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to read relayer gas balance: %w", err)
	}
	if s.cfg.MinGasBalance != nil && gasBalance.Cmp(s.cfg.MinGasBalance) < 0 {
		log.Printf("relayAuthorization: relayer below gas floor balance=%s", gasBalance.String())
		return rejected(domain.CodeRelayerUnderfunded, "relay temporarily unable to pay gas"), nil
	}

	// 4. The sender must hold the transfer amount.
	senderBalance, err := s.chain.TokenBalance(ctx, signed.From)
	if err != nil {
		return nil, fmt.Errorf("failed to read sender token balance: %w", err)
	}
	if senderBalance.Cmp(signed.Value) < 0 {
		return rejected(domain.CodeInsufficientFunds, "sender balance below transfer amount"), nil
	}

	// 5. Claim the (authorizer, nonce) marker. This is the exactly-once gate;
	// it is durable and is never cleared, whatever happens downstream.
	claimed, err := s.repo.MarkAuthorizationUsed(ctx, normalizeAddress(signed.From), nonceHex(signed.Nonce))
	if err != nil {
		return nil, fmt.Errorf("failed to mark authorization used: %w", err)
	}
	if !claimed {
		log.Printf("relayAuthorization: replay rejected from=%s nonce=%s", signed.From.Hex(), nonceHex(signed.Nonce))
		return rejected(domain.CodeAlreadyUsed, "authorization has already been executed"), nil
	}

	// 6. Re-check the window after the durable write; the marker stays claimed
	// even when this rejects.
	if ok, code := signed.ValidAt(time.Now()); !ok {
		return rejected(code, "authorization expired before submission"), nil
	}

	// 7. Audit ledger row before anything touches the chain.
	transfer := &domain.Transfer{
		ID:          uuid.New(),
		Kind:        kind,
		FromAddress: normalizeAddress(signed.From),
		ToAddress:   normalizeAddress(signed.To),
		Amount:      signed.Value.String(),
		Status:      domain.TransferPending,
	}
	if err := s.repo.CreateTransfer(ctx, transfer); err != nil {
		return nil, fmt.Errorf("failed to create transfer record: %w", err)
	}

	// 8. Submit from the relay account.
	opts, err := s.relayAccount.TransactOpts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build transact opts: %w", err)
	}
	txHash, err := s.chain.SubmitTransferWithAuthorization(ctx, opts, signed)
	if err != nil {
		reason := err.Error()
		if updateErr := s.repo.UpdateTransferStatus(ctx, transfer.ID, domain.TransferReverted, nil, &reason); updateErr != nil {
			log.Printf("relayAuthorization: failed to record submit failure transfer_id=%s err=%v", transfer.ID, updateErr)
		}
		log.Printf("relayAuthorization: submission failed transfer_id=%s err=%v", transfer.ID, err)
		return &domain.ExecutionResult{
			Status:  domain.ExecutionReverted,
			Code:    domain.CodeReverted,
			Message: "transaction could not be submitted",
		}, nil
	}

	return s.settleTransfer(ctx, transfer, txHash)
}

// settleTransfer waits for the submitted transaction's receipt within the
// configured timeout and classifies the outcome. On timeout the ledger row is
// marked unresolved and the reconciler owns its final state.
func (s *Service) settleTransfer(ctx context.Context, transfer *domain.Transfer, txHash common.Hash) (*domain.ExecutionResult, error) {
	hashHex := txHash.Hex()

	settlement, err := s.chain.WaitForSettlement(ctx, txHash, s.cfg.SettlementTimeout)
	if err != nil {
		if errors.Is(err, chainclient.ErrSettlementTimeout) {
			log.Printf("settleTransfer: settlement wait timed out transfer_id=%s tx=%s", transfer.ID, hashHex)
			if updateErr := s.repo.UpdateTransferStatus(ctx, transfer.ID, domain.TransferUnresolved, &hashHex, nil); updateErr != nil {
				log.Printf("settleTransfer: failed to mark transfer unresolved transfer_id=%s err=%v", transfer.ID, updateErr)
			}
			s.publishSettlement(ctx, transfer, domain.TransferUnresolved, hashHex)
			return &domain.ExecutionResult{
				Status:  domain.ExecutionTimeoutPending,
				Code:    domain.CodeTimeoutPending,
				TxHash:  hashHex,
				Message: "transaction submitted but not yet confirmed",
			}, nil
		}
		return nil, fmt.Errorf("failed to wait for settlement: %w", err)
	}

	if settlement.Status == chainclient.SettlementSuccess {
		if updateErr := s.repo.UpdateTransferStatus(ctx, transfer.ID, domain.TransferSettled, &hashHex, nil); updateErr != nil {
			log.Printf("settleTransfer: failed to mark transfer settled transfer_id=%s err=%v", transfer.ID, updateErr)
		}
		s.publishSettlement(ctx, transfer, domain.TransferSettled, hashHex)
		log.Printf("settleTransfer: settled transfer_id=%s tx=%s", transfer.ID, hashHex)
		return &domain.ExecutionResult{Status: domain.ExecutionSuccess, TxHash: hashHex}, nil
	}

	reason := "transaction reverted on-chain"
	if updateErr := s.repo.UpdateTransferStatus(ctx, transfer.ID, domain.TransferReverted, &hashHex, &reason); updateErr != nil {
		log.Printf("settleTransfer: failed to mark transfer reverted transfer_id=%s err=%v", transfer.ID, updateErr)
	}
	s.publishSettlement(ctx, transfer, domain.TransferReverted, hashHex)
	log.Printf("settleTransfer: reverted transfer_id=%s tx=%s", transfer.ID, hashHex)
	return &domain.ExecutionResult{
		Status:  domain.ExecutionReverted,
		Code:    domain.CodeReverted,
		TxHash:  hashHex,
		Message: reason,
	}, nil
}

func (s *Service) publishSettlement(ctx context.Context, transfer *domain.Transfer, status domain.TransferStatus, txHash string) {
	event := rabbitmq.SettlementEvent{
		TransferID: transfer.ID,
		Kind:       transfer.Kind,
		Status:     status,
		TxHash:     txHash,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.eventProducer.PublishSettlementEvent(ctx, event); err != nil {
		log.Printf("publishSettlement: event publish failed transfer_id=%s err=%v", transfer.ID, err)
	}
}

func rejected(code domain.ErrorCode, message string) *domain.ExecutionResult {
	return &domain.ExecutionResult{
		Status:  domain.ExecutionRejected,
		Code:    code,
		Message: message,
	}
}

func normalizeAddress(addr common.Address) string {
	return "0x" + hex.EncodeToString(addr.Bytes())
}

func nonceHex(nonce [32]byte) string {
	return "0x" + hex.EncodeToString(nonce[:])
}
