// Package entrypoint implements the dispatcher: the single trusted entity
// that validates operations against account policy, nonce, and sponsor
// funding, then settles their cost after execution.
package entrypoint

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"entrycore/core/account"
	"entrycore/core/deposit"
	"entrycore/core/events"
	"entrycore/core/nonce"
	"entrycore/core/types"
	"entrycore/core/validation"
	"entrycore/native/paymaster"
	"entrycore/observability/metrics"
)

var (
	ErrUnknownSponsor    = errors.New("entrypoint: sponsor not registered")
	ErrSignatureRejected = errors.New("entrypoint: operation signature rejected")
	ErrOutsideTimeWindow = errors.New("entrypoint: operation outside its validity window")
	ErrMalformedInitCode = errors.New("entrypoint: malformed init code")
	ErrSenderMismatch    = errors.New("entrypoint: init code does not derive the sender")
)

// Result carries the outcome of the validation phase into settlement.
type Result struct {
	OpHash         common.Hash
	ValidationData validation.Data
	Sponsor        paymaster.Sponsor
	SponsorContext []byte
	MaxCost        *big.Int
}

// EntryPoint is the dispatcher. Its address and chain id are mixed into every
// operation hash so a signature cannot be replayed against another dispatcher
// or chain.
type EntryPoint struct {
	addr      common.Address
	chainID   *big.Int
	nonces    *nonce.Ledger
	deposits  *deposit.Ledger
	validator *account.Validator
	factory   account.Factory
	sponsors  map[common.Address]paymaster.Sponsor
	clock     func() time.Time
	log       *slog.Logger
	metrics   *metrics.EntryPointMetrics
	events    events.Emitter
}

// New constructs a dispatcher. The factory may be nil when counterfactual
// deployment is not offered.
func New(addr common.Address, chainID *big.Int, nonces *nonce.Ledger, deposits *deposit.Ledger, validator *account.Validator, factory account.Factory, log *slog.Logger) *EntryPoint {
	if log == nil {
		log = slog.Default()
	}
	return &EntryPoint{
		addr:      addr,
		chainID:   new(big.Int).Set(chainID),
		nonces:    nonces,
		deposits:  deposits,
		validator: validator,
		factory:   factory,
		sponsors:  make(map[common.Address]paymaster.Sponsor),
		clock:     time.Now,
		log:       log,
		metrics:   metrics.EntryPoint(),
		events:    events.NoopEmitter{},
	}
}

// SetEventEmitter routes dispatcher events to the provided emitter.
func (ep *EntryPoint) SetEventEmitter(emitter events.Emitter) {
	if ep == nil || emitter == nil {
		return
	}
	ep.events = emitter
}

// SetClock overrides the time source (primarily for deterministic testing).
func (ep *EntryPoint) SetClock(clock func() time.Time) {
	if ep == nil || clock == nil {
		return
	}
	ep.clock = clock
}

// Address returns the dispatcher identity mixed into operation hashes.
func (ep *EntryPoint) Address() common.Address {
	return ep.addr
}

// RegisterSponsor makes a sponsor addressable from PaymasterAndData.
func (ep *EntryPoint) RegisterSponsor(s paymaster.Sponsor) {
	if ep == nil || s == nil {
		return
	}
	ep.sponsors[s.Address()] = s
}

// OperationHash computes the canonical digest accounts sign: the packed
// operation fields bound to this dispatcher and chain.
func (ep *EntryPoint) OperationHash(op *types.Operation) common.Hash {
	inner := ethcrypto.Keccak256(op.PackForSigning())
	return common.BytesToHash(ethcrypto.Keccak256(
		inner,
		ep.addr.Bytes(),
		common.BigToHash(ep.chainID).Bytes(),
	))
}

// GetNonce exposes the next acceptable nonce for the account and key.
func (ep *EntryPoint) GetNonce(acct common.Address, key *big.Int) (*big.Int, error) {
	return ep.nonces.GetNonce(acct, key)
}

// IncrementNonce lets an account burn a sequence slot out of band.
func (ep *EntryPoint) IncrementNonce(acct common.Address, key *big.Int) error {
	return ep.nonces.IncrementNonce(acct, key)
}

// DepositTo credits the principal's prepaid gas deposit.
func (ep *EntryPoint) DepositTo(principal common.Address, value *big.Int) error {
	return ep.deposits.DepositTo(principal, value)
}

// BalanceOf returns the principal's spendable deposit.
func (ep *EntryPoint) BalanceOf(principal common.Address) (*big.Int, error) {
	return ep.deposits.BalanceOf(principal)
}

// DepositInfo returns the principal's full deposit and stake record.
func (ep *EntryPoint) DepositInfo(principal common.Address) (*deposit.Info, error) {
	return ep.deposits.Info(principal)
}

// AddStake adds sponsor collateral under the supplied cooldown.
func (ep *EntryPoint) AddStake(principal common.Address, unstakeDelaySeconds uint32, amount *big.Int) error {
	return ep.deposits.AddStake(principal, unstakeDelaySeconds, amount)
}

// UnlockStake starts the stake withdrawal cooldown.
func (ep *EntryPoint) UnlockStake(principal common.Address) error {
	if err := ep.deposits.UnlockStake(principal); err != nil {
		return err
	}
	ep.metrics.ObserveStakeUnlock()
	ep.events.Emit(events.StakeUnlocked{Principal: principal})
	return nil
}

// WithdrawStake pays out an unlocked stake once its cooldown elapsed.
func (ep *EntryPoint) WithdrawStake(principal, target common.Address) error {
	if err := ep.deposits.WithdrawStake(principal, target); err != nil {
		return err
	}
	ep.metrics.ObserveStakeWithdrawal()
	ep.events.Emit(events.StakeWithdrawn{Principal: principal, Target: target})
	return nil
}

// WithdrawTo pays out part of the principal's spendable deposit.
func (ep *EntryPoint) WithdrawTo(principal, target common.Address, amount *big.Int) error {
	return ep.deposits.WithdrawTo(principal, target, amount)
}

// deployFromInitCode instantiates the sender account from its init code:
// twenty bytes of owner followed by a 32-byte salt.
func (ep *EntryPoint) deployFromInitCode(op *types.Operation) error {
	if ep.factory == nil {
		return fmt.Errorf("entrypoint: no account factory configured")
	}
	if len(op.InitCode) != 52 {
		return ErrMalformedInitCode
	}
	owner := common.BytesToAddress(op.InitCode[:20])
	salt := new(big.Int).SetBytes(op.InitCode[20:])
	derived, err := ep.factory.EnsureDeployed(owner, salt)
	if err != nil {
		return err
	}
	if derived != op.Sender {
		return ErrSenderMismatch
	}
	return nil
}

// ValidateOperation runs the full verification phase: counterfactual
// deployment, account validation, sponsor validation, and the intersection of
// both validity windows. A rejected signature or a closed window fails the
// operation before any execution happens.
func (ep *EntryPoint) ValidateOperation(op *types.Operation) (*Result, error) {
	if ep == nil {
		return nil, fmt.Errorf("entrypoint: not initialised")
	}
	if op == nil {
		return nil, fmt.Errorf("entrypoint: nil operation")
	}

	if len(op.InitCode) > 0 {
		if err := ep.deployFromInitCode(op); err != nil {
			ep.metrics.ObserveValidation("deploy_failed")
			return nil, err
		}
	}

	opHash := ep.OperationHash(op)
	maxCost := op.MaxCost()

	missingFunds := new(big.Int)
	if !op.HasSponsor() {
		balance, err := ep.deposits.BalanceOf(op.Sender)
		if err != nil {
			return nil, err
		}
		if balance.Cmp(maxCost) < 0 {
			missingFunds.Sub(maxCost, balance)
		}
	}

	accountVD, err := ep.validator.ValidateOp(ep.addr, op, opHash, missingFunds)
	if err != nil {
		if errors.Is(err, account.ErrNonceMismatch) {
			ep.metrics.ObserveNonceRejection()
		}
		ep.metrics.ObserveValidation("account_rejected")
		return nil, err
	}

	combined := accountVD
	result := &Result{OpHash: opHash, MaxCost: maxCost}
	if op.HasSponsor() {
		sponsor, ok := ep.sponsors[op.SponsorAddress()]
		if !ok {
			ep.metrics.ObserveValidation("unknown_sponsor")
			return nil, ErrUnknownSponsor
		}
		ctx, sponsorVD, err := sponsor.ValidatePayment(ep.addr, op, opHash, maxCost)
		if err != nil {
			ep.metrics.ObserveValidation("sponsor_rejected")
			return nil, fmt.Errorf("entrypoint: sponsor validation failed: %w", err)
		}
		combined = validation.Intersect(accountVD, sponsorVD)
		result.Sponsor = sponsor
		result.SponsorContext = ctx
	}

	data := validation.Unpack(combined)
	result.ValidationData = data
	if data.SigFailed() {
		ep.metrics.ObserveValidation("sig_failed")
		return nil, ErrSignatureRejected
	}
	if !data.ValidAt(ep.now()) {
		ep.metrics.ObserveValidation("outside_window")
		return nil, ErrOutsideTimeWindow
	}

	ep.metrics.ObserveValidation("ok")
	ep.events.Emit(events.OperationValidated{
		OpHash:  opHash,
		Sender:  op.Sender,
		Sponsor: op.SponsorAddress(),
		MaxCost: maxCost,
	})
	return result, nil
}

// SettleOperation runs the sponsor's settlement for the given mode. When the
// sponsor's own settlement path errors, the dispatcher retries exactly once
// in the reverted-settlement mode; a failure of that retry is final.
func (ep *EntryPoint) SettleOperation(result *Result, mode paymaster.SettleMode, actualCost *big.Int) error {
	if ep == nil {
		return fmt.Errorf("entrypoint: not initialised")
	}
	if result == nil || result.Sponsor == nil {
		return nil
	}
	err := result.Sponsor.Settle(mode, result.SponsorContext, actualCost)
	if err == nil {
		ep.metrics.ObserveSettlement(mode.String())
		ep.events.Emit(events.OperationSettled{
			OpHash:     result.OpHash,
			Sponsor:    result.Sponsor.Address(),
			Mode:       mode.String(),
			ActualCost: actualCost,
		})
		return nil
	}
	if mode == paymaster.SettleSettlementReverted {
		return err
	}
	ep.log.Warn("sponsor settlement reverted, retrying in fallback mode",
		slog.String("sponsor", result.Sponsor.Address().Hex()),
		slog.String("error", err.Error()))
	ep.metrics.ObserveFallbackSettlement()
	if err := result.Sponsor.Settle(paymaster.SettleSettlementReverted, result.SponsorContext, actualCost); err != nil {
		return fmt.Errorf("entrypoint: fallback settlement failed: %w", err)
	}
	ep.metrics.ObserveSettlement(paymaster.SettleSettlementReverted.String())
	ep.events.Emit(events.OperationSettled{
		OpHash:     result.OpHash,
		Sponsor:    result.Sponsor.Address(),
		Mode:       paymaster.SettleSettlementReverted.String(),
		ActualCost: actualCost,
		Fallback:   true,
	})
	return nil
}

// HandleOperation is the end-to-end flow for a single operation: validate,
// execute, settle. The execute callback returns the actual cost consumed and
// whether execution reverted; an execution revert still settles, it only
// changes the mode the sponsor sees.
func (ep *EntryPoint) HandleOperation(op *types.Operation, execute func() (*big.Int, error)) error {
	result, err := ep.ValidateOperation(op)
	if err != nil {
		return err
	}
	if execute == nil {
		return nil
	}
	actualCost, execErr := execute()
	mode := paymaster.SettleSucceeded
	if execErr != nil {
		mode = paymaster.SettleReverted
		ep.log.Info("operation execution reverted",
			slog.String("account", op.Sender.Hex()),
			slog.String("error", execErr.Error()))
	}
	return ep.SettleOperation(result, mode, actualCost)
}

func (ep *EntryPoint) now() uint64 {
	now := ep.clock().UTC().Unix()
	if now < 0 {
		return 0
	}
	return uint64(now)
}
