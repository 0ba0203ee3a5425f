package account

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"entrycore/core/types"
	"entrycore/core/validation"
	"entrycore/observability/logging"
)

// NonceSource is the slice of the nonce ledger the validation flow consumes.
type NonceSource interface {
	ValidateAndConsume(account common.Address, nonce *big.Int) (bool, error)
}

// Prefunder tops up the dispatcher's deposit on the account's behalf when the
// account has not prepaid enough to cover the operation's maximum cost.
type Prefunder interface {
	Prefund(account common.Address, amount *big.Int) error
}

var (
	ErrNotFromDispatcher = errors.New("account: validation must come from the dispatcher")
	ErrNonceMismatch     = errors.New("account: invalid nonce")
)

// Validator runs the account-side validation phase of an operation: caller
// gate, signature check, nonce consumption, and prefund top-up.
type Validator struct {
	policy     *Policy
	nonces     NonceSource
	prefund    Prefunder
	dispatcher common.Address
	log        *slog.Logger
}

// NewValidator constructs the validation flow. The prefunder may be nil when
// every operation is sponsor-paid.
func NewValidator(policy *Policy, nonces NonceSource, prefund Prefunder, dispatcher common.Address, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{policy: policy, nonces: nonces, prefund: prefund, dispatcher: dispatcher, log: log}
}

// ValidateOp performs account validation for the operation.
//
// A wrong signature is a soft failure: the flow completes, the nonce is still
// consumed, and the returned record carries the signature-failure sentinel so
// the dispatcher can decide whether to drop or charge the operation. A nonce
// mismatch or an unauthorized caller is fatal and aborts the operation
// outright.
func (v *Validator) ValidateOp(caller common.Address, op *types.Operation, opHash common.Hash, missingFunds *big.Int) (*uint256.Int, error) {
	if v == nil {
		return nil, fmt.Errorf("account: validator not initialised")
	}
	if op == nil {
		return nil, fmt.Errorf("account: nil operation")
	}
	if caller != v.dispatcher {
		return nil, ErrNotFromDispatcher
	}

	sigOK, err := v.policy.CheckSignature(op.Sender, opHash.Bytes(), op.Signature)
	if err != nil {
		return nil, err
	}
	if !sigOK {
		v.log.Info("operation signature rejected",
			slog.String("account", op.Sender.Hex()),
			logging.MaskBytes("signature", op.Signature))
	}

	ok, err := v.nonces.ValidateAndConsume(op.Sender, op.Nonce)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNonceMismatch
	}

	if missingFunds != nil && missingFunds.Sign() > 0 && v.prefund != nil {
		// Best effort: a failed top-up is the dispatcher's problem to
		// surface later, not a validation failure.
		if err := v.prefund.Prefund(op.Sender, missingFunds); err != nil {
			v.log.Warn("prefund top-up failed",
				slog.String("account", op.Sender.Hex()),
				slog.String("missing", missingFunds.String()),
				slog.String("error", err.Error()))
		}
	}

	return validation.PackFailure(!sigOK, 0, 0)
}
