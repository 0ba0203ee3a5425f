// Package paymaster implements sponsored settlement: a sponsor validates that
// it is willing to pay for an operation before execution, then settles the
// actual cost afterwards. Settlement runs in two modes plus one mandatory
// fallback: when the sponsor's own settlement path reverts, the dispatcher
// retries exactly once in the reverted-settlement mode, which must draw on
// funds the sponsor verified up front.
package paymaster

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"entrycore/core/types"
)

// SettleMode describes the outcome the sponsor is settling for.
type SettleMode uint8

const (
	// SettleSucceeded settles an operation whose execution completed.
	SettleSucceeded SettleMode = iota
	// SettleReverted settles an operation whose execution reverted; the
	// sponsor still owes the gas cost.
	SettleReverted
	// SettleSettlementReverted is the single mandatory retry after the
	// sponsor's own settlement raised an error. It must not fail for lack
	// of funds the sponsor already verified.
	SettleSettlementReverted
)

func (m SettleMode) String() string {
	switch m {
	case SettleSucceeded:
		return "succeeded"
	case SettleReverted:
		return "reverted"
	case SettleSettlementReverted:
		return "settlement-reverted"
	default:
		return "unknown"
	}
}

var (
	ErrNotFromDispatcher     = errors.New("paymaster: settlement must come from the dispatcher")
	ErrInsufficientFunds     = errors.New("paymaster: payer funds below required amount")
	ErrDepositLocked         = errors.New("paymaster: deposit must be unlocked before withdrawal")
	ErrDepositUnlocked       = errors.New("paymaster: deposit is unlocked and cannot back new operations")
	ErrMalformedContext      = errors.New("paymaster: malformed settlement context")
	ErrFallbackShortfall     = errors.New("paymaster: verified deposit cannot cover fallback settlement")
	ErrZeroExchangeRate      = errors.New("paymaster: exchange rate must be positive")
	ErrNothingToWithdraw     = errors.New("paymaster: withdraw amount exceeds balance")
	ErrUnsupportedSettleMode = errors.New("paymaster: unsupported settle mode")
)

// Storage abstracts the subset of state manager functionality the sponsors
// persist their books in.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Sponsor is a registered paymaster. ValidatePayment runs during the
// verification phase and returns an opaque context that Settle receives
// verbatim after execution.
type Sponsor interface {
	Address() common.Address
	ValidatePayment(caller common.Address, op *types.Operation, opHash common.Hash, maxCost *big.Int) ([]byte, *uint256.Int, error)
	Settle(mode SettleMode, context []byte, actualCost *big.Int) error
}
