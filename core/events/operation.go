package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// TypeOperationValidated indicates an operation passed the full
	// verification phase.
	TypeOperationValidated = "op.validated"
	// TypeOperationSettled indicates a sponsor settled an operation's cost.
	TypeOperationSettled = "op.settled"
	// TypeStakeUnlocked indicates a stake entered its withdrawal cooldown.
	TypeStakeUnlocked = "stake.unlocked"
	// TypeStakeWithdrawn indicates an unlocked stake was paid out.
	TypeStakeWithdrawn = "stake.withdrawn"
)

// OperationValidated captures a successful verification phase.
type OperationValidated struct {
	OpHash  common.Hash
	Sender  common.Address
	Sponsor common.Address
	MaxCost *big.Int
}

// EventType satisfies the events.Event interface.
func (OperationValidated) EventType() string { return TypeOperationValidated }

// OperationSettled captures a completed sponsor settlement.
type OperationSettled struct {
	OpHash     common.Hash
	Sponsor    common.Address
	Mode       string
	ActualCost *big.Int
	Fallback   bool
}

// EventType satisfies the events.Event interface.
func (OperationSettled) EventType() string { return TypeOperationSettled }

// StakeUnlocked captures the start of a stake withdrawal cooldown.
type StakeUnlocked struct {
	Principal common.Address
}

// EventType satisfies the events.Event interface.
func (StakeUnlocked) EventType() string { return TypeStakeUnlocked }

// StakeWithdrawn captures a completed stake payout.
type StakeWithdrawn struct {
	Principal common.Address
	Target    common.Address
}

// EventType satisfies the events.Event interface.
func (StakeWithdrawn) EventType() string { return TypeStakeWithdrawn }
