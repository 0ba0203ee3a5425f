package account

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Call is a single outbound call an account wants performed.
type Call struct {
	Target  common.Address
	Value   *big.Int
	Payload []byte
}

// CallExecutor performs the actual value-and-payload call on behalf of an
// account. The execution environment supplies it; this package only enforces
// who may trigger it.
type CallExecutor interface {
	Call(from, target common.Address, value *big.Int, payload []byte) error
}

// Executor routes execution requests through the role policy's execution gate
// before handing them to the call backend.
type Executor struct {
	policy *Policy
	calls  CallExecutor
}

// NewExecutor binds the execution gate to a call backend.
func NewExecutor(policy *Policy, calls CallExecutor) *Executor {
	return &Executor{policy: policy, calls: calls}
}

// Execute performs a single call from the account after the caller passes the
// execution gate.
func (e *Executor) Execute(caller, account common.Address, call Call) error {
	if e == nil {
		return fmt.Errorf("account: executor not initialised")
	}
	if err := e.policy.AuthorizeExecution(caller, account); err != nil {
		return err
	}
	return e.calls.Call(account, call.Target, call.Value, call.Payload)
}

// ExecuteBatch performs the calls in order, stopping at the first failure.
// The gate is checked once for the whole batch.
func (e *Executor) ExecuteBatch(caller, account common.Address, calls []Call) error {
	if e == nil {
		return fmt.Errorf("account: executor not initialised")
	}
	if err := e.policy.AuthorizeExecution(caller, account); err != nil {
		return err
	}
	for i, call := range calls {
		if err := e.calls.Call(account, call.Target, call.Value, call.Payload); err != nil {
			return fmt.Errorf("account: batch call %d failed: %w", i, err)
		}
	}
	return nil
}
