package account

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Factory derives deterministic account identities and instantiates their
// role records on first use.
type Factory interface {
	// DeriveAddress computes the account identity for an owner and salt
	// without touching state.
	DeriveAddress(owner common.Address, salt *big.Int) common.Address
	// EnsureDeployed instantiates the account if it does not exist yet and
	// returns its identity. Calling it again with the same inputs is a
	// no-op.
	EnsureDeployed(owner common.Address, salt *big.Int) (common.Address, error)
}

// StateFactory is the in-state factory: the account identity is the keccak of
// owner and salt, and deployment means installing the owner record through
// the role policy.
type StateFactory struct {
	policy *Policy
}

// NewStateFactory constructs a factory writing through the provided policy.
func NewStateFactory(policy *Policy) *StateFactory {
	return &StateFactory{policy: policy}
}

// DeriveAddress computes keccak256(owner || salt)[12:] so equal inputs always
// map to the same identity.
func (f *StateFactory) DeriveAddress(owner common.Address, salt *big.Int) common.Address {
	saltBytes := make([]byte, 32)
	if salt != nil {
		salt.FillBytes(saltBytes)
	}
	digest := ethcrypto.Keccak256(owner.Bytes(), saltBytes)
	return common.BytesToAddress(digest[12:])
}

// EnsureDeployed installs the owner record for the derived identity if it is
// missing.
func (f *StateFactory) EnsureDeployed(owner common.Address, salt *big.Int) (common.Address, error) {
	if f == nil {
		return common.Address{}, fmt.Errorf("account: factory not initialised")
	}
	account := f.DeriveAddress(owner, salt)
	err := f.policy.InitOwner(account, owner)
	if err != nil && err != ErrOwnerAlreadySet {
		return common.Address{}, err
	}
	return account, nil
}
