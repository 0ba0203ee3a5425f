// Package account implements per-account role records and the validation flow
// they gate. Every account has a single owner plus optional signer and
// maintainer sets; mutations to those sets are restricted to the owner or the
// account itself, while execution is additionally open to the dispatcher and
// registered operators.
package account

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"entrycore/crypto"
)

// Storage abstracts the subset of state manager functionality required by the
// role policy.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVRemove(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// OperatorRegistry answers whether an identity holds module-wide operator
// privileges. Operators may trigger execution on any account but can never
// mutate its role records.
type OperatorRegistry interface {
	IsOperator(addr common.Address) bool
}

var (
	ownerPrefix      = []byte("acct/owner/")
	signerPrefix     = []byte("acct/signer/")
	maintainerPrefix = []byte("acct/maintainer/")
)

var (
	ErrNotAuthorized   = errors.New("account: caller not authorized")
	ErrOwnerAlreadySet = errors.New("account: owner already initialised")
	ErrZeroOwner       = errors.New("account: owner must not be the zero address")
	ErrNoOwner         = errors.New("account: owner not initialised")
)

// Policy reads and mutates the role records of accounts.
type Policy struct {
	store      Storage
	operators  OperatorRegistry
	dispatcher common.Address
}

// NewPolicy constructs a role policy. The operator registry may be nil, in
// which case no identity holds operator privileges.
func NewPolicy(store Storage, operators OperatorRegistry, dispatcher common.Address) *Policy {
	return &Policy{store: store, operators: operators, dispatcher: dispatcher}
}

func roleKey(prefix []byte, account common.Address) []byte {
	buf := make([]byte, len(prefix)+len(account))
	copy(buf, prefix)
	copy(buf[len(prefix):], account.Bytes())
	return buf
}

// Owner returns the account's owner. The boolean reports whether the owner
// record exists.
func (p *Policy) Owner(account common.Address) (common.Address, bool, error) {
	if p == nil {
		return common.Address{}, false, fmt.Errorf("account: policy not initialised")
	}
	var raw []byte
	ok, err := p.store.KVGet(roleKey(ownerPrefix, account), &raw)
	if err != nil {
		return common.Address{}, false, err
	}
	if !ok {
		return common.Address{}, false, nil
	}
	return common.BytesToAddress(raw), true, nil
}

// InitOwner installs the first owner of an account. It can only run once per
// account; subsequent ownership changes go through SetOwner.
func (p *Policy) InitOwner(account, owner common.Address) error {
	if p == nil {
		return fmt.Errorf("account: policy not initialised")
	}
	if owner == (common.Address{}) {
		return ErrZeroOwner
	}
	_, exists, err := p.Owner(account)
	if err != nil {
		return err
	}
	if exists {
		return ErrOwnerAlreadySet
	}
	return p.store.KVPut(roleKey(ownerPrefix, account), owner.Bytes())
}

// authorizeMutation enforces the owner-or-self gate shared by every role
// mutation.
func (p *Policy) authorizeMutation(caller, account common.Address) error {
	owner, exists, err := p.Owner(account)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNoOwner
	}
	if caller == owner || caller == account {
		return nil
	}
	return ErrNotAuthorized
}

// SetOwner replaces the account's owner. Only the current owner or the
// account itself may call it.
func (p *Policy) SetOwner(caller, account, newOwner common.Address) error {
	if p == nil {
		return fmt.Errorf("account: policy not initialised")
	}
	if newOwner == (common.Address{}) {
		return ErrZeroOwner
	}
	if err := p.authorizeMutation(caller, account); err != nil {
		return err
	}
	return p.store.KVPut(roleKey(ownerPrefix, account), newOwner.Bytes())
}

func (p *Policy) roleList(prefix []byte, account common.Address) ([]common.Address, error) {
	var raw [][]byte
	if err := p.store.KVGetList(roleKey(prefix, account), &raw); err != nil {
		return nil, err
	}
	members := make([]common.Address, 0, len(raw))
	for _, b := range raw {
		members = append(members, common.BytesToAddress(b))
	}
	return members, nil
}

func (p *Policy) holdsRole(prefix []byte, account, candidate common.Address) (bool, error) {
	members, err := p.roleList(prefix, account)
	if err != nil {
		return false, err
	}
	for _, member := range members {
		if member == candidate {
			return true, nil
		}
	}
	return false, nil
}

// Signers returns the account's registered signer set.
func (p *Policy) Signers(account common.Address) ([]common.Address, error) {
	if p == nil {
		return nil, fmt.Errorf("account: policy not initialised")
	}
	return p.roleList(signerPrefix, account)
}

// Maintainers returns the account's registered maintainer set.
func (p *Policy) Maintainers(account common.Address) ([]common.Address, error) {
	if p == nil {
		return nil, fmt.Errorf("account: policy not initialised")
	}
	return p.roleList(maintainerPrefix, account)
}

// AddSigner registers a signer for the account, gated to the owner or the
// account itself.
func (p *Policy) AddSigner(caller, account, signer common.Address) error {
	if p == nil {
		return fmt.Errorf("account: policy not initialised")
	}
	if err := p.authorizeMutation(caller, account); err != nil {
		return err
	}
	return p.store.KVAppend(roleKey(signerPrefix, account), signer.Bytes())
}

// RemoveSigner drops a signer from the account's set under the same gate.
func (p *Policy) RemoveSigner(caller, account, signer common.Address) error {
	if p == nil {
		return fmt.Errorf("account: policy not initialised")
	}
	if err := p.authorizeMutation(caller, account); err != nil {
		return err
	}
	return p.store.KVRemove(roleKey(signerPrefix, account), signer.Bytes())
}

// AddMaintainer registers a maintainer for the account, gated to the owner or
// the account itself.
func (p *Policy) AddMaintainer(caller, account, maintainer common.Address) error {
	if p == nil {
		return fmt.Errorf("account: policy not initialised")
	}
	if err := p.authorizeMutation(caller, account); err != nil {
		return err
	}
	return p.store.KVAppend(roleKey(maintainerPrefix, account), maintainer.Bytes())
}

// RemoveMaintainer drops a maintainer from the account's set under the same
// gate.
func (p *Policy) RemoveMaintainer(caller, account, maintainer common.Address) error {
	if p == nil {
		return fmt.Errorf("account: policy not initialised")
	}
	if err := p.authorizeMutation(caller, account); err != nil {
		return err
	}
	return p.store.KVRemove(roleKey(maintainerPrefix, account), maintainer.Bytes())
}

// IsMaintainer reports whether the candidate is in the account's maintainer
// set.
func (p *Policy) IsMaintainer(account, candidate common.Address) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("account: policy not initialised")
	}
	return p.holdsRole(maintainerPrefix, account, candidate)
}

// IsSigner reports whether the candidate is in the account's signer set.
func (p *Policy) IsSigner(account, candidate common.Address) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("account: policy not initialised")
	}
	return p.holdsRole(signerPrefix, account, candidate)
}

// AuthorizeExecution enforces the execution gate: the dispatcher, the owner,
// a registered operator, a maintainer, or the account itself may trigger
// execution. Everyone else is rejected with ErrNotAuthorized.
func (p *Policy) AuthorizeExecution(caller, account common.Address) error {
	if p == nil {
		return fmt.Errorf("account: policy not initialised")
	}
	if caller == p.dispatcher || caller == account {
		return nil
	}
	owner, exists, err := p.Owner(account)
	if err != nil {
		return err
	}
	if exists && caller == owner {
		return nil
	}
	if p.operators != nil && p.operators.IsOperator(caller) {
		return nil
	}
	maintainer, err := p.IsMaintainer(account, caller)
	if err != nil {
		return err
	}
	if maintainer {
		return nil
	}
	return ErrNotAuthorized
}

// CheckSignature verifies a 65-byte signature over the operation digest
// against the account's owner. A malformed or mismatched signature reports
// false without error so callers can encode it as a soft failure; only
// storage problems surface as errors.
func (p *Policy) CheckSignature(account common.Address, digest, sig []byte) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("account: policy not initialised")
	}
	owner, exists, err := p.Owner(account)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	signer, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return false, nil
	}
	return signer == owner, nil
}
