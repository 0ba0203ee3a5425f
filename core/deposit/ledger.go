// Package deposit implements the deposit and stake ledger backing operation
// prefunding and sponsor collateral. A principal's deposit is spendable at any
// time; its stake is collateral released only through a two-step unlock with a
// mandatory cooldown, so a misbehaving sponsor cannot exit instantly.
package deposit

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Storage abstracts the subset of state manager functionality required by the
// deposit ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Transferor moves native value out of the pooled funds the ledger accounts
// for. A failed transfer must leave no trace in the ledger, so callers invoke
// it before persisting any mutation.
type Transferor interface {
	Transfer(to common.Address, amount *big.Int) error
}

var recordPrefix = []byte("deposit/record/")

// MaxBalance caps both the deposit and the stake of a principal at 2^112-1.
// Crossing it is a hard failure, never a wraparound.
var MaxBalance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 112), big.NewInt(1))

const maxWithdrawTime = uint64(1)<<48 - 1

var (
	ErrBalanceOverflow     = errors.New("deposit: balance exceeds 2^112-1")
	ErrStakeOverflow       = errors.New("deposit: stake exceeds 2^112-1")
	ErrZeroUnstakeDelay    = errors.New("deposit: must specify unstake delay")
	ErrDelayDecrease       = errors.New("deposit: cannot decrease unstake delay")
	ErrZeroStake           = errors.New("deposit: no stake specified")
	ErrNoStake             = errors.New("deposit: no stake to withdraw")
	ErrNotStaked           = errors.New("deposit: not staked")
	ErrAlreadyUnlocking    = errors.New("deposit: already unstaking")
	ErrUnlockNotRequested  = errors.New("deposit: must call unlockStake first")
	ErrCooldownActive      = errors.New("deposit: stake withdrawal is not due")
	ErrInsufficientDeposit = errors.New("deposit: withdraw amount exceeds deposit")
	ErrNegativeAmount      = errors.New("deposit: negative amount")
)

// Info is a principal's deposit and stake record.
type Info struct {
	Deposit             *big.Int
	Staked              bool
	Stake               *big.Int
	UnstakeDelaySeconds uint32
	WithdrawTime        uint64
}

// Clone returns a deep copy of the record.
func (i *Info) Clone() *Info {
	if i == nil {
		return nil
	}
	clone := &Info{
		Staked:              i.Staked,
		UnstakeDelaySeconds: i.UnstakeDelaySeconds,
		WithdrawTime:        i.WithdrawTime,
		Deposit:             big.NewInt(0),
		Stake:               big.NewInt(0),
	}
	if i.Deposit != nil {
		clone.Deposit = new(big.Int).Set(i.Deposit)
	}
	if i.Stake != nil {
		clone.Stake = new(big.Int).Set(i.Stake)
	}
	return clone
}

func ensureDefaults(info *Info) {
	if info.Deposit == nil {
		info.Deposit = big.NewInt(0)
	}
	if info.Stake == nil {
		info.Stake = big.NewInt(0)
	}
}

// Ledger persists deposit and stake records in the underlying state.
type Ledger struct {
	store    Storage
	transfer Transferor
	clock    func() time.Time
}

// NewLedger constructs a ledger bound to the provided storage backend and
// transfer primitive.
func NewLedger(store Storage, transfer Transferor) *Ledger {
	return &Ledger{store: store, transfer: transfer, clock: time.Now}
}

// SetClock overrides the time source (primarily for deterministic testing).
func (l *Ledger) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

func recordKey(principal common.Address) []byte {
	buf := make([]byte, len(recordPrefix)+len(principal))
	copy(buf, recordPrefix)
	copy(buf[len(recordPrefix):], principal.Bytes())
	return buf
}

// Info retrieves the record for the principal, returning an empty record when
// none exists yet; records are created implicitly on first deposit or stake.
func (l *Ledger) Info(principal common.Address) (*Info, error) {
	if l == nil {
		return nil, fmt.Errorf("deposit: ledger not initialised")
	}
	var stored Info
	ok, err := l.store.KVGet(recordKey(principal), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Info{Deposit: big.NewInt(0), Stake: big.NewInt(0)}, nil
	}
	ensureDefaults(&stored)
	return stored.Clone(), nil
}

// BalanceOf returns the spendable deposit of the principal.
func (l *Ledger) BalanceOf(principal common.Address) (*big.Int, error) {
	info, err := l.Info(principal)
	if err != nil {
		return nil, err
	}
	return info.Deposit, nil
}

func (l *Ledger) put(principal common.Address, info *Info) error {
	ensureDefaults(info)
	return l.store.KVPut(recordKey(principal), info)
}

// IncrementDeposit credits the principal's deposit with a checked add and
// returns the new balance.
func (l *Ledger) IncrementDeposit(principal common.Address, amount *big.Int) (*big.Int, error) {
	if l == nil {
		return nil, fmt.Errorf("deposit: ledger not initialised")
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	info, err := l.Info(principal)
	if err != nil {
		return nil, err
	}
	next := new(big.Int).Add(info.Deposit, amount)
	if next.Cmp(MaxBalance) > 0 {
		return nil, ErrBalanceOverflow
	}
	info.Deposit = next
	if err := l.put(principal, info); err != nil {
		return nil, err
	}
	return new(big.Int).Set(next), nil
}

// DepositTo is the externally callable deposit entry point: the credited
// amount is exactly the value that accompanied the call.
func (l *Ledger) DepositTo(principal common.Address, value *big.Int) error {
	_, err := l.IncrementDeposit(principal, value)
	return err
}

// AddStake adds collateral under the supplied cooldown. The delay may never
// decrease for a principal, and staking while an unlock is pending cancels
// that unlock and re-arms from scratch.
func (l *Ledger) AddStake(principal common.Address, unstakeDelaySeconds uint32, amount *big.Int) error {
	if l == nil {
		return fmt.Errorf("deposit: ledger not initialised")
	}
	if unstakeDelaySeconds == 0 {
		return ErrZeroUnstakeDelay
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	info, err := l.Info(principal)
	if err != nil {
		return err
	}
	if unstakeDelaySeconds < info.UnstakeDelaySeconds {
		return ErrDelayDecrease
	}
	next := new(big.Int).Add(info.Stake, amount)
	if next.Sign() == 0 {
		return ErrZeroStake
	}
	if next.Cmp(MaxBalance) > 0 {
		return ErrStakeOverflow
	}
	info.Stake = next
	info.Staked = true
	info.UnstakeDelaySeconds = unstakeDelaySeconds
	info.WithdrawTime = 0
	return l.put(principal, info)
}

// UnlockStake starts the withdrawal cooldown. The stake can be withdrawn via
// WithdrawStake once the principal's unstake delay has passed.
func (l *Ledger) UnlockStake(principal common.Address) error {
	if l == nil {
		return fmt.Errorf("deposit: ledger not initialised")
	}
	info, err := l.Info(principal)
	if err != nil {
		return err
	}
	if info.UnstakeDelaySeconds == 0 || info.Stake.Sign() == 0 {
		return ErrNotStaked
	}
	if !info.Staked {
		return ErrAlreadyUnlocking
	}
	now := l.now()
	withdrawTime := now + uint64(info.UnstakeDelaySeconds)
	if withdrawTime > maxWithdrawTime {
		return fmt.Errorf("deposit: withdraw time exceeds 48 bits")
	}
	info.Staked = false
	info.WithdrawTime = withdrawTime
	return l.put(principal, info)
}

// WithdrawStake pays out the unlocked stake to target and zeroes the stake
// portion of the record. The transfer and the ledger mutation are one atomic
// unit: if the transfer fails the record is left untouched.
func (l *Ledger) WithdrawStake(principal, target common.Address) error {
	if l == nil {
		return fmt.Errorf("deposit: ledger not initialised")
	}
	info, err := l.Info(principal)
	if err != nil {
		return err
	}
	if info.Stake.Sign() == 0 {
		return ErrNoStake
	}
	if info.WithdrawTime == 0 {
		return ErrUnlockNotRequested
	}
	if l.now() < info.WithdrawTime {
		return ErrCooldownActive
	}
	stake := new(big.Int).Set(info.Stake)
	if err := l.transfer.Transfer(target, stake); err != nil {
		return fmt.Errorf("deposit: stake transfer failed: %w", err)
	}
	info.Stake = big.NewInt(0)
	info.UnstakeDelaySeconds = 0
	info.WithdrawTime = 0
	info.Staked = false
	return l.put(principal, info)
}

// WithdrawTo pays out part of the spendable deposit to target, with the same
// atomicity contract as WithdrawStake.
func (l *Ledger) WithdrawTo(principal, target common.Address, amount *big.Int) error {
	if l == nil {
		return fmt.Errorf("deposit: ledger not initialised")
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	info, err := l.Info(principal)
	if err != nil {
		return err
	}
	if amount.Cmp(info.Deposit) > 0 {
		return ErrInsufficientDeposit
	}
	if err := l.transfer.Transfer(target, amount); err != nil {
		return fmt.Errorf("deposit: withdraw transfer failed: %w", err)
	}
	info.Deposit = new(big.Int).Sub(info.Deposit, amount)
	return l.put(principal, info)
}

func (l *Ledger) now() uint64 {
	now := l.clock().UTC().Unix()
	if now < 0 {
		return 0
	}
	return uint64(now)
}
