// Package nonce tracks per-account sequence counters. Each account owns a
// 192-bit key space and every key carries an independent 64-bit counter, so
// one account can run parallel submission streams while consumption within a
// single key stays strictly sequential.
package nonce

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Storage abstracts the subset of state manager functionality required by the
// nonce ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var counterPrefix = []byte("nonce/counter/")

const (
	seqBits = 64
	keyBits = 192
)

var (
	// ErrKeyTooWide reports a nonce key that does not fit in 192 bits.
	ErrKeyTooWide = errors.New("nonce: key exceeds 192 bits")
	// ErrNonceTooWide reports a nonce value that does not fit in 256 bits.
	ErrNonceTooWide = errors.New("nonce: value exceeds 256 bits")
)

var seqMask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), seqBits), big.NewInt(1))

// Ledger persists the per-(account, key) counters in the underlying state.
type Ledger struct {
	store Storage
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store Storage) *Ledger {
	return &Ledger{store: store}
}

func counterKey(account common.Address, key *big.Int) []byte {
	keyBytes := make([]byte, keyBits/8)
	key.FillBytes(keyBytes)
	buf := make([]byte, len(counterPrefix)+len(account)+1+len(keyBytes))
	copy(buf, counterPrefix)
	offset := len(counterPrefix)
	copy(buf[offset:], account.Bytes())
	offset += len(account)
	buf[offset] = '/'
	offset++
	copy(buf[offset:], keyBytes)
	return buf
}

func normalizeKey(key *big.Int) (*big.Int, error) {
	if key == nil {
		return new(big.Int), nil
	}
	if key.Sign() < 0 || key.BitLen() > keyBits {
		return nil, ErrKeyTooWide
	}
	return key, nil
}

// Counter returns the current sequence counter for the account and key. A key
// that was never consumed reads as zero.
func (l *Ledger) Counter(account common.Address, key *big.Int) (uint64, error) {
	if l == nil {
		return 0, fmt.Errorf("nonce: ledger not initialised")
	}
	normalized, err := normalizeKey(key)
	if err != nil {
		return 0, err
	}
	var counter uint64
	if _, err := l.store.KVGet(counterKey(account, normalized), &counter); err != nil {
		return 0, err
	}
	return counter, nil
}

// GetNonce returns the next acceptable nonce for the account and key as
// `counter | key<<64`. It is a pure read and is well defined before the first
// consumption.
func (l *Ledger) GetNonce(account common.Address, key *big.Int) (*big.Int, error) {
	normalized, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	counter, err := l.Counter(account, normalized)
	if err != nil {
		return nil, err
	}
	full := new(big.Int).Lsh(normalized, seqBits)
	return full.Or(full, new(big.Int).SetUint64(counter)), nil
}

// IncrementNonce advances the counter for the account and key by one with no
// other side effect. Accounts use it to pre-pay the storage cost of the first
// real consumption.
func (l *Ledger) IncrementNonce(account common.Address, key *big.Int) error {
	if l == nil {
		return fmt.Errorf("nonce: ledger not initialised")
	}
	normalized, err := normalizeKey(key)
	if err != nil {
		return err
	}
	counter, err := l.Counter(account, normalized)
	if err != nil {
		return err
	}
	return l.store.KVPut(counterKey(account, normalized), counter+1)
}

// ValidateAndConsume checks the declared nonce against the ledger and burns
// the slot. The counter advances whether or not the sequence matched: a
// rejected attempt still consumes its slot, closing the replay window where a
// failed-then-retried operation could be resubmitted with the same sequence.
func (l *Ledger) ValidateAndConsume(account common.Address, nonce *big.Int) (bool, error) {
	if l == nil {
		return false, fmt.Errorf("nonce: ledger not initialised")
	}
	if nonce == nil {
		nonce = new(big.Int)
	}
	if nonce.Sign() < 0 || nonce.BitLen() > seqBits+keyBits {
		return false, ErrNonceTooWide
	}
	key := new(big.Int).Rsh(nonce, seqBits)
	seq := new(big.Int).And(nonce, seqMask).Uint64()

	counter, err := l.Counter(account, key)
	if err != nil {
		return false, err
	}
	if err := l.store.KVPut(counterKey(account, key), counter+1); err != nil {
		return false, err
	}
	return counter == seq, nil
}
