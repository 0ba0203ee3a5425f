// Package types defines the signed operation submitted by or on behalf of an
// account, the unit of work the dispatcher validates and settles.
package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Operation is a signed request executed on behalf of a user account. The
// sender does not need native funds: a bundler relays the operation and an
// optional sponsor, named in the first 20 bytes of PaymasterAndData, covers
// the execution cost.
type Operation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *big.Int       `json:"nonce"`
	InitCode             []byte         `json:"initCode"`
	CallData             []byte         `json:"callData"`
	CallGasLimit         uint64         `json:"callGasLimit"`
	VerificationGasLimit uint64         `json:"verificationGasLimit"`
	PreVerificationGas   uint64         `json:"preVerificationGas"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas"`
	PaymasterAndData     []byte         `json:"paymasterAndData"`
	Signature            []byte         `json:"signature"`
}

// SponsorAddress extracts the sponsor address from PaymasterAndData. A zero
// address means the sender pays for itself.
func (op *Operation) SponsorAddress() common.Address {
	if len(op.PaymasterAndData) < 20 {
		return common.Address{}
	}
	return common.BytesToAddress(op.PaymasterAndData[:20])
}

// SponsorData returns the sponsor-specific payload following the address.
func (op *Operation) SponsorData() []byte {
	if len(op.PaymasterAndData) <= 20 {
		return nil
	}
	return op.PaymasterAndData[20:]
}

// HasSponsor reports whether the operation names a sponsor.
func (op *Operation) HasSponsor() bool {
	return len(op.PaymasterAndData) >= 20 && op.SponsorAddress() != (common.Address{})
}

// TotalGasLimit returns the gas the dispatcher must reserve for the
// operation across verification and execution.
func (op *Operation) TotalGasLimit() uint64 {
	return op.CallGasLimit + op.VerificationGasLimit + op.PreVerificationGas
}

// MaxCost returns the wei value the payer can be charged at most.
func (op *Operation) MaxCost() *big.Int {
	return new(big.Int).Mul(
		new(big.Int).SetUint64(op.TotalGasLimit()),
		valueOrZero(op.MaxFeePerGas),
	)
}

// PackForSigning serialises the operation fields covered by the signature.
// The signature itself and the dispatcher binding (entrypoint address plus
// chain id) are excluded; the dispatcher mixes those in when computing the
// canonical hash.
func (op *Operation) PackForSigning() []byte {
	packed := make([]byte, 0, 320)
	packed = append(packed, op.Sender.Bytes()...)
	packed = append(packed, common.BigToHash(valueOrZero(op.Nonce)).Bytes()...)
	packed = append(packed, ethcrypto.Keccak256(op.InitCode)...)
	packed = append(packed, ethcrypto.Keccak256(op.CallData)...)
	packed = append(packed, common.BigToHash(new(big.Int).SetUint64(op.CallGasLimit)).Bytes()...)
	packed = append(packed, common.BigToHash(new(big.Int).SetUint64(op.VerificationGasLimit)).Bytes()...)
	packed = append(packed, common.BigToHash(new(big.Int).SetUint64(op.PreVerificationGas)).Bytes()...)
	packed = append(packed, common.BigToHash(valueOrZero(op.MaxFeePerGas)).Bytes()...)
	packed = append(packed, common.BigToHash(valueOrZero(op.MaxPriorityFeePerGas)).Bytes()...)
	packed = append(packed, ethcrypto.Keccak256(op.PaymasterAndData)...)
	return packed
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
