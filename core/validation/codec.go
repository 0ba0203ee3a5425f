// Package validation implements the packed validation-data record returned by
// account and sponsor validation: an authorizer identity and a validity time
// window encoded into a single 256-bit value.
//
// Bit layout, least significant first:
//
//	[0,160)   authorizer (0 = validated by the account itself, 1 = signature failure)
//	[160,208) validUntil, 48-bit unix timestamp (0 = unbounded)
//	[208,256) validAfter, 48-bit unix timestamp
package validation

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	authorizerBits  = 160
	timestampBits   = 48
	validUntilShift = authorizerBits
	validAfterShift = authorizerBits + timestampBits
)

// MaxTimestamp is the largest representable 48-bit unix timestamp. An encoded
// validUntil of zero expands to this value on decode.
const MaxTimestamp = uint64(1)<<timestampBits - 1

// SigFailureAuthorizer is the reserved authorizer identity reporting that the
// signature check failed. It is distinct from a structural rejection: the
// operation may still be charged for the attempt.
var SigFailureAuthorizer = common.BytesToAddress([]byte{1})

var (
	authorizerMask = func() *uint256.Int {
		mask := new(uint256.Int).Lsh(uint256.NewInt(1), authorizerBits)
		return mask.SubUint64(mask, 1)
	}()
	timestampMask = uint256.NewInt(MaxTimestamp)
)

// Data is the decoded form of a packed validation record.
type Data struct {
	Authorizer common.Address
	ValidAfter uint64
	ValidUntil uint64
}

// SigFailed reports whether the record carries the reserved signature-failure
// authorizer.
func (d Data) SigFailed() bool {
	return d.Authorizer == SigFailureAuthorizer
}

// ValidAt reports whether the timestamp falls inside the record's window.
func (d Data) ValidAt(now uint64) bool {
	until := d.ValidUntil
	if until == 0 {
		until = MaxTimestamp
	}
	return now >= d.ValidAfter && now <= until
}

// Pack encodes the record into its 256-bit wire form. Timestamps wider than
// 48 bits are malformed and rejected rather than truncated.
func Pack(d Data) (*uint256.Int, error) {
	if d.ValidAfter > MaxTimestamp {
		return nil, fmt.Errorf("validation: validAfter %d exceeds 48 bits", d.ValidAfter)
	}
	if d.ValidUntil > MaxTimestamp {
		return nil, fmt.Errorf("validation: validUntil %d exceeds 48 bits", d.ValidUntil)
	}
	return pack(d), nil
}

func pack(d Data) *uint256.Int {
	v := new(uint256.Int).SetBytes(d.Authorizer.Bytes())
	until := uint256.NewInt(d.ValidUntil & MaxTimestamp)
	v.Or(v, until.Lsh(until, validUntilShift))
	after := uint256.NewInt(d.ValidAfter & MaxTimestamp)
	return v.Or(v, after.Lsh(after, validAfterShift))
}

// PackFailure is the convenience packer for the common case where the
// authorizer is either the account itself or the failure sentinel.
func PackFailure(sigFailed bool, validUntil, validAfter uint64) (*uint256.Int, error) {
	d := Data{ValidAfter: validAfter, ValidUntil: validUntil}
	if sigFailed {
		d.Authorizer = SigFailureAuthorizer
	}
	return Pack(d)
}

// Unpack decodes a packed record. A zero validUntil expands to MaxTimestamp
// so callers never confuse "unbounded" with "expired at epoch zero".
func Unpack(v *uint256.Int) Data {
	if v == nil {
		v = new(uint256.Int)
	}
	masked := new(uint256.Int).And(v, authorizerMask)
	until := new(uint256.Int).Rsh(v, validUntilShift)
	until.And(until, timestampMask)
	after := new(uint256.Int).Rsh(v, validAfterShift)

	d := Data{
		Authorizer: common.BytesToAddress(masked.Bytes()),
		ValidAfter: after.Uint64(),
		ValidUntil: until.Uint64(),
	}
	if d.ValidUntil == 0 {
		d.ValidUntil = MaxTimestamp
	}
	return d
}

// Intersect combines an account's self-declared window with a sponsor's
// independently declared one. The resulting window is the overlap of the two;
// the authorizer comes from the first record unless it reports
// self-validation, in which case the second record's authorizer is used.
func Intersect(a, b *uint256.Int) *uint256.Int {
	da := Unpack(a)
	db := Unpack(b)

	authorizer := da.Authorizer
	if authorizer == (common.Address{}) {
		authorizer = db.Authorizer
	}
	after := da.ValidAfter
	if db.ValidAfter > after {
		after = db.ValidAfter
	}
	until := da.ValidUntil
	if db.ValidUntil < until {
		until = db.ValidUntil
	}
	return pack(Data{Authorizer: authorizer, ValidAfter: after, ValidUntil: until})
}

// SigFailed reports whether the packed record carries the failure sentinel.
func SigFailed(v *uint256.Int) bool {
	return Unpack(v).SigFailed()
}
