package validation

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestPackBitLayout(t *testing.T) {
	authorizer := common.HexToAddress("0x00112233445566778899aabbccddeeff00112233")
	const validAfter = uint64(0x0000aabbccddee)
	const validUntil = uint64(0x00001122334455)

	packed, err := Pack(Data{Authorizer: authorizer, ValidAfter: validAfter, ValidUntil: validUntil})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	// Rebuild the expected value independently with big.Int arithmetic so the
	// test pins the exact offsets rather than reusing the codec's own shifts.
	expected := new(big.Int).SetBytes(authorizer.Bytes())
	expected.Or(expected, new(big.Int).Lsh(new(big.Int).SetUint64(validUntil), 160))
	expected.Or(expected, new(big.Int).Lsh(new(big.Int).SetUint64(validAfter), 208))

	if packed.ToBig().Cmp(expected) != 0 {
		t.Fatalf("packed value mismatch: got %x want %x", packed.ToBig(), expected)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []Data{
		{Authorizer: common.HexToAddress("0x01"), ValidAfter: 0, ValidUntil: 1},
		{Authorizer: common.HexToAddress("0xffffffffffffffffffffffffffffffffffffffff"), ValidAfter: MaxTimestamp, ValidUntil: MaxTimestamp},
		{Authorizer: common.Address{}, ValidAfter: 12345, ValidUntil: 67890},
	}
	for _, d := range cases {
		packed, err := Pack(d)
		if err != nil {
			t.Fatalf("pack %+v: %v", d, err)
		}
		got := Unpack(packed)
		if got != d {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, d)
		}
	}
}

func TestUnboundedUntilExpandsToMax(t *testing.T) {
	packed, err := Pack(Data{Authorizer: common.HexToAddress("0x02"), ValidAfter: 100, ValidUntil: 0})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	got := Unpack(packed)
	if got.ValidUntil != MaxTimestamp {
		t.Fatalf("validUntil = %d, want %d", got.ValidUntil, MaxTimestamp)
	}
	if got.ValidAfter != 100 {
		t.Fatalf("validAfter = %d, want 100", got.ValidAfter)
	}
}

func TestPackRejectsWideTimestamps(t *testing.T) {
	if _, err := Pack(Data{ValidAfter: MaxTimestamp + 1}); err == nil {
		t.Fatal("expected error for 49-bit validAfter")
	}
	if _, err := Pack(Data{ValidUntil: MaxTimestamp + 1}); err == nil {
		t.Fatal("expected error for 49-bit validUntil")
	}
}

func TestPackFailure(t *testing.T) {
	failed, err := PackFailure(true, 50, 10)
	if err != nil {
		t.Fatalf("pack failure: %v", err)
	}
	if !SigFailed(failed) {
		t.Fatal("expected failure sentinel")
	}
	d := Unpack(failed)
	if d.ValidAfter != 10 || d.ValidUntil != 50 {
		t.Fatalf("unexpected window: %+v", d)
	}

	ok, err := PackFailure(false, 0, 0)
	if err != nil {
		t.Fatalf("pack success: %v", err)
	}
	if SigFailed(ok) {
		t.Fatal("success encoding must not carry the failure sentinel")
	}
	if Unpack(ok).Authorizer != (common.Address{}) {
		t.Fatal("success encoding must use the self authorizer")
	}
}

func TestIntersectWindow(t *testing.T) {
	a, _ := Pack(Data{ValidAfter: 10, ValidUntil: 100})
	b, _ := Pack(Data{ValidAfter: 20, ValidUntil: 80})

	ab := Unpack(Intersect(a, b))
	ba := Unpack(Intersect(b, a))

	if ab.ValidAfter != 20 || ab.ValidUntil != 80 {
		t.Fatalf("unexpected window: %+v", ab)
	}
	// The window bounds commute even though authorizer selection does not.
	if ab.ValidAfter != ba.ValidAfter || ab.ValidUntil != ba.ValidUntil {
		t.Fatalf("window bounds not commutative: %+v vs %+v", ab, ba)
	}
}

func TestIntersectAuthorizerSelection(t *testing.T) {
	delegated := common.HexToAddress("0x1234")
	other := common.HexToAddress("0x5678")

	self, _ := Pack(Data{ValidUntil: 100})
	viaDelegated, _ := Pack(Data{Authorizer: delegated, ValidUntil: 200})
	viaOther, _ := Pack(Data{Authorizer: other, ValidUntil: 300})

	if got := Unpack(Intersect(viaDelegated, viaOther)).Authorizer; got != delegated {
		t.Fatalf("authorizer = %s, want first record's %s", got, delegated)
	}
	if got := Unpack(Intersect(self, viaOther)).Authorizer; got != other {
		t.Fatalf("authorizer = %s, want second record's %s when first is self", got, other)
	}
	if got := Unpack(Intersect(viaOther, viaDelegated)).Authorizer; got != other {
		t.Fatalf("authorizer = %s, want first record's %s", got, other)
	}
}

func TestIntersectUnboundedWindows(t *testing.T) {
	unbounded, _ := Pack(Data{ValidUntil: 0})
	bounded, _ := Pack(Data{ValidAfter: 5, ValidUntil: 500})

	got := Unpack(Intersect(unbounded, bounded))
	if got.ValidAfter != 5 || got.ValidUntil != 500 {
		t.Fatalf("unexpected window: %+v", got)
	}

	both := Unpack(Intersect(unbounded, unbounded))
	if both.ValidUntil != MaxTimestamp {
		t.Fatalf("validUntil = %d, want %d", both.ValidUntil, MaxTimestamp)
	}
}

func TestValidAt(t *testing.T) {
	d := Data{ValidAfter: 10, ValidUntil: 20}
	if d.ValidAt(9) || !d.ValidAt(10) || !d.ValidAt(20) || d.ValidAt(21) {
		t.Fatal("window boundaries mishandled")
	}

	unbounded := Data{ValidAfter: 10, ValidUntil: 0}
	if !unbounded.ValidAt(MaxTimestamp) {
		t.Fatal("unbounded window must accept the maximum timestamp")
	}
}

func TestUnpackNil(t *testing.T) {
	d := Unpack(nil)
	if d.Authorizer != (common.Address{}) || d.ValidAfter != 0 || d.ValidUntil != MaxTimestamp {
		t.Fatalf("unexpected zero-value decode: %+v", d)
	}
}
