package pricing

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var testToken = common.HexToAddress("0x70c1")

func TestTokenValueOfWei(t *testing.T) {
	source := NewStaticSource()
	now := time.Unix(1_000, 0).UTC()
	// Two token units per wei.
	source.Set(testToken, new(big.Int).Mul(RateScale, big.NewInt(2)), now)

	feed, err := NewFeed(source, time.Minute)
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	feed.SetClock(func() time.Time { return now.Add(30 * time.Second) })

	value, err := feed.TokenValueOfWei(testToken, big.NewInt(50))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if value.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("value = %s, want 100", value)
	}
}

func TestStaleQuoteRejected(t *testing.T) {
	source := NewStaticSource()
	now := time.Unix(1_000, 0).UTC()
	source.Set(testToken, RateScale, now)

	feed, err := NewFeed(source, time.Minute)
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	feed.SetClock(func() time.Time { return now.Add(2 * time.Minute) })

	if _, err := feed.TokenValueOfWei(testToken, big.NewInt(1)); !errors.Is(err, ErrStaleQuote) {
		t.Fatalf("err = %v, want ErrStaleQuote", err)
	}

	// A zero freshness window disables the guard.
	unguarded, err := NewFeed(source, 0)
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	unguarded.SetClock(func() time.Time { return now.Add(time.Hour) })
	if _, err := unguarded.TokenValueOfWei(testToken, big.NewInt(1)); err != nil {
		t.Fatalf("convert: %v", err)
	}
}

func TestUnknownTokenRejected(t *testing.T) {
	feed, err := NewFeed(NewStaticSource(), time.Minute)
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	if _, err := feed.TokenValueOfWei(testToken, big.NewInt(1)); !errors.Is(err, ErrNoQuote) {
		t.Fatalf("err = %v, want ErrNoQuote", err)
	}
}
