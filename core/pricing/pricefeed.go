// Package pricing resolves token/wei exchange quotes for sponsors that charge
// in tokens. A feed wraps a raw quote source with a freshness guard so stale
// observations never price a settlement.
package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RateScale is the fixed denominator of quote rates: a rate of RateScale
// means one token unit per wei.
var RateScale = big.NewInt(1_000_000_000_000_000_000)

var (
	// ErrStaleQuote reports an observation older than the feed's freshness
	// window.
	ErrStaleQuote = errors.New("pricing: quote exceeds freshness window")
	// ErrNoQuote reports a token the source has no observation for.
	ErrNoQuote = errors.New("pricing: no quote for token")
)

// Quote is a raw token/wei observation.
type Quote struct {
	// Rate is the token units per wei, scaled by RateScale.
	Rate *big.Int
	// ObservedAt is when the rate was sampled.
	ObservedAt time.Time
}

// Source produces the latest raw observation for a token.
type Source interface {
	Latest(token common.Address) (Quote, error)
}

// Feed guards a source with a freshness window and converts wei amounts into
// token units.
type Feed struct {
	source Source
	maxAge time.Duration
	clock  func() time.Time
}

// NewFeed constructs a feed. A zero maxAge disables the freshness guard.
func NewFeed(source Source, maxAge time.Duration) (*Feed, error) {
	if source == nil {
		return nil, fmt.Errorf("pricing: source required")
	}
	return &Feed{source: source, maxAge: maxAge, clock: time.Now}, nil
}

// SetClock overrides the time source (primarily for deterministic testing).
func (f *Feed) SetClock(clock func() time.Time) {
	if f == nil || clock == nil {
		return
	}
	f.clock = clock
}

// TokenValueOfWei converts a wei amount into token units at the latest fresh
// quote.
func (f *Feed) TokenValueOfWei(token common.Address, wei *big.Int) (*big.Int, error) {
	if f == nil {
		return nil, fmt.Errorf("pricing: feed not initialised")
	}
	quote, err := f.source.Latest(token)
	if err != nil {
		return nil, err
	}
	if quote.Rate == nil || quote.Rate.Sign() <= 0 {
		return nil, fmt.Errorf("pricing: non-positive rate for token %s", token.Hex())
	}
	if f.maxAge > 0 {
		age := f.clock().UTC().Sub(quote.ObservedAt.UTC())
		if age > f.maxAge {
			return nil, fmt.Errorf("%w: observed %s ago", ErrStaleQuote, age)
		}
	}
	if wei == nil {
		wei = new(big.Int)
	}
	value := new(big.Int).Mul(wei, quote.Rate)
	return value.Div(value, RateScale), nil
}

// StaticSource serves fixed quotes from memory, refreshed by whoever owns the
// map. It backs tests and single-operator deployments without an oracle.
type StaticSource struct {
	quotes map[common.Address]Quote
}

// NewStaticSource constructs an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{quotes: make(map[common.Address]Quote)}
}

// Set installs the quote for a token.
func (s *StaticSource) Set(token common.Address, rate *big.Int, observedAt time.Time) {
	s.quotes[token] = Quote{Rate: new(big.Int).Set(rate), ObservedAt: observedAt}
}

// Latest returns the stored quote for the token.
func (s *StaticSource) Latest(token common.Address) (Quote, error) {
	quote, ok := s.quotes[token]
	if !ok {
		return Quote{}, ErrNoQuote
	}
	return quote, nil
}
