package paymaster

import (
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"entrycore/core/types"
	"entrycore/core/validation"
)

// PriceSource quotes how many token units a wei amount is worth at validation
// time. The quote is captured in the settlement context so both settlement
// phases charge against the same price.
type PriceSource interface {
	TokenValueOfWei(token common.Address, wei *big.Int) (*big.Int, error)
}

// TokenTransferor moves token balances between identities.
type TokenTransferor interface {
	TransferToken(token, from, to common.Address, amount *big.Int) error
}

var fundPrefix = []byte("paymaster/fund/")

// fundRecord is a payer's pre-deposited token balance held by the sponsor.
// An unlocked record is being withdrawn and cannot back new operations.
type fundRecord struct {
	Balance  *big.Int
	Unlocked bool
}

// settleContext carries the facts fixed at validation time into settlement.
type settleContext struct {
	ID         string
	Payer      common.Address
	Token      common.Address
	MaxCost    *big.Int
	PriceBasis *big.Int
}

// TokenSponsor is a paymaster that charges payers in a token priced against
// wei by an external source. Payers pre-deposit tokens with the sponsor; the
// deposit backs the fallback settlement path, while the primary path pulls
// live tokens from the payer at settlement time.
type TokenSponsor struct {
	addr       common.Address
	dispatcher common.Address
	token      common.Address
	store      Storage
	oracle     PriceSource
	tokens     TokenTransferor
	journal    *Journal
	log        *slog.Logger
}

// NewTokenSponsor constructs a token-charging sponsor.
func NewTokenSponsor(addr, dispatcher, token common.Address, store Storage, oracle PriceSource, tokens TokenTransferor, journal *Journal, log *slog.Logger) *TokenSponsor {
	if log == nil {
		log = slog.Default()
	}
	return &TokenSponsor{
		addr:       addr,
		dispatcher: dispatcher,
		token:      token,
		store:      store,
		oracle:     oracle,
		tokens:     tokens,
		journal:    journal,
		log:        log,
	}
}

// Address returns the sponsor identity operations name in PaymasterAndData.
func (s *TokenSponsor) Address() common.Address {
	return s.addr
}

func fundKey(token, payer common.Address) []byte {
	buf := make([]byte, 0, len(fundPrefix)+40)
	buf = append(buf, fundPrefix...)
	buf = append(buf, token.Bytes()...)
	buf = append(buf, payer.Bytes()...)
	return buf
}

func (s *TokenSponsor) fund(payer common.Address) (*fundRecord, error) {
	var record fundRecord
	ok, err := s.store.KVGet(fundKey(s.token, payer), &record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &fundRecord{Balance: new(big.Int)}, nil
	}
	if record.Balance == nil {
		record.Balance = new(big.Int)
	}
	return &record, nil
}

func (s *TokenSponsor) putFund(payer common.Address, record *fundRecord) error {
	return s.store.KVPut(fundKey(s.token, payer), record)
}

// TokenBalanceOf returns the payer's deposited token balance and whether it
// is unlocked for withdrawal.
func (s *TokenSponsor) TokenBalanceOf(payer common.Address) (*big.Int, bool, error) {
	if s == nil {
		return nil, false, fmt.Errorf("paymaster: sponsor not initialised")
	}
	record, err := s.fund(payer)
	if err != nil {
		return nil, false, err
	}
	return new(big.Int).Set(record.Balance), record.Unlocked, nil
}

// AddTokenDeposit pulls tokens from the source into the sponsor and credits
// them to the payer. The deposit is locked by the credit, cancelling any
// pending withdrawal.
func (s *TokenSponsor) AddTokenDeposit(source, payer common.Address, amount *big.Int) error {
	if s == nil {
		return fmt.Errorf("paymaster: sponsor not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("paymaster: deposit amount must be positive")
	}
	if err := s.tokens.TransferToken(s.token, source, s.addr, amount); err != nil {
		return fmt.Errorf("paymaster: token deposit transfer failed: %w", err)
	}
	record, err := s.fund(payer)
	if err != nil {
		return err
	}
	record.Balance = new(big.Int).Add(record.Balance, amount)
	record.Unlocked = false
	return s.putFund(payer, record)
}

// UnlockTokenDeposit marks the payer's deposit withdrawable. An unlocked
// deposit no longer backs new operations.
func (s *TokenSponsor) UnlockTokenDeposit(payer common.Address) error {
	if s == nil {
		return fmt.Errorf("paymaster: sponsor not initialised")
	}
	record, err := s.fund(payer)
	if err != nil {
		return err
	}
	record.Unlocked = true
	return s.putFund(payer, record)
}

// LockTokenDeposit re-locks the payer's deposit so it can back operations
// again.
func (s *TokenSponsor) LockTokenDeposit(payer common.Address) error {
	if s == nil {
		return fmt.Errorf("paymaster: sponsor not initialised")
	}
	record, err := s.fund(payer)
	if err != nil {
		return err
	}
	record.Unlocked = false
	return s.putFund(payer, record)
}

// WithdrawTokensTo pays out part of an unlocked deposit to target.
func (s *TokenSponsor) WithdrawTokensTo(payer, target common.Address, amount *big.Int) error {
	if s == nil {
		return fmt.Errorf("paymaster: sponsor not initialised")
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("paymaster: negative withdraw amount")
	}
	record, err := s.fund(payer)
	if err != nil {
		return err
	}
	if !record.Unlocked {
		return ErrDepositLocked
	}
	if amount.Cmp(record.Balance) > 0 {
		return ErrNothingToWithdraw
	}
	if err := s.tokens.TransferToken(s.token, s.addr, target, amount); err != nil {
		return fmt.Errorf("paymaster: token withdraw transfer failed: %w", err)
	}
	record.Balance = new(big.Int).Sub(record.Balance, amount)
	return s.putFund(payer, record)
}

// ValidatePayment prices the operation's maximum cost in tokens and verifies
// the payer holds a locked deposit covering it. The deposit is not debited
// here; it is the collateral the fallback settlement draws on.
func (s *TokenSponsor) ValidatePayment(caller common.Address, op *types.Operation, opHash common.Hash, maxCost *big.Int) ([]byte, *uint256.Int, error) {
	if s == nil {
		return nil, nil, fmt.Errorf("paymaster: sponsor not initialised")
	}
	if caller != s.dispatcher {
		return nil, nil, ErrNotFromDispatcher
	}
	if op == nil {
		return nil, nil, fmt.Errorf("paymaster: nil operation")
	}
	if maxCost == nil {
		maxCost = new(big.Int)
	}
	priced, err := s.oracle.TokenValueOfWei(s.token, maxCost)
	if err != nil {
		return nil, nil, fmt.Errorf("paymaster: price lookup failed: %w", err)
	}
	record, err := s.fund(op.Sender)
	if err != nil {
		return nil, nil, err
	}
	if record.Unlocked {
		return nil, nil, ErrDepositUnlocked
	}
	if record.Balance.Cmp(priced) < 0 {
		return nil, nil, ErrInsufficientFunds
	}

	ctx := settleContext{
		ID:         uuid.NewString(),
		Payer:      op.Sender,
		Token:      s.token,
		MaxCost:    new(big.Int).Set(maxCost),
		PriceBasis: priced,
	}
	encoded, err := rlp.EncodeToBytes(&ctx)
	if err != nil {
		return nil, nil, err
	}
	packed, err := validation.Pack(sponsorWindow(op.SponsorData()))
	if err != nil {
		return nil, nil, err
	}
	return encoded, packed, nil
}

// sponsorWindow parses an optional 12-byte validity window from the sponsor
// payload: six bytes validUntil followed by six bytes validAfter. Anything
// shorter means an unbounded window.
func sponsorWindow(data []byte) validation.Data {
	if len(data) < 12 {
		return validation.Data{}
	}
	until := new(big.Int).SetBytes(data[:6]).Uint64()
	after := new(big.Int).SetBytes(data[6:12]).Uint64()
	return validation.Data{ValidUntil: until, ValidAfter: after}
}

// charge scales the validation-time price by the share of the maximum cost
// actually consumed, never exceeding what was verified.
func (c *settleContext) charge(actualCost *big.Int) *big.Int {
	if actualCost == nil {
		actualCost = new(big.Int)
	}
	if c.MaxCost.Sign() == 0 || actualCost.Cmp(c.MaxCost) >= 0 {
		return new(big.Int).Set(c.PriceBasis)
	}
	scaled := new(big.Int).Mul(c.PriceBasis, actualCost)
	return scaled.Div(scaled, c.MaxCost)
}

// Settle charges the payer for the operation. In the primary modes the
// sponsor pulls live tokens from the payer and any transfer failure
// propagates so the dispatcher can retry once in the reverted-settlement
// mode. That fallback debits the deposit verified during validation and must
// not fail.
func (s *TokenSponsor) Settle(mode SettleMode, context []byte, actualCost *big.Int) error {
	if s == nil {
		return fmt.Errorf("paymaster: sponsor not initialised")
	}
	var ctx settleContext
	if err := rlp.DecodeBytes(context, &ctx); err != nil {
		return ErrMalformedContext
	}
	amount := ctx.charge(actualCost)

	switch mode {
	case SettleSucceeded, SettleReverted:
		if err := s.tokens.TransferToken(ctx.Token, ctx.Payer, s.addr, amount); err != nil {
			return fmt.Errorf("paymaster: live token charge failed: %w", err)
		}
	case SettleSettlementReverted:
		record, err := s.fund(ctx.Payer)
		if err != nil {
			return err
		}
		if record.Balance.Cmp(amount) < 0 {
			return ErrFallbackShortfall
		}
		record.Balance = new(big.Int).Sub(record.Balance, amount)
		if err := s.putFund(ctx.Payer, record); err != nil {
			return err
		}
	default:
		return ErrUnsupportedSettleMode
	}

	if s.journal != nil {
		if _, err := s.journal.Record(JournalEntry{
			ID:         ctx.ID,
			Sponsor:    s.addr,
			Payer:      ctx.Payer,
			Mode:       uint8(mode),
			MaxCost:    ctx.MaxCost,
			ActualCost: actualCost,
			Charge:     amount,
		}); err != nil {
			s.log.Warn("settlement journal write failed",
				slog.String("id", ctx.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}
