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

var selfBalancePrefix = []byte("paymaster/self/balance/")

// SelfTokenSponsor is a paymaster that is itself the token issuer: payer
// balances live in the sponsor's own book, so settlement is a book transfer
// rather than an external pull and cannot revert for transport reasons.
//
// Balances are checked per operation at validation time. Two operations from
// the same payer validated in one batch are each checked against the balance
// as it stood before the batch, so a payer can pass validation twice on funds
// that only cover one settlement; the shortfall surfaces at settlement.
type SelfTokenSponsor struct {
	addr       common.Address
	dispatcher common.Address
	store      Storage
	rateNum    *big.Int
	rateDen    *big.Int
	journal    *Journal
	log        *slog.Logger
}

// NewSelfTokenSponsor constructs a self-issuing sponsor charging
// wei*rateNum/rateDen token units.
func NewSelfTokenSponsor(addr, dispatcher common.Address, store Storage, rateNum, rateDen *big.Int, journal *Journal, log *slog.Logger) (*SelfTokenSponsor, error) {
	if rateNum == nil || rateDen == nil || rateNum.Sign() <= 0 || rateDen.Sign() <= 0 {
		return nil, ErrZeroExchangeRate
	}
	if log == nil {
		log = slog.Default()
	}
	return &SelfTokenSponsor{
		addr:       addr,
		dispatcher: dispatcher,
		store:      store,
		rateNum:    new(big.Int).Set(rateNum),
		rateDen:    new(big.Int).Set(rateDen),
		journal:    journal,
		log:        log,
	}, nil
}

// Address returns the sponsor identity operations name in PaymasterAndData.
func (s *SelfTokenSponsor) Address() common.Address {
	return s.addr
}

func selfBalanceKey(holder common.Address) []byte {
	buf := make([]byte, 0, len(selfBalancePrefix)+20)
	buf = append(buf, selfBalancePrefix...)
	buf = append(buf, holder.Bytes()...)
	return buf
}

// BalanceOf returns the holder's token balance in the sponsor's book.
func (s *SelfTokenSponsor) BalanceOf(holder common.Address) (*big.Int, error) {
	if s == nil {
		return nil, fmt.Errorf("paymaster: sponsor not initialised")
	}
	balance := new(big.Int)
	if _, err := s.store.KVGet(selfBalanceKey(holder), balance); err != nil {
		return nil, err
	}
	return balance, nil
}

// Mint credits freshly issued tokens to the holder.
func (s *SelfTokenSponsor) Mint(holder common.Address, amount *big.Int) error {
	if s == nil {
		return fmt.Errorf("paymaster: sponsor not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("paymaster: mint amount must be positive")
	}
	balance, err := s.BalanceOf(holder)
	if err != nil {
		return err
	}
	return s.store.KVPut(selfBalanceKey(holder), new(big.Int).Add(balance, amount))
}

// TokenPrice converts a wei amount into token units at the fixed rate.
func (s *SelfTokenSponsor) TokenPrice(wei *big.Int) *big.Int {
	if wei == nil {
		return new(big.Int)
	}
	priced := new(big.Int).Mul(wei, s.rateNum)
	return priced.Div(priced, s.rateDen)
}

// ValidatePayment checks the payer's book balance against the priced maximum
// cost. Nothing is debited until settlement.
func (s *SelfTokenSponsor) ValidatePayment(caller common.Address, op *types.Operation, opHash common.Hash, maxCost *big.Int) ([]byte, *uint256.Int, error) {
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
	priced := s.TokenPrice(maxCost)
	balance, err := s.BalanceOf(op.Sender)
	if err != nil {
		return nil, nil, err
	}
	if balance.Cmp(priced) < 0 {
		return nil, nil, ErrInsufficientFunds
	}

	ctx := settleContext{
		ID:         uuid.NewString(),
		Payer:      op.Sender,
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

// Settle moves the charge from the payer's book balance to the sponsor's own.
// The same book move serves every mode: there is no external transfer that
// could distinguish the fallback path.
func (s *SelfTokenSponsor) Settle(mode SettleMode, context []byte, actualCost *big.Int) error {
	if s == nil {
		return fmt.Errorf("paymaster: sponsor not initialised")
	}
	switch mode {
	case SettleSucceeded, SettleReverted, SettleSettlementReverted:
	default:
		return ErrUnsupportedSettleMode
	}
	var ctx settleContext
	if err := rlp.DecodeBytes(context, &ctx); err != nil {
		return ErrMalformedContext
	}
	amount := ctx.charge(actualCost)

	balance, err := s.BalanceOf(ctx.Payer)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	if err := s.store.KVPut(selfBalanceKey(ctx.Payer), new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	earned, err := s.BalanceOf(s.addr)
	if err != nil {
		return err
	}
	if err := s.store.KVPut(selfBalanceKey(s.addr), new(big.Int).Add(earned, amount)); err != nil {
		return err
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
