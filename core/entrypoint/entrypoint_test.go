package entrypoint

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"entrycore/core/account"
	"entrycore/core/deposit"
	"entrycore/core/nonce"
	"entrycore/core/state"
	"entrycore/core/types"
	"entrycore/core/validation"
	"entrycore/crypto"
	"entrycore/native/paymaster"
	"entrycore/storage"
	"entrycore/storage/trie"
)

var (
	dispatcherAddr = common.HexToAddress("0xe207")
	chainID        = big.NewInt(1337)
)

type nopTransferor struct{}

func (nopTransferor) Transfer(common.Address, *big.Int) error { return nil }

type recordingPrefunder struct {
	amounts []*big.Int
}

func (r *recordingPrefunder) Prefund(_ common.Address, amount *big.Int) error {
	r.amounts = append(r.amounts, new(big.Int).Set(amount))
	return nil
}

type harness struct {
	ep       *EntryPoint
	policy   *account.Policy
	nonces   *nonce.Ledger
	deposits *deposit.Ledger
	sponsor  *paymaster.SelfTokenSponsor
	prefund  *recordingPrefunder
	manager  *state.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tr, err := trie.NewTrie(nil, nil)
	if err != nil {
		t.Fatalf("new trie: %v", err)
	}
	manager := state.NewManager(tr)
	nonces := nonce.NewLedger(manager)
	deposits := deposit.NewLedger(manager, nopTransferor{})
	policy := account.NewPolicy(manager, nil, dispatcherAddr)
	prefund := &recordingPrefunder{}
	validator := account.NewValidator(policy, nonces, prefund, dispatcherAddr, nil)
	factory := account.NewStateFactory(policy)

	ep := New(dispatcherAddr, chainID, nonces, deposits, validator, factory, nil)
	ep.SetClock(func() time.Time { return time.Unix(1_000, 0).UTC() })

	journal := paymaster.NewJournal(storage.NewMemDB(), nil)
	sponsor, err := paymaster.NewSelfTokenSponsor(
		common.HexToAddress("0x5095"), dispatcherAddr, manager,
		big.NewInt(2), big.NewInt(1), journal, nil)
	if err != nil {
		t.Fatalf("new sponsor: %v", err)
	}
	ep.RegisterSponsor(sponsor)

	return &harness{ep: ep, policy: policy, nonces: nonces, deposits: deposits, sponsor: sponsor, prefund: prefund, manager: manager}
}

func (h *harness) newAccount(t *testing.T) (common.Address, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	// The account validates its own operations, so it is its own owner here.
	addr := key.PubKey().EthAddress()
	if err := h.policy.InitOwner(addr, addr); err != nil {
		t.Fatalf("init owner: %v", err)
	}
	return addr, key
}

func (h *harness) sign(t *testing.T, op *types.Operation, key *crypto.PrivateKey) {
	t.Helper()
	sig, err := crypto.Sign(h.ep.OperationHash(op).Bytes(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	op.Signature = sig
}

func sponsoredData(sponsor paymaster.Sponsor, extra []byte) []byte {
	data := make([]byte, 20, 20+len(extra))
	copy(data, sponsor.Address().Bytes())
	return append(data, extra...)
}

func baseOp(sender common.Address, seq int64) *types.Operation {
	return &types.Operation{
		Sender:       sender,
		Nonce:        big.NewInt(seq),
		CallGasLimit: 100, VerificationGasLimit: 50, PreVerificationGas: 50,
		MaxFeePerGas: big.NewInt(1),
	}
}

func TestHandleOperationSponsoredEndToEnd(t *testing.T) {
	h := newHarness(t)
	sender, key := h.newAccount(t)

	op := baseOp(sender, 0)
	op.PaymasterAndData = sponsoredData(h.sponsor, nil)
	h.sign(t, op, key)

	// Max cost 200 wei, priced at 400 token units.
	if err := h.sponsor.Mint(sender, big.NewInt(400)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	executed := false
	err := h.ep.HandleOperation(op, func() (*big.Int, error) {
		executed = true
		return big.NewInt(100), nil
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !executed {
		t.Fatal("execute callback never ran")
	}

	// Half the max cost consumed charges half the 400-unit basis.
	balance, err := h.sponsor.BalanceOf(sender)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("payer balance = %s, want 200", balance)
	}

	next, err := h.ep.GetNonce(sender, big.NewInt(0))
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if next.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("nonce = %s, want 1", next)
	}
}

func TestHandleOperationRevertedExecutionStillSettles(t *testing.T) {
	h := newHarness(t)
	sender, key := h.newAccount(t)

	op := baseOp(sender, 0)
	op.PaymasterAndData = sponsoredData(h.sponsor, nil)
	h.sign(t, op, key)
	if err := h.sponsor.Mint(sender, big.NewInt(400)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	err := h.ep.HandleOperation(op, func() (*big.Int, error) {
		return big.NewInt(200), errors.New("call reverted")
	})
	if err != nil {
		t.Fatalf("a reverted execution must still settle: %v", err)
	}
	balance, err := h.sponsor.BalanceOf(sender)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("payer balance = %s, want 0 after full charge", balance)
	}
}

func TestValidateOperationRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	sender, _ := h.newAccount(t)
	wrongKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	op := baseOp(sender, 0)
	h.sign(t, op, wrongKey)

	if _, err := h.ep.ValidateOperation(op); !errors.Is(err, ErrSignatureRejected) {
		t.Fatalf("err = %v, want ErrSignatureRejected", err)
	}
	// The rejection still burned the nonce slot.
	next, err := h.ep.GetNonce(sender, big.NewInt(0))
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if next.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("nonce = %s, want 1 after burned slot", next)
	}
}

func TestValidateOperationUnknownSponsor(t *testing.T) {
	h := newHarness(t)
	sender, key := h.newAccount(t)

	op := baseOp(sender, 0)
	op.PaymasterAndData = common.HexToAddress("0xdead").Bytes()
	h.sign(t, op, key)

	if _, err := h.ep.ValidateOperation(op); !errors.Is(err, ErrUnknownSponsor) {
		t.Fatalf("err = %v, want ErrUnknownSponsor", err)
	}
}

func TestValidateOperationEnforcesSponsorWindow(t *testing.T) {
	h := newHarness(t)
	sender, key := h.newAccount(t)
	if err := h.sponsor.Mint(sender, big.NewInt(400)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// validUntil=2000, validAfter=1500; the harness clock sits at 1000.
	window := make([]byte, 12)
	new(big.Int).SetUint64(2_000).FillBytes(window[:6])
	new(big.Int).SetUint64(1_500).FillBytes(window[6:])

	op := baseOp(sender, 0)
	op.PaymasterAndData = sponsoredData(h.sponsor, window)
	h.sign(t, op, key)

	if _, err := h.ep.ValidateOperation(op); !errors.Is(err, ErrOutsideTimeWindow) {
		t.Fatalf("err = %v, want ErrOutsideTimeWindow", err)
	}

	// Inside the window the same shape passes.
	h.ep.SetClock(func() time.Time { return time.Unix(1_600, 0).UTC() })
	op2 := baseOp(sender, 1)
	op2.PaymasterAndData = sponsoredData(h.sponsor, window)
	h.sign(t, op2, key)
	if _, err := h.ep.ValidateOperation(op2); err != nil {
		t.Fatalf("validate inside window: %v", err)
	}
}

func TestValidateOperationPrefundsMissingDeposit(t *testing.T) {
	h := newHarness(t)
	sender, key := h.newAccount(t)

	if err := h.ep.DepositTo(sender, big.NewInt(50)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	op := baseOp(sender, 0) // max cost 200
	h.sign(t, op, key)

	if _, err := h.ep.ValidateOperation(op); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(h.prefund.amounts) != 1 || h.prefund.amounts[0].Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("prefund requests = %v, want one of 150", h.prefund.amounts)
	}
}

func TestInitCodeDeploysSender(t *testing.T) {
	h := newHarness(t)
	ownerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := ownerKey.PubKey().EthAddress()
	salt := big.NewInt(7)
	factory := account.NewStateFactory(h.policy)
	sender := factory.DeriveAddress(owner, salt)

	initCode := make([]byte, 52)
	copy(initCode, owner.Bytes())
	salt.FillBytes(initCode[20:])

	op := baseOp(sender, 0)
	op.InitCode = initCode
	h.sign(t, op, ownerKey)

	if _, err := h.ep.ValidateOperation(op); err != nil {
		t.Fatalf("validate with init code: %v", err)
	}
	got, exists, err := h.policy.Owner(sender)
	if err != nil || !exists || got != owner {
		t.Fatalf("owner record after deploy: %s exists=%t err=%v", got, exists, err)
	}

	// Init code that derives a different identity than the declared sender.
	op2 := baseOp(common.HexToAddress("0xbad"), 0)
	op2.InitCode = initCode
	h.sign(t, op2, ownerKey)
	if _, err := h.ep.ValidateOperation(op2); !errors.Is(err, ErrSenderMismatch) {
		t.Fatalf("err = %v, want ErrSenderMismatch", err)
	}
}

// flakySponsor fails its first settlement so the dispatcher must retry in the
// reverted-settlement mode.
type flakySponsor struct {
	addr  common.Address
	modes []paymaster.SettleMode
}

func (f *flakySponsor) Address() common.Address { return f.addr }

func (f *flakySponsor) ValidatePayment(_ common.Address, _ *types.Operation, _ common.Hash, _ *big.Int) ([]byte, *uint256.Int, error) {
	packed, err := validation.Pack(validation.Data{})
	return []byte("ctx"), packed, err
}

func (f *flakySponsor) Settle(mode paymaster.SettleMode, _ []byte, _ *big.Int) error {
	f.modes = append(f.modes, mode)
	if mode != paymaster.SettleSettlementReverted {
		return errors.New("settlement reverted")
	}
	return nil
}

func TestSettleRetriesOnceInFallbackMode(t *testing.T) {
	h := newHarness(t)
	sponsor := &flakySponsor{addr: common.HexToAddress("0xf1a")}
	h.ep.RegisterSponsor(sponsor)

	result := &Result{Sponsor: sponsor, SponsorContext: []byte("ctx"), MaxCost: big.NewInt(10)}
	if err := h.ep.SettleOperation(result, paymaster.SettleSucceeded, big.NewInt(5)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	want := []paymaster.SettleMode{paymaster.SettleSucceeded, paymaster.SettleSettlementReverted}
	if len(sponsor.modes) != 2 || sponsor.modes[0] != want[0] || sponsor.modes[1] != want[1] {
		t.Fatalf("modes = %v, want %v", sponsor.modes, want)
	}
}
