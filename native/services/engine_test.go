package services

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"

	"vismarket/core/types"
	"vismarket/native/credits"
	"vismarket/native/curve"
)

type mockState struct {
	kv       map[string][]byte
	accounts map[[20]byte]*types.Account
	roles    map[string]map[[20]byte]bool
}

func newMockState() *mockState {
	return &mockState{
		kv:       make(map[string][]byte),
		accounts: make(map[[20]byte]*types.Account),
		roles:    make(map[string]map[[20]byte]bool),
	}
}

func (m *mockState) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.kv[string(key)] = encoded
	return nil
}

func (m *mockState) KVGet(key []byte, out interface{}) (bool, error) {
	raw, ok := m.kv[string(key)]
	if !ok {
		return false, nil
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	if account, ok := m.accounts[key]; ok {
		return account.Clone(), nil
	}
	return &types.Account{BalanceWei: big.NewInt(0)}, nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = account.Clone()
	return nil
}

func (m *mockState) HasRole(role string, addr []byte) bool {
	var key [20]byte
	copy(key[:], addr)
	return m.roles[role][key]
}

func (m *mockState) grantRole(role string, addr [20]byte) {
	if m.roles[role] == nil {
		m.roles[role] = make(map[[20]byte]bool)
	}
	m.roles[role][addr] = true
}

func (m *mockState) fund(addr [20]byte, amount *big.Int) {
	m.accounts[addr] = &types.Account{BalanceWei: new(big.Int).Set(amount)}
}

func (m *mockState) balanceWei(addr [20]byte) *big.Int {
	if account, ok := m.accounts[addr]; ok {
		return new(big.Int).Set(account.BalanceWei)
	}
	return big.NewInt(0)
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

var (
	creatorAddr   = testAddr(0xC1)
	requesterAddr = testAddr(0xB2)
	resolverAddr  = testAddr(0xD3)
	escrowVault   = testAddr(0xEE)
	reserveVault  = testAddr(0xEF)
	treasuryAddr  = testAddr(0xFA)
	adminAddr     = testAddr(0xAD)
	strangerAddr  = testAddr(0x99)
)

const testVisibility = "entity:alpha"

func plenty() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)
}

// fixture wires a real credits engine behind the services engine so
// settlement flows through the same ledger arithmetic production uses.
type fixture struct {
	engine  *Engine
	ledger  *credits.Engine
	state   *mockState
	service *Service
}

func newFixture(t *testing.T, paymentType PaymentType) *fixture {
	t.Helper()
	state := newMockState()
	state.grantRole("ROLE_DEFAULT_ADMIN", adminAddr)
	state.grantRole("ROLE_ENTITY_LINKER", adminAddr)
	state.grantRole("ROLE_CREDIT_TRANSFER", escrowVault)
	state.grantRole(roleDisputeResolver, resolverAddr)

	ledger := credits.NewEngine()
	ledger.SetState(state)
	ledger.SetReserveVault(reserveVault)
	if err := ledger.UpdateTreasury(adminAddr, treasuryAddr); err != nil {
		t.Fatalf("set treasury: %v", err)
	}
	if err := ledger.SetCreatorVisibility(adminAddr, testVisibility, creatorAddr); err != nil {
		t.Fatalf("link creator: %v", err)
	}

	engine := NewEngine()
	engine.SetState(state)
	engine.SetLedger(ledger)
	engine.SetVault(escrowVault)

	f := &fixture{engine: engine, ledger: ledger, state: state}
	switch paymentType {
	case PaymentCredits:
		service, err := engine.CreateService(creatorAddr, "support", testVisibility, big.NewInt(3))
		if err != nil {
			t.Fatalf("create credits service: %v", err)
		}
		f.service = service
	case PaymentCurrency:
		service, err := engine.CreateServiceWithWei(creatorAddr, "consulting", testVisibility, big.NewInt(1_000_000_000_000_000), 200_000)
		if err != nil {
			t.Fatalf("create currency service: %v", err)
		}
		f.service = service
	}
	return f
}

// buyCredits purchases credits for the requester through the ledger so the
// escrow pull in RequestServiceExecution has something to move.
func (f *fixture) buyCredits(t *testing.T, amount int64) {
	t.Helper()
	f.state.fund(requesterAddr, plenty())
	if _, err := f.ledger.Buy(requesterAddr, testVisibility, big.NewInt(amount), [20]byte{}, plenty()); err != nil {
		t.Fatalf("buy credits: %v", err)
	}
}

func TestCreateServiceAssignsSequentialIDs(t *testing.T) {
	f := newFixture(t, PaymentCredits)
	if f.service.ID != 0 {
		t.Fatalf("first service ID = %d, want 0", f.service.ID)
	}
	second, err := f.engine.CreateService(strangerAddr, "design", testVisibility, big.NewInt(1))
	if err != nil {
		t.Fatalf("create second service: %v", err)
	}
	if second.ID != 1 {
		t.Fatalf("second service ID = %d, want 1", second.ID)
	}
	loaded, err := f.engine.ServiceByID(1)
	if err != nil {
		t.Fatalf("load service: %v", err)
	}
	if loaded.Originator != strangerAddr {
		t.Fatalf("unexpected originator")
	}
}

func TestCreateServiceValidation(t *testing.T) {
	f := newFixture(t, PaymentCredits)
	if _, err := f.engine.CreateService(creatorAddr, "x", testVisibility, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero credits cost: %v", err)
	}
	if _, err := f.engine.CreateServiceWithWei(creatorAddr, "x", testVisibility, big.NewInt(1), MaxBuyBackSharePpm+1); !errors.Is(err, ErrInvalidShare) {
		t.Fatalf("excessive share: %v", err)
	}
	if _, err := f.engine.ServiceByID(77); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("missing service: %v", err)
	}
}

func TestCreateAndUpdateFromService(t *testing.T) {
	f := newFixture(t, PaymentCurrency)
	if _, err := f.engine.CreateAndUpdateFromService(strangerAddr, f.service.ID, big.NewInt(5)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger reprice: %v", err)
	}
	successor, err := f.engine.CreateAndUpdateFromService(creatorAddr, f.service.ID, big.NewInt(2_000_000_000_000))
	if err != nil {
		t.Fatalf("reprice: %v", err)
	}
	source, err := f.engine.ServiceByID(f.service.ID)
	if err != nil {
		t.Fatalf("reload source: %v", err)
	}
	if source.Enabled {
		t.Fatalf("source still enabled after reprice")
	}
	if !successor.Enabled || successor.WeiCostAmount.Cmp(big.NewInt(2_000_000_000_000)) != 0 {
		t.Fatalf("successor not listed at new price")
	}
	if successor.BuyBackCreditsSharePpm != f.service.BuyBackCreditsSharePpm {
		t.Fatalf("buy-back share not carried forward")
	}
	if successor.VisibilityID != f.service.VisibilityID || successor.ServiceType != f.service.ServiceType {
		t.Fatalf("successor lost identity fields")
	}
}

// newFixtureNoTreasury wires the engines with a linked creator but no
// configured treasury, the state a freshly bootstrapped daemon is in.
func newFixtureNoTreasury(t *testing.T) *fixture {
	t.Helper()
	state := newMockState()
	state.grantRole("ROLE_DEFAULT_ADMIN", adminAddr)
	state.grantRole("ROLE_ENTITY_LINKER", adminAddr)
	state.grantRole("ROLE_CREDIT_TRANSFER", escrowVault)

	ledger := credits.NewEngine()
	ledger.SetState(state)
	ledger.SetReserveVault(reserveVault)
	if err := ledger.SetCreatorVisibility(adminAddr, testVisibility, creatorAddr); err != nil {
		t.Fatalf("link creator: %v", err)
	}

	engine := NewEngine()
	engine.SetState(state)
	engine.SetLedger(ledger)
	engine.SetVault(escrowVault)

	service, err := engine.CreateServiceWithWei(creatorAddr, "consulting", testVisibility, big.NewInt(1_000_000_000_000_000), 200_000)
	if err != nil {
		t.Fatalf("create currency service: %v", err)
	}
	return &fixture{engine: engine, ledger: ledger, state: state, service: service}
}

func TestValidateWithoutTreasuryLeavesEscrowIntact(t *testing.T) {
	f := newFixtureNoTreasury(t)
	weiCost := new(big.Int).Set(f.service.WeiCostAmount)
	f.state.fund(requesterAddr, plenty())

	if _, err := f.engine.RequestServiceExecution(requesterAddr, f.service.ID, plenty(), ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.engine.AcceptServiceExecution(creatorAddr, 0, 0, ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := f.engine.ValidateServiceExecution(requesterAddr, 0, 0, ""); !errors.Is(err, credits.ErrTreasuryNotSet) {
		t.Fatalf("validate without treasury: %v", err)
	}

	// The rejected settlement must not have moved any state or value.
	exec, err := f.engine.ExecutionAt(0, 0)
	if err != nil {
		t.Fatalf("reload execution: %v", err)
	}
	if exec.State != ExecutionAccepted {
		t.Fatalf("state = %s, want ACCEPTED after rejected settlement", exec.State)
	}
	pool, err := f.engine.BuyBackPool(testVisibility)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.Sign() != 0 {
		t.Fatalf("pool accrued %s on rejected settlement", pool)
	}
	if got := f.state.balanceWei(escrowVault); got.Cmp(weiCost) != 0 {
		t.Fatalf("vault = %s, want untouched escrow %s", got, weiCost)
	}
	if f.state.balanceWei(creatorAddr).Sign() != 0 {
		t.Fatalf("creator paid on rejected settlement")
	}

	// Same escrow settles cleanly once the treasury exists.
	if err := f.ledger.UpdateTreasury(adminAddr, treasuryAddr); err != nil {
		t.Fatalf("set treasury: %v", err)
	}
	if err := f.engine.ValidateServiceExecution(requesterAddr, 0, 0, ""); err != nil {
		t.Fatalf("validate after treasury set: %v", err)
	}
	exec, err = f.engine.ExecutionAt(0, 0)
	if err != nil {
		t.Fatalf("reload execution: %v", err)
	}
	if exec.State != ExecutionValidated {
		t.Fatalf("state = %s, want VALIDATED", exec.State)
	}
}

func TestBuyBackWithoutTreasuryLeavesPoolIntact(t *testing.T) {
	f := newFixtureNoTreasury(t)
	seeded := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	if err := f.engine.writeBuyBackPool(testVisibility, seeded); err != nil {
		t.Fatalf("seed pool: %v", err)
	}

	if _, err := f.engine.BuyBack(creatorAddr, testVisibility, big.NewInt(1), plenty()); !errors.Is(err, credits.ErrTreasuryNotSet) {
		t.Fatalf("buy-back without treasury: %v", err)
	}
	pool, err := f.engine.BuyBackPool(testVisibility)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.Cmp(seeded) != 0 {
		t.Fatalf("pool = %s, want untouched %s", pool, seeded)
	}
}

func TestRepriceRejectsBadPriceAtomically(t *testing.T) {
	f := newFixture(t, PaymentCurrency)
	for _, bad := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		if _, err := f.engine.CreateAndUpdateFromService(creatorAddr, f.service.ID, bad); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("reprice with %v: %v", bad, err)
		}
	}
	source, err := f.engine.ServiceByID(f.service.ID)
	if err != nil {
		t.Fatalf("reload source: %v", err)
	}
	if !source.Enabled {
		t.Fatalf("source disabled by rejected reprice")
	}
	if _, err := f.engine.ServiceByID(f.service.ID + 1); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("successor listed by rejected reprice: %v", err)
	}
}

func TestUpdateServiceTogglesEnabled(t *testing.T) {
	f := newFixture(t, PaymentCredits)
	if err := f.engine.UpdateService(strangerAddr, f.service.ID, false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger toggle: %v", err)
	}
	if err := f.engine.UpdateService(creatorAddr, f.service.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	f.buyCredits(t, 5)
	if _, err := f.engine.RequestServiceExecution(requesterAddr, f.service.ID, nil, ""); !errors.Is(err, ErrServiceDisabled) {
		t.Fatalf("request on disabled service: %v", err)
	}
}

func TestCreditsEscrowLifecycle(t *testing.T) {
	f := newFixture(t, PaymentCredits)
	f.buyCredits(t, 5)

	exec, err := f.engine.RequestServiceExecution(requesterAddr, f.service.ID, nil, "please")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if exec.State != ExecutionRequested || exec.Index != 0 {
		t.Fatalf("unexpected execution: %+v", exec)
	}
	vaultCredits, err := f.ledger.BalanceOf(testVisibility, escrowVault)
	if err != nil {
		t.Fatalf("vault balance: %v", err)
	}
	if vaultCredits.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("vault credits = %s, want 3", vaultCredits)
	}

	if err := f.engine.AcceptServiceExecution(strangerAddr, 0, 0, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger accept: %v", err)
	}
	if err := f.engine.AcceptServiceExecution(creatorAddr, 0, 0, "on it"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := f.engine.ValidateServiceExecution(requesterAddr, 0, 0, "done"); err != nil {
		t.Fatalf("validate: %v", err)
	}

	creatorCredits, err := f.ledger.BalanceOf(testVisibility, creatorAddr)
	if err != nil {
		t.Fatalf("creator balance: %v", err)
	}
	if creatorCredits.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("creator credits = %s, want 3", creatorCredits)
	}
	final, err := f.engine.ExecutionAt(0, 0)
	if err != nil {
		t.Fatalf("reload execution: %v", err)
	}
	if final.State != ExecutionValidated {
		t.Fatalf("state = %s, want VALIDATED", final.State)
	}
}

func TestCreditsServiceRejectsCurrency(t *testing.T) {
	f := newFixture(t, PaymentCredits)
	f.buyCredits(t, 5)
	if _, err := f.engine.RequestServiceExecution(requesterAddr, f.service.ID, big.NewInt(1), ""); !errors.Is(err, ErrPaymentNotAccepted) {
		t.Fatalf("currency on credits service: %v", err)
	}
}

func TestCancelRefundsEscrow(t *testing.T) {
	f := newFixture(t, PaymentCredits)
	f.buyCredits(t, 5)
	if _, err := f.engine.RequestServiceExecution(requesterAddr, f.service.ID, nil, ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.engine.CancelServiceExecution(strangerAddr, 0, 0, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger cancel: %v", err)
	}
	if err := f.engine.CancelServiceExecution(requesterAddr, 0, 0, "changed my mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	balance, err := f.ledger.BalanceOf(testVisibility, requesterAddr)
	if err != nil {
		t.Fatalf("requester balance: %v", err)
	}
	if balance.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("requester credits = %s, want 5 after refund", balance)
	}
	exec, err := f.engine.ExecutionAt(0, 0)
	if err != nil {
		t.Fatalf("reload execution: %v", err)
	}
	if exec.State != ExecutionRefunded {
		t.Fatalf("state = %s, want REFUNDED", exec.State)
	}
	// Terminal states accept no further transitions.
	if err := f.engine.CancelServiceExecution(requesterAddr, 0, 0, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel terminal: %v", err)
	}
	if err := f.engine.AcceptServiceExecution(creatorAddr, 0, 0, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("accept terminal: %v", err)
	}
}

func TestCurrencySettlementSplitsExactly(t *testing.T) {
	f := newFixture(t, PaymentCurrency)
	weiCost := new(big.Int).Set(f.service.WeiCostAmount)
	f.state.fund(requesterAddr, plenty())

	before := f.state.balanceWei(requesterAddr)
	if _, err := f.engine.RequestServiceExecution(requesterAddr, f.service.ID, plenty(), ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	debited := new(big.Int).Sub(before, f.state.balanceWei(requesterAddr))
	if debited.Cmp(weiCost) != 0 {
		t.Fatalf("requester debited %s, want exactly %s", debited, weiCost)
	}
	if got := f.state.balanceWei(escrowVault); got.Cmp(weiCost) != 0 {
		t.Fatalf("vault escrow = %s, want %s", got, weiCost)
	}

	if err := f.engine.AcceptServiceExecution(creatorAddr, 0, 0, ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := f.engine.ValidateServiceExecution(requesterAddr, 0, 0, ""); err != nil {
		t.Fatalf("validate: %v", err)
	}

	protocolFee := new(big.Int).Mul(weiCost, big.NewInt(curve.ProtocolFeePpm))
	protocolFee.Div(protocolFee, big.NewInt(curve.FeeDenominator))
	buyBackAmount := new(big.Int).Mul(weiCost, big.NewInt(int64(f.service.BuyBackCreditsSharePpm)))
	buyBackAmount.Div(buyBackAmount, big.NewInt(curve.FeeDenominator))
	creatorAmount := new(big.Int).Sub(weiCost, protocolFee)
	creatorAmount.Sub(creatorAmount, buyBackAmount)

	if got := f.state.balanceWei(treasuryAddr); got.Cmp(protocolFee) != 0 {
		t.Fatalf("treasury = %s, want %s", got, protocolFee)
	}
	if got := f.state.balanceWei(creatorAddr); got.Cmp(creatorAmount) != 0 {
		t.Fatalf("creator = %s, want %s", got, creatorAmount)
	}
	pool, err := f.engine.BuyBackPool(testVisibility)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.Cmp(buyBackAmount) != 0 {
		t.Fatalf("pool = %s, want %s", pool, buyBackAmount)
	}
	// The pool's wei stay in the vault until a buy-back spends them.
	if got := f.state.balanceWei(escrowVault); got.Cmp(buyBackAmount) != 0 {
		t.Fatalf("vault residual = %s, want %s", got, buyBackAmount)
	}
	total := new(big.Int).Add(protocolFee, buyBackAmount)
	total.Add(total, creatorAmount)
	if total.Cmp(weiCost) != 0 {
		t.Fatalf("split sums to %s, want %s", total, weiCost)
	}
}

func TestCurrencyRequestRequiresPayment(t *testing.T) {
	f := newFixture(t, PaymentCurrency)
	f.state.fund(requesterAddr, plenty())
	short := new(big.Int).Sub(f.service.WeiCostAmount, big.NewInt(1))
	if _, err := f.engine.RequestServiceExecution(requesterAddr, f.service.ID, short, ""); !errors.Is(err, ErrInsufficientPayment) {
		t.Fatalf("short payment: %v", err)
	}
}

func TestDisputeAndRefundLeavesPayeesUntouched(t *testing.T) {
	f := newFixture(t, PaymentCurrency)
	f.state.fund(requesterAddr, plenty())
	before := f.state.balanceWei(requesterAddr)
	if _, err := f.engine.RequestServiceExecution(requesterAddr, f.service.ID, plenty(), ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.engine.AcceptServiceExecution(creatorAddr, 0, 0, ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := f.engine.DisputeServiceExecution(creatorAddr, 0, 0, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("creator dispute: %v", err)
	}
	if err := f.engine.DisputeServiceExecution(requesterAddr, 0, 0, "not delivered"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := f.engine.ResolveServiceExecution(strangerAddr, 0, 0, true, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger resolve: %v", err)
	}
	if err := f.engine.ResolveServiceExecution(resolverAddr, 0, 0, true, "refund granted"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.state.balanceWei(requesterAddr); got.Cmp(before) != 0 {
		t.Fatalf("requester not made whole: %s vs %s", got, before)
	}
	if f.state.balanceWei(creatorAddr).Sign() != 0 || f.state.balanceWei(treasuryAddr).Sign() != 0 {
		t.Fatalf("refund leaked value to payees")
	}
	pool, err := f.engine.BuyBackPool(testVisibility)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.Sign() != 0 {
		t.Fatalf("refund accrued buy-back pool: %s", pool)
	}
}

func TestResolveCanUpholdPayment(t *testing.T) {
	f := newFixture(t, PaymentCurrency)
	f.state.fund(requesterAddr, plenty())
	if _, err := f.engine.RequestServiceExecution(requesterAddr, f.service.ID, plenty(), ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.engine.AcceptServiceExecution(creatorAddr, 0, 0, ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := f.engine.DisputeServiceExecution(requesterAddr, 0, 0, ""); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := f.engine.ResolveServiceExecution(resolverAddr, 0, 0, false, "work was delivered"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	exec, err := f.engine.ExecutionAt(0, 0)
	if err != nil {
		t.Fatalf("reload execution: %v", err)
	}
	if exec.State != ExecutionValidated {
		t.Fatalf("state = %s, want VALIDATED", exec.State)
	}
	if f.state.balanceWei(creatorAddr).Sign() == 0 {
		t.Fatalf("creator unpaid after upheld resolution")
	}
}

func TestAnyoneValidatesAfterDelay(t *testing.T) {
	f := newFixture(t, PaymentCredits)
	f.buyCredits(t, 5)
	clock := int64(1_700_000_000)
	f.engine.SetNowFunc(func() int64 { return clock })
	f.ledger.SetNowFunc(func() int64 { return clock })

	if _, err := f.engine.RequestServiceExecution(requesterAddr, f.service.ID, nil, ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.engine.AcceptServiceExecution(creatorAddr, 0, 0, ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	clock += DefaultValidationDelay - 1
	if err := f.engine.ValidateServiceExecution(strangerAddr, 0, 0, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("early third-party validate: %v", err)
	}
	clock++
	if err := f.engine.ValidateServiceExecution(strangerAddr, 0, 0, ""); err != nil {
		t.Fatalf("validate after delay: %v", err)
	}
	balance, err := f.ledger.BalanceOf(testVisibility, creatorAddr)
	if err != nil {
		t.Fatalf("creator balance: %v", err)
	}
	if balance.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("creator credits = %s, want 3", balance)
	}
}

func TestValidateRequiresAccepted(t *testing.T) {
	f := newFixture(t, PaymentCredits)
	f.buyCredits(t, 5)
	if _, err := f.engine.RequestServiceExecution(requesterAddr, f.service.ID, nil, ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.engine.ValidateServiceExecution(requesterAddr, 0, 0, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("validate from REQUESTED: %v", err)
	}
	if err := f.engine.DisputeServiceExecution(requesterAddr, 0, 0, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("dispute from REQUESTED: %v", err)
	}
}

func TestPayloadCap(t *testing.T) {
	f := newFixture(t, PaymentCredits)
	f.buyCredits(t, 5)
	oversized := make([]byte, MaxPayloadBytes+1)
	for i := range oversized {
		oversized[i] = 'a'
	}
	if _, err := f.engine.RequestServiceExecution(requesterAddr, f.service.ID, nil, string(oversized)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized payload: %v", err)
	}
}

func TestAddInformationAuthorization(t *testing.T) {
	f := newFixture(t, PaymentCredits)
	f.buyCredits(t, 5)
	if _, err := f.engine.RequestServiceExecution(requesterAddr, f.service.ID, nil, ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.engine.AddInformationForServiceExecution(strangerAddr, 0, 0, "hi"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger note: %v", err)
	}
	for _, caller := range [][20]byte{requesterAddr, creatorAddr, resolverAddr} {
		if err := f.engine.AddInformationForServiceExecution(caller, 0, 0, "hi"); err != nil {
			t.Fatalf("note from %x: %v", caller[:2], err)
		}
	}
	// Notes never advance the state machine.
	exec, err := f.engine.ExecutionAt(0, 0)
	if err != nil {
		t.Fatalf("reload execution: %v", err)
	}
	if exec.State != ExecutionRequested {
		t.Fatalf("state moved to %s", exec.State)
	}
}

func TestUpdateBuyBackShare(t *testing.T) {
	f := newFixture(t, PaymentCurrency)
	if err := f.engine.UpdateBuyBackCreditsShare(strangerAddr, f.service.ID, 100_000); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger share update: %v", err)
	}
	if err := f.engine.UpdateBuyBackCreditsShare(creatorAddr, f.service.ID, MaxBuyBackSharePpm+1); !errors.Is(err, ErrInvalidShare) {
		t.Fatalf("excessive share: %v", err)
	}
	if err := f.engine.UpdateBuyBackCreditsShare(creatorAddr, f.service.ID, 300_000); err != nil {
		t.Fatalf("share update: %v", err)
	}
	service, err := f.engine.ServiceByID(f.service.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if service.BuyBackCreditsSharePpm != 300_000 {
		t.Fatalf("share = %d, want 300000", service.BuyBackCreditsSharePpm)
	}

	cs := newFixture(t, PaymentCredits)
	if err := cs.engine.UpdateBuyBackCreditsShare(creatorAddr, cs.service.ID, 100_000); !errors.Is(err, ErrWrongPaymentType) {
		t.Fatalf("share on credits service: %v", err)
	}
}

func TestBuyBackSpendsPoolAndMintsToVault(t *testing.T) {
	f := newFixture(t, PaymentCurrency)
	f.state.fund(requesterAddr, plenty())
	if _, err := f.engine.RequestServiceExecution(requesterAddr, f.service.ID, plenty(), ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.engine.AcceptServiceExecution(creatorAddr, 0, 0, ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := f.engine.ValidateServiceExecution(requesterAddr, 0, 0, ""); err != nil {
		t.Fatalf("validate: %v", err)
	}
	poolBefore, err := f.engine.BuyBackPool(testVisibility)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if poolBefore.Sign() <= 0 {
		t.Fatalf("pool empty after settlement")
	}

	if _, err := f.engine.BuyBack(strangerAddr, testVisibility, big.NewInt(1), plenty()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger buy-back: %v", err)
	}
	if _, err := f.engine.BuyBack(creatorAddr, testVisibility, big.NewInt(1), big.NewInt(1)); !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("tight slippage: %v", err)
	}

	spent, err := f.engine.BuyBack(creatorAddr, testVisibility, big.NewInt(1), plenty())
	if err != nil {
		t.Fatalf("buy-back: %v", err)
	}
	poolAfter, err := f.engine.BuyBackPool(testVisibility)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	wantPool := new(big.Int).Sub(poolBefore, spent)
	if poolAfter.Cmp(wantPool) != 0 {
		t.Fatalf("pool = %s, want %s", poolAfter, wantPool)
	}
	vaultCredits, err := f.ledger.BalanceOf(testVisibility, escrowVault)
	if err != nil {
		t.Fatalf("vault credits: %v", err)
	}
	if vaultCredits.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("vault credits = %s, want 1", vaultCredits)
	}

	noLimit := new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil)
	if _, err := f.engine.BuyBack(creatorAddr, testVisibility, big.NewInt(1_000_000), noLimit); !errors.Is(err, ErrInsufficientPoolFunds) {
		t.Fatalf("oversized buy-back: %v", err)
	}
}

type pausedAll struct{}

func (pausedAll) IsPaused(string) bool { return true }

func TestPausedModuleRejectsMutations(t *testing.T) {
	f := newFixture(t, PaymentCredits)
	f.buyCredits(t, 5)
	if _, err := f.engine.RequestServiceExecution(requesterAddr, f.service.ID, nil, ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	f.engine.SetPauses(pausedAll{})
	if _, err := f.engine.CreateService(creatorAddr, "x", testVisibility, big.NewInt(1)); err == nil {
		t.Fatalf("create while paused succeeded")
	}
	if err := f.engine.AcceptServiceExecution(creatorAddr, 0, 0, ""); err == nil {
		t.Fatalf("accept while paused succeeded")
	}
}
