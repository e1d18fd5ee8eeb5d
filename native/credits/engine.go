package credits

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"vismarket/core/events"
	"vismarket/core/types"
	nativecommon "vismarket/native/common"
	"vismarket/native/curve"
)

const (
	moduleName         = "credits"
	roleEntityLinker   = "ROLE_ENTITY_LINKER"
	rolePartnerLinker  = "ROLE_PARTNER_LINKER"
	roleCreditTransfer = "ROLE_CREDIT_TRANSFER"
	roleDefaultAdmin   = "ROLE_DEFAULT_ADMIN"
)

var (
	errNilState            = errors.New("credits engine: state not configured")
	errVaultNotSet         = errors.New("credits engine: reserve vault not configured")
	ErrInvalidAmount       = errors.New("credits engine: amount must be positive")
	ErrZeroAddress         = errors.New("credits engine: zero address")
	ErrInsufficientPayment = errors.New("credits engine: insufficient payment")
	ErrInsufficientFunds   = errors.New("credits engine: insufficient balance")
	ErrCreatorNotSet       = errors.New("credits engine: creator not linked")
	ErrNothingToClaim      = errors.New("credits engine: no claimable fees")
	ErrUnauthorized        = errors.New("credits engine: unauthorized")
	ErrTreasuryNotSet      = errors.New("credits engine: treasury not configured")
)

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	HasRole(role string, addr []byte) bool
}

// Engine implements the visibility-credit ledger: bonding-curve buys and
// sells, fee accrual, privileged credit transfers, and the referral link
// tables. All value accounting runs against the account state; the curve
// reserve vault holds trade costs until sells and fee claims pay them out.
type Engine struct {
	state   engineState
	emitter events.Emitter
	pauses  nativecommon.PauseRegistry
	guard   nativecommon.ReentrancyGuard
	vault   [20]byte
	nowFn   func() int64
}

// NewEngine creates a credits engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetReserveVault configures the module account holding curve reserves.
func (e *Engine) SetReserveVault(addr [20]byte) { e.vault = addr }

// SetPauses wires the pause registry consulted before every mutation.
func (e *Engine) SetPauses(p nativecommon.PauseRegistry) { e.pauses = p }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(creditsEvent{evt: evt})
}

func isZeroAddress(addr [20]byte) bool {
	var zero [20]byte
	return addr == zero
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// --- storage keys ---

var (
	visibilityPrefix = []byte("credits/vis/")
	balancePrefix    = []byte("credits/balance/")
	partnerPrefix    = []byte("credits/partner/")
	refMemoryPrefix  = []byte("credits/refmemory/")
	treasuryKey      = []byte("credits/treasury")
)

func visibilityKey(hash [32]byte) []byte {
	return append(append([]byte(nil), visibilityPrefix...), hash[:]...)
}

func balanceKey(hash [32]byte, holder [20]byte) []byte {
	key := append(append([]byte(nil), balancePrefix...), hash[:]...)
	return append(key, holder[:]...)
}

func partnerKey(referrer [20]byte) []byte {
	return append(append([]byte(nil), partnerPrefix...), referrer[:]...)
}

func refMemoryKey(user [20]byte) []byte {
	return append(append([]byte(nil), refMemoryPrefix...), user[:]...)
}

// --- state accessors ---

func (e *Engine) loadVisibility(id string) (*Visibility, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	normalized, err := NormalizeVisibilityID(id)
	if err != nil {
		return nil, err
	}
	stored := new(Visibility)
	ok, err := e.state.KVGet(visibilityKey(VisibilityKeyHash(normalized)), stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return newVisibility(normalized), nil
	}
	if stored.TotalSupply == nil {
		stored.TotalSupply = big.NewInt(0)
	}
	if stored.ClaimableFeeBalance == nil {
		stored.ClaimableFeeBalance = big.NewInt(0)
	}
	return stored, nil
}

func (e *Engine) storeVisibility(v *Visibility) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.KVPut(visibilityKey(VisibilityKeyHash(v.ID)), v)
}

// VisibilityByID returns the ledger record for an entity key, lazily
// materialised with zero supply when never traded.
func (e *Engine) VisibilityByID(id string) (*Visibility, error) {
	vis, err := e.loadVisibility(id)
	if err != nil {
		return nil, err
	}
	return vis.Clone(), nil
}

// BalanceOf returns the holder's credit balance for the entity.
func (e *Engine) BalanceOf(id string, holder [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	normalized, err := NormalizeVisibilityID(id)
	if err != nil {
		return nil, err
	}
	balance := new(big.Int)
	ok, err := e.state.KVGet(balanceKey(VisibilityKeyHash(normalized), holder), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

func (e *Engine) writeBalance(id string, holder [20]byte, balance *big.Int) error {
	return e.state.KVPut(balanceKey(VisibilityKeyHash(id), holder), balance)
}

// PartnerOf resolves the partner linked to a referrer, zero when unset.
func (e *Engine) PartnerOf(referrer [20]byte) ([20]byte, error) {
	var partner [20]byte
	if e == nil || e.state == nil {
		return partner, errNilState
	}
	if _, err := e.state.KVGet(partnerKey(referrer), &partner); err != nil {
		return [20]byte{}, err
	}
	return partner, nil
}

// ReferrerMemory returns the last explicit referrer recorded for a user.
func (e *Engine) ReferrerMemory(user [20]byte) ([20]byte, error) {
	var referrer [20]byte
	if e == nil || e.state == nil {
		return referrer, errNilState
	}
	if _, err := e.state.KVGet(refMemoryKey(user), &referrer); err != nil {
		return [20]byte{}, err
	}
	return referrer, nil
}

// Treasury returns the configured protocol treasury address.
func (e *Engine) Treasury() ([20]byte, error) {
	var treasury [20]byte
	if e == nil || e.state == nil {
		return treasury, errNilState
	}
	ok, err := e.state.KVGet(treasuryKey, &treasury)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok || isZeroAddress(treasury) {
		return [20]byte{}, ErrTreasuryNotSet
	}
	return treasury, nil
}

// resolveReferral determines the effective referrer and partner for a trade
// and reports whether the referral memory needs updating.
func (e *Engine) resolveReferral(trader, explicit [20]byte) (referrer, partner [20]byte, remember bool, err error) {
	stored, err := e.ReferrerMemory(trader)
	if err != nil {
		return [20]byte{}, [20]byte{}, false, err
	}
	referrer = stored
	if !isZeroAddress(explicit) {
		referrer = explicit
		remember = explicit != stored
	}
	if isZeroAddress(referrer) {
		return [20]byte{}, [20]byte{}, false, nil
	}
	partner, err = e.PartnerOf(referrer)
	if err != nil {
		return [20]byte{}, [20]byte{}, false, err
	}
	return referrer, partner, remember, nil
}

func (e *Engine) creditAccount(addr [20]byte, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	account, err := e.state.GetAccount(addr[:])
	if err != nil {
		return err
	}
	account.BalanceWei = new(big.Int).Add(account.BalanceWei, amount)
	return e.state.PutAccount(addr[:], account)
}

func (e *Engine) debitAccount(addr [20]byte, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	account, err := e.state.GetAccount(addr[:])
	if err != nil {
		return err
	}
	if account.BalanceWei.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	account.BalanceWei = new(big.Int).Sub(account.BalanceWei, amount)
	return e.state.PutAccount(addr[:], account)
}

// Quote prices a purchase of amount credits for the prospective buyer without
// mutating any state. The breakdown reflects the same referral resolution a
// real buy would apply.
func (e *Engine) Quote(id string, amount *big.Int, buyer, explicitReferrer [20]byte) (curve.FeeBreakdown, *big.Int, error) {
	vis, err := e.loadVisibility(id)
	if err != nil {
		return curve.FeeBreakdown{}, nil, err
	}
	referrer, partner, _, err := e.resolveReferral(buyer, explicitReferrer)
	if err != nil {
		return curve.FeeBreakdown{}, nil, err
	}
	cost, err := curve.BuyCost(vis.TotalSupply, amount)
	if err != nil {
		return curve.FeeBreakdown{}, nil, err
	}
	fees := curve.ComputeFees(cost, referrer, partner)
	return fees, fees.TotalBuyCost(), nil
}

// Buy mints amount credits for the buyer against a native-currency payment.
// The payment argument is the buyer's authorization ceiling; exactly the
// quoted total leaves the buyer's account, so overpayment never moves.
func (e *Engine) Buy(buyer [20]byte, id string, amount *big.Int, explicitReferrer [20]byte, payment *big.Int) (curve.FeeBreakdown, error) {
	if e == nil || e.state == nil {
		return curve.FeeBreakdown{}, errNilState
	}
	if err := nativecommon.EnsureActive(e.pauses, moduleName); err != nil {
		return curve.FeeBreakdown{}, err
	}
	if err := e.guard.Enter(); err != nil {
		return curve.FeeBreakdown{}, err
	}
	defer e.guard.Exit()
	if isZeroAddress(buyer) {
		return curve.FeeBreakdown{}, ErrZeroAddress
	}
	if isZeroAddress(e.vault) {
		return curve.FeeBreakdown{}, errVaultNotSet
	}
	vis, err := e.loadVisibility(id)
	if err != nil {
		return curve.FeeBreakdown{}, err
	}
	referrer, partner, remember, err := e.resolveReferral(buyer, explicitReferrer)
	if err != nil {
		return curve.FeeBreakdown{}, err
	}
	cost, err := curve.BuyCost(vis.TotalSupply, amount)
	if err != nil {
		return curve.FeeBreakdown{}, err
	}
	fees := curve.ComputeFees(cost, referrer, partner)
	total := fees.TotalBuyCost()
	if payment == nil || payment.Cmp(total) < 0 {
		return curve.FeeBreakdown{}, ErrInsufficientPayment
	}
	treasury, err := e.Treasury()
	if err != nil {
		return curve.FeeBreakdown{}, err
	}

	// Commit the ledger mutation before any account credit leaves the buyer.
	balance, err := e.BalanceOf(vis.ID, buyer)
	if err != nil {
		return curve.FeeBreakdown{}, err
	}
	if err := e.debitAccount(buyer, total); err != nil {
		return curve.FeeBreakdown{}, err
	}
	vis.TotalSupply = new(big.Int).Add(vis.TotalSupply, amount)
	vis.ClaimableFeeBalance = new(big.Int).Add(vis.ClaimableFeeBalance, fees.CreatorFee)
	if err := e.storeVisibility(vis); err != nil {
		return curve.FeeBreakdown{}, err
	}
	if err := e.writeBalance(vis.ID, buyer, new(big.Int).Add(balance, amount)); err != nil {
		return curve.FeeBreakdown{}, err
	}
	if remember {
		if err := e.state.KVPut(refMemoryKey(buyer), referrer); err != nil {
			return curve.FeeBreakdown{}, err
		}
	}

	// The trade cost and the pending creator fee stay in the reserve vault;
	// protocol-adjacent shares are paid out immediately.
	reserve := new(big.Int).Add(fees.TradeCost, fees.CreatorFee)
	if err := e.creditAccount(e.vault, reserve); err != nil {
		return curve.FeeBreakdown{}, err
	}
	if err := e.creditAccount(treasury, fees.ProtocolFee); err != nil {
		return curve.FeeBreakdown{}, err
	}
	if !isZeroAddress(fees.Referrer) {
		if err := e.creditAccount(fees.Referrer, fees.ReferrerFee); err != nil {
			return curve.FeeBreakdown{}, err
		}
	}
	if !isZeroAddress(fees.Partner) {
		if err := e.creditAccount(fees.Partner, fees.PartnerFee); err != nil {
			return curve.FeeBreakdown{}, err
		}
	}
	e.emit(newTradeEvent(vis.ID, buyer, true, amount.String(), fees, vis.TotalSupply.String()))
	return fees.Clone(), nil
}

// Sell burns amount credits held by the seller and reimburses the curve price
// net of fees.
func (e *Engine) Sell(seller [20]byte, id string, amount *big.Int, explicitReferrer [20]byte) (curve.FeeBreakdown, error) {
	if e == nil || e.state == nil {
		return curve.FeeBreakdown{}, errNilState
	}
	if err := nativecommon.EnsureActive(e.pauses, moduleName); err != nil {
		return curve.FeeBreakdown{}, err
	}
	if err := e.guard.Enter(); err != nil {
		return curve.FeeBreakdown{}, err
	}
	defer e.guard.Exit()
	if isZeroAddress(seller) {
		return curve.FeeBreakdown{}, ErrZeroAddress
	}
	if isZeroAddress(e.vault) {
		return curve.FeeBreakdown{}, errVaultNotSet
	}
	if amount == nil || amount.Sign() <= 0 {
		return curve.FeeBreakdown{}, ErrInvalidAmount
	}
	vis, err := e.loadVisibility(id)
	if err != nil {
		return curve.FeeBreakdown{}, err
	}
	balance, err := e.BalanceOf(vis.ID, seller)
	if err != nil {
		return curve.FeeBreakdown{}, err
	}
	if balance.Cmp(amount) < 0 {
		return curve.FeeBreakdown{}, ErrInsufficientFunds
	}
	referrer, partner, remember, err := e.resolveReferral(seller, explicitReferrer)
	if err != nil {
		return curve.FeeBreakdown{}, err
	}
	cost, err := curve.SellCost(vis.TotalSupply, amount)
	if err != nil {
		return curve.FeeBreakdown{}, err
	}
	fees := curve.ComputeFees(cost, referrer, partner)
	treasury, err := e.Treasury()
	if err != nil {
		return curve.FeeBreakdown{}, err
	}

	// Burn first, then release reserve funds.
	vis.TotalSupply = new(big.Int).Sub(vis.TotalSupply, amount)
	vis.ClaimableFeeBalance = new(big.Int).Add(vis.ClaimableFeeBalance, fees.CreatorFee)
	if err := e.storeVisibility(vis); err != nil {
		return curve.FeeBreakdown{}, err
	}
	if err := e.writeBalance(vis.ID, seller, new(big.Int).Sub(balance, amount)); err != nil {
		return curve.FeeBreakdown{}, err
	}
	if remember {
		if err := e.state.KVPut(refMemoryKey(seller), referrer); err != nil {
			return curve.FeeBreakdown{}, err
		}
	}

	// The reserve releases the full trade cost minus the creator fee, which
	// stays claimable inside the vault.
	released := new(big.Int).Sub(fees.TradeCost, fees.CreatorFee)
	if err := e.debitAccount(e.vault, released); err != nil {
		return curve.FeeBreakdown{}, err
	}
	if err := e.creditAccount(seller, fees.SellReimbursement()); err != nil {
		return curve.FeeBreakdown{}, err
	}
	if err := e.creditAccount(treasury, fees.ProtocolFee); err != nil {
		return curve.FeeBreakdown{}, err
	}
	if !isZeroAddress(fees.Referrer) {
		if err := e.creditAccount(fees.Referrer, fees.ReferrerFee); err != nil {
			return curve.FeeBreakdown{}, err
		}
	}
	if !isZeroAddress(fees.Partner) {
		if err := e.creditAccount(fees.Partner, fees.PartnerFee); err != nil {
			return curve.FeeBreakdown{}, err
		}
	}
	e.emit(newTradeEvent(vis.ID, seller, false, amount.String(), fees, vis.TotalSupply.String()))
	return fees.Clone(), nil
}

// ClaimCreatorFee pays the accrued creator fees out of the reserve vault.
// Anyone may trigger the claim; the funds always go to the linked creator.
func (e *Engine) ClaimCreatorFee(id string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.EnsureActive(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := e.guard.Enter(); err != nil {
		return nil, err
	}
	defer e.guard.Exit()
	if isZeroAddress(e.vault) {
		return nil, errVaultNotSet
	}
	vis, err := e.loadVisibility(id)
	if err != nil {
		return nil, err
	}
	if isZeroAddress(vis.Creator) {
		return nil, ErrCreatorNotSet
	}
	claimed := cloneBigInt(vis.ClaimableFeeBalance)
	if claimed.Sign() == 0 {
		return nil, ErrNothingToClaim
	}
	vis.ClaimableFeeBalance = big.NewInt(0)
	if err := e.storeVisibility(vis); err != nil {
		return nil, err
	}
	if err := e.debitAccount(e.vault, claimed); err != nil {
		return nil, err
	}
	if err := e.creditAccount(vis.Creator, claimed); err != nil {
		return nil, err
	}
	e.emit(newCreatorFeeClaimedEvent(vis.ID, vis.Creator, claimed.String()))
	return claimed, nil
}

// TransferCredits moves credits between holders without touching the supply
// or fees. Restricted to holders of the credit-transfer capability; granted
// to the service escrow engine.
func (e *Engine) TransferCredits(caller [20]byte, id string, from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.EnsureActive(e.pauses, moduleName); err != nil {
		return err
	}
	if !e.state.HasRole(roleCreditTransfer, caller[:]) {
		return ErrUnauthorized
	}
	if isZeroAddress(from) || isZeroAddress(to) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	vis, err := e.loadVisibility(id)
	if err != nil {
		return err
	}
	fromBalance, err := e.BalanceOf(vis.ID, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	toBalance, err := e.BalanceOf(vis.ID, to)
	if err != nil {
		return err
	}
	if err := e.writeBalance(vis.ID, from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	if err := e.writeBalance(vis.ID, to, new(big.Int).Add(toBalance, amount)); err != nil {
		return err
	}
	e.emit(newCreditsTransferredEvent(vis.ID, from, to, amount.String()))
	return nil
}

// SetCreatorVisibility binds a creator identity to an entity key. Restricted
// to the entity-linker capability.
func (e *Engine) SetCreatorVisibility(caller [20]byte, id string, creator [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !e.state.HasRole(roleEntityLinker, caller[:]) {
		return ErrUnauthorized
	}
	if isZeroAddress(creator) {
		return ErrZeroAddress
	}
	vis, err := e.loadVisibility(id)
	if err != nil {
		return err
	}
	vis.Creator = creator
	if err := e.storeVisibility(vis); err != nil {
		return err
	}
	e.emit(newCreatorLinkedEvent(vis.ID, creator))
	return nil
}

// SetReferrerPartner binds a partner to a referrer. Restricted to the
// partner-linker capability; a zero partner clears the link.
func (e *Engine) SetReferrerPartner(caller, referrer, partner [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !e.state.HasRole(rolePartnerLinker, caller[:]) {
		return ErrUnauthorized
	}
	if isZeroAddress(referrer) {
		return ErrZeroAddress
	}
	if err := e.state.KVPut(partnerKey(referrer), partner); err != nil {
		return err
	}
	e.emit(newPartnerLinkedEvent(referrer, partner))
	return nil
}

// UpdateTreasury changes the protocol treasury address. Admin capability only.
func (e *Engine) UpdateTreasury(caller, treasury [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !e.state.HasRole(roleDefaultAdmin, caller[:]) {
		return ErrUnauthorized
	}
	if isZeroAddress(treasury) {
		return ErrZeroAddress
	}
	if err := e.state.KVPut(treasuryKey, treasury); err != nil {
		return err
	}
	e.emit(newTreasuryUpdatedEvent(treasury))
	return nil
}

// DebugString returns a short description of the engine wiring.
func (e *Engine) DebugString() string {
	if e == nil {
		return "credits engine <nil>"
	}
	return fmt.Sprintf("credits engine emitter=%T", e.emitter)
}
