package services

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"vismarket/core/events"
	"vismarket/core/types"
	nativecommon "vismarket/native/common"
	"vismarket/native/credits"
	"vismarket/native/curve"
)

const (
	moduleName          = "services"
	roleDisputeResolver = "ROLE_DISPUTE_RESOLVER"

	// DefaultValidationDelay is how long an accepted execution can sit without
	// updates before anyone may drive it to validation.
	DefaultValidationDelay = int64(5 * 24 * 60 * 60)
)

var (
	errNilState  = errors.New("services engine: state not configured")
	errNilLedger = errors.New("services engine: credit ledger not configured")
	errNilVault  = errors.New("services engine: escrow vault not configured")

	ErrServiceNotFound       = errors.New("services engine: service not found")
	ErrServiceDisabled       = errors.New("services engine: service disabled")
	ErrExecutionNotFound     = errors.New("services engine: execution not found")
	ErrInvalidState          = errors.New("services engine: transition not allowed from current state")
	ErrUnauthorized          = errors.New("services engine: unauthorized")
	ErrInvalidShare          = errors.New("services engine: buy-back share out of range")
	ErrInvalidAmount         = errors.New("services engine: amount must be positive")
	ErrWrongPaymentType      = errors.New("services engine: operation not supported for payment type")
	ErrPaymentNotAccepted    = errors.New("services engine: currency not accepted for credits service")
	ErrInsufficientPayment   = errors.New("services engine: insufficient payment")
	ErrPayloadTooLarge       = errors.New("services engine: payload exceeds size cap")
	ErrInsufficientPoolFunds = errors.New("services engine: insufficient buy-back pool funds")
	ErrSlippageExceeded      = errors.New("services engine: buy-back cost exceeds limit")
	ErrCreatorNotSet         = errors.New("services engine: visibility creator not linked")
)

// MaxBuyBackSharePpm is the ceiling for the buy-back share of a currency
// service: everything that is not the protocol cut may be reserved.
const MaxBuyBackSharePpm = uint32(curve.FeeDenominator - curve.ProtocolFeePpm)

// CreditLedger is the slice of the credits engine the escrow consumes.
// Settlement flows one way; the ledger never calls back into this engine.
type CreditLedger interface {
	VisibilityByID(id string) (*credits.Visibility, error)
	TransferCredits(caller [20]byte, id string, from, to [20]byte, amount *big.Int) error
	Quote(id string, amount *big.Int, buyer, referrer [20]byte) (curve.FeeBreakdown, *big.Int, error)
	Buy(buyer [20]byte, id string, amount *big.Int, referrer [20]byte, payment *big.Int) (curve.FeeBreakdown, error)
	Treasury() ([20]byte, error)
}

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	HasRole(role string, addr []byte) bool
}

// Engine implements the service registry and the escrow state machine,
// including the currency-mode buy-back pool. The engine's vault address is a
// module account: it escrows currency payments, holds credits pulled through
// the ledger's privileged transfer, and keeps bought-back credits retired.
type Engine struct {
	state           engineState
	ledger          CreditLedger
	emitter         events.Emitter
	pauses          nativecommon.PauseRegistry
	vault           [20]byte
	validationDelay int64
	nowFn           func() int64
}

// NewEngine creates a services engine with a no-op emitter and the default
// validation delay.
func NewEngine() *Engine {
	return &Engine{
		emitter:         events.NoopEmitter{},
		validationDelay: DefaultValidationDelay,
		nowFn:           func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger wires the credit ledger consumed during settlement.
func (e *Engine) SetLedger(ledger CreditLedger) { e.ledger = ledger }

// SetVault configures the module account escrowing payments. The address must
// also hold the credit-transfer capability on the ledger.
func (e *Engine) SetVault(addr [20]byte) { e.vault = addr }

// SetPauses wires the pause registry consulted before every mutation.
func (e *Engine) SetPauses(p nativecommon.PauseRegistry) { e.pauses = p }

// SetValidationDelay overrides the stuck-execution validation delay.
func (e *Engine) SetValidationDelay(seconds int64) {
	if seconds > 0 {
		e.validationDelay = seconds
	}
}

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

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(serviceEvent{evt: evt})
}

func isZeroAddress(addr [20]byte) bool {
	var zero [20]byte
	return addr == zero
}

// --- storage keys ---

var (
	servicePrefix   = []byte("services/record/")
	serviceCountKey = []byte("services/count")
	executionPrefix = []byte("services/exec/")
	buyBackPrefix   = []byte("services/buyback/")
)

func u64be(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func serviceKey(id uint64) []byte {
	return append(append([]byte(nil), servicePrefix...), u64be(id)...)
}

func executionKey(serviceID, index uint64) []byte {
	key := append(append([]byte(nil), executionPrefix...), u64be(serviceID)...)
	return append(key, u64be(index)...)
}

func buyBackKey(visibilityID string) []byte {
	hash := ethcrypto.Keccak256([]byte(visibilityID))
	return append(append([]byte(nil), buyBackPrefix...), hash...)
}

// --- state accessors ---

func (e *Engine) serviceCount() (uint64, error) {
	var count uint64
	if _, err := e.state.KVGet(serviceCountKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// ServiceByID loads a service record.
func (e *Engine) ServiceByID(id uint64) (*Service, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	stored := new(Service)
	ok, err := e.state.KVGet(serviceKey(id), stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrServiceNotFound
	}
	return stored, nil
}

func (e *Engine) storeService(s *Service) error {
	return e.state.KVPut(serviceKey(s.ID), s)
}

// ExecutionAt loads one execution of a service.
func (e *Engine) ExecutionAt(serviceID, index uint64) (*Execution, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	stored := new(Execution)
	ok, err := e.state.KVGet(executionKey(serviceID, index), stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return stored, nil
}

func (e *Engine) storeExecution(exec *Execution) error {
	return e.state.KVPut(executionKey(exec.ServiceID, exec.Index), exec)
}

// BuyBackPool returns the accrued buy-back balance for an entity.
func (e *Engine) BuyBackPool(visibilityID string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	balance := new(big.Int)
	ok, err := e.state.KVGet(buyBackKey(visibilityID), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

func (e *Engine) writeBuyBackPool(visibilityID string, balance *big.Int) error {
	return e.state.KVPut(buyBackKey(visibilityID), balance)
}

func (e *Engine) visibilityCreator(visibilityID string) ([20]byte, error) {
	if e.ledger == nil {
		return [20]byte{}, errNilLedger
	}
	vis, err := e.ledger.VisibilityByID(visibilityID)
	if err != nil {
		return [20]byte{}, err
	}
	return vis.Creator, nil
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
		return ErrInsufficientPayment
	}
	account.BalanceWei = new(big.Int).Sub(account.BalanceWei, amount)
	return e.state.PutAccount(addr[:], account)
}

// --- registry operations ---

func (e *Engine) createService(originator [20]byte, serviceType, visibilityID string, paymentType PaymentType, creditsCost, weiCost *big.Int, sharePpm uint32) (*Service, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.EnsureActive(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if isZeroAddress(originator) {
		return nil, ErrUnauthorized
	}
	sanitizedType, err := sanitizeServiceType(serviceType)
	if err != nil {
		return nil, err
	}
	normalizedVis, err := credits.NormalizeVisibilityID(visibilityID)
	if err != nil {
		return nil, err
	}
	service := &Service{
		Enabled:           true,
		ServiceType:       sanitizedType,
		VisibilityID:      normalizedVis,
		PaymentType:       paymentType,
		CreditsCostAmount: big.NewInt(0),
		WeiCostAmount:     big.NewInt(0),
		Originator:        originator,
		CreatedAt:         uint64(e.now()),
	}
	switch paymentType {
	case PaymentCredits:
		if creditsCost == nil || creditsCost.Sign() <= 0 {
			return nil, ErrInvalidAmount
		}
		service.CreditsCostAmount = new(big.Int).Set(creditsCost)
	case PaymentCurrency:
		if weiCost == nil || weiCost.Sign() <= 0 {
			return nil, ErrInvalidAmount
		}
		if sharePpm > MaxBuyBackSharePpm {
			return nil, ErrInvalidShare
		}
		service.WeiCostAmount = new(big.Int).Set(weiCost)
		service.BuyBackCreditsSharePpm = sharePpm
	default:
		return nil, ErrWrongPaymentType
	}
	count, err := e.serviceCount()
	if err != nil {
		return nil, err
	}
	service.ID = count
	if err := e.storeService(service); err != nil {
		return nil, err
	}
	if err := e.state.KVPut(serviceCountKey, count+1); err != nil {
		return nil, err
	}
	e.emit(newServiceCreatedEvent(service))
	return service.Clone(), nil
}

// CreateService lists a credits-priced service. Anyone may originate one.
func (e *Engine) CreateService(originator [20]byte, serviceType, visibilityID string, creditsCost *big.Int) (*Service, error) {
	return e.createService(originator, serviceType, visibilityID, PaymentCredits, creditsCost, nil, 0)
}

// CreateServiceWithWei lists a currency-priced service with a buy-back share.
func (e *Engine) CreateServiceWithWei(originator [20]byte, serviceType, visibilityID string, weiCost *big.Int, buyBackSharePpm uint32) (*Service, error) {
	return e.createService(originator, serviceType, visibilityID, PaymentCurrency, nil, weiCost, buyBackSharePpm)
}

// CreateAndUpdateFromService atomically disables the source service and lists
// a successor carrying forward type, visibility, payment mode and buy-back
// share with a new price. This is the only supported price-change path.
func (e *Engine) CreateAndUpdateFromService(caller [20]byte, sourceID uint64, newCost *big.Int) (*Service, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.EnsureActive(e.pauses, moduleName); err != nil {
		return nil, err
	}
	source, err := e.ServiceByID(sourceID)
	if err != nil {
		return nil, err
	}
	if caller != source.Originator {
		return nil, ErrUnauthorized
	}
	// The disable and the successor listing must land together; reject a bad
	// price before the source record changes.
	if newCost == nil || newCost.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if source.Enabled {
		source.Enabled = false
		if err := e.storeService(source); err != nil {
			return nil, err
		}
		e.emit(newServiceUpdatedEvent(source))
	}
	switch source.PaymentType {
	case PaymentCredits:
		return e.createService(caller, source.ServiceType, source.VisibilityID, PaymentCredits, newCost, nil, 0)
	default:
		return e.createService(caller, source.ServiceType, source.VisibilityID, PaymentCurrency, nil, newCost, source.BuyBackCreditsSharePpm)
	}
}

// UpdateService toggles the enabled flag. Originator only; in-flight
// executions are unaffected.
func (e *Engine) UpdateService(caller [20]byte, id uint64, enabled bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.EnsureActive(e.pauses, moduleName); err != nil {
		return err
	}
	service, err := e.ServiceByID(id)
	if err != nil {
		return err
	}
	if caller != service.Originator {
		return ErrUnauthorized
	}
	service.Enabled = enabled
	if err := e.storeService(service); err != nil {
		return err
	}
	e.emit(newServiceUpdatedEvent(service))
	return nil
}

// UpdateBuyBackCreditsShare adjusts the buy-back share of a currency service.
// Only the linked visibility creator may do so.
func (e *Engine) UpdateBuyBackCreditsShare(caller [20]byte, id uint64, sharePpm uint32) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.EnsureActive(e.pauses, moduleName); err != nil {
		return err
	}
	service, err := e.ServiceByID(id)
	if err != nil {
		return err
	}
	if service.PaymentType != PaymentCurrency {
		return ErrWrongPaymentType
	}
	creator, err := e.visibilityCreator(service.VisibilityID)
	if err != nil {
		return err
	}
	if isZeroAddress(creator) || caller != creator {
		return ErrUnauthorized
	}
	if sharePpm > MaxBuyBackSharePpm {
		return ErrInvalidShare
	}
	service.BuyBackCreditsSharePpm = sharePpm
	if err := e.storeService(service); err != nil {
		return err
	}
	e.emit(newBuyBackShareUpdatedEvent(service))
	return nil
}

// --- execution state machine ---

// RequestServiceExecution escrows the service price and opens a new
// execution at REQUESTED. Credits services pull the price through the
// ledger's privileged transfer and accept no currency; currency services
// debit exactly the listed price, with payment acting as the ceiling.
func (e *Engine) RequestServiceExecution(requester [20]byte, serviceID uint64, payment *big.Int, information string) (*Execution, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.EnsureActive(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := ValidatePayload(information); err != nil {
		return nil, err
	}
	if isZeroAddress(e.vault) {
		return nil, errNilVault
	}
	service, err := e.ServiceByID(serviceID)
	if err != nil {
		return nil, err
	}
	if !service.Enabled {
		return nil, ErrServiceDisabled
	}
	switch service.PaymentType {
	case PaymentCredits:
		if payment != nil && payment.Sign() != 0 {
			return nil, ErrPaymentNotAccepted
		}
		if e.ledger == nil {
			return nil, errNilLedger
		}
		if err := e.ledger.TransferCredits(e.vault, service.VisibilityID, requester, e.vault, service.CreditsCostAmount); err != nil {
			return nil, err
		}
	case PaymentCurrency:
		if payment == nil || payment.Cmp(service.WeiCostAmount) < 0 {
			return nil, ErrInsufficientPayment
		}
		if err := e.debitAccount(requester, service.WeiCostAmount); err != nil {
			return nil, err
		}
		if err := e.creditAccount(e.vault, service.WeiCostAmount); err != nil {
			return nil, err
		}
	}
	exec := &Execution{
		ServiceID:           service.ID,
		Index:               service.ExecutionsCount,
		State:               ExecutionRequested,
		Requester:           requester,
		LastUpdateTimestamp: uint64(e.now()),
	}
	if err := e.storeExecution(exec); err != nil {
		return nil, err
	}
	service.ExecutionsCount++
	if err := e.storeService(service); err != nil {
		return nil, err
	}
	e.emit(newExecutionEvent(EventTypeExecutionRequested, exec, information))
	return exec.Clone(), nil
}

// AddInformationForServiceExecution attaches a free-text note to an
// execution. Allowed from the visibility creator, the requester, or a dispute
// resolver; never changes state.
func (e *Engine) AddInformationForServiceExecution(caller [20]byte, serviceID, index uint64, information string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := ValidatePayload(information); err != nil {
		return err
	}
	service, err := e.ServiceByID(serviceID)
	if err != nil {
		return err
	}
	exec, err := e.ExecutionAt(serviceID, index)
	if err != nil {
		return err
	}
	creator, err := e.visibilityCreator(service.VisibilityID)
	if err != nil {
		return err
	}
	if caller != exec.Requester && caller != creator && !e.state.HasRole(roleDisputeResolver, caller[:]) {
		return ErrUnauthorized
	}
	e.emit(newExecutionEvent(EventTypeExecutionInformation, exec, information))
	return nil
}

// AcceptServiceExecution moves REQUESTED to ACCEPTED. Visibility creator only.
func (e *Engine) AcceptServiceExecution(caller [20]byte, serviceID, index uint64, information string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.EnsureActive(e.pauses, moduleName); err != nil {
		return err
	}
	if err := ValidatePayload(information); err != nil {
		return err
	}
	service, err := e.ServiceByID(serviceID)
	if err != nil {
		return err
	}
	exec, err := e.ExecutionAt(serviceID, index)
	if err != nil {
		return err
	}
	creator, err := e.visibilityCreator(service.VisibilityID)
	if err != nil {
		return err
	}
	if isZeroAddress(creator) || caller != creator {
		return ErrUnauthorized
	}
	if exec.State != ExecutionRequested {
		return fmt.Errorf("%w: %s", ErrInvalidState, exec.State)
	}
	exec.State = ExecutionAccepted
	exec.LastUpdateTimestamp = uint64(e.now())
	if err := e.storeExecution(exec); err != nil {
		return err
	}
	e.emit(newExecutionEvent(EventTypeExecutionAccepted, exec, information))
	return nil
}

// CancelServiceExecution moves REQUESTED to REFUNDED and returns the escrow.
// Requester or visibility creator.
func (e *Engine) CancelServiceExecution(caller [20]byte, serviceID, index uint64, information string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.EnsureActive(e.pauses, moduleName); err != nil {
		return err
	}
	if err := ValidatePayload(information); err != nil {
		return err
	}
	service, err := e.ServiceByID(serviceID)
	if err != nil {
		return err
	}
	exec, err := e.ExecutionAt(serviceID, index)
	if err != nil {
		return err
	}
	creator, err := e.visibilityCreator(service.VisibilityID)
	if err != nil {
		return err
	}
	if caller != exec.Requester && (isZeroAddress(creator) || caller != creator) {
		return ErrUnauthorized
	}
	if exec.State != ExecutionRequested {
		return fmt.Errorf("%w: %s", ErrInvalidState, exec.State)
	}
	if err := e.settleRefund(service, exec); err != nil {
		return err
	}
	e.emit(newExecutionEvent(EventTypeExecutionCanceled, exec, information))
	return nil
}

// ValidateServiceExecution moves ACCEPTED to VALIDATED and settles the
// payment. The requester may validate at any time; once the validation delay
// has elapsed since the last update, anyone may, so funds cannot be locked by
// an absent requester.
func (e *Engine) ValidateServiceExecution(caller [20]byte, serviceID, index uint64, information string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.EnsureActive(e.pauses, moduleName); err != nil {
		return err
	}
	if err := ValidatePayload(information); err != nil {
		return err
	}
	service, err := e.ServiceByID(serviceID)
	if err != nil {
		return err
	}
	exec, err := e.ExecutionAt(serviceID, index)
	if err != nil {
		return err
	}
	if exec.State != ExecutionAccepted {
		return fmt.Errorf("%w: %s", ErrInvalidState, exec.State)
	}
	if caller != exec.Requester {
		elapsed := e.now() - int64(exec.LastUpdateTimestamp)
		if elapsed < e.validationDelay {
			return ErrUnauthorized
		}
	}
	if err := e.settlePayment(service, exec); err != nil {
		return err
	}
	e.emit(newExecutionEvent(EventTypeExecutionValidated, exec, information))
	return nil
}

// DisputeServiceExecution moves ACCEPTED to DISPUTED. Requester only.
func (e *Engine) DisputeServiceExecution(caller [20]byte, serviceID, index uint64, information string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.EnsureActive(e.pauses, moduleName); err != nil {
		return err
	}
	if err := ValidatePayload(information); err != nil {
		return err
	}
	exec, err := e.ExecutionAt(serviceID, index)
	if err != nil {
		return err
	}
	if caller != exec.Requester {
		return ErrUnauthorized
	}
	if exec.State != ExecutionAccepted {
		return fmt.Errorf("%w: %s", ErrInvalidState, exec.State)
	}
	exec.State = ExecutionDisputed
	exec.LastUpdateTimestamp = uint64(e.now())
	if err := e.storeExecution(exec); err != nil {
		return err
	}
	e.emit(newExecutionEvent(EventTypeExecutionDisputed, exec, information))
	return nil
}

// ResolveServiceExecution settles a DISPUTED execution either way. Dispute
// resolver capability only; shouldRefund selects the refund branch.
func (e *Engine) ResolveServiceExecution(caller [20]byte, serviceID, index uint64, shouldRefund bool, information string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.EnsureActive(e.pauses, moduleName); err != nil {
		return err
	}
	if err := ValidatePayload(information); err != nil {
		return err
	}
	if !e.state.HasRole(roleDisputeResolver, caller[:]) {
		return ErrUnauthorized
	}
	service, err := e.ServiceByID(serviceID)
	if err != nil {
		return err
	}
	exec, err := e.ExecutionAt(serviceID, index)
	if err != nil {
		return err
	}
	if exec.State != ExecutionDisputed {
		return fmt.Errorf("%w: %s", ErrInvalidState, exec.State)
	}
	if shouldRefund {
		if err := e.settleRefund(service, exec); err != nil {
			return err
		}
	} else {
		if err := e.settlePayment(service, exec); err != nil {
			return err
		}
	}
	e.emit(newExecutionEvent(EventTypeExecutionResolved, exec, information))
	return nil
}

// settleRefund flips the execution to REFUNDED and returns the escrowed
// value to the requester. The state transition is committed before any value
// leaves the vault.
func (e *Engine) settleRefund(service *Service, exec *Execution) error {
	exec.State = ExecutionRefunded
	exec.LastUpdateTimestamp = uint64(e.now())
	if err := e.storeExecution(exec); err != nil {
		return err
	}
	switch service.PaymentType {
	case PaymentCredits:
		if e.ledger == nil {
			return errNilLedger
		}
		return e.ledger.TransferCredits(e.vault, service.VisibilityID, e.vault, exec.Requester, service.CreditsCostAmount)
	default:
		if err := e.debitAccount(e.vault, service.WeiCostAmount); err != nil {
			return err
		}
		return e.creditAccount(exec.Requester, service.WeiCostAmount)
	}
}

// settlePayment flips the execution to VALIDATED and pays the creator.
// Currency mode splits the price into the protocol fee, the buy-back accrual
// (which stays in the vault), and the creator remainder. Every failable
// precondition resolves before the state flip so a rejected settlement leaves
// the execution untouched.
func (e *Engine) settlePayment(service *Service, exec *Execution) error {
	creator, err := e.visibilityCreator(service.VisibilityID)
	if err != nil {
		return err
	}
	if isZeroAddress(creator) {
		return ErrCreatorNotSet
	}
	if e.ledger == nil {
		return errNilLedger
	}
	var treasury [20]byte
	if service.PaymentType == PaymentCurrency {
		treasury, err = e.ledger.Treasury()
		if err != nil {
			return err
		}
	}
	exec.State = ExecutionValidated
	exec.LastUpdateTimestamp = uint64(e.now())
	if err := e.storeExecution(exec); err != nil {
		return err
	}
	if service.PaymentType == PaymentCredits {
		return e.ledger.TransferCredits(e.vault, service.VisibilityID, e.vault, creator, service.CreditsCostAmount)
	}

	weiCost := service.WeiCostAmount
	protocolFee := new(big.Int).Mul(weiCost, big.NewInt(curve.ProtocolFeePpm))
	protocolFee.Div(protocolFee, big.NewInt(curve.FeeDenominator))
	buyBackAmount := new(big.Int).Mul(weiCost, big.NewInt(int64(service.BuyBackCreditsSharePpm)))
	buyBackAmount.Div(buyBackAmount, big.NewInt(curve.FeeDenominator))
	creatorAmount := new(big.Int).Sub(weiCost, protocolFee)
	creatorAmount.Sub(creatorAmount, buyBackAmount)

	// Accrue the pool before any payout leaves the vault.
	pool, err := e.BuyBackPool(service.VisibilityID)
	if err != nil {
		return err
	}
	pool = new(big.Int).Add(pool, buyBackAmount)
	if err := e.writeBuyBackPool(service.VisibilityID, pool); err != nil {
		return err
	}
	released := new(big.Int).Add(protocolFee, creatorAmount)
	if err := e.debitAccount(e.vault, released); err != nil {
		return err
	}
	if err := e.creditAccount(treasury, protocolFee); err != nil {
		return err
	}
	if err := e.creditAccount(creator, creatorAmount); err != nil {
		return err
	}
	e.emit(newPaymentSplitEvent(service.ID, exec.Index, service.VisibilityID, protocolFee.String(), buyBackAmount.String(), creatorAmount.String()))
	e.emit(newPoolCreditedEvent(service.VisibilityID, buyBackAmount.String(), pool.String()))
	return nil
}

// BuyBack retires creditsAmount credits using the entity's accrued buy-back
// pool. Creator only; maxWeiAmount bounds the realized cost.
func (e *Engine) BuyBack(caller [20]byte, visibilityID string, creditsAmount, maxWeiAmount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.EnsureActive(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if isZeroAddress(e.vault) {
		return nil, errNilVault
	}
	if creditsAmount == nil || creditsAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	normalized, err := credits.NormalizeVisibilityID(visibilityID)
	if err != nil {
		return nil, err
	}
	creator, err := e.visibilityCreator(normalized)
	if err != nil {
		return nil, err
	}
	if isZeroAddress(creator) || caller != creator {
		return nil, ErrUnauthorized
	}
	_, total, err := e.ledger.Quote(normalized, creditsAmount, e.vault, [20]byte{})
	if err != nil {
		return nil, err
	}
	if maxWeiAmount == nil || total.Cmp(maxWeiAmount) > 0 {
		return nil, ErrSlippageExceeded
	}
	// The purchase below needs a configured treasury; resolve it before the
	// pool is touched so a rejected buy-back leaves the pool intact.
	if _, err := e.ledger.Treasury(); err != nil {
		return nil, err
	}
	pool, err := e.BuyBackPool(normalized)
	if err != nil {
		return nil, err
	}
	if pool.Cmp(total) < 0 {
		return nil, ErrInsufficientPoolFunds
	}
	// Debit the pool before the purchase touches any account.
	remaining := new(big.Int).Sub(pool, total)
	if err := e.writeBuyBackPool(normalized, remaining); err != nil {
		return nil, err
	}
	if _, err := e.ledger.Buy(e.vault, normalized, creditsAmount, [20]byte{}, total); err != nil {
		return nil, err
	}
	e.emit(newPoolDebitedEvent(normalized, total.String(), remaining.String()))
	e.emit(newBuyBackExecutedEvent(normalized, creditsAmount.String(), total.String()))
	return total, nil
}
