package services

import (
	"encoding/hex"
	"strconv"

	"vismarket/core/types"
)

const (
	EventTypeServiceCreated       = "services.created"
	EventTypeServiceUpdated       = "services.updated"
	EventTypeBuyBackShareUpdated  = "services.buyback_share_updated"
	EventTypeExecutionRequested   = "services.execution.requested"
	EventTypeExecutionAccepted    = "services.execution.accepted"
	EventTypeExecutionCanceled    = "services.execution.canceled"
	EventTypeExecutionValidated   = "services.execution.validated"
	EventTypeExecutionDisputed    = "services.execution.disputed"
	EventTypeExecutionResolved    = "services.execution.resolved"
	EventTypeExecutionInformation = "services.execution.information"
	EventTypePaymentSplit         = "services.payment_split"
	EventTypeBuyBackPoolCredited  = "services.buyback.pool_credited"
	EventTypeBuyBackPoolDebited   = "services.buyback.pool_debited"
	EventTypeBuyBackExecuted      = "services.buyback.executed"
)

type serviceEvent struct {
	evt *types.Event
}

func (e serviceEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e serviceEvent) Event() *types.Event { return e.evt }

func hexAddr(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func newServiceCreatedEvent(s *Service) *types.Event {
	attrs := map[string]string{
		"serviceId":    strconv.FormatUint(s.ID, 10),
		"serviceType":  s.ServiceType,
		"visibilityId": s.VisibilityID,
		"paymentType":  s.PaymentType.String(),
		"originator":   hexAddr(s.Originator),
	}
	switch s.PaymentType {
	case PaymentCredits:
		attrs["creditsCostAmount"] = s.CreditsCostAmount.String()
	case PaymentCurrency:
		attrs["weiCostAmount"] = s.WeiCostAmount.String()
		attrs["buyBackCreditsSharePpm"] = strconv.FormatUint(uint64(s.BuyBackCreditsSharePpm), 10)
	}
	return &types.Event{Type: EventTypeServiceCreated, Attributes: attrs}
}

func newServiceUpdatedEvent(s *Service) *types.Event {
	return &types.Event{Type: EventTypeServiceUpdated, Attributes: map[string]string{
		"serviceId": strconv.FormatUint(s.ID, 10),
		"enabled":   strconv.FormatBool(s.Enabled),
	}}
}

func newBuyBackShareUpdatedEvent(s *Service) *types.Event {
	return &types.Event{Type: EventTypeBuyBackShareUpdated, Attributes: map[string]string{
		"serviceId":              strconv.FormatUint(s.ID, 10),
		"buyBackCreditsSharePpm": strconv.FormatUint(uint64(s.BuyBackCreditsSharePpm), 10),
	}}
}

func newExecutionEvent(eventType string, exec *Execution, info string) *types.Event {
	attrs := map[string]string{
		"serviceId": strconv.FormatUint(exec.ServiceID, 10),
		"index":     strconv.FormatUint(exec.Index, 10),
		"state":     exec.State.String(),
		"requester": hexAddr(exec.Requester),
	}
	if info != "" {
		attrs["information"] = info
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newPaymentSplitEvent(serviceID, index uint64, visibilityID, protocolFee, buyBackAmount, creatorAmount string) *types.Event {
	return &types.Event{Type: EventTypePaymentSplit, Attributes: map[string]string{
		"serviceId":     strconv.FormatUint(serviceID, 10),
		"index":         strconv.FormatUint(index, 10),
		"visibilityId":  visibilityID,
		"protocolFee":   protocolFee,
		"buyBackAmount": buyBackAmount,
		"creatorAmount": creatorAmount,
	}}
}

func newPoolCreditedEvent(visibilityID, amount, balance string) *types.Event {
	return &types.Event{Type: EventTypeBuyBackPoolCredited, Attributes: map[string]string{
		"visibilityId": visibilityID,
		"amount":       amount,
		"balance":      balance,
	}}
}

func newPoolDebitedEvent(visibilityID, amount, balance string) *types.Event {
	return &types.Event{Type: EventTypeBuyBackPoolDebited, Attributes: map[string]string{
		"visibilityId": visibilityID,
		"amount":       amount,
		"balance":      balance,
	}}
}

func newBuyBackExecutedEvent(visibilityID, creditsAmount, weiCost string) *types.Event {
	return &types.Event{Type: EventTypeBuyBackExecuted, Attributes: map[string]string{
		"visibilityId":  visibilityID,
		"creditsAmount": creditsAmount,
		"weiCost":       weiCost,
	}}
}
