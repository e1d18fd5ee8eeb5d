package credits

import (
	"encoding/hex"
	"strconv"

	"vismarket/core/types"
	"vismarket/native/curve"
)

const (
	EventTypeTrade              = "credits.trade"
	EventTypeCreatorFeeClaimed  = "credits.creator_fee_claimed"
	EventTypeCreatorLinked      = "credits.creator_linked"
	EventTypePartnerLinked      = "credits.partner_linked"
	EventTypeCreditsTransferred = "credits.transferred"
	EventTypeTreasuryUpdated    = "credits.treasury_updated"
)

type creditsEvent struct {
	evt *types.Event
}

func (e creditsEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e creditsEvent) Event() *types.Event { return e.evt }

func hexAddr(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func newTradeEvent(visibilityID string, trader [20]byte, isBuy bool, amount string, fees curve.FeeBreakdown, newSupply string) *types.Event {
	return &types.Event{Type: EventTypeTrade, Attributes: map[string]string{
		"visibilityId": visibilityID,
		"trader":       hexAddr(trader),
		"isBuy":        strconv.FormatBool(isBuy),
		"amount":       amount,
		"tradeCost":    fees.TradeCost.String(),
		"creatorFee":   fees.CreatorFee.String(),
		"protocolFee":  fees.ProtocolFee.String(),
		"referrerFee":  fees.ReferrerFee.String(),
		"partnerFee":   fees.PartnerFee.String(),
		"referrer":     hexAddr(fees.Referrer),
		"partner":      hexAddr(fees.Partner),
		"totalSupply":  newSupply,
	}}
}

func newCreatorFeeClaimedEvent(visibilityID string, creator [20]byte, amount string) *types.Event {
	return &types.Event{Type: EventTypeCreatorFeeClaimed, Attributes: map[string]string{
		"visibilityId": visibilityID,
		"creator":      hexAddr(creator),
		"amount":       amount,
	}}
}

func newCreatorLinkedEvent(visibilityID string, creator [20]byte) *types.Event {
	return &types.Event{Type: EventTypeCreatorLinked, Attributes: map[string]string{
		"visibilityId": visibilityID,
		"creator":      hexAddr(creator),
	}}
}

func newPartnerLinkedEvent(referrer, partner [20]byte) *types.Event {
	return &types.Event{Type: EventTypePartnerLinked, Attributes: map[string]string{
		"referrer": hexAddr(referrer),
		"partner":  hexAddr(partner),
	}}
}

func newCreditsTransferredEvent(visibilityID string, from, to [20]byte, amount string) *types.Event {
	return &types.Event{Type: EventTypeCreditsTransferred, Attributes: map[string]string{
		"visibilityId": visibilityID,
		"from":         hexAddr(from),
		"to":           hexAddr(to),
		"amount":       amount,
	}}
}

func newTreasuryUpdatedEvent(treasury [20]byte) *types.Event {
	return &types.Event{Type: EventTypeTreasuryUpdated, Attributes: map[string]string{
		"treasury": hexAddr(treasury),
	}}
}
