package services

import (
	"fmt"
	"math/big"
	"strings"
)

// PaymentType selects how a service execution is escrowed and settled. The
// design supports exactly these two rails.
type PaymentType uint8

const (
	PaymentCredits PaymentType = iota
	PaymentCurrency
)

// Valid reports whether the payment type is a supported value.
func (p PaymentType) Valid() bool {
	return p == PaymentCredits || p == PaymentCurrency
}

func (p PaymentType) String() string {
	switch p {
	case PaymentCredits:
		return "CREDITS"
	case PaymentCurrency:
		return "CURRENCY"
	default:
		return fmt.Sprintf("PaymentType(%d)", uint8(p))
	}
}

// ExecutionState tracks a single escrowed payment instance through the
// request/accept/validate/dispute protocol. Validated and Refunded are
// terminal; executions never leave them and are never deleted.
type ExecutionState uint8

const (
	ExecutionUninitialized ExecutionState = iota
	ExecutionRequested
	ExecutionAccepted
	ExecutionDisputed
	ExecutionValidated
	ExecutionRefunded
)

// Terminal reports whether the state permits no further transitions.
func (s ExecutionState) Terminal() bool {
	return s == ExecutionValidated || s == ExecutionRefunded
}

// Valid reports whether the state value is within the supported range.
func (s ExecutionState) Valid() bool {
	return s <= ExecutionRefunded
}

func (s ExecutionState) String() string {
	switch s {
	case ExecutionUninitialized:
		return "UNINITIALIZED"
	case ExecutionRequested:
		return "REQUESTED"
	case ExecutionAccepted:
		return "ACCEPTED"
	case ExecutionDisputed:
		return "DISPUTED"
	case ExecutionValidated:
		return "VALIDATED"
	case ExecutionRefunded:
		return "REFUNDED"
	default:
		return fmt.Sprintf("ExecutionState(%d)", uint8(s))
	}
}

// Service is a listed off-chain offering priced in credits or currency.
// Listings are immutable except for the enabled flag and the buy-back share;
// price changes go through create-and-update, which disables the source and
// lists a successor so history stays intact.
type Service struct {
	ID                     uint64      `json:"id"`
	Enabled                bool        `json:"enabled"`
	ServiceType            string      `json:"serviceType"`
	VisibilityID           string      `json:"visibilityId"`
	PaymentType            PaymentType `json:"paymentType"`
	CreditsCostAmount      *big.Int    `json:"creditsCostAmount"`
	WeiCostAmount          *big.Int    `json:"weiCostAmount"`
	BuyBackCreditsSharePpm uint32      `json:"buyBackCreditsSharePpm"`
	Originator             [20]byte    `json:"originator"`
	ExecutionsCount        uint64      `json:"executionsCount"`
	CreatedAt              uint64      `json:"createdAt"`
}

// Clone returns a deep copy of the service record.
func (s *Service) Clone() *Service {
	if s == nil {
		return nil
	}
	clone := *s
	if s.CreditsCostAmount != nil {
		clone.CreditsCostAmount = new(big.Int).Set(s.CreditsCostAmount)
	} else {
		clone.CreditsCostAmount = big.NewInt(0)
	}
	if s.WeiCostAmount != nil {
		clone.WeiCostAmount = new(big.Int).Set(s.WeiCostAmount)
	} else {
		clone.WeiCostAmount = big.NewInt(0)
	}
	return &clone
}

// Execution is one escrowed payment instance against a service.
type Execution struct {
	ServiceID           uint64         `json:"serviceId"`
	Index               uint64         `json:"index"`
	State               ExecutionState `json:"state"`
	Requester           [20]byte       `json:"requester"`
	LastUpdateTimestamp uint64         `json:"lastUpdateTimestamp"`
}

// Clone returns a copy of the execution record.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// MaxPayloadBytes caps the free-text payload attached to execution
// transitions. Oversize payloads are rejected before any state mutation.
const MaxPayloadBytes = 2000

// ValidatePayload enforces the payload size cap.
func ValidatePayload(payload string) error {
	if len(payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	return nil
}

func sanitizeServiceType(serviceType string) (string, error) {
	trimmed := strings.TrimSpace(serviceType)
	if trimmed == "" {
		return "", fmt.Errorf("services: service type required")
	}
	return trimmed, nil
}
