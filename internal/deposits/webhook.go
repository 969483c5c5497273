package deposits

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-CC-Webhook-Signature"

var (
	ErrBadSignature = errors.New("webhook signature mismatch")
	ErrMalformed    = errors.New("malformed webhook payload")
)

// Sign returns the hex signature of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares the expected MAC with the header value in constant time.
func VerifySignature(secret, body []byte, header string) error {
	got, err := hex.DecodeString(strings.TrimSpace(header))
	if err != nil || len(got) == 0 {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrBadSignature
	}
	return nil
}

const (
	TypeChargeConfirmed = "charge:confirmed"
	TypeChargeResolved  = "charge:resolved"
	TypeChargeFailed    = "charge:failed"
	TypeChargePending   = "charge:pending"
)

// Event is one of ChargeSettled, ChargeFailed, ChargePending or Unrecognized.
type Event interface {
	EventType() string
}

// ChargeSettled is a confirmed or resolved charge: credits the user once per Code.
type ChargeSettled struct {
	Type     string
	ChargeID string
	Code     string
	UserID   string
	PlanID   string
	Tokens   decimal.Decimal
	Amount   decimal.Decimal
	Currency string
}

type ChargeFailed struct {
	ChargeID string
	Code     string
	UserID   string
	PlanID   string
	Amount   decimal.Decimal
	Currency string
	Reason   string
}

type ChargePending struct {
	Code string
}

type Unrecognized struct {
	Type string
}

func (e ChargeSettled) EventType() string { return e.Type }
func (ChargeFailed) EventType() string    { return TypeChargeFailed }
func (ChargePending) EventType() string   { return TypeChargePending }
func (e Unrecognized) EventType() string  { return e.Type }

type wireEnvelope struct {
	Event *struct {
		Type string    `json:"type"`
		Data *wireData `json:"data"`
	} `json:"event"`
}

type wireMoney struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type wireData struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Metadata struct {
		UserID string          `json:"userId"`
		PlanID string          `json:"planId"`
		Tokens decimal.Decimal `json:"tokens"`
	} `json:"metadata"`
	Pricing struct {
		Local      *wireMoney `json:"local"`
		Settlement *wireMoney `json:"settlement"`
	} `json:"pricing"`
	Timeline []struct {
		Status  string `json:"status"`
		Context string `json:"context"`
	} `json:"timeline"`
}

func (d *wireData) price() (decimal.Decimal, string) {
	switch {
	case d.Pricing.Local != nil:
		return d.Pricing.Local.Amount, strings.ToUpper(d.Pricing.Local.Currency)
	case d.Pricing.Settlement != nil:
		return d.Pricing.Settlement.Amount, strings.ToUpper(d.Pricing.Settlement.Currency)
	}
	return decimal.Zero, ""
}

func (d *wireData) failureReason() string {
	for i := len(d.Timeline) - 1; i >= 0; i-- {
		if c := strings.TrimSpace(d.Timeline[i].Context); c != "" {
			return c
		}
	}
	return "charge failed"
}

// ParseEvent decodes and validates a webhook body into its typed variant. Shapes that a
// recognized type needs but lacks are rejected here, before any side effect.
func ParseEvent(raw []byte) (Event, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == nil || strings.TrimSpace(env.Event.Type) == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformed)
	}
	typ := env.Event.Type
	switch typ {
	case TypeChargeConfirmed, TypeChargeResolved, TypeChargeFailed, TypeChargePending:
	default:
		return Unrecognized{Type: typ}, nil
	}

	d := env.Event.Data
	if d == nil || strings.TrimSpace(d.Code) == "" {
		return nil, fmt.Errorf("%w: %s without charge code", ErrMalformed, typ)
	}
	amount, currency := d.price()

	switch typ {
	case TypeChargePending:
		return ChargePending{Code: d.Code}, nil
	case TypeChargeFailed:
		return ChargeFailed{
			ChargeID: d.ID,
			Code:     d.Code,
			UserID:   d.Metadata.UserID,
			PlanID:   d.Metadata.PlanID,
			Amount:   amount,
			Currency: currency,
			Reason:   d.failureReason(),
		}, nil
	}

	if strings.TrimSpace(d.Metadata.UserID) == "" {
		return nil, fmt.Errorf("%w: %s %s without metadata.userId", ErrMalformed, typ, d.Code)
	}
	if !d.Metadata.Tokens.IsPositive() {
		return nil, fmt.Errorf("%w: %s %s with non-positive metadata.tokens", ErrMalformed, typ, d.Code)
	}
	return ChargeSettled{
		Type:     typ,
		ChargeID: d.ID,
		Code:     d.Code,
		UserID:   d.Metadata.UserID,
		PlanID:   d.Metadata.PlanID,
		Tokens:   d.Metadata.Tokens,
		Amount:   amount,
		Currency: currency,
	}, nil
}
