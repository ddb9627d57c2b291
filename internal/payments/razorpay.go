package payments

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Razorpay header names.
const (
	RazorpaySignatureHeader = "X-Razorpay-Signature"
	RazorpayEventIDHeader   = "X-Razorpay-Event-Id"
)

// RazorpayDecoder verifies and decodes Razorpay webhooks.
type RazorpayDecoder struct {
	secret []byte
}

// NewRazorpayDecoder creates a decoder for the given webhook secret.
func NewRazorpayDecoder(secret string) *RazorpayDecoder {
	return &RazorpayDecoder{secret: []byte(secret)}
}

func (d *RazorpayDecoder) Provider() string { return ProviderRazorpay }

// Sign returns the hex HMAC-SHA256 of body under the decoder's secret.
func (d *RazorpayDecoder) Sign(body []byte) string {
	mac := hmac.New(sha256.New, d.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Decode checks the signature over the raw body, then maps the envelope
// onto an Event.
func (d *RazorpayDecoder) Decode(body []byte, h http.Header) (Event, error) {
	sig := strings.TrimSpace(h.Get(RazorpaySignatureHeader))
	if sig == "" || !hmac.Equal([]byte(sig), []byte(d.Sign(body))) {
		return nil, ErrInvalidSignature
	}

	var env razorpayEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrInvalidPayload)
	}
	return env.toEvent(h.Get(RazorpayEventIDHeader))
}

type razorpayEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity razorpayPayment `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity razorpayOrder `json:"entity"`
		} `json:"order"`
		Refund *struct {
			Entity razorpayRefund `json:"entity"`
		} `json:"refund"`
		Dispute *struct {
			Entity razorpayDispute `json:"entity"`
		} `json:"dispute"`
	} `json:"payload"`
}

type razorpayPayment struct {
	ID               string `json:"id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	OrderID          string `json:"order_id"`
	CustomerID       string `json:"customer_id"`
	Notes            Notes  `json:"notes"`
	ErrorDescription string `json:"error_description"`
	ErrorReason      string `json:"error_reason"`
}

type razorpayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Notes    Notes  `json:"notes"`
}

type razorpayRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Notes     Notes  `json:"notes"`
}

type razorpayDispute struct {
	ID         string `json:"id"`
	PaymentID  string `json:"payment_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	ReasonCode string `json:"reason_code"`
}

func (env *razorpayEnvelope) toEvent(eventID string) (Event, error) {
	src := Source{Provider: ProviderRazorpay, Type: env.Event, EventID: eventID, Notes: map[string]string{}}

	var pay razorpayPayment
	if env.Payload.Payment != nil {
		pay = env.Payload.Payment.Entity
		src.CustomerID = pay.CustomerID
		mergeNotes(src.Notes, pay.Notes)
	}
	if env.Payload.Order != nil {
		// Order notes are set at checkout and win over payment notes.
		mergeNotes(src.Notes, env.Payload.Order.Entity.Notes)
	}

	purchase := func() (Purchase, error) {
		p := Purchase{PaymentID: pay.ID, OrderID: pay.OrderID, Amount: pay.Amount, Currency: pay.Currency}
		if env.Payload.Order != nil {
			o := env.Payload.Order.Entity
			p.OrderID = o.ID
			if p.Amount == 0 {
				p.Amount, p.Currency = o.Amount, o.Currency
			}
		}
		if p.Reference() == "" {
			return p, fmt.Errorf("%w: %s without payment or order id", ErrInvalidPayload, env.Event)
		}
		return p, nil
	}
	refund := func() (Refund, error) {
		if env.Payload.Refund == nil || env.Payload.Refund.Entity.ID == "" {
			return Refund{}, fmt.Errorf("%w: %s without refund entity", ErrInvalidPayload, env.Event)
		}
		r := env.Payload.Refund.Entity
		mergeNotes(src.Notes, r.Notes)
		if r.PaymentID == "" {
			r.PaymentID = pay.ID
		}
		return Refund{RefundID: r.ID, PaymentID: r.PaymentID, Amount: r.Amount, Currency: r.Currency}, nil
	}
	dispute := func() (Dispute, error) {
		if env.Payload.Dispute == nil || env.Payload.Dispute.Entity.ID == "" {
			return Dispute{}, fmt.Errorf("%w: %s without dispute entity", ErrInvalidPayload, env.Event)
		}
		dp := env.Payload.Dispute.Entity
		if dp.PaymentID == "" {
			dp.PaymentID = pay.ID
		}
		return Dispute{DisputeID: dp.ID, PaymentID: dp.PaymentID, Amount: dp.Amount, Currency: dp.Currency, Reason: dp.ReasonCode}, nil
	}

	switch env.Event {
	case "payment.captured":
		p, err := purchase()
		return &PaymentCaptured{Source: src, Purchase: p}, err
	case "order.paid":
		p, err := purchase()
		return &OrderSettled{Source: src, Purchase: p}, err
	case "payment.failed":
		p, err := purchase()
		reason := pay.ErrorDescription
		if reason == "" {
			reason = pay.ErrorReason
		}
		return &PaymentFailed{Source: src, Purchase: p, Reason: reason}, err
	case "refund.created":
		r, err := refund()
		return &RefundCreated{Source: src, Refund: r}, err
	case "refund.processed":
		r, err := refund()
		return &RefundProcessed{Source: src, Refund: r}, err
	case "refund.failed":
		r, err := refund()
		return &RefundFailed{Source: src, Refund: r}, err
	case "payment.dispute.created":
		d, err := dispute()
		return &DisputeCreated{Source: src, Dispute: d}, err
	case "payment.dispute.won":
		d, err := dispute()
		return &DisputeWon{Source: src, Dispute: d}, err
	case "payment.dispute.lost":
		d, err := dispute()
		return &DisputeLost{Source: src, Dispute: d}, err
	default:
		return &Unrecognized{Source: src}, nil
	}
}

// Notes is a provider notes object. Razorpay sends an empty array when no
// notes were set, and values may be strings or numbers.
type Notes map[string]string

func (n *Notes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte("[]")) {
		*n = Notes{}
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("notes: %w", err)
	}
	out := make(Notes, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		var num json.Number
		if err := json.Unmarshal(v, &num); err == nil {
			out[k] = num.String()
			continue
		}
		out[k] = string(v)
	}
	*n = out
	return nil
}

func mergeNotes(dst map[string]string, src Notes) {
	for k, v := range src {
		dst[k] = v
	}
}
