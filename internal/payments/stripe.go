package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// StripeSignatureHeader carries Stripe's timestamped signature.
const StripeSignatureHeader = "Stripe-Signature"

// StripeDecoder verifies and decodes Stripe webhooks.
type StripeDecoder struct {
	secret string
}

// NewStripeDecoder creates a decoder for the endpoint's signing secret.
func NewStripeDecoder(secret string) *StripeDecoder {
	return &StripeDecoder{secret: secret}
}

func (d *StripeDecoder) Provider() string { return ProviderStripe }

// Decode verifies the signature and maps the Stripe event onto an Event.
// Checkout metadata carries the same userId/depositCredits notes as other
// providers.
func (d *StripeDecoder) Decode(body []byte, h http.Header) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(body, h.Get(StripeSignatureHeader), d.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) || errors.Is(err, webhook.ErrTooOld) {
			return nil, ErrInvalidSignature
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if ev.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", ErrInvalidPayload, ev.ID)
	}

	src := Source{Provider: ProviderStripe, Type: string(ev.Type), EventID: ev.ID, Notes: map[string]string{}}
	raw := ev.Data.Raw

	switch string(ev.Type) {
	case "checkout.session.completed":
		var s stripe.CheckoutSession
		if err := unmarshal(raw, &s); err != nil {
			return nil, err
		}
		fillFromMetadata(&src, s.Metadata, customerID(s.Customer))
		if src.UserID() == "" && s.ClientReferenceID != "" {
			src.Notes[NoteUserID] = s.ClientReferenceID
		}
		p := Purchase{PaymentID: paymentIntentID(s.PaymentIntent), Amount: s.AmountTotal, Currency: string(s.Currency)}
		if p.PaymentID == "" {
			// Payment-less sessions (free trials) have nothing to credit.
			return &Unrecognized{Source: src}, nil
		}
		return &PaymentCaptured{Source: src, Purchase: p}, nil

	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := unmarshal(raw, &pi); err != nil {
			return nil, err
		}
		fillFromMetadata(&src, pi.Metadata, customerID(pi.Customer))
		p := Purchase{PaymentID: pi.ID, Amount: pi.Amount, Currency: string(pi.Currency)}
		if ev.Type == "payment_intent.succeeded" {
			return &OrderSettled{Source: src, Purchase: p}, nil
		}
		reason := ""
		if pi.LastPaymentError != nil {
			reason = pi.LastPaymentError.Msg
		}
		return &PaymentFailed{Source: src, Purchase: p, Reason: reason}, nil

	case "refund.created", "refund.updated", "refund.failed":
		var r stripe.Refund
		if err := unmarshal(raw, &r); err != nil {
			return nil, err
		}
		fillFromMetadata(&src, r.Metadata, "")
		ref := Refund{
			RefundID:  r.ID,
			PaymentID: paymentIntentID(r.PaymentIntent),
			Amount:    r.Amount,
			Currency:  string(r.Currency),
			Reason:    string(r.FailureReason),
		}
		switch {
		case ev.Type == "refund.created":
			return &RefundCreated{Source: src, Refund: ref}, nil
		case ev.Type == "refund.failed" || r.Status == stripe.RefundStatusFailed:
			return &RefundFailed{Source: src, Refund: ref}, nil
		case r.Status == stripe.RefundStatusSucceeded:
			return &RefundProcessed{Source: src, Refund: ref}, nil
		}
		return &Unrecognized{Source: src}, nil

	case "charge.dispute.created", "charge.dispute.closed":
		var dp stripe.Dispute
		if err := unmarshal(raw, &dp); err != nil {
			return nil, err
		}
		dis := Dispute{
			DisputeID: dp.ID,
			PaymentID: paymentIntentID(dp.PaymentIntent),
			Amount:    dp.Amount,
			Currency:  string(dp.Currency),
			Reason:    string(dp.Reason),
		}
		if ev.Type == "charge.dispute.created" {
			return &DisputeCreated{Source: src, Dispute: dis}, nil
		}
		switch dp.Status {
		case stripe.DisputeStatusWon:
			return &DisputeWon{Source: src, Dispute: dis}, nil
		case stripe.DisputeStatusLost:
			return &DisputeLost{Source: src, Dispute: dis}, nil
		}
		return &Unrecognized{Source: src}, nil
	}

	return &Unrecognized{Source: src}, nil
}

func unmarshal(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

func fillFromMetadata(src *Source, md map[string]string, customer string) {
	for k, v := range md {
		src.Notes[k] = v
	}
	src.CustomerID = customer
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func paymentIntentID(pi *stripe.PaymentIntent) string {
	if pi == nil {
		return ""
	}
	return pi.ID
}
