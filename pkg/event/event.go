package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"
)

var (
	ErrSignatureInvalid    = errors.New("signature invalid")
	ErrMalformedHeader     = errors.New("malformed signature header")
	ErrUnrecognizedPayload = errors.New("unrecognized payload")
)

const SignatureHeader = "Stripe-Signature"

type Kind int

const (
	Other Kind = iota
	PaymentSucceeded
	CustomerUpdated
)

func (k Kind) String() string {
	switch k {
	case PaymentSucceeded:
		return "payment_succeeded"
	case CustomerUpdated:
		return "customer_updated"
	default:
		return "other"
	}
}

// Event is an authenticated Stripe event reduced to what the mailer needs.
// Only Verifier builds it.
type Event struct {
	ID   string
	Type string
	Kind Kind

	PaymentID     string
	PaymentAmount int64
	Currency      string
	ReceiptEmail  string
	CustomerRef   string
	Metadata      map[string]string

	// Set for CustomerUpdated.
	CustomerEmail string
	HasAddress    bool
}

// Verifier authenticates raw webhook bodies against the endpoint secret.
type Verifier struct {
	secret          string
	tolerance       time.Duration
	ignoreTolerance bool
}

type Option func(*Verifier)

// WithTolerance sets how old a signed timestamp may be.
func WithTolerance(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.tolerance = d
		}
	}
}

// WithoutTolerance disables the timestamp check, e.g. for replaying stored events.
func WithoutTolerance() Option {
	return func(v *Verifier) { v.ignoreTolerance = true }
}

func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("webhook secret cannot be empty")
	}
	v := &Verifier{secret: secret, tolerance: webhook.DefaultTolerance}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks signatureHeader against the exact bytes of rawBody and
// decodes the event. rawBody must not be re-serialized by the caller.
func (v *Verifier) Verify(rawBody []byte, signatureHeader string) (*Event, error) {
	var (
		se  stripe.Event
		err error
	)
	if v.ignoreTolerance {
		se, err = webhook.ConstructEventIgnoringTolerance(rawBody, signatureHeader, v.secret)
	} else {
		se, err = webhook.ConstructEventWithTolerance(rawBody, signatureHeader, v.secret, v.tolerance)
	}
	if err != nil {
		return nil, classify(err)
	}

	return decode(se)
}

func classify(err error) error {
	switch {
	case errors.Is(err, webhook.ErrNotSigned), errors.Is(err, webhook.ErrInvalidHeader):
		return fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	case errors.Is(err, webhook.ErrNoValidSignature), errors.Is(err, webhook.ErrTooOld):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	default:
		// The signature matched but the body is not a Stripe event.
		return fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}
}

func decode(se stripe.Event) (*Event, error) {
	typ := string(se.Type)
	if se.ID == "" || typ == "" || se.Data == nil {
		return nil, fmt.Errorf("%w: missing id, type or data", ErrUnrecognizedPayload)
	}

	ev := &Event{ID: se.ID, Type: typ, Metadata: map[string]string{}}

	switch typ {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(se.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: payment intent: %v", ErrUnrecognizedPayload, err)
		}
		if pi.ID == "" {
			return nil, fmt.Errorf("%w: payment intent without id", ErrUnrecognizedPayload)
		}
		ev.Kind = PaymentSucceeded
		ev.PaymentID = pi.ID
		ev.PaymentAmount = pi.Amount
		ev.Currency = string(pi.Currency)
		ev.ReceiptEmail = pi.ReceiptEmail
		if pi.Customer != nil {
			ev.CustomerRef = pi.Customer.ID
		}
		for k, val := range pi.Metadata {
			ev.Metadata[k] = val
		}
	case "customer.updated":
		var c stripe.Customer
		if err := json.Unmarshal(se.Data.Raw, &c); err != nil {
			return nil, fmt.Errorf("%w: customer: %v", ErrUnrecognizedPayload, err)
		}
		ev.Kind = CustomerUpdated
		ev.CustomerRef = c.ID
		ev.CustomerEmail = c.Email
		ev.HasAddress = c.Address != nil
		for k, val := range c.Metadata {
			ev.Metadata[k] = val
		}
	default:
		ev.Kind = Other
	}

	return ev, nil
}
