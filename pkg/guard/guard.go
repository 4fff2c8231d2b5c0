package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vedrankolka/contract-mailer/pkg/customer"
)

// Annotation keys written to the customer record.
const (
	FieldSent      = "contract_email_sent"
	FieldSentAt    = "contract_email_sent_at"
	FieldPaymentID = "contract_email_payment_id"
)

// Guard decides whether a customer may receive the contract email.
//
// By default it reads the flag before sending and writes it after a
// successful send. Two concurrent events for one customer can both pass
// that check. With WithAtomicClaim and a customer.ConditionalStore the flag
// is claimed atomically before sending instead.
type Guard struct {
	store  customer.Store
	cond   customer.ConditionalStore
	atomic bool
	now    func() time.Time
}

type Option func(*Guard)

// WithAtomicClaim enables claim-before-send when the store supports it.
func WithAtomicClaim() Option {
	return func(g *Guard) { g.atomic = true }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func New(store customer.Store, opts ...Option) *Guard {
	g := &Guard{store: store, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	if g.atomic {
		cond, ok := store.(customer.ConditionalStore)
		if ok {
			g.cond = cond
		} else {
			g.atomic = false
		}
	}
	return g
}

// Atomic reports whether Claim is backed by a conditional write.
func (g *Guard) Atomic() bool {
	return g.atomic
}

// ShouldSend is true unless the customer record carries the sent flag.
func (g *Guard) ShouldSend(ctx context.Context, ref string) (bool, error) {
	r, err := g.store.Get(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("read send record for %q: %w", ref, err)
	}
	return !AlreadySent(r), nil
}

// AlreadySent reports whether r carries the sent flag. A nil record has
// never been sent to.
func AlreadySent(r *customer.Record) bool {
	return r != nil && r.Fields[FieldSent] == "true"
}

// MarkSent records that the email went out for paymentID.
func (g *Guard) MarkSent(ctx context.Context, ref, paymentID string) error {
	return g.store.Annotate(ctx, ref, g.sentFields(paymentID))
}

// Claim decides whether the email may go out for rec, the record the caller
// already read for ref. Without atomic support the decision is made from
// rec alone. Otherwise the flag is set only if it is not already set, and
// held reports whether this call wrote it.
func (g *Guard) Claim(ctx context.Context, ref string, rec *customer.Record, paymentID string) (allowed, held bool, err error) {
	if !g.atomic {
		return !AlreadySent(rec), false, nil
	}
	if rec == nil {
		return true, false, nil
	}
	ok, err := g.cond.AnnotateUnless(ctx, ref, FieldSent, "true", g.sentFields(paymentID))
	if errors.Is(err, customer.ErrNotFound) {
		// Removed since it was read; nothing can say it was sent.
		return true, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("claim send record for %q: %w", ref, err)
	}
	return ok, ok, nil
}

// Release undoes a held Claim after a failed delivery.
func (g *Guard) Release(ctx context.Context, ref string) error {
	return g.store.Annotate(ctx, ref, map[string]string{
		FieldSent:      "false",
		FieldSentAt:    "",
		FieldPaymentID: "",
	})
}

func (g *Guard) sentFields(paymentID string) map[string]string {
	return map[string]string{
		FieldSent:      "true",
		FieldSentAt:    g.now().UTC().Format(time.RFC3339),
		FieldPaymentID: paymentID,
	}
}
