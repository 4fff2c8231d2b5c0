package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vedrankolka/contract-mailer/pkg/composer"
	"github.com/vedrankolka/contract-mailer/pkg/customer"
	"github.com/vedrankolka/contract-mailer/pkg/event"
	"github.com/vedrankolka/contract-mailer/pkg/guard"
	"github.com/vedrankolka/contract-mailer/pkg/mailer"
	"github.com/vedrankolka/contract-mailer/pkg/notifier"
	"github.com/vedrankolka/contract-mailer/pkg/policy"
)

type State string

const (
	// Acknowledged: authenticated event of a kind that needs no action.
	Acknowledged State = "acknowledged"
	Skipped      State = "skipped"
	Suppressed   State = "suppressed"
	Sent         State = "sent"
	Failed       State = "failed"
)

const (
	ReasonNoRecipient       = "no_recipient_email"
	ReasonUnsupportedAmount = "unsupported_amount"
	ReasonAlreadySent       = "already_sent"
	ReasonTransportFailure  = "transport_failure"
	ReasonMarkSentFailure   = "mark_sent_failed"
	ReasonUnhandledKind     = "unhandled_event_type"
	ReasonCustomerUpdated   = "customer_updated"
)

type Result struct {
	State  State
	Reason string
}

// NotifyTimeout bounds each outcome report.
const NotifyTimeout = 2 * time.Second

// Dispatcher runs one verified event through routing, the amount policy,
// the duplicate guard and delivery. It holds no mutable state.
type Dispatcher struct {
	policy   *policy.Policy
	composer *composer.Composer
	guard    *guard.Guard
	store    customer.Store
	mailer   mailer.Mailer
	notifier notifier.Notifier
	now      func() time.Time
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(
	p *policy.Policy,
	c *composer.Composer,
	g *guard.Guard,
	store customer.Store,
	m mailer.Mailer,
	n notifier.Notifier,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		policy:   p,
		composer: c,
		guard:    g,
		store:    store,
		mailer:   m,
		notifier: n,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch handles ev and reports exactly one outcome. The returned error
// is non-nil only when the event could not be processed and the sender
// should redeliver it; every other outcome is in Result.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Event) (Result, error) {
	out := notifier.Outcome{
		EventID:     ev.ID,
		EventType:   ev.Type,
		Kind:        ev.Kind.String(),
		CustomerRef: ev.CustomerRef,
		PaymentID:   ev.PaymentID,
		Amount:      ev.PaymentAmount,
		Currency:    ev.Currency,
	}

	var (
		res Result
		err error
	)
	switch ev.Kind {
	case event.PaymentSucceeded:
		res, err = d.paymentSucceeded(ctx, ev, &out)
	case event.CustomerUpdated:
		res = Result{State: Acknowledged, Reason: ReasonCustomerUpdated}
	default:
		res = Result{State: Acknowledged, Reason: ReasonUnhandledKind}
	}

	if err != nil {
		out.State = "error"
		out.Error = err.Error()
	} else {
		out.State = string(res.State)
		out.Reason = res.Reason
	}
	d.report(ctx, out)
	return res, err
}

func (d *Dispatcher) paymentSucceeded(ctx context.Context, ev *event.Event, out *notifier.Outcome) (Result, error) {
	var rec *customer.Record
	if ev.CustomerRef != "" {
		var err error
		rec, err = d.store.Get(ctx, ev.CustomerRef)
		if err != nil {
			return Result{}, fmt.Errorf("look up customer %q: %w", ev.CustomerRef, err)
		}
	}

	recipient := ev.ReceiptEmail
	name := ""
	if rec != nil {
		if strings.TrimSpace(rec.Email) != "" {
			recipient = rec.Email
		}
		name = rec.Name
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return Result{State: Skipped, Reason: ReasonNoRecipient}, nil
	}
	out.Recipient = recipient

	tmpl, ok := d.policy.Resolve(ev.PaymentAmount)
	if !ok {
		return Result{State: Skipped, Reason: ReasonUnsupportedAmount}, nil
	}

	// Without a customer reference there is no record to guard against.
	guarded := tmpl.SuppressDuplicates && ev.CustomerRef != ""
	held := false
	if guarded {
		allowed, claimed, err := d.guard.Claim(ctx, ev.CustomerRef, rec, ev.PaymentID)
		held = claimed
		if err != nil {
			return Result{}, err
		}
		if !allowed {
			return Result{State: Suppressed, Reason: ReasonAlreadySent}, nil
		}
	}

	content := d.composer.Compose(composer.Params{
		CustomerName: name,
		PaymentID:    ev.PaymentID,
		TemplateRef:  tmpl.Ref,
		Amount:       ev.PaymentAmount,
		Currency:     ev.Currency,
		SessionID:    ev.Metadata["session_id"],
	})

	err := d.mailer.Send(ctx, mailer.Message{
		To:      recipient,
		Subject: content.Subject,
		Text:    content.Text,
		HTML:    content.HTML,
	})
	if err != nil {
		out.Error = err.Error()
		if held {
			if relErr := d.guard.Release(ctx, ev.CustomerRef); relErr != nil {
				out.Error += "; release claim: " + relErr.Error()
			}
		}
		return Result{State: Failed, Reason: ReasonTransportFailure}, nil
	}

	if guarded && !d.guard.Atomic() {
		if err := d.guard.MarkSent(ctx, ev.CustomerRef, ev.PaymentID); err != nil {
			// The email is out; redelivery would send it again.
			out.Error = "mark sent: " + err.Error()
			return Result{State: Sent, Reason: ReasonMarkSentFailure}, nil
		}
	}
	return Result{State: Sent}, nil
}

func (d *Dispatcher) report(ctx context.Context, out notifier.Outcome) {
	if d.notifier == nil {
		return
	}
	out.At = d.now().UTC()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), NotifyTimeout)
	defer cancel()
	// Sink failures never change the outcome; the log sink is always first.
	_ = d.notifier.Notify(ctx, out)
}
