package notifier

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Outcome describes how one webhook event was handled.
type Outcome struct {
	EventID     string    `json:"eventID"`
	EventType   string    `json:"eventType"`
	Kind        string    `json:"kind"`
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	CustomerRef string    `json:"customerRef,omitempty"`
	PaymentID   string    `json:"paymentID,omitempty"`
	Recipient   string    `json:"recipient,omitempty"`
	Amount      int64     `json:"amount,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, outcome Outcome) error
	Close() error
}

// LogNotifier writes outcomes to a structured logger. Failed deliveries and
// handler faults are logged at error level so operators can follow up by
// payment id; any other outcome carrying an error is a warning.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, o Outcome) error {
	level := slog.LevelInfo
	switch {
	case o.State == "failed" || o.State == "error":
		level = slog.LevelError
	case o.State == "skipped" || o.Error != "":
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("event_id", o.EventID),
		slog.String("event_type", o.EventType),
		slog.String("kind", o.Kind),
		slog.String("state", o.State),
		slog.String("reason", o.Reason),
		slog.String("customer_ref", o.CustomerRef),
		slog.String("payment_id", o.PaymentID),
		slog.String("recipient", o.Recipient),
		slog.Int64("amount", o.Amount),
	}
	if o.Error != "" {
		attrs = append(attrs, slog.String("error", o.Error))
	}
	n.logger.LogAttrs(ctx, level, "webhook event processed", attrs...)
	return nil
}

func (n *LogNotifier) Close() error { return nil }

// Multi fans an outcome out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, o Outcome) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ErrorLogging logs failures of the wrapped notifier instead of returning
// them, for sinks whose loss must not affect request handling.
type ErrorLogging struct {
	Notifier Notifier
	Logger   *slog.Logger
}

func (e ErrorLogging) Notify(ctx context.Context, o Outcome) error {
	if err := e.Notifier.Notify(ctx, o); err != nil {
		e.Logger.WarnContext(ctx, "outcome notifier failed", "event_id", o.EventID, "error", err)
	}
	return nil
}

func (e ErrorLogging) Close() error {
	return e.Notifier.Close()
}
