package composer

import (
	"fmt"
	"html"
	"strings"

	"github.com/vedrankolka/contract-mailer/pkg/policy"
)

const (
	Subject             = "Your contract and payment are confirmed"
	DefaultCustomerName = "Customer"
	DefaultServiceName  = "Minna no Zeimu Komon"
)

// Catalog resolves template references to their definitions.
type Catalog interface {
	Template(ref string) (policy.Template, bool)
}

// Params carries the per-payment values embedded in the message.
type Params struct {
	CustomerName string
	PaymentID    string
	TemplateRef  string
	Amount       int64
	Currency     string
	SessionID    string
}

// Message is the composed content. The recipient is set by the caller.
type Message struct {
	Subject string
	Text    string
	HTML    string
}

type Composer struct {
	catalog      Catalog
	defaultName  string
	serviceName  string
	contactEmail string
}

type Option func(*Composer)

func WithDefaultCustomerName(name string) Option {
	return func(c *Composer) {
		if strings.TrimSpace(name) != "" {
			c.defaultName = name
		}
	}
}

func WithServiceName(name string) Option {
	return func(c *Composer) {
		if strings.TrimSpace(name) != "" {
			c.serviceName = name
		}
	}
}

// WithContactEmail sets the address printed in the signature block.
func WithContactEmail(addr string) Option {
	return func(c *Composer) { c.contactEmail = addr }
}

func New(catalog Catalog, opts ...Option) *Composer {
	c := &Composer{
		catalog:     catalog,
		defaultName: DefaultCustomerName,
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose builds the confirmation message. It panics when p.TemplateRef is
// not in the catalog: references always come from the same policy that
// built the catalog.
func (c *Composer) Compose(p Params) Message {
	tmpl, ok := c.catalog.Template(p.TemplateRef)
	if !ok {
		panic(fmt.Sprintf("composer: unknown template %q", p.TemplateRef))
	}

	name := strings.TrimSpace(p.CustomerName)
	if name == "" {
		name = c.defaultName
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = "N/A"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Dear %s,\n\n", name)
	fmt.Fprintf(&b, "Thank you for signing up for %s. Your payment has been completed.\n\n", c.serviceName)
	b.WriteString("Payment details\n")
	fmt.Fprintf(&b, "Amount: %s\n", FormatAmount(p.Amount, p.Currency))
	fmt.Fprintf(&b, "Payment ID: %s\n", p.PaymentID)
	fmt.Fprintf(&b, "Session ID: %s\n", sessionID)
	b.WriteString("Please keep these identifiers as proof of payment.\n\n")
	b.WriteString("Next steps\n")
	b.WriteString("1. Fill in the onboarding form. Access cannot be granted until it is complete.\n")
	fmt.Fprintf(&b, "   %s\n", tmpl.FormURL)
	b.WriteString("2. We will prepare a shared folder for your receipts and send instructions separately.\n")
	b.WriteString("3. Chat access is granted on business days.\n\n")
	fmt.Fprintf(&b, "%s support\n", c.serviceName)
	if c.contactEmail != "" {
		fmt.Fprintf(&b, "%s\n", c.contactEmail)
	}

	text := b.String()
	return Message{
		Subject: Subject,
		Text:    text,
		HTML:    toHTML(text),
	}
}

// FormatAmount renders minor units as a decimal amount with its currency code.
func FormatAmount(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	s := fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
	if currency != "" {
		s += " " + strings.ToUpper(currency)
	}
	return s
}

func toHTML(text string) string {
	escaped := html.EscapeString(strings.TrimRight(text, "\n"))
	return "<div>" + strings.ReplaceAll(escaped, "\n", "<br>\n") + "</div>"
}
