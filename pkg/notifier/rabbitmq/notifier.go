package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/rabbitmq/amqp091-go"

	"github.com/vedrankolka/contract-mailer/pkg/notifier"
)

const DefaultExchange = "contract_email_events"

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Notifier publishes outcomes to a topic exchange with routing key
// contract_email.<state>.
type Notifier struct {
	conn     *amqp091.Connection
	channel  publisher
	exchange string
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func NewNotifier(amqpURL, exchange string) (*Notifier, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp091.Dial(cleanURL)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	return &Notifier{conn: conn, channel: channel, exchange: exchange}, nil
}

func RoutingKey(o notifier.Outcome) string {
	state := o.State
	if state == "" {
		state = "unknown"
	}
	return "contract_email." + state
}

func (n *Notifier) Notify(ctx context.Context, o notifier.Outcome) error {
	body, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return n.channel.PublishWithContext(ctx,
		n.exchange,    // exchange
		RoutingKey(o), // routing key
		false,         // mandatory
		false,         // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    o.EventID,
			Body:         body,
		})
}

func (n *Notifier) Close() error {
	var errs []error
	if n.channel != nil {
		errs = append(errs, n.channel.Close())
	}
	if n.conn != nil {
		errs = append(errs, n.conn.Close())
	}
	return errors.Join(errs...)
}
