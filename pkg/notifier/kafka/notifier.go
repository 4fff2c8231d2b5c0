package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/vedrankolka/contract-mailer/pkg/notifier"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes outcomes keyed by customer so one customer's
// outcomes stay ordered within a partition.
type KafkaNotifier struct {
	writer messageWriter
}

func (kn *KafkaNotifier) Notify(ctx context.Context, o notifier.Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("could not marshal outcome for event %s: %w", o.EventID, err)
	}

	key := o.CustomerRef
	if key == "" {
		key = o.EventID
	}
	return kn.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
	})
}

func (kn *KafkaNotifier) Close() error {
	return kn.writer.Close()
}

// NewKafkaNotifier connects with SCRAM-SHA-256 over TLS when credentials are
// given, and plaintext otherwise.
func NewKafkaNotifier(bootstrapServers []string, topic, username, password string) (*KafkaNotifier, error) {
	if len(bootstrapServers) == 0 || bootstrapServers[0] == "" {
		return nil, errors.New("kafka bootstrap servers cannot be empty")
	}
	if topic == "" {
		return nil, errors.New("kafka topic cannot be empty")
	}

	transport := &kafka.Transport{}
	if username != "" || password != "" {
		mechanism, err := scram.Mechanism(scram.SHA256, username, password)
		if err != nil {
			return nil, err
		}
		transport.SASL = mechanism
		transport.TLS = &tls.Config{}
	}

	return &KafkaNotifier{writer: &kafka.Writer{
		Addr:                   kafka.TCP(bootstrapServers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
		Transport:              transport,
	}}, nil
}
