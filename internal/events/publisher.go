// Package events publishes ledger state changes to a RabbitMQ topic exchange.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	DefaultExchange    = "ledger.events"
	routingKeyPrefix   = "ledger."
	exchangeKind       = "topic"
	contentTypeJSON    = "application/json"
	dialTimeout        = 10 * time.Second
	defaultSendTimeout = 3 * time.Second
)

var ErrInvalidPublisher = errors.New("invalid event publisher")

// Channel is the subset of *amqp091.Channel used for publishing.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Event is the JSON body of every published message.
type Event struct {
	ID            string    `json:"id"`
	Operation     string    `json:"operation"`
	UserID        string    `json:"user_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	CreditType    string    `json:"credit_type,omitempty"`
	Amount        int64     `json:"amount,omitempty"`
	PaidCredits   int64     `json:"paid_credits"`
	FreeCredits   int64     `json:"free_credits"`
	Actor         string    `json:"actor,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher sends successful ledger operations as events. It satisfies ledger.OperationLogger.
type Publisher struct {
	channel  Channel
	closer   func() error
	exchange string
	logger   *zap.Logger
	nowFn    func() time.Time
	timeout  time.Duration
}

// NewPublisher declares the durable topic exchange on channel.
func NewPublisher(channel Channel, exchange string, logger *zap.Logger) (*Publisher, error) {
	if channel == nil {
		return nil, fmt.Errorf("%w: channel is required", ErrInvalidPublisher)
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := channel.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{
		channel:  channel,
		closer:   channel.Close,
		exchange: exchange,
		logger:   logger,
		nowFn:    time.Now,
		timeout:  defaultSendTimeout,
	}, nil
}

// Dial connects to RabbitMQ and returns a Publisher owning the connection.
func Dial(amqpURL string, exchange string, logger *zap.Logger) (*Publisher, error) {
	parsed, err := url.Parse(strings.TrimSpace(amqpURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublisher, err)
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return nil, fmt.Errorf("%w: scheme must be amqp or amqps", ErrInvalidPublisher)
	}
	connection, err := amqp091.DialConfig(parsed.String(), amqp091.Config{Dial: amqp091.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	publisher, err := NewPublisher(channel, exchange, logger)
	if err != nil {
		_ = connection.Close()
		return nil, err
	}
	publisher.closer = func() error {
		return errors.Join(channel.Close(), connection.Close())
	}
	return publisher, nil
}

// LogOperation publishes ok entries. Publish failures are logged and dropped.
func (publisher *Publisher) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	if entry.Status != ledger.OperationStatusOK {
		return
	}
	if err := publisher.Publish(ctx, entry); err != nil {
		publisher.logger.Warn("ledger event publish failed",
			zap.String("operation", entry.Operation),
			zap.String("transaction_id", entry.TransactionID.String()),
			zap.Error(err))
	}
}

// Publish sends one entry with routing key ledger.<operation>.
func (publisher *Publisher) Publish(ctx context.Context, entry ledger.OperationLog) error {
	event := Event{
		ID:            uuid.NewString(),
		Operation:     entry.Operation,
		UserID:        entry.UserID.String(),
		TransactionID: entry.TransactionID.String(),
		CreditType:    entry.CreditType.String(),
		Amount:        entry.Amount.Int64(),
		PaidCredits:   entry.Balance.Paid.Int64(),
		FreeCredits:   entry.Balance.Free.Int64(),
		Actor:         entry.Actor,
		OccurredAt:    publisher.nowFn().UTC(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publisher.timeout)
	defer cancel()
	return publisher.channel.PublishWithContext(sendCtx, publisher.exchange, routingKeyPrefix+entry.Operation, false, false, amqp091.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp091.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
}

func (publisher *Publisher) Close() error {
	return publisher.closer()
}
