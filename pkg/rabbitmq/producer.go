/**
 * @description
 * This package provides a simple producer for publishing messages to RabbitMQ.
 * It encapsulates the logic for connecting to RabbitMQ and publishing a message
 * to a specific exchange and routing key.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// LedgerExchange is the topic exchange all ledger events are published to.
const LedgerExchange = "bonus_events"

// BonusAccruedEvent is published after a delivered posting produces a bonus batch.
type BonusAccruedEvent struct {
	PostingNumber string    `json:"posting_number"`
	BuyerOzonID   string    `json:"buyer_ozon_id"`
	Rows          int       `json:"rows"`
	TotalAmount   int64     `json:"total_amount"`
	Timestamp     time.Time `json:"timestamp"`
}

// BonusMaturedEvent is published when a frozen bonus becomes available.
type BonusMaturedEvent struct {
	BonusID        uuid.UUID `json:"bonus_id"`
	ReferrerOzonID string    `json:"referrer_ozon_id"`
	PostingNumber  string    `json:"posting_number"`
	Amount         int64     `json:"amount"`
	Timestamp      time.Time `json:"timestamp"`
}

// BonusReversedEvent is published after a full or partial reversal.
type BonusReversedEvent struct {
	PostingNumber  string    `json:"posting_number"`
	Rows           int       `json:"rows"`
	ReturnedAmount int64     `json:"returned_amount"`
	Timestamp      time.Time `json:"timestamp"`
}

// WithdrawalApprovedEvent is published when an admin approves a payout.
type WithdrawalApprovedEvent struct {
	RequestID      uuid.UUID `json:"request_id"`
	UserOzonID     string    `json:"user_ozon_id"`
	UserTelegramID int64     `json:"user_telegram_id"`
	Amount         int64     `json:"amount"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishBonusAccruedEvent(ctx context.Context, event BonusAccruedEvent) error
	PublishBonusMaturedEvent(ctx context.Context, event BonusMaturedEvent) error
	PublishBonusReversedEvent(ctx context.Context, event BonusReversedEvent) error
	PublishWithdrawalApprovedEvent(ctx context.Context, event WithdrawalApprovedEvent) error
	Close()
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) PublishBonusAccruedEvent(ctx context.Context, event BonusAccruedEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"bonus accrued event publish skipped\" posting_number=%s", event.PostingNumber)
	return nil
}

func (p *EventProducerFallback) PublishBonusMaturedEvent(ctx context.Context, event BonusMaturedEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"bonus matured event publish skipped\" bonus_id=%s", event.BonusID)
	return nil
}

func (p *EventProducerFallback) PublishBonusReversedEvent(ctx context.Context, event BonusReversedEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"bonus reversed event publish skipped\" posting_number=%s", event.PostingNumber)
	return nil
}

func (p *EventProducerFallback) PublishWithdrawalApprovedEvent(ctx context.Context, event WithdrawalApprovedEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"withdrawal approved event publish skipped\" request_id=%s", event.RequestID)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		// Attempt simple channel reopen once
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				if err2 := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err2 != nil {
					return err2
				}
			} else {
				return chErr
			}
		} else {
			return err
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	err = p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        jsonBody,
		},
	)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		// One-shot retry: reopen channel and try again
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				// re-declare exchange and retry
				if exErr := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr == nil {
					err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
						ContentType: "application/json",
						Timestamp:   time.Now(),
						Body:        jsonBody,
					})
					if err == nil {
						return nil
					}
				}
			}
		}
		return err
	}
	return nil
}

// PublishBonusAccruedEvent publishes an accrual event to the bonus_events exchange.
func (p *EventProducer) PublishBonusAccruedEvent(ctx context.Context, event BonusAccruedEvent) error {
	return p.Publish(ctx, LedgerExchange, "bonus.accrued", event)
}

// PublishBonusMaturedEvent publishes a maturity event to the bonus_events exchange.
func (p *EventProducer) PublishBonusMaturedEvent(ctx context.Context, event BonusMaturedEvent) error {
	return p.Publish(ctx, LedgerExchange, "bonus.matured", event)
}

// PublishBonusReversedEvent publishes a reversal event to the bonus_events exchange.
func (p *EventProducer) PublishBonusReversedEvent(ctx context.Context, event BonusReversedEvent) error {
	return p.Publish(ctx, LedgerExchange, "bonus.reversed", event)
}

// PublishWithdrawalApprovedEvent publishes an approval event to the bonus_events exchange.
func (p *EventProducer) PublishWithdrawalApprovedEvent(ctx context.Context, event WithdrawalApprovedEvent) error {
	return p.Publish(ctx, LedgerExchange, "withdrawal.approved", event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
