package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeJob    MessageType = "job"
	MessageTypeStatus MessageType = "status"
)

// Message — конверт сообщения.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage создаёт конверт с новым ID.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn    *Connection
	logger  *slog.Logger
	timeout time.Duration
}

// NewPublisher создаёт новый Publisher.
// timeout ограничивает ожидание подтверждения от брокера.
func NewPublisher(conn *Connection, logger *slog.Logger, timeout time.Duration) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{
		conn:    conn,
		logger:  logger,
		timeout: timeout,
	}
}

// Publish публикует persistent сообщение и ждёт publisher confirm.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey string, msg *Message, headers amqp.Table, messageID string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if messageID == "" {
		messageID = msg.ID
	}

	return p.PublishRaw(ctx, exchange, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
		MessageId:    messageID,
		Timestamp:    msg.Timestamp,
		Type:         string(msg.Type),
		Headers:      headers,
		Body:         body,
	})
}

// PublishRaw публикует готовое AMQP сообщение через confirm-канал.
func (p *Publisher) PublishRaw(ctx context.Context, exchange Exchange, routingKey string, pub amqp.Publishing) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.conn.WithConfirmChannel(ctx, func(ch *amqp.Channel) error {
		confirm, err := ch.PublishWithDeferredConfirmWithContext(
			ctx,
			string(exchange), // exchange
			routingKey,       // routing key
			false,            // mandatory
			false,            // immediate
			pub,
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		if confirm != nil {
			ok, err := confirm.WaitContext(ctx)
			if err != nil {
				return fmt.Errorf("wait confirm %s/%s: %w", exchange, routingKey, err)
			}
			if !ok {
				return fmt.Errorf("%s/%s: %w", exchange, routingKey, ErrNotConfirmed)
			}
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", pub.MessageId,
			"type", pub.Type,
		)

		return nil
	})
}

// PublishTransient публикует non-persistent сообщение без ожидания confirm.
// Используется для status-событий.
func (p *Publisher) PublishTransient(ctx context.Context, exchange Exchange, routingKey string, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),
			routingKey,
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Transient,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Type:         string(msg.Type),
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}
		return nil
	})
}

// ParsePayload парсит payload сообщения в указанный тип.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// Payload может быть уже распарсен как map или быть raw json
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}

	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}

	return result, nil
}
