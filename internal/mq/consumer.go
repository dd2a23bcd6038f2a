package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Handler — функция обработки сообщения.
// Handler сам решает судьбу delivery через Ack/Nak/Term.
// Неподтверждённый delivery брокер доставит повторно после ack_wait.
type Handler func(ctx context.Context, d *Delivery)

// Acknowledger — способ подтверждения, зависящий от брокера.
type Acknowledger interface {
	Ack(d *Delivery) error
	Nak(d *Delivery, delay time.Duration) error
	Term(d *Delivery, reason string) error
}

// Delivery — доставленное сообщение с методами подтверждения.
type Delivery struct {
	// Message — распарсенное сообщение.
	Message Message

	// Subject — очередь, из которой пришло сообщение.
	Subject string

	// Attempt — номер попытки доставки, начиная с 1.
	Attempt int

	// MaxDeliver — бюджет попыток очереди.
	MaxDeliver int

	acker    Acknowledger
	settled  atomic.Bool
	onSettle func()
}

// NewDelivery создаёт delivery. Используется реализациями брокера.
func NewDelivery(msg Message, subject string, attempt, maxDeliver int, acker Acknowledger) *Delivery {
	return &Delivery{
		Message:    msg,
		Subject:    subject,
		Attempt:    attempt,
		MaxDeliver: maxDeliver,
		acker:      acker,
	}
}

// Ack подтверждает успешную обработку сообщения.
func (d *Delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	defer d.done()
	return d.acker.Ack(d)
}

// Nak возвращает сообщение для повторной доставки через delay.
func (d *Delivery) Nak(delay time.Duration) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	defer d.done()
	return d.acker.Nak(d, delay)
}

// Term завершает доставку и отправляет сообщение в dead-letter очередь.
func (d *Delivery) Term(reason string) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	defer d.done()
	return d.acker.Term(d, reason)
}

// Abandon отказывается от delivery без ответа брокеру.
// Сообщение вернётся в очередь при закрытии канала consumer'а
// или после ack_wait.
func (d *Delivery) Abandon() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	d.done()
	return nil
}

func (d *Delivery) done() {
	if d.onSettle != nil {
		d.onSettle()
	}
}

// Exhausted возвращает true, если это последняя разрешённая попытка.
func (d *Delivery) Exhausted() bool {
	return d.MaxDeliver > 0 && d.Attempt >= d.MaxDeliver
}

// Settled возвращает true, если delivery уже подтверждён.
func (d *Delivery) Settled() bool {
	return d.settled.Load()
}

// Inflight считает выданные handler'у, но ещё не подтверждённые delivery
// одного канала. Канал закрывается только после Drain: закрытие
// возвращает неподтверждённые сообщения в очередь сразу, и поздний
// ack обработчика уже не пройдёт.
type Inflight struct {
	wg sync.WaitGroup
}

// Track регистрирует delivery. Учёт снимается при первом Ack, Nak, Term или Abandon.
func (f *Inflight) Track(d *Delivery) *Delivery {
	f.wg.Add(1)
	d.onSettle = f.wg.Done
	return d
}

// Drain ждёт подтверждения всех delivery не дольше timeout.
// Возвращает false, если время вышло.
func (f *Inflight) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Consumer потребляет сообщения из очереди RabbitMQ.
type Consumer struct {
	conn      *Connection
	publisher *Publisher
	logger    *slog.Logger
	kind      domain.JobKind
	queue     string
	cfg       QueueConfig
	handler   Handler
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Kind — тип работы; очередь work.{kind}.
	Kind domain.JobKind

	// Queue — настройки очереди.
	Queue QueueConfig

	// Handler — обработчик сообщений.
	Handler Handler

	// Publisher — для переотправки в retry и dlq очереди.
	Publisher *Publisher
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:      conn,
		publisher: cfg.Publisher,
		logger:    logger,
		kind:      cfg.Kind,
		queue:     cfg.Kind.Subject(),
		cfg:       cfg.Queue.WithDefaults(),
		handler:   cfg.Handler,
	}
}

// Start запускает потребление сообщений. Блокируется до отмены ctx.
//
// После отмены ctx новые сообщения не принимаются, а канал остаётся
// открытым, пока выданные delivery не будут подтверждены (не дольше ack_wait).
func (c *Consumer) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		reconnected := c.conn.ReconnectNotify()

		// Получаем канал доставки
		tag := c.queue + "." + uuid.NewString()
		ch, deliveries, err := c.setupConsume(tag)
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
			if err := c.waitReconnect(ctx, reconnected); err != nil {
				return err
			}
			continue
		}

		c.logger.Info("consumer started", "queue", c.queue)

		// Обрабатываем сообщения
		var inflight Inflight
		err = c.processDeliveries(ctx, deliveries, &inflight)

		if ctx.Err() != nil {
			c.drain(ch, tag, &inflight)
			return ctx.Err()
		}
		ch.Close()

		c.logger.Warn("deliveries channel closed, resubscribing", "queue", c.queue, "error", err)
		if err := c.waitReconnect(ctx, reconnected); err != nil {
			return err
		}
	}
}

// waitReconnect ждёт переподключения или короткую паузу:
// канал может закрыться при живом соединении (consumer timeout).
func (c *Consumer) waitReconnect(ctx context.Context, reconnected <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-reconnected:
		c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
	case <-time.After(2 * time.Second):
	}
	return nil
}

// drain снимает подписку, ждёт подтверждения выданных delivery и закрывает канал.
func (c *Consumer) drain(ch *amqp.Channel, tag string, inflight *Inflight) {
	if err := ch.Cancel(tag, false); err != nil {
		c.logger.Warn("failed to cancel consumer", "queue", c.queue, "error", err)
	}
	if !inflight.Drain(c.cfg.AckWait) {
		c.logger.Warn("unsettled deliveries left on shutdown, broker will requeue them", "queue", c.queue)
	}
	ch.Close()
	c.logger.Info("consumer stopped", "queue", c.queue)
}

// setupConsume открывает канал и начинает потребление.
func (c *Consumer) setupConsume(tag string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return nil, nil, err
	}

	// Устанавливаем prefetch
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	// Начинаем потребление
	deliveries, err := ch.Consume(
		c.queue, // queue
		tag,     // consumer tag
		false,   // auto-ack (мы ack вручную)
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume: %w", err)
	}

	return ch, deliveries, nil
}

// processDeliveries обрабатывает сообщения из канала.
func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery, inflight *Inflight) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}

			c.handleDelivery(ctx, raw, inflight)
		}
	}
}

// handleDelivery обрабатывает одно сообщение.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery, inflight *Inflight) {
	acker := &amqpAcker{
		publisher: c.publisher,
		kind:      c.kind,
		raw:       raw,
	}

	attempt := headerInt(raw.Headers, HeaderRetryCount) + headerInt(raw.Headers, HeaderDeliveryCount) + 1

	// Парсим сообщение
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("failed to unmarshal message",
			"queue", c.queue,
			"error", err,
			"body", string(raw.Body),
		)
		// Некорректное сообщение — отправляем в DLQ
		d := NewDelivery(Message{ID: raw.MessageId}, c.queue, attempt, c.cfg.MaxDeliver, acker)
		d.Term("unparseable message: " + err.Error())
		return
	}

	c.logger.Debug("received message",
		"queue", c.queue,
		"message_id", msg.ID,
		"type", msg.Type,
		"attempt", attempt,
	)

	c.handler(ctx, inflight.Track(NewDelivery(msg, c.queue, attempt, c.cfg.MaxDeliver, acker)))
}

// amqpAcker подтверждает AMQP delivery.
//
// Nak переотправляет сообщение в retry.{kind} с expiration = delay,
// откуда оно через DLX возвращается в work.{kind}. Term переотправляет
// в dlq.{kind} с причиной. В обоих случаях оригинал подтверждается
// только после confirm переотправки.
type amqpAcker struct {
	publisher *Publisher
	kind      domain.JobKind
	raw       amqp.Delivery
}

func (a *amqpAcker) Ack(d *Delivery) error {
	return a.raw.Ack(false)
}

func (a *amqpAcker) Nak(d *Delivery, delay time.Duration) error {
	if a.publisher == nil {
		return a.raw.Nack(false, true)
	}

	headers := copyHeaders(a.raw.Headers)
	headers[HeaderRetryCount] = int64(headerInt(a.raw.Headers, HeaderRetryCount) + 1)
	delete(headers, HeaderDeliveryCount)

	pub := a.republish(headers)
	pub.Expiration = strconv.FormatInt(max(delay.Milliseconds(), 0), 10)

	if err := a.publisher.PublishRaw(context.Background(), ExchangeRetry, a.kind.RetrySubject(), pub); err != nil {
		// Не удалось отложить — возвращаем в очередь немедленно
		a.raw.Nack(false, true)
		return fmt.Errorf("schedule redelivery: %w", err)
	}
	return a.raw.Ack(false)
}

func (a *amqpAcker) Term(d *Delivery, reason string) error {
	if a.publisher == nil {
		return a.raw.Nack(false, false)
	}

	headers := copyHeaders(a.raw.Headers)
	headers[HeaderDeathReason] = reason
	headers[HeaderAttempts] = int64(d.Attempt)

	if err := a.publisher.PublishRaw(context.Background(), ExchangeDLQ, a.kind.DeadLetterSubject(), a.republish(headers)); err != nil {
		// Очередь настроена с DLX: reject без requeue тоже попадёт в dlq
		return a.raw.Nack(false, false)
	}
	return a.raw.Ack(false)
}

func (a *amqpAcker) republish(headers amqp.Table) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  a.raw.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    a.raw.MessageId,
		Timestamp:    a.raw.Timestamp,
		Type:         a.raw.Type,
		Headers:      headers,
		Body:         a.raw.Body,
	}
}

func copyHeaders(src amqp.Table) amqp.Table {
	dst := make(amqp.Table, len(src)+2)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// headerInt читает целочисленный заголовок любого AMQP типа.
func headerInt(h amqp.Table, key string) int {
	switch v := h[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
