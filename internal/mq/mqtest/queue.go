// Package mqtest предоставляет in-memory брокер с контрактом mq.WorkQueue.
//
// Поддерживает окно дедупликации, max_deliver, dead-letter список,
// повторную доставку по истечении ack_wait и имитацию недоступности.
// Как и RabbitMQ, закрытие канала consumer'а сразу возвращает
// неподтверждённые сообщения в очередь и отклоняет поздние подтверждения.
package mqtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
)

// ErrStaleDelivery — delivery уже передоставлен после ack_wait.
var ErrStaleDelivery = errors.New("stale delivery")

// Config — настройки in-memory брокера.
type Config struct {
	DedupWindow time.Duration
	Queues      map[domain.JobKind]mq.QueueConfig

	// Now — часы окна дедупликации. ack_wait и задержки — реальные таймеры.
	Now func() time.Time

	// DrainTimeout — сколько Consume ждёт подтверждений после отмены ctx
	// (default: ack_wait очереди).
	DrainTimeout time.Duration
}

// DeadLetter — сообщение в dlq.{kind}.
type DeadLetter struct {
	Job      *domain.Job
	Reason   string
	Attempts int
}

// channel — подписка одного Consume.
type channel struct {
	closed bool
}

type message struct {
	ch            *channel
	tag           uint64
	kind          domain.JobKind
	msg           mq.Message
	job           *domain.Job
	retryCount    int
	deliveryCount int
	timer         *time.Timer
}

func (m *message) attempt() int {
	return m.retryCount + m.deliveryCount + 1
}

// Queue — in-memory брокер.
type Queue struct {
	cfg Config

	mu        sync.Mutex
	dedup     map[string]time.Time
	ready     map[domain.JobKind][]*message
	inflight  map[uint64]*message
	delayed   int
	dead      []DeadLetter
	published []*domain.Job
	acked     int
	delivered int
	requeued  int
	nextTag   uint64
	down      bool
	hook      func(*domain.Job) error
	changed   chan struct{}
	timers    map[*time.Timer]struct{}
}

// New создаёт брокер. Kinds без настроек получают mq.DefaultQueueConfig.
func New(cfg Config) *Queue {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	queues := make(map[domain.JobKind]mq.QueueConfig)
	for _, k := range domain.Kinds() {
		queues[k] = mq.DefaultQueueConfig()
	}
	for k, q := range cfg.Queues {
		queues[k] = q.WithDefaults()
	}
	cfg.Queues = queues

	return &Queue{
		cfg:      cfg,
		dedup:    make(map[string]time.Time),
		ready:    make(map[domain.JobKind][]*message),
		inflight: make(map[uint64]*message),
		changed:  make(chan struct{}),
		timers:   make(map[*time.Timer]struct{}),
	}
}

// SetDown включает или выключает имитацию недоступности брокера.
func (q *Queue) SetDown(down bool) {
	q.mu.Lock()
	q.down = down
	q.mu.Unlock()
}

// SetPublishHook задаёт функцию, ошибка которой отклоняет публикацию.
func (q *Queue) SetPublishHook(fn func(*domain.Job) error) {
	q.mu.Lock()
	q.hook = fn
	q.mu.Unlock()
}

// QueueConfig возвращает настройки очереди kind.
func (q *Queue) QueueConfig(kind domain.JobKind) (mq.QueueConfig, bool) {
	cfg, ok := q.cfg.Queues[kind]
	return cfg, ok
}

// PublishJob публикует job с дедупликацией.
func (q *Queue) PublishJob(ctx context.Context, job *domain.Job) (*mq.PublishAck, error) {
	return q.publish(ctx, job, true)
}

// RepublishJob публикует job без проверки окна и обновляет окно.
func (q *Queue) RepublishJob(ctx context.Context, job *domain.Job) (*mq.PublishAck, error) {
	return q.publish(ctx, job, false)
}

func (q *Queue) publish(ctx context.Context, job *domain.Job, checkDedup bool) (*mq.PublishAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", mq.ErrPublish, err)
	}

	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.cfg.Queues[job.Kind]; !ok {
		return nil, fmt.Errorf("%w: %s", mq.ErrUnknownQueue, job.Kind)
	}
	if q.down {
		return nil, fmt.Errorf("%w: broker unavailable", mq.ErrPublish)
	}

	now := q.cfg.Now()
	subject := job.Kind.Subject()

	if checkDedup {
		if exp, ok := q.dedup[job.DedupKey]; ok && now.Before(exp) {
			return &mq.PublishAck{Subject: subject, MessageID: job.DedupKey, Duplicate: true}, nil
		}
	}

	if q.hook != nil {
		if err := q.hook(job); err != nil {
			return nil, fmt.Errorf("%w: %v", mq.ErrPublish, err)
		}
	}

	q.dedup[job.DedupKey] = now.Add(q.cfg.DedupWindow)

	var copied domain.Job
	_ = json.Unmarshal(body, &copied)
	q.published = append(q.published, &copied)

	q.nextTag++
	m := &message{
		tag:  q.nextTag,
		kind: job.Kind,
		msg: mq.Message{
			ID:        job.ID.String(),
			Type:      mq.MessageTypeJob,
			Payload:   json.RawMessage(body),
			Timestamp: now,
		},
		job: &copied,
	}
	q.ready[job.Kind] = append(q.ready[job.Kind], m)
	q.broadcastLocked()

	return &mq.PublishAck{Subject: subject, MessageID: job.DedupKey}, nil
}

// Publish кладёт в очередь произвольное сообщение (битые payload в тестах).
func (q *Queue) Publish(kind domain.JobKind, msg mq.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextTag++
	q.ready[kind] = append(q.ready[kind], &message{tag: q.nextTag, kind: kind, msg: msg})
	q.broadcastLocked()
}

// Consume доставляет сообщения work.{kind} в handler. Блокируется до отмены ctx.
func (q *Queue) Consume(ctx context.Context, kind domain.JobKind, handler mq.Handler) error {
	cfg, ok := q.cfg.Queues[kind]
	if !ok {
		return fmt.Errorf("%w: %s", mq.ErrUnknownQueue, kind)
	}

	ch := &channel{}
	var inflight mq.Inflight
	defer q.closeChannel(ch, &inflight, cfg)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		q.mu.Lock()
		wait := q.changed
		var m *message
		if list := q.ready[kind]; len(list) > 0 {
			m = list[0]
			q.ready[kind] = list[1:]
		}
		if m != nil {
			q.delivered++
			q.inflight[m.tag] = m
			m.ch = ch
			tag := m.tag
			m.timer = q.afterLocked(cfg.AckWait, func() { q.expire(tag, cfg.MaxDeliver) })
		}
		q.mu.Unlock()

		if m == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
				continue
			}
		}

		d := mq.NewDelivery(m.msg, kind.Subject(), m.attempt(), cfg.MaxDeliver, &acker{q: q, tag: m.tag, ch: ch})
		handler(ctx, inflight.Track(d))
	}
}

// closeChannel ждёт подтверждения выданных delivery не дольше DrainTimeout,
// затем закрывает канал: неподтверждённые сообщения сразу возвращаются в очередь.
func (q *Queue) closeChannel(ch *channel, inflight *mq.Inflight, cfg mq.QueueConfig) {
	timeout := q.cfg.DrainTimeout
	if timeout <= 0 {
		timeout = cfg.AckWait
	}
	inflight.Drain(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()
	ch.closed = true

	for tag, m := range q.inflight {
		if m.ch != ch {
			continue
		}
		delete(q.inflight, tag)
		q.stopLocked(m.timer)
		m.ch = nil
		m.deliveryCount++

		if m.attempt() > cfg.MaxDeliver {
			q.dead = append(q.dead, DeadLetter{Job: m.job, Reason: "delivery limit exceeded", Attempts: m.attempt() - 1})
			continue
		}

		q.requeued++
		q.nextTag++
		m.tag = q.nextTag
		q.ready[m.kind] = append([]*message{m}, q.ready[m.kind]...)
	}
	q.broadcastLocked()
}

// expire возвращает неподтверждённое сообщение в очередь после ack_wait.
func (q *Queue) expire(tag uint64, maxDeliver int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.inflight[tag]
	if !ok {
		return
	}
	delete(q.inflight, tag)
	m.deliveryCount++

	if m.attempt() > maxDeliver {
		q.dead = append(q.dead, DeadLetter{Job: m.job, Reason: "delivery limit exceeded", Attempts: m.attempt() - 1})
		q.broadcastLocked()
		return
	}

	// Новый tag: поздний ack старой доставки должен быть отклонён
	q.nextTag++
	m.tag = q.nextTag
	q.ready[m.kind] = append([]*message{m}, q.ready[m.kind]...)
	q.broadcastLocked()
}

type acker struct {
	q   *Queue
	tag uint64
	ch  *channel
}

func (a *acker) take() (*message, error) {
	if a.ch.closed {
		return nil, mq.ErrChannelClosed
	}
	m, ok := a.q.inflight[a.tag]
	if !ok {
		return nil, ErrStaleDelivery
	}
	delete(a.q.inflight, a.tag)
	a.q.stopLocked(m.timer)
	return m, nil
}

func (a *acker) Ack(d *mq.Delivery) error {
	a.q.mu.Lock()
	defer a.q.mu.Unlock()

	if _, err := a.take(); err != nil {
		return err
	}
	a.q.acked++
	a.q.broadcastLocked()
	return nil
}

func (a *acker) Nak(d *mq.Delivery, delay time.Duration) error {
	a.q.mu.Lock()
	defer a.q.mu.Unlock()

	m, err := a.take()
	if err != nil {
		return err
	}
	m.retryCount++
	m.deliveryCount = 0

	a.q.nextTag++
	m.tag = a.q.nextTag

	if delay <= 0 {
		a.q.ready[m.kind] = append(a.q.ready[m.kind], m)
		a.q.broadcastLocked()
		return nil
	}

	a.q.delayed++
	a.q.afterLocked(delay, func() {
		a.q.mu.Lock()
		defer a.q.mu.Unlock()
		a.q.delayed--
		a.q.ready[m.kind] = append(a.q.ready[m.kind], m)
		a.q.broadcastLocked()
	})
	return nil
}

func (a *acker) Term(d *mq.Delivery, reason string) error {
	a.q.mu.Lock()
	defer a.q.mu.Unlock()

	m, err := a.take()
	if err != nil {
		return err
	}
	a.q.dead = append(a.q.dead, DeadLetter{Job: m.job, Reason: reason, Attempts: d.Attempt})
	a.q.broadcastLocked()
	return nil
}

// Published возвращает принятые брокером jobs (без дубликатов).
func (q *Queue) Published() []*domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*domain.Job(nil), q.published...)
}

// DeadLetters возвращает содержимое dead-letter очередей.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// Acked возвращает число подтверждённых сообщений.
func (q *Queue) Acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

// Delivered возвращает общее число доставок, включая повторные.
func (q *Queue) Delivered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delivered
}

// Requeued возвращает число сообщений, возвращённых в очередь при закрытии канала.
func (q *Queue) Requeued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.requeued
}

// Outstanding возвращает число сообщений в очередях, в обработке и в задержке.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstandingLocked()
}

func (q *Queue) outstandingLocked() int {
	n := len(q.inflight) + q.delayed
	for _, list := range q.ready {
		n += len(list)
	}
	return n
}

// WaitIdle ждёт, пока все сообщения будут подтверждены или уйдут в dlq.
func (q *Queue) WaitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.outstandingLocked() == 0 {
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Close останавливает таймеры ack_wait и задержек.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for t := range q.timers {
		t.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
}

func (q *Queue) afterLocked(d time.Duration, fn func()) *time.Timer {
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		fn()
	})
	q.timers[t] = struct{}{}
	return t
}

func (q *Queue) stopLocked(t *time.Timer) {
	if t == nil {
		return
	}
	t.Stop()
	delete(q.timers, t)
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
