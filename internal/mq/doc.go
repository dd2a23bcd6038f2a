// Package mq предоставляет durable очередь работ поверх RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, confirm-канал, graceful shutdown)
//   - topology.go   — exchanges, очереди по kinds, настройки QueueConfig
//   - publisher.go  — конверт Message, публикация с publisher confirms
//   - consumer.go   — Delivery (Ack/Nak/Term), потребление work.{kind}
//   - workqueue.go  — WorkQueue: PublishJob с дедупликацией, RepublishJob, Consume
//   - errors.go     — sentinel ошибки
//
// Гарантии:
//   - at-least-once: сообщение подтверждается только после обработки
//   - дедупликация по dedup key в пределах окна (Deduper)
//   - max_deliver попыток, затем dead-letter очередь dlq.{kind}
//   - растущая задержка между повторными доставками через retry.{kind}
//
// Exchanges:
//   - conveyor.work    — work.{kind}
//   - conveyor.retry   — retry.{kind}, возврат в work.{kind} по TTL
//   - conveyor.dlq     — dlq.{kind}
//   - conveyor.status  — status-события (topic)
//
// Пакет mqtest содержит in-memory брокер с тем же контрактом для тестов.
package mq
