package mq

import "errors"

var (
	// ErrPublish — брокер не принял сообщение (недоступен, таймаут, nack).
	ErrPublish = errors.New("publish failed")

	// ErrNoChannel — нет открытого AMQP канала.
	ErrNoChannel = errors.New("no channel available")

	// ErrNotConfirmed — брокер ответил nack на публикацию.
	ErrNotConfirmed = errors.New("publish not confirmed by broker")

	// ErrAlreadySettled — delivery уже подтверждён (ack/nak/term).
	ErrAlreadySettled = errors.New("delivery already settled")

	// ErrChannelClosed — канал consumer'а закрыт, подтверждение невозможно.
	ErrChannelClosed = errors.New("channel closed")

	// ErrUnknownQueue — для kind не настроена очередь.
	ErrUnknownQueue = errors.New("unknown queue")
)
