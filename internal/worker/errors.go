package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownKind — нет processor'а для типа работы.
	ErrUnknownKind = errors.New("no processor for job kind")

	// ErrInvalidMessage — сообщение не удалось разобрать в job.
	ErrInvalidMessage = errors.New("invalid job message")

	// ErrProcessorRequest — запрос к внешнему processor'у завершился ошибкой.
	ErrProcessorRequest = errors.New("processor request failed")

	// ErrNoSource — не задана очередь работ.
	ErrNoSource = errors.New("worker source is not configured")

	// ErrNoProcessor — не задан processor.
	ErrNoProcessor = errors.New("worker processor is not configured")

	// ErrAlreadyStarted — Start вызван повторно.
	ErrAlreadyStarted = errors.New("worker already started")
)
