package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/status"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

const (
	eventBuffer     = 64
	eventWriteWait  = 10 * time.Second
	eventPingPeriod = 30 * time.Second
)

// StreamEvents транслирует status-события в websocket.
// GET /api/v1/events?owner=...&resource=...&transform_id=...&kind=...
//
// Нужен хотя бы один из owner или transform_id. Клиент, не успевающий
// читать, теряет события: счётчик conveyor_status_dropped_total.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		Unavailable(w, "event stream is not configured")
		return
	}

	filter, msg := parseEventFilter(r.URL.Query())
	if msg != "" {
		BadRequest(w, msg)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	logger := h.logger.With("pattern", filter.Pattern(), "remote_addr", r.RemoteAddr)
	logger.Info("event stream opened")

	// Чтение нужно только для обработки close и pong от клиента
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := make(chan domain.StatusEvent, eventBuffer)
	go func() {
		defer cancel()
		err := h.events.Subscribe(ctx, filter, func(ev domain.StatusEvent) {
			select {
			case events <- ev:
			default:
				telemetry.StatusDropped.Inc()
			}
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("event subscription ended", "error", err)
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			logger.Info("event stream closed")
			return

		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("event stream write failed", "error", err)
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		}
	}
}

// parseEventFilter собирает status.Filter из query.
// Возвращает сообщение об ошибке или "".
func parseEventFilter(q url.Values) (status.Filter, string) {
	f := status.Filter{
		OwnerID:    q.Get("owner"),
		ResourceID: q.Get("resource"),
	}

	if v := q.Get("transform_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, "invalid transform_id"
		}
		f.TransformID = id
	}

	if v := q.Get("kind"); v != "" {
		kind, err := domain.ParseJobKind(v)
		if err != nil {
			return f, "invalid kind"
		}
		f.Kind = kind
	}

	if strings.ContainsAny(f.OwnerID, "*#") || strings.ContainsAny(f.ResourceID, "*#") {
		return f, "owner and resource must not contain wildcards"
	}
	if f.OwnerID == "" && f.TransformID == uuid.Nil {
		return f, "owner or transform_id is required"
	}
	return f, ""
}
