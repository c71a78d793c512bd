package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/seclend/imscore/internal/egress"
	"github.com/seclend/imscore/internal/events"
)

// EventStreamHandler streams outbound update events over WebSocket.
// Each connection gets its own egress subscription; the publisher detaches
// subscribers that stop reading, which surfaces here as a closed channel.
type EventStreamHandler struct {
	publisher *egress.Publisher
	log       zerolog.Logger
}

// NewEventStreamHandler creates the WebSocket stream handler.
func NewEventStreamHandler(publisher *egress.Publisher, log zerolog.Logger) *EventStreamHandler {
	return &EventStreamHandler{
		publisher: publisher,
		log:       log.With().Str("handler", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/stream. An optional "types" query
// parameter filters by comma-separated event types.
func (h *EventStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	var allowed map[events.EventType]bool
	if filter := r.URL.Query().Get("types"); filter != "" {
		allowed = make(map[events.EventType]bool)
		for _, t := range strings.Split(filter, ",") {
			allowed[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	ch, cancel := h.publisher.Subscribe()
	defer cancel()

	h.log.Info().Str("remote", r.RemoteAddr).Msg("Client connected to event stream")

	ctx := r.Context()
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Str("remote", r.RemoteAddr).Msg("Client disconnected from event stream")
			conn.Close(websocket.StatusNormalClosure, "client gone")
			return

		case ev, ok := <-ch:
			if !ok {
				// Detached by the publisher: this consumer fell too far
				// behind to keep per-key ordering guarantees.
				h.log.Warn().Str("remote", r.RemoteAddr).Msg("Subscriber lagged, closing stream")
				conn.Close(websocket.StatusTryAgainLater, "subscriber lagged")
				return
			}
			if allowed != nil && !allowed[ev.Type] {
				continue
			}
			if err := h.writeEvent(ctx, conn, ev); err != nil {
				h.log.Debug().Err(err).Msg("Event stream write failed")
				return
			}

		case <-heartbeat.C:
			if err := conn.Ping(ctx); err != nil {
				h.log.Debug().Err(err).Msg("Event stream ping failed")
				return
			}
		}
	}
}

func (h *EventStreamHandler) writeEvent(ctx context.Context, conn *websocket.Conn, ev *events.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ev)
}
