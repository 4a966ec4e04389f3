package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/chainlog/internal/stream"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// stream upgrades to a websocket and sends one JSON text message per
// committed transaction, in log order, starting at ?from= (default: only
// new commits). The connection is closed with a close frame when the
// subscription ends.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	from, ok := queryInt(w, r, "from", -1)
	if !ok {
		return
	}

	sub, err := s.hub.Subscribe(r.Context(), from)
	if err != nil {
		if errors.Is(err, stream.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "STREAM_CLOSED", err.Error())
			return
		}
		s.storeError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("stream upgrade failed", "request_id", requestIDFrom(r.Context()), "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client only sends control frames; a read error means it went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	go ping(ctx, conn)

	slog.Info("stream client connected", "subscriber", sub.ID(), "from", sub.Position())

	for entry, err := range sub.All(ctx) {
		if err != nil {
			closeStream(conn, err)
			slog.Info("stream client disconnected",
				"subscriber", sub.ID(),
				"position", sub.Position(),
				"reason", err,
			)
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(toTransactionJSON(entry)); err != nil {
			slog.Debug("stream write failed", "subscriber", sub.ID(), "error", err)
			return
		}
	}
}

func ping(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// closeStream sends a close frame describing why the subscription ended.
func closeStream(conn *websocket.Conn, err error) {
	var code int
	var text string
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, stream.ErrLagged):
		code, text = websocket.CloseTryAgainLater, "subscriber lagged"
	case errors.Is(err, stream.ErrClosed):
		code, text = websocket.CloseGoingAway, "stream closed"
	default:
		code, text = websocket.CloseInternalServerErr, "stream failed"
	}
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
