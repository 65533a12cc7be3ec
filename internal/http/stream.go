package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"speaker-transcription-service/internal/models"
	"speaker-transcription-service/internal/observability/logging"
	"speaker-transcription-service/internal/service/capture"
	"speaker-transcription-service/internal/service/session"
)

const (
	// HeaderAPIKey carries the vendor credential. Browsers cannot set headers
	// on a WebSocket handshake, so the key query parameter is accepted too.
	HeaderAPIKey = "X-Api-Key"

	audioBuffer   = 16
	writeWait     = 5 * time.Second
	terminalGrace = 250 * time.Millisecond
)

// controlMessage is a text frame sent by the client.
type controlMessage struct {
	Type string `json:"type"`
}

// stream upgrades to a WebSocket and runs one recording session over it.
// Binary frames are audio; a {"type":"stop"} text frame ends capture and
// lets the provider flush. Session updates are written as JSON text frames.
// The connection is closed once the session is IDLE or ERRORED again.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(HeaderAPIKey)
	if key == "" {
		key = r.URL.Query().Get("key")
	}
	providerName := r.URL.Query().Get("provider")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	src := capture.NewStream(audioBuffer)
	ctrl, err := h.app.NewSession(src, providerName)
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}
	defer h.app.EndSession(ctrl)

	logger := logging.WithSession(ctrl.ID(), ctrl.Provider())

	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(ctx, key); err != nil {
		logger.Warn().Err(err).Msg("Session failed to start")
		writeUpdate(conn, models.SessionUpdate{
			SessionID: ctrl.ID(),
			State:     ctrl.State().String(),
			Error:     err.Error(),
			Timestamp: time.Now().UnixMilli(),
		})
		closeWith(conn, closeCode(err), "session failed to start")
		return
	}
	done := ctrl.Done()
	var grace <-chan time.Time

	go readAudio(ctx, cancel, conn, src, logger)

	for {
		select {
		case u := <-updates:
			if err := writeUpdate(conn, u); err != nil {
				logger.Debug().Err(err).Msg("Client gone")
				return
			}
			if u.State == session.StateIdle.String() || u.State == session.StateErrored.String() {
				closeWith(conn, websocket.CloseNormalClosure, u.State)
				return
			}

		case <-done:
			done = nil
			grace = time.After(terminalGrace)

		case <-grace:
			closeWith(conn, websocket.CloseNormalClosure, ctrl.State().String())
			return

		case <-ctx.Done():
			return
		}
	}
}

// readAudio is the connection's only reader. A read error means the client
// went away, which cancels the session.
func readAudio(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, src *capture.Stream, logger zerolog.Logger) {
	defer src.End()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("WebSocket read ended")
			}
			cancel()
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			if err := src.Push(ctx, data); err != nil {
				return
			}
		case websocket.TextMessage:
			var msg controlMessage
			if json.Unmarshal(data, &msg) == nil && msg.Type == "stop" {
				// keep reading so the close handshake is observed
				src.End()
			}
		}
	}
}

func writeUpdate(conn *websocket.Conn, u models.SessionUpdate) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(u)
}

func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func closeCode(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidKeyFormat):
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}
