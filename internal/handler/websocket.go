package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"edgefleet-server/internal/logging"
	"edgefleet-server/internal/middleware"
	"edgefleet-server/internal/protocol"
	"edgefleet-server/internal/session"
)

const (
	pongWait    = 60 * time.Second
	writeWait   = 10 * time.Second
	authWait    = 10 * time.Second
	maxFrameLen = 1024 * 1024
)

// EdgeSocketHandler serves the device session endpoint. The first message
// must be an auth frame; its websocket message type picks the codec for the
// rest of the session.
type EdgeSocketHandler struct {
	Sessions *session.Manager
	Logger   *slog.Logger
	// Limiter throttles auth attempts per claimed device id. Nil disables it.
	Limiter *middleware.RateLimiter
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsWriter struct {
	conn        *websocket.Conn
	messageType int
}

func (w *wsWriter) Write(message []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(w.messageType, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

func codecFor(messageType int) (protocol.Codec, error) {
	switch messageType {
	case websocket.TextMessage:
		return protocol.JSON, nil
	case websocket.BinaryMessage:
		return protocol.CBOR, nil
	}
	return 0, fmt.Errorf("%w: unsupported message type %d", protocol.ErrMalformed, messageType)
}

func messageTypeFor(codec protocol.Codec) int {
	if codec == protocol.CBOR {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func (h *EdgeSocketHandler) Serve(c *gin.Context) {
	logger := logging.OrDiscard(h.Logger).With("component", "edge-socket")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxFrameLen)

	ctx := c.Request.Context()
	writer, creds, err := h.handshake(ws)
	if err != nil {
		logger.Info("edge handshake failed", "remote", c.ClientIP(), "error", err)
		return
	}
	creds.Codec, _ = codecFor(writer.messageType)

	s, err := h.Sessions.Connect(ctx, creds, writer)
	if err != nil {
		msg := "authentication failed"
		if !errors.Is(err, session.ErrAuth) {
			msg = "session unavailable"
		}
		h.rejectAuth(ws, writer.messageType, msg)
		return
	}
	defer h.Sessions.OnDisconnect(s)

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		h.Sessions.Touch(s)
		return nil
	})

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() {
		closeOnce.Do(func() {
			close(done)
		})
	}
	defer closeDone()

	go func() {
		ticker := time.NewTicker((pongWait * 9) / 10)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-s.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		codec, err := codecFor(messageType)
		if err != nil {
			h.Sessions.Violation(ctx, s, fmt.Errorf("%w: %v", session.ErrProtocolViolation, err))
			continue
		}
		f, err := protocol.Decode(codec, data)
		if err != nil {
			h.Sessions.Violation(ctx, s, fmt.Errorf("%w: %v", session.ErrProtocolViolation, err))
			continue
		}

		err = h.Sessions.Handle(ctx, s, f)
		switch {
		case err == nil, errors.Is(err, session.ErrProtocolViolation):
		case errors.Is(err, session.ErrSessionClosed):
			return
		default:
			logger.Error("handle frame", "deviceId", s.DeviceID, "type", f.Type, "error", err)
		}
	}
}

// handshake reads the auth frame. The returned writer answers in the codec
// the device used.
func (h *EdgeSocketHandler) handshake(ws *websocket.Conn) (*wsWriter, session.Credentials, error) {
	ws.SetReadDeadline(time.Now().Add(authWait))
	messageType, data, err := ws.ReadMessage()
	if err != nil {
		return nil, session.Credentials{}, err
	}
	codec, err := codecFor(messageType)
	if err != nil {
		h.rejectAuth(ws, websocket.TextMessage, "unsupported message type")
		return nil, session.Credentials{}, err
	}
	writer := &wsWriter{conn: ws, messageType: messageTypeFor(codec)}

	f, err := protocol.Decode(codec, data)
	if err != nil || f.Type != protocol.TypeAuth || f.DeviceID == "" || f.Secret == "" {
		h.rejectAuth(ws, writer.messageType, "first frame must be auth")
		if err == nil {
			err = fmt.Errorf("%w: expected auth frame, got %q", protocol.ErrMalformed, f.Type)
		}
		return nil, session.Credentials{}, err
	}
	if h.Limiter != nil && !h.Limiter.Allow(middleware.DeviceKey(f.DeviceID)) {
		h.rejectAuth(ws, writer.messageType, "too many attempts")
		return nil, session.Credentials{}, fmt.Errorf("device %s: too many auth attempts", f.DeviceID)
	}
	return writer, session.Credentials{
		DeviceID:             f.DeviceID,
		Secret:               f.Secret,
		AppliedPolicyVersion: f.AppliedPolicyVersion,
	}, nil
}

func (h *EdgeSocketHandler) rejectAuth(ws *websocket.Conn, messageType int, reason string) {
	codec, _ := codecFor(messageType)
	data, err := protocol.Encode(codec, protocol.Frame{Type: protocol.TypeAuthError, Error: reason})
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(messageType, data)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(writeWait))
}
