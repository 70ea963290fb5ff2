package session

import (
	"log/slog"
	"sync"
	"time"

	"edgefleet-server/internal/protocol"
)

// Writer is the transport under a session, typically a websocket
// connection.
type Writer interface {
	Write(message []byte) error
	Close() error
}

// Session is one live, authenticated connection of a device. Outbound frames
// go through a bounded queue drained by a single writer goroutine.
type Session struct {
	ID          string
	DeviceID    string
	TenantID    string
	ConnectedAt time.Time
	Codec       protocol.Codec

	writer    Writer
	queue     chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once

	// guarded by the owning entry's mutex
	violations int
}

func newSession(id, deviceID, tenantID string, codec protocol.Codec, w Writer, queueSize int, now time.Time) *Session {
	return &Session{
		ID:          id,
		DeviceID:    deviceID,
		TenantID:    tenantID,
		ConnectedAt: now,
		Codec:       codec,
		writer:      w,
		queue:       make(chan protocol.Frame, queueSize),
		done:        make(chan struct{}),
	}
}

// Send enqueues a frame without blocking.
func (s *Session) Send(f protocol.Frame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.queue <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.writer.Close()
	})
}

func (s *Session) writeLoop(logger *slog.Logger) {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.queue:
			data, err := protocol.Encode(s.Codec, f)
			if err != nil {
				logger.Error("encode frame failed", "deviceId", s.DeviceID, "type", f.Type, "error", err)
				continue
			}
			if err := s.writer.Write(data); err != nil {
				logger.Info("session write failed", "deviceId", s.DeviceID, "sessionId", s.ID, "error", err)
				s.close()
				return
			}
		}
	}
}
