package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"edgefleet-server/internal/clips"
	"edgefleet-server/internal/dispatch"
	"edgefleet-server/internal/ingest"
	"edgefleet-server/internal/logging"
	"edgefleet-server/internal/model"
	"edgefleet-server/internal/protocol"
	"edgefleet-server/internal/retention"
	"edgefleet-server/internal/session"
)

// StatusRecorder stores the latest status report of a device.
type StatusRecorder interface {
	SetStatus(id string, status map[string]any) error
}

// Router dispatches inbound session frames to the owning component by
// frame type. It runs inside the session manager's per-device
// serialization, so frames of one device are never routed concurrently.
type Router struct {
	Pipeline   *ingest.Pipeline
	Dispatcher *dispatch.Dispatcher
	Clips      *clips.Coordinator
	Retention  *retention.Synchronizer
	Status     StatusRecorder
	Logger     *slog.Logger
	Now        func() time.Time
}

func (r *Router) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", session.ErrProtocolViolation, fmt.Sprintf(format, args...))
}

func (r *Router) HandleFrame(ctx context.Context, s *session.Session, f protocol.Frame) error {
	dev := model.Device{ID: s.DeviceID, TenantID: s.TenantID}

	switch f.Type {
	case protocol.TypeDetection, protocol.TypeZoneEvent, protocol.TypeAlert:
		_, err := r.Pipeline.Ingest(ctx, dev, f)
		return err

	case protocol.TypeBatch:
		if len(f.Events) == 0 {
			return violation("empty batch")
		}
		_, err := r.Pipeline.IngestBatch(ctx, dev, f.Events)
		return err

	case protocol.TypeCommandAck:
		if f.CommandID == "" {
			return violation("command_ack without commandId")
		}
		err := r.Dispatcher.Ack(dev.ID, f.CommandID, dispatch.AckResult{
			OK:     f.Status != protocol.AckError,
			Error:  f.Error,
			Result: f.Payload,
		})
		if errors.Is(err, dispatch.ErrCommandNotFound) {
			return violation("ack for unknown command %s", f.CommandID)
		}
		return err

	case protocol.TypeClipBegin:
		_, err := r.Clips.Begin(dev, f)
		return r.clipError(dev, f, err)

	case protocol.TypeClipChunk:
		_, err := r.Clips.Chunk(ctx, dev, f)
		return r.clipError(dev, f, err)

	case protocol.TypeClipFailed:
		_, err := r.Clips.Fail(dev, f.JobID, f.Reason)
		return r.clipError(dev, f, err)

	case protocol.TypePolicyApplied:
		if f.Version <= 0 {
			return violation("policy_applied without version")
		}
		r.Retention.Applied(ctx, dev.ID, f.Version)
		return nil

	case protocol.TypeStatus:
		if r.Status != nil {
			return r.Status.SetStatus(dev.ID, f.Payload)
		}
		return nil

	case protocol.TypePing:
		return s.Send(protocol.Frame{Type: protocol.TypePong, ServerTime: protocol.Timestamp(r.now())})

	case protocol.TypeAuth:
		return violation("session already authenticated")

	default:
		return violation("unknown frame type %q", f.Type)
	}
}

// clipError classifies coordinator errors. Malformed or misaddressed
// uploads count against the session; a failed integrity check or a late
// chunk for a finished job does not.
func (r *Router) clipError(dev model.Device, f protocol.Frame, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, clips.ErrInvalidClip), errors.Is(err, clips.ErrJobNotFound), errors.Is(err, clips.ErrNotStarted):
		return fmt.Errorf("%w: %v", session.ErrProtocolViolation, err)
	case errors.Is(err, clips.ErrJobFinished):
		logging.OrDiscard(r.Logger).Debug("frame for finished clip job", "deviceId", dev.ID, "jobId", f.JobID, "type", f.Type)
		return nil
	case errors.Is(err, clips.ErrIntegrity):
		return nil
	default:
		return err
	}
}
