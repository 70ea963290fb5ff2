// Package session owns the single live connection of every edge device:
// the handshake, outbound queueing, and serialized inbound handling.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"edgefleet-server/internal/logging"
	"edgefleet-server/internal/model"
	"edgefleet-server/internal/protocol"
)

var (
	ErrAuth              = errors.New("authentication failed")
	ErrNoActiveSession   = errors.New("no active session")
	ErrSendQueueFull     = errors.New("session send queue full")
	ErrSessionClosed     = errors.New("session closed")
	ErrProtocolViolation = errors.New("protocol violation")
)

type Registry interface {
	Authenticate(deviceID, secret string) (model.Device, error)
	MarkOnline(ctx context.Context, id string) (model.Device, error)
	MarkOffline(ctx context.Context, id string) (model.Device, bool, error)
	Touch(id string)
}

type Liveness interface {
	Connected(deviceID string)
	Touch(deviceID string)
	Disconnected(deviceID string)
	Forget(deviceID string)
}

// Handler processes one inbound frame. Calls for the same device never
// overlap. Returning an error wrapping ErrProtocolViolation counts against
// the session.
type Handler interface {
	HandleFrame(ctx context.Context, s *Session, f protocol.Frame) error
}

type HandlerFunc func(ctx context.Context, s *Session, f protocol.Frame) error

func (fn HandlerFunc) HandleFrame(ctx context.Context, s *Session, f protocol.Frame) error {
	return fn(ctx, s, f)
}

// Greeter may add to the auth_ok reply. reported is the policy version the
// device presented in its auth frame.
type Greeter func(ctx context.Context, d model.Device, reported int64, reply *protocol.Frame)

type Credentials struct {
	DeviceID             string
	Secret               string
	AppliedPolicyVersion int64
	Codec                protocol.Codec
}

type Options struct {
	Registry      Registry
	Liveness      Liveness
	Handler       Handler
	Greeter       Greeter
	SendQueueSize int
	MaxViolations int
	Logger        *slog.Logger
	Now           func() time.Time
}

// entry serializes all work for one device. The session pointer itself is
// guarded by Manager.mu so Send never waits on a busy handler.
type entry struct {
	mu      sync.Mutex
	session *Session
}

type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	hookMu    sync.RWMutex
	onConnect []func(context.Context, model.Device)
	onOffline []func(context.Context, model.Device)

	registry      Registry
	liveness      Liveness
	handler       Handler
	greeter       Greeter
	queueSize     int
	maxViolations int
	logger        *slog.Logger
	now           func() time.Time
}

func NewManager(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	queueSize := opts.SendQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	maxViolations := opts.MaxViolations
	if maxViolations <= 0 {
		maxViolations = 5
	}
	return &Manager{
		entries:       make(map[string]*entry),
		registry:      opts.Registry,
		liveness:      opts.Liveness,
		handler:       opts.Handler,
		greeter:       opts.Greeter,
		queueSize:     queueSize,
		maxViolations: maxViolations,
		logger:        logging.OrDiscard(opts.Logger).With("component", "session"),
		now:           now,
	}
}

// OnConnect registers fn to run after every successful handshake, while the
// device's handling is still held, so it runs before any inbound frame.
func (m *Manager) OnConnect(fn func(context.Context, model.Device)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onConnect = append(m.onConnect, fn)
}

// OnOffline registers fn to run when a device transitions to Offline.
func (m *Manager) OnOffline(fn func(context.Context, model.Device)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onOffline = append(m.onOffline, fn)
}

func (m *Manager) entry(deviceID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[deviceID]
	if !ok {
		e = &entry{}
		m.entries[deviceID] = e
	}
	return e
}

func (m *Manager) current(deviceID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[deviceID]; ok {
		return e.session
	}
	return nil
}

// detach clears the current session of e if it is s, or any session when s
// is nil. It returns the session that was removed.
func (m *Manager) detach(e *entry, s *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := e.session
	if cur == nil || (s != nil && cur != s) {
		return nil
	}
	e.session = nil
	return cur
}

// Connect authenticates the device and installs a new session for it. Any
// existing session for the device is closed first.
func (m *Manager) Connect(ctx context.Context, creds Credentials, w Writer) (*Session, error) {
	d, err := m.registry.Authenticate(creds.DeviceID, creds.Secret)
	if err != nil {
		m.logger.Warn("device authentication failed", "deviceId", creds.DeviceID)
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	s := newSession(uuid.NewString(), d.ID, d.TenantID, creds.Codec, w, m.queueSize, m.now())
	e := m.entry(d.ID)

	m.mu.Lock()
	prev := e.session
	e.session = s
	m.mu.Unlock()
	if prev != nil {
		m.logger.Info("session superseded", "deviceId", d.ID, "sessionId", prev.ID, "by", s.ID)
		prev.close()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if m.current(d.ID) != s {
		s.close()
		return nil, ErrSessionClosed
	}

	d, err = m.registry.MarkOnline(ctx, d.ID)
	if err != nil {
		m.detach(e, s)
		s.close()
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	m.liveness.Connected(d.ID)

	go s.writeLoop(m.logger)

	reply := protocol.Frame{
		Type:       protocol.TypeAuthOK,
		DeviceID:   d.ID,
		TenantID:   d.TenantID,
		ServerTime: protocol.Timestamp(m.now()),
	}
	if m.greeter != nil {
		m.greeter(ctx, d, creds.AppliedPolicyVersion, &reply)
	}
	if err := s.Send(reply); err != nil {
		m.detach(e, s)
		s.close()
		return nil, err
	}

	m.logger.Info("session connected", "deviceId", d.ID, "tenantId", d.TenantID, "sessionId", s.ID, "codec", creds.Codec.String())

	m.hookMu.RLock()
	hooks := m.onConnect
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, d)
	}
	return s, nil
}

// Send enqueues a frame on the device's current session.
func (m *Manager) Send(deviceID string, f protocol.Frame) error {
	s := m.current(deviceID)
	if s == nil {
		return ErrNoActiveSession
	}
	if err := s.Send(f); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return ErrNoActiveSession
		}
		return err
	}
	return nil
}

func (m *Manager) IsConnected(deviceID string) bool {
	return m.current(deviceID) != nil
}

// Handle runs the frame handler for s. Frames from a superseded or closed
// session are dropped.
func (m *Manager) Handle(ctx context.Context, s *Session, f protocol.Frame) error {
	e := m.entry(s.DeviceID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if m.current(s.DeviceID) != s || s.Closed() {
		return ErrSessionClosed
	}
	m.liveness.Touch(s.DeviceID)
	m.registry.Touch(s.DeviceID)

	err := m.handler.HandleFrame(ctx, s, f)
	if errors.Is(err, ErrProtocolViolation) {
		m.violationLocked(e, s, err)
	}
	return err
}

// Touch refreshes liveness for traffic that carries no frame, such as
// websocket pongs.
func (m *Manager) Touch(s *Session) {
	if m.current(s.DeviceID) != s {
		return
	}
	m.liveness.Touch(s.DeviceID)
	m.registry.Touch(s.DeviceID)
}

// Violation records a protocol violation detected outside Handle, such as
// an undecodable frame.
func (m *Manager) Violation(ctx context.Context, s *Session, err error) {
	e := m.entry(s.DeviceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if m.current(s.DeviceID) != s {
		return
	}
	m.violationLocked(e, s, err)
}

func (m *Manager) violationLocked(e *entry, s *Session, err error) {
	s.violations++
	m.logger.Warn("protocol violation", "deviceId", s.DeviceID, "sessionId", s.ID, "count", s.violations, "error", err)
	if s.violations > m.maxViolations {
		m.logger.Warn("closing session after repeated protocol violations", "deviceId", s.DeviceID, "sessionId", s.ID)
		if m.detach(e, s) != nil {
			m.liveness.Disconnected(s.DeviceID)
		}
		s.close()
		return
	}
	_ = s.Send(protocol.Frame{Type: protocol.TypeError, Error: err.Error()})
}

// OnDisconnect tears down s after its transport ended. The device stays
// Online until the heartbeat grace period runs out.
func (m *Manager) OnDisconnect(s *Session) {
	e := m.entry(s.DeviceID)
	removed := m.detach(e, s)
	s.close()
	if removed != nil {
		m.liveness.Disconnected(s.DeviceID)
		m.logger.Info("session disconnected", "deviceId", s.DeviceID, "sessionId", s.ID)
	}
}

// Expire marks a device Offline after its liveness lapsed as of asOf. A
// session established at or after asOf wins and nothing happens.
func (m *Manager) Expire(ctx context.Context, deviceID string, asOf time.Time) bool {
	e := m.entry(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if s := m.current(deviceID); s != nil && !s.ConnectedAt.Before(asOf) {
		return false
	}
	if s := m.detach(e, nil); s != nil {
		s.close()
	}

	d, changed, err := m.registry.MarkOffline(ctx, deviceID)
	if err != nil {
		m.logger.Warn("mark offline failed", "deviceId", deviceID, "error", err)
		return false
	}
	if !changed {
		return false
	}
	m.logger.Info("device offline", "deviceId", deviceID, "tenantId", d.TenantID)

	m.hookMu.RLock()
	hooks := m.onOffline
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, d)
	}
	return true
}

// Evict closes the device's session without the grace period and stops
// liveness tracking. Used when a device is revoked.
func (m *Manager) Evict(deviceID string) {
	e := m.entry(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := m.detach(e, nil); s != nil {
		m.logger.Info("session evicted", "deviceId", deviceID, "sessionId", s.ID)
		s.close()
	}
	m.liveness.Forget(deviceID)
}
