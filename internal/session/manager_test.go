package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"edgefleet-server/internal/model"
	"edgefleet-server/internal/protocol"
)

type fakeRegistry struct {
	mu      sync.Mutex
	devices map[string]model.Device
	secrets map[string]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		devices: map[string]model.Device{"edge-1": {ID: "edge-1", TenantID: "acme", State: model.DeviceRegistered}},
		secrets: map[string]string{"edge-1": "s3cret"},
	}
}

func (r *fakeRegistry) Authenticate(id, secret string) (model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.secrets[id] == "" || r.secrets[id] != secret {
		return model.Device{}, errors.New("bad credentials")
	}
	return r.devices[id], nil
}

func (r *fakeRegistry) MarkOnline(_ context.Context, id string) (model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.devices[id]
	d.State = model.DeviceOnline
	r.devices[id] = d
	return d, nil
}

func (r *fakeRegistry) MarkOffline(_ context.Context, id string) (model.Device, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.devices[id]
	if d.State != model.DeviceOnline {
		return d, false, nil
	}
	d.State = model.DeviceOffline
	r.devices[id] = d
	return d, true, nil
}

func (r *fakeRegistry) Touch(string) {}

func (r *fakeRegistry) state(id string) model.DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[id].State
}

type fakeLiveness struct {
	mu           sync.Mutex
	connected    int
	touched      int
	disconnected int
}

func (l *fakeLiveness) Connected(string)    { l.mu.Lock(); l.connected++; l.mu.Unlock() }
func (l *fakeLiveness) Touch(string)        { l.mu.Lock(); l.touched++; l.mu.Unlock() }
func (l *fakeLiveness) Disconnected(string) { l.mu.Lock(); l.disconnected++; l.mu.Unlock() }
func (l *fakeLiveness) Forget(string)       {}

type fakeWriter struct {
	frames chan protocol.Frame
	closed atomic.Bool
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{frames: make(chan protocol.Frame, 32)}
}

func (w *fakeWriter) Write(message []byte) error {
	f, err := protocol.Decode(protocol.JSON, message)
	if err != nil {
		return err
	}
	w.frames <- f
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed.Store(true)
	return nil
}

func (w *fakeWriter) next(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f := <-w.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return protocol.Frame{}
	}
}

func newTestManager(reg *fakeRegistry, live *fakeLiveness, h Handler) *Manager {
	if h == nil {
		h = HandlerFunc(func(context.Context, *Session, protocol.Frame) error { return nil })
	}
	return NewManager(Options{Registry: reg, Liveness: live, Handler: h, MaxViolations: 2})
}

var goodCreds = Credentials{DeviceID: "edge-1", Secret: "s3cret"}

func TestConnect_BadSecret(t *testing.T) {
	m := newTestManager(newFakeRegistry(), &fakeLiveness{}, nil)
	_, err := m.Connect(context.Background(), Credentials{DeviceID: "edge-1", Secret: "wrong"}, newFakeWriter())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if m.IsConnected("edge-1") {
		t.Fatalf("failed auth must not register a session")
	}
}

func TestConnect_SendsAuthOKAndMarksOnline(t *testing.T) {
	reg := newFakeRegistry()
	live := &fakeLiveness{}
	m := newTestManager(reg, live, nil)

	var hooked atomic.Int32
	m.OnConnect(func(context.Context, model.Device) { hooked.Add(1) })

	w := newFakeWriter()
	if _, err := m.Connect(context.Background(), goodCreds, w); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f := w.next(t)
	if f.Type != protocol.TypeAuthOK || f.DeviceID != "edge-1" || f.TenantID != "acme" {
		t.Fatalf("unexpected reply %+v", f)
	}
	if reg.state("edge-1") != model.DeviceOnline {
		t.Fatalf("expected device online")
	}
	if live.connected != 1 || hooked.Load() != 1 {
		t.Fatalf("expected liveness and connect hook, got %d %d", live.connected, hooked.Load())
	}
}

func TestConnect_GreeterExtendsReply(t *testing.T) {
	m := NewManager(Options{
		Registry: newFakeRegistry(),
		Liveness: &fakeLiveness{},
		Handler:  HandlerFunc(func(context.Context, *Session, protocol.Frame) error { return nil }),
		Greeter: func(_ context.Context, _ model.Device, reported int64, reply *protocol.Frame) {
			if reported < 4 {
				reply.Version = 4
			}
		},
	})
	w := newFakeWriter()
	creds := goodCreds
	creds.AppliedPolicyVersion = 3
	if _, err := m.Connect(context.Background(), creds, w); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if f := w.next(t); f.Version != 4 {
		t.Fatalf("expected policy version in auth_ok, got %+v", f)
	}
}

func TestConnect_SupersedesPreviousSession(t *testing.T) {
	m := newTestManager(newFakeRegistry(), &fakeLiveness{}, nil)
	ctx := context.Background()

	w1 := newFakeWriter()
	s1, err := m.Connect(ctx, goodCreds, w1)
	if err != nil {
		t.Fatalf("Connect 1: %v", err)
	}
	w1.next(t)

	w2 := newFakeWriter()
	s2, err := m.Connect(ctx, goodCreds, w2)
	if err != nil {
		t.Fatalf("Connect 2: %v", err)
	}
	w2.next(t)

	if !w1.closed.Load() || !s1.Closed() {
		t.Fatalf("first session must be closed")
	}
	if s2.Closed() {
		t.Fatalf("second session must stay open")
	}

	if err := m.Send("edge-1", protocol.Frame{Type: protocol.TypePong}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if f := w2.next(t); f.Type != protocol.TypePong {
		t.Fatalf("expected pong on new session, got %+v", f)
	}

	if err := m.Handle(ctx, s1, protocol.Frame{Type: protocol.TypePing}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected frames of superseded session dropped, got %v", err)
	}

	m.OnDisconnect(s1)
	if !m.IsConnected("edge-1") {
		t.Fatalf("late disconnect of old session must not remove the new one")
	}
}

func TestSend_NoActiveSession(t *testing.T) {
	m := newTestManager(newFakeRegistry(), &fakeLiveness{}, nil)
	if err := m.Send("edge-1", protocol.Frame{Type: protocol.TypePong}); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestHandle_SerializedPerDevice(t *testing.T) {
	var inFlight, maxSeen atomic.Int32
	h := HandlerFunc(func(context.Context, *Session, protocol.Frame) error {
		n := inFlight.Add(1)
		for {
			prev := maxSeen.Load()
			if n <= prev || maxSeen.CompareAndSwap(prev, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	live := &fakeLiveness{}
	m := newTestManager(newFakeRegistry(), live, h)
	s, err := m.Connect(context.Background(), goodCreds, newFakeWriter())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Handle(context.Background(), s, protocol.Frame{Type: protocol.TypePing})
		}()
	}
	wg.Wait()
	if maxSeen.Load() != 1 {
		t.Fatalf("handlers overlapped: %d", maxSeen.Load())
	}
	if live.touched != 20 {
		t.Fatalf("expected every frame to refresh liveness, got %d", live.touched)
	}
}

func TestHandle_RepeatedViolationsCloseSession(t *testing.T) {
	h := HandlerFunc(func(context.Context, *Session, protocol.Frame) error {
		return ErrProtocolViolation
	})
	live := &fakeLiveness{}
	m := newTestManager(newFakeRegistry(), live, h)
	w := newFakeWriter()
	s, err := m.Connect(context.Background(), goodCreds, w)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	w.next(t)

	for i := 0; i < 2; i++ {
		_ = m.Handle(context.Background(), s, protocol.Frame{Type: "bogus"})
		if f := w.next(t); f.Type != protocol.TypeError {
			t.Fatalf("expected error frame, got %+v", f)
		}
	}
	if s.Closed() {
		t.Fatalf("session closed before threshold")
	}
	_ = m.Handle(context.Background(), s, protocol.Frame{Type: "bogus"})
	if !s.Closed() || m.IsConnected("edge-1") {
		t.Fatalf("expected session force-closed past threshold")
	}
	if live.disconnected != 1 {
		t.Fatalf("expected grace period started")
	}
}

func TestExpire_MarksOfflineAndRunsHooks(t *testing.T) {
	reg := newFakeRegistry()
	m := newTestManager(reg, &fakeLiveness{}, nil)
	ctx := context.Background()

	var offline []string
	m.OnOffline(func(_ context.Context, d model.Device) { offline = append(offline, d.ID) })

	s, err := m.Connect(ctx, goodCreds, newFakeWriter())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.OnDisconnect(s)

	if !m.Expire(ctx, "edge-1", time.Now().Add(time.Minute)) {
		t.Fatalf("expected device expired")
	}
	if reg.state("edge-1") != model.DeviceOffline {
		t.Fatalf("expected offline, got %s", reg.state("edge-1"))
	}
	if len(offline) != 1 {
		t.Fatalf("expected offline hook once, got %v", offline)
	}
}

func TestExpire_NewerSessionWins(t *testing.T) {
	reg := newFakeRegistry()
	m := newTestManager(reg, &fakeLiveness{}, nil)
	ctx := context.Background()

	asOf := time.Now()
	s, err := m.Connect(ctx, goodCreds, newFakeWriter())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.Expire(ctx, "edge-1", asOf.Add(-time.Second)) {
		t.Fatalf("session connected after the sweep must not be expired")
	}
	if s.Closed() || reg.state("edge-1") != model.DeviceOnline {
		t.Fatalf("device must stay online")
	}
}
