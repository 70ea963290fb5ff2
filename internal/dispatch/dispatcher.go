// Package dispatch delivers operator commands to devices one at a time, in
// submission order, and tracks each to a terminal state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"edgefleet-server/internal/logging"
	"edgefleet-server/internal/model"
	"edgefleet-server/internal/protocol"
)

var (
	ErrInvalidKind     = errors.New("invalid command kind")
	ErrCommandNotFound = errors.New("command not found")
	ErrCommandTerminal = errors.New("command already finished")
	ErrDeviceClosed    = errors.New("device no longer accepts commands")
)

const ReasonCancelled = "cancelled"

type Sender interface {
	Send(deviceID string, f protocol.Frame) error
}

type SenderFunc func(deviceID string, f protocol.Frame) error

func (fn SenderFunc) Send(deviceID string, f protocol.Frame) error { return fn(deviceID, f) }

type Options struct {
	Sender      Sender
	AckTimeout  time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAge      time.Duration
	Interval    time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// AckResult is what a device reports for a delivered command.
type AckResult struct {
	OK     bool
	Error  string
	Result map[string]any
}

// deviceQueue holds the commands of one device. Active commands are kept in
// FIFO order; only the head is ever in flight.
type deviceQueue struct {
	mu     sync.Mutex
	online bool
	// closed is set by Abandon; the device never takes commands again.
	closed bool
	active []*model.Command
	all    map[string]*model.Command
}

type Dispatcher struct {
	mu     sync.Mutex
	queues map[string]*deviceQueue
	owner  map[string]string

	hookMu     sync.RWMutex
	onTerminal []func(model.Command)

	sender      Sender
	ackTimeout  time.Duration
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	maxAge      time.Duration
	interval    time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func New(opts Options) *Dispatcher {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	d := &Dispatcher{
		queues:      make(map[string]*deviceQueue),
		owner:       make(map[string]string),
		sender:      opts.Sender,
		ackTimeout:  opts.AckTimeout,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		maxAge:      opts.MaxAge,
		interval:    opts.Interval,
		logger:      logging.OrDiscard(opts.Logger).With("component", "dispatch"),
		now:         now,
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 1
	}
	if d.interval <= 0 {
		d.interval = time.Second
	}
	return d
}

// OnTerminal registers fn to run, outside any dispatcher lock, whenever a
// command reaches Acked, Failed or Expired.
func (d *Dispatcher) OnTerminal(fn func(model.Command)) {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	d.onTerminal = append(d.onTerminal, fn)
}

func (d *Dispatcher) queue(deviceID string) *deviceQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[deviceID]
	if !ok {
		q = &deviceQueue{all: make(map[string]*model.Command)}
		d.queues[deviceID] = q
	}
	return q
}

func (d *Dispatcher) lookup(commandID string) (*deviceQueue, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	deviceID, ok := d.owner[commandID]
	if !ok {
		return nil, false
	}
	return d.queues[deviceID], true
}

// Submit queues a command for the device and tries to deliver it right away.
func (d *Dispatcher) Submit(tenantID, deviceID string, kind model.CommandKind, payload map[string]any) (model.Command, error) {
	if !kind.Valid() {
		return model.Command{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	c := &model.Command{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		DeviceID:  deviceID,
		Kind:      kind,
		Payload:   payload,
		State:     model.CommandPending,
		CreatedAt: d.now(),
	}

	q := d.queue(deviceID)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return model.Command{}, fmt.Errorf("%w: %s", ErrDeviceClosed, deviceID)
	}
	d.mu.Lock()
	d.owner[c.ID] = deviceID
	d.mu.Unlock()

	q.active = append(q.active, c)
	q.all[c.ID] = c
	d.pump(q)
	out := *c
	q.mu.Unlock()

	d.logger.Info("command submitted", "commandId", c.ID, "deviceId", deviceID, "kind", string(kind))
	return out, nil
}

func (d *Dispatcher) Get(commandID string) (model.Command, error) {
	q, ok := d.lookup(commandID)
	if !ok {
		return model.Command{}, ErrCommandNotFound
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.all[commandID], nil
}

// List returns every command of the device, oldest first.
func (d *Dispatcher) List(deviceID string) []model.Command {
	q := d.queue(deviceID)
	q.mu.Lock()
	result := make([]model.Command, 0, len(q.all))
	for _, c := range q.all {
		result = append(result, *c)
	}
	q.mu.Unlock()
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// Ack records the device's answer for a delivered command and releases the
// next queued one. Repeated acks are ignored.
func (d *Dispatcher) Ack(deviceID, commandID string, res AckResult) error {
	q, ok := d.lookup(commandID)
	if !ok {
		return ErrCommandNotFound
	}

	q.mu.Lock()
	c := q.all[commandID]
	if c.DeviceID != deviceID || c.Attempts == 0 {
		q.mu.Unlock()
		return ErrCommandNotFound
	}
	if c.State.Terminal() {
		q.mu.Unlock()
		d.logger.Debug("late ack ignored", "commandId", commandID, "state", string(c.State))
		return nil
	}

	target := model.CommandAcked
	if !res.OK {
		target = model.CommandFailed
		c.FailureReason = res.Error
		if c.FailureReason == "" {
			c.FailureReason = "rejected by device"
		}
	}
	c.Result = res.Result
	finished, err := d.finishLocked(q, c, target)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	d.pump(q)
	q.mu.Unlock()

	d.fire(finished)
	return nil
}

// Cancel stops further delivery attempts. A command already sent may still
// be executed by the device.
func (d *Dispatcher) Cancel(commandID string) (model.Command, error) {
	q, ok := d.lookup(commandID)
	if !ok {
		return model.Command{}, ErrCommandNotFound
	}

	q.mu.Lock()
	c := q.all[commandID]
	if c.State.Terminal() {
		out := *c
		q.mu.Unlock()
		return out, ErrCommandTerminal
	}
	c.FailureReason = ReasonCancelled
	finished, err := d.finishLocked(q, c, model.CommandFailed)
	if err != nil {
		q.mu.Unlock()
		return model.Command{}, err
	}
	d.pump(q)
	q.mu.Unlock()

	d.fire(finished)
	return finished, nil
}

// DeviceOnline resumes delivery to the device.
func (d *Dispatcher) DeviceOnline(deviceID string) {
	q := d.queue(deviceID)
	q.mu.Lock()
	q.online = true
	d.pump(q)
	q.mu.Unlock()
}

// DeviceOffline suspends delivery. A command in flight goes back to Pending
// and keeps its position at the head of the queue.
func (d *Dispatcher) DeviceOffline(deviceID string) {
	q := d.queue(deviceID)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.online = false
	for _, c := range q.active {
		if c.State == model.CommandSent {
			_ = c.Transition(model.CommandPending)
			c.AckDeadline = time.Time{}
			c.NextAttemptAt = time.Time{}
			d.logger.Info("command reverted to pending", "commandId", c.ID, "deviceId", deviceID)
		}
	}
}

// Abandon fails every unfinished command of the device and refuses later
// submissions for it.
func (d *Dispatcher) Abandon(deviceID, reason string) {
	q := d.queue(deviceID)
	q.mu.Lock()
	q.online = false
	q.closed = true
	var finished []model.Command
	for len(q.active) > 0 {
		c := q.active[0]
		c.FailureReason = reason
		done, err := d.finishLocked(q, c, model.CommandFailed)
		if err != nil {
			d.logger.Error("abandon command", "commandId", c.ID, "error", err)
			q.active = q.active[1:]
			continue
		}
		finished = append(finished, done)
	}
	q.mu.Unlock()

	for _, c := range finished {
		d.fire(c)
	}
}

// Tick expires stale Pending commands, handles ack timeouts and attempts
// delivery for every device.
func (d *Dispatcher) Tick(now time.Time) {
	d.mu.Lock()
	queues := make([]*deviceQueue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.mu.Unlock()

	for _, q := range queues {
		finished := d.tickQueue(q, now)
		for _, c := range finished {
			d.fire(c)
		}
	}
}

func (d *Dispatcher) tickQueue(q *deviceQueue, now time.Time) []model.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	var finished []model.Command
	for _, c := range append([]*model.Command(nil), q.active...) {
		switch c.State {
		case model.CommandPending:
			if d.maxAge > 0 && now.Sub(c.CreatedAt) > d.maxAge {
				c.FailureReason = "not delivered within max age"
				if done, err := d.finishLocked(q, c, model.CommandExpired); err == nil {
					finished = append(finished, done)
				}
			}
		case model.CommandSent:
			if now.Before(c.AckDeadline) {
				continue
			}
			if c.Attempts >= d.maxAttempts {
				c.FailureReason = fmt.Sprintf("no ack after %d attempts", c.Attempts)
				if done, err := d.finishLocked(q, c, model.CommandFailed); err == nil {
					finished = append(finished, done)
				}
				continue
			}
			_ = c.Transition(model.CommandPending)
			c.AckDeadline = time.Time{}
			c.NextAttemptAt = now.Add(d.backoff(c.Attempts))
			d.logger.Info("command ack timeout, retrying", "commandId", c.ID, "deviceId", c.DeviceID, "attempts", c.Attempts, "retryAt", c.NextAttemptAt)
		}
	}
	d.pumpAt(q, now)
	return finished
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	if d.backoffBase <= 0 {
		return 0
	}
	delay := d.backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if d.backoffMax > 0 && delay >= d.backoffMax {
			return d.backoffMax
		}
	}
	if d.backoffMax > 0 && delay > d.backoffMax {
		return d.backoffMax
	}
	return delay
}

func (d *Dispatcher) pump(q *deviceQueue) {
	d.pumpAt(q, d.now())
}

// pumpAt sends the head command if the device is online and the command is
// due. Must be called with q.mu held.
func (d *Dispatcher) pumpAt(q *deviceQueue, now time.Time) {
	if !q.online || len(q.active) == 0 {
		return
	}
	head := q.active[0]
	if head.State != model.CommandPending || now.Before(head.NextAttemptAt) {
		return
	}
	if err := d.sender.Send(head.DeviceID, commandFrame(head)); err != nil {
		d.logger.Debug("command delivery deferred", "commandId", head.ID, "deviceId", head.DeviceID, "error", err)
		return
	}
	_ = head.Transition(model.CommandSent)
	head.Attempts++
	head.LastSentAt = now
	head.AckDeadline = now.Add(d.ackTimeout)
	d.logger.Info("command sent", "commandId", head.ID, "deviceId", head.DeviceID, "attempt", head.Attempts)
}

// finishLocked moves c to a terminal state and removes it from the active
// queue. Must be called with q.mu held.
func (d *Dispatcher) finishLocked(q *deviceQueue, c *model.Command, to model.CommandState) (model.Command, error) {
	if err := c.Transition(to); err != nil {
		return model.Command{}, err
	}
	c.CompletedAt = d.now()
	for i, a := range q.active {
		if a == c {
			q.active = append(q.active[:i], q.active[i+1:]...)
			break
		}
	}
	d.logger.Info("command finished", "commandId", c.ID, "deviceId", c.DeviceID, "state", string(to), "reason", c.FailureReason)
	return *c, nil
}

func (d *Dispatcher) fire(c model.Command) {
	d.hookMu.RLock()
	hooks := d.onTerminal
	d.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(c)
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Tick(d.now())
		}
	}
}

// commandFrame renders a command for the wire. Retention updates travel as
// policy_update so devices handle pushed and handshake policies alike.
func commandFrame(c *model.Command) protocol.Frame {
	if c.Kind == model.CommandUpdateRetention {
		f := protocol.Frame{Type: protocol.TypePolicyUpdate, CommandID: c.ID}
		if v, ok := c.Payload["version"].(int64); ok {
			f.Version = v
		}
		if p, ok := c.Payload["params"].(map[string]any); ok {
			f.Params = p
		}
		return f
	}
	return protocol.Frame{
		Type:      protocol.TypeCommand,
		CommandID: c.ID,
		Kind:      string(c.Kind),
		Payload:   c.Payload,
	}
}
