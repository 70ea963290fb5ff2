// Package clips coordinates chunked uploads of recorded clips from devices,
// assembling them at their declared offsets and verifying their checksum
// before handing them to storage.
package clips

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"edgefleet-server/internal/activity"
	"edgefleet-server/internal/logging"
	"edgefleet-server/internal/model"
	"edgefleet-server/internal/protocol"
)

var (
	ErrJobNotFound = errors.New("clip job not found")
	ErrJobFinished = errors.New("clip job already finished")
	ErrNotStarted  = errors.New("clip upload not started")
	ErrInvalidClip = errors.New("invalid clip upload")
	ErrIntegrity   = errors.New("clip checksum mismatch")
)

// Commands is the slice of the dispatcher the coordinator needs.
type Commands interface {
	Submit(tenantID, deviceID string, kind model.CommandKind, payload map[string]any) (model.Command, error)
	Cancel(commandID string) (model.Command, error)
}

type Options struct {
	Storage    Storage
	Commands   Commands
	Activity   activity.Recorder
	JobTimeout time.Duration
	MaxBytes   int64
	TempDir    string
	Interval   time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

type job struct {
	mu       sync.Mutex
	rec      model.ClipJob
	expected string
	file     *os.File
	covered  coverage
}

type Coordinator struct {
	storage  Storage
	commands Commands
	activity activity.Recorder
	timeout  time.Duration
	maxBytes int64
	tempDir  string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	jobs      map[string]*job
	byCommand map[string]string
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		storage:   opts.Storage,
		commands:  opts.Commands,
		activity:  opts.Activity,
		timeout:   opts.JobTimeout,
		maxBytes:  opts.MaxBytes,
		tempDir:   opts.TempDir,
		interval:  opts.Interval,
		logger:    logging.OrDiscard(opts.Logger).With("component", "clips"),
		now:       opts.Now,
		jobs:      make(map[string]*job),
		byCommand: make(map[string]string),
	}
	if c.timeout <= 0 {
		c.timeout = 2 * time.Minute
	}
	if c.interval <= 0 {
		c.interval = 5 * time.Second
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Request creates a job and asks the device for the clip through a
// request_clip command. The job exists before the command does, so a fast
// device can never begin an upload for an unknown job.
func (c *Coordinator) Request(tenantID, deviceID, cameraID string, from, to time.Time) (model.ClipJob, error) {
	if err := checkCameraID(cameraID); err != nil {
		return model.ClipJob{}, err
	}
	if from.IsZero() || !to.After(from) {
		return model.ClipJob{}, fmt.Errorf("%w: time range is empty", ErrInvalidClip)
	}

	now := c.now().UTC()
	j := &job{rec: model.ClipJob{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		DeviceID:       deviceID,
		CameraID:       cameraID,
		From:           from.UTC(),
		To:             to.UTC(),
		State:          model.ClipRequested,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastProgressAt: now,
	}}
	c.mu.Lock()
	c.jobs[j.rec.ID] = j
	c.mu.Unlock()

	cmd, err := c.commands.Submit(tenantID, deviceID, model.CommandRequestClip, map[string]any{
		"jobId":    j.rec.ID,
		"cameraId": cameraID,
		"from":     j.rec.From.Format(time.RFC3339Nano),
		"to":       j.rec.To.Format(time.RFC3339Nano),
	})
	if err != nil {
		c.mu.Lock()
		delete(c.jobs, j.rec.ID)
		c.mu.Unlock()
		return model.ClipJob{}, fmt.Errorf("submit request_clip: %w", err)
	}

	c.mu.Lock()
	c.byCommand[cmd.ID] = j.rec.ID
	c.mu.Unlock()

	j.mu.Lock()
	defer j.mu.Unlock()
	j.rec.CommandID = cmd.ID
	c.logger.Info("clip requested", "jobId", j.rec.ID, "deviceId", deviceID, "cameraId", cameraID, "commandId", cmd.ID)
	return j.rec, nil
}

// Begin starts the byte transfer for a job. An unknown job id with a camera
// and time range starts a device-initiated upload.
func (c *Coordinator) Begin(dev model.Device, f protocol.Frame) (model.ClipJob, error) {
	if f.JobID == "" {
		return model.ClipJob{}, fmt.Errorf("%w: missing jobId", ErrInvalidClip)
	}
	if f.Size <= 0 || (c.maxBytes > 0 && f.Size > c.maxBytes) {
		return model.ClipJob{}, fmt.Errorf("%w: size %d out of range", ErrInvalidClip, f.Size)
	}
	expected := strings.ToLower(f.Checksum)
	if raw, err := hex.DecodeString(expected); err != nil || len(raw) != 32 {
		return model.ClipJob{}, fmt.Errorf("%w: checksum must be 64 hex characters", ErrInvalidClip)
	}

	j, err := c.lookup(dev.ID, f.JobID)
	if errors.Is(err, ErrJobNotFound) {
		j, err = c.deviceInitiated(dev, f)
	}
	if err != nil {
		return model.ClipJob{}, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	switch {
	case j.rec.State.Terminal():
		return j.rec, ErrJobFinished
	case j.rec.State == model.ClipInProgress:
		if j.rec.Size == f.Size && j.expected == expected {
			return j.rec, nil
		}
		return j.rec, fmt.Errorf("%w: upload already started with different size or checksum", ErrInvalidClip)
	}

	file, err := os.CreateTemp(c.tempDir, "clip-*.part")
	if err != nil {
		return j.rec, fmt.Errorf("create clip temp file: %w", err)
	}
	if err := j.rec.Transition(model.ClipInProgress); err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())
		return j.rec, err
	}
	now := c.now().UTC()
	j.file = file
	j.expected = expected
	j.rec.Size = f.Size
	j.rec.UpdatedAt = now
	j.rec.LastProgressAt = now

	c.logger.Info("clip upload started", "jobId", j.rec.ID, "deviceId", dev.ID, "size", f.Size)
	return j.rec, nil
}

// Chunk writes bytes at their declared offset. Once every byte is covered
// the clip is verified and stored; a checksum mismatch fails the job with
// ErrIntegrity.
func (c *Coordinator) Chunk(ctx context.Context, dev model.Device, f protocol.Frame) (model.ClipJob, error) {
	j, err := c.lookup(dev.ID, f.JobID)
	if err != nil {
		return model.ClipJob{}, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.rec.State.Terminal() {
		return j.rec, ErrJobFinished
	}
	if j.rec.State != model.ClipInProgress {
		return j.rec, ErrNotStarted
	}
	n := int64(len(f.Bytes))
	if f.Offset < 0 || n == 0 || n > j.rec.Size || f.Offset > j.rec.Size-n {
		return j.rec, fmt.Errorf("%w: chunk of %d bytes at offset %d outside clip of %d bytes", ErrInvalidClip, n, f.Offset, j.rec.Size)
	}
	end := f.Offset + n

	if _, err := j.file.WriteAt(f.Bytes, f.Offset); err != nil {
		c.failLocked(j, "write failed: "+err.Error())
		return j.rec, fmt.Errorf("write clip chunk: %w", err)
	}
	j.covered.add(f.Offset, end)
	now := c.now().UTC()
	j.rec.Received = j.covered.total
	j.rec.UpdatedAt = now
	j.rec.LastProgressAt = now

	if !j.covered.covers(j.rec.Size) {
		return j.rec, nil
	}
	return j.rec, c.finishLocked(ctx, j)
}

// Fail records a device-reported failure.
func (c *Coordinator) Fail(dev model.Device, jobID, reason string) (model.ClipJob, error) {
	j, err := c.lookup(dev.ID, jobID)
	if err != nil {
		return model.ClipJob{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.rec.State.Terminal() {
		return j.rec, ErrJobFinished
	}
	if reason == "" {
		reason = "device could not produce clip"
	}
	c.failLocked(j, reason)
	return j.rec, nil
}

// CommandTerminal fails a job whose request_clip command ended without the
// device ever starting the upload.
func (c *Coordinator) CommandTerminal(cmd model.Command) {
	if cmd.Kind != model.CommandRequestClip {
		return
	}
	if cmd.State != model.CommandFailed && cmd.State != model.CommandExpired {
		return
	}
	c.mu.RLock()
	id, ok := c.byCommand[cmd.ID]
	j := c.jobs[id]
	c.mu.RUnlock()
	if !ok || j == nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.rec.State != model.ClipRequested {
		return
	}
	reason := "request_clip command " + string(cmd.State)
	if cmd.FailureReason != "" {
		reason += ": " + cmd.FailureReason
	}
	c.failLocked(j, reason)
}

// Sweep fails jobs that made no progress within the job timeout and returns
// their ids. A request still waiting for the device also has its command
// cancelled.
func (c *Coordinator) Sweep(now time.Time) []string {
	c.mu.RLock()
	jobs := make([]*job, 0, len(c.jobs))
	for _, j := range c.jobs {
		jobs = append(jobs, j)
	}
	c.mu.RUnlock()

	var expired []string
	var cancel []string
	for _, j := range jobs {
		j.mu.Lock()
		if !j.rec.State.Terminal() && now.Sub(j.rec.LastProgressAt) >= c.timeout {
			if j.rec.State == model.ClipRequested && j.rec.CommandID != "" {
				cancel = append(cancel, j.rec.CommandID)
			}
			c.failLocked(j, "timed out waiting for upload progress")
			expired = append(expired, j.rec.ID)
		}
		j.mu.Unlock()
	}

	for _, id := range cancel {
		if _, err := c.commands.Cancel(id); err != nil {
			c.logger.Debug("cancel request_clip", "commandId", id, "error", err)
		}
	}
	return expired
}

func (c *Coordinator) Get(id string) (model.ClipJob, error) {
	c.mu.RLock()
	j, ok := c.jobs[id]
	c.mu.RUnlock()
	if !ok {
		return model.ClipJob{}, ErrJobNotFound
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rec, nil
}

// List returns a device's jobs, oldest first.
func (c *Coordinator) List(deviceID string) []model.ClipJob {
	c.mu.RLock()
	jobs := make([]*job, 0)
	for _, j := range c.jobs {
		jobs = append(jobs, j)
	}
	c.mu.RUnlock()

	result := make([]model.ClipJob, 0)
	for _, j := range jobs {
		j.mu.Lock()
		if j.rec.DeviceID == deviceID {
			result = append(result, j.rec)
		}
		j.mu.Unlock()
	}
	sort.Slice(result, func(a, b int) bool { return result[a].CreatedAt.Before(result[b].CreatedAt) })
	return result
}

func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}

func (c *Coordinator) lookup(deviceID, jobID string) (*job, error) {
	c.mu.RLock()
	j, ok := c.jobs[jobID]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	// read-only fields, set before the job is published
	if j.rec.DeviceID != deviceID {
		return nil, ErrJobNotFound
	}
	return j, nil
}

func (c *Coordinator) deviceInitiated(dev model.Device, f protocol.Frame) (*job, error) {
	if f.CameraID == "" || f.From == nil || f.To == nil || !f.To.After(*f.From) {
		return nil, fmt.Errorf("%w: unknown job %s", ErrJobNotFound, f.JobID)
	}
	if err := checkCameraID(f.CameraID); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(f.JobID); err != nil {
		return nil, fmt.Errorf("%w: jobId must be a uuid", ErrInvalidClip)
	}

	now := c.now().UTC()
	j := &job{rec: model.ClipJob{
		ID:             f.JobID,
		TenantID:       dev.TenantID,
		DeviceID:       dev.ID,
		CameraID:       f.CameraID,
		From:           f.From.UTC(),
		To:             f.To.UTC(),
		State:          model.ClipRequested,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastProgressAt: now,
	}}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.jobs[f.JobID]; ok {
		if existing.rec.DeviceID != dev.ID {
			return nil, ErrJobNotFound
		}
		return existing, nil
	}
	c.jobs[f.JobID] = j
	return j, nil
}

// checkCameraID rejects ids that could not be a single storage key segment.
func checkCameraID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: cameraId is required", ErrInvalidClip)
	case id == "." || strings.Contains(id, ".."), strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: invalid cameraId %q", ErrInvalidClip, id)
	}
	return nil
}

func ObjectKey(j model.ClipJob) string {
	base := fmt.Sprintf("%s/%s/%s", j.TenantID, j.DeviceID, j.CameraID)
	return BuildObjectPath(base, j.From, j.ID+".mp4")
}

func (c *Coordinator) finishLocked(ctx context.Context, j *job) error {
	if _, err := j.file.Seek(0, 0); err != nil {
		c.failLocked(j, "read back failed: "+err.Error())
		return fmt.Errorf("rewind clip: %w", err)
	}
	sum, err := Checksum(j.file)
	if err != nil {
		c.failLocked(j, "read back failed: "+err.Error())
		return fmt.Errorf("checksum clip: %w", err)
	}
	if sum != j.expected {
		c.failLocked(j, ErrIntegrity.Error())
		return fmt.Errorf("%w: job %s expected %s got %s", ErrIntegrity, j.rec.ID, j.expected, sum)
	}

	if _, err := j.file.Seek(0, 0); err != nil {
		c.failLocked(j, "read back failed: "+err.Error())
		return fmt.Errorf("rewind clip: %w", err)
	}
	key := ObjectKey(j.rec)
	if err := c.storage.Put(ctx, key, j.file, j.rec.Size); err != nil {
		c.failLocked(j, "storage failed: "+err.Error())
		return fmt.Errorf("store clip: %w", err)
	}

	if err := j.rec.Transition(model.ClipCompleted); err != nil {
		return err
	}
	j.rec.Checksum = sum
	j.rec.ObjectKey = key
	j.rec.UpdatedAt = c.now().UTC()
	c.releaseFile(j)

	c.logger.Info("clip completed", "jobId", j.rec.ID, "deviceId", j.rec.DeviceID, "objectKey", key, "size", j.rec.Size)
	c.record(model.Activity{
		TenantID: j.rec.TenantID,
		DeviceID: j.rec.DeviceID,
		Type:     model.ActivityClipCompleted,
		Message:  fmt.Sprintf("clip from %s stored (%d bytes)", j.rec.CameraID, j.rec.Size),
		Ref:      j.rec.ID,
	})
	return nil
}

func (c *Coordinator) failLocked(j *job, reason string) {
	if err := j.rec.Transition(model.ClipFailed); err != nil {
		return
	}
	j.rec.FailureReason = reason
	j.rec.UpdatedAt = c.now().UTC()
	c.releaseFile(j)

	c.logger.Warn("clip failed", "jobId", j.rec.ID, "deviceId", j.rec.DeviceID, "reason", reason)
	c.record(model.Activity{
		TenantID: j.rec.TenantID,
		DeviceID: j.rec.DeviceID,
		Type:     model.ActivityClipFailed,
		Message:  fmt.Sprintf("clip from %s failed: %s", j.rec.CameraID, reason),
		Ref:      j.rec.ID,
	})
}

func (c *Coordinator) releaseFile(j *job) {
	if j.file == nil {
		return
	}
	name := j.file.Name()
	_ = j.file.Close()
	_ = os.Remove(name)
	j.file = nil
}

func (c *Coordinator) record(a model.Activity) {
	if c.activity != nil {
		c.activity.Record(a)
	}
}
