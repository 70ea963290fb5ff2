package model

import (
	"fmt"
	"time"
)

type ClipState string

const (
	ClipRequested  ClipState = "requested"
	ClipInProgress ClipState = "in_progress"
	ClipCompleted  ClipState = "completed"
	ClipFailed     ClipState = "failed"
)

var clipTransitions = map[ClipState][]ClipState{
	ClipRequested:  {ClipInProgress, ClipFailed},
	ClipInProgress: {ClipCompleted, ClipFailed},
}

func (s ClipState) CanTransition(to ClipState) bool {
	return allowed(clipTransitions[s], to)
}

func (s ClipState) Terminal() bool {
	return s == ClipCompleted || s == ClipFailed
}

type ClipJob struct {
	ID             string    `json:"id"`
	CommandID      string    `json:"commandId,omitempty"`
	TenantID       string    `json:"tenantId"`
	DeviceID       string    `json:"deviceId"`
	CameraID       string    `json:"cameraId"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	State          ClipState `json:"state"`
	Size           int64     `json:"size"`
	Received       int64     `json:"received"`
	Checksum       string    `json:"checksum,omitempty"`
	ObjectKey      string    `json:"objectKey,omitempty"`
	FailureReason  string    `json:"failureReason,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastProgressAt time.Time `json:"lastProgressAt"`
}

func (j *ClipJob) Transition(to ClipState) error {
	if !j.State.CanTransition(to) {
		return fmt.Errorf("%w: clip job %s %s -> %s", ErrInvalidTransition, j.ID, j.State, to)
	}
	j.State = to
	return nil
}
