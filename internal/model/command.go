package model

import (
	"fmt"
	"time"
)

type CommandKind string

const (
	CommandRestartDetection CommandKind = "restart_detection"
	CommandPushZoneConfig   CommandKind = "push_zone_config"
	CommandRequestClip      CommandKind = "request_clip"
	CommandUpdateRetention  CommandKind = "update_retention"
)

func (k CommandKind) Valid() bool {
	switch k {
	case CommandRestartDetection, CommandPushZoneConfig, CommandRequestClip, CommandUpdateRetention:
		return true
	}
	return false
}

type CommandState string

const (
	CommandPending CommandState = "pending"
	CommandSent    CommandState = "sent"
	CommandAcked   CommandState = "acked"
	CommandFailed  CommandState = "failed"
	CommandExpired CommandState = "expired"
)

// A Pending command may be acked directly when a device answers a delivery
// that was reverted after the device went offline.
var commandTransitions = map[CommandState][]CommandState{
	CommandPending: {CommandSent, CommandAcked, CommandFailed, CommandExpired},
	CommandSent:    {CommandPending, CommandAcked, CommandFailed},
}

func (s CommandState) CanTransition(to CommandState) bool {
	return allowed(commandTransitions[s], to)
}

func (s CommandState) Terminal() bool {
	return s == CommandAcked || s == CommandFailed || s == CommandExpired
}

type Command struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenantId"`
	DeviceID      string         `json:"deviceId"`
	Kind          CommandKind    `json:"kind"`
	Payload       map[string]any `json:"payload,omitempty"`
	State         CommandState   `json:"state"`
	Attempts      int            `json:"attempts"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastSentAt    time.Time      `json:"lastSentAt,omitzero"`
	NextAttemptAt time.Time      `json:"nextAttemptAt,omitzero"`
	AckDeadline   time.Time      `json:"ackDeadline,omitzero"`
	CompletedAt   time.Time      `json:"completedAt,omitzero"`
	FailureReason string         `json:"failureReason,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
}

func (c *Command) Transition(to CommandState) error {
	if !c.State.CanTransition(to) {
		return fmt.Errorf("%w: command %s %s -> %s", ErrInvalidTransition, c.ID, c.State, to)
	}
	c.State = to
	return nil
}
