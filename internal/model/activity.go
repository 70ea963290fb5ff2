package model

import "time"

type ActivityType string

const (
	ActivityDeviceOnline   ActivityType = "device_online"
	ActivityDeviceOffline  ActivityType = "device_offline"
	ActivityDeviceRevoked  ActivityType = "device_revoked"
	ActivityCommandFailed  ActivityType = "command_failed"
	ActivityCommandExpired ActivityType = "command_expired"
	ActivitySequenceGap    ActivityType = "sequence_gap"
	ActivityEventRejected  ActivityType = "event_rejected"
	ActivityClipCompleted  ActivityType = "clip_completed"
	ActivityClipFailed     ActivityType = "clip_failed"
	ActivityPolicyDrift    ActivityType = "policy_drift"
)

type Activity struct {
	Seq      int64        `json:"seq"`
	TenantID string       `json:"tenantId"`
	DeviceID string       `json:"deviceId,omitempty"`
	Type     ActivityType `json:"type"`
	Message  string       `json:"message"`
	Ref      string       `json:"ref,omitempty"`
	At       time.Time    `json:"at"`
}
