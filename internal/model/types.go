package model

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("invalid state transition")

type DeviceState string

const (
	DeviceRegistered DeviceState = "registered"
	DeviceOnline     DeviceState = "online"
	DeviceOffline    DeviceState = "offline"
	DeviceRevoked    DeviceState = "revoked"
)

var deviceTransitions = map[DeviceState][]DeviceState{
	DeviceRegistered: {DeviceOnline, DeviceRevoked},
	DeviceOnline:     {DeviceOffline, DeviceRevoked},
	DeviceOffline:    {DeviceOnline, DeviceRevoked},
}

func (s DeviceState) CanTransition(to DeviceState) bool {
	return allowed(deviceTransitions[s], to)
}

type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type Device struct {
	ID                   string         `json:"id"`
	TenantID             string         `json:"tenantId"`
	Name                 string         `json:"name"`
	Location             string         `json:"location,omitempty"`
	SecretHash           string         `json:"secretHash"`
	State                DeviceState    `json:"state"`
	LastSeen             time.Time      `json:"lastSeen"`
	AppliedPolicyVersion int64          `json:"appliedPolicyVersion"`
	Status               map[string]any `json:"status,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

func (d *Device) Transition(to DeviceState) error {
	if !d.State.CanTransition(to) {
		return fmt.Errorf("%w: device %s %s -> %s", ErrInvalidTransition, d.ID, d.State, to)
	}
	d.State = to
	return nil
}

func allowed[T comparable](targets []T, to T) bool {
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}
