package model

import (
	"errors"
	"time"
)

const (
	MinRetentionDays = 7
	MaxRetentionDays = 90
)

var ErrInvalidRetention = errors.New("invalid retention parameters")

type RetentionParams struct {
	RetentionDays                    int     `json:"retentionDays" yaml:"retentionDays"`
	MinFreeSpaceGB                   float64 `json:"minFreeSpaceGb" yaml:"minFreeSpaceGb"`
	EmergencyCleanupThresholdPercent int     `json:"emergencyCleanupThresholdPercent,omitempty" yaml:"emergencyCleanupThresholdPercent"`
}

func (p RetentionParams) Validate() error {
	if p.RetentionDays < MinRetentionDays || p.RetentionDays > MaxRetentionDays {
		return ErrInvalidRetention
	}
	if p.MinFreeSpaceGB < 0 {
		return ErrInvalidRetention
	}
	if p.EmergencyCleanupThresholdPercent < 0 || p.EmergencyCleanupThresholdPercent > 100 {
		return ErrInvalidRetention
	}
	return nil
}

// Values renders the parameters for the session wire format.
func (p RetentionParams) Values() map[string]any {
	v := map[string]any{
		"retentionDays":  p.RetentionDays,
		"minFreeSpaceGb": p.MinFreeSpaceGB,
	}
	if p.EmergencyCleanupThresholdPercent > 0 {
		v["emergencyCleanupThresholdPercent"] = p.EmergencyCleanupThresholdPercent
	}
	return v
}

type RetentionPolicy struct {
	TenantID  string          `json:"tenantId"`
	Version   int64           `json:"version"`
	Params    RetentionParams `json:"params"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
