// Package notify delivers alert notifications to operators outside the
// fleet core: HTTP webhooks and an MQTT topic per tenant.
package notify

import (
	"context"
	"errors"
	"time"

	"edgefleet-server/internal/model"
)

type Notifier interface {
	Notify(ctx context.Context, alert model.Event) error
}

// Message is the body sent to every notification target.
type Message struct {
	Type     string      `json:"type"`
	TenantID string      `json:"tenantId"`
	DeviceID string      `json:"deviceId"`
	Alert    model.Event `json:"alert"`
	SentAt   time.Time   `json:"sentAt"`
}

func NewMessage(alert model.Event, now time.Time) Message {
	return Message{
		Type:     "alert",
		TenantID: alert.TenantID,
		DeviceID: alert.DeviceID,
		Alert:    alert,
		SentAt:   now.UTC(),
	}
}

// Multi fans a notification out to every target. All targets are tried;
// their errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert model.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
