package monitor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Notifier publishes critical alerts out of band. It is optional: a
// Pipeline with a nil Notifier simply skips publishing.
type Notifier interface {
	Publish(ctx context.Context, monitorID string, level AlertLevel, result *Result) error
}

// NATSNotifier publishes critical monitor alerts to a NATS subject. It is
// an enrichment beyond the base pipeline contract: safety-critical alerts
// often need to fan out to on-call tooling faster than waiting on the next
// manifest read.
type NATSNotifier struct {
	Conn    *nats.Conn
	Subject string
}

type alertMessagePayload struct {
	MonitorID string     `json:"monitorId"`
	Level     AlertLevel `json:"level"`
	Result    *Result    `json:"result"`
}

// Publish marshals result and publishes it to n.Subject.
func (n *NATSNotifier) Publish(ctx context.Context, monitorID string, level AlertLevel, result *Result) error {
	if n.Conn == nil {
		return fmt.Errorf("monitor: nats notifier has no connection")
	}
	data, err := json.Marshal(alertMessagePayload{MonitorID: monitorID, Level: level, Result: result})
	if err != nil {
		return fmt.Errorf("monitor: marshal alert payload: %w", err)
	}
	return n.Conn.Publish(n.Subject, data)
}
