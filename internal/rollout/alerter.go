package rollout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertGateFailed AlertType = "rollout_gate_failed"
	AlertRolledBack AlertType = "rollout_rolled_back"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter delivers rollout alerts to a webhook URL.
type Alerter struct {
	webhookURL string
	client     *http.Client
}

// NewAlerter creates an alerter. An empty URL makes Send a no-op.
func NewAlerter(webhookURL string) *Alerter {
	return &Alerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts one alert. Delivery failures are logged, never propagated:
// alerting must not break the rollout path.
func (a *Alerter) Send(ctx context.Context, alert Alert) {
	if a == nil || a.webhookURL == "" {
		return
	}
	if err := a.sendWebhook(ctx, alert); err != nil {
		zap.L().Error("rollout: failed to send alert",
			zap.String("type", string(alert.Type)),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("rollout: alert sent",
		zap.String("type", string(alert.Type)),
		zap.String("severity", alert.Severity),
	)
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "rollout: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "rollout: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "rollout: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("rollout: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func alertMessage(typ AlertType, cp *Checkpoint, reasons []string) string {
	switch typ {
	case AlertGateFailed:
		return fmt.Sprintf("Rollout of %s halted at stage %s: %s",
			cp.ConfigVersion, cp.Stage, strings.Join(reasons, ", "))
	case AlertRolledBack:
		return fmt.Sprintf("Rollout of %s rolled back: %s",
			cp.ConfigVersion, strings.Join(reasons, ", "))
	default:
		return string(typ)
	}
}
