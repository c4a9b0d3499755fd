// Package notifier delivers hunt-completion and cron alerts to named
// webhook destinations.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/owlcap/owlcap/internal/esstore"
)

const (
	webhookTimeout = 10 * time.Second
	maxRetries     = 3
	retryDelay     = 2 * time.Second
)

// Source resolves notifier names. Implemented by esstore.
type Source interface {
	GetNotifierByName(ctx context.Context, name string) (*esstore.Notifier, error)
}

// Alert is one delivered notification.
type Alert struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Node    string `json:"node"`
	SentAt  int64  `json:"sentAt"`
}

// Manager resolves notifier names and posts alerts with bounded retries.
type Manager struct {
	src        Source
	node       string
	httpClient *http.Client
	log        *logrus.Entry
}

// NewManager creates a Manager sending on behalf of node.
func NewManager(src Source, node string) *Manager {
	return &Manager{
		src:        src,
		node:       node,
		httpClient: &http.Client{Timeout: webhookTimeout},
		log:        logrus.WithField("component", "notifier"),
	}
}

// Fire delivers an alert to the named notifier. Delivery failures are logged
// and returned but never fatal to the calling engine.
func (m *Manager) Fire(ctx context.Context, name, title, message string) error {
	if name == "" {
		return nil
	}
	n, err := m.src.GetNotifierByName(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to resolve notifier %s: %w", name, err)
	}

	alert := Alert{
		Title:   title,
		Message: message,
		Node:    m.node,
		SentAt:  time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(m.formatFor(n, alert))
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		lastErr = m.post(ctx, n, payload)
		if lastErr == nil {
			m.log.WithFields(logrus.Fields{
				"notifier": name,
				"title":    title,
			}).Info("Notification delivered")
			return nil
		}
		m.log.WithError(lastErr).WithFields(logrus.Fields{
			"notifier": name,
			"attempt":  attempt,
		}).Warn("Notification delivery failed")
		if attempt < maxRetries {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("notifier %s: %w", name, lastErr)
}

// formatFor shapes the payload per destination type. Slack expects {text};
// plain webhooks get the alert as-is.
func (m *Manager) formatFor(n *esstore.Notifier, alert Alert) interface{} {
	if n.Type == "slack" {
		return map[string]string{
			"text": fmt.Sprintf("%s: %s (node %s)", alert.Title, alert.Message, alert.Node),
		}
	}
	return alert
}

func (m *Manager) post(ctx context.Context, n *esstore.Notifier, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
