package sideeffect

import (
	"context"

	"github.com/fleetyard/crewflow/internal/config"
)

// NotificationClient delivers notifications through the notification
// service. Implements model.NotificationService.
type NotificationClient struct {
	http *httpClient
}

// NewNotificationClient creates a notification service client. Returns nil
// when no URL is configured.
func NewNotificationClient(cfg config.ServiceClientConfig) *NotificationClient {
	if cfg.URL == "" {
		return nil
	}
	return &NotificationClient{http: newHTTPClient(cfg)}
}

type sendRequest struct {
	SubjectID string         `json:"subject_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Send delivers one notification to a subject.
func (c *NotificationClient) Send(ctx context.Context, subjectID, eventType string, payload map[string]any) error {
	return c.http.postJSON(ctx, "/v1/notifications", sendRequest{
		SubjectID: subjectID,
		EventType: eventType,
		Payload:   payload,
	}, nil)
}
