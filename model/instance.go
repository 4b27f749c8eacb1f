package model

import "time"

// Instance status constants.
const (
	InstanceStatusDraft      = "draft"
	InstanceStatusInProgress = "in_progress"
	InstanceStatusCompleted  = "completed"
	InstanceStatusCancelled  = "cancelled"
)

// WorkflowInstance is a live run of a template version bound to one subject.
// CompletedAt is the single source of truth for "has the completion event
// already fired"; DispatchedAt records that completion side effects were
// delivered.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	TemplateID        string         `json:"template_id"`
	TemplateSlug      string         `json:"template_slug"`
	TemplateVersion   int            `json:"template_version"`
	SubjectID         string         `json:"subject_id"`
	Status            string         `json:"status"`
	CurrentStepNumber int            `json:"current_step_number"`
	CollectedData     map[string]any `json:"collected_data,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	CancelledAt       *time.Time     `json:"cancelled_at,omitempty"`
	DispatchedAt      *time.Time     `json:"dispatched_at,omitempty"`
	CertificateRef    string         `json:"certificate_ref,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Terminal reports whether the instance is in a terminal status.
func (i *WorkflowInstance) Terminal() bool {
	return i.Status == InstanceStatusCompleted || i.Status == InstanceStatusCancelled
}

// InstanceFilters are optional filters for listing workflow instances.
type InstanceFilters struct {
	SubjectID    string
	TemplateSlug string
	Status       string
	Limit        int
	Offset       int
}
