package model

import "context"

// Notification event types emitted by the engine.
const (
	EventWorkflowCompleted = "workflow_completed"
	EventReviewRejected    = "review_rejected"
)

// Document template types requested from the document service.
const (
	DocumentTypeCertificate = "certificate"
)

// DocumentService renders documents (certificates) for completed instances.
// Treated as a best-effort, independently-failing dependency.
type DocumentService interface {
	Generate(ctx context.Context, instanceID, templateType string) (documentRef string, err error)
}

// NotificationService delivers notifications to subjects. Best-effort;
// failures are logged and retried, never rolled back into engine state.
type NotificationService interface {
	Send(ctx context.Context, subjectID, eventType string, payload map[string]any) error
}

// FileInfo describes a stored file.
type FileInfo struct {
	Ref         string
	Size        int64
	ContentType string
}

// FileStorage verifies file references submitted for upload steps. The
// engine never stores bytes itself; uploads land in storage out-of-band and
// only the reference is recorded.
type FileStorage interface {
	Stat(ctx context.Context, fileRef string) (FileInfo, error)
}
