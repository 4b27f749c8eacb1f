// Package store persists workflow templates, instances, step progress, and
// review decisions. The relational store is the single synchronization point
// for the engine: every guarded write (completion, cancellation, dispatch
// marking, review decisions) is a single atomic statement whose row count
// tells the caller whether it won.
package store

import (
	"context"
	"time"

	"github.com/fleetyard/crewflow/model"
)

// Store is the full persistence surface consumed by the services.
type Store interface {
	TemplateStore
	InstanceStore
	ProgressStore
	ReviewStore
	AssignmentStore

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error
}

// TemplateStore persists versioned workflow templates.
type TemplateStore interface {
	// CreateTemplate persists a new template version. Returns CONFLICT if the
	// (slug, version) pair already exists.
	CreateTemplate(ctx context.Context, tpl model.WorkflowTemplate) error

	// GetTemplate retrieves a template by ID.
	GetTemplate(ctx context.Context, id string) (model.WorkflowTemplate, error)

	// GetActiveTemplate retrieves the active version for a slug. Returns
	// NOT_FOUND when no version is active.
	GetActiveTemplate(ctx context.Context, slug string) (model.WorkflowTemplate, error)

	// GetTemplateVersion retrieves a specific version for a slug.
	GetTemplateVersion(ctx context.Context, slug string, version int) (model.WorkflowTemplate, error)

	// LatestTemplateVersion returns the highest version number recorded for a
	// slug, or 0 when the slug is unknown.
	LatestTemplateVersion(ctx context.Context, slug string) (int, error)

	// SetTemplateStatus updates a template's lifecycle status.
	SetTemplateStatus(ctx context.Context, id, status string) error

	// ArchiveOtherVersions archives every version of the slug except the
	// given one. Used when activating a new version.
	ArchiveOtherVersions(ctx context.Context, slug, exceptID string) error
}

// InstanceStore persists workflow instances.
type InstanceStore interface {
	// CreateInstance persists a new workflow instance.
	CreateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// GetInstance retrieves a workflow instance by ID. Reads are always
	// fresh; callers must not cache instance status across requests.
	GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error)

	// ListInstances returns instances matching the filters, newest first.
	ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error)

	// FindActiveInstance returns the non-terminal instance for a
	// (template slug, subject) pair, or NOT_FOUND when none exists.
	FindActiveInstance(ctx context.Context, templateSlug, subjectID string) (model.WorkflowInstance, error)

	// SetCurrentStep updates the instance's current step pointer.
	SetCurrentStep(ctx context.Context, id string, stepNumber int) error

	// MergeInstanceData merges the given payload into the instance's
	// collected_data. Last write wins per key.
	MergeInstanceData(ctx context.Context, id string, data map[string]any) error

	// MarkInstanceCompleted performs the guarded completion write: status
	// becomes completed and completed_at is set, but only if completed_at is
	// still NULL and the instance has not been cancelled. Returns won=true
	// for the single caller whose write landed.
	MarkInstanceCompleted(ctx context.Context, id string, at time.Time) (won bool, err error)

	// MarkInstanceCancelled moves a non-terminal instance to cancelled.
	// Returns changed=false if the instance was already terminal.
	MarkInstanceCancelled(ctx context.Context, id string, at time.Time) (changed bool, err error)

	// MarkInstanceDispatched records that completion side effects were
	// delivered. Guarded by dispatched_at IS NULL.
	MarkInstanceDispatched(ctx context.Context, id string, at time.Time) (won bool, err error)

	// SetInstanceCertificateRef records the generated certificate reference
	// so a resumed dispatch does not regenerate an already issued document.
	SetInstanceCertificateRef(ctx context.Context, id, ref string) error

	// FindUndispatched returns completed instances whose side effects have
	// not been recorded as delivered, oldest first.
	FindUndispatched(ctx context.Context, limit int) ([]model.WorkflowInstance, error)
}

// ProgressStore persists per-step progress rows.
type ProgressStore interface {
	// UpsertProgress inserts or updates the row keyed by
	// (instance, step_number, sub_item_id). The write is guarded against the
	// instance having been cancelled in the meantime; a lost guard returns
	// CONFLICT. Returns the stored row.
	UpsertProgress(ctx context.Context, p model.StepProgress) (model.StepProgress, error)

	// GetProgress retrieves one progress row, or NOT_FOUND.
	GetProgress(ctx context.Context, instanceID string, stepNumber int, subItemID string) (model.StepProgress, error)

	// GetProgressByID retrieves a progress row by primary key.
	GetProgressByID(ctx context.Context, id string) (model.StepProgress, error)

	// ListProgress returns all progress rows for an instance ordered by
	// step number.
	ListProgress(ctx context.Context, instanceID string) ([]model.StepProgress, error)
}

// ReviewStore persists review decisions for gated steps.
type ReviewStore interface {
	// OpenReview ensures a pending review exists for the progress row.
	// A previously rejected review is reopened; a pending or approved one is
	// left untouched. Returns the current row.
	OpenReview(ctx context.Context, rev model.ReviewDecision) (model.ReviewDecision, error)

	// GetReviewByProgress retrieves the review for a progress row, or
	// NOT_FOUND when none was ever opened.
	GetReviewByProgress(ctx context.Context, progressID string) (model.ReviewDecision, error)

	// ListReviewsForInstance returns all reviews attached to an instance.
	ListReviewsForInstance(ctx context.Context, instanceID string) ([]model.ReviewDecision, error)

	// DecideReview atomically moves a pending review to the given status.
	// Returns won=false if the review was not pending, i.e. somebody else
	// decided first.
	DecideReview(ctx context.Context, progressID, status, reviewerID, notes string, at time.Time) (won bool, err error)
}

// AssignmentStore reads the manager-to-crew assignment relation used for
// authorization scoping.
type AssignmentStore interface {
	// ListAssignedSubjects returns the subject IDs covered by the manager's
	// active assignments.
	ListAssignedSubjects(ctx context.Context, managerID string) ([]string, error)
}
