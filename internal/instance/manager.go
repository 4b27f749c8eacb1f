// Package instance implements the workflow instance manager: starting runs
// against the active template version, role-scoped reads, and one-way
// cancellation.
package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetyard/crewflow/internal/observability"
	"github.com/fleetyard/crewflow/internal/store"
	"github.com/fleetyard/crewflow/model"
)

// StartInput is the payload for starting a workflow.
type StartInput struct {
	// SubjectID defaults to the caller when empty.
	SubjectID string `json:"subject_id,omitempty"`
	// InitialData seeds the instance's collected data.
	InitialData map[string]any `json:"initial_data,omitempty"`
	// AllowDuplicate permits a second active instance of the same workflow
	// for the same subject.
	AllowDuplicate bool `json:"allow_duplicate,omitempty"`
}

// Manager handles the instance lifecycle outside the transition engine.
type Manager struct {
	store   store.Store
	access  model.AccessResolver
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewManager creates an instance manager.
func NewManager(st store.Store, access model.AccessResolver, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: st, access: access, logger: logger, metrics: metrics}
}

// Start creates an instance of the active version of the given workflow,
// bound to the subject. The instance pins the template version it was
// started with.
func (m *Manager) Start(
	ctx context.Context,
	rctx *model.RequestContext,
	slug string,
	input StartInput,
) (model.WorkflowInstance, error) {
	ctx, span := observability.StartSpan(ctx, "instance.start",
		observability.AttrTemplateSlug.String(slug),
	)
	var startErr error
	defer func() { observability.EndSpanWithError(span, startErr) }()

	subjectID := input.SubjectID
	if subjectID == "" {
		subjectID = rctx.ActorID
	}

	acc, err := m.access.Resolve(ctx, rctx)
	if err != nil {
		startErr = err
		return model.WorkflowInstance{}, err
	}
	if !acc.CanReadSubject(subjectID) {
		startErr = model.NewForbiddenError("not allowed to start workflows for this subject")
		return model.WorkflowInstance{}, startErr
	}

	tpl, err := m.store.GetActiveTemplate(ctx, slug)
	if err != nil {
		startErr = err
		return model.WorkflowInstance{}, err
	}
	span.SetAttributes(observability.AttrTemplateVer.Int(tpl.Version))

	if !input.AllowDuplicate {
		existing, err := m.store.FindActiveInstance(ctx, slug, subjectID)
		if err == nil {
			startErr = model.NewConflictError(
				fmt.Sprintf("subject %q already has an active %q instance", subjectID, slug),
			).WithMeta("instance_id", existing.ID)
			return model.WorkflowInstance{}, startErr
		}
		if !model.IsCode(err, model.ErrNotFound) {
			startErr = err
			return model.WorkflowInstance{}, err
		}
	}

	now := time.Now().UTC()
	inst := model.WorkflowInstance{
		ID:                uuid.NewString(),
		TemplateID:        tpl.ID,
		TemplateSlug:      tpl.Slug,
		TemplateVersion:   tpl.Version,
		SubjectID:         subjectID,
		Status:            model.InstanceStatusInProgress,
		CurrentStepNumber: 1,
		CollectedData:     input.InitialData,
		StartedAt:         now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.store.CreateInstance(ctx, inst); err != nil {
		startErr = err
		return model.WorkflowInstance{}, err
	}

	if m.metrics != nil {
		m.metrics.RecordInstanceStart(slug)
	}
	m.logger.Info("workflow started",
		zap.String("instance_id", inst.ID),
		zap.String("template_slug", slug),
		zap.Int("template_version", tpl.Version),
		zap.String("subject_id", subjectID),
	)
	return inst, nil
}

// Get returns one instance the caller may read.
func (m *Manager) Get(ctx context.Context, rctx *model.RequestContext, id string) (model.WorkflowInstance, error) {
	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	acc, err := m.access.Resolve(ctx, rctx)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !acc.CanReadSubject(inst.SubjectID) {
		return model.WorkflowInstance{}, model.NewForbiddenError("not allowed to read this subject's instances")
	}
	return inst, nil
}

// List returns instances matching the filters, restricted to subjects the
// caller may read. Crew callers are pinned to themselves.
func (m *Manager) List(
	ctx context.Context,
	rctx *model.RequestContext,
	filters model.InstanceFilters,
) ([]model.WorkflowInstance, error) {
	acc, err := m.access.Resolve(ctx, rctx)
	if err != nil {
		return nil, err
	}

	if acc.Role == model.RoleCrew {
		filters.SubjectID = acc.ActorID
	} else if filters.SubjectID != "" && !acc.CanReadSubject(filters.SubjectID) {
		return nil, model.NewForbiddenError("not allowed to read this subject's instances")
	}

	instances, err := m.store.ListInstances(ctx, filters)
	if err != nil {
		return nil, err
	}
	if acc.Role == model.RoleManager && filters.SubjectID == "" {
		scoped := instances[:0]
		for _, inst := range instances {
			if acc.CanReadSubject(inst.SubjectID) {
				scoped = append(scoped, inst)
			}
		}
		instances = scoped
	}
	return instances, nil
}

// Cancel moves an instance to cancelled. Cancelling twice is a no-op
// success; cancelling a completed instance conflicts. Cancellation never
// dispatches side effects.
func (m *Manager) Cancel(ctx context.Context, rctx *model.RequestContext, id string) (model.WorkflowInstance, error) {
	ctx, span := observability.StartSpan(ctx, "instance.cancel",
		observability.AttrInstanceID.String(id),
	)
	var cancelErr error
	defer func() { observability.EndSpanWithError(span, cancelErr) }()

	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		cancelErr = err
		return model.WorkflowInstance{}, err
	}
	acc, err := m.access.Resolve(ctx, rctx)
	if err != nil {
		cancelErr = err
		return model.WorkflowInstance{}, err
	}
	if !acc.CanReadSubject(inst.SubjectID) {
		cancelErr = model.NewForbiddenError("not allowed to cancel this subject's instances")
		return model.WorkflowInstance{}, cancelErr
	}

	won, err := m.store.MarkInstanceCancelled(ctx, id, time.Now().UTC())
	if err != nil {
		cancelErr = err
		return model.WorkflowInstance{}, err
	}
	fresh, err := m.store.GetInstance(ctx, id)
	if err != nil {
		cancelErr = err
		return model.WorkflowInstance{}, err
	}
	if !won {
		if fresh.Status == model.InstanceStatusCancelled {
			return fresh, nil
		}
		cancelErr = model.NewConflictError(
			fmt.Sprintf("workflow instance %q is already %s", id, fresh.Status),
		)
		return model.WorkflowInstance{}, cancelErr
	}

	if m.metrics != nil {
		m.metrics.RecordInstanceCancellation(inst.TemplateSlug)
	}
	m.logger.Info("workflow cancelled",
		zap.String("instance_id", id),
		zap.String("template_slug", inst.TemplateSlug),
		zap.String("cancelled_by", rctx.ActorID),
	)
	return fresh, nil
}
