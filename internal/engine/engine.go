// Package engine evaluates workflow instance completion. Evaluation always
// works from fresh store reads so that concurrent progress writes and review
// decisions converge on a single completion, enforced by the store's guarded
// completion write.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetyard/crewflow/internal/observability"
	"github.com/fleetyard/crewflow/internal/stepkind"
	"github.com/fleetyard/crewflow/internal/store"
	"github.com/fleetyard/crewflow/model"
)

// Dispatcher delivers completion side effects for an instance that has just
// transitioned to completed. Implementations must be safe to call more than
// once for the same instance.
type Dispatcher interface {
	DispatchCompletion(ctx context.Context, inst model.WorkflowInstance) error
}

// Engine re-evaluates instances after progress and review writes.
type Engine struct {
	store      store.Store
	dispatcher Dispatcher
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// New creates an evaluation engine. The dispatcher may be nil, in which case
// completion side effects are left to the background resumer.
func New(st store.Store, dispatcher Dispatcher, logger *zap.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:      st,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    metrics,
	}
}

// Evaluate re-reads the instance and all of its progress and review rows,
// advances the current step pointer, and performs the guarded completion
// write when every required step is effectively complete. Only the caller
// that wins the guarded write triggers side effect dispatch.
func (e *Engine) Evaluate(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	ctx, span := observability.StartSpan(ctx, "engine.evaluate",
		observability.AttrInstanceID.String(instanceID),
	)
	var evalErr error
	defer func() { observability.EndSpanWithError(span, evalErr) }()

	// 1. Fresh instance read. Terminal instances are left untouched.
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		evalErr = err
		return model.WorkflowInstance{}, err
	}
	if inst.Terminal() {
		return inst, nil
	}

	// 2. The instance is pinned to the template version it started on.
	tpl, err := e.store.GetTemplateVersion(ctx, inst.TemplateSlug, inst.TemplateVersion)
	if err != nil {
		evalErr = fmt.Errorf("evaluate instance %s: %w", instanceID, err)
		return model.WorkflowInstance{}, evalErr
	}

	rows, err := e.store.ListProgress(ctx, instanceID)
	if err != nil {
		evalErr = err
		return model.WorkflowInstance{}, err
	}
	reviews, err := e.store.ListReviewsForInstance(ctx, instanceID)
	if err != nil {
		evalErr = err
		return model.WorkflowInstance{}, err
	}
	reviewByProgress := make(map[string]*model.ReviewDecision, len(reviews))
	for i := range reviews {
		reviewByProgress[reviews[i].ProgressID] = &reviews[i]
	}

	// 3. Find the first required step that is not effectively complete.
	firstIncomplete := 0
	for _, step := range tpl.RequiredSteps() {
		if !stepComplete(step, rows, reviewByProgress) {
			firstIncomplete = step.StepNumber
			break
		}
	}

	if firstIncomplete > 0 {
		if firstIncomplete != inst.CurrentStepNumber {
			if err := e.store.SetCurrentStep(ctx, instanceID, firstIncomplete); err != nil {
				evalErr = err
				return model.WorkflowInstance{}, err
			}
			inst.CurrentStepNumber = firstIncomplete
		}
		return inst, nil
	}

	// 4. All required steps are complete. The guarded write decides the
	// single winner among concurrent evaluators.
	now := time.Now().UTC()
	won, err := e.store.MarkInstanceCompleted(ctx, instanceID, now)
	if err != nil {
		evalErr = err
		return model.WorkflowInstance{}, err
	}

	inst, err = e.store.GetInstance(ctx, instanceID)
	if err != nil {
		evalErr = err
		return model.WorkflowInstance{}, err
	}
	if !won {
		return inst, nil
	}

	e.logger.Info("workflow instance completed",
		zap.String("instance_id", inst.ID),
		zap.String("template_slug", inst.TemplateSlug),
		zap.String("subject_id", inst.SubjectID),
	)
	if e.metrics != nil {
		e.metrics.RecordInstanceCompletion(inst.TemplateSlug)
	}

	// 5. The winner delivers side effects. A failure here is recoverable:
	// the instance stays undispatched and the resumer retries it.
	if e.dispatcher != nil {
		if err := e.dispatcher.DispatchCompletion(ctx, inst); err != nil {
			e.logger.Error("completion dispatch failed, resumer will retry",
				zap.String("instance_id", inst.ID),
				zap.Error(err),
			)
		}
	}

	return inst, nil
}

// stepComplete reports whether one step is effectively complete given all of
// its progress rows. A step with sub-item rows is complete when every row is
// complete. A step with no rows at all has not been touched.
func stepComplete(step model.Step, rows []model.StepProgress, reviews map[string]*model.ReviewDecision) bool {
	found := false
	for _, row := range rows {
		if row.StepNumber != step.StepNumber {
			continue
		}
		found = true
		if !stepkind.EffectivelyComplete(step, row, reviews[row.ID]) {
			return false
		}
	}
	return found
}
