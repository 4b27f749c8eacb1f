// Package review implements the human half of the two-stage completion gate.
// Quiz and approval steps stay effectively incomplete until a reviewer
// approves them, and the approval never substitutes for the automated
// criterion: a quiz whose latest attempt failed cannot be approved into
// completion.
package review

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetyard/crewflow/internal/engine"
	"github.com/fleetyard/crewflow/internal/observability"
	"github.com/fleetyard/crewflow/internal/store"
	"github.com/fleetyard/crewflow/model"
)

// Service handles review decisions.
type Service struct {
	store    store.Store
	engine   *engine.Engine
	access   model.AccessResolver
	notifier model.NotificationService
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewService creates a review service. The notifier may be nil.
func NewService(
	st store.Store,
	eng *engine.Engine,
	access model.AccessResolver,
	notifier model.NotificationService,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    st,
		engine:   eng,
		access:   access,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
	}
}

// Decide records a review decision for the given progress row. The decision
// write is guarded on pending status: a second decision for the same review
// returns a conflict carrying the decision that won.
func (s *Service) Decide(
	ctx context.Context,
	rctx *model.RequestContext,
	progressID string,
	action string,
	notes string,
) (model.ReviewDecision, error) {
	ctx, span := observability.StartSpan(ctx, "review.decide",
		observability.AttrProgressID.String(progressID),
		observability.AttrReviewAction.String(action),
	)
	var decideErr error
	defer func() { observability.EndSpanWithError(span, decideErr) }()

	var status string
	switch action {
	case model.ReviewActionApprove:
		status = model.ReviewStatusApproved
	case model.ReviewActionReject:
		status = model.ReviewStatusRejected
	default:
		decideErr = model.NewValidationError([]model.FieldError{
			{Field: "action", Code: "INVALID", Message: fmt.Sprintf("unknown review action %q", action)},
		})
		return model.ReviewDecision{}, decideErr
	}

	progress, err := s.store.GetProgressByID(ctx, progressID)
	if err != nil {
		decideErr = err
		return model.ReviewDecision{}, err
	}
	inst, err := s.store.GetInstance(ctx, progress.InstanceID)
	if err != nil {
		decideErr = err
		return model.ReviewDecision{}, err
	}

	acc, err := s.access.Resolve(ctx, rctx)
	if err != nil {
		decideErr = err
		return model.ReviewDecision{}, err
	}
	if !acc.CanReview(inst.SubjectID) {
		decideErr = model.NewForbiddenError("not allowed to review this subject's progress")
		return model.ReviewDecision{}, decideErr
	}

	if inst.Status == model.InstanceStatusCancelled {
		decideErr = model.NewConflictError(
			fmt.Sprintf("workflow instance %q is cancelled", inst.ID),
		)
		return model.ReviewDecision{}, decideErr
	}

	if _, err := s.store.GetReviewByProgress(ctx, progressID); err != nil {
		decideErr = err
		return model.ReviewDecision{}, err
	}

	// The instance is pinned to the template version it started on.
	tpl, err := s.store.GetTemplateVersion(ctx, inst.TemplateSlug, inst.TemplateVersion)
	if err != nil {
		decideErr = err
		return model.ReviewDecision{}, err
	}
	step := tpl.Step(progress.StepNumber)
	if step == nil {
		decideErr = model.NewInternalError()
		return model.ReviewDecision{}, decideErr
	}

	if status == model.ReviewStatusApproved && step.Kind != model.StepKindApproval {
		// The automated criterion can be withdrawn while the review is
		// pending, e.g. a failing quiz re-submission after the passing
		// attempt opened the gate. The approval does not land; the review
		// stays pending until the row satisfies the criterion again.
		fresh, err := s.store.GetProgressByID(ctx, progressID)
		if err != nil {
			decideErr = err
			return model.ReviewDecision{}, err
		}
		if !criterionMet(*step, fresh) {
			decideErr = model.NewConflictError(
				"step progress no longer satisfies its completion criterion",
			).WithMeta("progress_status", fresh.Status)
			return model.ReviewDecision{}, decideErr
		}
		progress = fresh
	}

	now := time.Now().UTC()
	won, err := s.store.DecideReview(ctx, progressID, status, rctx.ActorID, notes, now)
	if err != nil {
		decideErr = err
		return model.ReviewDecision{}, err
	}
	if !won {
		existing, err := s.store.GetReviewByProgress(ctx, progressID)
		if err != nil {
			decideErr = err
			return model.ReviewDecision{}, err
		}
		decideErr = model.NewConflictError("review already decided").
			WithMeta("decision", existing.ReviewStatus).
			WithMeta("reviewer_id", existing.ReviewerID)
		return model.ReviewDecision{}, decideErr
	}

	if s.metrics != nil {
		s.metrics.RecordReviewDecision(status)
	}
	s.logger.Info("review decided",
		zap.String("progress_id", progressID),
		zap.String("instance_id", inst.ID),
		zap.String("decision", status),
		zap.String("reviewer_id", rctx.ActorID),
	)

	switch status {
	case model.ReviewStatusApproved:
		// Approval steps complete through the decision itself; make sure
		// the progress row reflects that before re-evaluating. Other gated
		// kinds keep whatever their automated criterion recorded.
		if step.Kind == model.StepKindApproval && progress.Status != model.ProgressStatusCompleted {
			progress.Status = model.ProgressStatusCompleted
			progress.CompletedAt = &now
			progress.UpdatedAt = now
			if _, err := s.store.UpsertProgress(ctx, progress); err != nil {
				decideErr = err
				return model.ReviewDecision{}, err
			}
		}
		if s.engine != nil {
			if _, err := s.engine.Evaluate(ctx, inst.ID); err != nil {
				decideErr = err
				return model.ReviewDecision{}, err
			}
		}
	case model.ReviewStatusRejected:
		// Best effort: the rejection stands whether or not the subject
		// hears about it.
		if s.notifier != nil {
			payload := map[string]any{
				"instance_id": inst.ID,
				"progress_id": progressID,
				"step_number": progress.StepNumber,
				"notes":       notes,
			}
			if err := s.notifier.Send(ctx, inst.SubjectID, model.EventReviewRejected, payload); err != nil {
				s.logger.Warn("rejection notification failed",
					zap.String("instance_id", inst.ID),
					zap.Error(err),
				)
			}
		}
	}

	decided, err := s.store.GetReviewByProgress(ctx, progressID)
	if err != nil {
		decideErr = err
		return model.ReviewDecision{}, err
	}
	return decided, nil
}

// criterionMet reports whether the progress row satisfies the step's
// automated completion criterion on its own, ignoring review state.
func criterionMet(step model.Step, p model.StepProgress) bool {
	if step.Kind == model.StepKindQuiz {
		return p.Status == model.ProgressStatusCompleted && p.Passed != nil && *p.Passed
	}
	return p.Status == model.ProgressStatusCompleted
}

// ListForInstance returns all reviews attached to an instance the caller may
// read.
func (s *Service) ListForInstance(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
) ([]model.ReviewDecision, error) {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	acc, err := s.access.Resolve(ctx, rctx)
	if err != nil {
		return nil, err
	}
	if !acc.CanReadSubject(inst.SubjectID) {
		return nil, model.NewForbiddenError("not allowed to read this subject's reviews")
	}
	return s.store.ListReviewsForInstance(ctx, instanceID)
}
