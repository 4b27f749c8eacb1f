// Package progress implements the step progress tracker: per-kind validation
// of progress writes, lazy progress row creation, review gate opening, and
// engine re-evaluation after every successful write.
package progress

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetyard/crewflow/internal/engine"
	"github.com/fleetyard/crewflow/internal/observability"
	"github.com/fleetyard/crewflow/internal/stepkind"
	"github.com/fleetyard/crewflow/internal/store"
	"github.com/fleetyard/crewflow/model"
)

// UpdateRequest is one progress write against an instance step.
type UpdateRequest struct {
	StepNumber int            `json:"step_number"`
	SubItemID  string         `json:"sub_item_id,omitempty"`
	Status     string         `json:"status,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	FileRef    string         `json:"file_ref,omitempty"`

	// IdempotencyKey comes from the X-Idempotency-Key header, not the body.
	IdempotencyKey string `json:"-"`
}

// UpdateResult is the outcome of a progress write: the stored row, the
// instance status after re-evaluation, and the review state for gated steps.
type UpdateResult struct {
	Progress       model.StepProgress `json:"progress"`
	InstanceStatus string             `json:"instance_status"`
	ReviewStatus   string             `json:"review_status,omitempty"`
}

// Tracker coordinates progress writes.
type Tracker struct {
	store       store.Store
	engine      *engine.Engine
	access      model.AccessResolver
	files       model.FileStorage
	idempotency IdempotencyStore
	idemTTL     time.Duration
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// NewTracker creates a Tracker. files and idempotency may be nil; without a
// file storage, upload steps accept any non-empty reference.
func NewTracker(
	st store.Store,
	eng *engine.Engine,
	access model.AccessResolver,
	files model.FileStorage,
	idempotency IdempotencyStore,
	idemTTL time.Duration,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}
	return &Tracker{
		store:       st,
		engine:      eng,
		access:      access,
		files:       files,
		idempotency: idempotency,
		idemTTL:     idemTTL,
		logger:      logger,
		metrics:     metrics,
	}
}

// UpdateProgress applies one progress write and re-evaluates the instance.
// Validation failures leave the stored row untouched.
func (t *Tracker) UpdateProgress(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	req UpdateRequest,
) (UpdateResult, error) {
	ctx, span := observability.StartSpan(ctx, "progress.update",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrStepNumber.Int(req.StepNumber),
	)
	var updateErr error
	defer func() { observability.EndSpanWithError(span, updateErr) }()

	inst, err := t.store.GetInstance(ctx, instanceID)
	if err != nil {
		updateErr = err
		return UpdateResult{}, err
	}

	acc, err := t.access.Resolve(ctx, rctx)
	if err != nil {
		updateErr = err
		return UpdateResult{}, err
	}
	if !acc.CanReadSubject(inst.SubjectID) {
		updateErr = model.NewForbiddenError("not allowed to update this subject's progress")
		return UpdateResult{}, updateErr
	}

	if req.IdempotencyKey != "" && t.idempotency != nil {
		idemKey := FormatIdempotencyKey(instanceID, req.IdempotencyKey)
		hash := hashRequest(req)
		cached, found, err := t.idempotency.Check(ctx, idemKey, hash)
		if err != nil {
			if model.IsCode(err, model.ErrConflict) {
				updateErr = err
				return UpdateResult{}, err
			}
			// Lookup failures degrade to a normal write.
			t.logger.Warn("idempotency check failed", zap.String("instance_id", instanceID), zap.Error(err))
		} else if found {
			if t.metrics != nil {
				t.metrics.RecordIdempotentReplay("progress.update")
			}
			return *cached, nil
		}
	}

	result, err := t.apply(ctx, inst, req)
	if err != nil {
		updateErr = err
		return UpdateResult{}, err
	}

	if req.IdempotencyKey != "" && t.idempotency != nil {
		idemKey := FormatIdempotencyKey(instanceID, req.IdempotencyKey)
		// Best effort.
		if err := t.idempotency.Store(ctx, idemKey, hashRequest(req), result, t.idemTTL); err != nil {
			t.logger.Warn("idempotency store failed", zap.String("instance_id", instanceID), zap.Error(err))
		}
	}
	return result, nil
}

// apply performs the write itself, after access and idempotency checks.
func (t *Tracker) apply(ctx context.Context, inst model.WorkflowInstance, req UpdateRequest) (UpdateResult, error) {
	tpl, err := t.store.GetTemplateVersion(ctx, inst.TemplateSlug, inst.TemplateVersion)
	if err != nil {
		return UpdateResult{}, err
	}
	step := tpl.Step(req.StepNumber)
	if step == nil {
		return UpdateResult{}, model.NewNotFoundError(
			fmt.Sprintf("template %q v%d has no step %d", inst.TemplateSlug, inst.TemplateVersion, req.StepNumber),
		)
	}

	if inst.Terminal() {
		return t.applyTerminal(ctx, inst, step, req)
	}

	now := time.Now().UTC()
	existing, err := t.loadOrInitProgress(ctx, inst.ID, req, now)
	if err != nil {
		return UpdateResult{}, err
	}

	if req.Status == model.ProgressStatusSkipped {
		return t.skip(ctx, inst, step, existing, now)
	}

	handler, ok := stepkind.ForKind(step.Kind)
	if !ok {
		return UpdateResult{}, model.NewInternalError()
	}

	sub := stepkind.Submission{
		Payload:         req.Data,
		RequestedStatus: req.Status,
		Now:             now,
	}
	if step.Kind == model.StepKindUpload && req.FileRef != "" {
		info, err := t.statFile(ctx, req.FileRef)
		if err != nil {
			return UpdateResult{}, err
		}
		sub.FileInfo = &info
	}

	res, err := handler.Apply(*step, existing, sub)
	if err != nil {
		if t.metrics != nil && model.IsCode(err, model.ErrValidationError) {
			t.metrics.RecordProgressValidationFailure(step.Kind)
		}
		return UpdateResult{}, err
	}

	row := res.Progress
	row.UpdatedAt = now
	saved, err := t.store.UpsertProgress(ctx, row)
	if err != nil {
		return UpdateResult{}, err
	}
	if t.metrics != nil {
		t.metrics.RecordProgressUpdate(step.Kind, saved.Status)
	}

	reviewStatus := ""
	if res.OpenReview {
		rev, err := t.store.OpenReview(ctx, model.ReviewDecision{
			ID:         uuid.NewString(),
			ProgressID: saved.ID,
			InstanceID: inst.ID,
			CreatedAt:  now,
		})
		if err != nil {
			return UpdateResult{}, err
		}
		reviewStatus = rev.ReviewStatus
		if t.metrics != nil && rev.ReviewStatus == model.ReviewStatusPending {
			t.metrics.RecordReviewOpened(step.Kind)
		}
	}

	if len(res.MergeData) > 0 {
		if err := t.store.MergeInstanceData(ctx, inst.ID, res.MergeData); err != nil {
			return UpdateResult{}, err
		}
	}

	t.logger.Info("progress updated",
		zap.String("instance_id", inst.ID),
		zap.Int("step_number", saved.StepNumber),
		zap.String("step_kind", step.Kind),
		zap.String("status", saved.Status),
	)

	fresh, err := t.engine.Evaluate(ctx, inst.ID)
	if err != nil {
		return UpdateResult{}, err
	}

	return UpdateResult{
		Progress:       saved,
		InstanceStatus: fresh.Status,
		ReviewStatus:   reviewStatus,
	}, nil
}

// applyTerminal handles writes against completed or cancelled instances.
// Replaying a completion that already landed is a no-op success; everything
// else conflicts.
func (t *Tracker) applyTerminal(
	ctx context.Context,
	inst model.WorkflowInstance,
	step *model.Step,
	req UpdateRequest,
) (UpdateResult, error) {
	if inst.Status == model.InstanceStatusCompleted && req.Status == model.ProgressStatusCompleted {
		existing, err := t.store.GetProgress(ctx, inst.ID, req.StepNumber, req.SubItemID)
		if err == nil && existing.Status == model.ProgressStatusCompleted {
			if t.metrics != nil {
				t.metrics.RecordIdempotentReplay("progress.update")
			}
			reviewStatus := ""
			if rev, err := t.store.GetReviewByProgress(ctx, existing.ID); err == nil {
				reviewStatus = rev.ReviewStatus
			}
			return UpdateResult{
				Progress:       existing,
				InstanceStatus: inst.Status,
				ReviewStatus:   reviewStatus,
			}, nil
		}
	}
	return UpdateResult{}, model.NewConflictError(
		fmt.Sprintf("workflow instance %q is %s", inst.ID, inst.Status),
	)
}

// skip marks a non-required step as skipped. Required steps cannot be skipped.
func (t *Tracker) skip(
	ctx context.Context,
	inst model.WorkflowInstance,
	step *model.Step,
	existing model.StepProgress,
	now time.Time,
) (UpdateResult, error) {
	if step.IsRequired {
		err := model.NewValidationError([]model.FieldError{
			{Field: "status", Code: "INVALID", Message: fmt.Sprintf("step %d is required and cannot be skipped", step.StepNumber)},
		})
		if t.metrics != nil {
			t.metrics.RecordProgressValidationFailure(step.Kind)
		}
		return UpdateResult{}, err
	}

	existing.Status = model.ProgressStatusSkipped
	existing.UpdatedAt = now
	saved, err := t.store.UpsertProgress(ctx, existing)
	if err != nil {
		return UpdateResult{}, err
	}
	if t.metrics != nil {
		t.metrics.RecordProgressUpdate(step.Kind, saved.Status)
	}

	fresh, err := t.engine.Evaluate(ctx, inst.ID)
	if err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{Progress: saved, InstanceStatus: fresh.Status}, nil
}

// loadOrInitProgress returns the stored row for the target step, or an
// initialized row when this is the first interaction with it.
func (t *Tracker) loadOrInitProgress(
	ctx context.Context,
	instanceID string,
	req UpdateRequest,
	now time.Time,
) (model.StepProgress, error) {
	existing, err := t.store.GetProgress(ctx, instanceID, req.StepNumber, req.SubItemID)
	if err == nil {
		return existing, nil
	}
	if !model.IsCode(err, model.ErrNotFound) {
		return model.StepProgress{}, err
	}
	return model.StepProgress{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		StepNumber: req.StepNumber,
		SubItemID:  req.SubItemID,
		Status:     model.ProgressStatusNotStarted,
		StartedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// statFile resolves a submitted file reference against storage. Without a
// configured storage the reference is taken at face value.
func (t *Tracker) statFile(ctx context.Context, fileRef string) (model.FileInfo, error) {
	if t.files == nil {
		return model.FileInfo{Ref: fileRef}, nil
	}
	info, err := t.files.Stat(ctx, fileRef)
	if err != nil {
		return model.FileInfo{}, model.NewValidationError([]model.FieldError{
			{Field: "file_ref", Code: "NOT_FOUND", Message: fmt.Sprintf("file %q not found in storage", fileRef)},
		})
	}
	return info, nil
}

// ListEntries builds the ordered read model for an instance: every template
// step joined with its progress and review state.
func (t *Tracker) ListEntries(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
) ([]model.ProgressEntry, error) {
	inst, err := t.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	acc, err := t.access.Resolve(ctx, rctx)
	if err != nil {
		return nil, err
	}
	if !acc.CanReadSubject(inst.SubjectID) {
		return nil, model.NewForbiddenError("not allowed to read this subject's progress")
	}

	tpl, err := t.store.GetTemplateVersion(ctx, inst.TemplateSlug, inst.TemplateVersion)
	if err != nil {
		return nil, err
	}
	rows, err := t.store.ListProgress(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	reviews, err := t.store.ListReviewsForInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	reviewByProgress := make(map[string]model.ReviewDecision, len(reviews))
	for _, rev := range reviews {
		reviewByProgress[rev.ProgressID] = rev
	}

	entries := make([]model.ProgressEntry, 0, len(tpl.Steps))
	for _, step := range tpl.Steps {
		entry := model.ProgressEntry{
			StepNumber: step.StepNumber,
			Kind:       step.Kind,
			Name:       step.Name,
			IsRequired: step.IsRequired,
			Status:     model.ProgressStatusNotStarted,
		}
		var stepRows []model.StepProgress
		for _, row := range rows {
			if row.StepNumber == step.StepNumber {
				stepRows = append(stepRows, row)
			}
		}
		if len(stepRows) > 0 {
			entry.Status = aggregateStatus(stepRows)
			entry.CompletedAt = latestCompletion(stepRows)
			for _, row := range stepRows {
				if rev, ok := reviewByProgress[row.ID]; ok {
					entry.ReviewStatus = rev.ReviewStatus
					break
				}
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// aggregateStatus folds a step's rows (sub-items) into one status: completed
// or skipped only when every row agrees, in_progress otherwise.
func aggregateStatus(rows []model.StepProgress) string {
	allCompleted, allSkipped := true, true
	for _, row := range rows {
		if row.Status != model.ProgressStatusCompleted {
			allCompleted = false
		}
		if row.Status != model.ProgressStatusSkipped {
			allSkipped = false
		}
	}
	switch {
	case allCompleted:
		return model.ProgressStatusCompleted
	case allSkipped:
		return model.ProgressStatusSkipped
	default:
		return model.ProgressStatusInProgress
	}
}

func latestCompletion(rows []model.StepProgress) *time.Time {
	var latest *time.Time
	for _, row := range rows {
		if row.CompletedAt != nil && (latest == nil || row.CompletedAt.After(*latest)) {
			latest = row.CompletedAt
		}
	}
	return latest
}

// hashRequest produces a deterministic hash of a request body for
// idempotency comparison.
func hashRequest(req UpdateRequest) string {
	data, _ := json.Marshal(req)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
