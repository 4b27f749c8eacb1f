// Package stepkind implements the per-kind semantics of workflow steps.
// Each step kind (content, form, quiz, upload, approval) carries its own
// completion criterion behind a uniform Handler interface, replacing ad-hoc
// branching on kind strings. The two-stage gate for quiz and approval steps
// lives in EvaluateCompletion: the automated criterion recorded on the
// progress row AND an approved review decision.
package stepkind

import (
	"fmt"
	"time"

	"github.com/fleetyard/crewflow/model"
)

// Submission is one progress write for a step, as received from the caller
// and pre-resolved by the tracker (file metadata for upload steps).
type Submission struct {
	Payload         map[string]any
	RequestedStatus string
	FileInfo        *model.FileInfo
	Now             time.Time
}

// Result is the outcome of applying a submission.
type Result struct {
	// Progress carries the updated row fields to persist.
	Progress model.StepProgress
	// OpenReview indicates a pending review must exist after this write.
	OpenReview bool
	// MergeData is merged into the instance's collected_data.
	MergeData map[string]any
}

// Handler defines the kind-specific behavior of one step kind.
type Handler interface {
	// Kind returns the step kind this handler implements.
	Kind() string

	// Apply validates a submission against the step definition and the
	// existing progress row, returning the updated row. Validation failures
	// return a VALIDATION_ERROR and must leave the stored row untouched.
	Apply(step model.Step, existing model.StepProgress, sub Submission) (Result, error)

	// EvaluateCompletion reports whether the step is effectively complete
	// given the current progress row and, for gated kinds, its review.
	EvaluateCompletion(step model.Step, progress model.StepProgress, review *model.ReviewDecision) bool
}

var handlers = map[string]Handler{
	model.StepKindContent:  contentHandler{},
	model.StepKindForm:     formHandler{},
	model.StepKindQuiz:     quizHandler{},
	model.StepKindUpload:   uploadHandler{},
	model.StepKindApproval: approvalHandler{},
}

// ForKind returns the handler for a step kind.
func ForKind(kind string) (Handler, bool) {
	h, ok := handlers[kind]
	return h, ok
}

// EffectivelyComplete evaluates a step's two-stage completion criterion.
// Unknown kinds are never complete.
func EffectivelyComplete(step model.Step, progress model.StepProgress, review *model.ReviewDecision) bool {
	h, ok := ForKind(step.Kind)
	if !ok {
		return false
	}
	return h.EvaluateCompletion(step, progress, review)
}

// --- content ---

// contentHandler completes on a pure client acknowledgment.
type contentHandler struct{}

func (contentHandler) Kind() string { return model.StepKindContent }

func (contentHandler) Apply(_ model.Step, existing model.StepProgress, sub Submission) (Result, error) {
	p := existing
	p.Data = sub.Payload
	switch sub.RequestedStatus {
	case model.ProgressStatusCompleted:
		p.Status = model.ProgressStatusCompleted
		completedAt := sub.Now
		p.CompletedAt = &completedAt
	case model.ProgressStatusInProgress, "":
		if p.Status != model.ProgressStatusCompleted {
			p.Status = model.ProgressStatusInProgress
		}
	default:
		return Result{}, badStatus(sub.RequestedStatus)
	}
	return Result{Progress: p}, nil
}

func (contentHandler) EvaluateCompletion(_ model.Step, progress model.StepProgress, _ *model.ReviewDecision) bool {
	return progress.Status == model.ProgressStatusCompleted
}

// --- form ---

// formHandler completes when the submitted payload satisfies the step's
// declared field set, validated through an OpenAPI schema built from the
// step configuration.
type formHandler struct{}

func (formHandler) Kind() string { return model.StepKindForm }

func (formHandler) Apply(step model.Step, existing model.StepProgress, sub Submission) (Result, error) {
	p := existing
	switch sub.RequestedStatus {
	case model.ProgressStatusCompleted:
		if details := validateFormPayload(step.Config.Fields, sub.Payload); len(details) > 0 {
			return Result{}, model.NewValidationError(details)
		}
		p.Status = model.ProgressStatusCompleted
		completedAt := sub.Now
		p.CompletedAt = &completedAt
		p.Data = sub.Payload
		return Result{Progress: p, MergeData: sub.Payload}, nil
	case model.ProgressStatusInProgress, "":
		// Partial save: no validation, no merge into collected_data.
		if p.Status != model.ProgressStatusCompleted {
			p.Status = model.ProgressStatusInProgress
		}
		p.Data = sub.Payload
		return Result{Progress: p}, nil
	default:
		return Result{}, badStatus(sub.RequestedStatus)
	}
}

func (formHandler) EvaluateCompletion(_ model.Step, progress model.StepProgress, _ *model.ReviewDecision) bool {
	return progress.Status == model.ProgressStatusCompleted
}

// --- quiz ---

// quizHandler stores the pre-computed grading outcome. The tracker never
// grades; the quiz subsystem submits score and passed. A passing submission
// opens the human review gate.
type quizHandler struct{}

func (quizHandler) Kind() string { return model.StepKindQuiz }

func (quizHandler) Apply(step model.Step, existing model.StepProgress, sub Submission) (Result, error) {
	score, ok := numberField(sub.Payload, "score")
	if !ok {
		return Result{}, model.NewValidationError([]model.FieldError{
			{Field: "score", Code: "REQUIRED", Message: "score is required and must be a number"},
		})
	}
	passed, ok := sub.Payload["passed"].(bool)
	if !ok {
		// Fall back to the step's configured passing score.
		passed = score >= step.Config.PassingScore
	}

	p := existing
	p.Score = &score
	p.Passed = &passed
	p.Data = sub.Payload

	if passed {
		p.Status = model.ProgressStatusCompleted
		completedAt := sub.Now
		p.CompletedAt = &completedAt
		return Result{Progress: p, OpenReview: true}, nil
	}
	p.Status = model.ProgressStatusInProgress
	p.CompletedAt = nil
	return Result{Progress: p}, nil
}

func (quizHandler) EvaluateCompletion(_ model.Step, progress model.StepProgress, review *model.ReviewDecision) bool {
	return progress.Status == model.ProgressStatusCompleted &&
		review != nil && review.ReviewStatus == model.ReviewStatusApproved
}

// --- upload ---

// uploadHandler completes when a stored file reference is recorded. The
// tracker resolves the reference against file storage before Apply runs.
type uploadHandler struct{}

func (uploadHandler) Kind() string { return model.StepKindUpload }

func (uploadHandler) Apply(_ model.Step, existing model.StepProgress, sub Submission) (Result, error) {
	p := existing
	switch sub.RequestedStatus {
	case model.ProgressStatusCompleted, "":
		if sub.FileInfo == nil {
			return Result{}, model.NewValidationError([]model.FieldError{
				{Field: "file_ref", Code: "REQUIRED", Message: "a stored file reference is required"},
			})
		}
		p.FileRef = sub.FileInfo.Ref
		p.Data = sub.Payload
		p.Status = model.ProgressStatusCompleted
		completedAt := sub.Now
		p.CompletedAt = &completedAt
	case model.ProgressStatusInProgress:
		if p.Status != model.ProgressStatusCompleted {
			p.Status = model.ProgressStatusInProgress
		}
		p.Data = sub.Payload
	default:
		return Result{}, badStatus(sub.RequestedStatus)
	}
	return Result{Progress: p}, nil
}

func (uploadHandler) EvaluateCompletion(_ model.Step, progress model.StepProgress, _ *model.ReviewDecision) bool {
	return progress.Status == model.ProgressStatusCompleted && progress.FileRef != ""
}

// --- approval ---

// approvalHandler rejects direct completion: approval steps are completed
// exclusively by a review decision. A first touch opens the pending review.
type approvalHandler struct{}

func (approvalHandler) Kind() string { return model.StepKindApproval }

func (approvalHandler) Apply(_ model.Step, existing model.StepProgress, sub Submission) (Result, error) {
	if sub.RequestedStatus == model.ProgressStatusCompleted {
		return Result{}, model.NewValidationError([]model.FieldError{
			{Field: "status", Code: "INVALID", Message: "approval steps are completed by a review decision"},
		})
	}
	p := existing
	if p.Status != model.ProgressStatusCompleted {
		p.Status = model.ProgressStatusInProgress
	}
	p.Data = sub.Payload
	return Result{Progress: p, OpenReview: true}, nil
}

func (approvalHandler) EvaluateCompletion(_ model.Step, progress model.StepProgress, review *model.ReviewDecision) bool {
	return progress.Status == model.ProgressStatusCompleted &&
		review != nil && review.ReviewStatus == model.ReviewStatusApproved
}

// --- helpers ---

func badStatus(status string) *model.ErrorEnvelope {
	return model.NewValidationError([]model.FieldError{
		{Field: "status", Code: "INVALID", Message: fmt.Sprintf("unsupported requested status %q", status)},
	})
}

func numberField(payload map[string]any, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
