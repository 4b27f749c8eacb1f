package model

import "time"

// Template lifecycle status constants.
const (
	TemplateStatusDraft    = "draft"
	TemplateStatusActive   = "active"
	TemplateStatusArchived = "archived"
)

// Step kind constants. Each kind carries its own completion semantics.
const (
	StepKindContent  = "content"
	StepKindForm     = "form"
	StepKindQuiz     = "quiz"
	StepKindUpload   = "upload"
	StepKindApproval = "approval"
)

// KnownStepKinds lists every step kind the engine understands.
var KnownStepKinds = []string{
	StepKindContent, StepKindForm, StepKindQuiz, StepKindUpload, StepKindApproval,
}

// WorkflowTemplate is a versioned, ordered definition of the steps an
// instance will execute. Once an instance references a version, that version
// is immutable; edits produce a new version under the same slug.
type WorkflowTemplate struct {
	ID                 string    `json:"id"`
	Slug               string    `json:"slug"`
	Version            int       `json:"version"`
	Name               string    `json:"name"`
	Status             string    `json:"status"`
	Steps              []Step    `json:"steps"`
	TotalRequiredSteps int       `json:"total_required_steps"`
	CreatedBy          string    `json:"created_by"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Step is one typed unit of work within a template version. Steps are value
// objects; changing a step means creating a new template version.
type Step struct {
	StepNumber int           `json:"step_number"`
	Kind       string        `json:"kind"`
	Name       string        `json:"name"`
	IsRequired bool          `json:"is_required"`
	Config     StepConfig    `json:"config,omitempty"`
	TimeLimit  time.Duration `json:"time_limit,omitempty"` // advisory, consumed by reporting only
}

// StepConfig holds kind-specific step configuration. Only the fields relevant
// to the step's kind are populated.
type StepConfig struct {
	// form
	Fields []FormField `json:"fields,omitempty"`
	// quiz
	PassingScore float64 `json:"passing_score,omitempty"`
	// approval
	RequireSignature bool `json:"require_signature,omitempty"`
}

// FormField declares one field of a form step. Type uses JSON-schema type
// names ("string", "number", "integer", "boolean").
type FormField struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Pattern  string   `json:"pattern,omitempty"`
	Enum     []string `json:"enum,omitempty"`
}

// Step returns the step with the given number, or nil if absent.
func (t *WorkflowTemplate) Step(number int) *Step {
	for i := range t.Steps {
		if t.Steps[i].StepNumber == number {
			return &t.Steps[i]
		}
	}
	return nil
}

// RequiredSteps returns the template's required steps in order.
func (t *WorkflowTemplate) RequiredSteps() []Step {
	required := make([]Step, 0, len(t.Steps))
	for _, s := range t.Steps {
		if s.IsRequired {
			required = append(required, s)
		}
	}
	return required
}

// Gated reports whether the step needs a human review decision in addition to
// its automated completion criterion.
func (s *Step) Gated() bool {
	return s.Kind == StepKindQuiz || s.Kind == StepKindApproval
}
