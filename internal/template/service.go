// Package template implements the workflow template store: versioned,
// validated step definitions. A template version is immutable once created;
// edits land as a new version under the same slug, and activation archives
// whatever version was active before.
package template

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetyard/crewflow/internal/observability"
	"github.com/fleetyard/crewflow/internal/store"
	"github.com/fleetyard/crewflow/model"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// CreateInput is the authoring payload for a new template version.
type CreateInput struct {
	Slug  string       `json:"slug"`
	Name  string       `json:"name"`
	Steps []model.Step `json:"steps"`
}

// Service handles template authoring and lookup.
type Service struct {
	store  store.Store
	access model.AccessResolver
	logger *zap.Logger
}

// NewService creates a template service.
func NewService(st store.Store, access model.AccessResolver, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, access: access, logger: logger}
}

// Create validates the input and stores it as the next version of the slug,
// in draft status.
func (s *Service) Create(ctx context.Context, rctx *model.RequestContext, input CreateInput) (model.WorkflowTemplate, error) {
	ctx, span := observability.StartSpan(ctx, "template.create",
		observability.AttrTemplateSlug.String(input.Slug),
	)
	var createErr error
	defer func() { observability.EndSpanWithError(span, createErr) }()

	if err := s.authorize(ctx, rctx); err != nil {
		createErr = err
		return model.WorkflowTemplate{}, err
	}

	if details := validateInput(input); len(details) > 0 {
		createErr = model.NewValidationError(details)
		return model.WorkflowTemplate{}, createErr
	}

	latest, err := s.store.LatestTemplateVersion(ctx, input.Slug)
	if err != nil {
		createErr = err
		return model.WorkflowTemplate{}, err
	}

	now := time.Now().UTC()
	required := 0
	for _, step := range input.Steps {
		if step.IsRequired {
			required++
		}
	}
	tpl := model.WorkflowTemplate{
		ID:                 uuid.NewString(),
		Slug:               input.Slug,
		Version:            latest + 1,
		Name:               input.Name,
		Status:             model.TemplateStatusDraft,
		Steps:              input.Steps,
		TotalRequiredSteps: required,
		CreatedBy:          rctx.ActorID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateTemplate(ctx, tpl); err != nil {
		createErr = err
		return model.WorkflowTemplate{}, err
	}

	s.logger.Info("template created",
		zap.String("template_id", tpl.ID),
		zap.String("slug", tpl.Slug),
		zap.Int("version", tpl.Version),
		zap.String("created_by", rctx.ActorID),
	)
	return tpl, nil
}

// Activate makes a template version the active one for its slug, archiving
// any previously active version. Activating an already-active version is a
// no-op success.
func (s *Service) Activate(ctx context.Context, rctx *model.RequestContext, id string) (model.WorkflowTemplate, error) {
	if err := s.authorize(ctx, rctx); err != nil {
		return model.WorkflowTemplate{}, err
	}

	tpl, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	if tpl.Status == model.TemplateStatusActive {
		return tpl, nil
	}

	if err := s.store.SetTemplateStatus(ctx, id, model.TemplateStatusActive); err != nil {
		return model.WorkflowTemplate{}, err
	}
	if err := s.store.ArchiveOtherVersions(ctx, tpl.Slug, id); err != nil {
		return model.WorkflowTemplate{}, err
	}

	s.logger.Info("template activated",
		zap.String("template_id", id),
		zap.String("slug", tpl.Slug),
		zap.Int("version", tpl.Version),
	)
	return s.store.GetTemplate(ctx, id)
}

// Archive retires a template version. Running instances keep their pinned
// version and are not touched.
func (s *Service) Archive(ctx context.Context, rctx *model.RequestContext, id string) (model.WorkflowTemplate, error) {
	if err := s.authorize(ctx, rctx); err != nil {
		return model.WorkflowTemplate{}, err
	}

	tpl, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	if tpl.Status == model.TemplateStatusArchived {
		return tpl, nil
	}

	if err := s.store.SetTemplateStatus(ctx, id, model.TemplateStatusArchived); err != nil {
		return model.WorkflowTemplate{}, err
	}
	s.logger.Info("template archived",
		zap.String("template_id", id),
		zap.String("slug", tpl.Slug),
		zap.Int("version", tpl.Version),
	)
	return s.store.GetTemplate(ctx, id)
}

// Get returns a template by slug. Version 0 resolves the active version.
func (s *Service) Get(ctx context.Context, slug string, version int) (model.WorkflowTemplate, error) {
	if version == 0 {
		return s.store.GetActiveTemplate(ctx, slug)
	}
	return s.store.GetTemplateVersion(ctx, slug, version)
}

func (s *Service) authorize(ctx context.Context, rctx *model.RequestContext) error {
	acc, err := s.access.Resolve(ctx, rctx)
	if err != nil {
		return err
	}
	if !acc.CanAuthorTemplates() {
		return model.NewForbiddenError("template authoring requires the manager or admin role")
	}
	return nil
}

// validateInput checks the authoring payload: slug and name present, at least
// one step, step numbers contiguous from 1, known kinds, and kind-specific
// configuration.
func validateInput(input CreateInput) []model.FieldError {
	var details []model.FieldError

	if !slugPattern.MatchString(input.Slug) {
		details = append(details, model.FieldError{
			Field: "slug", Code: "INVALID", Message: "slug must be lowercase kebab-case",
		})
	}
	if input.Name == "" {
		details = append(details, model.FieldError{
			Field: "name", Code: "REQUIRED", Message: "name is required",
		})
	}
	if len(input.Steps) == 0 {
		details = append(details, model.FieldError{
			Field: "steps", Code: "REQUIRED", Message: "a template needs at least one step",
		})
		return details
	}

	seen := make(map[int]bool, len(input.Steps))
	for i, step := range input.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if seen[step.StepNumber] {
			details = append(details, model.FieldError{
				Field: field + ".step_number", Code: "DUPLICATE",
				Message: fmt.Sprintf("step number %d appears more than once", step.StepNumber),
			})
		}
		seen[step.StepNumber] = true

		if step.Name == "" {
			details = append(details, model.FieldError{
				Field: field + ".name", Code: "REQUIRED", Message: "step name is required",
			})
		}
		details = append(details, validateStepConfig(field, step)...)
	}

	for n := 1; n <= len(input.Steps); n++ {
		if !seen[n] {
			details = append(details, model.FieldError{
				Field: "steps", Code: "INVALID",
				Message: fmt.Sprintf("step numbers must be contiguous from 1; missing %d", n),
			})
			break
		}
	}

	return details
}

func validateStepConfig(field string, step model.Step) []model.FieldError {
	var details []model.FieldError

	switch step.Kind {
	case model.StepKindContent:
	case model.StepKindForm:
		if len(step.Config.Fields) == 0 {
			details = append(details, model.FieldError{
				Field: field + ".config.fields", Code: "REQUIRED",
				Message: "form steps need at least one field",
			})
		}
		for j, f := range step.Config.Fields {
			if f.Name == "" {
				details = append(details, model.FieldError{
					Field: fmt.Sprintf("%s.config.fields[%d].name", field, j), Code: "REQUIRED",
					Message: "field name is required",
				})
			}
			switch f.Type {
			case "string", "number", "integer", "boolean":
			default:
				details = append(details, model.FieldError{
					Field: fmt.Sprintf("%s.config.fields[%d].type", field, j), Code: "INVALID",
					Message: fmt.Sprintf("unsupported field type %q", f.Type),
				})
			}
		}
	case model.StepKindQuiz:
		if step.Config.PassingScore <= 0 || step.Config.PassingScore > 100 {
			details = append(details, model.FieldError{
				Field: field + ".config.passing_score", Code: "INVALID",
				Message: "passing score must be in (0, 100]",
			})
		}
	case model.StepKindUpload, model.StepKindApproval:
	default:
		details = append(details, model.FieldError{
			Field: field + ".kind", Code: "INVALID",
			Message: fmt.Sprintf("unknown step kind %q", step.Kind),
		})
	}

	return details
}
