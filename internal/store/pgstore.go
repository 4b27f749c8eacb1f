package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetyard/crewflow/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
//
// Expected tables: workflow_templates (steps as jsonb), workflow_instances
// (certificate_ref defaulting to ''), step_progress (unique on instance_id,
// step_number, sub_item_id with sub_item_id defaulting to ''),
// review_decisions (unique on progress_id), crew_assignments.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- templates ---

// CreateTemplate inserts a new template version.
func (s *PgStore) CreateTemplate(ctx context.Context, tpl model.WorkflowTemplate) error {
	stepsJSON, err := json.Marshal(tpl.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_templates (
			id, slug, version, name, status, steps, total_required_steps,
			created_by, created_at, updated_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		WHERE NOT EXISTS (
			SELECT 1 FROM workflow_templates WHERE slug = $2 AND version = $3
		)`,
		tpl.ID, tpl.Slug, tpl.Version, tpl.Name, tpl.Status, stepsJSON,
		tpl.TotalRequiredSteps, tpl.CreatedBy, tpl.CreatedAt, tpl.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("template %q version %d already exists", tpl.Slug, tpl.Version),
		)
	}
	return nil
}

const templateColumns = `id, slug, version, name, status, steps,
	total_required_steps, created_by, created_at, updated_at`

// GetTemplate retrieves a template by ID.
func (s *PgStore) GetTemplate(ctx context.Context, id string) (model.WorkflowTemplate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates WHERE id = $1`, id)
	return s.scanTemplate(row, id)
}

// GetActiveTemplate retrieves the active version for a slug.
func (s *PgStore) GetActiveTemplate(ctx context.Context, slug string) (model.WorkflowTemplate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates
		 WHERE slug = $1 AND status = 'active'
		 ORDER BY version DESC LIMIT 1`, slug)
	return s.scanTemplate(row, slug)
}

// GetTemplateVersion retrieves a specific template version for a slug.
func (s *PgStore) GetTemplateVersion(ctx context.Context, slug string, version int) (model.WorkflowTemplate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates
		 WHERE slug = $1 AND version = $2`, slug, version)
	return s.scanTemplate(row, fmt.Sprintf("%s@%d", slug, version))
}

// LatestTemplateVersion returns the highest version for a slug, 0 if unknown.
func (s *PgStore) LatestTemplateVersion(ctx context.Context, slug string) (int, error) {
	var version int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM workflow_templates WHERE slug = $1`,
		slug,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query latest template version: %w", err)
	}
	return version, nil
}

// SetTemplateStatus updates a template's lifecycle status.
func (s *PgStore) SetTemplateStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_templates SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update template status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("template %q not found", id))
	}
	return nil
}

// ArchiveOtherVersions archives every version of a slug except the given one.
func (s *PgStore) ArchiveOtherVersions(ctx context.Context, slug, exceptID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_templates SET status = 'archived', updated_at = $3
		WHERE slug = $1 AND id <> $2 AND status = 'active'`,
		slug, exceptID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("archive other template versions: %w", err)
	}
	return nil
}

func (s *PgStore) scanTemplate(row pgx.Row, ref string) (model.WorkflowTemplate, error) {
	var tpl model.WorkflowTemplate
	var stepsJSON []byte
	err := row.Scan(
		&tpl.ID, &tpl.Slug, &tpl.Version, &tpl.Name, &tpl.Status, &stepsJSON,
		&tpl.TotalRequiredSteps, &tpl.CreatedBy, &tpl.CreatedAt, &tpl.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.WorkflowTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("template %q not found", ref),
		)
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("query template: %w", err)
	}
	if stepsJSON != nil {
		if err := json.Unmarshal(stepsJSON, &tpl.Steps); err != nil {
			return model.WorkflowTemplate{}, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	return tpl, nil
}

// --- instances ---

const instanceColumns = `id, template_id, template_slug, template_version,
	subject_id, status, current_step_number, collected_data,
	started_at, completed_at, cancelled_at, dispatched_at, certificate_ref,
	created_at, updated_at`

// CreateInstance inserts a new workflow instance.
func (s *PgStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	dataJSON, err := json.Marshal(inst.CollectedData)
	if err != nil {
		return fmt.Errorf("marshal collected data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, template_id, template_slug, template_version,
			subject_id, status, current_step_number, collected_data,
			started_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inst.ID, inst.TemplateID, inst.TemplateSlug, inst.TemplateVersion,
		inst.SubjectID, inst.Status, inst.CurrentStepNumber, dataJSON,
		inst.StartedAt, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// GetInstance retrieves a workflow instance by ID.
func (s *PgStore) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", id),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns instances matching the filters, newest first.
func (s *PgStore) ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filters.SubjectID != "" {
		query += fmt.Sprintf(" AND subject_id = $%d", argIdx)
		args = append(args, filters.SubjectID)
		argIdx++
	}
	if filters.TemplateSlug != "" {
		query += fmt.Sprintf(" AND template_slug = $%d", argIdx)
		args = append(args, filters.TemplateSlug)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryInstances(ctx, query, args...)
}

// FindActiveInstance returns the non-terminal instance for a
// (template slug, subject) pair.
func (s *PgStore) FindActiveInstance(ctx context.Context, templateSlug, subjectID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances
		 WHERE template_slug = $1 AND subject_id = $2
		   AND status IN ('draft', 'in_progress')
		 ORDER BY created_at DESC LIMIT 1`,
		templateSlug, subjectID)
	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("no active instance of %q for subject %q", templateSlug, subjectID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query active instance: %w", err)
	}
	return inst, nil
}

// SetCurrentStep updates the instance's current step pointer.
func (s *PgStore) SetCurrentStep(ctx context.Context, id string, stepNumber int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET current_step_number = $2, updated_at = $3
		WHERE id = $1`,
		id, stepNumber, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update current step: %w", err)
	}
	return nil
}

// MergeInstanceData merges the payload into collected_data via jsonb
// concatenation, so concurrent merges of different keys do not clobber each
// other.
func (s *PgStore) MergeInstanceData(ctx context.Context, id string, data map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal collected data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE workflow_instances
		SET collected_data = COALESCE(collected_data, '{}'::jsonb) || $2::jsonb,
		    updated_at = $3
		WHERE id = $1`,
		id, dataJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("merge instance data: %w", err)
	}
	return nil
}

// MarkInstanceCompleted performs the guarded completion write. The predicate
// and the write are a single statement; whichever caller's statement reports
// one affected row owns the completion side effects.
func (s *PgStore) MarkInstanceCompleted(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances
		SET status = 'completed', completed_at = $2, updated_at = $2
		WHERE id = $1 AND completed_at IS NULL AND status = 'in_progress'`,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("mark instance completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkInstanceCancelled moves a non-terminal instance to cancelled.
func (s *PgStore) MarkInstanceCancelled(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances
		SET status = 'cancelled', cancelled_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('draft', 'in_progress')`,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("mark instance cancelled: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkInstanceDispatched records side-effect delivery, guarded so a crashed
// dispatcher resumed by the background processor cannot double-mark.
func (s *PgStore) MarkInstanceDispatched(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances
		SET dispatched_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'completed' AND dispatched_at IS NULL`,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("mark instance dispatched: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetInstanceCertificateRef records the generated certificate reference.
func (s *PgStore) SetInstanceCertificateRef(ctx context.Context, id, ref string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET certificate_ref = $2, updated_at = $3
		WHERE id = $1`,
		id, ref, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set certificate ref: %w", err)
	}
	return nil
}

// FindUndispatched returns completed instances whose side effects have not
// been recorded as delivered.
func (s *PgStore) FindUndispatched(ctx context.Context, limit int) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances
	          WHERE status = 'completed' AND dispatched_at IS NULL
	          ORDER BY completed_at ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	return s.queryInstances(ctx, query, args...)
}

func (s *PgStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var dataJSON []byte
	err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.TemplateSlug, &inst.TemplateVersion,
		&inst.SubjectID, &inst.Status, &inst.CurrentStepNumber, &dataJSON,
		&inst.StartedAt, &inst.CompletedAt, &inst.CancelledAt, &inst.DispatchedAt,
		&inst.CertificateRef, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if dataJSON != nil {
		_ = json.Unmarshal(dataJSON, &inst.CollectedData)
	}
	return inst, nil
}

// --- step progress ---

const progressColumns = `id, instance_id, step_number, sub_item_id, status,
	data, score, passed, file_ref, started_at, completed_at, updated_at`

// UpsertProgress inserts or updates a progress row. The insert half is
// guarded against a concurrently cancelled instance; a caller whose instance
// was cancelled before the write landed gets CONFLICT.
func (s *PgStore) UpsertProgress(ctx context.Context, p model.StepProgress) (model.StepProgress, error) {
	dataJSON, err := json.Marshal(p.Data)
	if err != nil {
		return model.StepProgress{}, fmt.Errorf("marshal progress data: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO step_progress (
			id, instance_id, step_number, sub_item_id, status,
			data, score, passed, file_ref, started_at, completed_at, updated_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		WHERE EXISTS (
			SELECT 1 FROM workflow_instances
			WHERE id = $2 AND status <> 'cancelled'
		)
		ON CONFLICT (instance_id, step_number, sub_item_id) DO UPDATE SET
			status = EXCLUDED.status,
			data = EXCLUDED.data,
			score = EXCLUDED.score,
			passed = EXCLUDED.passed,
			file_ref = EXCLUDED.file_ref,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
		RETURNING `+progressColumns,
		p.ID, p.InstanceID, p.StepNumber, p.SubItemID, p.Status,
		dataJSON, p.Score, p.Passed, p.FileRef, p.StartedAt, p.CompletedAt, p.UpdatedAt,
	)

	stored, err := scanProgress(row)
	if err == pgx.ErrNoRows {
		// The guard fires both when the instance is cancelled and when it
		// does not exist at all; tell the two apart for the caller.
		if _, getErr := s.GetInstance(ctx, p.InstanceID); getErr != nil {
			return model.StepProgress{}, getErr
		}
		return model.StepProgress{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q is cancelled", p.InstanceID),
		)
	}
	if err != nil {
		return model.StepProgress{}, fmt.Errorf("upsert step progress: %w", err)
	}
	return stored, nil
}

// GetProgress retrieves one progress row.
func (s *PgStore) GetProgress(ctx context.Context, instanceID string, stepNumber int, subItemID string) (model.StepProgress, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+progressColumns+` FROM step_progress
		 WHERE instance_id = $1 AND step_number = $2 AND sub_item_id = $3`,
		instanceID, stepNumber, subItemID)
	p, err := scanProgress(row)
	if err == pgx.ErrNoRows {
		return model.StepProgress{}, model.NewNotFoundError(
			fmt.Sprintf("no progress for instance %q step %d", instanceID, stepNumber),
		)
	}
	if err != nil {
		return model.StepProgress{}, fmt.Errorf("query step progress: %w", err)
	}
	return p, nil
}

// GetProgressByID retrieves a progress row by primary key.
func (s *PgStore) GetProgressByID(ctx context.Context, id string) (model.StepProgress, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+progressColumns+` FROM step_progress WHERE id = $1`, id)
	p, err := scanProgress(row)
	if err == pgx.ErrNoRows {
		return model.StepProgress{}, model.NewNotFoundError(
			fmt.Sprintf("step progress %q not found", id),
		)
	}
	if err != nil {
		return model.StepProgress{}, fmt.Errorf("query step progress: %w", err)
	}
	return p, nil
}

// ListProgress returns all progress rows for an instance ordered by step.
func (s *PgStore) ListProgress(ctx context.Context, instanceID string) ([]model.StepProgress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+progressColumns+` FROM step_progress
		 WHERE instance_id = $1
		 ORDER BY step_number ASC, sub_item_id ASC`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("query step progress: %w", err)
	}
	defer rows.Close()

	var progress []model.StepProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step progress: %w", err)
		}
		progress = append(progress, p)
	}
	return progress, rows.Err()
}

func scanProgress(row pgx.Row) (model.StepProgress, error) {
	var p model.StepProgress
	var dataJSON []byte
	err := row.Scan(
		&p.ID, &p.InstanceID, &p.StepNumber, &p.SubItemID, &p.Status,
		&dataJSON, &p.Score, &p.Passed, &p.FileRef,
		&p.StartedAt, &p.CompletedAt, &p.UpdatedAt,
	)
	if err != nil {
		return model.StepProgress{}, err
	}
	if dataJSON != nil {
		_ = json.Unmarshal(dataJSON, &p.Data)
	}
	return p, nil
}

// --- reviews ---

const reviewColumns = `id, progress_id, instance_id, review_status,
	reviewer_id, notes, created_at, decided_at`

// OpenReview ensures a pending review exists for a progress row. A rejected
// review is reopened for the resubmission; pending and approved rows are
// left untouched.
func (s *PgStore) OpenReview(ctx context.Context, rev model.ReviewDecision) (model.ReviewDecision, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO review_decisions (
			id, progress_id, instance_id, review_status, reviewer_id, notes, created_at
		) VALUES ($1, $2, $3, 'pending_review', '', '', $4)
		ON CONFLICT (progress_id) DO UPDATE SET
			review_status = 'pending_review',
			reviewer_id = '',
			notes = '',
			decided_at = NULL
		WHERE review_decisions.review_status = 'rejected'
		RETURNING `+reviewColumns,
		rev.ID, rev.ProgressID, rev.InstanceID, rev.CreatedAt,
	)

	stored, err := scanReview(row)
	if err == pgx.ErrNoRows {
		// Existing pending or approved review: return it unchanged.
		return s.GetReviewByProgress(ctx, rev.ProgressID)
	}
	if err != nil {
		return model.ReviewDecision{}, fmt.Errorf("open review: %w", err)
	}
	return stored, nil
}

// GetReviewByProgress retrieves the review attached to a progress row.
func (s *PgStore) GetReviewByProgress(ctx context.Context, progressID string) (model.ReviewDecision, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reviewColumns+` FROM review_decisions WHERE progress_id = $1`,
		progressID)
	rev, err := scanReview(row)
	if err == pgx.ErrNoRows {
		return model.ReviewDecision{}, model.NewNotFoundError(
			fmt.Sprintf("no review for progress %q", progressID),
		)
	}
	if err != nil {
		return model.ReviewDecision{}, fmt.Errorf("query review: %w", err)
	}
	return rev, nil
}

// ListReviewsForInstance returns all reviews attached to an instance.
func (s *PgStore) ListReviewsForInstance(ctx context.Context, instanceID string) ([]model.ReviewDecision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reviewColumns+` FROM review_decisions WHERE instance_id = $1`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()

	var reviews []model.ReviewDecision
	for rows.Next() {
		rev, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		reviews = append(reviews, rev)
	}
	return reviews, rows.Err()
}

// DecideReview atomically moves a pending review to the given status. Only
// one concurrent decider observes an affected row.
func (s *PgStore) DecideReview(ctx context.Context, progressID, status, reviewerID, notes string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE review_decisions
		SET review_status = $2, reviewer_id = $3, notes = $4, decided_at = $5
		WHERE progress_id = $1 AND review_status = 'pending_review'`,
		progressID, status, reviewerID, notes, at,
	)
	if err != nil {
		return false, fmt.Errorf("decide review: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanReview(row pgx.Row) (model.ReviewDecision, error) {
	var rev model.ReviewDecision
	err := row.Scan(
		&rev.ID, &rev.ProgressID, &rev.InstanceID, &rev.ReviewStatus,
		&rev.ReviewerID, &rev.Notes, &rev.CreatedAt, &rev.DecidedAt,
	)
	if err != nil {
		return model.ReviewDecision{}, err
	}
	return rev, nil
}

// --- assignments ---

// ListAssignedSubjects returns the subject IDs covered by the manager's
// active assignments.
func (s *PgStore) ListAssignedSubjects(ctx context.Context, managerID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT subject_id FROM crew_assignments
		 WHERE manager_id = $1 AND active`,
		managerID)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		subjects = append(subjects, id)
	}
	return subjects, rows.Err()
}
