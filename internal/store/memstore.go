package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetyard/crewflow/model"
)

// MemoryStore is an in-memory Store for testing and single-process
// development. The guarded writes hold the mutex across their check-and-set,
// which gives the same winner-takes-it semantics as the SQL predicates.
type MemoryStore struct {
	mu          sync.RWMutex
	templates   map[string]model.WorkflowTemplate   // key: template ID
	instances   map[string]model.WorkflowInstance   // key: instance ID
	progress    map[string]model.StepProgress       // key: progress ID
	reviews     map[string]model.ReviewDecision     // key: progress ID
	assignments map[string]map[string]bool          // manager ID -> subject IDs
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates:   make(map[string]model.WorkflowTemplate),
		instances:   make(map[string]model.WorkflowInstance),
		progress:    make(map[string]model.StepProgress),
		reviews:     make(map[string]model.ReviewDecision),
		assignments: make(map[string]map[string]bool),
	}
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// --- templates ---

// CreateTemplate persists a new template version.
func (s *MemoryStore) CreateTemplate(_ context.Context, tpl model.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.templates {
		if existing.Slug == tpl.Slug && existing.Version == tpl.Version {
			return model.NewConflictError(
				fmt.Sprintf("template %q version %d already exists", tpl.Slug, tpl.Version),
			)
		}
	}
	s.templates[tpl.ID] = tpl
	return nil
}

// GetTemplate retrieves a template by ID.
func (s *MemoryStore) GetTemplate(_ context.Context, id string) (model.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, exists := s.templates[id]
	if !exists {
		return model.WorkflowTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("template %q not found", id),
		)
	}
	return tpl, nil
}

// GetActiveTemplate retrieves the active version for a slug.
func (s *MemoryStore) GetActiveTemplate(_ context.Context, slug string) (model.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best model.WorkflowTemplate
	found := false
	for _, tpl := range s.templates {
		if tpl.Slug == slug && tpl.Status == model.TemplateStatusActive {
			if !found || tpl.Version > best.Version {
				best = tpl
				found = true
			}
		}
	}
	if !found {
		return model.WorkflowTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("template %q not found", slug),
		)
	}
	return best, nil
}

// GetTemplateVersion retrieves a specific version for a slug.
func (s *MemoryStore) GetTemplateVersion(_ context.Context, slug string, version int) (model.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tpl := range s.templates {
		if tpl.Slug == slug && tpl.Version == version {
			return tpl, nil
		}
	}
	return model.WorkflowTemplate{}, model.NewNotFoundError(
		fmt.Sprintf("template %q@%d not found", slug, version),
	)
}

// LatestTemplateVersion returns the highest version for a slug, 0 if unknown.
func (s *MemoryStore) LatestTemplateVersion(_ context.Context, slug string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := 0
	for _, tpl := range s.templates {
		if tpl.Slug == slug && tpl.Version > latest {
			latest = tpl.Version
		}
	}
	return latest, nil
}

// SetTemplateStatus updates a template's lifecycle status.
func (s *MemoryStore) SetTemplateStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, exists := s.templates[id]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("template %q not found", id))
	}
	tpl.Status = status
	tpl.UpdatedAt = time.Now().UTC()
	s.templates[id] = tpl
	return nil
}

// ArchiveOtherVersions archives every version of a slug except the given one.
func (s *MemoryStore) ArchiveOtherVersions(_ context.Context, slug, exceptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for id, tpl := range s.templates {
		if tpl.Slug == slug && id != exceptID && tpl.Status == model.TemplateStatusActive {
			tpl.Status = model.TemplateStatusArchived
			tpl.UpdatedAt = now
			s.templates[id] = tpl
		}
	}
	return nil
}

// --- instances ---

// CreateInstance persists a new workflow instance.
func (s *MemoryStore) CreateInstance(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}
	inst.CollectedData = cloneData(inst.CollectedData)
	s.instances[inst.ID] = inst
	return nil
}

// GetInstance retrieves a workflow instance by ID.
func (s *MemoryStore) GetInstance(_ context.Context, id string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[id]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", id),
		)
	}
	inst.CollectedData = cloneData(inst.CollectedData)
	return inst, nil
}

// ListInstances returns instances matching the filters, newest first.
func (s *MemoryStore) ListInstances(_ context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.WorkflowInstance
	for _, inst := range s.instances {
		if filters.SubjectID != "" && inst.SubjectID != filters.SubjectID {
			continue
		}
		if filters.TemplateSlug != "" && inst.TemplateSlug != filters.TemplateSlug {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		inst.CollectedData = cloneData(inst.CollectedData)
		matched = append(matched, inst)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(matched) {
		matched = matched[:filters.Limit]
	}
	return matched, nil
}

// FindActiveInstance returns the non-terminal instance for a
// (template slug, subject) pair.
func (s *MemoryStore) FindActiveInstance(_ context.Context, templateSlug, subjectID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inst := range s.instances {
		if inst.TemplateSlug == templateSlug && inst.SubjectID == subjectID && !inst.Terminal() {
			inst.CollectedData = cloneData(inst.CollectedData)
			return inst, nil
		}
	}
	return model.WorkflowInstance{}, model.NewNotFoundError(
		fmt.Sprintf("no active instance of %q for subject %q", templateSlug, subjectID),
	)
}

// SetCurrentStep updates the instance's current step pointer.
func (s *MemoryStore) SetCurrentStep(_ context.Context, id string, stepNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.instances[id]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	inst.CurrentStepNumber = stepNumber
	inst.UpdatedAt = time.Now().UTC()
	s.instances[id] = inst
	return nil
}

// MergeInstanceData merges the payload into collected_data.
func (s *MemoryStore) MergeInstanceData(_ context.Context, id string, data map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.instances[id]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	merged := cloneData(inst.CollectedData)
	if merged == nil {
		merged = make(map[string]any, len(data))
	}
	for k, v := range data {
		merged[k] = v
	}
	inst.CollectedData = merged
	inst.UpdatedAt = time.Now().UTC()
	s.instances[id] = inst
	return nil
}

// MarkInstanceCompleted performs the guarded completion write.
func (s *MemoryStore) MarkInstanceCompleted(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.instances[id]
	if !exists {
		return false, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	if inst.CompletedAt != nil || inst.Status != model.InstanceStatusInProgress {
		return false, nil
	}
	completedAt := at
	inst.Status = model.InstanceStatusCompleted
	inst.CompletedAt = &completedAt
	inst.UpdatedAt = at
	s.instances[id] = inst
	return true, nil
}

// MarkInstanceCancelled moves a non-terminal instance to cancelled.
func (s *MemoryStore) MarkInstanceCancelled(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.instances[id]
	if !exists {
		return false, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	if inst.Terminal() {
		return false, nil
	}
	cancelledAt := at
	inst.Status = model.InstanceStatusCancelled
	inst.CancelledAt = &cancelledAt
	inst.UpdatedAt = at
	s.instances[id] = inst
	return true, nil
}

// MarkInstanceDispatched records side-effect delivery.
func (s *MemoryStore) MarkInstanceDispatched(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.instances[id]
	if !exists {
		return false, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	if inst.Status != model.InstanceStatusCompleted || inst.DispatchedAt != nil {
		return false, nil
	}
	dispatchedAt := at
	inst.DispatchedAt = &dispatchedAt
	inst.UpdatedAt = at
	s.instances[id] = inst
	return true, nil
}

// SetInstanceCertificateRef records the generated certificate reference.
func (s *MemoryStore) SetInstanceCertificateRef(_ context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.instances[id]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	inst.CertificateRef = ref
	inst.UpdatedAt = time.Now().UTC()
	s.instances[id] = inst
	return nil
}

// FindUndispatched returns completed instances without a dispatch marker.
func (s *MemoryStore) FindUndispatched(_ context.Context, limit int) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status == model.InstanceStatusCompleted && inst.DispatchedAt == nil {
			inst.CollectedData = cloneData(inst.CollectedData)
			matched = append(matched, inst)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CompletedAt.Before(*matched[j].CompletedAt)
	})
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// --- step progress ---

func progressKey(instanceID string, stepNumber int, subItemID string) string {
	return fmt.Sprintf("%s/%d/%s", instanceID, stepNumber, subItemID)
}

// UpsertProgress inserts or updates a progress row, guarded against a
// concurrently cancelled instance.
func (s *MemoryStore) UpsertProgress(_ context.Context, p model.StepProgress) (model.StepProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.instances[p.InstanceID]
	if !exists {
		return model.StepProgress{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", p.InstanceID),
		)
	}
	if inst.Status == model.InstanceStatusCancelled {
		return model.StepProgress{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q is cancelled", p.InstanceID),
		)
	}

	// Preserve identity and start time of an existing row.
	for _, existing := range s.progress {
		if existing.InstanceID == p.InstanceID &&
			existing.StepNumber == p.StepNumber &&
			existing.SubItemID == p.SubItemID {
			p.ID = existing.ID
			p.StartedAt = existing.StartedAt
			break
		}
	}

	p.Data = cloneData(p.Data)
	s.progress[p.ID] = p
	return p, nil
}

// GetProgress retrieves one progress row.
func (s *MemoryStore) GetProgress(_ context.Context, instanceID string, stepNumber int, subItemID string) (model.StepProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.progress {
		if p.InstanceID == instanceID && p.StepNumber == stepNumber && p.SubItemID == subItemID {
			p.Data = cloneData(p.Data)
			return p, nil
		}
	}
	return model.StepProgress{}, model.NewNotFoundError(
		fmt.Sprintf("no progress for instance %q step %d", instanceID, stepNumber),
	)
}

// GetProgressByID retrieves a progress row by primary key.
func (s *MemoryStore) GetProgressByID(_ context.Context, id string) (model.StepProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.progress[id]
	if !exists {
		return model.StepProgress{}, model.NewNotFoundError(
			fmt.Sprintf("step progress %q not found", id),
		)
	}
	p.Data = cloneData(p.Data)
	return p, nil
}

// ListProgress returns all progress rows for an instance ordered by step.
func (s *MemoryStore) ListProgress(_ context.Context, instanceID string) ([]model.StepProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []model.StepProgress
	for _, p := range s.progress {
		if p.InstanceID == instanceID {
			p.Data = cloneData(p.Data)
			rows = append(rows, p)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].StepNumber != rows[j].StepNumber {
			return rows[i].StepNumber < rows[j].StepNumber
		}
		return rows[i].SubItemID < rows[j].SubItemID
	})
	return rows, nil
}

// --- reviews ---

// OpenReview ensures a pending review exists for a progress row.
func (s *MemoryStore) OpenReview(_ context.Context, rev model.ReviewDecision) (model.ReviewDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.reviews[rev.ProgressID]
	if exists {
		if existing.ReviewStatus == model.ReviewStatusRejected {
			existing.ReviewStatus = model.ReviewStatusPending
			existing.ReviewerID = ""
			existing.Notes = ""
			existing.DecidedAt = nil
			s.reviews[rev.ProgressID] = existing
		}
		return s.reviews[rev.ProgressID], nil
	}

	rev.ReviewStatus = model.ReviewStatusPending
	s.reviews[rev.ProgressID] = rev
	return rev, nil
}

// GetReviewByProgress retrieves the review attached to a progress row.
func (s *MemoryStore) GetReviewByProgress(_ context.Context, progressID string) (model.ReviewDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rev, exists := s.reviews[progressID]
	if !exists {
		return model.ReviewDecision{}, model.NewNotFoundError(
			fmt.Sprintf("no review for progress %q", progressID),
		)
	}
	return rev, nil
}

// ListReviewsForInstance returns all reviews attached to an instance.
func (s *MemoryStore) ListReviewsForInstance(_ context.Context, instanceID string) ([]model.ReviewDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var reviews []model.ReviewDecision
	for _, rev := range s.reviews {
		if rev.InstanceID == instanceID {
			reviews = append(reviews, rev)
		}
	}
	return reviews, nil
}

// DecideReview atomically moves a pending review to the given status.
func (s *MemoryStore) DecideReview(_ context.Context, progressID, status, reviewerID, notes string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rev, exists := s.reviews[progressID]
	if !exists || rev.ReviewStatus != model.ReviewStatusPending {
		return false, nil
	}
	decidedAt := at
	rev.ReviewStatus = status
	rev.ReviewerID = reviewerID
	rev.Notes = notes
	rev.DecidedAt = &decidedAt
	s.reviews[progressID] = rev
	return true, nil
}

// --- assignments ---

// ListAssignedSubjects returns the subject IDs assigned to the manager.
func (s *MemoryStore) ListAssignedSubjects(_ context.Context, managerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subjects []string
	for subject := range s.assignments[managerID] {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)
	return subjects, nil
}

// AddAssignment records an active manager-to-crew assignment. For tests and
// local development; production assignments are written by the HR system.
func (s *MemoryStore) AddAssignment(managerID, subjectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.assignments[managerID] == nil {
		s.assignments[managerID] = make(map[string]bool)
	}
	s.assignments[managerID][subjectID] = true
}

// InstanceCount returns the number of stored instances. For testing.
func (s *MemoryStore) InstanceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
