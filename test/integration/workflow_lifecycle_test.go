package integration

import (
	"net/http"
	"testing"

	"github.com/fleetyard/crewflow/internal/progress"
	"github.com/fleetyard/crewflow/internal/template"
	"github.com/fleetyard/crewflow/model"
)

func onboardingTemplate() template.CreateInput {
	return template.CreateInput{
		Slug: "deck-onboarding",
		Name: "Deck Crew Onboarding",
		Steps: []model.Step{
			{StepNumber: 1, Kind: model.StepKindContent, Name: "Welcome aboard", IsRequired: true},
			{StepNumber: 2, Kind: model.StepKindForm, Name: "Crew details", IsRequired: true,
				Config: model.StepConfig{Fields: []model.FormField{
					{Name: "full_name", Type: "string", Required: true},
					{Name: "rank", Type: "string", Required: true, Enum: []string{"deckhand", "bosun", "mate"}},
				}}},
			{StepNumber: 3, Kind: model.StepKindQuiz, Name: "Safety quiz", IsRequired: true,
				Config: model.StepConfig{PassingScore: 80}},
			{StepNumber: 4, Kind: model.StepKindUpload, Name: "STCW certificate", IsRequired: false},
		},
	}
}

// publishTemplate creates and activates the onboarding template as admin.
func publishTemplate(t *testing.T, h *TestHarness) model.WorkflowTemplate {
	t.Helper()
	admin := h.AdminToken("admin-1")

	resp := h.POST("/api/templates", onboardingTemplate(), admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create template: status %d", resp.StatusCode)
	}
	var tpl model.WorkflowTemplate
	h.ParseJSON(resp, &tpl)

	resp = h.POST("/api/templates/"+tpl.ID+"/activate", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate template: status %d", resp.StatusCode)
	}
	var active model.WorkflowTemplate
	h.ParseJSON(resp, &active)
	return active
}

func TestLifecycle_onboardingToCompletion(t *testing.T) {
	h := NewTestHarness(t)
	publishTemplate(t, h)
	h.Store.AddAssignment("mgr-1", "crew-1")
	h.Files.AddFile("certs/stcw-crew-1.pdf", "application/pdf", 4096)

	crew := h.CrewToken("crew-1")
	manager := h.ManagerToken("mgr-1")

	// Start.
	resp := h.POST("/api/workflows/deck-onboarding/start", nil, crew)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: status %d", resp.StatusCode)
	}
	var inst model.WorkflowInstance
	h.ParseJSON(resp, &inst)
	if inst.TemplateVersion != 1 {
		t.Errorf("pinned version = %d, want 1", inst.TemplateVersion)
	}

	progressPath := "/api/instances/" + inst.ID + "/progress"

	// Step 1: content acknowledgment.
	resp = h.POST(progressPath, map[string]any{
		"step_number": 1,
		"status":      "completed",
		"data":        map[string]any{"acknowledged": true},
	}, crew)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("content step: status %d", resp.StatusCode)
	}
	var res progress.UpdateResult
	h.ParseJSON(resp, &res)
	if res.InstanceStatus != model.InstanceStatusInProgress {
		t.Errorf("instance status = %q after step 1", res.InstanceStatus)
	}

	// Step 2: form submission.
	resp = h.POST(progressPath, map[string]any{
		"step_number": 2,
		"status":      "completed",
		"data":        map[string]any{"full_name": "A. Mariner", "rank": "bosun"},
	}, crew)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("form step: status %d", resp.StatusCode)
	}

	// Step 3: quiz pass opens the review gate but does not complete the
	// instance.
	resp = h.POST(progressPath, map[string]any{
		"step_number": 3,
		"status":      "completed",
		"data":        map[string]any{"score": 92, "passed": true},
	}, crew)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quiz step: status %d", resp.StatusCode)
	}
	h.ParseJSON(resp, &res)
	if res.ReviewStatus != model.ReviewStatusPending {
		t.Errorf("review status = %q, want pending", res.ReviewStatus)
	}
	if res.InstanceStatus != model.InstanceStatusInProgress {
		t.Errorf("instance status = %q, quiz approval is still pending", res.InstanceStatus)
	}

	// Optional step 4: upload.
	resp = h.POST(progressPath, map[string]any{
		"step_number": 4,
		"status":      "completed",
		"file_ref":    "certs/stcw-crew-1.pdf",
	}, crew)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload step: status %d", resp.StatusCode)
	}

	// No dispatch yet.
	if got := len(h.Documents.Requests()); got != 0 {
		t.Fatalf("documents generated before approval: %d", got)
	}

	// Manager approves the quiz review; this completes the instance and
	// triggers side effect dispatch.
	resp = h.POST("/api/reviews/"+res.Progress.ID+"/decide", map[string]any{
		"action": "approve",
		"notes":  "good score",
	}, manager)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: status %d", resp.StatusCode)
	}

	resp = h.GET("/api/instances/"+inst.ID, crew)
	var final model.WorkflowInstance
	h.ParseJSON(resp, &final)
	if final.Status != model.InstanceStatusCompleted {
		t.Fatalf("instance status = %q, want completed", final.Status)
	}
	if final.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if final.DispatchedAt == nil {
		t.Error("dispatched_at not set")
	}

	// Exactly one certificate and one completion notification.
	docs := h.Documents.Requests()
	if len(docs) != 1 {
		t.Fatalf("document requests = %d, want 1", len(docs))
	}
	if docs[0].InstanceID != inst.ID || docs[0].TemplateType != model.DocumentTypeCertificate {
		t.Errorf("document request = %+v", docs[0])
	}

	completions := 0
	for _, n := range h.Notifications.SentTo("crew-1") {
		if n.EventType == model.EventWorkflowCompleted {
			completions++
		}
	}
	if completions != 1 {
		t.Errorf("completion notifications = %d, want 1", completions)
	}
}

func TestLifecycle_quizApprovalOrderingIrrelevant(t *testing.T) {
	// The review can be approved before the remaining required steps are
	// done; completion happens when the last gap closes.
	h := NewTestHarness(t)
	publishTemplate(t, h)
	h.Store.AddAssignment("mgr-1", "crew-1")

	crew := h.CrewToken("crew-1")
	manager := h.ManagerToken("mgr-1")

	resp := h.POST("/api/workflows/deck-onboarding/start", nil, crew)
	var inst model.WorkflowInstance
	h.ParseJSON(resp, &inst)
	progressPath := "/api/instances/" + inst.ID + "/progress"

	// Quiz first.
	resp = h.POST(progressPath, map[string]any{
		"step_number": 3,
		"status":      "completed",
		"data":        map[string]any{"score": 85},
	}, crew)
	var res progress.UpdateResult
	h.ParseJSON(resp, &res)

	resp = h.POST("/api/reviews/"+res.Progress.ID+"/decide", map[string]any{"action": "approve"}, manager)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: status %d", resp.StatusCode)
	}

	// Still two required steps open.
	resp = h.GET("/api/instances/"+inst.ID, crew)
	h.ParseJSON(resp, &inst)
	if inst.Status != model.InstanceStatusInProgress {
		t.Fatalf("status = %q, steps 1 and 2 are still open", inst.Status)
	}

	h.POST(progressPath, map[string]any{"step_number": 1, "status": "completed"}, crew)
	resp = h.POST(progressPath, map[string]any{
		"step_number": 2,
		"status":      "completed",
		"data":        map[string]any{"full_name": "A. Mariner", "rank": "mate"},
	}, crew)
	h.ParseJSON(resp, &res)

	if res.InstanceStatus != model.InstanceStatusCompleted {
		t.Errorf("instance status = %q, want completed after final required step", res.InstanceStatus)
	}
}

func TestLifecycle_quizFailureThenRetry(t *testing.T) {
	h := NewTestHarness(t)
	publishTemplate(t, h)

	crew := h.CrewToken("crew-1")

	resp := h.POST("/api/workflows/deck-onboarding/start", nil, crew)
	var inst model.WorkflowInstance
	h.ParseJSON(resp, &inst)
	progressPath := "/api/instances/" + inst.ID + "/progress"

	// Failing score keeps the step open and opens no review.
	resp = h.POST(progressPath, map[string]any{
		"step_number": 3,
		"status":      "completed",
		"data":        map[string]any{"score": 55},
	}, crew)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quiz attempt: status %d", resp.StatusCode)
	}
	var res progress.UpdateResult
	h.ParseJSON(resp, &res)
	if res.Progress.Status != model.ProgressStatusInProgress {
		t.Errorf("progress status = %q, want in_progress on failed quiz", res.Progress.Status)
	}
	if res.ReviewStatus != "" {
		t.Errorf("review opened on failed quiz: %q", res.ReviewStatus)
	}

	// Retry with a passing score.
	resp = h.POST(progressPath, map[string]any{
		"step_number": 3,
		"status":      "completed",
		"data":        map[string]any{"score": 95},
	}, crew)
	h.ParseJSON(resp, &res)
	if res.Progress.Status != model.ProgressStatusCompleted {
		t.Errorf("progress status = %q, want completed", res.Progress.Status)
	}
	if res.ReviewStatus != model.ReviewStatusPending {
		t.Errorf("review status = %q, want pending", res.ReviewStatus)
	}
}

func TestLifecycle_rejectionNotifiesSubject(t *testing.T) {
	h := NewTestHarness(t)
	publishTemplate(t, h)
	h.Store.AddAssignment("mgr-1", "crew-1")

	crew := h.CrewToken("crew-1")
	manager := h.ManagerToken("mgr-1")

	resp := h.POST("/api/workflows/deck-onboarding/start", nil, crew)
	var inst model.WorkflowInstance
	h.ParseJSON(resp, &inst)

	resp = h.POST("/api/instances/"+inst.ID+"/progress", map[string]any{
		"step_number": 3,
		"status":      "completed",
		"data":        map[string]any{"score": 90},
	}, crew)
	var res progress.UpdateResult
	h.ParseJSON(resp, &res)

	resp = h.POST("/api/reviews/"+res.Progress.ID+"/decide", map[string]any{
		"action": "reject",
		"notes":  "please retake in person",
	}, manager)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject: status %d", resp.StatusCode)
	}

	rejections := h.Notifications.SentTo("crew-1")
	found := false
	for _, n := range rejections {
		if n.EventType == model.EventReviewRejected {
			found = true
			if n.Payload["notes"] != "please retake in person" {
				t.Errorf("rejection payload = %v", n.Payload)
			}
		}
	}
	if !found {
		t.Error("no rejection notification delivered")
	}

	// The instance is not completed by a rejected review.
	resp = h.GET("/api/instances/"+inst.ID, crew)
	h.ParseJSON(resp, &inst)
	if inst.Status != model.InstanceStatusInProgress {
		t.Errorf("status = %q, want in_progress", inst.Status)
	}
}

func TestLifecycle_duplicateReviewDecisionConflict(t *testing.T) {
	h := NewTestHarness(t)
	publishTemplate(t, h)
	h.Store.AddAssignment("mgr-1", "crew-1")
	h.Store.AddAssignment("mgr-2", "crew-1")

	crew := h.CrewToken("crew-1")

	resp := h.POST("/api/workflows/deck-onboarding/start", nil, crew)
	var inst model.WorkflowInstance
	h.ParseJSON(resp, &inst)

	resp = h.POST("/api/instances/"+inst.ID+"/progress", map[string]any{
		"step_number": 3,
		"status":      "completed",
		"data":        map[string]any{"score": 88},
	}, crew)
	var res progress.UpdateResult
	h.ParseJSON(resp, &res)

	decidePath := "/api/reviews/" + res.Progress.ID + "/decide"

	resp = h.POST(decidePath, map[string]any{"action": "approve"}, h.ManagerToken("mgr-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first decision: status %d", resp.StatusCode)
	}

	resp = h.POST(decidePath, map[string]any{"action": "reject"}, h.ManagerToken("mgr-2"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second decision: status %d, want 409", resp.StatusCode)
	}

	var errBody struct {
		Error struct {
			Code string         `json:"code"`
			Meta map[string]any `json:"meta"`
		} `json:"error"`
	}
	h.ParseJSON(resp, &errBody)
	if errBody.Error.Meta["decision"] != model.ReviewStatusApproved {
		t.Errorf("conflict meta decision = %v, want approved", errBody.Error.Meta["decision"])
	}
	if errBody.Error.Meta["reviewer_id"] != "mgr-1" {
		t.Errorf("conflict meta reviewer_id = %v", errBody.Error.Meta["reviewer_id"])
	}
}

func TestLifecycle_progressIdempotencyReplay(t *testing.T) {
	h := NewTestHarness(t)
	publishTemplate(t, h)

	crew := h.CrewToken("crew-1")

	resp := h.POST("/api/workflows/deck-onboarding/start", nil, crew)
	var inst model.WorkflowInstance
	h.ParseJSON(resp, &inst)
	progressPath := "/api/instances/" + inst.ID + "/progress"

	body := map[string]any{
		"step_number": 1,
		"status":      "completed",
		"data":        map[string]any{"acknowledged": true},
	}
	headers := map[string]string{"X-Idempotency-Key": "retry-abc"}

	resp = h.POSTWithHeaders(progressPath, body, crew, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first write: status %d", resp.StatusCode)
	}
	var first progress.UpdateResult
	h.ParseJSON(resp, &first)

	resp = h.POSTWithHeaders(progressPath, body, crew, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay: status %d", resp.StatusCode)
	}
	var second progress.UpdateResult
	h.ParseJSON(resp, &second)

	if first.Progress.ID != second.Progress.ID {
		t.Errorf("replay produced a different row: %q vs %q", first.Progress.ID, second.Progress.ID)
	}

	// Same key with a different body is rejected.
	other := map[string]any{"step_number": 1, "status": "completed", "data": map[string]any{"acknowledged": false}}
	resp = h.POSTWithHeaders(progressPath, other, crew, headers)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("key reuse with different input: status %d, want 409", resp.StatusCode)
	}
}
