package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetyard/crewflow/internal/config"
	"github.com/fleetyard/crewflow/internal/store"
	"github.com/fleetyard/crewflow/model"
)

type mockDocumentService struct {
	mu    sync.Mutex
	calls int
	fail  int
	err   error
}

func (m *mockDocumentService) Generate(_ context.Context, instanceID, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil && m.calls <= m.fail {
		return "", m.err
	}
	return "s3://certificates/" + instanceID + ".pdf", nil
}

func (m *mockDocumentService) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type sentNotification struct {
	subjectID string
	eventType string
	payload   map[string]any
}

type mockNotificationService struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (m *mockNotificationService) Send(_ context.Context, subjectID, eventType string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentNotification{subjectID, eventType, payload})
	return nil
}

func (m *mockNotificationService) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{
		MaxAttempts:    3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		ResumeBatch:    10,
	}
}

func seedCompletedInstance(t *testing.T, s *store.MemoryStore) model.WorkflowInstance {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	inst := model.WorkflowInstance{
		ID:              uuid.NewString(),
		TemplateID:      uuid.NewString(),
		TemplateSlug:    "deck-onboarding",
		TemplateVersion: 1,
		SubjectID:       "crew-1",
		Status:          model.InstanceStatusInProgress,
		StartedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkInstanceCompleted(ctx, inst.ID, now); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestDispatchCompletion_happyPath(t *testing.T) {
	s := store.NewMemoryStore()
	docs := &mockDocumentService{}
	notifier := &mockNotificationService{}
	d := New(s, docs, notifier, testConfig(), zap.NewNop(), nil)

	inst := seedCompletedInstance(t, s)
	if err := d.DispatchCompletion(context.Background(), inst); err != nil {
		t.Fatalf("DispatchCompletion: %v", err)
	}

	if docs.callCount() != 1 {
		t.Errorf("document calls = %d, want 1", docs.callCount())
	}
	if notifier.sentCount() != 1 {
		t.Fatalf("notifications = %d, want 1", notifier.sentCount())
	}
	sent := notifier.sent[0]
	if sent.subjectID != "crew-1" || sent.eventType != model.EventWorkflowCompleted {
		t.Errorf("notification = %+v", sent)
	}
	if sent.payload["certificate_ref"] == "" {
		t.Error("payload missing certificate_ref")
	}

	got, err := s.GetInstance(context.Background(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DispatchedAt == nil {
		t.Error("dispatched_at not set")
	}
}

func TestDispatchCompletion_alreadyDispatched(t *testing.T) {
	s := store.NewMemoryStore()
	docs := &mockDocumentService{}
	notifier := &mockNotificationService{}
	d := New(s, docs, notifier, testConfig(), zap.NewNop(), nil)

	inst := seedCompletedInstance(t, s)
	if err := d.DispatchCompletion(context.Background(), inst); err != nil {
		t.Fatal(err)
	}

	// Re-dispatching with the fresh row is a no-op.
	got, _ := s.GetInstance(context.Background(), inst.ID)
	if err := d.DispatchCompletion(context.Background(), got); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if docs.callCount() != 1 {
		t.Errorf("document calls = %d, want 1", docs.callCount())
	}
	if notifier.sentCount() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.sentCount())
	}
}

func TestDispatchCompletion_retriesTransientFailure(t *testing.T) {
	s := store.NewMemoryStore()
	docs := &mockDocumentService{err: errors.New("renderer busy"), fail: 2}
	notifier := &mockNotificationService{}
	d := New(s, docs, notifier, testConfig(), zap.NewNop(), nil)

	inst := seedCompletedInstance(t, s)
	if err := d.DispatchCompletion(context.Background(), inst); err != nil {
		t.Fatalf("DispatchCompletion: %v", err)
	}

	// Two failures then success on the third attempt.
	if docs.callCount() != 3 {
		t.Errorf("document calls = %d, want 3", docs.callCount())
	}
	got, _ := s.GetInstance(context.Background(), inst.ID)
	if got.DispatchedAt == nil {
		t.Error("dispatched_at not set after retry success")
	}
}

func TestDispatchCompletion_certificateFailureStillNotifies(t *testing.T) {
	s := store.NewMemoryStore()
	docs := &mockDocumentService{err: errors.New("renderer down"), fail: 100}
	notifier := &mockNotificationService{}
	d := New(s, docs, notifier, testConfig(), zap.NewNop(), nil)

	inst := seedCompletedInstance(t, s)
	err := d.DispatchCompletion(context.Background(), inst)
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}

	// The notification still goes out despite the certificate failure,
	// without a certificate_ref in the payload.
	if notifier.sentCount() != 1 {
		t.Fatalf("notifications = %d, want 1 despite certificate failure", notifier.sentCount())
	}
	if _, ok := notifier.sent[0].payload["certificate_ref"]; ok {
		t.Error("payload carries certificate_ref although generation failed")
	}
	got, _ := s.GetInstance(context.Background(), inst.ID)
	if got.DispatchedAt != nil {
		t.Error("dispatched_at must stay unset after failure")
	}

	pending, _ := s.FindUndispatched(context.Background(), 10)
	if len(pending) != 1 {
		t.Errorf("FindUndispatched = %d rows, want 1", len(pending))
	}
}

func TestDispatchCompletion_notificationFailureStillGeneratesCertificate(t *testing.T) {
	s := store.NewMemoryStore()
	docs := &mockDocumentService{}
	notifier := &mockNotificationService{err: errors.New("smtp down")}
	d := New(s, docs, notifier, testConfig(), zap.NewNop(), nil)

	inst := seedCompletedInstance(t, s)
	if err := d.DispatchCompletion(context.Background(), inst); err == nil {
		t.Fatal("expected error from failing notification")
	}

	if docs.callCount() != 1 {
		t.Errorf("document calls = %d, want 1", docs.callCount())
	}
	got, _ := s.GetInstance(context.Background(), inst.ID)
	if got.CertificateRef == "" {
		t.Error("certificate ref not recorded on the instance")
	}
	if got.DispatchedAt != nil {
		t.Error("dispatched_at must stay unset while the notification is outstanding")
	}
}

func TestProcessPending_resumeDoesNotRegenerateCertificate(t *testing.T) {
	s := store.NewMemoryStore()
	docs := &mockDocumentService{}
	notifier := &mockNotificationService{err: errors.New("smtp down")}
	d := New(s, docs, notifier, testConfig(), zap.NewNop(), nil)

	inst := seedCompletedInstance(t, s)
	if err := d.DispatchCompletion(context.Background(), inst); err == nil {
		t.Fatal("expected error from failing notification")
	}

	// Notifier recovers; the resumer delivers the notification but reuses
	// the certificate issued on the first attempt.
	notifier.mu.Lock()
	notifier.err = nil
	notifier.mu.Unlock()

	n, err := d.ProcessPending(context.Background())
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if n != 1 {
		t.Fatalf("dispatched = %d, want 1", n)
	}
	if docs.callCount() != 1 {
		t.Errorf("document calls = %d, want 1 across both attempts", docs.callCount())
	}
	if notifier.sentCount() != 1 {
		t.Fatalf("notifications = %d, want 1", notifier.sentCount())
	}
	if ref := notifier.sent[0].payload["certificate_ref"]; ref != "s3://certificates/"+inst.ID+".pdf" {
		t.Errorf("certificate_ref = %v", ref)
	}
	got, _ := s.GetInstance(context.Background(), inst.ID)
	if got.DispatchedAt == nil {
		t.Error("dispatched_at not set after resume")
	}
}

func TestDispatchCompletion_notCompletedInstance(t *testing.T) {
	s := store.NewMemoryStore()
	d := New(s, &mockDocumentService{}, &mockNotificationService{}, testConfig(), zap.NewNop(), nil)

	now := time.Now().UTC()
	inst := model.WorkflowInstance{
		ID:           uuid.NewString(),
		TemplateSlug: "deck-onboarding",
		SubjectID:    "crew-1",
		Status:       model.InstanceStatusInProgress,
		StartedAt:    now,
		CreatedAt:    now,
	}
	if err := s.CreateInstance(context.Background(), inst); err != nil {
		t.Fatal(err)
	}

	if err := d.DispatchCompletion(context.Background(), inst); err == nil {
		t.Error("expected error dispatching an in-progress instance")
	}
}

func TestProcessPending_resumesCrashedDispatch(t *testing.T) {
	s := store.NewMemoryStore()
	docs := &mockDocumentService{}
	notifier := &mockNotificationService{}
	d := New(s, docs, notifier, testConfig(), zap.NewNop(), nil)

	// Three completed instances with no marker, as after a crash.
	for i := 0; i < 3; i++ {
		seedCompletedInstance(t, s)
	}

	n, err := d.ProcessPending(context.Background())
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if n != 3 {
		t.Errorf("dispatched = %d, want 3", n)
	}
	if notifier.sentCount() != 3 {
		t.Errorf("notifications = %d, want 3", notifier.sentCount())
	}

	pending, _ := s.FindUndispatched(context.Background(), 10)
	if len(pending) != 0 {
		t.Errorf("FindUndispatched after resume = %d rows, want 0", len(pending))
	}
}

func TestProcessPending_partialFailure(t *testing.T) {
	s := store.NewMemoryStore()
	notifier := &mockNotificationService{err: errors.New("smtp down")}
	d := New(s, &mockDocumentService{}, notifier, testConfig(), zap.NewNop(), nil)

	seedCompletedInstance(t, s)

	n, err := d.ProcessPending(context.Background())
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if n != 0 {
		t.Errorf("dispatched = %d, want 0", n)
	}

	pending, _ := s.FindUndispatched(context.Background(), 10)
	if len(pending) != 1 {
		t.Errorf("instance must remain pending, got %d rows", len(pending))
	}
}

func TestBackoff_capsAtMax(t *testing.T) {
	d := New(store.NewMemoryStore(), nil, nil, config.DispatchConfig{
		MaxAttempts:    5,
		BackoffInitial: 100 * time.Millisecond,
		BackoffMax:     300 * time.Millisecond,
	}, zap.NewNop(), nil)

	if got := d.backoff(1); got != 100*time.Millisecond {
		t.Errorf("backoff(1) = %v", got)
	}
	if got := d.backoff(2); got != 200*time.Millisecond {
		t.Errorf("backoff(2) = %v", got)
	}
	if got := d.backoff(4); got != 300*time.Millisecond {
		t.Errorf("backoff(4) = %v, want capped at 300ms", got)
	}
}
