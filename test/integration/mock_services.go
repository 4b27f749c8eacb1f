package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// MockDocumentService is an httptest-backed document renderer. It records
// every generate request and can be told to fail.
type MockDocumentService struct {
	mu       sync.Mutex
	server   *httptest.Server
	requests []DocumentRequest
	failures int
}

// DocumentRequest is one recorded call to the mock document service.
type DocumentRequest struct {
	InstanceID   string `json:"instance_id"`
	TemplateType string `json:"template_type"`
}

func newMockDocumentService(t *testing.T) *MockDocumentService {
	t.Helper()
	m := &MockDocumentService{}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.failures > 0 {
			m.failures--
			http.Error(w, "renderer unavailable", http.StatusServiceUnavailable)
			return
		}

		var req DocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		m.requests = append(m.requests, req)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"document_ref": fmt.Sprintf("s3://documents/%s-%s.pdf", req.TemplateType, req.InstanceID),
		})
	}))
	t.Cleanup(m.server.Close)
	return m
}

// URL returns the mock service's base URL.
func (m *MockDocumentService) URL() string { return m.server.URL }

// FailNext makes the next n requests fail with a 503.
func (m *MockDocumentService) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

// Requests returns a copy of all recorded generate requests.
func (m *MockDocumentService) Requests() []DocumentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DocumentRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// MockNotificationService records notification deliveries.
type MockNotificationService struct {
	mu     sync.Mutex
	server *httptest.Server
	sent   []Notification
}

// Notification is one recorded delivery.
type Notification struct {
	SubjectID string         `json:"subject_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

func newMockNotificationService(t *testing.T) *MockNotificationService {
	t.Helper()
	m := &MockNotificationService{}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.sent = append(m.sent, n)
		m.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(m.server.Close)
	return m
}

// URL returns the mock service's base URL.
func (m *MockNotificationService) URL() string { return m.server.URL }

// Sent returns a copy of all recorded notifications.
func (m *MockNotificationService) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns notifications delivered to one subject.
func (m *MockNotificationService) SentTo(subjectID string) []Notification {
	var out []Notification
	for _, n := range m.Sent() {
		if n.SubjectID == subjectID {
			out = append(out, n)
		}
	}
	return out
}

// MockFileService answers HEAD lookups for registered file references.
type MockFileService struct {
	mu     sync.Mutex
	server *httptest.Server
	files  map[string]fileMeta
}

type fileMeta struct {
	size        int64
	contentType string
}

func newMockFileService(t *testing.T) *MockFileService {
	t.Helper()
	m := &MockFileService{files: make(map[string]fileMeta)}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "/v1/files/"
		if len(r.URL.Path) <= len(prefix) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		ref := r.URL.Path[len(prefix):]

		m.mu.Lock()
		meta, ok := m.files[ref]
		m.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", meta.contentType)
		w.Header().Set("Content-Length", strconv.FormatInt(meta.size, 10))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(m.server.Close)
	return m
}

// URL returns the mock service's base URL.
func (m *MockFileService) URL() string { return m.server.URL }

// AddFile registers a file reference so Stat lookups succeed.
func (m *MockFileService) AddFile(ref, contentType string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[ref] = fileMeta{size: size, contentType: contentType}
}
