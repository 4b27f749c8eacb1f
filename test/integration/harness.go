// Package integration provides a reusable test harness for end-to-end
// testing of the crewflow server. It starts a full HTTP server with an
// in-memory store, mock side effect services, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleetyard/crewflow/internal/access"
	"github.com/fleetyard/crewflow/internal/config"
	"github.com/fleetyard/crewflow/internal/dispatch"
	"github.com/fleetyard/crewflow/internal/engine"
	"github.com/fleetyard/crewflow/internal/instance"
	"github.com/fleetyard/crewflow/internal/observability"
	"github.com/fleetyard/crewflow/internal/progress"
	"github.com/fleetyard/crewflow/internal/review"
	"github.com/fleetyard/crewflow/internal/sideeffect"
	"github.com/fleetyard/crewflow/internal/store"
	"github.com/fleetyard/crewflow/internal/template"
	"github.com/fleetyard/crewflow/internal/transport"
)

// TestHarness encapsulates a fully wired server instance with mock side
// effect services for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store            *store.MemoryStore
	IdempotencyStore *progress.MemoryIdempotencyStore
	Dispatcher       *dispatch.Dispatcher
	Engine           *engine.Engine

	Documents     *MockDocumentService
	Notifications *MockNotificationService
	Files         *MockFileService

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	dispatch       config.DispatchConfig
	handlerTimeout time.Duration
}

// WithDispatchConfig overrides dispatch retry settings.
func WithDispatchConfig(cfg config.DispatchConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.dispatch = cfg
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full server instance. The server and
// all mock services are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		dispatch: config.DispatchConfig{
			MaxAttempts:    2,
			BackoffInitial: 1 * time.Millisecond,
			BackoffMax:     5 * time.Millisecond,
			ResumeInterval: 50 * time.Millisecond,
			ResumeBatch:    10,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:                t,
		Store:            store.NewMemoryStore(),
		IdempotencyStore: progress.NewMemoryIdempotencyStore(),
		Documents:        newMockDocumentService(t),
		Notifications:    newMockNotificationService(t),
		Files:            newMockFileService(t),
	}

	clientCfg := func(url string) config.ServiceClientConfig {
		return config.ServiceClientConfig{
			URL:     url,
			Timeout: 5 * time.Second,
			Breaker: config.BreakerConfig{
				FailureThreshold: 100, // breaker stays out of the way in tests
				SuccessThreshold: 1,
				OpenTimeout:      time.Second,
			},
		}
	}
	documents := sideeffect.NewDocumentClient(clientCfg(h.Documents.URL()))
	notifier := sideeffect.NewNotificationClient(clientCfg(h.Notifications.URL()))
	files := sideeffect.NewFileClient(clientCfg(h.Files.URL()))

	logger := zap.NewNop()
	h.Dispatcher = dispatch.New(h.Store, documents, notifier, hc.dispatch, logger, nil)
	h.Engine = engine.New(h.Store, h.Dispatcher, logger, nil)
	resolver := access.NewResolver(h.Store, 0, nil) // no caching in tests

	instances := instance.NewManager(h.Store, resolver, logger, nil)
	tracker := progress.NewTracker(h.Store, h.Engine, resolver, files,
		h.IdempotencyStore, time.Hour, logger, nil)
	reviews := review.NewService(h.Store, h.Engine, resolver, notifier, logger, nil)
	templates := template.NewService(h.Store, resolver, logger)

	h.issuer = newTokenIssuer(t)

	h.cfg = &config.Config{
		Server: config.ServerConfig{
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			HandlerTimeout: hc.handlerTimeout,
			CORS: config.CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: config.IdentityConfig{
			Issuer:     h.issuer.issuer,
			Audience:   h.issuer.audience,
			JWKSURL:    h.issuer.JWKSURL(),
			Algorithms: []string{"RS256"},
			ClaimPaths: map[string]string{
				"actor_id": "sub",
				"email":    "email",
				"roles":    "roles",
			},
		},
	}

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Readiness: observability.ReadinessChecks{
			Store:            h.Store,
			IdempotencyStore: h.IdempotencyStore,
		},
		Instances: instances,
		Tracker:   tracker,
		Reviews:   reviews,
		Templates: templates,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// CrewToken creates a token for a crew member.
func (h *TestHarness) CrewToken(actorID string) string {
	return h.GenerateToken(TestClaims{
		ActorID: actorID,
		Email:   actorID + "@example.com",
		Roles:   []string{"crew"},
	})
}

// ManagerToken creates a token for a manager.
func (h *TestHarness) ManagerToken(actorID string) string {
	return h.GenerateToken(TestClaims{
		ActorID: actorID,
		Email:   actorID + "@example.com",
		Roles:   []string{"manager"},
	})
}

// AdminToken creates a token for an administrator.
func (h *TestHarness) AdminToken(actorID string) string {
	return h.GenerateToken(TestClaims{
		ActorID: actorID,
		Email:   actorID + "@example.com",
		Roles:   []string{"admin"},
	})
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional
// headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response %q: %v", string(data), err)
	}
}
