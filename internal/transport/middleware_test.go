package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/fleetyard/crewflow/internal/config"
	"github.com/fleetyard/crewflow/model"
)

func TestRequestID_generatesWhenAbsent(t *testing.T) {
	var captured string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = CorrelationIDFrom(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if captured == "" {
		t.Error("correlation ID should be generated")
	}
	if got := w.Header().Get("X-Correlation-Id"); got != captured {
		t.Errorf("response header = %q, context value = %q", got, captured)
	}
}

func TestRequestID_propagatesExisting(t *testing.T) {
	var captured string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = CorrelationIDFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Correlation-Id", "corr-42")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if captured != "corr-42" {
		t.Errorf("correlation ID = %q, want corr-42", captured)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	checks := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	}
	for header, want := range checks {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestCORS_allowedOrigin(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         600,
	}
	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://app.example.com")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
		t.Errorf("Allow-Methods = %q", got)
	}
}

func TestCORS_disallowedOrigin(t *testing.T) {
	cfg := config.CORSConfig{AllowedOrigins: []string{"https://app.example.com"}}
	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty for disallowed origin", got)
	}
}

func TestCORS_preflight(t *testing.T) {
	cfg := config.CORSConfig{AllowedOrigins: []string{"https://app.example.com"}}
	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run on preflight")
	}))

	req := httptest.NewRequest("OPTIONS", "/", nil)
	req.Header.Set("Origin", "https://app.example.com")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
}

func TestRecovery(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 after panic", w.Code)
	}
}

func TestBuildRequestContext_claimPaths(t *testing.T) {
	var rctx *model.RequestContext
	mw := BuildRequestContext(map[string]string{
		"actor_id": "sub",
		"email":    "email",
		"roles":    "roles",
	})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx = model.RequestContextFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Language", "en-GB")
	ctx := WithClaims(req.Context(), map[string]any{
		"sub":   "crew-1",
		"email": "crew@example.com",
		"roles": []any{"crew", "manager"},
	})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req.WithContext(ctx))

	if rctx == nil {
		t.Fatal("request context not built")
	}
	if rctx.ActorID != "crew-1" {
		t.Errorf("ActorID = %q, want crew-1", rctx.ActorID)
	}
	if rctx.Email != "crew@example.com" {
		t.Errorf("Email = %q", rctx.Email)
	}
	if len(rctx.Roles) != 2 || rctx.Roles[0] != "crew" || rctx.Roles[1] != "manager" {
		t.Errorf("Roles = %v, want [crew manager]", rctx.Roles)
	}
	if rctx.Locale != "en-GB" {
		t.Errorf("Locale = %q, want en-GB", rctx.Locale)
	}
}

func TestBuildRequestContext_customClaimPaths(t *testing.T) {
	var rctx *model.RequestContext
	mw := BuildRequestContext(map[string]string{
		"actor_id": "crew_id",
		"roles":    "crew_roles",
	})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx = model.RequestContextFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	ctx := WithClaims(req.Context(), map[string]any{
		"crew_id":    "crew-7",
		"crew_roles": []string{"manager"},
	})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req.WithContext(ctx))

	if rctx.ActorID != "crew-7" {
		t.Errorf("ActorID = %q, want crew-7", rctx.ActorID)
	}
	if len(rctx.Roles) != 1 || rctx.Roles[0] != "manager" {
		t.Errorf("Roles = %v, want [manager]", rctx.Roles)
	}
}

func TestClaimStringSlice(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]any
		want   int
	}{
		{"any slice", map[string]any{"roles": []any{"crew", "admin"}}, 2},
		{"string slice", map[string]any{"roles": []string{"crew"}}, 1},
		{"mixed types skipped", map[string]any{"roles": []any{"crew", 42}}, 1},
		{"missing key", map[string]any{}, 0},
		{"nil claims", nil, 0},
		{"wrong type", map[string]any{"roles": "crew"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := claimStringSlice(tt.claims, "roles")
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d (%v)", len(got), tt.want, got)
			}
		})
	}
}
