package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fleetyard/crewflow/internal/instance"
	"github.com/fleetyard/crewflow/model"
)

func handleWorkflowStart(manager *instance.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		slug := chi.URLParam(r, "slug")

		var input instance.StartInput
		if err := decodeBody(r, &input); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := manager.Start(r.Context(), rctx, slug, input)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleInstanceGet(manager *instance.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		inst, err := manager.Get(r.Context(), rctx, instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceList(manager *instance.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		filters := model.InstanceFilters{
			SubjectID:    r.URL.Query().Get("subject_id"),
			TemplateSlug: r.URL.Query().Get("template_slug"),
			Status:       r.URL.Query().Get("status"),
			Limit:        queryInt(r, "limit", 20),
			Offset:       queryInt(r, "offset", 0),
		}

		instances, err := manager.List(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   instances,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleInstanceCancel(manager *instance.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		inst, err := manager.Cancel(r.Context(), rctx, instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

// decodeBody parses an optional JSON request body. An empty body decodes to
// the zero value.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
