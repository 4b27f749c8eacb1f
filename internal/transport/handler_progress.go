package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetyard/crewflow/internal/progress"
	"github.com/fleetyard/crewflow/model"
)

func handleProgressUpdate(tracker *progress.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		var req progress.UpdateRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		req.IdempotencyKey = r.Header.Get("X-Idempotency-Key")

		result, err := tracker.UpdateProgress(r.Context(), rctx, instanceID, req)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleProgressList(tracker *progress.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		entries, err := tracker.ListEntries(r.Context(), rctx, instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
	}
}
