package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetyard/crewflow/internal/review"
	"github.com/fleetyard/crewflow/model"
)

func handleReviewDecide(reviews *review.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		progressID := chi.URLParam(r, "progressId")

		var body struct {
			Action string `json:"action"`
			Notes  string `json:"notes"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		decided, err := reviews.Decide(r.Context(), rctx, progressID, body.Action, body.Notes)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, decided)
	}
}

func handleReviewList(reviews *review.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		list, err := reviews.ListForInstance(r.Context(), rctx, instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": list})
	}
}
