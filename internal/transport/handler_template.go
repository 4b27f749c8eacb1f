package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fleetyard/crewflow/internal/template"
	"github.com/fleetyard/crewflow/model"
)

func handleTemplateCreate(templates *template.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var input template.CreateInput
		if err := decodeBody(r, &input); err != nil {
			WriteError(w, err)
			return
		}

		tpl, err := templates.Create(r.Context(), rctx, input)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, tpl)
	}
}

func handleTemplateGet(templates *template.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slug := chi.URLParam(r, "slug")

		version := 0
		if raw := r.URL.Query().Get("version"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 1 {
				WriteBadRequest(w, "version must be a positive integer")
				return
			}
			version = v
		}

		tpl, err := templates.Get(r.Context(), slug, version)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, tpl)
	}
}

func handleTemplateActivate(templates *template.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		templateID := chi.URLParam(r, "templateId")

		tpl, err := templates.Activate(r.Context(), rctx, templateID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, tpl)
	}
}

func handleTemplateArchive(templates *template.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		templateID := chi.URLParam(r, "templateId")

		tpl, err := templates.Archive(r.Context(), rctx, templateID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, tpl)
	}
}
