package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"github.com/farmregistry/farm-service/internal/application/farm"
	"github.com/farmregistry/farm-service/internal/domain"
	"github.com/farmregistry/farm-service/internal/transport/http/response"
)

type FarmService interface {
	Create(ctx context.Context, in farm.CreateInput) (domain.Farm, error)
	List(ctx context.Context, limit int) ([]domain.Farm, error)
}

type FarmHandler struct {
	svc FarmService
}

func NewFarmHandler(svc FarmService) *FarmHandler {
	return &FarmHandler{svc: svc}
}

// Create handles POST /farms.
func (h *FarmHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in farm.CreateInput
	if err := render.DecodeJSON(r.Body, &in); err != nil {
		response.WriteError(w, r, domain.ErrInvalidJSON(err))
		return
	}

	f, err := h.svc.Create(r.Context(), in)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	w.Header().Set("Location", "/farms/"+f.ID.String())
	response.Created(w, f)
}

// List handles GET /farms?limit=N.
func (h *FarmHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.WriteError(w, r, domain.ErrInvalidField("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}

	farms, err := h.svc.List(r.Context(), limit)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.OK(w, farms)
}
