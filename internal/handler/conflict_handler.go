package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"taskdeck-conflict-engine/internal/detect"
	"taskdeck-conflict-engine/internal/domain"
	"taskdeck-conflict-engine/internal/resolve"
	"taskdeck-conflict-engine/pkg/response"
)

type ConflictHandler struct {
	pipeline *detect.Pipeline
	validate *validator.Validate
}

func NewConflictHandler(pipeline *detect.Pipeline) *ConflictHandler {
	return &ConflictHandler{
		pipeline: pipeline,
		validate: validator.New(),
	}
}

func (h *ConflictHandler) List(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.pipeline.Pending())
}

func (h *ConflictHandler) Get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	conflict, ok := h.pipeline.PendingByID(vars["id"])
	if !ok {
		response.NotFound(w, "conflict not found")
		return
	}
	response.JSON(w, http.StatusOK, conflict)
}

func (h *ConflictHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	conflictID := vars["id"]

	var req domain.ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	var params *resolve.Params
	if req.Strategy == domain.ResolutionManual {
		params = &resolve.Params{Selections: req.Selections}
	}

	result, err := h.pipeline.ResolvePending(r.Context(), conflictID, req.Strategy, params)
	if err != nil {
		h.writeResolutionError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, result)
}

func (h *ConflictHandler) Retry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	result, err := h.pipeline.Retry(r.Context(), vars["id"])
	if err != nil {
		h.writeResolutionError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, result)
}

func (h *ConflictHandler) Stats(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.pipeline.Stats())
}

func (h *ConflictHandler) writeResolutionError(w http.ResponseWriter, err error) {
	var resErr *resolve.ResolutionError
	var sumErr *resolve.ChecksumMismatchError
	switch {
	case errors.Is(err, detect.ErrConflictNotFound):
		response.NotFound(w, "conflict not found")
	case errors.As(err, &resErr), errors.As(err, &sumErr):
		response.BadRequest(w, err.Error())
	default:
		response.InternalError(w, err.Error())
	}
}
