package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ledger-recon-engine/internal/api/dto"
	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/pkg/logger"
)

// ExceptionsHandler serves the review queue of unmatched records.
type ExceptionsHandler struct {
	*Base
}

// NewExceptionsHandler creates a new exceptions handler.
func NewExceptionsHandler(service Service, log logger.Logger) *ExceptionsHandler {
	return &ExceptionsHandler{Base: NewBase(service, log)}
}

// List handles GET /reconciliation/:scope/exceptions. Without a status filter only open
// exceptions are listed, most severe first.
func (h *ExceptionsHandler) List(c *gin.Context) {
	var statuses []models.ExceptionStatus
	for _, s := range ParseList(c, "status") {
		statuses = append(statuses, models.ExceptionStatus(s))
	}
	page := ParsePage(c)

	list, total, err := h.service.ListExceptions(c.Request.Context(), c.Param("scope"), statuses, page)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if list == nil {
		list = []*models.Exception{}
	}
	h.WriteJSON(c, http.StatusOK, dto.NewPage(list, total, page.Number, page.Size))
}

// Get handles GET /reconciliation/:scope/exceptions/:id.
func (h *ExceptionsHandler) Get(c *gin.Context) {
	e, err := h.service.GetException(c.Request.Context(), c.Param("scope"), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.WriteJSON(c, http.StatusOK, dto.OK(e, ""))
}

// Assign handles POST /reconciliation/:scope/exceptions/:id/assign.
func (h *ExceptionsHandler) Assign(c *gin.Context) {
	var req dto.AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.WriteError(c, http.StatusBadRequest, dto.BadRequestError("invalid request body"))
		return
	}
	if req.Actor == "" {
		req.Actor = req.Owner
	}

	e, entry, err := h.service.AssignException(c.Request.Context(), c.Param("scope"), c.Param("id"), req.Owner, req.Actor)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.WriteJSON(c, http.StatusOK, dto.OK(dto.DecisionResponse{Exception: e, Decision: entry}, "exception assigned"))
}

// WriteOff handles POST /reconciliation/:scope/exceptions/:id/write-off.
func (h *ExceptionsHandler) WriteOff(c *gin.Context) {
	var req dto.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.WriteError(c, http.StatusBadRequest, dto.BadRequestError("invalid request body"))
		return
	}

	e, entry, err := h.service.WriteOff(c.Request.Context(), c.Param("scope"), c.Param("id"), req.Reviewer, req.Reason)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.WriteJSON(c, http.StatusOK, dto.OK(dto.DecisionResponse{Exception: e, Decision: entry}, "exception written off"))
}
