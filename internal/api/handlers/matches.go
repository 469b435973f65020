package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ledger-recon-engine/internal/api/dto"
	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/internal/reconciler"
	"ledger-recon-engine/pkg/logger"
)

// MatchesHandler handles suggestions and reviewer decisions on matches.
type MatchesHandler struct {
	*Base
}

// NewMatchesHandler creates a new matches handler.
func NewMatchesHandler(service Service, log logger.Logger) *MatchesHandler {
	return &MatchesHandler{Base: NewBase(service, log)}
}

// ListSuggestions handles GET /reconciliation/:scope/suggestions.
func (h *MatchesHandler) ListSuggestions(c *gin.Context) {
	page := ParsePage(c)
	list, total, err := h.service.ListSuggestions(c.Request.Context(), c.Param("scope"), page)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.writeMatches(c, list, total, page)
}

// List handles GET /reconciliation/:scope/matches?state=active,suggested.
func (h *MatchesHandler) List(c *gin.Context) {
	var states []models.MatchState
	for _, s := range ParseList(c, "state") {
		states = append(states, models.MatchState(s))
	}
	page := ParsePage(c)

	list, total, err := h.service.ListMatches(c.Request.Context(), c.Param("scope"), states, page)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.writeMatches(c, list, total, page)
}

func (h *MatchesHandler) writeMatches(c *gin.Context, list []*models.Match, total int, page reconciler.Page) {
	if list == nil {
		list = []*models.Match{}
	}
	h.WriteJSON(c, http.StatusOK, dto.NewPage(list, total, page.Number, page.Size))
}

// Accept handles POST /reconciliation/:scope/suggestions/:id/accept.
func (h *MatchesHandler) Accept(c *gin.Context) {
	var req dto.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.WriteError(c, http.StatusBadRequest, dto.BadRequestError("invalid request body"))
		return
	}

	entry, err := h.service.AcceptSuggestion(c.Request.Context(), c.Param("scope"), c.Param("id"), req.Reviewer)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.WriteJSON(c, http.StatusOK, dto.OK(dto.DecisionResponse{Decision: entry}, "suggestion accepted"))
}

// Reject handles POST /reconciliation/:scope/suggestions/:id/reject.
func (h *MatchesHandler) Reject(c *gin.Context) {
	var req dto.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.WriteError(c, http.StatusBadRequest, dto.BadRequestError("invalid request body"))
		return
	}

	entry, err := h.service.RejectSuggestion(c.Request.Context(), c.Param("scope"), c.Param("id"), req.Reviewer, req.Reason)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.WriteJSON(c, http.StatusOK, dto.OK(dto.DecisionResponse{Decision: entry}, "suggestion rejected"))
}

// Manual handles POST /reconciliation/:scope/matches/manual.
func (h *MatchesHandler) Manual(c *gin.Context) {
	var req reconciler.ManualMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.WriteError(c, http.StatusBadRequest, dto.BadRequestError("invalid request body"))
		return
	}

	m, entry, err := h.service.ManualMatch(c.Request.Context(), c.Param("scope"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.WriteJSON(c, http.StatusCreated, dto.OK(dto.DecisionResponse{Match: m, Decision: entry}, "match created"))
}

// Reverse handles POST /reconciliation/:scope/matches/:id/reverse.
func (h *MatchesHandler) Reverse(c *gin.Context) {
	var req dto.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.WriteError(c, http.StatusBadRequest, dto.BadRequestError("invalid request body"))
		return
	}

	entry, err := h.service.ReverseMatch(c.Request.Context(), c.Param("scope"), c.Param("id"), req.Reviewer, req.Reason)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.WriteJSON(c, http.StatusOK, dto.OK(dto.DecisionResponse{Decision: entry}, "match reversed"))
}
