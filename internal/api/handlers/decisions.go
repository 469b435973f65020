package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ledger-recon-engine/internal/api/dto"
	"ledger-recon-engine/internal/audit"
	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/pkg/logger"
)

// DecisionsHandler exposes the decision log. It is read-only.
type DecisionsHandler struct {
	*Base
}

// NewDecisionsHandler creates a new decisions handler.
func NewDecisionsHandler(service Service, log logger.Logger) *DecisionsHandler {
	return &DecisionsHandler{Base: NewBase(service, log)}
}

// List handles GET /reconciliation/:scope/decisions.
func (h *DecisionsHandler) List(c *gin.Context) {
	page := ParsePage(c)
	after, _ := strconv.ParseInt(c.Query("after"), 10, 64)

	entries, total, err := h.service.ListDecisions(c.Request.Context(), audit.Filter{
		Scope:         c.Param("scope"),
		Action:        models.DecisionAction(c.Query("action")),
		MatchID:       c.Query("match_id"),
		RunID:         c.Query("run_id"),
		AfterSequence: after,
		Limit:         page.Size,
		Offset:        page.Offset(),
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if entries == nil {
		entries = []*models.DecisionLogEntry{}
	}
	h.WriteJSON(c, http.StatusOK, dto.NewPage(entries, total, page.Number, page.Size))
}

// Verify handles GET /reconciliation/:scope/decisions/verify.
func (h *DecisionsHandler) Verify(c *gin.Context) {
	result, err := h.service.VerifyDecisions(c.Request.Context(), c.Param("scope"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.WriteJSON(c, http.StatusOK, dto.OK(result, ""))
}
