package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ledger-recon-engine/internal/api/dto"
	"ledger-recon-engine/internal/reconciler"
	"ledger-recon-engine/pkg/logger"
)

// ConfigHandler reads and changes per-scope policies at runtime.
type ConfigHandler struct {
	*Base
}

// NewConfigHandler creates a new config handler.
func NewConfigHandler(service Service, log logger.Logger) *ConfigHandler {
	return &ConfigHandler{Base: NewBase(service, log)}
}

// Get handles GET /reconciliation/:scope/config.
func (h *ConfigHandler) Get(c *gin.Context) {
	h.WriteJSON(c, http.StatusOK, dto.OK(h.service.Policy(c.Param("scope")), ""))
}

// Put handles PUT /reconciliation/:scope/config. Settings left out of the body keep
// their current value.
func (h *ConfigHandler) Put(c *gin.Context) {
	scope := c.Param("scope")
	policy := h.service.Policy(scope)
	if err := c.ShouldBindJSON(policy); err != nil {
		h.WriteError(c, http.StatusBadRequest, dto.BadRequestError("invalid request body"))
		return
	}

	if err := h.service.SetPolicy(c.Request.Context(), scope, policy); err != nil {
		h.HandleError(c, err)
		return
	}
	h.WriteJSON(c, http.StatusOK, dto.OK(h.service.Policy(scope), "policy updated"))
}

// Scopes handles GET /reconciliation.
func (h *ConfigHandler) Scopes(c *gin.Context) {
	scopes, err := h.service.Scopes(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if scopes == nil {
		scopes = []string{}
	}
	h.WriteJSON(c, http.StatusOK, dto.OK(scopes, ""))
}

var _ Service = (*reconciler.Service)(nil)
