package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ledger-recon-engine/internal/api/dto"
	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/internal/normalizer"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

// RunsHandler handles ingestion, runs and the scope summary.
type RunsHandler struct {
	*Base
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(service Service, log logger.Logger) *RunsHandler {
	return &RunsHandler{Base: NewBase(service, log)}
}

// Summary handles GET /reconciliation/:scope/summary.
func (h *RunsHandler) Summary(c *gin.Context) {
	summary, err := h.service.Summary(c.Request.Context(), c.Param("scope"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.WriteJSON(c, http.StatusOK, dto.OK(summary, ""))
}

// Start handles POST /reconciliation/:scope/run.
func (h *RunsHandler) Start(c *gin.Context) {
	run, err := h.service.StartRun(c.Request.Context(), c.Param("scope"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.WriteJSON(c, http.StatusAccepted, dto.OK(dto.RunAccepted{
		RunID:  run.ID,
		Scope:  run.Scope,
		Status: run.Status,
	}, "reconciliation run started"))
}

// Get handles GET /reconciliation/:scope/runs/:runId.
func (h *RunsHandler) Get(c *gin.Context) {
	run, err := h.service.GetRun(c.Request.Context(), c.Param("scope"), c.Param("runId"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.WriteJSON(c, http.StatusOK, dto.OK(run, ""))
}

// List handles GET /reconciliation/:scope/runs.
func (h *RunsHandler) List(c *gin.Context) {
	runs, err := h.service.ListRuns(c.Request.Context(), c.Param("scope"), ParseIntParam(c, "limit", 20))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	h.WriteJSON(c, http.StatusOK, dto.OK(runs, ""))
}

// Cancel handles POST /reconciliation/:scope/runs/:runId/cancel.
func (h *RunsHandler) Cancel(c *gin.Context) {
	run, err := h.service.CancelRun(c.Request.Context(), c.Param("scope"), c.Param("runId"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.WriteJSON(c, http.StatusAccepted, dto.OK(run, "cancellation requested"))
}

// Ingest handles POST /reconciliation/:scope/records. The body is either JSON with raw
// records or a multipart form with a CSV "file" and its "side". Unless skip_run is set,
// a run over the scope's backlog starts once the records are stored.
func (h *RunsHandler) Ingest(c *gin.Context) {
	scope := c.Param("scope")

	var req dto.IngestRequest
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		records, err := h.readUpload(c)
		if err != nil {
			h.HandleError(c, err)
			return
		}
		req.Records = records
		req.SkipRun = c.PostForm("skip_run") == "true"
	} else if err := c.ShouldBindJSON(&req); err != nil {
		h.WriteError(c, http.StatusBadRequest, dto.BadRequestError("invalid request body"))
		return
	}
	if len(req.Records) == 0 {
		h.WriteError(c, http.StatusBadRequest, dto.BadRequestError("records are required"))
		return
	}

	result, err := h.service.Ingest(c.Request.Context(), scope, req.Records)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	response := dto.IngestResponse{
		Scope:       result.Scope,
		Received:    result.Received,
		Sources:     result.Sources,
		Ledgers:     result.Ledgers,
		Quarantined: dto.NewQuarantinedRecords(result.Quarantined),
	}
	if !req.SkipRun && result.Sources+result.Ledgers > 0 {
		run, err := h.service.StartRun(c.Request.Context(), scope)
		if err != nil {
			h.HandleError(c, err)
			return
		}
		response.RunID = run.ID
	}

	h.WriteJSON(c, http.StatusAccepted, dto.OK(response, "records ingested"))
}

func (h *RunsHandler) readUpload(c *gin.Context) ([]normalizer.RawRecord, error) {
	side := models.RecordSide(strings.ToLower(c.PostForm("side")))
	if !side.IsValid() {
		return nil, errors.ValidationError(errors.CodeInvalidRequest, "side", side, nil).
			WithSuggestion("use source or ledger")
	}

	file, _, err := c.Request.FormFile("file")
	if err != nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "file", nil, err)
	}
	defer file.Close()

	return normalizer.ReadCSV(c.Request.Context(), file, side, nil)
}
