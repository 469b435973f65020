// Package handlers implements the reconciliation HTTP endpoints.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"ledger-recon-engine/internal/api/dto"
	"ledger-recon-engine/internal/audit"
	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/internal/normalizer"
	"ledger-recon-engine/internal/reconciler"
	"ledger-recon-engine/pkg/errors"
	"ledger-recon-engine/pkg/logger"
)

// Service is the part of the reconciliation service the handlers call.
type Service interface {
	Ingest(ctx context.Context, scope string, raws []normalizer.RawRecord) (*reconciler.IngestResult, error)
	StartRun(ctx context.Context, scope string) (*models.Run, error)
	GetRun(ctx context.Context, scope, runID string) (*models.Run, error)
	ListRuns(ctx context.Context, scope string, limit int) ([]*models.Run, error)
	CancelRun(ctx context.Context, scope, runID string) (*models.Run, error)
	Summary(ctx context.Context, scope string) (*reconciler.Summary, error)

	ListExceptions(ctx context.Context, scope string, statuses []models.ExceptionStatus, page reconciler.Page) ([]*models.Exception, int, error)
	GetException(ctx context.Context, scope, id string) (*models.Exception, error)
	AssignException(ctx context.Context, scope, exceptionID, owner, actor string) (*models.Exception, *models.DecisionLogEntry, error)
	WriteOff(ctx context.Context, scope, exceptionID, reviewer, reason string) (*models.Exception, *models.DecisionLogEntry, error)

	ListSuggestions(ctx context.Context, scope string, page reconciler.Page) ([]*models.Match, int, error)
	ListMatches(ctx context.Context, scope string, states []models.MatchState, page reconciler.Page) ([]*models.Match, int, error)
	AcceptSuggestion(ctx context.Context, scope, matchID, reviewer string) (*models.DecisionLogEntry, error)
	RejectSuggestion(ctx context.Context, scope, matchID, reviewer, reason string) (*models.DecisionLogEntry, error)
	ManualMatch(ctx context.Context, scope string, req reconciler.ManualMatchRequest) (*models.Match, *models.DecisionLogEntry, error)
	ReverseMatch(ctx context.Context, scope, matchID, reviewer, reason string) (*models.DecisionLogEntry, error)

	ListDecisions(ctx context.Context, filter audit.Filter) ([]*models.DecisionLogEntry, int, error)
	VerifyDecisions(ctx context.Context, scope string) (*audit.VerificationResult, error)

	Policy(scope string) *reconciler.Policy
	SetPolicy(ctx context.Context, scope string, p *reconciler.Policy) error
	Scopes(ctx context.Context) ([]string, error)
}

// Base provides shared functionality for all handlers.
type Base struct {
	service Service
	logger  logger.Logger
}

// NewBase creates a new base handler.
func NewBase(service Service, log logger.Logger) *Base {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Base{service: service, logger: log}
}

// WriteJSON writes a JSON response with the given status code.
func (b *Base) WriteJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// WriteError writes an error response with the given status code.
func (b *Base) WriteError(c *gin.Context, status int, err dto.APIError) {
	c.AbortWithStatusJSON(status, err)
}

// HandleError maps an application error onto its HTTP status and error body.
func (b *Base) HandleError(c *gin.Context, err error) {
	reconcilerErr, ok := errors.AsReconcilerError(err)
	if !ok {
		reconcilerErr = errors.InternalError(errors.CodeUnexpectedError, c.FullPath(), err)
	}

	status := reconcilerErr.HTTPStatus()
	if status >= http.StatusInternalServerError && reconcilerErr.Code != errors.CodeLockTimeout {
		b.logger.WithError(err).WithField("path", c.Request.URL.Path).Error("Request failed")
	}
	if reconcilerErr.Retryable {
		c.Header("Retry-After", "1")
	}
	b.WriteError(c, status, dto.FromError(reconcilerErr))
}

// ParseIntParam parses an integer query parameter with a default value.
func ParseIntParam(c *gin.Context, name string, defaultVal int) int {
	val := c.Query(name)
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return parsed
}

// ParsePage reads the page and page_size query parameters.
func ParsePage(c *gin.Context) reconciler.Page {
	return reconciler.Page{
		Number: ParseIntParam(c, "page", 1),
		Size:   ParseIntParam(c, "page_size", reconciler.DefaultPageSize),
	}.Normalize()
}

// ParseList splits a comma separated query parameter, accepting repeated parameters too.
func ParseList(c *gin.Context, name string) []string {
	var out []string
	for _, raw := range c.QueryArray(name) {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
