package dto

import (
	"time"

	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/internal/normalizer"
	"ledger-recon-engine/pkg/errors"
)

// Response is the envelope of every successful response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// PageResponse is the envelope of paginated list responses.
type PageResponse struct {
	Success    bool        `json:"success"`
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}

// OK wraps data in a successful envelope.
func OK(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

// NewPage wraps one page of a list.
func NewPage(data interface{}, total, page, pageSize int) PageResponse {
	totalPages := 0
	if pageSize > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	return PageResponse{
		Success:    true,
		Data:       data,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// NewHealthResponse creates a health response with current timestamp.
func NewHealthResponse() HealthResponse {
	return HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// RunAccepted is returned when a run has been queued.
type RunAccepted struct {
	RunID  string           `json:"run_id"`
	Scope  string           `json:"scope"`
	Status models.RunStatus `json:"status"`
}

// QuarantinedRecord describes one raw record that failed normalization.
type QuarantinedRecord struct {
	Index    int               `json:"index"`
	Side     models.RecordSide `json:"side"`
	RecordID string            `json:"record_id,omitempty"`
	Code     errors.ErrorCode  `json:"code"`
	Message  string            `json:"message"`
}

// IngestResponse reports what an ingestion stored and the run it triggered.
type IngestResponse struct {
	Scope       string              `json:"scope"`
	Received    int                 `json:"received"`
	Sources     int                 `json:"sources"`
	Ledgers     int                 `json:"ledgers"`
	Quarantined []QuarantinedRecord `json:"quarantined"`
	RunID       string              `json:"run_id,omitempty"`
}

// NewQuarantinedRecords flattens quarantined records for the response.
func NewQuarantinedRecords(list []normalizer.Quarantined) []QuarantinedRecord {
	out := make([]QuarantinedRecord, 0, len(list))
	for _, q := range list {
		item := QuarantinedRecord{
			Index:    q.Index,
			Side:     q.Raw.Side,
			RecordID: q.Raw.Fields[normalizer.FieldID],
		}
		if q.Error != nil {
			item.Code = q.Error.Code
			item.Message = q.Error.Error()
		}
		out = append(out, item)
	}
	return out
}

// DecisionResponse pairs the object a reviewer action changed with its log entry.
type DecisionResponse struct {
	Match     *models.Match            `json:"match,omitempty"`
	Exception *models.Exception        `json:"exception,omitempty"`
	Decision  *models.DecisionLogEntry `json:"decision"`
}
