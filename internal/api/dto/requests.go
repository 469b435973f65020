package dto

import (
	"ledger-recon-engine/internal/normalizer"
)

// IngestRequest carries raw records posted to a scope.
type IngestRequest struct {
	Records []normalizer.RawRecord `json:"records"`

	// SkipRun stores the records without starting a reconciliation run
	SkipRun bool `json:"skip_run"`
}

// ReviewRequest is the body of accept and reject calls.
type ReviewRequest struct {
	Reviewer string `json:"reviewer"`
	Reason   string `json:"reason"`
}

// AssignRequest hands an exception to an owner.
type AssignRequest struct {
	Owner string `json:"owner"`
	Actor string `json:"actor"`
}
