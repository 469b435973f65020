package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-recon-engine/internal/api"
	"ledger-recon-engine/internal/models"
	"ledger-recon-engine/internal/normalizer"
	"ledger-recon-engine/internal/reconciler"
	"ledger-recon-engine/internal/storage"
	"ledger-recon-engine/pkg/logger"
)

const scope = "acme-us"

type envelope struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	Message    string          `json:"message"`
	Total      int             `json:"total"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
	TotalPages int             `json:"total_pages"`
	Code       string          `json:"code"`
	Retryable  bool            `json:"retryable"`
}

type testServer struct {
	handler http.Handler
	service *reconciler.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	service, err := reconciler.NewService(storage.NewMemoryRepository(), reconciler.DefaultConfig(),
		reconciler.WithLogger(logger.Discard()))
	require.NoError(t, err)
	t.Cleanup(service.Close)

	server := api.NewServer(api.DefaultConfig(), service, logger.Discard())
	return &testServer{handler: server.Router(), service: service}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func checkPair() []normalizer.RawRecord {
	return []normalizer.RawRecord{
		{Side: models.SideSource, Fields: map[string]string{
			"id": "bank-1", "amount": "8,400.00", "currency": "USD", "value_date": "2026-02-05",
			"counterparty": "Northwind Traders", "reference": "CHK4821",
		}},
		{Side: models.SideLedger, Fields: map[string]string{
			"id": "gl-1", "amount": "8400.00", "currency": "USD", "value_date": "2026-02-03",
			"counterparty": "Northwind Traders Inc", "reference": "CHK4821", "account_code": "1100",
		}},
	}
}

func (s *testServer) ingestAndWait(t *testing.T, records []normalizer.RawRecord) {
	t.Helper()
	rec, env := s.do(t, http.MethodPost, "/reconciliation/"+scope+"/records", map[string]interface{}{"records": records})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var ingest struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &ingest))
	require.NotEmpty(t, ingest.RunID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.service.WaitRun(ctx, scope, ingest.RunID)
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestIngestRunsAndAutoMatches(t *testing.T) {
	s := newTestServer(t)
	s.ingestAndWait(t, checkPair())

	rec, env := s.do(t, http.MethodGet, "/reconciliation/"+scope+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary reconciler.Summary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, 1, summary.MatchedSources)
	assert.Equal(t, 0, summary.UnmatchedSources)
	assert.Equal(t, 100.0, summary.MatchRate)
	assert.Equal(t, 1, summary.RuleHits["exact"])

	rec, env = s.do(t, http.MethodGet, "/reconciliation/"+scope+"/matches?state=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.Total)

	var matches []models.Match
	require.NoError(t, json.Unmarshal(env.Data, &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, models.AcceptedByAuto, matches[0].AcceptedBy)
	assert.Equal(t, 98.0, matches[0].Confidence)

	rec, env = s.do(t, http.MethodGet, "/reconciliation/"+scope+"/decisions/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"valid":true`)
}

func TestIngestQuarantinesMalformedRecords(t *testing.T) {
	s := newTestServer(t)

	records := append(checkPair(), normalizer.RawRecord{Side: models.SideSource, Fields: map[string]string{
		"id": "bank-bad", "amount": "twelve", "currency": "USD", "value_date": "2026-02-05",
	}})
	rec, env := s.do(t, http.MethodPost, "/reconciliation/"+scope+"/records",
		map[string]interface{}{"records": records, "skip_run": true})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var ingest struct {
		Received    int `json:"received"`
		Sources     int `json:"sources"`
		Ledgers     int `json:"ledgers"`
		Quarantined []struct {
			Index    int    `json:"index"`
			RecordID string `json:"record_id"`
			Code     string `json:"code"`
		} `json:"quarantined"`
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &ingest))
	assert.Equal(t, 3, ingest.Received)
	assert.Equal(t, 1, ingest.Sources)
	assert.Equal(t, 1, ingest.Ledgers)
	require.Len(t, ingest.Quarantined, 1)
	assert.Equal(t, 2, ingest.Quarantined[0].Index)
	assert.Equal(t, "bank-bad", ingest.Quarantined[0].RecordID)
	assert.Equal(t, "invalid_amount", ingest.Quarantined[0].Code)
	assert.Empty(t, ingest.RunID)
}

func TestIngestCSVUpload(t *testing.T) {
	s := newTestServer(t)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	require.NoError(t, form.WriteField("side", "ledger"))
	require.NoError(t, form.WriteField("skip_run", "true"))
	file, err := form.CreateFormFile("file", "gl.csv")
	require.NoError(t, err)
	_, err = file.Write([]byte("id,amount,currency,date,payee,account\ngl-7,125.50,USD,2026-02-01,Globex,4000\n"))
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/reconciliation/"+scope+"/records", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"ledgers":1`)
}

func TestSuggestionReview(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodPut, "/reconciliation/"+scope+"/config",
		map[string]interface{}{"matching": map[string]interface{}{"auto_accept_threshold": 99}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 99.0, s.service.Policy(scope).Matching.AutoAcceptThreshold)
	assert.Equal(t, 3, s.service.Policy(scope).Matching.DateWindowDays, "unset settings keep their value")

	s.ingestAndWait(t, checkPair())

	rec, env := s.do(t, http.MethodGet, "/reconciliation/"+scope+"/suggestions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, env.Total)

	var suggestions []models.Match
	require.NoError(t, json.Unmarshal(env.Data, &suggestions))
	id := suggestions[0].ID

	t.Run("reviewer is required", func(t *testing.T) {
		rec, env := s.do(t, http.MethodPost, "/reconciliation/"+scope+"/suggestions/"+id+"/accept", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "missing_field", env.Code)
	})

	t.Run("accept", func(t *testing.T) {
		rec, env := s.do(t, http.MethodPost, "/reconciliation/"+scope+"/suggestions/"+id+"/accept",
			map[string]string{"reviewer": "jdoe"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, string(env.Data), `"action":"suggestion-accepted"`)
	})

	t.Run("second decision conflicts", func(t *testing.T) {
		rec, env := s.do(t, http.MethodPost, "/reconciliation/"+scope+"/suggestions/"+id+"/reject",
			map[string]string{"reviewer": "jdoe", "reason": "wrong payer"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "invalid_transition", env.Code)
	})
}

func TestInvalidPolicyRejected(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(t, http.MethodPut, "/reconciliation/"+scope+"/config",
		map[string]interface{}{"matching": map[string]interface{}{"auto_accept_threshold": 150}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_config", env.Code)
	assert.Equal(t, 90.0, s.service.Policy(scope).Matching.AutoAcceptThreshold)
}

func TestExceptionsEndpoints(t *testing.T) {
	s := newTestServer(t)

	t.Run("empty page", func(t *testing.T) {
		rec, env := s.do(t, http.MethodGet, "/reconciliation/"+scope+"/exceptions?page=1&page_size=10", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, env.Success)
		assert.Equal(t, 0, env.Total)
		assert.Equal(t, 10, env.PageSize)
		assert.JSONEq(t, `[]`, string(env.Data))
	})

	t.Run("unknown status", func(t *testing.T) {
		rec, _ := s.do(t, http.MethodGet, "/reconciliation/"+scope+"/exceptions?status=lost", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown exception", func(t *testing.T) {
		rec, env := s.do(t, http.MethodPost, "/reconciliation/"+scope+"/exceptions/nope/write-off",
			map[string]string{"reviewer": "jdoe", "reason": "duplicate"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "not_found", env.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/reconciliation/"+scope+"/exceptions/x/assign", bytes.NewBufferString("{"))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRunEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(t, http.MethodPost, "/reconciliation/"+scope+"/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &accepted))
	require.NotEmpty(t, accepted.RunID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.service.WaitRun(ctx, scope, accepted.RunID)
	require.NoError(t, err)

	rec, env = s.do(t, http.MethodGet, "/reconciliation/"+scope+"/runs/"+accepted.RunID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var run models.Run
	require.NoError(t, json.Unmarshal(env.Data, &run))
	assert.Equal(t, models.RunCompleted, run.Status)

	rec, _ = s.do(t, http.MethodGet, "/reconciliation/"+scope+"/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/reconciliation/"+scope+"/summary", nil)
	req.Header.Set("Origin", "http://localhost:4200")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:4200", rec.Header().Get("Access-Control-Allow-Origin"))
}
