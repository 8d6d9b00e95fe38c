// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package semql

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianSemQL/services/semql/ontology"
	"github.com/AleutianAI/AleutianSemQL/services/semql/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(t *testing.T, cfg ServiceConfig) (*gin.Engine, *Service) {
	t.Helper()
	svc := newTestService(t, cfg)
	r := gin.New()
	v1 := r.Group("/v1")
	RegisterRoutes(v1, NewHandlers(svc))
	return r, svc
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, _ := http.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleQuery_ExecutesEndToEnd(t *testing.T) {
	router, _ := setupTestRouter(t, ServiceConfig{})

	w := postJSON(t, router, "/v1/semql/query", QueryRequest{
		SessionID: "h1",
		Text:      "按结算平台查收益额",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp QueryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != session.StatusExecuted {
		t.Fatalf("status = %s, want %s (prompt %q)", resp.Status, session.StatusExecuted, resp.Prompt)
	}
	if !strings.Contains(resp.SQL, "SUM(t_revenue_data.amount)") {
		t.Errorf("unexpected SQL: %s", resp.SQL)
	}
	if len(resp.Rows) != 2 {
		t.Errorf("rows = %d, want 2", len(resp.Rows))
	}
}

func TestHandleQuery_ClarificationRoundTrip(t *testing.T) {
	router, _ := setupTestRouter(t, ServiceConfig{})

	w := postJSON(t, router, "/v1/semql/query", QueryRequest{SessionID: "h2", Text: "平台"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var resp QueryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != session.StatusClarifying || len(resp.Candidates) != 2 {
		t.Fatalf("expected clarification with 2 candidates, got %+v", resp)
	}

	w = postJSON(t, router, "/v1/semql/query", QueryRequest{SessionID: "h2", Text: "1"})
	if w.Code != http.StatusOK {
		t.Fatalf("selection: expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
}

func TestHandleQuery_MissingParameters(t *testing.T) {
	router, _ := setupTestRouter(t, ServiceConfig{})

	for _, body := range []any{
		QueryRequest{SessionID: "h3"},
		QueryRequest{Text: "收益额"},
		gin.H{},
	} {
		w := postJSON(t, router, "/v1/semql/query", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %+v: expected status %d, got %d", body, http.StatusBadRequest, w.Code)
			continue
		}
		var errResp ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &errResp)
		if errResp.Code != "MISSING_PARAMETER" {
			t.Errorf("code = %q, want MISSING_PARAMETER", errResp.Code)
		}
	}
}

func TestHandleQuery_AbandonedSessionIsGone(t *testing.T) {
	router, _ := setupTestRouter(t, ServiceConfig{
		Sessions: session.NewStore(session.WithMaxClarifyAttempts(1)),
	})

	// First ambiguous utterance spends the single clarification attempt.
	w := postJSON(t, router, "/v1/semql/query", QueryRequest{SessionID: "h4", Text: "平台"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	// A reply that narrows nothing exhausts the budget.
	w = postJSON(t, router, "/v1/semql/query", QueryRequest{SessionID: "h4", Text: "平台"})
	if w.Code != http.StatusGone {
		t.Fatalf("expected status %d, got %d: %s", http.StatusGone, w.Code, w.Body.String())
	}
	var errResp ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &errResp)
	if errResp.Code != "SESSION_ABANDONED" {
		t.Errorf("code = %q, want SESSION_ABANDONED", errResp.Code)
	}
}

func TestHandleQuery_ExecutionFailureIsBadGateway(t *testing.T) {
	// The ontology points at a database file that was never seeded, so the
	// query compiles but the table does not exist.
	emptyDB := filepath.Join(t.TempDir(), "empty.db")
	router, _ := setupTestRouter(t, ServiceConfig{
		Store: ontology.NewStaticStore(testContents(emptyDB)),
	})

	w := postJSON(t, router, "/v1/semql/query", QueryRequest{
		SessionID: "h5",
		Text:      "按结算平台查收益额",
	})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected status %d, got %d: %s", http.StatusBadGateway, w.Code, w.Body.String())
	}
	var errResp ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &errResp)
	if errResp.Code != "EXECUTION_FAILED" {
		t.Errorf("code = %q, want EXECUTION_FAILED", errResp.Code)
	}
}

func TestHandleGetSession(t *testing.T) {
	router, _ := setupTestRouter(t, ServiceConfig{})

	postJSON(t, router, "/v1/semql/query", QueryRequest{SessionID: "h6", Text: "按结算平台查收益额"})

	req, _ := http.NewRequest("GET", "/v1/semql/sessions/h6", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var sess session.Session
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sess.Status != session.StatusExecuted {
		t.Errorf("status = %s, want %s", sess.Status, session.StatusExecuted)
	}

	req, _ = http.NewRequest("GET", "/v1/semql/sessions/never-seen", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown session: expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestHandleResetSession(t *testing.T) {
	router, _ := setupTestRouter(t, ServiceConfig{})

	postJSON(t, router, "/v1/semql/query", QueryRequest{SessionID: "h7", Text: "按结算平台查收益额"})

	req, _ := http.NewRequest("POST", "/v1/semql/sessions/h7/reset", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, w.Code)
	}

	// The replacement session starts with no inferred slots.
	req, _ = http.NewRequest("GET", "/v1/semql/sessions/h7", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var sess session.Session
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sess.Status != session.StatusNew || len(sess.Slots) != 0 {
		t.Errorf("expected a fresh session, got status %s with %d slots", sess.Status, len(sess.Slots))
	}
}

func TestHandleSaveMapping_HotReload(t *testing.T) {
	router, _ := setupTestRouter(t, ServiceConfig{})

	// Teach a new alias for the revenue metric, then resolve through it
	// without a restart.
	w := postJSON(t, router, "/v1/semql/mappings", ontology.EntityMapping{
		Key: "revenue", Label: "收益额", Role: ontology.RoleMetric,
		Aliases: []string{"营收"},
		Table:   "t_revenue_data", Column: "amount",
		DefaultAgg: "SUM", SourceID: "edge",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("save mapping: expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var stored ontology.EntityMapping
	if err := json.Unmarshal(w.Body.Bytes(), &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stored.ID != "m1" {
		t.Errorf("upsert by key should keep the existing id, got %q", stored.ID)
	}

	w = postJSON(t, router, "/v1/semql/query", QueryRequest{
		SessionID: "h8",
		Text:      "按结算平台查营收",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("query with new alias: expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var resp QueryResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != session.StatusExecuted {
		t.Errorf("status = %s, want %s (prompt %q)", resp.Status, session.StatusExecuted, resp.Prompt)
	}
}

func TestHandleSaveMapping_Invalid(t *testing.T) {
	router, _ := setupTestRouter(t, ServiceConfig{})

	// Missing the table binding.
	w := postJSON(t, router, "/v1/semql/mappings", ontology.EntityMapping{
		Key: "orphan", Label: "孤儿", Role: ontology.RoleMetric, SourceID: "edge",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d: %s", http.StatusBadRequest, w.Code, w.Body.String())
	}
	var errResp ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &errResp)
	if errResp.Code != "INVALID_MAPPING" {
		t.Errorf("code = %q, want INVALID_MAPPING", errResp.Code)
	}

	req, _ := http.NewRequest("POST", "/v1/semql/mappings", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleListMappings(t *testing.T) {
	router, _ := setupTestRouter(t, ServiceConfig{})

	req, _ := http.NewRequest("GET", "/v1/semql/mappings", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var resp struct {
		Mappings []ontology.EntityMapping `json:"mappings"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Mappings) != 4 {
		t.Errorf("mappings = %d, want 4", len(resp.Mappings))
	}
}

func TestHandleListSources_BlanksCredentials(t *testing.T) {
	router, _ := setupTestRouter(t, ServiceConfig{})

	req, _ := http.NewRequest("GET", "/v1/semql/datasources", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var resp struct {
		Sources []ontology.DataSource `json:"datasources"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].ID != "edge" {
		t.Fatalf("unexpected sources: %+v", resp.Sources)
	}
	if resp.Sources[0].ConnectionURL != "" {
		t.Errorf("connection url must not be exposed, got %q", resp.Sources[0].ConnectionURL)
	}
}

func TestHandleListTablesAndColumns(t *testing.T) {
	router, _ := setupTestRouter(t, ServiceConfig{})

	req, _ := http.NewRequest("GET", "/v1/semql/datasources/edge/tables", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("tables: expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var tables struct {
		Tables []string `json:"tables"`
	}
	json.Unmarshal(w.Body.Bytes(), &tables)
	if len(tables.Tables) != 1 || tables.Tables[0] != "t_revenue_data" {
		t.Errorf("tables = %v, want [t_revenue_data]", tables.Tables)
	}

	req, _ = http.NewRequest("GET", "/v1/semql/datasources/edge/tables/t_revenue_data/columns", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("columns: expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var cols struct {
		Columns []string `json:"columns"`
	}
	json.Unmarshal(w.Body.Bytes(), &cols)
	found := false
	for _, c := range cols.Columns {
		if c == "amount" {
			found = true
		}
	}
	if !found {
		t.Errorf("columns = %v, want amount present", cols.Columns)
	}

	req, _ = http.NewRequest("GET", "/v1/semql/datasources/no-such/tables", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadGateway {
		t.Errorf("unknown source: expected status %d, got %d", http.StatusBadGateway, w.Code)
	}
}

func TestHandleHealthAndReady(t *testing.T) {
	router, _ := setupTestRouter(t, ServiceConfig{})

	req, _ := http.NewRequest("GET", "/v1/semql/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health: expected status %d, got %d", http.StatusOK, w.Code)
	}

	req, _ = http.NewRequest("GET", "/v1/semql/ready", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("ready: expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var ready struct {
		Status     string `json:"status"`
		Generation uint64 `json:"generation"`
		Nodes      int    `json:"nodes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &ready); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ready.Status != "ready" || ready.Generation == 0 || ready.Nodes != 4 {
		t.Errorf("unexpected readiness: %+v", ready)
	}
}
