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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianSemQL/services/semql/executor"
	"github.com/AleutianAI/AleutianSemQL/services/semql/ontology"
	"github.com/AleutianAI/AleutianSemQL/services/semql/session"
)

// ErrorResponse is the uniform error body for all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// QueryRequest is the body for POST /v1/semql/query.
type QueryRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Text      string `json:"text" binding:"required"`
}

// Handlers holds the HTTP handlers for the semql service.
type Handlers struct {
	service *Service
}

// NewHandlers creates Handlers backed by the given service.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// HandleQuery handles POST /v1/semql/query.
//
// Description:
//
//	Submits one utterance to a session. The response either carries the
//	executed result (SQL, rows, canonical path) or a clarification
//	prompt with candidates the next utterance can select from.
//
// Response:
//
//	200 OK: QueryResponse
//	400 Bad Request: Malformed body
//	410 Gone: Session abandoned (attempts exhausted or idle timeout)
//	502 Bad Gateway: Execution collaborator failed
//
// Thread Safety: Safe for concurrent use.
func (h *Handlers) HandleQuery(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleQuery")

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "session_id and text are required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}

	resp, err := h.service.SubmitQuery(c.Request.Context(), req.SessionID, req.Text)
	if err != nil {
		var abandoned *session.AbandonedError
		if errors.As(err, &abandoned) {
			c.JSON(http.StatusGone, ErrorResponse{
				Error: abandoned.Error(),
				Code:  "SESSION_ABANDONED",
			})
			return
		}
		var execErr *executor.ExecutionError
		if errors.As(err, &execErr) {
			logger.Error("execution failed",
				slog.String("source_id", execErr.SourceID),
				slog.String("error", execErr.Error()),
			)
			c.JSON(http.StatusBadGateway, ErrorResponse{
				Error: execErr.Error(),
				Code:  "EXECUTION_FAILED",
			})
			return
		}
		logger.Error("query failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "INTERNAL",
		})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleGetSession handles GET /v1/semql/sessions/:id.
func (h *Handlers) HandleGetSession(c *gin.Context) {
	snap := h.service.SessionSnapshot(c.Param("id"))
	if snap == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "unknown session",
			Code:  "SESSION_NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// HandleResetSession handles POST /v1/semql/sessions/:id/reset.
func (h *Handlers) HandleResetSession(c *gin.Context) {
	h.service.ResetSession(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// HandleListMappings handles GET /v1/semql/mappings.
func (h *Handlers) HandleListMappings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mappings": h.service.Mappings()})
}

// HandleSaveMapping handles POST /v1/semql/mappings.
//
// Description:
//
//	Registers or updates an entity mapping by ontology key and rebuilds
//	the alias index, so the new vocabulary resolves on the next query
//	without a restart.
//
// Response:
//
//	200 OK: The stored mapping, with its assigned id.
//	400 Bad Request: Mapping failed validation.
//
// Thread Safety: Safe for concurrent use.
func (h *Handlers) HandleSaveMapping(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSaveMapping")

	var mapping ontology.EntityMapping
	if err := c.ShouldBindJSON(&mapping); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "malformed mapping body",
			Code:  "MALFORMED_BODY",
		})
		return
	}

	stored, err := h.service.SaveMapping(c.Request.Context(), mapping)
	if err != nil {
		logger.Warn("mapping rejected", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_MAPPING",
		})
		return
	}
	logger.Info("mapping saved",
		slog.String("key", stored.Key),
		slog.String("id", stored.ID),
	)
	c.JSON(http.StatusOK, stored)
}

// HandleListSources handles GET /v1/semql/datasources.
func (h *Handlers) HandleListSources(c *gin.Context) {
	sources := h.service.Sources()
	// Never leak connection credentials through the admin surface.
	for i := range sources {
		sources[i].ConnectionURL = ""
	}
	c.JSON(http.StatusOK, gin.H{"datasources": sources})
}

// HandleSaveSource handles POST /v1/semql/datasources.
func (h *Handlers) HandleSaveSource(c *gin.Context) {
	var src ontology.DataSource
	if err := c.ShouldBindJSON(&src); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "malformed datasource body",
			Code:  "MALFORMED_BODY",
		})
		return
	}
	if err := h.service.SaveSource(c.Request.Context(), src); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_DATASOURCE",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleListTables handles GET /v1/semql/datasources/:id/tables.
func (h *Handlers) HandleListTables(c *gin.Context) {
	tables, err := h.service.ListTables(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: err.Error(),
			Code:  "PROBE_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tables": tables})
}

// HandleListColumns handles GET /v1/semql/datasources/:id/tables/:table/columns.
func (h *Handlers) HandleListColumns(c *gin.Context) {
	cols, err := h.service.ListColumns(c.Request.Context(), c.Param("id"), c.Param("table"))
	if err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: err.Error(),
			Code:  "PROBE_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"columns": cols})
}

// HandleHealth handles GET /v1/semql/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleReady handles GET /v1/semql/ready. Ready means an ontology
// generation is loaded.
func (h *Handlers) HandleReady(c *gin.Context) {
	snap := h.service.Snapshot()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "loading"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ready",
		"generation": snap.Generation(),
		"nodes":      snap.Len(),
	})
}
