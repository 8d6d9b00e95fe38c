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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all semql routes with the router.
//
// Description:
//
//	Registers all /v1/semql/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Query Endpoints:
//
//	POST /v1/semql/query - Submit an utterance for a session
//	GET  /v1/semql/sessions/:id - Inspect session state
//	POST /v1/semql/sessions/:id/reset - Discard session state
//
// Ontology Admin Endpoints:
//
//	GET  /v1/semql/mappings - List entity mappings
//	POST /v1/semql/mappings - Register or update a mapping
//	GET  /v1/semql/datasources - List data sources
//	POST /v1/semql/datasources - Register a data source
//	GET  /v1/semql/datasources/:id/tables - Probe tables
//	GET  /v1/semql/datasources/:id/tables/:table/columns - Probe columns
//
// Health Endpoints:
//
//	GET  /v1/semql/health - Health check
//	GET  /v1/semql/ready - Readiness check
//
// Example:
//
//	service, _ := semql.NewService(ctx, cfg)
//	handlers := semql.NewHandlers(service)
//
//	v1 := router.Group("/v1")
//	semql.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	semql := rg.Group("/semql")
	{
		// Query lifecycle
		semql.POST("/query", handlers.HandleQuery)
		semql.GET("/sessions/:id", handlers.HandleGetSession)
		semql.POST("/sessions/:id/reset", handlers.HandleResetSession)

		// Ontology administration
		semql.GET("/mappings", handlers.HandleListMappings)
		semql.POST("/mappings", handlers.HandleSaveMapping)
		semql.GET("/datasources", handlers.HandleListSources)
		semql.POST("/datasources", handlers.HandleSaveSource)
		semql.GET("/datasources/:id/tables", handlers.HandleListTables)
		semql.GET("/datasources/:id/tables/:table/columns", handlers.HandleListColumns)

		// Health checks
		semql.GET("/health", handlers.HandleHealth)
		semql.GET("/ready", handlers.HandleReady)
	}
}
