// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the orchestrator's HTTP surface.
package routes

import (
	"net/http"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Deps are the handlers and collaborators behind the route table.
type Deps struct {
	RAG       *handlers.RAGHandler
	Content   *handlers.ContentHandler
	AuthSetup handlers.AuthSetup

	// Claims resolves caller identity for /ask and /chat.
	Claims middleware.ClaimsResolver

	// Credentials feeds /health. Nil when the backend uses a static key.
	Credentials handlers.CredentialSource

	// Metrics serves /metrics. Nil disables the route.
	Metrics http.Handler

	// ServiceName enables otelgin tracing when set.
	ServiceName string
}

// SetupRoutes registers every route on router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	if deps.ServiceName != "" {
		router.Use(otelgin.Middleware(deps.ServiceName))
	}
	router.Use(middleware.RequestID())

	router.GET("/health", handlers.HandleHealth(deps.Credentials, nil))
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	router.GET("/auth_setup", handlers.HandleAuthSetup(deps.AuthSetup))
	router.GET("/redirect", handlers.HandleRedirect)
	router.GET("/content/*path", deps.Content.HandleContent)

	rag := router.Group("/")
	rag.Use(middleware.Claims(deps.Claims))
	{
		rag.POST("/ask", deps.RAG.HandleAsk)
		rag.POST("/chat", deps.RAG.HandleChat)
	}
}
