// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kettleglass/kettle/pkg/extensions"
	"github.com/kettleglass/kettle/services/ask"
	"github.com/kettleglass/kettle/services/ask/handlers"
	"github.com/kettleglass/kettle/services/ask/middleware"
	"github.com/kettleglass/kettle/services/ask/store"
)

// SetupRoutes registers all HTTP routes for the ask daemon.
//
// The submit path does its own token validation inside the orchestrator so
// a refused request still produces a stream_error event; only the session
// administration routes go through the auth middleware.
func SetupRoutes(router *gin.Engine, svc *ask.Service, hub *handlers.EventHub,
	st store.Store, opts extensions.ServiceOptions) {

	router.GET("/healthz", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/ask", handlers.HandleAsk(svc))
		v1.POST("/ask/cancel", handlers.HandleCancel(svc))
		v1.POST("/ask/close", handlers.HandleClose(svc))
		v1.GET("/ask/state", handlers.HandleState(svc))
		v1.GET("/ask/events", hub.HandleEvents(svc.State))

		sessions := v1.Group("/sessions")
		sessions.Use(middleware.AuthMiddleware(opts.AuthProvider))
		{
			sessions.GET("/:sessionId/messages", handlers.GetSessionMessages(st))
		}
	}
}
