// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the Gin HTTP handlers for the ask service.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kettleglass/kettle/services/ask"
	"github.com/kettleglass/kettle/services/ask/datatypes"
	"github.com/kettleglass/kettle/services/ask/middleware"
	"github.com/kettleglass/kettle/services/ask/prompt"
)

// AskRequest is the POST /v1/ask body. Question may be empty; the provider
// decides what to do with an empty request (a screenshot-only ask is valid).
type AskRequest struct {
	Question         string                       `json:"question"`
	TranscriptLines  []string                     `json:"transcriptLines,omitempty"`
	Turns            []datatypes.ConversationTurn `json:"turns,omitempty"`
	FromCamera       bool                         `json:"fromCamera,omitempty"`
	FromLiveInsights bool                         `json:"fromLiveInsights,omitempty"`
	UserMode         string                       `json:"userMode,omitempty"`
	Career           *prompt.CareerProfile        `json:"careerProfile,omitempty"`
	ScreenshotBase64 string                       `json:"screenshotBase64,omitempty"`
}

// AskResponse is returned once the request reaches a terminal state.
type AskResponse struct {
	State datatypes.RequestState `json:"state"`
}

// CancelRequest is the POST /v1/ask/cancel body.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// HandleAsk submits one ask request and blocks until it completes, fails,
// or is superseded by a newer request. The bearer token travels with the
// request so the orchestrator can refuse unauthenticated submissions
// before touching any state.
func HandleAsk(svc *ask.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}

		err := svc.Submit(c.Request.Context(), req.Question, ask.SubmitOptions{
			Token: middleware.ExtractBearerToken(c),
			History: datatypes.History{
				TranscriptLines: req.TranscriptLines,
				Turns:           req.Turns,
			},
			AttachmentBase64: req.ScreenshotBase64,
			FromCamera:       req.FromCamera,
			FromLiveInsights: req.FromLiveInsights,
			UserMode:         req.UserMode,
			Career:           req.Career,
		})
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, AskResponse{State: svc.State()})
	}
}

// HandleCancel cancels the in-flight request, if any. Always succeeds.
func HandleCancel(svc *ask.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CancelRequest
		_ = c.ShouldBindJSON(&req) // body is optional

		svc.Cancel(req.Reason)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// HandleClose cancels any in-flight request, resets the surface to its
// idle state, and hides it.
func HandleClose(svc *ask.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc.Close()
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// HandleState returns a snapshot of the current request state.
func HandleState(svc *ask.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, AskResponse{State: svc.State()})
	}
}

// HealthCheck reports daemon liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusForError maps orchestrator errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ask.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, ask.ErrModelNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, ask.ErrSurfaceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ask.ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
