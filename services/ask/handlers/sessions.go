// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kettleglass/kettle/services/ask/store"
)

// SessionMessagesResponse is the GET /v1/sessions/:sessionId/messages body.
type SessionMessagesResponse struct {
	SessionID string          `json:"sessionId"`
	Messages  []store.Message `json:"messages"`
}

// GetSessionMessages returns a session's messages in insertion order.
func GetSessionMessages(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")

		messages, err := st.Messages(c.Request.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if messages == nil {
			messages = []store.Message{}
		}
		c.JSON(http.StatusOK, SessionMessagesResponse{
			SessionID: sessionID,
			Messages:  messages,
		})
	}
}
