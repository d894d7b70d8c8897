// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kettleglass/kettle/services/ask/store"
)

func TestGetSessionMessages(t *testing.T) {
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	sessionID, err := st.GetOrCreateActiveSession(ctx, "ask")
	require.NoError(t, err)
	require.NoError(t, st.AppendMessage(ctx, sessionID, "user", "what is this?"))
	require.NoError(t, st.AppendMessage(ctx, sessionID, "assistant", "a teapot"))

	r := gin.New()
	r.GET("/v1/sessions/:sessionId/messages", GetSessionMessages(st))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+sessionID+"/messages", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp SessionMessagesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, sessionID, resp.SessionID)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "user", resp.Messages[0].Role)
	assert.Equal(t, "a teapot", resp.Messages[1].Content)
}

func TestGetSessionMessages_NotFound(t *testing.T) {
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	defer st.Close()

	r := gin.New()
	r.GET("/v1/sessions/:sessionId/messages", GetSessionMessages(st))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/nope/messages", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
