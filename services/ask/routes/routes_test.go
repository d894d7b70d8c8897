// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kettleglass/kettle/pkg/extensions"
	"github.com/kettleglass/kettle/pkg/logging"
	"github.com/kettleglass/kettle/services/ask"
	"github.com/kettleglass/kettle/services/ask/handlers"
	"github.com/kettleglass/kettle/services/ask/store"
)

func newTestRouter(t *testing.T, opts extensions.ServiceOptions) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := logging.New(logging.Config{Level: logging.LevelError, Quiet: true})
	hub := handlers.NewEventHub(log)
	svc := ask.New(ask.Deps{Store: st, Sink: hub, Logger: log})

	r := gin.New()
	SetupRoutes(r, svc, hub, st, extensions.DefaultOptions(&opts))
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestSetupRoutes_Health(t *testing.T) {
	r := newTestRouter(t, extensions.ServiceOptions{})
	assert.Equal(t, http.StatusOK, get(r, "/healthz").Code)
}

func TestSetupRoutes_Metrics(t *testing.T) {
	r := newTestRouter(t, extensions.ServiceOptions{})
	assert.Equal(t, http.StatusOK, get(r, "/metrics").Code)
}

func TestSetupRoutes_StateEndpoint(t *testing.T) {
	r := newTestRouter(t, extensions.ServiceOptions{})
	w := get(r, "/v1/ask/state")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "showTextInput")
}

func TestSetupRoutes_SessionsRequireAuth(t *testing.T) {
	r := newTestRouter(t, extensions.ServiceOptions{
		AuthProvider: &extensions.StaticTokenProvider{Token: "secret"},
	})

	w := get(r, "/v1/sessions/some-id/messages")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/some-id/messages", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	// Authenticated but unknown session.
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetupRoutes_UnknownRoute(t *testing.T) {
	r := newTestRouter(t, extensions.ServiceOptions{})
	assert.Equal(t, http.StatusNotFound, get(r, "/v1/nope").Code)
}
