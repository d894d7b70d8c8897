// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package billing reports consumed token usage to the account backend.
// Reporting is strictly best-effort: the orchestrator logs failures and
// never blocks or fails a user request on them.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Receipt is the backend's acknowledgement of a usage report.
type Receipt struct {
	Success   bool `json:"success"`
	Remaining int  `json:"remaining"`
}

// UsageReporter is the narrow billing port the orchestrator depends on.
type UsageReporter interface {
	// ReportTokensUsed records totalTokens consumed by one generation.
	ReportTokensUsed(ctx context.Context, totalTokens int) (*Receipt, error)
}

// ====================================================================
// HTTP reporter
// ====================================================================

// HTTPReporter posts usage to an account backend endpoint.
type HTTPReporter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

var _ UsageReporter = (*HTTPReporter)(nil)

// NewHTTPReporter builds a reporter for the given backend.
func NewHTTPReporter(baseURL, apiKey string) *HTTPReporter {
	return &HTTPReporter{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
	}
}

type usageRequest struct {
	TotalTokens int `json:"total_tokens"`
}

// ReportTokensUsed implements UsageReporter.
func (r *HTTPReporter) ReportTokensUsed(ctx context.Context, totalTokens int) (*Receipt, error) {
	payload, err := json.Marshal(usageRequest{TotalTokens: totalTokens})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal usage report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/v1/usage", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build usage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage report failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("usage endpoint returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, fmt.Errorf("failed to decode usage receipt: %w", err)
	}
	return &receipt, nil
}

// ====================================================================
// No-op reporter
// ====================================================================

// NopReporter acknowledges every report locally. Used when no account
// backend is configured (fully local installs).
type NopReporter struct {
	Log *slog.Logger
}

var _ UsageReporter = (*NopReporter)(nil)

// ReportTokensUsed implements UsageReporter.
func (n *NopReporter) ReportTokensUsed(_ context.Context, totalTokens int) (*Receipt, error) {
	if n.Log != nil {
		n.Log.Debug("usage report discarded (no billing backend)", "total_tokens", totalTokens)
	}
	return &Receipt{Success: true, Remaining: -1}, nil
}
