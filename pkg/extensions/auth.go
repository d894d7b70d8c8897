// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned by AuthProvider implementations when a token
// is missing, malformed, expired, or revoked. Callers should map this to
// their transport's unauthorized response rather than exposing internal
// detail.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo describes an authenticated caller.
//
// # Thread Safety
//
// AuthInfo values are immutable after creation and safe to share.
type AuthInfo struct {
	// UserID uniquely identifies the account.
	UserID string

	// Email is the account email, if known.
	Email string

	// Roles lists granted roles, e.g. "user", "admin".
	Roles []string

	// Metadata carries provider-specific extras (plan tier, device id).
	Metadata map[string]string
}

// AuthProvider validates caller credentials.
//
// The ask orchestrator calls Validate at admission: a request from an
// unauthenticated caller is refused before any state is touched. HTTP
// middleware uses the same provider for the session-history endpoints.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	// Validate checks a bearer token and returns the caller's identity.
	// Returns ErrUnauthorized (possibly wrapped) for any invalid token.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as a fixed local user. This is the
// open-source default: a fully local install has exactly one user and no
// login flow.
type NopAuthProvider struct{}

var _ AuthProvider = (*NopAuthProvider)(nil)

// Validate implements AuthProvider. It never fails.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

// StaticTokenProvider authorizes exactly one pre-shared token. Useful for
// installs that expose kettled beyond localhost.
type StaticTokenProvider struct {
	// Token is the required bearer token. Empty means nothing validates.
	Token string
	// UserID reported for the authenticated caller.
	UserID string
}

var _ AuthProvider = (*StaticTokenProvider)(nil)

// Validate implements AuthProvider.
func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if p.Token == "" || token != p.Token {
		return nil, ErrUnauthorized
	}
	userID := p.UserID
	if userID == "" {
		userID = "local-user"
	}
	return &AuthInfo{UserID: userID, Roles: []string{"user"}}, nil
}
