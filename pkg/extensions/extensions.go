// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the injection points the kettle core exposes.
//
// The open-source build runs fully local with no login flow and no message
// filtering; hosted or managed builds provide real implementations of these
// interfaces and inject them via ServiceOptions. Core packages depend only
// on these interfaces, never on concrete auth or filtering modules.
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
package extensions

import "context"

// MessageFilter transforms outbound text before it leaves the machine.
// Managed builds use it for PII redaction; the default passes text through
// untouched.
type MessageFilter interface {
	// FilterOutbound returns the text to actually send to the provider.
	FilterOutbound(ctx context.Context, text string) (string, error)
}

// NopMessageFilter passes text through unchanged.
type NopMessageFilter struct{}

var _ MessageFilter = (*NopMessageFilter)(nil)

// FilterOutbound implements MessageFilter.
func (f *NopMessageFilter) FilterOutbound(_ context.Context, text string) (string, error) {
	return text, nil
}

// ServiceOptions groups all extension points for service construction.
// Nil fields are replaced with no-op defaults by DefaultOptions.
type ServiceOptions struct {
	AuthProvider  AuthProvider
	MessageFilter MessageFilter
}

// DefaultOptions fills nil fields of opts with no-op implementations. A nil
// opts yields all defaults.
func DefaultOptions(opts *ServiceOptions) ServiceOptions {
	var out ServiceOptions
	if opts != nil {
		out = *opts
	}
	if out.AuthProvider == nil {
		out.AuthProvider = &NopAuthProvider{}
	}
	if out.MessageFilter == nil {
		out.MessageFilter = &NopMessageFilter{}
	}
	return out
}
