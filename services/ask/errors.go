// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ask

import "errors"

// Terminal failures surfaced to callers. Check with errors.Is; the HTTP
// layer maps them to status codes.
var (
	// ErrAuthRequired means the caller is not authenticated. Returned
	// before any state is touched.
	ErrAuthRequired = errors.New("authentication required")

	// ErrModelNotConfigured means no provider client is available.
	ErrModelNotConfigured = errors.New("AI model or API key not configured")

	// ErrSurfaceUnavailable means the presentation surface vanished and
	// there is nowhere to stream to.
	ErrSurfaceUnavailable = errors.New("ask surface is not available")

	// ErrProvider wraps any provider failure that survives the single
	// multimodal fallback. A partial response, if any, is still persisted.
	ErrProvider = errors.New("provider error")
)
