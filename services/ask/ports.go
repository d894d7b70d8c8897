// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ask

import "github.com/kettleglass/kettle/services/ask/datatypes"

// StateSink is the orchestrator's view of the presentation surface. The
// orchestrator depends only on this narrow port, never on a concrete window
// or transport, which keeps the surface <-> orchestrator dependency cycle
// broken.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; publishes for one
// generation are serialized by the orchestrator, but Cancel/Close may call
// in from other goroutines.
type StateSink interface {
	// PublishState delivers a snapshot copy of the request state. Called
	// on every admission, every content delta, and every terminal
	// transition.
	PublishState(state datatypes.RequestState)

	// PublishStreamError signals a terminal, non-recoverable failure,
	// distinct from normal idle state so the surface can render it.
	PublishStreamError(message string)

	// SurfaceAvailable reports whether anything is listening. Streaming
	// aborts cleanly when the surface is gone.
	SurfaceAvailable() bool

	// RequestVisibility asks the surface to show or hide itself.
	RequestVisibility(visible bool)
}

// NopSink is a StateSink for headless use: it drops everything and reports
// the surface as available so requests are never refused.
type NopSink struct{}

var _ StateSink = (*NopSink)(nil)

func (NopSink) PublishState(datatypes.RequestState) {}
func (NopSink) PublishStreamError(string)           {}
func (NopSink) SurfaceAvailable() bool              { return true }
func (NopSink) RequestVisibility(bool)              {}
