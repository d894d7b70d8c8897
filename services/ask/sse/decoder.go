// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sse decodes the server-sent-event stream an OpenAI-compatible
// chat-completion provider emits.
//
// # Description
//
// The stream is a sequence of text lines. Only lines starting with the
// "data: " prefix carry payloads. A payload of "[DONE]" terminates the
// stream; every other payload is a JSON frame carrying either a content
// delta (choices[0].delta.content) or a usage summary
// (choices[0].delta.usage.total_tokens). Frames that fail to parse are
// skipped silently so that one bad line cannot kill an otherwise good
// stream, and unknown fields never break decoding.
//
// # Limitations
//
//   - The decoder is single-use and not restartable. After the Done event
//     (or end of input) every subsequent Next returns (nil, nil).
//   - Lines longer than 1 MiB abort the stream with bufio.ErrTooLong.
//
// # Thread Safety
//
// A Decoder is not safe for concurrent use. The orchestrator owns exactly
// one reader goroutine per stream.
package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// EventType discriminates decoded events.
type EventType string

const (
	// EventContent carries a content delta, possibly empty.
	EventContent EventType = "content"
	// EventUsage carries the provider's token-usage summary.
	EventUsage EventType = "usage"
	// EventDone is the terminal sentinel. It is emitted at most once.
	EventDone EventType = "done"
)

// Event is one decoded provider event.
type Event struct {
	Type        EventType
	Content     string
	TotalTokens int
}

// maxLineBytes bounds a single SSE line. Content deltas are tiny; this
// guards against a misbehaving provider streaming an unbounded line.
const maxLineBytes = 1 << 20

// providerFrame mirrors just the fields we read from a chat-completion
// streaming frame. Everything else is ignored.
type providerFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Usage   *struct {
				TotalTokens int `json:"total_tokens"`
			} `json:"usage"`
		} `json:"delta"`
	} `json:"choices"`
}

// Decoder pulls events off a raw SSE body one at a time.
type Decoder struct {
	scanner *bufio.Scanner
	done    bool
}

// NewDecoder wraps a raw SSE body. The caller retains ownership of r and is
// responsible for closing it.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Decoder{scanner: sc}
}

// Next returns the next decoded event.
//
// # Outputs
//
//   - (*Event, nil) for each content, usage, or done event.
//   - (nil, nil) at end of input or on any call after the done event.
//   - (nil, ctx.Err()) if ctx is cancelled; checked once per line read.
//   - (nil, err) if the underlying reader fails mid-stream.
func (d *Decoder) Next(ctx context.Context) (*Event, error) {
	if d.done {
		return nil, nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return nil, err
			}
			d.done = true
			return nil, nil
		}
		line := strings.TrimSpace(d.scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			d.done = true
			return &Event{Type: EventDone}, nil
		}

		var frame providerFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			// Undecodable fragment. Skip it.
			continue
		}
		if len(frame.Choices) == 0 {
			continue
		}
		delta := frame.Choices[0].Delta
		if delta.Usage != nil {
			return &Event{Type: EventUsage, TotalTokens: delta.Usage.TotalTokens}, nil
		}
		return &Event{Type: EventContent, Content: delta.Content}, nil
	}
}
