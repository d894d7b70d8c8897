// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the shared request, state, and wire types for the
// ask service. It has no dependencies on other kettle packages so that the
// provider client, the orchestrator, and the handlers can all import it
// without cycles.
package datatypes

import "strings"

// RequestState is the single mutable record describing one ask surface.
//
// The orchestrator is the only writer. Everything outside the orchestrator
// sees copies of this struct, never a shared reference.
//
// At most one of Loading and Streaming is true at any time; both are false
// in the idle and error states. CurrentResponse only grows within one
// request generation and is cleared when a new, non-context-preserving
// request is admitted.
type RequestState struct {
	Visible         bool   `json:"visible"`
	Loading         bool   `json:"loading"`
	Streaming       bool   `json:"streaming"`
	CurrentQuestion string `json:"currentQuestion"`
	CurrentResponse string `json:"currentResponse"`
	ShowTextInput   bool   `json:"showTextInput"`
}

// InitialRequestState returns the idle state a fresh ask surface starts in.
func InitialRequestState() RequestState {
	return RequestState{ShowTextInput: true}
}

// ConversationTurn is one prior question/response pair supplied by the
// caller for context preservation. The orchestrator never stores these
// beyond a single Submit call.
type ConversationTurn struct {
	Question string `json:"question"`
	Response string `json:"response"`
}

// History carries prior conversation context into a Submit call. The caller
// decides the variant explicitly: raw transcript lines from speech-to-text,
// or structured question/answer turns. Setting both is invalid; transcript
// lines win if it happens.
type History struct {
	TranscriptLines []string           `json:"transcriptLines,omitempty"`
	Turns           []ConversationTurn `json:"turns,omitempty"`
}

// Empty reports whether the history carries no context at all.
func (h History) Empty() bool {
	return len(h.TranscriptLines) == 0 && len(h.Turns) == 0
}

// UsageInfo is the token-usage summary a provider may emit at most once per
// stream. Absence is legal.
type UsageInfo struct {
	TotalTokens int `json:"total_tokens"`
}

// ====================================================================
// Provider wire types
// ====================================================================

// Message is one chat-completion message. Content is either a plain string
// or a []ContentPart; the provider accepts both shapes and the fallback
// retry depends on the plain-string form.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is one element of a multimodal user message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL wraps a data: or https: image reference.
type ImageURL struct {
	URL string `json:"url"`
}

// BuildAskMessages builds the exact payload the provider expects for an ask
// request: a system message followed by a user message whose content is a
// parts array. When attachmentBase64 is non-empty an image part is appended
// as a JPEG data URL.
func BuildAskMessages(systemPrompt, question, attachmentBase64 string) []Message {
	parts := []ContentPart{
		{Type: "text", Text: "User Request: " + strings.TrimSpace(question)},
	}
	if attachmentBase64 != "" {
		parts = append(parts, ContentPart{
			Type:     "image_url",
			ImageURL: &ImageURL{URL: "data:image/jpeg;base64," + attachmentBase64},
		})
	}
	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: parts},
	}
}

// BuildTextOnlyMessages builds the fallback payload used after a multimodal
// rejection. The user content is a plain string here, not a parts array;
// some providers that reject image parts also reject single-element arrays.
func BuildTextOnlyMessages(systemPrompt, question string) []Message {
	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: "User Request: " + strings.TrimSpace(question)},
	}
}
