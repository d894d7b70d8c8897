// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ask

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kettleglass/kettle/pkg/extensions"
	"github.com/kettleglass/kettle/pkg/logging"
	"github.com/kettleglass/kettle/services/ask/billing"
	"github.com/kettleglass/kettle/services/ask/datatypes"
	"github.com/kettleglass/kettle/services/ask/store"
	"github.com/kettleglass/kettle/services/llm"
)

// ====================================================================
// Fakes
// ====================================================================

type llmOutcome struct {
	body io.ReadCloser
	err  error
}

type fakeLLM struct {
	mu       sync.Mutex
	calls    [][]datatypes.Message
	outcomes []llmOutcome
}

func (f *fakeLLM) OpenStream(_ context.Context, messages []datatypes.Message,
	_ llm.GenerationParams) (io.ReadCloser, error) {

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, messages)
	if len(f.outcomes) == 0 {
		return io.NopCloser(strings.NewReader("data: [DONE]\n")), nil
	}
	out := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return out.body, out.err
}

func (f *fakeLLM) Model() string { return "fake-model" }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLLM) call(i int) []datatypes.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// sseBody renders content deltas (plus an optional usage frame) as a
// provider SSE body.
func sseBody(deltas []string, usageTokens int, done bool) io.ReadCloser {
	var sb strings.Builder
	for _, d := range deltas {
		fmt.Fprintf(&sb, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n", d)
	}
	if usageTokens > 0 {
		fmt.Fprintf(&sb, "data: {\"choices\":[{\"delta\":{\"usage\":{\"total_tokens\":%d}}}]}\n", usageTokens)
	}
	if done {
		sb.WriteString("data: [DONE]\n")
	}
	return io.NopCloser(strings.NewReader(sb.String()))
}

type storedMessage struct {
	role    string
	content string
}

type fakeStore struct {
	mu            sync.Mutex
	messages      []storedMessage
	failAssistant bool
	failAll       bool
}

func (f *fakeStore) GetOrCreateActiveSession(_ context.Context, _ string) (string, error) {
	if f.failAll {
		return "", errors.New("store down")
	}
	return "sess-1", nil
}

func (f *fakeStore) AppendMessage(_ context.Context, _, role, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll || (f.failAssistant && role == "assistant") {
		return errors.New("write failed")
	}
	f.messages = append(f.messages, storedMessage{role: role, content: content})
	return nil
}

func (f *fakeStore) Messages(context.Context, string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Message, 0, len(f.messages))
	for _, m := range f.messages {
		out = append(out, store.Message{Role: m.role, Content: m.content})
	}
	return out, nil
}

func (f *fakeStore) EndActiveSession(context.Context, string) error { return nil }
func (f *fakeStore) Close() error                                   { return nil }

var _ store.Store = (*fakeStore)(nil)

func (f *fakeStore) stored() []storedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storedMessage, len(f.messages))
	copy(out, f.messages)
	return out
}

type fakeBilling struct {
	mu     sync.Mutex
	totals []int
	err    error
}

func (f *fakeBilling) ReportTokensUsed(_ context.Context, total int) (*billing.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.totals = append(f.totals, total)
	return &billing.Receipt{Success: true, Remaining: 1000 - total}, nil
}

func (f *fakeBilling) reported() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.totals))
	copy(out, f.totals)
	return out
}

type fakeSink struct {
	mu         sync.Mutex
	snapshots  []datatypes.RequestState
	errs       []string
	visibility []bool
	available  bool
}

func (f *fakeSink) PublishState(state datatypes.RequestState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, state)
}

func (f *fakeSink) PublishStreamError(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, message)
}

func (f *fakeSink) SurfaceAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeSink) RequestVisibility(visible bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility = append(f.visibility, visible)
}

func (f *fakeSink) states() []datatypes.RequestState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]datatypes.RequestState, len(f.snapshots))
	copy(out, f.snapshots)
	return out
}

func (f *fakeSink) streamErrors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.errs))
	copy(out, f.errs)
	return out
}

type fakeAuth struct {
	authorized bool
}

func (f *fakeAuth) Validate(context.Context, string) (*extensions.AuthInfo, error) {
	if !f.authorized {
		return nil, extensions.ErrUnauthorized
	}
	return &extensions.AuthInfo{UserID: "u-1"}, nil
}

type testEnv struct {
	svc     *Service
	llm     *fakeLLM
	store   *fakeStore
	billing *fakeBilling
	sink    *fakeSink
	auth    *fakeAuth
}

func newTestEnv() *testEnv {
	env := &testEnv{
		llm:     &fakeLLM{},
		store:   &fakeStore{},
		billing: &fakeBilling{},
		sink:    &fakeSink{available: true},
		auth:    &fakeAuth{authorized: true},
	}
	env.svc = New(Deps{
		LLM:     env.llm,
		Store:   env.store,
		Billing: env.billing,
		Auth:    env.auth,
		Sink:    env.sink,
		Logger:  logging.New(logging.Config{Level: logging.LevelError, Quiet: true}),
	})
	return env
}

// ====================================================================
// Scenarios
// ====================================================================

func TestSubmit_HappyPath(t *testing.T) {
	env := newTestEnv()
	env.llm.outcomes = []llmOutcome{{body: sseBody([]string{"4"}, 0, true)}}

	err := env.svc.Submit(context.Background(), "What is 2+2?", SubmitOptions{})
	require.NoError(t, err)

	state := env.svc.State()
	assert.Equal(t, "4", state.CurrentResponse)
	assert.Equal(t, "What is 2+2?", state.CurrentQuestion)
	assert.False(t, state.Loading)
	assert.False(t, state.Streaming)
	assert.True(t, state.ShowTextInput)
	assert.True(t, state.Visible)

	msgs := env.store.stored()
	require.Len(t, msgs, 2)
	assert.Equal(t, storedMessage{"user", "What is 2+2?"}, msgs[0])
	assert.Equal(t, storedMessage{"assistant", "4"}, msgs[1])
	assert.Empty(t, env.sink.streamErrors())

	// System prompt for a plain question takes the persona path.
	sys := env.llm.call(0)[0]
	assert.Equal(t, "system", sys.Role)
	assert.Contains(t, sys.Content.(string), "Kettle")
}

func TestSubmit_Unauthenticated(t *testing.T) {
	env := newTestEnv()
	env.auth.authorized = false
	before := env.svc.State()

	err := env.svc.Submit(context.Background(), "hi", SubmitOptions{})
	require.ErrorIs(t, err, ErrAuthRequired)

	assert.Equal(t, before, env.svc.State(), "state must not change on auth failure")
	assert.Zero(t, env.llm.callCount())
	assert.Empty(t, env.store.stored())
	require.Len(t, env.sink.streamErrors(), 1)
	assert.Contains(t, env.sink.streamErrors()[0], "authentication required")
}

func TestSubmit_SingleFlight(t *testing.T) {
	env := newTestEnv()

	pr, pw := io.Pipe()
	defer pw.Close()
	env.llm.outcomes = []llmOutcome{
		{body: pr},
		{body: sseBody([]string{"B answer"}, 0, true)},
	}

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- env.svc.Submit(context.Background(), "A", SubmitOptions{})
	}()

	// Feed the first generation one delta and wait for it to land.
	go func() {
		_, _ = pw.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"A partial\"}}]}\n"))
	}()
	require.Eventually(t, func() bool {
		return env.svc.State().CurrentResponse == "A partial"
	}, 2*time.Second, 5*time.Millisecond)

	// Second submit supersedes the first and runs to completion.
	err := env.svc.Submit(context.Background(), "B", SubmitOptions{})
	require.NoError(t, err)

	// The superseded generation finishes without error.
	select {
	case err := <-firstDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded submit never returned")
	}

	state := env.svc.State()
	assert.Equal(t, "B", state.CurrentQuestion)
	assert.Equal(t, "B answer", state.CurrentResponse)

	// No snapshot after B's admission carries A's question or text.
	sawB := false
	for _, snap := range env.sink.states() {
		if snap.CurrentQuestion == "B" {
			sawB = true
		}
		if sawB {
			assert.NotEqual(t, "A", snap.CurrentQuestion)
			assert.NotContains(t, snap.CurrentResponse, "A partial")
		}
	}
	assert.True(t, sawB)

	// A's partial response was still persisted.
	var assistant []string
	for _, m := range env.store.stored() {
		if m.role == "assistant" {
			assistant = append(assistant, m.content)
		}
	}
	assert.Contains(t, assistant, "A partial")
	assert.Contains(t, assistant, "B answer")
}

func TestSubmit_CancelPersistsPartial(t *testing.T) {
	env := newTestEnv()
	pr, pw := io.Pipe()
	defer pw.Close()
	env.llm.outcomes = []llmOutcome{{body: pr}}

	done := make(chan error, 1)
	go func() {
		done <- env.svc.Submit(context.Background(), "count", SubmitOptions{})
	}()

	go func() {
		_, _ = pw.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n"))
		_, _ = pw.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n"))
	}()
	require.Eventually(t, func() bool {
		return env.svc.State().CurrentResponse == "Hello"
	}, 2*time.Second, 5*time.Millisecond)

	env.svc.Cancel("user pressed escape")

	select {
	case err := <-done:
		require.NoError(t, err, "cancellation is not an error")
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled submit never returned")
	}

	state := env.svc.State()
	assert.False(t, state.Streaming)
	assert.Equal(t, "Hello", state.CurrentResponse, "partial text stays visible")

	msgs := env.store.stored()
	require.Len(t, msgs, 2)
	assert.Equal(t, storedMessage{"assistant", "Hello"}, msgs[1])
	assert.Empty(t, env.sink.streamErrors(), "cancellation emits no error notification")
}

// ====================================================================
// Multimodal fallback
// ====================================================================

func TestSubmit_FallbackRetriesOnceTextOnly(t *testing.T) {
	env := newTestEnv()
	env.llm.outcomes = []llmOutcome{
		{err: errors.New("provider returned status 400: image_url unsupported")},
		{body: sseBody([]string{"fallback answer"}, 0, true)},
	}

	err := env.svc.Submit(context.Background(), "what is this?", SubmitOptions{
		AttachmentBase64: "AAAA",
	})
	require.NoError(t, err)
	require.Equal(t, 2, env.llm.callCount())

	// First call carries the image part.
	first := env.llm.call(0)
	parts := first[1].Content.([]datatypes.ContentPart)
	require.Len(t, parts, 2)
	assert.Equal(t, "image_url", parts[1].Type)

	// Retry drops the attachment and uses a plain-string user message.
	second := env.llm.call(1)
	content, ok := second[1].Content.(string)
	require.True(t, ok, "fallback user content must be a plain string")
	assert.Equal(t, "User Request: what is this?", content)

	assert.Equal(t, "fallback answer", env.svc.State().CurrentResponse)
}

func TestSubmit_FallbackSecondFailureSurfaces(t *testing.T) {
	env := newTestEnv()
	env.llm.outcomes = []llmOutcome{
		{err: errors.New("multimodal content unsupported")},
		{err: errors.New("rate limited, try later")},
	}

	err := env.svc.Submit(context.Background(), "q", SubmitOptions{AttachmentBase64: "AAAA"})
	require.ErrorIs(t, err, ErrProvider)
	assert.Contains(t, err.Error(), "rate limited", "retry's error is the surfaced one")
	assert.Equal(t, 2, env.llm.callCount(), "no second retry")

	require.Len(t, env.sink.streamErrors(), 1)
	state := env.svc.State()
	assert.False(t, state.Loading)
	assert.True(t, state.ShowTextInput)
}

func TestSubmit_NoFallbackWithoutAttachment(t *testing.T) {
	env := newTestEnv()
	env.llm.outcomes = []llmOutcome{{err: errors.New("image_url unsupported")}}

	err := env.svc.Submit(context.Background(), "q", SubmitOptions{})
	require.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, 1, env.llm.callCount())
}

func TestSubmit_NoFallbackForUnrelatedError(t *testing.T) {
	env := newTestEnv()
	env.llm.outcomes = []llmOutcome{{err: errors.New("connection refused")}}

	err := env.svc.Submit(context.Background(), "q", SubmitOptions{AttachmentBase64: "AAAA"})
	require.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, 1, env.llm.callCount())
}

// ====================================================================
// Bookkeeping
// ====================================================================

func TestSubmit_ReportsUsage(t *testing.T) {
	env := newTestEnv()
	env.llm.outcomes = []llmOutcome{{body: sseBody([]string{"ok"}, 42, true)}}

	require.NoError(t, env.svc.Submit(context.Background(), "q", SubmitOptions{}))
	assert.Equal(t, []int{42}, env.billing.reported())
}

func TestSubmit_UsageReportFailureIsNonFatal(t *testing.T) {
	env := newTestEnv()
	env.billing.err = errors.New("billing backend down")
	env.llm.outcomes = []llmOutcome{{body: sseBody([]string{"ok"}, 42, true)}}

	require.NoError(t, env.svc.Submit(context.Background(), "q", SubmitOptions{}))
	assert.Equal(t, "ok", env.svc.State().CurrentResponse)
}

func TestSubmit_PersistFailureIsNonFatal(t *testing.T) {
	env := newTestEnv()
	env.store.failAssistant = true
	env.llm.outcomes = []llmOutcome{{body: sseBody([]string{"ok"}, 0, true)}}

	require.NoError(t, env.svc.Submit(context.Background(), "q", SubmitOptions{}))
	assert.Equal(t, "ok", env.svc.State().CurrentResponse)
	assert.Empty(t, env.sink.streamErrors())
}

func TestSubmit_MalformedFrameMidStream(t *testing.T) {
	env := newTestEnv()
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n" +
		"data: {not valid json}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n" +
		"data: [DONE]\n"
	env.llm.outcomes = []llmOutcome{{body: io.NopCloser(strings.NewReader(body))}}

	require.NoError(t, env.svc.Submit(context.Background(), "q", SubmitOptions{}))
	assert.Equal(t, "Hello", env.svc.State().CurrentResponse)
}

func TestSubmit_ModelNotConfigured(t *testing.T) {
	env := newTestEnv()
	env.svc.llm = nil

	err := env.svc.Submit(context.Background(), "q", SubmitOptions{})
	require.ErrorIs(t, err, ErrModelNotConfigured)

	// The user message was persisted before the failure.
	msgs := env.store.stored()
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].role)
}

func TestSubmit_SurfaceUnavailable(t *testing.T) {
	env := newTestEnv()
	env.sink.available = false
	env.llm.outcomes = []llmOutcome{{body: sseBody([]string{"never shown"}, 0, true)}}

	err := env.svc.Submit(context.Background(), "q", SubmitOptions{})
	require.ErrorIs(t, err, ErrSurfaceUnavailable)
	assert.Empty(t, env.svc.State().CurrentResponse)
}

func TestSubmit_ContextPreservingKeepsResponse(t *testing.T) {
	env := newTestEnv()
	env.llm.outcomes = []llmOutcome{
		{body: sseBody([]string{"old answer"}, 0, true)},
		{err: errors.New("connection refused")},
	}

	require.NoError(t, env.svc.Submit(context.Background(), "first", SubmitOptions{}))
	require.Equal(t, "old answer", env.svc.State().CurrentResponse)

	opts := SubmitOptions{History: datatypes.History{
		Turns: []datatypes.ConversationTurn{{Question: "first", Response: "old answer"}},
	}}
	err := env.svc.Submit(context.Background(), "follow-up", opts)
	require.ErrorIs(t, err, ErrProvider)

	state := env.svc.State()
	assert.Equal(t, "follow-up", state.CurrentQuestion)
	assert.Equal(t, "old answer", state.CurrentResponse,
		"context-preserving admission keeps the previous response visible")
}

func TestCancel_Idempotent(t *testing.T) {
	env := newTestEnv()
	env.svc.Cancel("nothing in flight")
	env.svc.Cancel("")
}

func TestClose_ResetsStateAndHidesSurface(t *testing.T) {
	env := newTestEnv()
	env.llm.outcomes = []llmOutcome{{body: sseBody([]string{"answer"}, 0, true)}}
	require.NoError(t, env.svc.Submit(context.Background(), "q", SubmitOptions{}))

	env.svc.Close()

	assert.Equal(t, datatypes.InitialRequestState(), env.svc.State())
	vis := func() []bool {
		env.sink.mu.Lock()
		defer env.sink.mu.Unlock()
		out := make([]bool, len(env.sink.visibility))
		copy(out, env.sink.visibility)
		return out
	}()
	require.NotEmpty(t, vis)
	assert.False(t, vis[len(vis)-1], "close hides the surface")
}

func TestClose_InterruptsInFlightStream(t *testing.T) {
	env := newTestEnv()
	pr, pw := io.Pipe()
	defer pw.Close()
	env.llm.outcomes = []llmOutcome{{body: pr}}

	done := make(chan error, 1)
	go func() {
		done <- env.svc.Submit(context.Background(), "q", SubmitOptions{})
	}()
	require.Eventually(t, func() bool {
		return env.svc.State().Streaming
	}, 2*time.Second, 5*time.Millisecond)

	env.svc.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not return after close")
	}
	assert.Equal(t, datatypes.InitialRequestState(), env.svc.State())
}
