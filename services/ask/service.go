// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ask implements the request orchestrator behind the ask surface:
// admission with authentication, cancel-on-supersede for in-flight
// generations, SSE stream consumption, the single multimodal fallback
// retry, and post-completion persistence and token accounting.
//
// # Description
//
// One Service instance owns one ask surface and its RequestState. Submit
// blocks until the generation it admits reaches a terminal state. A second
// Submit while one is in flight cancels the first generation and waits for
// its teardown before touching shared state, so exactly one streaming loop
// ever mutates the state.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. RequestState is
// mutated only under the internal mutex; everything external sees snapshot
// copies via the StateSink.
package ask

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kettleglass/kettle/pkg/extensions"
	"github.com/kettleglass/kettle/pkg/logging"
	"github.com/kettleglass/kettle/services/ask/billing"
	"github.com/kettleglass/kettle/services/ask/datatypes"
	"github.com/kettleglass/kettle/services/ask/fallback"
	"github.com/kettleglass/kettle/services/ask/observability"
	"github.com/kettleglass/kettle/services/ask/prompt"
	"github.com/kettleglass/kettle/services/ask/sse"
	"github.com/kettleglass/kettle/services/ask/store"
	"github.com/kettleglass/kettle/services/llm"
)

// sessionKind namespaces ask sessions in the store.
const sessionKind = "ask"

// Generation defaults reproduced on the provider wire.
const (
	defaultTemperature float32 = 0.7
	defaultMaxTokens           = 2048
)

// errSuperseded is the cancellation cause installed when a newer request
// takes over the surface.
var errSuperseded = errors.New("new request received")

// errRetired releases a generation's context after its terminal
// transition already ran.
var errRetired = errors.New("generation retired")

// SubmitOptions carries the optional inputs of one ask request.
type SubmitOptions struct {
	// Token is the caller's bearer token, validated at admission.
	Token string

	// History preserves prior context. A non-empty history marks the
	// request as context-preserving: the previous response text stays on
	// screen until new deltas replace it.
	History datatypes.History

	// AttachmentBase64 is a pre-encoded JPEG screenshot, or empty.
	AttachmentBase64 string

	FromCamera       bool
	FromLiveInsights bool

	// UserMode overrides the default persona prompt.
	UserMode string

	// Career tailors persona prompts; optional.
	Career *prompt.CareerProfile
}

// generation is one admitted request's lifetime. Its context doubles as
// the cancellation token: the cause carries the reason, and late events
// are discarded by comparing generation identity, never by timing.
type generation struct {
	id     string
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Deps are the collaborators a Service needs. LLM and Store are required
// for useful operation; everything else defaults to a no-op.
type Deps struct {
	LLM        llm.StreamingClient
	Store      store.Store
	Billing    billing.UsageReporter
	Auth       extensions.AuthProvider
	Filter     extensions.MessageFilter
	Classifier fallback.Classifier
	Sink       StateSink
	Metrics    *observability.AskMetrics
	Logger     *logging.Logger
	Buffers    BufferFactory
}

// Service is the ask request orchestrator.
type Service struct {
	llm        llm.StreamingClient
	store      store.Store
	billing    billing.UsageReporter
	auth       extensions.AuthProvider
	filter     extensions.MessageFilter
	classifier fallback.Classifier
	sink       StateSink
	metrics    *observability.AskMetrics
	log        *logging.Logger
	newBuffer  BufferFactory

	mu      sync.Mutex
	state   datatypes.RequestState
	current *generation
}

// New builds a Service, filling nil collaborators with defaults.
func New(deps Deps) *Service {
	if deps.Billing == nil {
		deps.Billing = &billing.NopReporter{}
	}
	if deps.Auth == nil {
		deps.Auth = &extensions.NopAuthProvider{}
	}
	if deps.Filter == nil {
		deps.Filter = &extensions.NopMessageFilter{}
	}
	if deps.Classifier == nil {
		deps.Classifier = fallback.NewSubstringClassifier()
	}
	if deps.Sink == nil {
		deps.Sink = NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Buffers == nil {
		deps.Buffers = func() (ResponseBuffer, error) { return NewPlainBuffer(), nil }
	}
	return &Service{
		llm:        deps.LLM,
		store:      deps.Store,
		billing:    deps.Billing,
		auth:       deps.Auth,
		filter:     deps.Filter,
		classifier: deps.Classifier,
		sink:       deps.Sink,
		metrics:    deps.Metrics,
		log:        deps.Logger,
		newBuffer:  deps.Buffers,
		state:      datatypes.InitialRequestState(),
	}
}

// State returns a snapshot copy of the current request state.
func (s *Service) State() datatypes.RequestState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Submit runs one ask request to its terminal state and blocks until then.
//
// # Inputs
//
//   - question: the user's text; trimmed before persistence.
//   - opts: see SubmitOptions.
//
// # Outputs
//
// A nil error on clean completion or cancellation. ErrAuthRequired,
// ErrModelNotConfigured, ErrSurfaceUnavailable, or a wrapped ErrProvider
// otherwise. Persistence and usage-report failures never surface here;
// they are logged and counted only.
func (s *Service) Submit(ctx context.Context, question string, opts SubmitOptions) error {
	if _, err := s.auth.Validate(ctx, opts.Token); err != nil {
		s.log.Error("ask request refused: caller not authenticated", "error", err)
		s.metrics.RecordError(observability.ErrorCodeAuthRequired)
		authErr := fmt.Errorf("%w: please log in through settings", ErrAuthRequired)
		s.sink.PublishStreamError(authErr.Error())
		return authErr
	}

	gen := s.admit(question, opts)
	defer func() {
		gen.cancel(errRetired)
		s.mu.Lock()
		if s.current == gen {
			s.current = nil
		}
		s.mu.Unlock()
		close(gen.done)
	}()

	return s.process(ctx, gen, question, opts)
}

// Cancel invalidates the in-flight generation, if any. Idempotent; safe
// with nothing in flight. The reason lands in debug logs and the
// generation's cancellation cause.
func (s *Service) Cancel(reason string) {
	if reason == "" {
		reason = "cancelled by user"
	}
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil {
		return
	}
	cur.cancel(errors.New(reason))
	s.log.Info("ask generation cancelled", "generation_id", cur.id, "reason", reason)
}

// Close cancels any in-flight generation, waits for its teardown, resets
// the state to idle, and hides the surface.
func (s *Service) Close() {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur != nil {
		cur.cancel(errors.New("ask surface closed"))
		<-cur.done
	}

	s.mu.Lock()
	s.state = datatypes.InitialRequestState()
	snapshot := s.state
	s.mu.Unlock()

	s.sink.PublishState(snapshot)
	s.sink.RequestVisibility(false)
}

// admit installs a new generation as the single in-flight request. Any
// previous generation is cancelled and fully torn down before shared state
// is touched, so two generations never interleave writes.
func (s *Service) admit(question string, opts SubmitOptions) *generation {
	for {
		s.mu.Lock()
		prev := s.current
		if prev == nil {
			break
		}
		prev.cancel(errSuperseded)
		s.mu.Unlock()
		<-prev.done
	}
	// s.mu is held here with no generation in flight.

	genCtx, cancel := context.WithCancelCause(context.Background())
	gen := &generation{
		id:     uuid.New().String(),
		ctx:    genCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.current = gen

	s.state.Visible = true
	s.state.Loading = true
	s.state.Streaming = false
	s.state.CurrentQuestion = question
	if opts.History.Empty() {
		s.state.CurrentResponse = ""
	}
	s.state.ShowTextInput = false
	snapshot := s.state
	s.mu.Unlock()

	s.sink.RequestVisibility(true)
	s.sink.PublishState(snapshot)
	s.log.Info("ask request admitted",
		"generation_id", gen.id,
		"question_len", len(question),
		"has_attachment", opts.AttachmentBase64 != "",
	)
	return gen
}

// process drives one admitted generation from persistence through
// streaming to its terminal transition.
func (s *Service) process(ctx context.Context, gen *generation, question string, opts SubmitOptions) error {
	started := time.Now()

	// Admission-time I/O finishes even if the caller's request context
	// dies; cancellation is honored before the streaming loop instead.
	persistCtx := context.WithoutCancel(ctx)

	sessionID, err := s.store.GetOrCreateActiveSession(persistCtx, sessionKind)
	if err != nil {
		s.metrics.RecordError(observability.ErrorCodePersistence)
		return s.fail(gen, sessionID, fmt.Errorf("failed to open session: %w", err), started)
	}
	if err := s.store.AppendMessage(persistCtx, sessionID, "user", strings.TrimSpace(question)); err != nil {
		s.metrics.RecordError(observability.ErrorCodePersistence)
		return s.fail(gen, sessionID, fmt.Errorf("failed to persist question: %w", err), started)
	}

	if s.llm == nil {
		s.metrics.RecordError(observability.ErrorCodeModelNotConfigured)
		return s.fail(gen, sessionID, ErrModelNotConfigured, started)
	}

	outbound, err := s.filter.FilterOutbound(persistCtx, question)
	if err != nil {
		// The provider must never see unfiltered text.
		return s.fail(gen, sessionID, fmt.Errorf("message filter failed: %w", err), started)
	}

	history := prompt.FormatHistory(opts.History)
	mode := prompt.Classify(outbound, prompt.Options{
		FromCamera:       opts.FromCamera,
		FromLiveInsights: opts.FromLiveInsights,
		UserMode:         opts.UserMode,
		Career:           opts.Career,
	})
	systemPrompt := prompt.SystemPrompt(mode, outbound, history, prompt.Options{Career: opts.Career})
	s.log.Debug("prompt selected", "generation_id", gen.id, "mode", string(mode))

	buf, err := s.newBuffer()
	if err != nil {
		return s.fail(gen, sessionID, fmt.Errorf("failed to allocate response buffer: %w", err), started)
	}
	defer buf.Destroy()

	// A cancellation that raced the admission I/O is honored before the
	// stream is opened.
	if gen.ctx.Err() != nil {
		s.log.Debug("generation cancelled before streaming",
			"generation_id", gen.id, "cause", context.Cause(gen.ctx))
		s.complete(gen, sessionID, "", nil, nil, started)
		return nil
	}

	temperature := defaultTemperature
	maxTokens := defaultMaxTokens
	params := llm.GenerationParams{Temperature: &temperature, MaxTokens: &maxTokens}

	messages := datatypes.BuildAskMessages(systemPrompt, outbound, opts.AttachmentBase64)
	body, err := s.llm.OpenStream(gen.ctx, messages, params)
	if err != nil && opts.AttachmentBase64 != "" && s.classifier.IsMultimodalRejection(err) {
		s.metrics.RecordFallbackRetry()
		s.log.Warn("multimodal request rejected, retrying text-only",
			"generation_id", gen.id, "error", err)
		body, err = s.llm.OpenStream(gen.ctx,
			datatypes.BuildTextOnlyMessages(systemPrompt, outbound), params)
	}
	if err != nil {
		if gen.ctx.Err() != nil {
			s.log.Debug("generation cancelled while opening stream",
				"generation_id", gen.id, "cause", context.Cause(gen.ctx))
			s.complete(gen, sessionID, "", nil, nil, started)
			return nil
		}
		s.metrics.RecordError(observability.ErrorCodeProvider)
		return s.fail(gen, sessionID, fmt.Errorf("%w: %v", ErrProvider, err), started)
	}
	defer body.Close()

	if !s.sink.SurfaceAvailable() {
		s.metrics.RecordError(observability.ErrorCodeSurfaceUnavailable)
		return s.fail(gen, sessionID, ErrSurfaceUnavailable, started)
	}

	return s.consume(gen, sessionID, body, buf, started)
}

// consume runs the streaming loop for one generation.
func (s *Service) consume(gen *generation, sessionID string, body io.ReadCloser,
	buf ResponseBuffer, started time.Time) error {

	// A read blocked on the network unblocks when the generation is
	// cancelled: closing the body fails the read within one iteration.
	go func() {
		<-gen.ctx.Done()
		_ = body.Close()
	}()

	s.setStreaming(gen)
	s.metrics.StreamStarted()
	defer s.metrics.StreamStopped()

	decoder := sse.NewDecoder(body)
	var (
		full      string
		usage     *datatypes.UsageInfo
		streamErr error
		sawToken  bool
	)

loop:
	for {
		ev, err := decoder.Next(gen.ctx)
		if err != nil {
			if gen.ctx.Err() != nil {
				s.log.Debug("streaming loop observed cancellation",
					"generation_id", gen.id, "cause", context.Cause(gen.ctx))
			} else {
				streamErr = err
			}
			break
		}
		if ev == nil || ev.Type == sse.EventDone {
			break
		}

		switch ev.Type {
		case sse.EventUsage:
			// Silent bookkeeping; no broadcast. Last frame wins.
			usage = &datatypes.UsageInfo{TotalTokens: ev.TotalTokens}
		case sse.EventContent:
			if ev.Content == "" {
				continue
			}
			if !sawToken {
				sawToken = true
				s.metrics.RecordFirstToken(time.Since(started))
			}
			text, err := buf.Append(ev.Content)
			if err != nil {
				streamErr = fmt.Errorf("failed to accumulate response: %w", err)
				break loop
			}
			full = text
			if !s.applyDelta(gen, text) {
				s.log.Debug("discarding delta for superseded generation",
					"generation_id", gen.id)
				break loop
			}
			s.metrics.RecordDelta()
		}
	}

	if streamErr == nil && gen.ctx.Err() == nil {
		if text, checksum, err := buf.Finalize(); err == nil {
			full = text
			s.log.Debug("stream complete", "generation_id", gen.id,
				"response_len", len(full), "checksum", checksum)
		}
	}

	if streamErr != nil {
		s.metrics.RecordError(observability.ErrorCodeProvider)
		streamErr = fmt.Errorf("%w: %v", ErrProvider, streamErr)
	}
	s.complete(gen, sessionID, full, usage, streamErr, started)
	return streamErr
}

// setStreaming flips loading -> streaming for a still-current generation.
func (s *Service) setStreaming(gen *generation) {
	s.mu.Lock()
	if s.current != gen || gen.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.state.Loading = false
	s.state.Streaming = true
	snapshot := s.state
	s.mu.Unlock()
	s.sink.PublishState(snapshot)
}

// applyDelta publishes the accumulated text for a still-current
// generation. Returns false when the generation has been superseded or
// cancelled; its writes must be discarded, not applied.
func (s *Service) applyDelta(gen *generation, full string) bool {
	s.mu.Lock()
	if s.current != gen || gen.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	s.state.CurrentResponse = full
	snapshot := s.state
	s.mu.Unlock()
	s.sink.PublishState(snapshot)
	return true
}

// fail runs the terminal transition for an error determined before or
// outside the streaming loop and returns that error.
func (s *Service) fail(gen *generation, sessionID string, err error, started time.Time) error {
	s.log.Error("ask request failed", "generation_id", gen.id, "error", err)
	s.complete(gen, sessionID, "", nil, err, started)
	return err
}

// complete is the single terminal transition. It always runs exactly once
// per generation, whether the stream completed, failed, or was cancelled:
// idle state + broadcast, then partial-response persistence, then usage
// reporting. Persistence and usage failures are logged, never surfaced.
func (s *Service) complete(gen *generation, sessionID, finalText string,
	usage *datatypes.UsageInfo, termErr error, started time.Time) {

	cancelled := termErr == nil && gen.ctx.Err() != nil

	s.mu.Lock()
	isCurrent := s.current == gen
	var snapshot datatypes.RequestState
	if isCurrent {
		s.state.Loading = false
		s.state.Streaming = false
		if finalText != "" {
			s.state.CurrentResponse = finalText
		}
		s.state.ShowTextInput = true
		snapshot = s.state
	}
	s.mu.Unlock()

	if isCurrent {
		s.sink.PublishState(snapshot)
	}

	// Partial answers are valuable: persist whatever was produced
	// regardless of how the stream ended.
	bg := context.Background()
	if finalText != "" && sessionID != "" {
		if err := s.store.AppendMessage(bg, sessionID, "assistant", finalText); err != nil {
			s.metrics.RecordError(observability.ErrorCodePersistence)
			s.log.Error("failed to persist assistant message",
				"generation_id", gen.id, "session_id", sessionID, "error", err)
		}
	}

	if usage != nil {
		receipt, err := s.billing.ReportTokensUsed(bg, usage.TotalTokens)
		if err != nil {
			s.metrics.RecordError(observability.ErrorCodeUsageReport)
			s.log.Error("failed to report token usage",
				"generation_id", gen.id, "total_tokens", usage.TotalTokens, "error", err)
		} else {
			s.metrics.RecordTokens(s.modelLabel(), usage.TotalTokens)
			s.log.Info("token usage reported",
				"total_tokens", usage.TotalTokens, "remaining", receipt.Remaining)
		}
	}

	outcome := observability.OutcomeCompleted
	switch {
	case termErr != nil:
		outcome = observability.OutcomeFailed
		if isCurrent {
			s.sink.PublishStreamError(termErr.Error())
		}
	case cancelled:
		outcome = observability.OutcomeCancelled
	}
	s.metrics.RecordOutcome(outcome, time.Since(started))
}

func (s *Service) modelLabel() string {
	if s.llm == nil {
		return "unconfigured"
	}
	return s.llm.Model()
}
