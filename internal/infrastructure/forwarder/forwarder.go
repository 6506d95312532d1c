// Package forwarder implements execute_with_retry_and_fallback: the single
// control-flow wrapper every outbound chat-completion call goes through.
// It resolves a valid API token, picks an upstream model, dispatches the
// call, and on a classified failure retries exactly once per failure
// class (a forced token refresh on TokenExpired, a model fallback on
// RateLimit) before giving up.
//
// Grounded on the teacher's internal/infrastructure/llm/router.go for the
// "try, classify the failure, decide the next step" control-flow shape.
// Deliberately does not reuse the teacher's CircuitBreaker: spec.md's
// retry bounds are fixed-count (one token retry, one rate-limit retry),
// not failure-rate-tripped, so a circuit breaker has no home in this
// component — see DESIGN.md.
package forwarder

import (
	"context"
	"strings"
	"sync"

	"github.com/ngoclaw/llm-gateway/internal/domain/apierror"
	"github.com/ngoclaw/llm-gateway/internal/domain/entity"
	"github.com/ngoclaw/llm-gateway/internal/infrastructure/translator"
	"github.com/ngoclaw/llm-gateway/internal/infrastructure/upstream"
	"github.com/ngoclaw/llm-gateway/pkg/safego"
	"go.uber.org/zap"
)

const maxRetries = 1 // one token-refresh retry, plus at most one rate-limit retry handled separately

// CredentialManager is the subset of creds.Manager the Forwarder needs.
type CredentialManager interface {
	ValidAPIToken(ctx context.Context) (token, endpoint string, err error)
	ForceRefreshAPIToken(ctx context.Context) (token, endpoint string, err error)
}

// UpstreamClient is the subset of upstream.Client the Forwarder needs.
type UpstreamClient interface {
	PreferredClaudeModel(ctx context.Context, apiBaseURL, apiToken string) (string, error)
	FallbackModelForRateLimit(ctx context.Context, apiBaseURL, apiToken, current string) (string, error)
	ChatCompletion(ctx context.Context, apiBaseURL, apiToken string, params upstream.ChatCompletionParams) (*upstream.ChatResponse, error)
	ChatCompletionStream(ctx context.Context, apiBaseURL, apiToken string, params upstream.ChatCompletionParams) (<-chan string, <-chan error)
}

// Forwarder owns the session-sticky fallback model and runs every
// outbound call through the shared retry/fallback algorithm.
type Forwarder struct {
	creds    CredentialManager
	upstream UpstreamClient
	logger   *zap.Logger

	mu                   sync.Mutex
	sessionFallbackModel string
}

// New creates a Forwarder.
func New(creds CredentialManager, upstream UpstreamClient, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		creds:    creds,
		upstream: upstream,
		logger:   logger.With(zap.String("component", "forwarder")),
	}
}

// ResetFallbackModel clears the session-sticky fallback model, for test
// harnesses and operator tooling. Never wired to an automatic trigger.
func (f *Forwarder) ResetFallbackModel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionFallbackModel = ""
}

func (f *Forwarder) getSessionFallbackModel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionFallbackModel
}

func (f *Forwarder) setSessionFallbackModel(model string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionFallbackModel = model
}

// initialSelection is a pure string match from a requested model name to
// the upstream model family to try first.
func initialSelection(requested string) string {
	lower := strings.ToLower(requested)
	switch {
	case strings.HasPrefix(lower, "claude-3.7"):
		return "claude-3.7-sonnet"
	case strings.HasPrefix(lower, "claude-3.5"):
		return "claude-3.5-sonnet"
	case strings.HasPrefix(lower, "claude"):
		return "claude-sonnet-4"
	case strings.HasPrefix(lower, "gpt-4"):
		return "gpt-4o"
	case strings.HasPrefix(lower, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		return requested
	}
}

func isClaudeVariant(requested string) bool {
	return strings.HasPrefix(strings.ToLower(requested), "claude")
}

// actualBestModel defers to the upstream's preferred Claude model only
// when the caller asked for a Claude variant; otherwise it returns
// initialSelection's verdict unchanged.
func (f *Forwarder) actualBestModel(ctx context.Context, requested, apiBaseURL, apiToken string) string {
	selected := initialSelection(requested)
	if !isClaudeVariant(requested) {
		return selected
	}
	preferred, err := f.upstream.PreferredClaudeModel(ctx, apiBaseURL, apiToken)
	if err != nil {
		f.logger.Warn("could not list models to pick preferred Claude model, using initial selection", zap.Error(err))
		return selected
	}
	return preferred
}

// op is one attempt at the upstream call, parameterized by the resolved
// token/endpoint/model.
type op func(ctx context.Context, apiBaseURL, apiToken, model string) (*upstream.ChatResponse, error)

// executeWithRetryAndFallback runs op under the shared retry/fallback
// algorithm: session-sticky model selection, one forced-refresh retry on
// TokenExpired, one model-fallback retry on RateLimit.
func (f *Forwarder) executeWithRetryAndFallback(ctx context.Context, requestedModel string, run op) (*upstream.ChatResponse, error) {
	sticky := f.getSessionFallbackModel()
	model := sticky
	if model == "" {
		model = initialSelection(requestedModel)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		var (
			apiToken string
			endpoint string
			err      error
		)
		if attempt == 0 {
			apiToken, endpoint, err = f.creds.ValidAPIToken(ctx)
		} else {
			apiToken, endpoint, err = f.creds.ForceRefreshAPIToken(ctx)
		}
		if err != nil {
			return nil, err
		}

		// actual_best_model only refines the initial_selection branch; a
		// session-sticky fallback model takes precedence and must not be
		// overwritten here.
		if attempt == 0 && sticky == "" {
			model = f.actualBestModel(ctx, requestedModel, endpoint, apiToken)
		}

		resp, err := run(ctx, endpoint, apiToken, model)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if apierror.Is(err, apierror.KindTokenExpired) {
			continue
		}
		if apierror.Is(err, apierror.KindRateLimit) {
			newModel, fbErr := f.upstream.FallbackModelForRateLimit(ctx, endpoint, apiToken, model)
			if fbErr != nil || newModel == model {
				return nil, err // re-raise the original rate-limit error
			}
			f.setSessionFallbackModel(newModel)
			return run(ctx, endpoint, apiToken, newModel) // exactly one rate-limit retry
		}
		return nil, err // any other error class rethrows immediately
	}

	return nil, lastErr
}

// ForwardOpenAIBuffered runs a buffered OpenAI-dialect chat completion.
func (f *Forwarder) ForwardOpenAIBuffered(ctx context.Context, params upstream.ChatCompletionParams) (*upstream.ChatResponse, error) {
	requested := params.Model
	return f.executeWithRetryAndFallback(ctx, requested, func(ctx context.Context, apiBaseURL, apiToken, model string) (*upstream.ChatResponse, error) {
		p := params
		p.Model = model
		return f.upstream.ChatCompletion(ctx, apiBaseURL, apiToken, p)
	})
}

// ForwardAnthropicBuffered runs a buffered Anthropic-dialect request,
// translating the normalized request to OpenAI dialect, dispatching it,
// and translating the response back, preserving the originally requested
// model name in the response.
func (f *Forwarder) ForwardAnthropicBuffered(ctx context.Context, req *entity.NormalizedRequest) (*translator.AnthropicResponse, error) {
	params := translator.AnthropicToOpenAI(req)
	resp, err := f.executeWithRetryAndFallback(ctx, req.Model, func(ctx context.Context, apiBaseURL, apiToken, model string) (*upstream.ChatResponse, error) {
		p := params
		p.Model = model
		return f.upstream.ChatCompletion(ctx, apiBaseURL, apiToken, p)
	})
	if err != nil {
		return nil, err
	}
	return translator.OpenAIToAnthropic(resp, req.Model), nil
}

// StreamResult carries one relayed SSE payload or a terminal error.
type StreamResult struct {
	Payload string
	Err     error
}

// ForwardOpenAIStream runs a streaming OpenAI-dialect chat completion,
// relaying raw upstream SSE payloads. The retry/fallback algorithm only
// governs connection establishment; once bytes start flowing they are
// relayed as-is (a mid-stream upstream failure cannot be classified and
// retried without replaying already-sent output).
func (f *Forwarder) ForwardOpenAIStream(ctx context.Context, params upstream.ChatCompletionParams) (<-chan StreamResult, error) {
	return f.streamWithRetry(ctx, params.Model, params)
}

// ForwardAnthropicStream runs a streaming Anthropic-dialect request. The
// outbound SSE carries the raw upstream (OpenAI-shaped) chunks verbatim;
// this gateway does not rewrite them into Anthropic's event-typed SSE
// protocol (a documented limitation).
func (f *Forwarder) ForwardAnthropicStream(ctx context.Context, req *entity.NormalizedRequest) (<-chan StreamResult, error) {
	params := translator.AnthropicToOpenAI(req)
	return f.streamWithRetry(ctx, req.Model, params)
}

func (f *Forwarder) streamWithRetry(ctx context.Context, requestedModel string, params upstream.ChatCompletionParams) (<-chan StreamResult, error) {
	sticky := f.getSessionFallbackModel()
	model := sticky
	if model == "" {
		model = initialSelection(requestedModel)
	}

	var (
		apiToken, endpoint string
		payloads           <-chan string
		upstreamErrCh      <-chan error
	)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		var err error
		if attempt == 0 {
			apiToken, endpoint, err = f.creds.ValidAPIToken(ctx)
		} else {
			apiToken, endpoint, err = f.creds.ForceRefreshAPIToken(ctx)
		}
		if err != nil {
			return nil, err
		}
		// actual_best_model only refines the initial_selection branch; a
		// session-sticky fallback model takes precedence here too.
		if attempt == 0 && sticky == "" {
			model = f.actualBestModel(ctx, requestedModel, endpoint, apiToken)
		}

		p := params
		p.Model = model
		payloads, upstreamErrCh = f.upstream.ChatCompletionStream(ctx, endpoint, apiToken, p)

		// The stream's connection-establishment failure (if any) surfaces
		// on the first receive; a successful connection never sends on
		// upstreamErrCh before payloads closes, so peek by racing both.
		select {
		case first, ok := <-payloads:
			if !ok {
				// Stream closed immediately with no payloads; check for
				// a connection error before declaring success.
				if err := <-upstreamErrCh; err != nil {
					if handled, retry := f.handleStreamEstablishError(ctx, err, endpoint, apiToken, &model); retry {
						continue
					} else if handled {
						return nil, err
					}
				}
				return emptyStreamChannel(), nil
			}
			return f.relayStream(first, payloads, upstreamErrCh), nil
		case err := <-upstreamErrCh:
			if err == nil {
				return emptyStreamChannel(), nil
			}
			if handled, retry := f.handleStreamEstablishError(ctx, err, endpoint, apiToken, &model); retry {
				continue
			} else if handled {
				return nil, err
			}
			return nil, err
		}
	}

	return nil, apierror.New(apierror.KindTokenExpired, "exhausted retries establishing upstream stream")
}

// handleStreamEstablishError classifies a connection-establishment error
// and applies the same one-retry-per-class policy as the buffered path.
// Returns handled=true if the error was a recognized retryable class;
// retry=true if the caller should loop again with *model already updated.
func (f *Forwarder) handleStreamEstablishError(ctx context.Context, err error, endpoint, apiToken string, model *string) (handled bool, retry bool) {
	if apierror.Is(err, apierror.KindTokenExpired) {
		return true, true
	}
	if apierror.Is(err, apierror.KindRateLimit) {
		newModel, fbErr := f.upstream.FallbackModelForRateLimit(ctx, endpoint, apiToken, *model)
		if fbErr != nil || newModel == *model {
			return true, false
		}
		f.setSessionFallbackModel(newModel)
		*model = newModel
		return true, true
	}
	return false, false
}

func (f *Forwarder) relayStream(first string, rest <-chan string, errCh <-chan error) <-chan StreamResult {
	out := make(chan StreamResult)
	safego.Go(f.logger, "forwarder-relay-stream", func() {
		defer close(out)
		out <- StreamResult{Payload: first}
		for p := range rest {
			out <- StreamResult{Payload: p}
		}
		if err := <-errCh; err != nil {
			out <- StreamResult{Err: err}
		}
	})
	return out
}

func emptyStreamChannel() <-chan StreamResult {
	out := make(chan StreamResult)
	close(out)
	return out
}
