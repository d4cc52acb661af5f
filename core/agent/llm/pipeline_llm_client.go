package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"pipeline_server/core/port/out"
	"pipeline_server/pkg/apperr"
	"pipeline_server/pkg/cache"
	"pipeline_server/pkg/httputil"
	"pipeline_server/pkg/logger"
	"pipeline_server/pkg/metrics"
	"pipeline_server/pkg/ratelimit"
)

// =============================================================================
// Model Tiers
// =============================================================================

// TierConfig configures one model tier.
type TierConfig struct {
	Model          string        // concrete model name at the runtime
	Timeout        time.Duration // per-call deadline
	MaxConcurrent  int           // semaphore width
	CallsPerMinute int           // token bucket rate
	Temperature    float32
	MaxTokens      int
}

// ClientConfig configures the runtime client.
type ClientConfig struct {
	RuntimeURL string // OpenAI-compatible endpoint of the local runtime
	APIKey     string // most local runtimes ignore this; some require any value
	Mid        TierConfig
	High       TierConfig
	MaxRetries int // transient retry attempts (default 3)
}

// DefaultClientConfig returns the documented defaults.
func DefaultClientConfig(runtimeURL string) *ClientConfig {
	return &ClientConfig{
		RuntimeURL: runtimeURL,
		APIKey:     "local",
		Mid: TierConfig{
			Model:          "qwen2.5:3b-instruct",
			Timeout:        30 * time.Second,
			MaxConcurrent:  2,
			CallsPerMinute: 60,
			Temperature:    0.2,
			MaxTokens:      1024,
		},
		High: TierConfig{
			Model:          "qwen2.5:14b-instruct",
			Timeout:        90 * time.Second,
			MaxConcurrent:  1,
			CallsPerMinute: 20,
			Temperature:    0.2,
			MaxTokens:      2048,
		},
		MaxRetries: 3,
	}
}

// completer abstracts the runtime invocation for tests.
type completer interface {
	complete(ctx context.Context, model string, req *out.CompletionRequest, jsonOnly bool) (string, int, error)
}

// tierState holds the per-model control plane.
type tierState struct {
	config   TierConfig
	limiter  *ratelimit.ModelLimiter
	breaker  *gobreaker.CircuitBreaker
	openedAt time.Time
	mu       sync.Mutex
}

func (t *tierState) markOpened() {
	t.mu.Lock()
	t.openedAt = time.Now()
	t.mu.Unlock()
}

func (t *tierState) cooldownRemaining(cooldown time.Duration) time.Duration {
	t.mu.Lock()
	opened := t.openedAt
	t.mu.Unlock()
	if opened.IsZero() {
		return 0
	}
	remaining := cooldown - time.Since(opened)
	if remaining < 0 {
		return 0
	}
	return remaining
}

const breakerCooldown = 60 * time.Second

// Client is the uniform adapter to the local model runtime. Rate limits
// and circuit state are process-wide; both tiers share one HTTP pool.
type Client struct {
	config    *ClientConfig
	completer completer
	tiers     map[out.ModelTier]*tierState
	cache     *cache.CompletionCache // optional
	hub       *metrics.Hub
	log       *logger.Logger
}

// NewClient creates the runtime client.
func NewClient(cfg *ClientConfig, hub *metrics.Hub) *Client {
	apiConfig := openai.DefaultConfig(cfg.APIKey)
	apiConfig.BaseURL = strings.TrimSuffix(cfg.RuntimeURL, "/") + "/v1"
	apiConfig.HTTPClient = httputil.NewPooledClient(httputil.ModelRuntimeConfig())

	c := &Client{
		config:    cfg,
		completer: &openaiCompleter{client: openai.NewClientWithConfig(apiConfig)},
		hub:       hub,
		log:       logger.WithField("component", "llm_client"),
	}
	c.tiers = map[out.ModelTier]*tierState{
		out.TierMid:  c.newTier(out.TierMid, cfg.Mid),
		out.TierHigh: c.newTier(out.TierHigh, cfg.High),
	}
	return c
}

// WithCache attaches the content-addressed completion cache.
func (c *Client) WithCache(completionCache *cache.CompletionCache) *Client {
	c.cache = completionCache
	return c
}

func (c *Client) newTier(tier out.ModelTier, cfg TierConfig) *tierState {
	state := &tierState{
		config:  cfg,
		limiter: ratelimit.NewModelLimiter(cfg.MaxConcurrent, cfg.CallsPerMinute),
	}

	settings := gobreaker.Settings{
		Name:        string(tier),
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit %s: %s -> %s", name, from.String(), to.String())
			if to == gobreaker.StateOpen {
				state.markOpened()
			}
			if c.hub != nil {
				c.hub.SetCircuitState(name, breakerStateCode(to))
			}
		},
	}
	state.breaker = gobreaker.NewCircuitBreaker(settings)
	return state
}

func breakerStateCode(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// BreakerState returns 0 closed, 1 open, 2 half-open for the tier.
func (c *Client) BreakerState(tier out.ModelTier) int {
	state, ok := c.tiers[tier]
	if !ok {
		return 0
	}
	return breakerStateCode(state.breaker.State())
}

// CooldownRemaining reports how long an open tier stays open. Workers use
// this as the nack delay so retries land after the half-open probe.
func (c *Client) CooldownRemaining(tier out.ModelTier) time.Duration {
	state, ok := c.tiers[tier]
	if !ok || state.breaker.State() != gobreaker.StateOpen {
		return 0
	}
	return state.cooldownRemaining(breakerCooldown)
}

// Complete runs a single-shot prompt through the tier's model with
// limits, retries, circuit breaking, salvage, and the caller's quality
// gate. Temperature and stop tokens come from the request.
func (c *Client) Complete(ctx context.Context, tier out.ModelTier, req *out.CompletionRequest) (*out.CompletionResult, error) {
	state, ok := c.tiers[tier]
	if !ok {
		return nil, apperr.InvalidInput("tier", string(tier))
	}

	start := time.Now()
	model := state.config.Model

	// Content-addressed cache: prompt-identical calls within the TTL
	// reuse the completion without touching the runtime.
	cacheKey := req.SystemPrompt + "\x00" + req.UserPrompt
	if c.cache != nil {
		if cached, ok := c.cache.Get(ctx, model, cacheKey); ok {
			if c.hub != nil {
				c.hub.CacheHit()
			}
			if result, err := c.finish(tier, model, cached, start, true, req); err == nil {
				return result, nil
			}
			// A cached response that no longer validates falls through to
			// a fresh call.
		}
		if c.hub != nil {
			c.hub.CacheMiss()
		}
	}

	raw, tokens, err := c.invokeWithRetry(ctx, state, model, req, false)
	if err != nil {
		if c.hub != nil {
			c.hub.LLMCall(model, "error")
		}
		return nil, err
	}

	result, err := c.finish(tier, model, raw, start, false, req)
	if err != nil {
		// Shape or validator failure: one strict JSON-only retry, then
		// the caller falls back.
		if c.hub != nil {
			c.hub.ValidatorRejected(model)
		}
		raw, retryTokens, retryErr := c.invokeWithRetry(ctx, state, model, req, true)
		if retryErr != nil {
			return nil, retryErr
		}
		tokens += retryTokens
		result, err = c.finish(tier, model, raw, start, false, req)
		if err != nil {
			if c.hub != nil {
				c.hub.LLMCall(model, "rejected")
			}
			return nil, err
		}
	}

	result.TokensUsed = tokens
	if c.hub != nil {
		c.hub.LLMCall(model, "ok")
	}
	if c.cache != nil {
		_ = c.cache.Put(ctx, model, cacheKey, result.Raw)
	}
	return result, nil
}

// finish salvages, validates, and assembles the result.
func (c *Client) finish(tier out.ModelTier, model, raw string, start time.Time, cacheHit bool, req *out.CompletionRequest) (*out.CompletionResult, error) {
	parsed, salvaged, err := Salvage(raw)
	if err != nil {
		return nil, apperr.ResponseShape(model, err)
	}
	if salvaged && c.hub != nil {
		c.hub.SalvageAttempt()
	}

	if req.Validate != nil {
		if err := req.Validate(parsed); err != nil {
			return nil, apperr.ResponseShape(model, err)
		}
	}

	return &out.CompletionResult{
		Raw:        raw,
		Parsed:     parsed,
		Model:      model,
		DurationMs: time.Since(start).Milliseconds(),
		Salvaged:   salvaged,
		CacheHit:   cacheHit,
	}, nil
}

// invokeWithRetry drives the breaker-guarded runtime call with
// exponential backoff on transient errors only.
func (c *Client) invokeWithRetry(ctx context.Context, state *tierState, model string, req *out.CompletionRequest, jsonOnly bool) (string, int, error) {
	maxRetries := c.config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Second << (attempt - 1)
			select {
			case <-ctx.Done():
				return "", 0, apperr.LLMTimeout(model, ctx.Err())
			case <-time.After(backoff):
			}
			if c.hub != nil {
				c.hub.LLMRetry(model)
			}
		}

		raw, tokens, err := c.invokeOnce(ctx, state, model, req, jsonOnly)
		if err == nil {
			return raw, tokens, nil
		}
		lastErr = err

		// Circuit open and caller cancellation fail fast; validation
		// errors never reach here.
		if apperr.IsCode(err, apperr.CodeCircuitOpen) || ctx.Err() != nil {
			return "", 0, err
		}
	}
	return "", 0, lastErr
}

func (c *Client) invokeOnce(ctx context.Context, state *tierState, model string, req *out.CompletionRequest, jsonOnly bool) (string, int, error) {
	// Tier defaults apply when the caller leaves knobs unset.
	if req.MaxTokens == 0 {
		req.MaxTokens = state.config.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = state.config.Temperature
	}

	release, err := state.limiter.Acquire(ctx)
	if err != nil {
		return "", 0, apperr.LLMTimeout(model, err)
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, state.config.Timeout)
	defer cancel()

	var raw string
	var tokens int
	_, err = state.breaker.Execute(func() (any, error) {
		var callErr error
		raw, tokens, callErr = c.completer.complete(callCtx, model, req, jsonOnly)
		return nil, callErr
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return "", 0, apperr.CircuitOpen(model)
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return "", 0, apperr.LLMTimeout(model, err)
		default:
			return "", 0, apperr.LLMTransient(model, err)
		}
	}
	return raw, tokens, nil
}

// Ping checks the runtime is reachable.
func (c *Client) Ping(ctx context.Context) error {
	probe := &out.CompletionRequest{UserPrompt: "ping", MaxTokens: 1}
	state := c.tiers[out.TierMid]

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, _, err := c.completer.complete(probeCtx, state.config.Model, probe, false)
	return err
}

// =============================================================================
// OpenAI-compatible runtime transport
// =============================================================================

const jsonOnlyDirective = "Respond with a single JSON object only. No prose, no markdown fences, no commentary."

type openaiCompleter struct {
	client *openai.Client
}

func (o *openaiCompleter) complete(ctx context.Context, model string, req *out.CompletionRequest, jsonOnly bool) (string, int, error) {
	system := req.SystemPrompt
	if jsonOnly {
		system = strings.TrimSpace(system + "\n\n" + jsonOnlyDirective)
	}

	var messages []openai.ChatCompletionMessage
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.StopTokens,
	})
	if err != nil {
		return "", 0, err
	}

	if len(resp.Choices) == 0 {
		return "", resp.Usage.TotalTokens, fmt.Errorf("runtime returned no choices for %s", model)
	}

	return resp.Choices[0].Message.Content, resp.Usage.TotalTokens, nil
}
