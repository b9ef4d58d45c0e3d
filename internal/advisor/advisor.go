// Package advisor is the boundary to the external repair model. It builds
// failure-context requests, calls the model with bounded retries, and
// parses replies into a tagged result that downstream code can trust.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"text/template"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const systemPrompt = "You are an expert Solana and Anchor build engineer. " +
	"You diagnose failed builds from their logs and project files and " +
	"propose the smallest safe file edits that let the build succeed. " +
	"You always answer with a single JSON object in the requested shape."

// Config tunes the advisor client.
type Config struct {
	// APIKey authenticates against the completion endpoint.
	APIKey string
	// BaseURL overrides the endpoint, for proxies and compatible servers.
	BaseURL string
	// Model is the completion model name.
	Model string
	// MaxRetries is how many times a failed call is retried.
	MaxRetries int
	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the backoff between retries.
	BackoffMultiplier float64
	// RequestsPerMinute paces outbound calls; zero disables pacing.
	RequestsPerMinute int
	// MaxContextBytes bounds the total file content sent per request.
	MaxContextBytes int
	// MaxFileBytes bounds any single file's contribution.
	MaxFileBytes int
}

// DefaultConfig returns the standard advisor tuning.
func DefaultConfig() Config {
	return Config{
		Model:             openai.GPT4o,
		MaxRetries:        3,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		RequestsPerMinute: 60,
		MaxContextBytes:   96_000,
		MaxFileBytes:      24_000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.MaxContextBytes <= 0 {
		c.MaxContextBytes = def.MaxContextBytes
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = def.MaxFileBytes
	}
	return c
}

// completionFn is the chat call; tests substitute it.
type completionFn func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)

// Advisor calls the repair model.
type Advisor struct {
	cfg       Config
	complete  completionFn
	templates map[string]*template.Template
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// New creates an advisor backed by the configured completion endpoint.
func New(cfg Config, logger *slog.Logger) (*Advisor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("advisor API key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientCfg)

	return newWithCompletion(cfg, client.CreateChatCompletion, logger)
}

func newWithCompletion(cfg Config, complete completionFn, logger *slog.Logger) (*Advisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	templates, err := loadPromptTemplates()
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}

	return &Advisor{
		cfg:       cfg,
		complete:  complete,
		templates: templates,
		limiter:   limiter,
		logger:    logger,
	}, nil
}

// Propose sends the request to the model and parses its reply. An error
// means the call itself failed after all retries; an Unparsed result is a
// successful call whose reply held no usable JSON.
func (a *Advisor) Propose(ctx context.Context, req Request) (ParseResult, error) {
	prompt, err := renderPrompt(a.templates, req)
	if err != nil {
		return ParseResult{}, err
	}

	var reply string
	err = a.withRetry(ctx, "completion", func() error {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		resp, err := a.complete(ctx, openai.ChatCompletionRequest{
			Model: a.cfg.Model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("completion returned no choices")
		}
		reply = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return ParseResult{}, err
	}

	result := Parse(reply)
	a.logger.Debug("advisor replied",
		"iteration", req.Iteration,
		"parsed", result.Parsed,
		"fixes", len(result.Response.Fixes),
		"cannot_fix", result.Response.CannotFix,
	)
	return result, nil
}

// withRetry runs fn with exponential backoff. A wait hint parsed from a
// rate-limit error overrides the computed backoff for that retry.
func (a *Advisor) withRetry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	backoff := a.cfg.InitialBackoff

	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff
			if hint, ok := waitHint(lastErr); ok {
				wait = hint
			}
			a.logger.Debug("retrying advisor call",
				"operation", operation,
				"attempt", attempt,
				"wait", wait,
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}

			backoff = time.Duration(float64(backoff) * a.cfg.BackoffMultiplier)
			if backoff > a.cfg.MaxBackoff {
				backoff = a.cfg.MaxBackoff
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		a.logger.Warn("advisor call failed",
			"operation", operation,
			"attempt", attempt,
			"error", lastErr,
		)
	}

	return fmt.Errorf("advisor %s failed after %d attempts: %w", operation, a.cfg.MaxRetries+1, lastErr)
}

var retryHintRegex = regexp.MustCompile(`try again in ([0-9]+(?:\.[0-9]+)?)\s*(ms|s|m)\b`)

// waitHint extracts a server-provided wait from rate-limit error text such
// as "Rate limit reached ... Please try again in 20s."
func waitHint(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	m := retryHintRegex.FindStringSubmatch(err.Error())
	if len(m) < 3 {
		return 0, false
	}
	val, convErr := strconv.ParseFloat(m[1], 64)
	if convErr != nil {
		return 0, false
	}

	var unit time.Duration
	switch m[2] {
	case "ms":
		unit = time.Millisecond
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	}

	d := time.Duration(val * float64(unit))
	if d <= 0 {
		return 0, false
	}
	return d, true
}
