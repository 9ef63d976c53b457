package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonwraymond/mealsync/observe"
	"github.com/jonwraymond/mealsync/resilience"
	"github.com/jonwraymond/mealsync/session"
)

// ErrBaseURL indicates a missing or malformed base URL.
var ErrBaseURL = errors.New("fetch: invalid base URL")

// HTTPConfig configures an HTTPAccessor.
type HTTPConfig struct {
	// BaseURL is the backend root, e.g. "https://api.example.com/v1".
	BaseURL string

	// Tokens supplies the bearer token. Nil sends unauthenticated requests.
	Tokens session.TokenSource

	// Client is the underlying HTTP client. Its transport is wrapped to add
	// the bearer token.
	// Default: a client with http.DefaultTransport
	Client *http.Client

	// Timeout bounds each attempt.
	// Default: 10 seconds
	Timeout time.Duration

	// Retry configures retries of transient read failures. Writes are never
	// retried.
	Retry resilience.RetryConfig

	// Breaker configures the circuit breaker shared by reads and writes.
	Breaker resilience.CircuitBreakerConfig

	// MaxBodyBytes caps response bodies.
	// Default: 8 MiB
	MaxBodyBytes int64

	// Logger receives request failures.
	Logger observe.Logger
}

// HTTPAccessor is an Accessor over a JSON REST backend.
type HTTPAccessor struct {
	base    *url.URL
	client  *http.Client
	reads   *resilience.Executor
	writes  *resilience.Executor
	breaker *resilience.CircuitBreaker
	maxBody int64
	logger  observe.Logger
}

// NewHTTPAccessor creates an accessor.
func NewHTTPAccessor(config HTTPConfig) (*HTTPAccessor, error) {
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBaseURL, config.BaseURL)
	}

	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 8 << 20
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}
	if config.Retry.RetryIf == nil {
		config.Retry.RetryIf = IsRetryable
	}
	if config.Breaker.IsFailure == nil {
		config.Breaker.IsFailure = IsRetryable
	}

	client := &http.Client{}
	if config.Client != nil {
		*client = *config.Client
	}
	if config.Tokens != nil {
		client.Transport = &session.Transport{Source: config.Tokens, Base: client.Transport}
	}

	breaker := resilience.NewCircuitBreaker(config.Breaker)
	return &HTTPAccessor{
		base:   base,
		client: client,
		reads: resilience.NewExecutor(
			resilience.WithCircuitBreaker(breaker),
			resilience.WithRetry(resilience.NewRetry(config.Retry)),
			resilience.WithTimeout(config.Timeout),
		),
		writes: resilience.NewExecutor(
			resilience.WithCircuitBreaker(breaker),
			resilience.WithTimeout(config.Timeout),
		),
		breaker: breaker,
		maxBody: config.MaxBodyBytes,
		logger:  config.Logger.With(observe.Field{Key: "component", Value: "fetch"}),
	}, nil
}

// Breaker returns the circuit breaker guarding the backend.
func (a *HTTPAccessor) Breaker() *resilience.CircuitBreaker {
	return a.breaker
}

// Get implements Accessor.
func (a *HTTPAccessor) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	target := a.resolve(path, params)
	body, err := resilience.Call(ctx, a.reads, func(ctx context.Context) ([]byte, error) {
		return a.do(ctx, http.MethodGet, target, path, nil)
	})
	return body, a.finish(ctx, http.MethodGet, path, err)
}

// Mutate implements Accessor.
func (a *HTTPAccessor) Mutate(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = Encode(body); err != nil {
			return nil, &ValidationError{Path: path, Message: "fetch: encode request body: " + err.Error()}
		}
	}

	target := a.resolve(path, nil)
	out, err := resilience.Call(ctx, a.writes, func(ctx context.Context) ([]byte, error) {
		return a.do(ctx, method, target, path, payload)
	})
	return out, a.finish(ctx, method, path, err)
}

func (a *HTTPAccessor) resolve(path string, params map[string]string) string {
	u := *a.base
	u.Path = a.base.Path + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (a *HTTPAccessor) do(ctx context.Context, method, target, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, resilience.Permanent(&NetworkError{Path: path, Err: err})
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyTransport(path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBody))
	if err != nil {
		return nil, &NetworkError{Path: path, Err: err}
	}

	if err := classifyStatus(path, resp.StatusCode, raw); err != nil {
		if !IsRetryable(err) {
			return nil, resilience.Permanent(err)
		}
		return nil, err
	}
	return raw, nil
}

func classifyTransport(path string, err error) error {
	switch {
	case errors.Is(err, session.ErrExpired), errors.Is(err, session.ErrNoToken):
		return resilience.Permanent(fmt.Errorf("%w: %w", ErrSessionExpired, err))
	case errors.Is(err, context.Canceled):
		return resilience.Permanent(err)
	case errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &NetworkError{Path: path, Err: err}
}

// errorBody is the backend's error envelope.
type errorBody struct {
	Message string            `json:"message"`
	Error   string            `json:"error"`
	Fields  map[string]string `json:"fields"`
}

func parseErrorBody(raw []byte) errorBody {
	var eb errorBody
	if json.Unmarshal(raw, &eb) != nil {
		eb.Message = strings.TrimSpace(string(raw))
	}
	if eb.Message == "" {
		eb.Message = eb.Error
	}
	return eb
}

func classifyStatus(path string, status int, raw []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return ErrSessionExpired
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return &ConflictError{Path: path, Message: parseErrorBody(raw).Message}
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		eb := parseErrorBody(raw)
		return &ValidationError{Path: path, Message: eb.Message, Fields: eb.Fields}
	}
	return &NetworkError{StatusCode: status, Path: path}
}

// finish maps resilience errors onto the fetch taxonomy and logs failures.
func (a *HTTPAccessor) finish(ctx context.Context, method, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = &NetworkError{Path: path, Err: err}
	}
	err = NormalizeTimeout(err)

	a.logger.Warn(ctx, "remote call failed",
		observe.Field{Key: "http.method", Value: method},
		observe.Field{Key: "http.path", Value: path},
		observe.Field{Key: "error", Value: err.Error()},
	)
	return err
}
