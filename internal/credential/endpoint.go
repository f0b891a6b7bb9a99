package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"
)

// EndpointError represents a non-2xx response from the token endpoint.
type EndpointError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("token endpoint error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *EndpointError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// tokenResponse is the token endpoint's JSON body.
type tokenResponse struct {
	Token     string `json:"token"`
	Identity  string `json:"identity"`
	ExpiresIn int64  `json:"expires_in"` // seconds, optional
}

// Endpoint fetches credentials from an HTTP token endpoint and caches them
// until shortly before they expire.
type Endpoint struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
	refreshSkew  time.Duration
	now          func() time.Time

	mu        sync.Mutex
	cached    Credential
	expiresAt time.Time
}

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// NewEndpoint creates a token endpoint provider. apiKey, when set, is sent
// as a bearer token.
func NewEndpoint(url, apiKey string, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{
		url:    url,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: 500 * time.Millisecond,
		refreshSkew:  30 * time.Second,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) EndpointOption {
	return func(e *Endpoint) {
		e.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) EndpointOption {
	return func(e *Endpoint) {
		e.maxRetries = max
		e.retryBackoff = backoff
	}
}

// WithRefreshSkew sets how long before expiry a cached token is refetched.
func WithRefreshSkew(d time.Duration) EndpointOption {
	return func(e *Endpoint) {
		e.refreshSkew = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EndpointOption {
	return func(e *Endpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) EndpointOption {
	return func(e *Endpoint) {
		e.httpClient = hc
	}
}

// Credential implements Provider.
func (e *Endpoint) Credential(ctx context.Context) (Credential, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cached.Token != "" && e.now().Before(e.expiresAt.Add(-e.refreshSkew)) {
		return e.cached, nil
	}

	body, err := e.fetchWithRetry(ctx)
	if err != nil {
		return Credential{}, err
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Credential{}, fmt.Errorf("unmarshal token response: %w", err)
	}

	cred := Credential{Token: resp.Token, Identity: resp.Identity}
	if err := cred.Validate(); err != nil {
		return Credential{}, err
	}

	// Cache only when we know when to refresh.
	e.cached = Credential{}
	e.expiresAt = time.Time{}
	if exp, ok := cred.ExpiresAt(); ok {
		e.cached, e.expiresAt = cred, exp
	} else if resp.ExpiresIn > 0 {
		e.cached, e.expiresAt = cred, e.now().Add(time.Duration(resp.ExpiresIn)*time.Second)
	}

	return cred, nil
}

// Invalidate drops the cached credential.
func (e *Endpoint) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cached = Credential{}
	e.expiresAt = time.Time{}
}

// fetch performs one POST to the token endpoint.
func (e *Endpoint) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, strings.NewReader("{}"))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w: %w", ErrUnavailable, err)
	}

	if resp.StatusCode >= 400 {
		return nil, &EndpointError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
		}
	}

	return body, nil
}

// fetchWithRetry performs fetch with exponential backoff retry.
func (e *Endpoint) fetchWithRetry(ctx context.Context) ([]byte, error) {
	var lastErr error
	backoff := e.retryBackoff
	if backoff <= 0 {
		backoff = time.Millisecond
	}

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			// Jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			e.logger.Debug("retrying token fetch",
				"attempt", attempt,
				"backoff", jitter,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		body, err := e.fetch(ctx)
		if err == nil {
			return body, nil
		}

		lastErr = err

		var epErr *EndpointError
		if !errors.As(err, &epErr) || !epErr.IsRetryable() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
