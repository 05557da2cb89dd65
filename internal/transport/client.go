package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/embedkit/chatwidget/internal/domain"
)

// Framing selects how streaming response bodies are decoded. It is fixed
// at construction by whoever builds the client, never inferred per call.
type Framing string

const (
	// FramingSSE decodes blank-line delimited "event:"/"data:" frames
	FramingSSE Framing = "sse"
	// FramingRaw passes body chunks through verbatim
	FramingRaw Framing = "raw"
)

// Defaults for client behavior
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 500 * time.Millisecond

	maxErrorBodySize = 1 << 20
)

// Options configures a Client
type Options struct {
	BaseURL string
	APIKey  string
	Framing Framing
	// Timeout bounds non-streaming requests and the window in which the
	// first chunk of a stream must arrive
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	Logger         *zap.Logger
}

// Client is the HTTP client for the chat backend. It applies
// connection-level retry with linear backoff; those retries are
// invisible to callers.
type Client struct {
	baseURL        string
	apiKey         string
	framing        Framing
	timeout        time.Duration
	maxRetries     int
	retryBaseDelay time.Duration
	httpClient     *http.Client
	// streaming requests have no client timeout; lifetime is
	// controlled through the caller's context
	streamClient *http.Client
	logger       *zap.Logger
}

// NewClient creates a new chat backend client
func NewClient(opts Options) *Client {
	if opts.Framing == "" {
		opts.Framing = FramingSSE
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		baseURL:        strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:         opts.APIKey,
		framing:        opts.Framing,
		timeout:        opts.Timeout,
		maxRetries:     opts.MaxRetries,
		retryBaseDelay: opts.RetryBaseDelay,
		httpClient:     &http.Client{Timeout: opts.Timeout},
		streamClient:   &http.Client{},
		logger:         opts.Logger,
	}
}

// Chat sends a non-streaming chat request
func (c *Client) Chat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			c.logger.Debug("retrying chat request",
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		}

		resp, err := c.doChat(ctx, body)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !domain.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doChat(ctx context.Context, body []byte) (*domain.ChatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errorFromResponse(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result domain.ChatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ChatStream sends a streaming chat request. Events arrive on the first
// channel, ending with {Done: true}; a terminal failure arrives on the
// second. Cancelling the context stops the read loop without emitting
// further chunks or an error. Connection failures before the first chunk
// are retried silently with linear backoff and a fresh decoder per attempt.
func (c *Client) ChatStream(ctx context.Context, req *domain.ChatRequest) (<-chan domain.StreamEvent, <-chan error) {
	events := make(chan domain.StreamEvent)
	errs := make(chan error, 1)

	body, err := json.Marshal(req)
	if err != nil {
		errs <- fmt.Errorf("failed to marshal request: %w", err)
		close(events)
		close(errs)
		return events, errs
	}

	go func() {
		defer close(events)
		defer close(errs)

		var lastErr error
		for attempt := 0; attempt <= c.maxRetries; attempt++ {
			if attempt > 0 {
				if err := c.backoff(ctx, attempt); err != nil {
					return
				}
				c.logger.Debug("reconnecting stream",
					zap.Int("attempt", attempt),
					zap.Error(lastErr),
				)
			}

			started, err := c.streamAttempt(ctx, body, events)
			if err == nil {
				return
			}
			if ctx.Err() != nil {
				return
			}
			// once data has flowed, a retry would replay content;
			// the session layer owns visible retries from here
			if started || !domain.IsRetryable(err) {
				errs <- err
				return
			}
			lastErr = err
		}
		errs <- fmt.Errorf("max retries exceeded: %w", lastErr)
	}()

	return events, errs
}

// streamAttempt performs one connection attempt, forwarding decoded events.
// started reports whether at least one chunk was received.
func (c *Client) streamAttempt(ctx context.Context, body []byte, events chan<- domain.StreamEvent) (started bool, err error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/api/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, errorFromResponse(resp)
	}

	// abort the attempt if no data arrives within the window
	var timedOut atomic.Bool
	timer := time.AfterFunc(c.timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	var reader interface {
		Next() (domain.StreamEvent, error)
	}
	if c.framing == FramingRaw {
		reader = newRawReader(resp.Body)
	} else {
		reader = NewDecoder(resp.Body)
	}

	for {
		ev, err := reader.Next()
		if err != nil {
			if timedOut.Load() {
				return started, fmt.Errorf("%w: no data within %s", domain.ErrTimeout, c.timeout)
			}
			if ctx.Err() != nil {
				return started, ctx.Err()
			}
			return started, err
		}
		if !started {
			started = true
			timer.Stop()
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return started, ctx.Err()
		}
		if ev.Done {
			return started, nil
		}
	}
}

// HealthCheck performs the unauthenticated health probe. It is never
// retried; any failure surfaces directly.
func (c *Client) HealthCheck(ctx context.Context) (*domain.Health, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(resp)
	}

	var health domain.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to unmarshal health response: %w", err)
	}
	return &health, nil
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.retryBaseDelay * time.Duration(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	// omitted for same-origin deployments where no key is configured
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

// errorFromResponse builds an *domain.APIError from a non-2xx response,
// extracting the message from a JSON detail/message field, falling back
// to the raw body, then the status text.
func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	message := ""
	var errBody domain.ErrorBody
	if err := json.Unmarshal(body, &errBody); err == nil {
		if errBody.Detail != "" {
			message = errBody.Detail
		} else if errBody.Message != "" {
			message = errBody.Message
		}
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &domain.APIError{Status: resp.StatusCode, Message: message}
}

// rawReader adapts a plain-text body to the event interface: each read
// yields one chunk, whitespace-only chunks are skipped, and end of body
// produces a single Done event.
type rawReader struct {
	r    io.Reader
	buf  []byte
	done bool
}

func newRawReader(r io.Reader) *rawReader {
	return &rawReader{r: r, buf: make([]byte, 2048)}
}

func (r *rawReader) Next() (domain.StreamEvent, error) {
	if r.done {
		return domain.StreamEvent{}, io.EOF
	}
	for {
		n, err := r.r.Read(r.buf)
		if n > 0 {
			chunk := string(r.buf[:n])
			if strings.TrimSpace(chunk) != "" {
				return domain.StreamEvent{Data: chunk}, nil
			}
		}
		if err == io.EOF {
			r.done = true
			return domain.StreamEvent{Done: true}, nil
		}
		if err != nil {
			return domain.StreamEvent{}, fmt.Errorf("failed to read stream: %w", err)
		}
	}
}
