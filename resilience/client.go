package resilience

import (
	"fmt"
	"log"
	"net/http"
	"time"

	llmstream "github.com/ProviderProtocol/llmstream-go"
)

// LimitError reports a dispatch denied by the token bucket, carrying the
// computed wait until a token becomes available.
type LimitError struct {
	Wait time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("dispatch rate limited, retry in %s", e.Wait)
}

func (e *LimitError) Unwrap() error {
	return llmstream.ErrRateLimited
}

// Client dispatches HTTP calls with rate limiting and pre-stream retries.
//
// Retry policy: a failed attempt is retried (up to MaxAttempts) only while
// no response body has been handed to the caller. Once Do returns a
// response, the caller owns the stream and no automatic retry may re-enter
// the same logical session; reconnection is done through the session
// broker, not here.
type Client struct {
	// HTTPClient is the underlying transport; http.DefaultClient if nil
	HTTPClient *http.Client

	// Strategy schedules retry delays; a server Retry-After hint overrides it
	Strategy Strategy

	// MaxAttempts caps total attempts (first try included); minimum 1
	MaxAttempts int

	// Bucket, when set, gates every Do call. An empty bucket denies the
	// call with a LimitError carrying the computed wait.
	Bucket *TokenBucket
}

// NewClientFromConfig builds a Client from a configuration block.
func NewClientFromConfig(cfg llmstream.ResilienceConfig) *Client {
	return &Client{
		HTTPClient:  http.DefaultClient,
		Strategy:    StrategyFromConfig(cfg.Backoff),
		MaxAttempts: cfg.MaxAttempts,
		Bucket:      NewTokenBucket(cfg.Bucket.Capacity, cfg.Bucket.RefillPerSecond),
	}
}

// Do executes the request, retrying retryable failures before any stream
// byte is delivered. On success the response is returned with its body
// unread; the caller feeds it to a wire decoder and owns its lifetime.
//
// Requests with a body must set GetBody (http.NewRequest does this for
// common body types) or they will not be retried.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.Bucket != nil && !c.Bucket.Allow() {
		return nil, &LimitError{Wait: c.Bucket.WaitTime()}
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	maxAttempts := c.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	ctx := req.Context()
	var lastErr error

	for attempt := 1; ; attempt++ {
		attemptReq, err := cloneRequest(req, attempt)
		if err != nil {
			return nil, err
		}

		resp, err := httpClient.Do(attemptReq)
		var retryAfter time.Duration
		switch {
		case err != nil:
			lastErr = &llmstream.TransportError{Op: "request", Err: err}
		case retryableStatus(resp.StatusCode):
			retryAfter = RetryAfterHint(resp)
			lastErr = statusError(resp)
			resp.Body.Close()
		default:
			return resp, nil
		}

		if attempt >= maxAttempts {
			return nil, lastErr
		}

		delay := DelayFor(c.Strategy, attempt, retryAfter)
		log.Printf("resilience: attempt %d/%d failed (%v), retrying in %s", attempt, maxAttempts, lastErr, delay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// cloneRequest prepares a fresh request for an attempt, rewinding the body
// via GetBody. Requests whose body cannot be rewound fail on the second
// attempt rather than resending a consumed stream.
func cloneRequest(req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 1 {
		return req, nil
	}
	clone := req.Clone(req.Context())
	if req.Body == nil {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("resilience: request body is not rewindable, cannot retry")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("resilience: rewind request body: %w", err)
	}
	clone.Body = body
	return clone, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func statusError(resp *http.Response) error {
	be := &llmstream.BackendError{
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		Retryable:  true,
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		be.Err = llmstream.ErrRateLimited
	} else {
		be.Err = llmstream.ErrBackendUnavailable
	}
	return be
}

// Interface compliance: Client satisfies the minimal doer contract the
// provider adapters depend on.
var _ interface {
	Do(*http.Request) (*http.Response, error)
} = (*Client)(nil)
