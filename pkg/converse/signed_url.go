package converse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// SignedURLProvider obtains the short-lived connection URL for an agent. It
// is consulted once per connection attempt.
type SignedURLProvider interface {
	FetchConnectionURL(ctx context.Context, agentID string) (string, error)
}

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
	ExpiresAt int64  `json:"expires_at"`
}

// HTTPSignedURLProvider fetches signed connection URLs over HTTP and caches
// them until shortly before expiry. A response without expires_at is not
// cached.
type HTTPSignedURLProvider struct {
	endpoint      string
	apiKey        string
	headers       map[string]string
	refreshBuffer time.Duration

	// Client may be replaced before first use.
	Client *http.Client

	mu        sync.Mutex
	signedURL string
	expiresAt time.Time

	log *Logger
}

func NewHTTPSignedURLProvider(endpoint, apiKey string, headers map[string]string, refreshBuffer time.Duration) *HTTPSignedURLProvider {
	return &HTTPSignedURLProvider{
		endpoint:      endpoint,
		apiKey:        apiKey,
		headers:       headers,
		refreshBuffer: refreshBuffer,
		Client:        &http.Client{Timeout: 30 * time.Second},
		log:           GetGlobalLogger().WithComponent("signed-url"),
	}
}

// FetchConnectionURL returns the cached URL while it is fresh, otherwise
// performs the HTTP fetch. Failures are transport-style errors: non-success
// status and malformed bodies never come back as plain strings.
func (p *HTTPSignedURLProvider) FetchConnectionURL(ctx context.Context, agentID string) (string, error) {
	p.mu.Lock()
	if p.signedURL != "" && time.Now().Before(p.expiresAt.Add(-p.refreshBuffer)) {
		cached := p.signedURL
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	return p.refresh(ctx, agentID)
}

// Clear drops the cached URL so the next fetch hits the endpoint.
func (p *HTTPSignedURLProvider) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signedURL = ""
	p.expiresAt = time.Time{}
}

func (p *HTTPSignedURLProvider) refresh(ctx context.Context, agentID string) (string, error) {
	reqURL, err := url.Parse(p.endpoint)
	if err != nil {
		return "", NewConfigError("invalid signed URL endpoint").AddDetail("endpoint", p.endpoint)
	}
	query := reqURL.Query()
	query.Set("agent_id", agentID)
	reqURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return "", WrapError(err, ErrCodeSignedURL)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", classifyFetchError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyFetchStatus(resp)
	}

	var body signedURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", NewConnectionError("malformed signed URL response", false)
	}
	if body.SignedURL == "" {
		return "", NewConnectionError("signed URL response missing signed_url", false)
	}

	p.mu.Lock()
	if body.ExpiresAt > 0 {
		p.signedURL = body.SignedURL
		p.expiresAt = time.UnixMilli(body.ExpiresAt)
	} else {
		p.signedURL = ""
		p.expiresAt = time.Time{}
	}
	p.mu.Unlock()

	p.log.Debugf("fetched signed URL for agent %s", agentID)
	return body.SignedURL, nil
}

func classifyFetchStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		authErr := NewAuthError("signed URL request rejected")
		authErr.AddDetail("status", resp.StatusCode)
		return authErr
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewRateLimitError("signed URL request rate limited", parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return NewConnectionError(fmt.Sprintf("signed URL request failed with status %d", resp.StatusCode), true)
	default:
		return NewConnectionError(fmt.Sprintf("signed URL request failed with status %d", resp.StatusCode), false)
	}
}

func classifyFetchError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("signed URL request timed out", TimeoutConnection)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError("signed URL request timed out", TimeoutConnection)
	}
	if errors.Is(err, context.Canceled) {
		return WrapError(err, ErrCodeSignedURL)
	}
	return NewConnectionError(fmt.Sprintf("signed URL request failed: %v", err), true)
}
