package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/oauth2"
)

// maxBodyBytes caps how much of a single response is buffered.
const maxBodyBytes = 32 << 20

// maxSnippet caps the response body quoted in an error.
const maxSnippet = 200

// ClientConfig configures the Yahoo Fantasy HTTP client.
type ClientConfig struct {
	BaseURL   string        // API root. Default https://fantasysports.yahooapis.com/fantasy/v2.
	Timeout   time.Duration // Per-request timeout. Default 30s.
	UserAgent string
}

// DefaultClientConfig returns the production client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:   "https://fantasysports.yahooapis.com/fantasy/v2",
		Timeout:   30 * time.Second,
		UserAgent: "fantasy-ingest",
	}
}

// HTTPClient calls the Yahoo Fantasy v2 API with a bearer credential.
type HTTPClient struct {
	cfg        *ClientConfig
	tokens     oauth2.TokenSource
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewHTTPClient creates a client. tokens supplies the bearer credential on
// demand; when it also implements Invalidator a 401 drops the cached
// credential and the returned error satisfies CredentialRefreshed.
func NewHTTPClient(cfg *ClientConfig, tokens oauth2.TokenSource, logger *slog.Logger) *HTTPClient {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		now:        time.Now,
	}
}

// Preflight verifies that a credential can be produced.
func (c *HTTPClient) Preflight(ctx context.Context) error {
	_, err := c.token()
	return err
}

// Call implements Caller. Each call issues at most one network request; a
// retry after a refreshed credential is the caller's decision.
func (c *HTTPClient) Call(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.do(ctx, req)
	var uerr *Error
	if errors.As(err, &uerr) && uerr.StatusCode == http.StatusUnauthorized {
		if inv, ok := c.tokens.(Invalidator); ok {
			c.logger.Info("upstream rejected credential, refreshing", "endpoint", req.Endpoint)
			inv.Invalidate()
			uerr.Err = fmt.Errorf("%w: %w", ErrCredentialRefreshed, uerr.Err)
		}
	}
	return resp, err
}

func (c *HTTPClient) token() (*oauth2.Token, error) {
	if c.tokens == nil {
		return nil, NewError(Fatal, errors.New("no credential source configured"))
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, NewError(Fatal, fmt.Errorf("obtain credential: %w", err))
	}
	return tok, nil
}

func (c *HTTPClient) do(ctx context.Context, req Request) (*Response, error) {
	u, err := c.buildURL(req)
	if err != nil {
		return nil, NewError(Permanent, err)
	}

	tok, err := c.token()
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, NewError(Permanent, fmt.Errorf("creating request: %w", err))
	}
	tok.SetAuthHeader(httpReq)
	httpReq.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	c.logger.Debug("calling upstream", "endpoint", req.Endpoint)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, NewError(Transient, fmt.Errorf("GET %s: %w", req.Endpoint, err))
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, NewError(Transient, fmt.Errorf("reading response: %w", err))
	}

	if httpResp.StatusCode >= 300 {
		uerr := &Error{
			Class:      StatusClass(httpResp.StatusCode),
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("GET %s: %s", req.Endpoint, snippet(body)),
		}
		if httpResp.StatusCode == http.StatusTooManyRequests {
			uerr.RetryAfter = ParseRetryAfter(httpResp.Header.Get("Retry-After"), c.now())
		} else if v := httpResp.Header.Get("Retry-After"); v != "" {
			uerr.RetryAfter = ParseRetryAfter(v, c.now())
		}
		return nil, uerr
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
		FetchedAt:  c.now().UTC(),
	}, nil
}

func (c *HTTPClient) buildURL(req Request) (string, error) {
	if req.Endpoint == "" {
		return "", errors.New("empty endpoint")
	}
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(req.Endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", req.Endpoint, err)
	}
	q := url.Values{}
	for k, vs := range req.Params {
		q[k] = append([]string(nil), vs...)
	}
	if q.Get("format") == "" {
		q.Set("format", "json")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxSnippet {
		cut := maxSnippet
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
