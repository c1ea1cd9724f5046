package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// YahooEndpoint is the OAuth2 endpoint of the Yahoo login service.
var YahooEndpoint = oauth2.Endpoint{
	AuthURL:   "https://api.login.yahoo.com/oauth2/request_auth",
	TokenURL:  "https://api.login.yahoo.com/oauth2/get_token",
	AuthStyle: oauth2.AuthStyleInHeader,
}

// tokenEarlyExpiry is how long before expiry a cached access token is
// considered stale.
const tokenEarlyExpiry = 60 * time.Second

// Invalidator is implemented by token sources that can drop a cached
// credential after the upstream rejected it.
type Invalidator interface {
	Invalidate()
}

// RefreshableTokenSource hands out access tokens minted from a long-lived
// refresh token. Tokens are cached until shortly before expiry.
type RefreshableTokenSource struct {
	ctx  context.Context
	conf *oauth2.Config
	now  func() time.Time

	mu           sync.Mutex
	refreshToken string
	current      *oauth2.Token
}

// NewRefreshableTokenSource creates a token source. tok may carry a still
// valid access token; it must carry a refresh token.
func NewRefreshableTokenSource(ctx context.Context, conf *oauth2.Config, tok *oauth2.Token) (*RefreshableTokenSource, error) {
	if conf == nil {
		return nil, errors.New("oauth2 config is required")
	}
	if tok == nil || tok.RefreshToken == "" {
		return nil, errors.New("refresh token is required")
	}
	s := &RefreshableTokenSource{
		ctx:          ctx,
		conf:         conf,
		now:          time.Now,
		refreshToken: tok.RefreshToken,
	}
	if tok.AccessToken != "" {
		s.current = tok
	}
	return s, nil
}

// Token implements oauth2.TokenSource.
func (s *RefreshableTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fresh() {
		return s.current, nil
	}

	tok, err := s.conf.TokenSource(s.ctx, &oauth2.Token{RefreshToken: s.refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh access token: %w", err)
	}
	if tok.RefreshToken != "" {
		s.refreshToken = tok.RefreshToken
	}
	s.current = tok
	return tok, nil
}

// Invalidate drops the cached access token so the next Token call refreshes.
func (s *RefreshableTokenSource) Invalidate() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

func (s *RefreshableTokenSource) fresh() bool {
	if s.current == nil || s.current.AccessToken == "" {
		return false
	}
	if s.current.Expiry.IsZero() {
		return true
	}
	return s.now().Add(tokenEarlyExpiry).Before(s.current.Expiry)
}
