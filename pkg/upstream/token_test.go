package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func tokenServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "refresh_token" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			_, _ = w.Write([]byte(`{"access_token":"access-1","token_type":"bearer","expires_in":3600,"refresh_token":"refresh-2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"access-2","token_type":"bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRefreshableTokenSource_CachesUntilNearExpiry(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits)
	conf := &oauth2.Config{
		ClientID:     "id",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInHeader},
	}

	ts, err := NewRefreshableTokenSource(context.Background(), conf, &oauth2.Token{RefreshToken: "refresh-1"})
	require.NoError(t, err)

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)

	tok, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, int32(1), hits.Load())

	// Jump to within the early-expiry window.
	ts.now = func() time.Time { return tok.Expiry.Add(-30 * time.Second) }
	tok, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok.AccessToken)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "refresh-2", ts.refreshToken, "rotated refresh token is kept")
}

func TestRefreshableTokenSource_Invalidate(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits)
	conf := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}

	ts, err := NewRefreshableTokenSource(context.Background(), conf, &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "stale", tok.AccessToken)
	assert.Equal(t, int32(0), hits.Load())

	ts.Invalidate()
	tok, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
}

func TestNewRefreshableTokenSource_RequiresRefreshToken(t *testing.T) {
	_, err := NewRefreshableTokenSource(context.Background(), &oauth2.Config{}, &oauth2.Token{AccessToken: "x"})
	assert.Error(t, err)
}
