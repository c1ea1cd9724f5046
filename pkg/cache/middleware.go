package cache

import (
	"bytes"
	"net/http"
	"strings"
)

// replayedHeaders are restored on a cache hit.
var replayedHeaders = []string{"Content-Type", "Cache-Control"}

// cacheResponseWriter captures the status code and body of a response.
type cacheResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (w *cacheResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *cacheResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.statusCode = http.StatusOK
		w.written = true
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Immutable reports whether a Cache-Control header value carries the
// immutable directive.
func Immutable(cacheControl string) bool {
	for _, d := range strings.Split(cacheControl, ",") {
		if strings.EqualFold(strings.TrimSpace(d), "immutable") {
			return true
		}
	}
	return false
}

// CacheMiddleware returns HTTP middleware that serves GET responses from c.
// The cache key is the request URI (path + query).
//
// Behavior:
//   - Only GET requests are looked up; other methods pass through.
//   - On a hit the stored status, Content-Type, Cache-Control and body are
//     replayed with X-Cache: HIT.
//   - On a miss the handler runs with X-Cache: MISS. A 200 response whose
//     Cache-Control is immutable is stored; everything else is not.
func CacheMiddleware(c *LRUCache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			key := r.URL.RequestURI()

			if cached, ok := c.Get(key); ok {
				for _, h := range replayedHeaders {
					if v := cached.Header.Get(h); v != "" {
						w.Header().Set(h, v)
					}
				}
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}

			crw := &cacheResponseWriter{ResponseWriter: w}
			crw.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(crw, r)

			if crw.statusCode != http.StatusOK || !Immutable(crw.Header().Get("Cache-Control")) {
				return
			}
			header := make(http.Header, len(replayedHeaders))
			for _, h := range replayedHeaders {
				if v := crw.Header().Get(h); v != "" {
					header.Set(h, v)
				}
			}
			c.Set(key, &Response{
				Status: crw.statusCode,
				Header: header,
				Body:   bytes.Clone(crw.body.Bytes()),
			})
		})
	}
}
