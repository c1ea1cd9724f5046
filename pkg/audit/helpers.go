package audit

import (
	"net/http"
	"strings"
)

// extractResourceType returns the API collection a path addresses, e.g.
// "deadletters" for /api/ingest/v1/deadletters/{id}:resolve.
func extractResourceType(path string) string {
	for _, p := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		switch p {
		case "runs", "deadletters", "checkpoints":
			return p
		}
	}
	return ""
}

// extractResourceID returns the segment after the resource type with any
// :action suffix stripped.
func extractResourceID(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, p := range parts {
		switch p {
		case "runs", "deadletters":
			if i+1 < len(parts) {
				id := parts[i+1]
				if colonIdx := strings.Index(id, ":"); colonIdx > 0 {
					id = id[:colonIdx]
				}
				return id
			}
		}
	}
	return ""
}

// extractAction prefers a custom-method suffix ("{id}:resolve") and falls
// back to the HTTP method.
func extractAction(method, path string) string {
	last := path[strings.LastIndex(path, "/")+1:]
	if colonIdx := strings.Index(last, ":"); colonIdx > 0 && colonIdx < len(last)-1 {
		return last[colonIdx+1:]
	}

	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut:
		return "update"
	case http.MethodPatch:
		return "patch"
	case http.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

// extractActor reads the principal set by the fronting auth proxy.
func extractActor(r *http.Request) string {
	for _, h := range []string{"X-Forwarded-User", "X-User-Principal"} {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}
	return "anonymous"
}

// isAudited reports whether a request is an operator action. Reads and
// health probes are not audited.
func isAudited(method, path string) bool {
	switch path {
	case "/livez", "/readyz", "/healthz", "/metrics":
		return false
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// outcomeFromStatus maps HTTP status codes to audit outcomes.
func outcomeFromStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "success"
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return "denied"
	default:
		return "failure"
	}
}
