package utils

import (
	"net/http"
	"strings"
)

// UserKey identifies the caller. The identity provider is external; this
// only trusts whatever key the frontend forwards.
func UserKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-User-Key")); key != "" {
		return key
	}
	return "anonymous"
}
