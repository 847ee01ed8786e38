// SPDX-License-Identifier: MIT

package auth

import (
	"net/http"
	"strings"
)

// ExtractToken retrieves the bearer token from a websocket handshake.
// Precedence:
// 1. Authorization: Bearer <token>
// 2. Cookie: soundspan_session
// 3. Query: ?token= (browser websocket clients cannot set headers)
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if c, err := r.Cookie("soundspan_session"); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}
