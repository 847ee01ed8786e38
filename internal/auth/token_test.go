// SPDX-License-Identifier: MIT

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractTokenPriorityOrder(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.local/ws?token=query-token", nil)
	r.Header.Set("Authorization", "Bearer bearer-token ")
	r.AddCookie(&http.Cookie{Name: "soundspan_session", Value: "cookie-token"})

	if got := ExtractToken(r); got != "bearer-token" {
		t.Fatalf("ExtractToken() = %q, want %q", got, "bearer-token")
	}
}

func TestExtractTokenCookieBeforeQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.local/ws?token=query-token", nil)
	r.AddCookie(&http.Cookie{Name: "soundspan_session", Value: "cookie-token"})

	if got := ExtractToken(r); got != "cookie-token" {
		t.Fatalf("ExtractToken() = %q, want %q", got, "cookie-token")
	}
}

func TestExtractTokenQueryFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.local/ws?token=query-token", nil)

	if got := ExtractToken(r); got != "query-token" {
		t.Fatalf("ExtractToken() = %q, want %q", got, "query-token")
	}
}

func TestExtractTokenAbsent(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.local/ws", nil)

	if got := ExtractToken(r); got != "" {
		t.Fatalf("ExtractToken() = %q, want empty", got)
	}
}
