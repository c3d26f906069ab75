package gateway_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/taskd/internal/gateway"
)

func TestCORS_PreflightHeaders(t *testing.T) {
	wrap := gateway.NewCORSMiddleware([]string{"https://example.com"}, "X-Taskd-Secret")

	handler := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called for OPTIONS preflight")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/task", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "https://example.com" {
		t.Fatalf("expected origin https://example.com, got %q", origin)
	}
	if methods := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(methods, "PATCH") {
		t.Fatalf("expected PATCH in allowed methods, got %q", methods)
	}
	if headers := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(headers, "X-Taskd-Secret") {
		t.Fatalf("expected secret header to be allowed, got %q", headers)
	}
}

func TestCORS_AllowedOrigin(t *testing.T) {
	wrap := gateway.NewCORSMiddleware([]string{"https://allowed.com/"}, "")
	handler := wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Origin", "https://allowed.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "https://allowed.com" {
		t.Fatalf("expected origin https://allowed.com, got %q", origin)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	wrap := gateway.NewCORSMiddleware([]string{"https://allowed.com"}, "")
	handler := wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Origin", "https://evil.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// CORS is not access control; the request passes without CORS headers.
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "" {
		t.Fatalf("expected no Access-Control-Allow-Origin, got %q", origin)
	}
}

func TestCORS_Wildcard(t *testing.T) {
	wrap := gateway.NewCORSMiddleware([]string{"*"}, "")
	handler := wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Origin", "https://any-origin.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "https://any-origin.com" {
		t.Fatalf("expected origin https://any-origin.com, got %q", origin)
	}
}

func TestCORS_NoOriginsIsPassThrough(t *testing.T) {
	wrap := gateway.NewCORSMiddleware(nil, "")

	called := false
	handler := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("inner handler should have been called")
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "" {
		t.Fatalf("expected no CORS headers, got %q", origin)
	}
}

func TestRequestSizeLimitMiddleware(t *testing.T) {
	wrap := gateway.RequestSizeLimitMiddleware(100)

	handler := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var total int
		buf := make([]byte, 32)
		for {
			n, err := r.Body.Read(buf)
			total += n
			if err != nil {
				break
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "%d", total)
	}))

	req := httptest.NewRequest(http.MethodPost, "/task", strings.NewReader("small"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Body.String() != "5" {
		t.Fatalf("small body read %s bytes, want 5", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/task", strings.NewReader(strings.Repeat("x", 200)))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Body.String(); got != "100" && got != "101" {
		t.Fatalf("oversized body read %s bytes, want at most 101", got)
	}
}
