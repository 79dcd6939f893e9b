package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestTokenOK(t *testing.T) {
	// Missing expected -> accept
	if !TokenOK(nil, "") {
		t.Fatalf("expected true when expected empty")
	}
	r := httptest.NewRequest(http.MethodGet, "/?password=secret", nil)
	if !TokenOK(r, "secret") {
		t.Fatalf("expected true with query password")
	}
	r1 := httptest.NewRequest(http.MethodGet, "/?token=secret", nil)
	if !TokenOK(r1, "secret") {
		t.Fatalf("expected true with query token")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "tok")
	if !TokenOK(r2, "tok") {
		t.Fatalf("expected true with X-Auth-Token")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "bearer abc")
	if !TokenOK(r3, "abc") {
		t.Fatalf("expected true with lowercase bearer prefix")
	}
}

func TestTokenOK_NegativeCases(t *testing.T) {
	r1 := httptest.NewRequest(http.MethodGet, "/?password=wrong", nil)
	if TokenOK(r1, "secret") {
		t.Fatalf("expected false with wrong query token")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "nope")
	if TokenOK(r2, "secret") {
		t.Fatalf("expected false with wrong X-Auth-Token")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "Bearer nope")
	if TokenOK(r3, "secret") {
		t.Fatalf("expected false with wrong bearer token")
	}
	r4 := httptest.NewRequest(http.MethodGet, "/", nil)
	r4.Header.Set("Authorization", "Basic secret")
	if TokenOK(r4, "secret") {
		t.Fatalf("expected false with non-bearer scheme")
	}
}

func TestTokenAuth(t *testing.T) {
	e := echo.New()
	e.Use(TokenAuth(func() string { return "secret" }, "/healthz", "/api/v1/videos/"))
	ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	e.GET("/healthz", ok)
	e.GET("/api/v1/videos/:name", ok)
	e.GET("/api/v1/private", ok)

	cases := []struct {
		path string
		auth string
		want int
	}{
		{"/healthz", "", http.StatusOK},
		{"/api/v1/videos/a.mp4", "", http.StatusOK},
		{"/api/v1/private", "", http.StatusUnauthorized},
		{"/api/v1/private", "Bearer secret", http.StatusOK},
		{"/api/v1/private?token=secret", "", http.StatusOK},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.auth != "" {
			r.Header.Set("Authorization", tc.auth)
		}
		w := httptest.NewRecorder()
		e.ServeHTTP(w, r)
		if w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.path, tc.want, w.Code)
		}
	}
}

func TestRedactToken(t *testing.T) {
	got := RedactToken("/api/v1/conversation/ws?session_id=a&token=secret")
	if got != "/api/v1/conversation/ws?session_id=a&token=redacted" {
		t.Fatalf("unexpected redaction: %s", got)
	}
}
