package middleware

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
)

// TokenOK reports whether r carries token as ?token=, ?password=, X-Auth-Token or a
// Bearer Authorization header.
func TokenOK(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	if r == nil {
		return false
	}
	q := r.URL.Query()
	for _, name := range []string{"token", "password"} {
		if v := q.Get(name); v != "" && equal(v, token) {
			return true
		}
	}
	ah := r.Header.Get("Authorization")
	if len(ah) > len("bearer ") && strings.EqualFold(ah[:len("bearer ")], "bearer ") {
		if equal(strings.TrimSpace(ah[len("bearer "):]), token) {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && equal(x, token) {
		return true
	}
	return false
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// TokenAuth rejects API requests without the shared token. Paths matching one of the
// public prefixes pass through; an empty token disables the check.
func TokenAuth(getToken func() string, public ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := getToken()
			if token == "" || c.Request().Method == http.MethodOptions {
				return next(c)
			}
			p := c.Request().URL.Path
			for _, prefix := range public {
				if p == prefix || strings.HasPrefix(p, prefix) && strings.HasSuffix(prefix, "/") {
					return next(c)
				}
			}
			if !TokenOK(c.Request(), token) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			return next(c)
		}
	}
}

// RedactToken strips credentials from a URL before it is logged.
func RedactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for _, name := range []string{"token", "password"} {
		if q.Has(name) {
			q.Set(name, "redacted")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
