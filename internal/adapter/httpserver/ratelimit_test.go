package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/sessionlock/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRemoteAddr = "1.2.3.4:1234"

func serveLimited(t *testing.T, handler echo.HandlerFunc, path, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath(path)
	require.NoError(t, handler(c))
	return rec
}

func TestRateLimiter(t *testing.T) {
	ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }

	t.Run("allows requests under limit", func(t *testing.T) {
		handler := newRateLimiter(10, 3)(ok)
		for range 3 {
			assert.Equal(t, http.StatusOK, serveLimited(t, handler, "/api/v1/check", testRemoteAddr).Code)
		}
	})

	t.Run("blocks excessive requests with a structured error", func(t *testing.T) {
		handler := newRateLimiter(0.01, 1)(ok)
		assert.Equal(t, http.StatusOK, serveLimited(t, handler, "/api/v1/check", testRemoteAddr).Code)

		rec := serveLimited(t, handler, "/api/v1/check", testRemoteAddr)
		require.Equal(t, http.StatusTooManyRequests, rec.Code)

		var body apperrors.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, apperrors.TypeRateLimited, body.Type)
		assert.EqualValues(t, 100, body.Context["retry_after_seconds"])
	})

	t.Run("limits per client", func(t *testing.T) {
		handler := newRateLimiter(0.01, 1)(ok)
		assert.Equal(t, http.StatusOK, serveLimited(t, handler, "/api/v1/check", testRemoteAddr).Code)
		assert.Equal(t, http.StatusOK, serveLimited(t, handler, "/api/v1/check", "5.6.7.8:1234").Code)
	})

	t.Run("never limits lifecycle notifications", func(t *testing.T) {
		handler := newRateLimiter(0.01, 1)(ok)
		for range 5 {
			assert.Equal(t, http.StatusOK, serveLimited(t, handler, "/api/v1/lifecycle/pagehide", testRemoteAddr).Code)
		}
		assert.Equal(t, http.StatusOK, serveLimited(t, handler, "/api/v1/status", testRemoteAddr).Code)
	})

	t.Run("non-positive rate disables limiting", func(t *testing.T) {
		handler := newRateLimiter(0, 0)(ok)
		for range 10 {
			assert.Equal(t, http.StatusOK, serveLimited(t, handler, "/api/v1/check", testRemoteAddr).Code)
		}
	})
}
