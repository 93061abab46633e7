package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newContext(method, path string, body io.Reader) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func ok(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// -- Request ID --

func TestRequestID_GeneratesNew(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)

	handler := func(c echo.Context) error {
		if rid, _ := c.Get("request_id").(string); rid == "" {
			t.Error("expected request_id to be generated")
		}
		return ok(c)
	}
	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	c.Request().Header.Set(RequestIDHeader, "designer-42")

	handler := func(c echo.Context) error {
		if rid := c.Get("request_id").(string); rid != "designer-42" {
			t.Errorf("expected designer-42, got %s", rid)
		}
		return ok(c)
	}
	_ = RequestID()(handler)(c)

	if rec.Header().Get(RequestIDHeader) != "designer-42" {
		t.Errorf("expected designer-42 in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesOversized(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	c.Request().Header.Set(RequestIDHeader, strings.Repeat("x", 500))
	_ = RequestID()(ok)(c)
	if got := rec.Header().Get(RequestIDHeader); len(got) != 36 {
		t.Errorf("expected a generated uuid, got %q", got)
	}
}

// -- Logger / Recovery --

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newContext(http.MethodGet, "/api/v1/form-builder/sessions", nil)
	c.Set("request_id", "r-1")

	if err := Logger(zerolog.New(&buf))(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"request_id":"r-1"`, `"status":200`, `"path":"/api/v1/form-builder/sessions"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in log line %s", want, out)
		}
	}
}

func TestLogger_UsesHTTPErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newContext(http.MethodGet, "/", nil)

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "edit session not found")
	}
	_ = Logger(zerolog.New(&buf))(handler)(c)
	if !strings.Contains(buf.String(), `"status":404`) || !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Errorf("unexpected log line %s", buf.String())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/panic", nil)
	handler := func(c echo.Context) error {
		panic("test panic")
	}

	err := Recovery(zerolog.Nop())(handler)(c)
	httpErr, isHTTP := err.(*echo.HTTPError)
	if !isHTTP {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/ok", nil)
	if err := Recovery(zerolog.Nop())(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// -- Timeout --

func TestRequestTimeout_CompletesWithinDeadline(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/", nil)
	handler := func(c echo.Context) error {
		if _, has := c.Request().Context().Deadline(); !has {
			t.Error("expected a deadline on the request context")
		}
		return ok(c)
	}
	if err := RequestTimeout(5 * time.Second)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout_ReturnsTimeoutOnExpiry(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/", nil)
	handler := func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	}
	err := RequestTimeout(10 * time.Millisecond)(handler)(c)
	he, isHTTP := err.(*echo.HTTPError)
	if !isHTTP || he.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %v", err)
	}
}

func TestRequestTimeout_PropagatesHandlerError(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/", nil)
	want := errors.New("boom")
	handler := func(c echo.Context) error { return want }
	if err := RequestTimeout(time.Second)(handler)(c); !errors.Is(err, want) {
		t.Errorf("expected handler error, got %v", err)
	}
}

// -- Body limit --

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 1 << 20},
		{"512K", 512 << 10},
		{"2M", 2 << 20},
		{"2MB", 2 << 20},
		{"1G", 1 << 30},
		{"1000", 1000},
		{"lots", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.in); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	c, _ := newContext(http.MethodPost, "/", strings.NewReader(`{"term":"fever"}`))
	handler := func(c echo.Context) error {
		if _, err := io.ReadAll(c.Request().Body); err != nil {
			t.Errorf("unexpected read error: %v", err)
		}
		return ok(c)
	}
	if err := BodyLimit("1K")(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBodyLimit_RejectsByContentLength(t *testing.T) {
	c, _ := newContext(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 2048)))
	err := BodyLimit("1K")(ok)(c)
	he, isHTTP := err.(*echo.HTTPError)
	if !isHTTP || he.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %v", err)
	}
}

func TestBodyLimit_EnforcesLimitDuringRead(t *testing.T) {
	c, _ := newContext(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 2048)))
	c.Request().ContentLength = -1

	var readErr error
	handler := func(c echo.Context) error {
		_, readErr = io.ReadAll(c.Request().Body)
		return nil
	}
	_ = BodyLimit("1K")(handler)(c)
	if readErr == nil {
		t.Error("expected read to fail past the limit")
	}
}

// -- Security headers --

func TestSecurityHeaders_SetsHeaders(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	if err := SecurityHeaders()(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s: expected %q, got %q", header, want, got)
		}
	}
}
