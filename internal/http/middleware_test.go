package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"heygem/internal/config"
)

func TestRateLimit_LocalFallback(t *testing.T) {
	cfg := &config.Config{}
	cfg.RateLimit.DefaultPerMinute = 2
	cfg.ApplyDefaults()

	s := NewServer(cfg, &fakeService{}, nil, nil, testLogger())

	for i := 0; i < 2; i++ {
		status, env, _ := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/easy/query?code=x", nil))
		if status != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d %#v", i, status, env)
		}
	}

	status, env, _ := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/easy/query?code=x", nil))
	if status != http.StatusTooManyRequests || env.Code != CodeBusy {
		t.Fatalf("expected rate limit, got %d %#v", status, env)
	}

	// Health endpoints are not rate limited.
	status, _, _ = doRequest(t, s, httptest.NewRequest(http.MethodGet, "/health", nil))
	if status != http.StatusOK {
		t.Fatalf("expected /health to bypass rate limit, got %d", status)
	}
}

func TestRateLimit_DisabledWhenZero(t *testing.T) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()

	app := fiber.New()
	app.Use(rateLimitMiddleware(cfg, nil, nil))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })

	for i := 0; i < 50; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
		if err != nil {
			t.Fatalf("app.Test error: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
	}
}

func TestRequestMiddleware_SetsRequestID(t *testing.T) {
	s := newTestServer(t, &fakeService{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if got := resp.Header.Get("X-Request-Id"); got != "req-123" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}

	resp, err = s.app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected a generated request id")
	}
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	s := newTestServer(t, &fakeService{})

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/nope", nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Success || env.Code != CodeSystemError {
		t.Fatalf("unexpected envelope: %#v", env)
	}
}

func TestSwitchFlag(t *testing.T) {
	cases := []struct {
		in   string
		def  bool
		want bool
	}{
		{`{}`, true, true},
		{`{"v": null}`, false, false},
		{`{"v": ""}`, true, true},
		{`{"v": "1"}`, false, true},
		{`{"v": "0"}`, true, false},
		{`{"v": 1}`, false, true},
		{`{"v": 0}`, true, false},
		{`{"v": true}`, false, true},
		{`{"v": false}`, true, false},
		{`{"v": "yes"}`, true, false},
	}
	for _, tc := range cases {
		var v struct {
			V switchFlag `json:"v"`
		}
		if err := json.Unmarshal([]byte(tc.in), &v); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.in, err)
		}
		if got := v.V.value(tc.def); got != tc.want {
			t.Fatalf("%s (default %v): expected %v, got %v", tc.in, tc.def, tc.want, got)
		}
	}
}
