package web

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func limitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimitMiddleware(rl))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func hit(router http.Handler, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = ip + ":12345"
	router.ServeHTTP(w, req)
	return w
}

func TestGetLimiter(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)

	limiter1 := rl.getLimiter("192.168.1.1")
	if limiter1 == nil {
		t.Fatal("getLimiter returned nil")
	}
	if limiter2 := rl.getLimiter("192.168.1.1"); limiter1 != limiter2 {
		t.Error("getLimiter should return the same limiter for the same IP")
	}
	if limiter3 := rl.getLimiter("192.168.1.2"); limiter1 == limiter3 {
		t.Error("getLimiter should return different limiters for different IPs")
	}
	if limiter1.Burst() != 20 || limiter1.Limit() != rate.Limit(10) {
		t.Errorf("Unexpected limiter settings %v/%d", limiter1.Limit(), limiter1.Burst())
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		requestCount   int
		rateLimit      rate.Limit
		burst          int
		expectedStatus int
	}{
		{"under limit", 5, rate.Limit(10), 10, http.StatusOK},
		{"at burst limit", 10, rate.Limit(1), 10, http.StatusOK},
		{"over limit", 15, rate.Limit(1), 10, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := limitedRouter(NewRateLimiter(tt.rateLimit, tt.burst))

			var last *httptest.ResponseRecorder
			for i := 0; i < tt.requestCount; i++ {
				last = hit(router, "192.168.1.100")
			}
			if last.Code != tt.expectedStatus {
				t.Errorf("Expected final status %d, got %d", tt.expectedStatus, last.Code)
			}
		})
	}
}

func TestRateLimitMiddlewareErrorResponse(t *testing.T) {
	router := limitedRouter(NewRateLimiter(rate.Limit(1), 1))

	if w := hit(router, "192.168.1.100"); w.Code != http.StatusOK {
		t.Errorf("First request should succeed, got status %d", w.Code)
	}
	w := hit(router, "192.168.1.100")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Second request should be rate limited, got status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Rate limit exceeded") {
		t.Errorf("Expected rate limit error message, got: %s", w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Rate limited response should carry Retry-After")
	}
}

func TestRateLimitMiddlewareDifferentIPs(t *testing.T) {
	router := limitedRouter(NewRateLimiter(rate.Limit(1), 1))

	if w := hit(router, "192.168.1.1"); w.Code != http.StatusOK {
		t.Errorf("First IP should succeed, got status %d", w.Code)
	}
	if w := hit(router, "192.168.1.2"); w.Code != http.StatusOK {
		t.Errorf("Second IP should succeed, got status %d", w.Code)
	}
}

func TestRateLimitMiddlewareRecovery(t *testing.T) {
	router := limitedRouter(NewRateLimiter(rate.Limit(10), 1))

	hit(router, "192.168.1.1")
	if w := hit(router, "192.168.1.1"); w.Code != http.StatusTooManyRequests {
		t.Errorf("Second request should be rate limited, got status %d", w.Code)
	}

	time.Sleep(150 * time.Millisecond)

	if w := hit(router, "192.168.1.1"); w.Code != http.StatusOK {
		t.Errorf("Request after waiting should succeed, got status %d", w.Code)
	}
}

func TestPruneIdleLimiters(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.getLimiter("10.0.0.1")
	rl.getLimiter("10.0.0.2")
	now = now.Add(10 * time.Minute)
	rl.getLimiter("10.0.0.2")

	if removed := rl.Prune(5 * time.Minute); removed != 1 {
		t.Errorf("Expected 1 pruned limiter, got %d", removed)
	}
	rl.mu.Lock()
	_, stale := rl.limiters["10.0.0.1"]
	_, fresh := rl.limiters["10.0.0.2"]
	rl.mu.Unlock()
	if stale || !fresh {
		t.Errorf("Wrong limiters pruned: stale kept=%v, fresh kept=%v", stale, fresh)
	}
}

func TestRunCleanupStopsWithContext(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)
	rl.getLimiter("10.0.0.1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rl.RunCleanup(ctx, time.Millisecond, 0)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		rl.mu.Lock()
		n := len(rl.limiters)
		rl.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Idle limiter was never pruned")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunCleanup did not return after cancel")
	}
}

func TestMaxBytesMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name           string
		bodySize       int
		chunked        bool
		expectedStatus int
	}{
		{"under limit", 512, false, http.StatusOK},
		{"at limit", 1024, false, http.StatusOK},
		{"over limit by content-length", 2048, false, http.StatusRequestEntityTooLarge},
		{"over limit without content-length", 2048, true, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(MaxBytesMiddleware(1024))
			router.POST("/test", func(c *gin.Context) {
				if _, err := io.ReadAll(c.Request.Body); err != nil {
					c.Status(http.StatusRequestEntityTooLarge)
					return
				}
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewReader(bytes.Repeat([]byte("x"), tt.bodySize)))
			if tt.chunked {
				req.ContentLength = -1
			}
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if tt.expectedStatus == http.StatusRequestEntityTooLarge && !tt.chunked &&
				!strings.Contains(w.Body.String(), "Request body too large") {
				t.Errorf("Expected error message about body size, got: %s", w.Body.String())
			}
		})
	}
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	logger := log.NewWithOptions(&buf, log.Options{Level: log.DebugLevel})
	router := gin.New()
	router.Use(RequestLogger(logger))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/broken", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/broken", nil))

	out := buf.String()
	if !strings.Contains(out, "DEBU") || !strings.Contains(out, "path=/ok") {
		t.Errorf("Missing debug line for /ok: %s", out)
	}
	if !strings.Contains(out, "ERRO") || !strings.Contains(out, "status=502") {
		t.Errorf("Missing error line for /broken: %s", out)
	}
}
