package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func TestRateLimiterRejectsBurstOverflow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/sync", newRateLimiter(rate.Limit(0.001), 2).handler(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		request := httptest.NewRequest(http.MethodPost, "/sync", http.NoBody)
		request.RemoteAddr = "192.0.2.10:5000"
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)
		codes = append(codes, recorder.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected two allowed requests then 429, got %v", codes)
	}

	request := httptest.NewRequest(http.MethodPost, "/sync", http.NoBody)
	request.RemoteAddr = "192.0.2.11:5000"
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected a separate bucket per client, got %d", recorder.Code)
	}
}

func TestRateLimiterCoercesBurst(t *testing.T) {
	if limiter := newRateLimiter(rate.Inf, 0); limiter.burst != 1 {
		t.Fatalf("expected burst 1, got %d", limiter.burst)
	}
}
