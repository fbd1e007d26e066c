package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/pixelverify/api"
	"github.com/Aidin1998/pixelverify/internal/admission"
	"github.com/Aidin1998/pixelverify/internal/changesource"
	"github.com/Aidin1998/pixelverify/internal/reconcile"
	"github.com/Aidin1998/pixelverify/internal/stream"
	"github.com/Aidin1998/pixelverify/pkg/models"
)

const (
	testSecret = "test-app-secret"
	testShop   = "shop-1.myshopify.com"
)

type testEnv struct {
	mr     *miniredis.Miniredis
	ctrl   *admission.Controller
	src    *changesource.MemorySource
	server *api.Server
}

func setupEnv(t *testing.T, checks map[string]api.HealthCheck) *testEnv {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctrl := admission.NewController(rdb, admission.DefaultConfig(), logger)
	src := changesource.NewMemorySource()

	cfg := stream.DefaultConfig()
	cfg.ConnectionLimit = 1
	cfg.Backoff = stream.Backoff{Base: 10 * time.Millisecond, Max: 20 * time.Millisecond, ErrorMax: 30 * time.Millisecond}
	b := stream.NewBroadcaster(ctrl, nil, src, cfg, logger)
	engine := reconcile.NewEngine(src, reconcile.Config{}, logger)
	shops := api.NewSessionTokenResolver(testSecret, 5*time.Second, false)

	srv := api.NewServer(logger, b, engine, shops, api.Options{HealthChecks: checks})
	return &testEnv{mr: mr, ctrl: ctrl, src: src, server: srv}
}

func sessionToken(t *testing.T, dest string) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, api.SessionClaims{
		Dest: dest,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+sessionToken(t, "https://"+testShop))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func (e *testEnv) slotReleased(t *testing.T) func() bool {
	key := e.ctrl.CountKey(testShop)
	return func() bool {
		v, err := e.mr.Get(key)
		return err != nil || v == "0"
	}
}

func TestHealthCheck(t *testing.T) {
	env := setupEnv(t, map[string]api.HealthCheck{
		"redis": func(context.Context) error { return nil },
	})
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestHealthCheckDegraded(t *testing.T) {
	env := setupEnv(t, map[string]api.HealthCheck{
		"database": func(context.Context) error { return stderrors.New("connection refused") },
	})
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupEnv(t, nil)
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProtectedRoutesRequireShop(t *testing.T) {
	env := setupEnv(t, nil)
	for _, path := range []string{"/api/v1/stream", "/api/v1/reconciliation"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set(api.ShopDomainHeader, testShop)
		env.server.Router().ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
		assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	}
}

func TestReconciliation(t *testing.T) {
	env := setupEnv(t, nil)
	now := time.Now().UTC()
	key := "1001"
	env.src.AddOrders(
		models.Order{OrderID: "1001", ShopID: testShop, TotalPrice: decimal.NewFromInt(50), Currency: "USD", CreatedAt: now.Add(-time.Hour)},
		models.Order{OrderID: "1002", ShopID: testShop, TotalPrice: decimal.NewFromInt(20), Currency: "USD", CreatedAt: now.Add(-time.Hour)},
	)
	env.src.AddReceipts(models.PixelReceipt{
		ID: "r1", ShopID: testShop, OrderKey: &key, EventType: "checkout_completed",
		Platform: "meta", CreatedAt: now.Add(-50 * time.Minute),
	})

	w := env.do(t, http.MethodGet, "/api/v1/reconciliation?windowHours=1000", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Success bool                       `json:"success"`
		Data    api.ReconciliationResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, reconcile.MaxWindowHours, resp.Data.WindowHours)
	assert.Equal(t, reconcile.Advisory, resp.Data.Advisory)
	assert.Equal(t, 2, resp.Data.Result.TotalOrders)
	assert.Equal(t, 1, resp.Data.Result.OrdersWithPixel)
	assert.Equal(t, []string{"1002"}, resp.Data.Result.MissingOrderIDs)
	assert.Equal(t, 50.0, resp.Data.Result.DiscrepancyRate)
}

func TestReconciliationRejectsBadWindow(t *testing.T) {
	env := setupEnv(t, nil)
	w := env.do(t, http.MethodGet, "/api/v1/reconciliation?windowHours=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "windowHours")
}

func TestReconciliationUpstreamFailure(t *testing.T) {
	env := setupEnv(t, nil)
	env.src.FailNext(stderrors.New("database is down"))
	w := env.do(t, http.MethodGet, "/api/v1/reconciliation", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAnnotate(t *testing.T) {
	env := setupEnv(t, nil)
	body := []byte(`{"results":[
		{"event_type":"checkout_completed","platform":"meta","status":"missing_params",
		 "discrepancies":["missing email"],"params":{},"occurred_at":"2024-01-01T00:00:00Z"},
		{"event_type":"refund","platform":"google","status":"failed","params":{},"occurred_at":"2024-01-01T00:00:00Z"}
	]}`)
	w := env.do(t, http.MethodPost, "/api/v1/verification/annotate", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data struct {
			PerEvent []struct {
				EnvironmentLimited bool `json:"environment_limited"`
			} `json:"per_event"`
			Summary struct {
				Total int `json:"total"`
			} `json:"summary"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Data.Summary.Total)
	require.Len(t, resp.Data.PerEvent, 2)
	assert.True(t, resp.Data.PerEvent[1].EnvironmentLimited)
}

func TestAnnotateRejectsMalformedBody(t *testing.T) {
	env := setupEnv(t, nil)
	w := env.do(t, http.MethodPost, "/api/v1/verification/annotate", []byte(`[1,2`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamCapacityExceeded(t *testing.T) {
	env := setupEnv(t, nil)
	_, err := env.ctrl.Acquire(context.Background(), testShop, 1, time.Hour)
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/v1/stream", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, w.Body.String(), `"retry_after":30`)
}

func TestStreamStoreUnavailable(t *testing.T) {
	env := setupEnv(t, nil)
	env.mr.Close()

	w := env.do(t, http.MethodGet, "/api/v1/stream", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestStreamSSE(t *testing.T) {
	env := setupEnv(t, nil)
	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	env.src.AddReceipts(
		models.PixelReceipt{ID: "r-google", ShopID: testShop, EventType: "page_viewed", Platform: "google", CreatedAt: time.Now().UTC().Add(time.Minute)},
		models.PixelReceipt{ID: "r-meta", ShopID: testShop, EventType: "page_viewed", Platform: "meta", CreatedAt: time.Now().UTC().Add(2 * time.Minute)},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/api/v1/stream?platforms=meta&token="+sessionToken(t, testShop), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var events []string
	var data []string
	scanner := bufio.NewScanner(resp.Body)
	for len(data) < 2 && scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			events = append(events, strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(line, "data:"))
		}
	}
	require.Equal(t, []string{"connected", "event"}, events)
	assert.Contains(t, data[1], "r-meta")
	assert.NotContains(t, data[1], "r-google")

	cancel()
	assert.Eventually(t, env.slotReleased(t), 2*time.Second, 10*time.Millisecond)
}

func TestStreamWebSocket(t *testing.T) {
	env := setupEnv(t, nil)
	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream/ws?token=" + sessionToken(t, testShop)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var msg stream.Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, stream.TypeConnected, msg.Type)
	assert.NotEmpty(t, msg.ConnectionID)

	// the only slot is taken while the socket is open
	w := env.do(t, http.MethodGet, "/api/v1/stream", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	require.NoError(t, conn.Close())
	assert.Eventually(t, env.slotReleased(t), 2*time.Second, 10*time.Millisecond)
}
