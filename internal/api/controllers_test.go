package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalist/internal/bot"
	"signalist/internal/domain"
	"signalist/internal/engine"
	"signalist/internal/events"
	"signalist/internal/monitor"
	"signalist/internal/reconciliation"
	"signalist/internal/risk"
	"signalist/pkg/brokers/common"
)

const testSecret = "test-secret"

// stubEngine records calls and returns canned answers.
type stubEngine struct {
	bus *events.Bus

	mu       sync.Mutex
	calls    []string
	startOpt *bot.StartOptions
	startErr error
	stopRes  bot.StopResult
	recon    reconciliation.Result
	reconErr error
	creds    common.Credentials
}

func (e *stubEngine) record(call string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
}

func (e *stubEngine) StartBot(_ context.Context, userID, botID string, opts *bot.StartOptions) (bot.Status, error) {
	e.record("start:" + userID + "/" + botID)
	e.startOpt = opts
	if e.startErr != nil {
		return bot.Status{}, e.startErr
	}
	return bot.Status{UserID: userID, BotID: botID, State: domain.BotRunning}, nil
}

func (e *stubEngine) StopBot(_ context.Context, userID, botID string) (bot.StopResult, error) {
	e.record("stop:" + userID + "/" + botID)
	return e.stopRes, nil
}

func (e *stubEngine) GetBotStatus(_ context.Context, userID, botID string) (bot.Status, error) {
	if botID == "missing" {
		return bot.Status{}, bot.ErrBotNotFound
	}
	return bot.Status{UserID: userID, BotID: botID, State: domain.BotStopped}, nil
}

func (e *stubEngine) ListUserBots(_ context.Context, userID string) ([]bot.Status, error) {
	return []bot.Status{{UserID: userID, BotID: "b1", State: domain.BotStopped}}, nil
}

func (e *stubEngine) OpenTrades(context.Context, string) ([]domain.Trade, error) { return nil, nil }

func (e *stubEngine) ReconcileUser(_ context.Context, userID string) (reconciliation.Result, error) {
	e.record("reconcile:" + userID)
	return e.recon, e.reconErr
}

func (e *stubEngine) ReconcileAll(context.Context) (reconciliation.BatchResult, error) {
	e.record("reconcile-all")
	return reconciliation.BatchResult{UsersProcessed: 2, Errors: []reconciliation.UserError{}}, nil
}

func (e *stubEngine) GetReconciliationStatus(context.Context) (reconciliation.Status, error) {
	return reconciliation.Status{Running: true, Interval: time.Minute}, nil
}

func (e *stubEngine) GetRiskProfile(context.Context, string, string) (risk.Profile, error) {
	return risk.DefaultProfile(), nil
}

func (e *stubEngine) SaveRiskProfile(_ context.Context, userID, botID string, p risk.Profile) error {
	e.record("risk:" + userID + "/" + botID)
	return p.Validate()
}

func (e *stubEngine) SaveCredentials(_ context.Context, userID, broker string, c common.Credentials) error {
	e.record("creds:" + userID + "/" + broker)
	e.creds = c
	return nil
}

func (e *stubEngine) RevokeSession(_ context.Context, userID, broker string) error {
	e.record("revoke:" + userID + "/" + broker)
	return nil
}

func (e *stubEngine) Subscribe(userID string) *events.Subscription { return e.bus.Subscribe(userID) }

func (e *stubEngine) Metrics() monitor.Snapshot { return monitor.Snapshot{Cycles: 42} }

func (e *stubEngine) GetSystemStatus(context.Context) *engine.SystemStatus {
	return &engine.SystemStatus{Version: "test"}
}

func (e *stubEngine) called(call string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.calls {
		if c == call {
			return true
		}
	}
	return false
}

func newTestServer(t *testing.T, opts Options) (*Server, *stubEngine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	bus := events.NewBus(events.Options{Heartbeat: time.Hour}, nil, nil)
	t.Cleanup(bus.Close)
	eng := &stubEngine{bus: bus}
	opts.JWTSecret = testSecret
	return NewServer(eng, monitor.New(), opts), eng
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := IssueToken(userID, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func doJSON(t *testing.T, s *Server, method, path, tok string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	out := map[string]any{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func TestHealthIsPublic(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	code, body := doJSON(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	code, body := doJSON(t, s, http.MethodGet, "/api/bots", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "MISSING_TOKEN", body["code"])

	code, body = doJSON(t, s, http.MethodGet, "/api/bots", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "INVALID_TOKEN", body["code"])

	forged, err := IssueToken("alice", "other-secret", time.Hour)
	require.NoError(t, err)
	code, _ = doJSON(t, s, http.MethodGet, "/api/bots", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	expired, err := IssueToken("alice", testSecret, -time.Minute)
	require.NoError(t, err)
	code, _ = doJSON(t, s, http.MethodGet, "/api/bots", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	// Query tokens are only honoured on stream routes.
	code, _ = doJSON(t, s, http.MethodGet, "/api/bots?token="+token(t, "alice"), "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestStartBotUsesTokenUser(t *testing.T) {
	s, eng := newTestServer(t, Options{})
	tok := token(t, "alice")

	code, body := doJSON(t, s, http.MethodPost, "/api/bots/b1/start", tok,
		map[string]any{"broker": "paper", "strategy": "ma_cross", "symbol": "EURUSD"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "RUNNING", body["state"])
	assert.True(t, eng.called("start:alice/b1"))
	assert.Equal(t, "ma_cross", eng.startOpt.Strategy)

	// An empty body starts from the stored definition.
	code, _ = doJSON(t, s, http.MethodPost, "/api/bots/b1/start", tok, nil)
	assert.Equal(t, http.StatusOK, code)

	eng.startErr = bot.ErrAlreadyRunning
	code, body = doJSON(t, s, http.MethodPost, "/api/bots/b1/start", tok, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ALREADY_RUNNING", body["code"])

	eng.startErr = errors.Join(bot.ErrInvalidBot, errors.New("bot b1 needs broker, strategy and symbol"))
	code, _ = doJSON(t, s, http.MethodPost, "/api/bots/b1/start", tok, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStopAlreadyStopped(t *testing.T) {
	s, eng := newTestServer(t, Options{})
	eng.stopRes = bot.StopResult{Success: true, AlreadyStopped: true, State: domain.BotStopped}

	code, body := doJSON(t, s, http.MethodPost, "/api/bots/b1/stop", token(t, "alice"), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["already_stopped"])
}

func TestGetBotNotFound(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	code, body := doJSON(t, s, http.MethodGet, "/api/bots/missing", token(t, "alice"), nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestSaveRiskProfileValidates(t *testing.T) {
	s, eng := newTestServer(t, Options{})
	tok := token(t, "alice")

	p := risk.DefaultProfile()
	code, _ := doJSON(t, s, http.MethodPut, "/api/bots/b1/risk", tok, p)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, eng.called("risk:alice/b1"))

	code, _ = doJSON(t, s, http.MethodPut, "/api/risk", tok, p)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, eng.called("risk:alice/"), "user default uses an empty bot id")

	p.MaxConcurrentPositions = 0
	code, body := doJSON(t, s, http.MethodPut, "/api/bots/b1/risk", tok, p)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
}

func TestReconcileUserIncomplete(t *testing.T) {
	s, eng := newTestServer(t, Options{})
	eng.recon = reconciliation.Result{UserID: "alice", TradesChecked: 3, TradesUpdated: 2}
	eng.reconErr = errors.New("1 trade unresolved")

	code, body := doJSON(t, s, http.MethodPost, "/api/reconcile", token(t, "alice"), nil)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "RECONCILIATION_INCOMPLETE", body["code"])
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, result["trades_updated"])

	eng.reconErr = reconciliation.ErrInProgress
	code, _ = doJSON(t, s, http.MethodPost, "/api/reconcile", token(t, "alice"), nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestReconcileAllAdminOnly(t *testing.T) {
	s, eng := newTestServer(t, Options{AdminUsers: []string{"root"}})

	code, _ := doJSON(t, s, http.MethodPost, "/api/reconcile/all", token(t, "alice"), nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.False(t, eng.called("reconcile-all"))

	code, body := doJSON(t, s, http.MethodPost, "/api/reconcile/all", token(t, "root"), nil)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["users_processed"])

	code, body = doJSON(t, s, http.MethodGet, "/api/reconcile/status", token(t, "alice"), nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["running"])
}

func TestCredentialsAndRevocation(t *testing.T) {
	s, eng := newTestServer(t, Options{})
	tok := token(t, "alice")

	code, _ := doJSON(t, s, http.MethodPut, "/api/brokers/mt5/credentials", tok,
		map[string]string{"login": "1001", "password": "pw", "server": "Demo"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1001", eng.creds.Login)

	code, body := doJSON(t, s, http.MethodDelete, "/api/brokers/mt5/session", tok, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["revoked"])
	assert.True(t, eng.called("revoke:alice/mt5"))
}

func TestMetricsEndpoints(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	tok := token(t, "alice")

	code, body := doJSON(t, s, http.MethodGet, "/api/metrics", tok, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 42, body["cycles"])

	req := httptest.NewRequest(http.MethodGet, "/api/metrics/prom", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "signalist_bot_cycles_total 42")
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, Options{RateLimit: 0.001, RateBurst: 1})
	code, _ := doJSON(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	code, body := doJSON(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "RATE_LIMITED", body["code"])
}

func TestSSEStreamSendsSnapshotAndReleasesOnDisconnect(t *testing.T) {
	s, eng := newTestServer(t, Options{})
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream?token="+token(t, "alice"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	lines := bufio.NewScanner(resp.Body)
	readEvent := func() (string, string) {
		var name, data string
		for lines.Scan() {
			line := lines.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "" && name != "":
				return name, data
			}
		}
		return name, data
	}

	name, data := readEvent()
	assert.Equal(t, "open_trades", name)
	assert.Contains(t, data, `"type":"open_trades"`)

	eng.bus.Publish("alice", events.Error("b1", "", "fatal", "boom"))
	name, data = readEvent()
	assert.Equal(t, "error", name)
	assert.Contains(t, data, "boom")

	cancel()
	require.Eventually(t, func() bool { return eng.bus.SubscriberCount("alice") == 0 },
		2*time.Second, 10*time.Millisecond, "subscription must be released on disconnect")
}

func TestWebsocketStream(t *testing.T) {
	s, eng := newTestServer(t, Options{})
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token(t, "alice")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	var ev struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "open_trades", ev.Type)

	eng.bus.Publish("alice", events.TradeClosed("b1", domain.Trade{ID: "t1", Status: domain.TradeTPHit}))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "trade_closed", ev.Type)
	assert.Contains(t, string(ev.Data), `"t1"`)

	// Other users' events never reach this socket.
	eng.bus.Publish("bob", events.Error("", "", "fatal", "not yours"))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return eng.bus.SubscriberCount("alice") == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestWebsocketRequiresToken(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{bot.ErrAlreadyRunning, http.StatusConflict, "ALREADY_RUNNING"},
		{reconciliation.ErrInProgress, http.StatusConflict, "RECONCILIATION_IN_PROGRESS"},
		{bot.ErrBotNotFound, http.StatusNotFound, "NOT_FOUND"},
		{risk.ErrInvalidProfile, http.StatusBadRequest, "INVALID_REQUEST"},
		{engine.ErrEmptyCredentials, http.StatusBadRequest, "INVALID_REQUEST"},
		{bot.ErrManagerClosed, http.StatusServiceUnavailable, "SHUTTING_DOWN"},
		{engine.ErrNoKeyring, http.StatusServiceUnavailable, "KEYRING_UNAVAILABLE"},
		{context.DeadlineExceeded, http.StatusRequestTimeout, "TIMEOUT"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		status, code := errorStatus(fmt.Errorf("wrapped: %w", tc.err))
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}
