package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-autopilot/internal/auth"
	"perp-autopilot/internal/autopilot"
	"perp-autopilot/internal/circuit"
	"perp-autopilot/internal/database/memory"
	"perp-autopilot/internal/domain"
	"perp-autopilot/internal/events"
	"perp-autopilot/internal/metrics"
	"perp-autopilot/internal/portfolio"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEngine struct {
	mu         sync.Mutex
	running    bool
	operatorID string
	startErr   error
	stops      int
}

func (e *fakeEngine) Start(ctx context.Context, operatorID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return e.startErr
	}
	e.running = true
	e.operatorID = operatorID
	return nil
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.stops++
}

func (e *fakeEngine) Status() autopilot.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := autopilot.StateStopped
	if e.running {
		state = autopilot.StateRunning
	}
	return autopilot.Status{State: state, Running: e.running, OperatorID: e.operatorID, Errors: []string{}}
}

func (e *fakeEngine) Tracked() []domain.TrackedTrade {
	return []domain.TrackedTrade{{TradeID: "t-1", Symbol: "cmt_btcusdt", Side: domain.SideLong}}
}

func (e *fakeEngine) CheckBreaker(ctx context.Context) circuit.Status {
	return circuit.Status{Level: circuit.LevelOrange, Reason: "funding stretched"}
}

type fakeRecomputer struct {
	result portfolio.Result
	err    error
}

func (r fakeRecomputer) Run(ctx context.Context) (portfolio.Result, error) {
	return r.result, r.err
}

type failingHealth struct{}

func (failingHealth) HealthCheck(ctx context.Context) error { return errors.New("db down") }

type envelope struct {
	Success bool            `json:"success"`
	Error   bool            `json:"error"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, h http.Handler, method, path, token string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func newTestServer(deps Deps) *Server {
	if deps.Engine == nil {
		deps.Engine = &fakeEngine{}
	}
	return NewServer(ServerConfig{ControlPerMinute: 600}, deps, zerolog.Nop())
}

func TestHealth(t *testing.T) {
	s := newTestServer(Deps{})
	rec, _ := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	s = newTestServer(Deps{Health: failingHealth{}})
	rec, _ = do(t, s.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}

func TestStartStop_AnonymousOperator(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestServer(Deps{Engine: engine})

	rec, env := do(t, s.Handler(), http.MethodPost, "/api/engine/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, "local", engine.operatorID)

	rec, _ = do(t, s.Handler(), http.MethodPost, "/api/engine/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, engine.stops)
}

func TestStart_UsesTokenSubject(t *testing.T) {
	jwt := auth.NewJWTManager("secret", "perp-autopilot", time.Hour)
	engine := &fakeEngine{}
	s := newTestServer(Deps{Engine: engine, JWT: jwt})

	rec, _ := do(t, s.Handler(), http.MethodPost, "/api/engine/start", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	viewer, err := jwt.GenerateToken("watcher", auth.RoleViewer)
	require.NoError(t, err)
	rec, _ = do(t, s.Handler(), http.MethodPost, "/api/engine/start", viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = do(t, s.Handler(), http.MethodGet, "/api/status", viewer)
	assert.Equal(t, http.StatusOK, rec.Code)

	operator, err := jwt.GenerateToken("op-7", auth.RoleOperator)
	require.NoError(t, err)
	rec, env := do(t, s.Handler(), http.MethodPost, "/api/engine/start", operator)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "op-7", engine.operatorID)

	var status autopilot.Status
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.True(t, status.Running)
}

func TestStart_Errors(t *testing.T) {
	s := newTestServer(Deps{Engine: &fakeEngine{startErr: autopilot.ErrStopping}})
	rec, _ := do(t, s.Handler(), http.MethodPost, "/api/engine/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	s = newTestServer(Deps{Engine: &fakeEngine{startErr: errors.New("exchange unreachable")}})
	rec, env := do(t, s.Handler(), http.MethodPost, "/api/engine/start", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.True(t, env.Error)
	assert.Contains(t, env.Message, "exchange unreachable")
}

func TestBreakerCheck(t *testing.T) {
	s := newTestServer(Deps{})
	rec, env := do(t, s.Handler(), http.MethodPost, "/api/circuit-breaker/check", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status            circuit.Status `json:"status"`
		RecommendedAction string         `json:"recommended_action"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, circuit.LevelOrange, body.Status.Level)
	assert.Equal(t, circuit.RecommendedAction(circuit.LevelOrange), body.RecommendedAction)
}

func TestRecompute(t *testing.T) {
	s := newTestServer(Deps{})
	rec, _ := do(t, s.Handler(), http.MethodPost, "/api/portfolio/recompute", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s = newTestServer(Deps{Recomputer: fakeRecomputer{result: portfolio.Result{Skipped: true}}})
	rec, env := do(t, s.Handler(), http.MethodPost, "/api/portfolio/recompute", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"skipped":true`)

	s = newTestServer(Deps{Recomputer: fakeRecomputer{err: errors.New("lock store down")}})
	rec, _ = do(t, s.Handler(), http.MethodPost, "/api/portfolio/recompute", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLedgerViews(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertAttribution(ctx, domain.PortfolioAttribution{AgentID: "quant", TradeCount: 3, WeightMultiplier: 1}))
	s := newTestServer(Deps{Ledger: store})

	rec, env := do(t, s.Handler(), http.MethodGet, "/api/portfolio/attribution", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"agent_id":"quant"`)

	rec, _ = do(t, s.Handler(), http.MethodGet, "/api/journal?limit=10", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, s.Handler(), http.MethodGet, "/api/journal?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTracked(t *testing.T) {
	s := newTestServer(Deps{})
	rec, env := do(t, s.Handler(), http.MethodGet, "/api/tracked", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"trade_id":"t-1"`)
}

func TestControlRateLimit(t *testing.T) {
	s := NewServer(ServerConfig{ControlPerMinute: 4}, Deps{Engine: &fakeEngine{}}, zerolog.Nop())

	rec, _ := do(t, s.Handler(), http.MethodPost, "/api/engine/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, s.Handler(), http.MethodPost, "/api/engine/stop", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// status is not a control endpoint
	rec, _ = do(t, s.Handler(), http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.NewMetrics("apitest")
	m.SetRunning(true)
	s := newTestServer(Deps{Metrics: m})

	rec, _ := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "apitest_engine_running 1")
}

func TestWebSocketStreamsEvents(t *testing.T) {
	bus := events.NewEventBus(events.DefaultConfig(), zerolog.Nop())
	s := newTestServer(Deps{Bus: bus})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "CONNECTED")

	require.Eventually(t, func() bool { return s.hub.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)
	bus.PublishCoinSelected("cmt_btcusdt", "LONG", "momentum")

	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	var ev events.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, events.EventCoinSelected, ev.Type)
	assert.Equal(t, "cmt_btcusdt", ev.Data["symbol"])
}
