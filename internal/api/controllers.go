package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"signalist/internal/bot"
	"signalist/internal/domain"
	"signalist/internal/engine"
	"signalist/internal/monitor"
	"signalist/internal/reconciliation"
	"signalist/internal/risk"
	"signalist/internal/session"
	"signalist/internal/strategy"
	"signalist/pkg/brokers/common"
	"signalist/pkg/db"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// errorStatus maps engine errors to an HTTP status and a stable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, bot.ErrAlreadyRunning):
		return http.StatusConflict, "ALREADY_RUNNING"
	case errors.Is(err, reconciliation.ErrInProgress):
		return http.StatusConflict, "RECONCILIATION_IN_PROGRESS"
	case errors.Is(err, bot.ErrBotNotFound), errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, bot.ErrInvalidBot),
		errors.Is(err, strategy.ErrUnknownStrategy),
		errors.Is(err, risk.ErrInvalidProfile),
		errors.Is(err, session.ErrUnknownBroker),
		errors.Is(err, engine.ErrEmptyCredentials),
		errors.Is(err, db.ErrUserIDRequired):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, bot.ErrManagerClosed):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	case errors.Is(err, engine.ErrNoKeyring):
		return http.StatusServiceUnavailable, "KEYRING_UNAVAILABLE"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "TIMEOUT"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "user_id", CurrentUserID(c), "error", err)
	}
	respondError(c, status, code, err.Error())
}

// bindOptional decodes a JSON body into v; an empty body leaves v untouched.
func bindOptional(c *gin.Context, v any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// --- Bots ---

func (s *Server) listBots(c *gin.Context) {
	bots, err := s.Engine.ListUserBots(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bots": bots})
}

func (s *Server) getBot(c *gin.Context) {
	st, err := s.Engine.GetBotStatus(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// startBot accepts an optional body overriding the stored bot definition.
func (s *Server) startBot(c *gin.Context) {
	var opts bot.StartOptions
	if err := bindOptional(c, &opts); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	st, err := s.Engine.StartBot(c.Request.Context(), CurrentUserID(c), c.Param("id"), &opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) stopBot(c *gin.Context) {
	res, err := s.Engine.StopBot(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// getRiskProfile serves both /bots/:id/risk and the user default at /risk.
func (s *Server) getRiskProfile(c *gin.Context) {
	p, err := s.Engine.GetRiskProfile(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) saveRiskProfile(c *gin.Context) {
	var p risk.Profile
	if err := c.ShouldBindJSON(&p); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if err := s.Engine.SaveRiskProfile(c.Request.Context(), CurrentUserID(c), c.Param("id"), p); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) openTrades(c *gin.Context) {
	trades, err := s.Engine.OpenTrades(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// --- Reconciliation ---

// reconcileUser returns the per-trade counts even when some trades could
// not be resolved; the error then explains what was left.
func (s *Server) reconcileUser(c *gin.Context) {
	res, err := s.Engine.ReconcileUser(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		status, code := errorStatus(err)
		if status == http.StatusInternalServerError {
			status, code = http.StatusBadGateway, "RECONCILIATION_INCOMPLETE"
		}
		c.JSON(status, gin.H{"code": code, "error": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) reconcileAll(c *gin.Context) {
	res, err := s.Engine.ReconcileAll(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) reconcileStatus(c *gin.Context) {
	st, err := s.Engine.GetReconciliationStatus(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// --- Broker credentials ---

func (s *Server) saveCredentials(c *gin.Context) {
	var creds common.Credentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	broker := c.Param("broker")
	if err := s.Engine.SaveCredentials(c.Request.Context(), CurrentUserID(c), broker, creds); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"broker": broker, "stored": true})
}

// revokeSession revokes the stored credential and tears down the live
// session. Bots using it move to ERROR.
func (s *Server) revokeSession(c *gin.Context) {
	broker := c.Param("broker")
	if err := s.Engine.RevokeSession(c.Request.Context(), CurrentUserID(c), broker); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"broker": broker, "revoked": true})
}

// --- System ---

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

// getMetrics returns system performance metrics.
func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Metrics())
}

// getPromMetrics returns a minimal Prometheus text exposition of key metrics.
func (s *Server) getPromMetrics(c *gin.Context) {
	snapshot := s.Engine.Metrics()

	var b strings.Builder
	// Counters
	fmt.Fprintf(&b, "signalist_api_requests_total %d\n", snapshot.APIRequests)
	fmt.Fprintf(&b, "signalist_api_errors_total %d\n", snapshot.APIErrors)
	fmt.Fprintf(&b, "signalist_bot_cycles_total %d\n", snapshot.Cycles)
	fmt.Fprintf(&b, "signalist_signals_total %d\n", snapshot.Signals)
	fmt.Fprintf(&b, "signalist_risk_vetoes_total %d\n", snapshot.Vetoes)
	fmt.Fprintf(&b, "signalist_orders_total %d\n", snapshot.Orders)
	fmt.Fprintf(&b, "signalist_order_rejections_total %d\n", snapshot.Rejections)
	fmt.Fprintf(&b, "signalist_broker_errors_total %d\n", snapshot.BrokerErrors)
	fmt.Fprintf(&b, "signalist_duplicate_orders_total %d\n", snapshot.DuplicateOrders)
	fmt.Fprintf(&b, "signalist_reconcile_runs_total %d\n", snapshot.ReconcileRuns)
	fmt.Fprintf(&b, "signalist_trades_repaired_total %d\n", snapshot.TradesRepaired)
	fmt.Fprintf(&b, "signalist_stream_drops_total %d\n", snapshot.StreamDrops)

	// Gauges for latency (ms)
	writeLatency := func(prefix string, ls monitor.LatencyStats) {
		if ls.Count == 0 {
			return
		}
		fmt.Fprintf(&b, "signalist_%s_latency_ms_avg %f\n", prefix, ls.Avg)
		fmt.Fprintf(&b, "signalist_%s_latency_ms_p50 %f\n", prefix, ls.P50)
		fmt.Fprintf(&b, "signalist_%s_latency_ms_p95 %f\n", prefix, ls.P95)
		fmt.Fprintf(&b, "signalist_%s_latency_ms_p99 %f\n", prefix, ls.P99)
	}
	writeLatency("api", snapshot.APILatency)
	writeLatency("order", snapshot.OrderLatency)
	writeLatency("cycle", snapshot.CycleLatency)
	writeLatency("reconcile", snapshot.ReconcileLatency)

	// Gauges for system state
	fmt.Fprintf(&b, "signalist_running_bots %d\n", snapshot.RunningBots)
	fmt.Fprintf(&b, "signalist_sessions %d\n", snapshot.Sessions.Sessions)
	fmt.Fprintf(&b, "signalist_session_leases %d\n", snapshot.Sessions.Leases)
	fmt.Fprintf(&b, "signalist_sessions_unhealthy %d\n", snapshot.Sessions.Unhealthy)
	brokers := make([]string, 0, len(snapshot.Sessions.ByBroker))
	for name := range snapshot.Sessions.ByBroker {
		brokers = append(brokers, name)
	}
	sort.Strings(brokers)
	for _, name := range brokers {
		fmt.Fprintf(&b, "signalist_sessions_by_broker{broker=%q} %d\n", name, snapshot.Sessions.ByBroker[name])
	}
	fmt.Fprintf(&b, "signalist_goroutines %d\n", snapshot.GoroutineCount)
	fmt.Fprintf(&b, "signalist_heap_alloc_bytes %d\n", snapshot.HeapAlloc)

	c.Header("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	c.String(http.StatusOK, b.String())
}
