package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------
// Metric Tests
// -----------------------------------------------------------------------

func TestCounter_FractionalVolume(t *testing.T) {
	r := NewRegistry()
	c := r.NewCounter(MetricVolumeTotal, "SOL swapped", map[string]string{"pair": "SOL/A"})

	c.Inc()
	c.Add(0.125)
	c.Add(0.001)
	assert.InDelta(t, 1.126, c.Value(), 1e-9)

	c.Add(-5)
	assert.InDelta(t, 1.126, c.Value(), 1e-9, "counters never go down")

	entry := c.Entry()
	assert.Equal(t, MetricVolumeTotal, entry.Name)
	assert.Equal(t, MetricCounter, entry.Type)
	assert.Equal(t, "SOL/A", entry.Labels["pair"])
}

func TestCounter_ConcurrentTrades(t *testing.T) {
	c := NewRegistry().NewCounter(MetricTradesTotal, "trades", nil)

	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc()
		}()
	}
	wg.Wait()
	assert.Equal(t, 500.0, c.Value())
}

func TestGauge_Set(t *testing.T) {
	g := NewRegistry().NewGauge(MetricWalletBalanceSOL, "balance", nil)
	assert.Zero(t, g.Value())

	g.Set(1.2345)
	assert.Equal(t, 1.2345, g.Value())
	g.Set(-0.5)
	assert.Equal(t, -0.5, g.Value())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(v float64) {
			defer wg.Done()
			g.Set(v)
		}(float64(i))
	}
	wg.Wait()
	assert.GreaterOrEqual(t, g.Value(), 0.0)
	assert.Equal(t, MetricGauge, g.Entry().Type)
}

func TestHistogram_LatencyBuckets(t *testing.T) {
	h := NewRegistry().NewHistogram(MetricExecutionLatency, "latency", nil, []float64{1000, 250, 5000})

	for _, ms := range []float64{120, 800, 800, 4000, 95000} {
		h.Observe(ms)
	}

	buckets, counts, sum, count := h.BucketCounts()
	assert.Equal(t, []float64{250, 1000, 5000}, buckets, "bounds are sorted on registration")
	assert.Equal(t, []int64{1, 3, 4}, counts)
	assert.InDelta(t, 100720, sum, 1e-9)
	assert.Equal(t, int64(5), count)
	assert.Equal(t, 5.0, h.Entry().Value)
}

// -----------------------------------------------------------------------
// Registry Tests
// -----------------------------------------------------------------------

func TestRegistry_NewAndGet(t *testing.T) {
	r := NewRegistry()

	env := map[string]string{"env": "test"}
	c := r.NewCounter("my_counter", "help", env)
	assert.NotNil(t, c)
	assert.Equal(t, c, r.GetCounter("my_counter", env))
	assert.Nil(t, r.GetCounter("my_counter", nil))
	assert.Nil(t, r.GetCounter("nonexistent", nil))

	g := r.NewGauge("my_gauge", "help", nil)
	assert.NotNil(t, g)
	assert.Equal(t, g, r.GetGauge("my_gauge", nil))
	assert.Nil(t, r.GetGauge("nonexistent", nil))

	h := r.NewHistogram("my_hist", "help", nil, DefaultLatencyBuckets)
	assert.NotNil(t, h)
	assert.Equal(t, h, r.GetHistogram("my_hist", nil))
	assert.Nil(t, r.GetHistogram("nonexistent", nil))

	// Registering the same name and labels returns the existing metric.
	c2 := r.NewCounter("my_counter", "different help", map[string]string{"env": "test"})
	assert.Same(t, c, c2)

	// A different label set is a separate series.
	c3 := r.NewCounter("my_counter", "help", map[string]string{"env": "prod"})
	assert.NotSame(t, c, c3)

	all := r.AllMetrics()
	assert.Len(t, all, 4)
}

func TestRegistry_AllMetrics_Order(t *testing.T) {
	r := NewRegistry()
	r.NewCounter("z_counter", "z", nil)
	r.NewCounter("a_counter", "a", nil)
	r.NewGauge("m_gauge", "m", nil)

	all := r.AllMetrics()
	require.Len(t, all, 3)
	// Counters first (sorted), then gauges.
	assert.Equal(t, "a_counter", all[0].Name)
	assert.Equal(t, "z_counter", all[1].Name)
	assert.Equal(t, "m_gauge", all[2].Name)
}

// -----------------------------------------------------------------------
// SwapMetrics Tests
// -----------------------------------------------------------------------

func TestSwapMetrics_AllRegistered(t *testing.T) {
	r := SwapMetrics()

	for _, decision := range []string{"approved", "blocked"} {
		c := r.GetCounter(MetricRiskChecksTotal, map[string]string{"decision": decision})
		require.NotNilf(t, c, "risk counter %s should be registered", decision)
		assert.Equal(t, 0.0, c.Value())
	}
	require.NotNil(t, r.GetCounter(MetricPipelineRestarts, nil))
	require.NotNil(t, r.GetCounter(MetricHookErrorsTotal, nil))

	for _, name := range []string{MetricOpenPositions, MetricWalletBalanceSOL, MetricActivePairs} {
		g := r.GetGauge(name, nil)
		require.NotNilf(t, g, "gauge %s should be registered", name)
		assert.Equal(t, 0.0, g.Value())
	}

	h := r.GetHistogram(MetricExecutionLatency, nil)
	require.NotNil(t, h)
	_, _, _, count := h.BucketCounts()
	assert.Zero(t, count)

	// 4 counters + 3 gauges + 1 histogram.
	assert.Len(t, r.AllMetrics(), 8)
}

// -----------------------------------------------------------------------
// HealthMonitor Tests
// -----------------------------------------------------------------------

func TestHealthMonitor_RegisterAndCheck(t *testing.T) {
	mon := NewHealthMonitor(time.Second)

	mon.Register("rpc", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{
			Status:  StatusHealthy,
			Message: "connected",
		}
	})

	mon.Register("wallet", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{
			Status:  StatusHealthy,
			Message: "ok",
		}
	})

	ctx := context.Background()
	health := mon.Check(ctx)

	assert.Equal(t, StatusHealthy, health.Status)
	assert.Len(t, health.Components, 2)

	rpcHealth, ok := health.Components["rpc"]
	assert.True(t, ok)
	assert.Equal(t, StatusHealthy, rpcHealth.Status)
	assert.Equal(t, "rpc", rpcHealth.Name)
	assert.Equal(t, "connected", rpcHealth.Message)
	assert.False(t, rpcHealth.LastChecked.IsZero())
	assert.True(t, rpcHealth.Latency >= 0)

	// Also test ComponentStatus retrieval.
	comp, ok := mon.ComponentStatus("rpc")
	assert.True(t, ok)
	assert.Equal(t, StatusHealthy, comp.Status)

	_, ok = mon.ComponentStatus("nonexistent")
	assert.False(t, ok)
}

func TestHealthMonitor_AggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []ComponentStatus
		expected ComponentStatus
	}{
		{
			name:     "all healthy",
			statuses: []ComponentStatus{StatusHealthy, StatusHealthy, StatusHealthy},
			expected: StatusHealthy,
		},
		{
			name:     "one degraded",
			statuses: []ComponentStatus{StatusHealthy, StatusDegraded, StatusHealthy},
			expected: StatusDegraded,
		},
		{
			name:     "one unhealthy",
			statuses: []ComponentStatus{StatusHealthy, StatusDegraded, StatusUnhealthy},
			expected: StatusUnhealthy,
		},
		{
			name:     "all unhealthy",
			statuses: []ComponentStatus{StatusUnhealthy, StatusUnhealthy},
			expected: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon := NewHealthMonitor(time.Minute)

			for i, s := range tt.statuses {
				status := s // capture
				name := string(rune('a' + i))
				mon.Register(name, func(ctx context.Context) ComponentHealth {
					return ComponentHealth{Status: status}
				})
			}

			ctx := context.Background()
			health := mon.Check(ctx)
			assert.Equal(t, tt.expected, health.Status)
			assert.True(t, health.Uptime > 0)
		})
	}
}

func TestHealthMonitor_Alerts(t *testing.T) {
	mon := NewHealthMonitor(time.Minute)

	callCount := 0
	mon.Register("pipeline", func(ctx context.Context) ComponentHealth {
		callCount++
		if callCount == 1 {
			return ComponentHealth{Status: StatusHealthy, Message: "ok"}
		}
		return ComponentHealth{Status: StatusUnhealthy, Message: "connection lost"}
	})

	ctx := context.Background()

	// First check: component is new, so an alert is emitted for the initial state.
	mon.Check(ctx)
	alert := drainAlert(t, mon.Alerts())
	assert.Equal(t, "info", alert.Level)
	assert.Equal(t, "pipeline", alert.Component)

	// Second check: transition healthy -> unhealthy should fire a critical alert.
	mon.Check(ctx)
	alert = drainAlert(t, mon.Alerts())
	assert.Equal(t, "critical", alert.Level)
	assert.Equal(t, "pipeline", alert.Component)
	assert.Contains(t, alert.Message, "connection lost")
}

func TestHealthMonitor_StartStop(t *testing.T) {
	mon := NewHealthMonitor(50 * time.Millisecond)

	var mu sync.Mutex
	checkCount := 0
	mon.Register("ticker", func(ctx context.Context) ComponentHealth {
		mu.Lock()
		checkCount++
		mu.Unlock()
		return ComponentHealth{Status: StatusHealthy}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mon.Start(ctx)

	// Wait for at least 3 check cycles.
	time.Sleep(200 * time.Millisecond)
	mon.Stop()

	mu.Lock()
	count := checkCount
	mu.Unlock()

	// We should have at least 2 checks (initial + at least 1 ticker).
	assert.GreaterOrEqual(t, count, 2,
		"expected at least 2 health checks, got %d", count)
}

// -----------------------------------------------------------------------
// PrometheusExporter Tests
// -----------------------------------------------------------------------

func TestPrometheusExporter_Format(t *testing.T) {
	r := NewRegistry()

	c := r.NewCounter("http_requests_total", "Total HTTP requests",
		map[string]string{"method": "GET", "status": "200"})
	c.Add(1234)

	g := r.NewGauge("temperature", "Current temperature",
		map[string]string{"location": "server_room"})
	g.Set(23.5)

	h := r.NewHistogram("request_duration_ms", "Request duration in ms",
		nil, []float64{10, 50, 100, 500})
	h.Observe(5)
	h.Observe(25)
	h.Observe(75)
	h.Observe(250)

	exp := NewPrometheusExporter(r)
	output := exp.Format()

	// Verify counter output.
	assert.Contains(t, output, "# HELP http_requests_total Total HTTP requests")
	assert.Contains(t, output, "# TYPE http_requests_total counter")
	assert.Contains(t, output, `http_requests_total{method="GET",status="200"} 1234`)

	// Verify gauge output.
	assert.Contains(t, output, "# HELP temperature Current temperature")
	assert.Contains(t, output, "# TYPE temperature gauge")
	assert.Contains(t, output, `temperature{location="server_room"} 23.5`)

	// Verify histogram output.
	assert.Contains(t, output, "# HELP request_duration_ms Request duration in ms")
	assert.Contains(t, output, "# TYPE request_duration_ms histogram")
	assert.Contains(t, output, `request_duration_ms_bucket{le="10"} 1`)
	assert.Contains(t, output, `request_duration_ms_bucket{le="50"} 2`)
	assert.Contains(t, output, `request_duration_ms_bucket{le="100"} 3`)
	assert.Contains(t, output, `request_duration_ms_bucket{le="500"} 4`)
	assert.Contains(t, output, `request_duration_ms_bucket{le="+Inf"} 4`)
	assert.Contains(t, output, "request_duration_ms_sum 355")
	assert.Contains(t, output, "request_duration_ms_count 4")
}

func TestPrometheusExporter_FormatEmpty(t *testing.T) {
	r := NewRegistry()
	exp := NewPrometheusExporter(r)
	output := exp.Format()
	assert.Equal(t, "", output)
}

func TestPrometheusExporter_ServeHTTP(t *testing.T) {
	r := NewRegistry()
	c := r.NewCounter("test_metric", "A test", nil)
	c.Inc()

	exp := NewPrometheusExporter(r)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	exp.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	body := rec.Body.String()
	assert.Contains(t, body, "# HELP test_metric A test")
	assert.Contains(t, body, "# TYPE test_metric counter")
	assert.Contains(t, body, "test_metric 1")
}

func TestPrometheusExporter_FormatLabels(t *testing.T) {
	// No labels.
	assert.Equal(t, "", formatLabels(nil))
	assert.Equal(t, "", formatLabels(map[string]string{}))

	// Single label.
	s := formatLabels(map[string]string{"env": "prod"})
	assert.Equal(t, `{env="prod"}`, s)

	// Multiple labels should be sorted.
	s = formatLabels(map[string]string{"z": "last", "a": "first", "m": "mid"})
	assert.Equal(t, `{a="first",m="mid",z="last"}`, s)
}

func TestPrometheusExporter_SwapMetrics(t *testing.T) {
	r := SwapMetrics()

	r.GetCounter(MetricRiskChecksTotal, map[string]string{"decision": "blocked"}).Add(3)
	r.GetGauge(MetricWalletBalanceSOL, nil).Set(1.25)
	r.GetHistogram(MetricExecutionLatency, nil).Observe(1200)
	r.NewCounter(MetricTradesTotal, "Confirmed trades", map[string]string{"pair": "So11/DOVA", "side": "BUY"}).Inc()
	r.NewCounter(MetricTradesTotal, "Confirmed trades", map[string]string{"pair": "So11/DOVA", "side": "SELL"}).Inc()

	output := NewPrometheusExporter(r).Format()

	assert.Contains(t, output, `swap_risk_checks_total{decision="blocked"} 3`)
	assert.Contains(t, output, `swap_risk_checks_total{decision="approved"} 0`)
	assert.Contains(t, output, "swap_wallet_balance_sol 1.25")
	assert.Contains(t, output, `swap_trades_total{pair="So11/DOVA",side="BUY"} 1`)
	assert.Contains(t, output, `swap_trades_total{pair="So11/DOVA",side="SELL"} 1`)
	assert.Contains(t, output, "swap_execution_latency_ms_count 1")

	// One HELP/TYPE header per name regardless of the number of series.
	assert.Equal(t, 1, strings.Count(output, "# TYPE swap_risk_checks_total counter"))
	assert.Equal(t, 1, strings.Count(output, "# TYPE swap_trades_total counter"))
	assert.Equal(t, 8, strings.Count(output, "# HELP "))
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

// drainAlert reads one alert with a timeout.
func drainAlert(t *testing.T, ch <-chan Alert) Alert {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for alert")
		return Alert{}
	}
}

// -----------------------------------------------------------------------
// Swap health checks
// -----------------------------------------------------------------------

func TestBalanceCheck(t *testing.T) {
	floor := decimal.RequireFromString("0.01")
	ctx := context.Background()

	ok := BalanceCheck(func(context.Context) (decimal.Decimal, error) {
		return decimal.RequireFromString("0.5"), nil
	}, floor)(ctx)
	assert.Equal(t, StatusHealthy, ok.Status)
	assert.Equal(t, "0.5", ok.Details["sol"])

	low := BalanceCheck(func(context.Context) (decimal.Decimal, error) {
		return decimal.RequireFromString("0.001"), nil
	}, floor)(ctx)
	assert.Equal(t, StatusDegraded, low.Status)
	assert.Contains(t, low.Message, "below minimum")

	broken := BalanceCheck(func(context.Context) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("rpc down")
	}, floor)(ctx)
	assert.Equal(t, StatusUnhealthy, broken.Status)
	assert.Equal(t, "rpc down", broken.Message)
}

func TestFailureRateCheck(t *testing.T) {
	tests := []struct {
		name               string
		attempts, failures int64
		want               ComponentStatus
	}{
		{"too few samples", 3, 3, StatusHealthy},
		{"low rate", 20, 2, StatusHealthy},
		{"degraded", 20, 6, StatusDegraded},
		{"unhealthy", 20, 15, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := FailureRateCheck(func() (int64, int64) { return tt.attempts, tt.failures }, 10, 0.25, 0.5)
			assert.Equal(t, tt.want, check(context.Background()).Status)
		})
	}
}

func TestPingAndFlagChecks(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusHealthy, PingCheck(func(context.Context) error { return nil })(ctx).Status)
	assert.Equal(t, StatusUnhealthy, PingCheck(func(context.Context) error { return errors.New("x") })(ctx).Status)

	flag := false
	check := FlagCheck(func() bool { return flag }, "emergency stop")
	assert.Equal(t, StatusHealthy, check(ctx).Status)
	flag = true
	h := check(ctx)
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Equal(t, "emergency stop", h.Message)
}

func TestHealthMonitor_ServeHTTP(t *testing.T) {
	mon := NewHealthMonitor(time.Minute)
	healthy := true
	mon.Register("wallet", FlagCheck(func() bool { return !healthy }, "no balance"))

	rec := httptest.NewRecorder()
	mon.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	healthy = false
	rec = httptest.NewRecorder()
	mon.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no balance")
}
