package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emads/emads/internal/analytics/anomaly"
	"github.com/emads/emads/internal/analytics/severity"
	"github.com/emads/emads/internal/audit"
	"github.com/emads/emads/internal/config"
	"github.com/emads/emads/internal/models"
)

var base = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Database.SQLitePath = ":memory:"
	cfg.Scheduler.Enabled = false
	cfg.Detection.Rules = []string{"energy_spike"}
	return cfg
}

func hourly(n int, high float64, spikes ...int) []models.Reading {
	out := make([]models.Reading, n)
	for i := range out {
		out[i] = models.Reading{
			SensorID:  "block-a",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			EnergyWh:  1000 + float64((i*7)%11) - 5,
		}
	}
	for _, i := range spikes {
		out[i].EnergyWh = high
	}
	return out
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv, err := NewServer(context.Background(), cfg,
		WithAuditLogger(audit.NewNopLogger()),
		WithClock(clockwork.NewFakeClockAt(base.Add(48*time.Hour))),
	)
	require.NoError(t, err)
	return srv
}

func TestNewServer_NilConfig(t *testing.T) {
	_, err := NewServer(context.Background(), nil)
	assert.Error(t, err)
}

func TestNewServer_UnsupportedDatabase(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Type = "postgres"
	_, err := NewServer(context.Background(), cfg, WithAuditLogger(audit.NewNopLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestNewServer_RedisUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := NewServer(ctx, cfg, WithAuditLogger(audit.NewNopLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestServerLifecycle(t *testing.T) {
	srv := newTestServer(t, testConfig())
	ctx := context.Background()

	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())
	assert.Error(t, srv.Start(), "second start must fail")

	w := httptest.NewRecorder()
	srv.API().Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(stopCtx))
	assert.False(t, srv.IsRunning())
}

func TestRunOnce(t *testing.T) {
	srv := newTestServer(t, testConfig())
	ctx := context.Background()
	t.Cleanup(func() { _ = srv.Stop(ctx) })

	require.NoError(t, srv.Store().SaveUser(ctx, &models.User{Username: "ada", Email: "ada@hostel.example", Role: models.RoleAdmin}))
	require.NoError(t, srv.Store().AppendReadings(ctx, hourly(49, 3000, 34, 35, 36)))

	report, err := srv.RunOnce(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, report.NewAlerts)
	assert.Equal(t, models.AlertEnergySpike, report.NewAlerts[0].Type)

	again, err := srv.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.NewAlerts, "the dedup window absorbs the repeat")
}

func TestWiringFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Detection.SpikePercent = 300
	cfg.Alerting.TypeWindowMinutes = map[string]int{"isolation_forest": 0, "energy_spike": 15}
	cfg.Severity.Mode = "model"

	ec := engineConfig(cfg)
	assert.Equal(t, 24, ec.Statistical.Window)
	assert.Equal(t, 4.0, ec.Statistical.Threshold)
	assert.Equal(t, 300.0, ec.Spike.Threshold)
	assert.Equal(t, 24*time.Hour, ec.Pattern.Window)
	assert.Equal(t, 8, ec.MinRun)

	assert.Equal(t, severity.ModeModel, classifierConfig(cfg).Mode)

	dc := dedupConfig(cfg)
	assert.Equal(t, 5*time.Minute, dc.Window)
	assert.Equal(t, time.Duration(0), dc.WindowFor(models.AlertIsolationForest))
	assert.Equal(t, 15*time.Minute, dc.WindowFor(models.AlertEnergySpike))
	assert.Equal(t, 5*time.Minute, dc.WindowFor(models.AlertUnusualPattern))

	oc := orchestratorConfig(cfg)
	assert.Equal(t, models.AllAlertTypes, oc.Rules)
	assert.Equal(t, []anomaly.Method{anomaly.MethodStatistical, anomaly.MethodSpike}, oc.ConsecutiveMethods)
	assert.Equal(t, 24*time.Hour, oc.Lookback)
	assert.Equal(t, 30*24*time.Hour, oc.Retention)

	cfg.Model.Enabled = false
	assert.NotContains(t, orchestratorConfig(cfg).Rules, models.AlertIsolationForest)

	gc := guardConfig(cfg)
	assert.Equal(t, uint32(5), gc.BreakerFailures)
	assert.Equal(t, time.Minute, gc.BreakerTimeout)

	lc := lifecycleConfig(cfg)
	assert.Equal(t, time.Hour, lc.MaxAge)
	assert.Equal(t, 0.01, lc.Forest.Contamination)

	ac := AuditConfig(cfg)
	assert.Equal(t, "logs/audit.log", ac.AuditLogPath)
	assert.Equal(t, "info", ac.LogLevel)
}

func TestNewMailer(t *testing.T) {
	cfg := config.DefaultConfig()
	m, err := newMailer(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, m)

	cfg.Notification.Enabled = true
	_, err = newMailer(cfg, nil)
	assert.Error(t, err, "smtp host is required once enabled")

	cfg.Notification.SMTP.Host = "smtp.hostel.example"
	cfg.Notification.SMTP.From = "emads@hostel.example"
	m, err = newMailer(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestChangedSections(t *testing.T) {
	prev := config.DefaultConfig()
	next := config.DefaultConfig()
	assert.Empty(t, ChangedSections(prev, next))

	next.Scheduler.IntervalSeconds = 60
	next.Logging.Level = "debug"
	assert.Equal(t, []string{"Scheduler", "Logging"}, ChangedSections(prev, next))
}
