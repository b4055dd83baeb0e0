// Package metrics: Prometheus-коллекторы сервера дерева.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatsync/internal/storage"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_ws_active_connections",
		Help: "Active websocket connections",
	})
	Subscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_active_subscriptions",
		Help: "Active tree subscriptions",
	})
	Ops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_ops_total",
		Help: "Protocol operations by op and result code",
	}, []string{"op", "code"})
	OpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rt_op_duration_seconds",
		Help:    "Protocol operation latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"op"})
	Commits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_commits_total",
		Help: "Committed writes by top-level path and origin",
	}, []string{"root", "origin"})
	TypingExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rt_typing_flags_expired_total",
		Help: "Typing flags removed by the sweeper",
	})
	PushSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_push_notifications_total",
		Help: "New-message push notifications by result",
	}, []string{"result"})
)

var once sync.Once

// Init регистрирует коллекторы в реестре по умолчанию. Повторный вызов — no-op.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(Connections, Subscriptions, Ops, OpDuration, Commits, TypingExpired, PushSent)
	})
}

func Handler() http.Handler { return promhttp.Handler() }

// ObserveOp учитывает одну операцию протокола.
func ObserveOp(op, code string, started time.Time) {
	Ops.WithLabelValues(op, code).Inc()
	OpDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// CommitHook считает коммиты по корню пути (status, chats).
func CommitHook(c storage.Commit) {
	origin := "local"
	if c.Remote {
		origin = "remote"
	}
	seen := make(map[string]bool, 2)
	for _, p := range c.Paths {
		root, _, _ := strings.Cut(p, "/")
		if seen[root] {
			continue
		}
		seen[root] = true
		Commits.WithLabelValues(root, origin).Inc()
	}
}

// TrackSubscriptions обновляет gauge подписок, пока не закрыт stop.
func TrackSubscriptions(t *storage.Tree, every time.Duration, stop <-chan struct{}) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		Subscriptions.Set(float64(t.Subscriptions()))
		select {
		case <-stop:
			return
		case <-tick.C:
		}
	}
}
