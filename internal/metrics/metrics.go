// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 管理者判定の結果ラベル
const (
	LookupAdmin    = "admin"
	LookupNotAdmin = "not_admin"
	LookupError    = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッションコントローラー、ルートガード、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordAdminLookup(outcome string, duration time.Duration)
	RecordAdminCacheHit()
	RecordAuthEvent(event string)
	RecordDiscardedUpdate()
	RecordGuardDecision(outcome string)
	SetActiveControllers(n int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	adminLookups      *prometheus.CounterVec
	adminLookupTime   prometheus.Histogram
	adminCacheHits    prometheus.Counter
	authEvents        *prometheus.CounterVec
	discardedUpdates  prometheus.Counter
	guardDecisions    *prometheus.CounterVec
	activeControllers prometheus.Gauge
	httpStatus        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		adminLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consign_admin_lookups_total",
			Help: "管理者メンバーシップ照会の結果別の合計数",
		}, []string{"outcome"}),
		adminLookupTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "consign_admin_lookup_seconds",
			Help:    "管理者メンバーシップ照会のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		adminCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consign_admin_cache_hits_total",
			Help: "管理者判定キャッシュのヒット数",
		}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consign_auth_events_total",
			Help: "処理した認証イベントの種類別の合計数",
		}, []string{"event"}),
		discardedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consign_session_discarded_updates_total",
			Help: "追い越されて破棄されたセッション状態更新の数",
		}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consign_guard_decisions_total",
			Help: "ルートガードの判定結果別の合計数",
		}, []string{"outcome"}),
		activeControllers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consign_session_controllers",
			Help: "保持しているセッションコントローラーの数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consign_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.adminLookups,
		c.adminLookupTime,
		c.adminCacheHits,
		c.authEvents,
		c.discardedUpdates,
		c.guardDecisions,
		c.activeControllers,
		c.httpStatus,
	)

	return c
}

// RecordAdminLookup は管理者メンバーシップ照会の結果とレイテンシを記録する。
func (c *Collector) RecordAdminLookup(outcome string, duration time.Duration) {
	c.adminLookups.WithLabelValues(outcome).Inc()
	c.adminLookupTime.Observe(duration.Seconds())
}

// RecordAdminCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordAdminCacheHit() {
	c.adminCacheHits.Inc()
}

// RecordAuthEvent は処理した認証イベントを記録する。
func (c *Collector) RecordAuthEvent(event string) {
	c.authEvents.WithLabelValues(event).Inc()
}

// RecordDiscardedUpdate は破棄された状態更新を記録する。
func (c *Collector) RecordDiscardedUpdate() {
	c.discardedUpdates.Inc()
}

// RecordGuardDecision はルートガードの判定結果を記録する。
func (c *Collector) RecordGuardDecision(outcome string) {
	c.guardDecisions.WithLabelValues(outcome).Inc()
}

// SetActiveControllers は保持しているコントローラー数を設定する。
func (c *Collector) SetActiveControllers(n int) {
	c.activeControllers.Set(float64(n))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordAdminLookup(string, time.Duration) {}
func (Nop) RecordAdminCacheHit()                    {}
func (Nop) RecordAuthEvent(string)                  {}
func (Nop) RecordDiscardedUpdate()                  {}
func (Nop) RecordGuardDecision(string)              {}
func (Nop) SetActiveControllers(int)                {}
func (Nop) RecordHTTPStatus(int)                    {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
