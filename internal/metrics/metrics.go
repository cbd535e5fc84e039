package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BarsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bars_total", Help: "Bars processed"},
		[]string{"instance"},
	)
	DataErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "data_errors_total", Help: "Bars discarded as malformed"},
		[]string{"instance", "kind"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted"},
		[]string{"instance", "purpose"},
	)
	OrderFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "order_failures_total", Help: "Order submissions that failed or were rejected"},
		[]string{"instance", "purpose"},
	)
	ExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "exits_total", Help: "Positions closed by reason"},
		[]string{"instance", "reason"},
	)
	SessionPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "session_phase", Help: "Current session phase (0 awaiting signal, 1 awaiting entry, 2 in position, 3 closed)"},
		[]string{"instance"},
	)
	StuckPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "stuck_positions", Help: "Open positions whose exit exhausted its retries"},
		[]string{"instance"},
	)
)

func init() {
	prometheus.MustRegister(BarsTotal, DataErrorsTotal, OrdersTotal, OrderFailuresTotal, ExitsTotal, SessionPhase, StuckPositions)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
