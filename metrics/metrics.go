package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "livetrader_orders_submitted_total", Help: "Orders submitted to the broker"},
		[]string{"symbol", "action"},
	)
	OrdersCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "livetrader_orders_cancelled_total", Help: "Cancel requests issued"},
	)
	FillsRegistered = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "livetrader_fills_total", Help: "Fills applied to strategy positions"},
		[]string{"symbol"},
	)
	SyncsRun = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "livetrader_syncs_total", Help: "Reconciliation passes completed"},
	)
	UnknownTrades = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "livetrader_unknown_trades_total", Help: "Fills that could not be attributed to a known strategy"},
	)
	TradesLogged = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "livetrader_trades_logged_total", Help: "Finalized trades written to the blotter"},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersSubmitted, OrdersCancelled, FillsRegistered,
		SyncsRun, UnknownTrades, TradesLogged,
	)
}

// Serve exposes /metrics on addr in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
