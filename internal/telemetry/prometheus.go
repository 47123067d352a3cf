package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ciris/internal/logging"
)

// Exporter publishes aggregator snapshots as Prometheus metrics. Scrapes
// trigger a fresh pull; between scrapes nothing is collected.
type Exporter struct {
	agg      *Aggregator
	registry *prometheus.Registry

	up        *prometheus.GaugeVec
	requests  *prometheus.GaugeVec
	errors    *prometheus.GaugeVec
	errorRate *prometheus.GaugeVec
	uptime    *prometheus.GaugeVec
}

func NewExporter(agg *Aggregator) *Exporter {
	e := &Exporter{
		agg:      agg,
		registry: prometheus.NewRegistry(),
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ciris", Name: "service_up",
			Help: "1 when the service answered its last metrics poll.",
		}, []string{"service"}),
		requests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ciris", Name: "service_requests_total",
			Help: "Requests handled since start.",
		}, []string{"service"}),
		errors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ciris", Name: "service_errors_total",
			Help: "Failed requests since start.",
		}, []string{"service"}),
		errorRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ciris", Name: "service_error_rate",
			Help: "Failed requests divided by total requests.",
		}, []string{"service"}),
		uptime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ciris", Name: "service_uptime_seconds",
			Help: "Seconds since the service started.",
		}, []string{"service"}),
	}
	e.registry.MustRegister(e.up, e.requests, e.errors, e.errorRate, e.uptime)
	return e
}

// Refresh pulls a snapshot and updates every gauge.
func (e *Exporter) Refresh(ctx context.Context) {
	for _, m := range e.agg.Snapshot(ctx) {
		labels := prometheus.Labels{"service": m.ServiceName}
		e.up.With(labels).Set(boolToFloat(m.Healthy))
		e.requests.With(labels).Set(float64(m.RequestCount))
		e.errors.With(labels).Set(float64(m.ErrorCount))
		e.errorRate.With(labels).Set(m.ErrorRate)
		e.uptime.With(labels).Set(m.UptimeSecs)
	}
}

// Handler refreshes on every scrape and serves the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	inner := promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.Refresh(r.Context())
		inner.ServeHTTP(w, r)
	})
}

// Serve runs the metrics endpoint until the context ends.
func (e *Exporter) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.Telemetry("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
