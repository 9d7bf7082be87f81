package vuload

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromExporter serves the run metrics on /metrics
type PromExporter struct {
	Registry *prometheus.Registry
	srv      *http.Server
}

func NewPromExporter(listen string) *PromExporter {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &PromExporter{
		Registry: reg,
		srv: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves in background, a listen failure is logged
func (e *PromExporter) Start() {
	log.Infof("[prometheus] serving metrics on %s/metrics", e.srv.Addr)
	go func() {
		if err := e.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("[prometheus] exporter failed: %s", err)
		}
	}()
}

func (e *PromExporter) Shutdown(ctx context.Context) error {
	return e.srv.Shutdown(ctx)
}
