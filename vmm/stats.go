package vmm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// prometheusStats exports a go-metrics registry over HTTP.
type prometheusStats struct {
	l        *logrus.Logger
	provider *mp.PrometheusConfig
	interval time.Duration
	server   *http.Server
}

func newPrometheusStats(l *logrus.Logger, c StatsConfig, r metrics.Registry) (*prometheusStats, error) {
	if c.Listen == "" {
		return nil, fmt.Errorf("%w: stats.listen should not be empty", errStatsConfig)
	}

	if c.Path == "" {
		return nil, fmt.Errorf("%w: stats.path should not be empty", errStatsConfig)
	}

	interval := c.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	pr := prometheus.NewRegistry()

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.Namespace,
		Subsystem: c.Subsystem,
		Name:      "info",
		Help:      "Version information for the gokvm-rng binary",
		ConstLabels: prometheus.Labels{
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	mux := http.NewServeMux()
	mux.Handle(c.Path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))

	return &prometheusStats{
		l:        l,
		provider: mp.NewPrometheusProvider(r, c.Namespace, c.Subsystem, pr, interval),
		interval: interval,
		server: &http.Server{
			Addr:              c.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// run serves until ctx is done.
func (s *prometheusStats) run(ctx context.Context) error {
	errc := make(chan error, 1)

	go func() {
		s.l.Infof("Prometheus stats listening on %s", s.server.Addr)

		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}

		close(errc)
	}()

	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		if err := s.provider.UpdatePrometheusMetricsOnce(); err != nil {
			s.l.WithError(err).Warn("failed to update prometheus metrics")
		}

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			if err := s.server.Shutdown(shutdownCtx); err != nil {
				return err
			}

			return <-errc
		case err := <-errc:
			return err
		case <-t.C:
		}
	}
}
