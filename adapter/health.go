package adapter

import (
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/xshm/pkg/xshm"
)

// HealthOptions tunes NewHealthHandler.
type HealthOptions struct {
	// StuckThreshold marks the display unready while a transfer waits longer
	// for its completion. Zero uses the display's configured threshold.
	StuckThreshold time.Duration
	// MaxGoroutines adds a readiness check on the goroutine count when positive.
	MaxGoroutines int
	// Registerer, when set, exports the check results as Prometheus gauges
	// under Namespace.
	Registerer prometheus.Registerer
	Namespace  string
}

// NewHealthHandler serves /live and /ready for a display. It is live while
// the connection is up and ready while no transfer is stuck.
func NewHealthHandler(d *xshm.Display, opts HealthOptions) healthcheck.Handler {
	var h healthcheck.Handler
	if opts.Registerer != nil {
		h = healthcheck.NewMetricsHandler(opts.Registerer, opts.Namespace)
	} else {
		h = healthcheck.NewHandler()
	}

	h.AddLivenessCheck("connection", d.Err)
	h.AddReadinessCheck("stuck-operations", func() error {
		stuck := d.StuckOperations(opts.StuckThreshold)
		if len(stuck) == 0 {
			return nil
		}
		oldest := stuck[0]
		return fmt.Errorf("%d operations stuck, oldest %s sequence %d pending for %s",
			len(stuck), oldest.Kind(), oldest.Sequence(), time.Since(oldest.Started()).Round(time.Millisecond))
	})
	if opts.MaxGoroutines > 0 {
		h.AddReadinessCheck("goroutines", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))
	}
	return h
}
