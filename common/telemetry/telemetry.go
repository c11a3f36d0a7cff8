package telemetry

import (
	"context"
	"expvar"
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/lorecraft/cardsmith/common/logger"
)

// Telemetry holds observability components
type Telemetry struct {
	log         *logger.Logger
	pprofAddr   string
	metricsAddr string
}

// New creates telemetry components
func New(pprofPort, metricsPort int, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:         log,
		pprofAddr:   fmt.Sprintf("localhost:%d", pprofPort),
		metricsAddr: fmt.Sprintf("localhost:%d", metricsPort),
	}
}

// Start starts the pprof and metrics endpoints. Both bind to localhost only;
// they are for operators, not clients.
func (t *Telemetry) Start(ctx context.Context) error {
	go func() {
		t.log.Info("pprof server starting", "addr", t.pprofAddr)
		if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
			t.log.Error("pprof server error", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	go func() {
		t.log.Info("metrics server starting", "addr", t.metricsAddr)
		if err := http.ListenAndServe(t.metricsAddr, mux); err != nil {
			t.log.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Counter returns a named process-wide counter exposed under /debug/vars.
// Counters are created on first use and shared by name.
func Counter(name string) *expvar.Int {
	if existing := expvar.Get(name); existing != nil {
		if counter, ok := existing.(*expvar.Int); ok {
			return counter
		}
	}
	return expvar.NewInt(name)
}
