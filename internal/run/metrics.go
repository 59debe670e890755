package run

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

type metrics struct {
	recordings   atomic.Int64
	partials     atomic.Int64
	finals       atomic.Int64
	errors       atomic.Int64
	hooksSent    atomic.Int64
	hooksSkipped atomic.Int64
	hooksDropped atomic.Int64
}

func (m *metrics) incRecordings()   { m.recordings.Add(1) }
func (m *metrics) incPartials()     { m.partials.Add(1) }
func (m *metrics) incFinals()       { m.finals.Add(1) }
func (m *metrics) incErrors()       { m.errors.Add(1) }
func (m *metrics) incHooksSent()    { m.hooksSent.Add(1) }
func (m *metrics) incHooksSkipped() { m.hooksSkipped.Add(1) }
func (m *metrics) incHooksDropped() { m.hooksDropped.Add(1) }

func (s *Server) metricsServe(ctxDone <-chan struct{}, addr string, logger interface {
	Infof(string, ...any)
	Warnf(string, ...any)
}) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "dictum_recordings_total %d\n", s.metrics.recordings.Load())
		fmt.Fprintf(w, "dictum_partials_total %d\n", s.metrics.partials.Load())
		fmt.Fprintf(w, "dictum_finals_total %d\n", s.metrics.finals.Load())
		fmt.Fprintf(w, "dictum_errors_total %d\n", s.metrics.errors.Load())
		fmt.Fprintf(w, "dictum_hooks_sent_total %d\n", s.metrics.hooksSent.Load())
		fmt.Fprintf(w, "dictum_hooks_skipped_total %d\n", s.metrics.hooksSkipped.Load())
		fmt.Fprintf(w, "dictum_hooks_dropped_total %d\n", s.metrics.hooksDropped.Load())
	})
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		<-ctxDone
		_ = server.Close()
	}()
	logger.Infof("metrics listening on http://%s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warnf("metrics server: %v", err)
	}
}
