// Package metric owns the Prometheus registry shared by every triage
// component and the HTTP server that exposes it.
//
// Components register their own collectors through MetricsRegistry so that
// duplicate names surface as classified errors instead of panics:
//
//	hist := prometheus.NewHistogramVec(opts, []string{"step"})
//	if err := registry.RegisterHistogramVec("pipeline", "step_duration", hist); err != nil {
//	    return err
//	}
//
// Core holds the pipeline-wide series (events, diagnoses, fanout, stats)
// that several packages update.
package metric
