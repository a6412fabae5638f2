// Package metrics records per-target backup outcomes in Prometheus format.
//
// A backup run is a short-lived process, so the registry is written to a
// node_exporter textfile after the run instead of being scraped.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives backup events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	TargetFinished(target, outcome string, duration time.Duration)
	FilesHashed(target string, n int)
	ArchiveWritten(target string, bytes int64, at time.Time)
}

// Nop discards everything.
type Nop struct{}

func (Nop) TargetFinished(string, string, time.Duration) {}
func (Nop) FilesHashed(string, int)                       {}
func (Nop) ArchiveWritten(string, int64, time.Time)       {}

// Registry holds all backup metrics.
type Registry struct {
	reg *prometheus.Registry

	TargetRuns     *prometheus.CounterVec
	FilesHashedCnt *prometheus.CounterVec
	ArchiveBytes   *prometheus.GaugeVec
	LastSuccess    *prometheus.GaugeVec
	TargetDuration *prometheus.GaugeVec
}

// NewRegistry creates the metrics and registers them on a private registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		TargetRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backup_target_runs_total",
			Help: "Backup attempts per target, by outcome.",
		}, []string{"target", "outcome"}),
		FilesHashedCnt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backup_files_hashed_total",
			Help: "Files fingerprinted per target.",
		}, []string{"target"}),
		ArchiveBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backup_archive_bytes",
			Help: "Size of the most recently written archive.",
		}, []string{"target"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backup_last_success_timestamp_seconds",
			Help: "Unix time of the most recently written archive.",
		}, []string{"target"}),
		TargetDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backup_target_duration_seconds",
			Help: "Time spent processing a target in the last run.",
		}, []string{"target"}),
	}
	r.reg.MustRegister(r.TargetRuns, r.FilesHashedCnt, r.ArchiveBytes, r.LastSuccess, r.TargetDuration)
	return r
}

func (r *Registry) TargetFinished(target, outcome string, duration time.Duration) {
	r.TargetRuns.WithLabelValues(target, outcome).Inc()
	r.TargetDuration.WithLabelValues(target).Set(duration.Seconds())
}

func (r *Registry) FilesHashed(target string, n int) {
	r.FilesHashedCnt.WithLabelValues(target).Add(float64(n))
}

func (r *Registry) ArchiveWritten(target string, bytes int64, at time.Time) {
	r.ArchiveBytes.WithLabelValues(target).Set(float64(bytes))
	r.LastSuccess.WithLabelValues(target).Set(float64(at.Unix()))
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// WriteTextfile writes the current values in the text exposition format.
// The file is replaced atomically.
func (r *Registry) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}
