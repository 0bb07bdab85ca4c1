// Package metrics exposes prometheus counters for the store and the session engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spoolshare"

var (
	// StoreOperations counts document store calls by operation and result.
	StoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_operations_total",
		Help:      "Document store operations by operation and result.",
	}, []string{"op", "result"})

	// SessionEvents counts session lifecycle events.
	SessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_events_total",
		Help:      "Session lifecycle events (create, join, leave, delete, owner_change).",
	}, []string{"event"})

	// FilamentGramsConsumed counts grams deducted from session filaments.
	FilamentGramsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_filament_grams_consumed_total",
		Help:      "Grams of filament deducted by completed print jobs and weight updates.",
	})
)

// Result labels.
const (
	ResultOK       = "ok"
	ResultConflict = "conflict"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
