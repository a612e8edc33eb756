package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the audit ledger.
type Metrics struct {
	Appends         *prometheus.CounterVec
	AppendConflicts prometheus.Counter
	Verifications   prometheus.Counter
	ChainViolations prometheus.Counter
	ArchivedEntries prometheus.Counter
}

// New creates and registers ledger metrics.
func New() *Metrics {
	return &Metrics{
		Appends: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_ledger_appends_total",
			Help: "Audit entries appended by partition outcome",
		}, []string{"outcome"}),
		AppendConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_ledger_append_conflicts_total",
			Help: "Appends retried after losing a sequence allocation race",
		}),
		Verifications: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_ledger_verifications_total",
			Help: "Chain verification passes executed",
		}),
		ChainViolations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_ledger_chain_violations_total",
			Help: "Verification passes that found a broken chain",
		}),
		ArchivedEntries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_ledger_archived_entries_total",
			Help: "Entries moved to the archive after the retention period",
		}),
	}
}
