package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the encryption service.
type Metrics struct {
	Encryptions    *prometheus.CounterVec
	Decryptions    *prometheus.CounterVec
	AuthFailures   *prometheus.CounterVec
	KeyDerivations prometheus.Counter
	Rotations      *prometheus.CounterVec
}

// New creates and registers encryption metrics.
func New() *Metrics {
	return &Metrics{
		Encryptions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_encryption_encrypt_total",
			Help: "Field encryptions by classification",
		}, []string{"classification"}),
		Decryptions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_encryption_decrypt_total",
			Help: "Field decryptions by classification",
		}, []string{"classification"}),
		AuthFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_encryption_auth_failures_total",
			Help: "AEAD authentication failures on decrypt by classification",
		}, []string{"classification"}),
		KeyDerivations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_encryption_key_derivations_total",
			Help: "Slow KDF invocations (cache misses)",
		}),
		Rotations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_encryption_key_rotations_total",
			Help: "Key rotations by classification",
		}, []string{"classification"}),
	}
}
