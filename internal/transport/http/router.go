package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"custodia/internal/encryption"
	"custodia/internal/eventbus"
	"custodia/internal/ledger"
	"custodia/internal/platform/middleware"
	"custodia/pkg/platform/circuit"
	"custodia/pkg/platform/interceptor"
)

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// TxRunner runs fn inside a database transaction carried through context, so
// an event published by fn joins the same transaction and commits or rolls
// back with it.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Handler wires the operator endpoints to the core services.
type Handler struct {
	ledger      *ledger.Service
	crypto      *encryption.Service
	bus         *eventbus.Bus
	breakers    *circuit.Registry
	deadLetters eventbus.DeadLetterStore
	txScope     TxRunner

	signingKey []byte
	logger     *slog.Logger
	health     []HealthChecker

	// accessAudit wraps every audit-data read so operator access leaves
	// its own chain entry. Fail-closed: an access that cannot be audited
	// is refused.
	accessAudit interceptor.Interceptor
}

// New creates the operator handler.
func New(
	ledgerSvc *ledger.Service,
	crypto *encryption.Service,
	bus *eventbus.Bus,
	breakers *circuit.Registry,
	deadLetters eventbus.DeadLetterStore,
	txScope TxRunner,
	signingKey []byte,
	logger *slog.Logger,
	health ...HealthChecker,
) *Handler {
	h := &Handler{
		ledger:      ledgerSvc,
		crypto:      crypto,
		bus:         bus,
		breakers:    breakers,
		deadLetters: deadLetters,
		txScope:     txScope,
		signingKey:  signingKey,
		logger:      logger,
		health:      health,
	}
	h.accessAudit = interceptor.Chain(h.auditAccess)
	return h
}

// Router builds the chi router for the operator surface.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(h.logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(h.logger))

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireOperator(h.signingKey, h.logger))

		r.Get("/audit/entries", h.handleListEntries)
		r.Post("/audit/verify", h.handleVerify)
		r.Post("/audit/replay", h.handleReplay)

		r.Get("/breakers", h.handleListBreakers)
		r.Post("/breakers/{name}/reset", h.handleResetBreaker)

		r.Get("/deadletters", h.handleListDeadLetters)
		r.Post("/deadletters/{id}/ack", h.handleAckDeadLetter)

		r.Post("/keys/{classification}/rotate", h.handleRotateKey)
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, check := range h.health {
		if check == nil {
			continue
		}
		if err := check.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
