package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"custodia/internal/encryption"
	"custodia/internal/ledger"
	"custodia/internal/platform/middleware"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/sentinel"
)

func (h *Handler) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": h.breakers.Snapshots()})
}

func (h *Handler) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.breakers.Reset(name) {
		writeError(w, dErrors.Newf(dErrors.CodeNotFound, "no breaker named %q", name))
		return
	}
	h.logger.Info("circuit breaker manually reset",
		"breaker", name,
		"operator", middleware.GetOperatorID(r.Context()),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (h *Handler) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	includeAcked := r.URL.Query().Get("include_acked") == "true"
	letters, err := h.deadLetters.List(r.Context(), includeAcked)
	if err != nil {
		h.logger.Error("list dead letters failed", "error", err)
		writeError(w, dErrors.Wrap(err, dErrors.CodeInternal, "list dead letters"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func (h *Handler) handleAckDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "id must be a UUID"))
		return
	}
	operator := middleware.GetOperatorID(r.Context())
	if err := h.deadLetters.Ack(r.Context(), id, operator); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			writeError(w, dErrors.Newf(dErrors.CodeNotFound, "no dead letter %s", id))
		case errors.Is(err, sentinel.ErrAlreadyAcked):
			writeError(w, dErrors.Newf(dErrors.CodeConflict, "dead letter %s already acknowledged", id))
		default:
			h.logger.Error("ack dead letter failed", "id", id, "error", err)
			writeError(w, dErrors.Wrap(err, dErrors.CodeInternal, "ack dead letter"))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (h *Handler) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	classification := encryption.Classification(chi.URLParam(r, "classification"))
	version, err := h.crypto.RotateKey(r.Context(), classification)
	if err != nil {
		switch {
		case errors.Is(err, encryption.ErrKeyUnavailable):
			writeError(w, dErrors.Newf(dErrors.CodeInvalidInput, "unknown classification %q", classification))
		case errors.Is(err, sentinel.ErrConflict):
			writeError(w, dErrors.New(dErrors.CodeConflict, "concurrent rotation, retry"))
		default:
			h.logger.Error("key rotation failed", "classification", classification, "error", err)
			writeError(w, dErrors.Wrap(err, dErrors.CodeInternal, "rotate key"))
		}
		return
	}
	operator := middleware.GetOperatorID(r.Context())
	if err := h.publishKeyRotated(r.Context(), operator, classification, version); err != nil {
		h.logger.Error("key rotated but event publish failed",
			"classification", classification,
			"version", version,
			"error", err,
		)
		writeError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "record key rotation event"))
		return
	}
	h.logger.Info("key rotated via operator surface",
		"classification", classification,
		"version", version,
		"operator", operator,
	)
	writeJSON(w, http.StatusOK, map[string]any{"classification": classification, "version": version})
}

// publishKeyRotated emits the key.rotated event the ledger subscribes to.
// With a transaction scope configured the outbox write runs inside it.
func (h *Handler) publishKeyRotated(ctx context.Context, operator string, classification encryption.Classification, version int) error {
	event := ledger.AuditEvent{
		ActorID:      operator,
		Action:       "key.rotated",
		ResourceType: "encryption_key",
		ResourceID:   string(classification),
		Outcome:      ledger.OutcomeSuccess,
		Details: map[string]string{
			"classification": string(classification),
			"new_version":    strconv.Itoa(version),
		},
	}
	publish := func(ctx context.Context) error {
		_, err := h.bus.Publish(ctx, "key.rotated", "encryption-keys", event)
		return err
	}
	if h.txScope != nil {
		return h.txScope.RunInTx(ctx, publish)
	}
	return publish(ctx)
}
