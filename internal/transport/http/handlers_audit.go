package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mssola/useragent"

	"custodia/internal/ledger"
	"custodia/internal/platform/middleware"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/interceptor"
)

// auditAccess appends an audit_trail entry for every operator read of audit
// data. The entry records the operator, the action, and the queried
// partition; the filters and device go into the encrypted details. If the
// entry cannot be written the read is refused.
func (h *Handler) auditAccess(ctx context.Context, call interceptor.Call, next interceptor.Next) error {
	opErr := next(ctx)

	outcome := ledger.OutcomeSuccess
	if opErr != nil {
		outcome = ledger.OutcomeFailure
	}
	_, auditErr := h.ledger.Append(ctx, ledger.Draft{
		Partition:    call.ResourceID,
		ActorID:      call.ActorID,
		Action:       call.Action,
		ResourceType: "audit_trail",
		ResourceID:   call.ResourceID,
		Outcome:      outcome,
		Details:      call.Metadata,
	})
	if auditErr != nil {
		h.logger.Error("operator access could not be audited",
			"action", call.Action,
			"actor", call.ActorID,
			"error", auditErr,
		)
		return dErrors.Wrap(auditErr, dErrors.CodeUnavailable, "access audit unavailable")
	}
	return opErr
}

func accessCall(r *http.Request, action, partition string, filters string) interceptor.Call {
	ua := useragent.New(r.UserAgent())
	browser, version := ua.Browser()
	return interceptor.Call{
		ActorID:    middleware.GetOperatorID(r.Context()),
		Action:     action,
		Resource:   "audit_trail",
		ResourceID: partition,
		Metadata: map[string]string{
			"query_filters":   filters,
			"operator_device": ua.OS() + " " + browser + "/" + version,
		},
	}
}

func (h *Handler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.Filter{
		Partition:    q.Get("partition"),
		ActorID:      q.Get("actor"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
	}
	// The partition doubles as the access-audit partition, so it must be
	// checked before the interceptor chain runs.
	if filter.Partition == "" {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "partition is required"))
		return
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, dErrors.New(dErrors.CodeInvalidInput, "from must be RFC 3339"))
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, dErrors.New(dErrors.CodeInvalidInput, "to must be RFC 3339"))
			return
		}
		filter.To = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, dErrors.New(dErrors.CodeInvalidInput, "limit must be a positive integer"))
			return
		}
		filter.Limit = n
	}

	var entries []ledger.Entry
	call := accessCall(r, "audit.query", filter.Partition, r.URL.RawQuery)
	err := interceptor.Run(r.Context(), h.accessAudit, call, func(ctx context.Context) error {
		var opErr error
		entries, opErr = h.ledger.Query(ctx, filter)
		return opErr
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type verifyRequest struct {
	Partition string `json:"partition"`
	From      int64  `json:"from"`
	To        int64  `json:"to"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}
	if req.Partition == "" {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "partition is required"))
		return
	}

	var result ledger.VerificationResult
	call := accessCall(r, "audit.verify", req.Partition, "")
	err := interceptor.Run(r.Context(), h.accessAudit, call, func(ctx context.Context) error {
		var opErr error
		result, opErr = h.ledger.Verify(ctx, req.Partition, req.From, req.To)
		var integrity *ledger.IntegrityError
		if errors.As(opErr, &integrity) {
			// A broken chain is a valid verification outcome, not a
			// failed request.
			return nil
		}
		return opErr
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type replayRequest struct {
	Subscriber   string `json:"subscriber"`
	FromSequence int64  `json:"from_sequence"`
}

func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}
	n, err := h.bus.Replay(r.Context(), req.Subscriber, req.FromSequence)
	if err != nil {
		h.logger.Error("replay failed",
			"subscriber", req.Subscriber,
			"replayed", n,
			"error", err,
		)
		writeError(w, dErrors.Wrap(err, dErrors.CodeInternal, "replay failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replayed": n})
}
