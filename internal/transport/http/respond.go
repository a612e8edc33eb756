// Package http exposes the operator surface: audit queries and verification,
// breaker and dead-letter operations, and key rotation. Access to audit data
// is itself audited.
package http

import (
	"encoding/json"
	"net/http"

	dErrors "custodia/pkg/domain-errors"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a domain error code to a status and exposes only the code.
// Messages and causes stay in the logs; callers get a generic description.
func writeError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	writeJSON(w, dErrors.ToHTTPStatus(code), map[string]string{
		"error": string(code),
	})
}
