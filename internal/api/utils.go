package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// maxBodyBytes bounds JSON request bodies
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Detail any    `json:"detail,omitempty"`
}

// statusForKind maps a failure kind to its HTTP status
func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidArgument:
		return http.StatusBadRequest
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindCapacity, domain.KindPoolExhausted:
		return http.StatusConflict
	case domain.KindGatewayRejected:
		return http.StatusBadGateway
	case domain.KindGatewayUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindGatewayUnreachable:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, log logrus.FieldLogger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

// writeError renders err as an ErrorResponse. Internal failures are logged
// and their details withheld from the client.
func writeError(w http.ResponseWriter, log logrus.FieldLogger, err error, detail any) {
	kind := domain.KindOf(err)
	status := statusForKind(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
		msg = "internal error"
	}
	writeJSON(w, log, status, ErrorResponse{Error: msg, Kind: string(kind), Detail: detail})
}

// decodeJSON reads a bounded JSON body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Errorf(domain.KindInvalidArgument, "invalid JSON: %v", err)
	}
	return nil
}

// userIDParam parses the {userID} path parameter
func userIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "userID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.Errorf(domain.KindInvalidArgument, "invalid user id %q", raw)
	}
	return id, nil
}

// bearerToken extracts the token of an "Authorization: Bearer" header
func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", errors.New("missing authorization header")
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("unsupported authorization scheme")
	}
	return strings.TrimSpace(token), nil
}

// RequireToken rejects requests without the configured bearer token. An
// empty token disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, err := bearerToken(r)
			if err != nil || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="peerd"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "unauthorized", Kind: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
