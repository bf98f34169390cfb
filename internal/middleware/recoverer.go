package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// Recoverer turns a handler panic into a logged 500 with a JSON body
// carrying the request id.
func Recoverer(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				reqid := GetRequestID(r)
				log.WithFields(logrus.Fields{
					"reqid":  reqid,
					"uri":    r.RequestURI,
					"method": r.Method,
					"stack":  string(debug.Stack()),
				}).Errorf("panic: %v", rec)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": "unexpected server error",
					"kind":  "internal",
					"reqid": reqid,
				})
			}()
			next.ServeHTTP(w, r)
		})
	}
}
