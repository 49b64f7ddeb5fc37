package util

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
)

// WithRecovery is the top-level error boundary. A panic becomes a generic 500
// with a redirect hint; a panic that names a missing resource (NOT_FOUND or
// 404) redirects the client to the home page instead.
func WithRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			msg := fmt.Sprint(rec)
			LoggerFromContext(r.Context()).Error("handler panic",
				"panic", msg,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			if strings.Contains(msg, "NOT_FOUND") || strings.Contains(msg, "404") {
				http.Redirect(w, r, "/", http.StatusSeeOther)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":    "Something went wrong",
				"redirect": "/",
			})
		}()
		next.ServeHTTP(w, r)
	})
}
