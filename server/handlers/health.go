package handlers

import "net/http"

// HealthChecker reports whether the server can run machines.
type HealthChecker interface {
	Healthy() error
}

// NewHealthHandler returns a handler answering "ok", or 503 with the reason
// when the checker reports a problem.
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if err := checker.Healthy(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}
