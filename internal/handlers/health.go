package handlers

import "net/http"

// HealthHandler responds with service health information.
type HealthHandler struct {
	Host string
}

// Handle implements GET /healthz.
func (h HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	respondJSON(r.Context(), w, http.StatusOK, map[string]string{
		"status": "ok",
		"host":   h.Host,
	})
}
