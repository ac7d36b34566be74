package handler

import "net/http"

// HealthCheck reports the daemon as healthy once it has finished
// registering routes; there is no deeper readiness probe since each
// subsystem degrades independently rather than gating startup.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
