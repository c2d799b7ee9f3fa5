package api

import "net/http"

// HealthResponse is the response for the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Tenant string `json:"tenant"`
}

// HealthHandler serves GET /api/healthz.
func HealthHandler(tenant string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok", Tenant: tenant})
	}
}
