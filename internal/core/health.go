package core

import (
	"context"
	"net/http"
	"time"
)

// healthCheckTimeout bounds the total time spent probing dependencies.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is a health check against one critical dependency.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HealthHandler runs its probes sequentially under a shared deadline and
// reports 200 when everything is healthy, 503 otherwise. Mounted publicly
// at GET /health.
type HealthHandler struct {
	probes []HealthProbe
}

// NewHealthHandler creates a HealthHandler over the given probes.
func NewHealthHandler(probes ...HealthProbe) *HealthHandler {
	return &HealthHandler{probes: probes}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		Status:     "healthy",
		Components: make(map[string]componentStatus, len(h.probes)),
	}
	status := http.StatusOK

	for _, probe := range h.probes {
		if err := probe.Check(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Components[probe.Name()] = componentStatus{Status: "unhealthy", Message: err.Error()}
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Components[probe.Name()] = componentStatus{Status: "healthy"}
	}

	JSON(w, r, status, resp)
}
