package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/goip-relay/goip-relay/common/httputil"
	"github.com/goip-relay/goip-relay/common/messaging"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	store   Pinger
	broker  messaging.Client
	version string
}

// NewHealthHandler checks store on readiness. broker may be nil when no
// message bus is configured.
func NewHealthHandler(store Pinger, broker messaging.Client, version string) *HealthHandler {
	return &HealthHandler{store: store, broker: broker, version: version}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
	})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	if err := h.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		ready = false
	} else {
		checks["store"] = "ok"
	}
	if h.broker != nil {
		if hs := messaging.CheckClientHealth(h.broker); hs.Connected {
			checks["broker"] = "ok"
		} else {
			checks["broker"] = hs.Error
			ready = false
		}
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, map[string]any{"status": status, "checks": checks})
}
