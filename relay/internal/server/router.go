// Package server assembles the relay's HTTP routes and middleware.
package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goip-relay/goip-relay/common/middleware"
	"github.com/goip-relay/goip-relay/relay/internal/handlers"
	"github.com/goip-relay/goip-relay/relay/internal/metrics"
)

// Handlers groups everything the router dispatches to.
type Handlers struct {
	Ingest *handlers.IngestHandler
	Admin  *handlers.AdminHandler
	Health *handlers.HealthHandler
}

// NewRouter constructs a ServeMux with the device, admin and probe routes
// registered. corsOrigins applies to the admin API only; gateways do not
// send Origin headers.
func NewRouter(h Handlers, corsOrigins []string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Gateway uploads. Older firmware posts to /sms.
	mux.HandleFunc("POST /api/v1/sms", h.Ingest.HandleSMS)
	mux.HandleFunc("POST /sms", h.Ingest.HandleSMS)

	admin := http.NewServeMux()
	admin.HandleFunc("GET /api/v1/messages", h.Admin.ListMessages)
	admin.HandleFunc("GET /api/v1/messages/search", h.Admin.SearchMessages)
	admin.HandleFunc("GET /api/v1/subscriptions", h.Admin.ListSubscriptions)
	admin.HandleFunc("POST /api/v1/subscriptions", h.Admin.CreateSubscription)
	admin.HandleFunc("GET /api/v1/devices/{deviceId}/stats", h.Admin.DeviceStats)
	admin.HandleFunc("GET /api/v1/forwarding/status", h.Admin.ForwardingStatus)
	admin.HandleFunc("GET /api/v1/dlq", h.Admin.DeadLetters)

	cors := middleware.CORS(middleware.CORSConfig{AllowedOrigins: corsOrigins})
	for _, p := range []string{
		"/api/v1/messages",
		"/api/v1/messages/search",
		"/api/v1/subscriptions",
		"/api/v1/devices/",
		"/api/v1/forwarding/status",
		"/api/v1/dlq",
	} {
		mux.Handle(p, cors(admin))
	}

	// Health endpoints
	mux.HandleFunc("GET /healthz", h.Health.Health)
	mux.HandleFunc("GET /readyz", h.Health.Ready)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.AccessLog(logger, observeRequest),
	)
}

func observeRequest(method, path string, status int, elapsed time.Duration) {
	metrics.HTTPRequestDuration.
		WithLabelValues(method, path, strconv.Itoa(status)).
		Observe(elapsed.Seconds())
}
