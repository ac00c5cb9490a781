// Package handlers implements the relay's HTTP surface.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/goip-relay/goip-relay/common/httputil"
	"github.com/goip-relay/goip-relay/common/logging"
	"github.com/goip-relay/goip-relay/common/middleware"
	"github.com/goip-relay/goip-relay/relay/internal/ratelimit"
	"github.com/goip-relay/goip-relay/relay/internal/service"
)

// Ingester is the part of the ingestion service the handler drives.
type Ingester interface {
	Process(ctx context.Context, payload, sourceIP string) (*service.Result, error)
}

// IngestConfig bounds what a device may upload.
type IngestConfig struct {
	MaxBodyBytes int64
	// FailOpen admits requests when the rate limiter backend is unavailable.
	FailOpen bool
}

type IngestHandler struct {
	service Ingester
	limiter ratelimit.RateLimiter
	cfg     IngestConfig
	logger  *slog.Logger
}

// NewIngestHandler builds the device upload handler. A nil limiter disables
// rate limiting.
func NewIngestHandler(svc Ingester, limiter ratelimit.RateLimiter, cfg IngestConfig, logger *slog.Logger) *IngestHandler {
	if limiter == nil {
		limiter = &ratelimit.NoOpRateLimiter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestHandler{
		service: svc,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With(logging.Component("ingest_handler")),
	}
}

type singleResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
	Forwarded bool   `json:"forwarded"`
}

type batchResponse struct {
	Status     string   `json:"status"`
	Processed  int      `json:"processed"`
	Failed     int      `json:"failed"`
	MessageIDs []string `json:"messageIds"`
	Forwarded  bool     `json:"forwarded"`
}

// envelope is the JSON shape some firmwares post instead of raw text.
type envelope struct {
	Message string `json:"message"`
	Raw     string `json:"raw"`
	Data    string `json:"data"`
}

// HandleSMS accepts one message or a delimited batch from a gateway.
func (h *IngestHandler) HandleSMS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sourceIP := httputil.ClientIP(r)
	logger := h.logger.With(
		logging.IP(sourceIP),
		slog.String("request_id", middleware.GetRequestID(ctx)))

	allowed, err := h.limiter.Allow(ctx, sourceIP)
	if err != nil {
		logger.WarnContext(ctx, "rate limiter unavailable", logging.Error(err))
		if !h.cfg.FailOpen {
			httputil.WriteError(w, http.StatusServiceUnavailable, "Rate limiter unavailable")
			return
		}
		allowed = true
	}
	if !allowed {
		httputil.WriteError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	if h.cfg.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	}
	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "Failed to read body")
		return
	}

	result, err := h.service.Process(ctx, extractPayload(body, r.Header.Get("Content-Type")), sourceIP)
	switch {
	case errors.Is(err, service.ErrEmptyPayload):
		httputil.WriteError(w, http.StatusBadRequest, "Empty payload")
		return
	case errors.Is(err, service.ErrParse):
		httputil.WriteError(w, http.StatusBadRequest, "Parse error")
		return
	case err != nil:
		logger.ErrorContext(ctx, "ingestion failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to store message")
		return
	}

	if result.Batch {
		httputil.WriteJSON(w, http.StatusOK, batchResponse{
			Status:     "ok",
			Processed:  result.Processed,
			Failed:     result.Failed,
			MessageIDs: result.MessageIDs,
			Forwarded:  true,
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, singleResponse{
		Status:    "ok",
		MessageID: result.MessageIDs[0],
		Forwarded: true,
	})
}

// extractPayload returns the message text from a JSON envelope
// ({message|raw|data}) or the body itself when it is plain text.
func extractPayload(body []byte, contentType string) string {
	trimmed := bytes.TrimSpace(body)
	looksJSON := len(trimmed) > 0 && trimmed[0] == '{'
	if !looksJSON && !strings.HasPrefix(contentType, "application/json") {
		return string(body)
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return string(body)
	}
	for _, v := range []string{env.Message, env.Raw, env.Data} {
		if v != "" {
			return v
		}
	}
	return ""
}
