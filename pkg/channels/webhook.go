package channels

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elainabot/elaina/pkg/bus"
	"github.com/elainabot/elaina/pkg/event"
	"github.com/elainabot/elaina/pkg/logger"
	"github.com/elainabot/elaina/pkg/metrics"
	"github.com/elainabot/elaina/pkg/plugin/loader"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// MaintenanceToggler is implemented by the dispatcher.
type MaintenanceToggler interface {
	SetMaintenance(on bool)
}

// WebhookChannel is the HTTP ingestion path. The same server mounts the
// Prometheus endpoint and the admin surface for plugin reloads.
type WebhookChannel struct {
	*BaseChannel

	addr        string
	webhookPath string
	loader      *loader.Loader
	maintenance MaintenanceToggler
	m           *metrics.Metrics
	server      *http.Server
}

func NewWebhookChannel(
	addr, webhookPath string,
	b *bus.Bus,
	m *metrics.Metrics,
	l *loader.Loader,
	maintenance MaintenanceToggler,
) *WebhookChannel {
	return &WebhookChannel{
		BaseChannel: NewBaseChannel("webhook", event.TransportWebhook, b, m),
		addr:        addr,
		webhookPath: webhookPath,
		loader:      l,
		maintenance: maintenance,
		m:           m,
	}
}

func (c *WebhookChannel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+c.webhookPath, c.handleWebhook)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", c.handleHealth)
	mux.HandleFunc("POST /admin/reload", c.handleReload)
	mux.HandleFunc("GET /admin/plugins", c.handlePlugins)
	mux.HandleFunc("POST /admin/maintenance", c.handleMaintenance)

	c.server = &http.Server{
		Addr:              c.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	c.SetRunning(true)
	go func() {
		logger.InfoC("webhook", "listening on %s", c.addr)
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorC("webhook", "server stopped: %v", err)
		}
		c.SetRunning(false)
	}()

	return nil
}

func (c *WebhookChannel) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	c.SetRunning(false)
	return c.server.Shutdown(ctx)
}

// handleWebhook acknowledges before dispatch completes: the platform only
// needs delivery confirmation, replies go out through the send API.
func (c *WebhookChannel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if err := c.HandlePayload(r.Context(), body); err != nil {
		if errors.Is(err, event.ErrMalformedPayload) {
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (c *WebhookChannel) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReload runs the reload synchronously and returns the report, so an
// operator sees per-plugin failures in the response instead of grepping logs.
func (c *WebhookChannel) handleReload(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("plugin")
	if name == "" {
		name = "all"
	}

	report := c.loader.Reload(name)
	c.m.ReloadResult(!report.Failed())

	failures := make(map[string]string, len(report.Failures))
	for plugin, err := range report.Failures {
		failures[plugin] = err.Error()
	}

	status := http.StatusOK
	if report.Failed() {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"loaded":   report.Loaded,
		"failures": failures,
	})
}

func (c *WebhookChannel) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	descriptors := c.loader.Descriptors()
	out := make([]map[string]any, 0, len(descriptors))
	for _, d := range descriptors {
		entry := map[string]any{
			"name":       d.Name,
			"source":     d.Source,
			"status":     string(d.Status),
			"generation": d.Generation,
			"routes":     len(d.Routes),
		}
		if d.LastErr != nil {
			entry["error"] = d.LastErr.Error()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *WebhookChannel) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	on, err := strconv.ParseBool(r.URL.Query().Get("on"))
	if err != nil {
		http.Error(w, "on must be true or false", http.StatusBadRequest)
		return
	}
	c.maintenance.SetMaintenance(on)
	logger.InfoC("webhook", "maintenance mode set to %t", on)
	writeJSON(w, http.StatusOK, map[string]any{"maintenance": on})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
