// Package router wires the oncoview HTTP routes.
//
// Routes:
//   - GET  /                         render the page; reloads history and statistics
//   - POST /select                   multipart "file" upload, becomes the selected image
//   - POST /analyze                  submit the selected image for classification
//   - POST /reset                    clear selection, preview and result
//   - GET  /heatmap/{predictionID}   heatmap image for the session's current result
//   - GET  /api/state                session view state as JSON (image bytes omitted)
//   - GET  /healthz                  liveness
//   - GET  /readyz                   prediction service health
//   - GET  /metrics                  Prometheus metrics
//
// Form posts redirect back to / (303). Requests sending Accept: application/json
// get the resulting state as JSON instead.
package router

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oncodetect/oncoview/cmd/oncoview/metrics"
	"github.com/oncodetect/oncoview/pkg/api"
	"github.com/oncodetect/oncoview/pkg/client"
	"github.com/oncodetect/oncoview/pkg/httpx"
	"github.com/oncodetect/oncoview/pkg/session"
)

//go:embed templates/index.html
var templateFS embed.FS

// SessionCookie names the cookie carrying the session id.
const SessionCookie = "oncoview_session"

const defaultRequestTimeout = 60 * time.Second

// HeatmapSource fetches heatmap images from the prediction service.
type HeatmapSource interface {
	Heatmap(ctx context.Context, ref string) (client.Image, error)
}

// HealthSource reports the prediction service health.
type HealthSource interface {
	Health(ctx context.Context) (api.Health, error)
}

// Config holds the router dependencies.
type Config struct {
	Sessions *session.Manager
	Heatmaps HeatmapSource
	Health   HealthSource
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger

	ServiceURL     string
	MaxUploadBytes int64
	CookieSecure   bool

	// RequestTimeout bounds each prediction service call made for a browser
	// request. Those calls do not stop when the browser disconnects.
	RequestTimeout time.Duration
}

type handlers struct {
	cfg    Config
	tmpl   *template.Template
	logger *slog.Logger
}

// New builds the HTTP handler.
func New(cfg Config) (http.Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	tmpl, err := template.New("index.html").Funcs(template.FuncMap{
		"percent":    formatPercent,
		"when":       formatTimestamp,
		"previewURL": previewURL,
	}).ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	h := &handlers{cfg: cfg, tmpl: tmpl, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(httpx.LoggingMiddleware(logger))
	r.Use(httpx.RecoveryMiddleware(logger))

	r.Get("/healthz", httpx.HealthHandler())
	r.Get("/readyz", httpx.HealthHandlerWithCheck(h.checkUpstream))
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(h.withSession)
		r.Get("/", h.index)
		r.Post("/select", h.selectFile)
		r.Post("/analyze", h.analyze)
		r.Post("/reset", h.reset)
		r.Get("/heatmap/{predictionID}", h.heatmap)
		r.Get("/api/state", h.state)
	})

	return r, nil
}

func (h *handlers) checkUpstream(ctx context.Context) error {
	health, err := h.cfg.Health.Health(ctx)
	if err != nil {
		return fmt.Errorf("prediction service unreachable: %w", err)
	}
	if !health.Healthy() {
		return fmt.Errorf("prediction service not ready: status=%s model_loaded=%t", health.Status, health.ModelLoaded)
	}
	return nil
}

type pageData struct {
	State      session.ViewState
	Notice     string
	ServiceURL string
}

func (h *handlers) index(w http.ResponseWriter, r *http.Request) {
	ctrl := controllerFrom(r.Context())

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.serviceTimeout(1))
	defer cancel()
	ctrl.Mount(ctx)

	data := pageData{
		Notice:     ctrl.TakeNotice(),
		State:      ctrl.State(),
		ServiceURL: h.cfg.ServiceURL,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := h.tmpl.Execute(w, data); err != nil {
		h.logger.Error("failed to render page", "error", err)
	}
}

// serviceTimeout bounds a handler that makes the given number of sequential
// prediction service calls.
func (h *handlers) serviceTimeout(calls int) time.Duration {
	if h.cfg.RequestTimeout <= 0 {
		return time.Duration(calls) * defaultRequestTimeout
	}
	return time.Duration(calls) * h.cfg.RequestTimeout
}

func (h *handlers) state(w http.ResponseWriter, r *http.Request) {
	ctrl := controllerFrom(r.Context())
	if err := httpx.WriteJSON(w, http.StatusOK, newStateView(ctrl.State())); err != nil {
		h.logger.Error("failed to write state", "error", err)
	}
}

// respond finishes a state-changing request: JSON clients get the state,
// browsers are redirected back to the page.
func (h *handlers) respond(w http.ResponseWriter, r *http.Request, ctrl *session.Controller, status int) {
	if wantsJSON(r) {
		if err := httpx.WriteJSON(w, status, newStateView(ctrl.State())); err != nil {
			h.logger.Error("failed to write state", "error", err)
		}
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func formatPercent(v any) string {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case *float64:
		if n == nil {
			return ""
		}
		f = *n
	case int:
		f = float64(n)
	default:
		return fmt.Sprint(v)
	}
	return strconv.FormatFloat(f, 'f', -1, 64) + "%"
}

func formatTimestamp(ts string) string {
	t, ok := api.ParseTimestamp(ts)
	if !ok {
		return ts
	}
	return t.Format("2006-01-02 15:04")
}

// previewURL marks preview data URLs as safe image sources. Anything that is
// not an image data URL is dropped.
func previewURL(s string) template.URL {
	if !strings.HasPrefix(s, "data:image/") {
		return ""
	}
	return template.URL(s)
}
