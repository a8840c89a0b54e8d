package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/oncodetect/oncoview/cmd/oncoview/metrics"
	"github.com/oncodetect/oncoview/pkg/api"
	"github.com/oncodetect/oncoview/pkg/client"
	"github.com/oncodetect/oncoview/pkg/httpx"
	"github.com/oncodetect/oncoview/pkg/session"
)

// Upload notices.
const (
	NoticeNotImage = "Please select an image file"
	noticeTooLarge = "Image is too large (limit %s)"
)

// multipartOverhead allows for the form framing around the file itself.
const multipartOverhead = 64 << 10

type ctxKey struct{}

func controllerFrom(ctx context.Context) *session.Controller {
	return ctx.Value(ctxKey{}).(*session.Controller)
}

// withSession attaches the caller's controller to the request, issuing a new
// session cookie when the request has none or an invalid one.
func (h *handlers) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if c, err := r.Cookie(SessionCookie); err == nil {
			id = c.Value
		}

		ctrl, _, err := h.cfg.Sessions.Get(r.Context(), id)
		if errors.Is(err, session.ErrInvalidID) {
			id = h.cfg.Sessions.NewID()
			ctrl, _, err = h.cfg.Sessions.Get(r.Context(), id)
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				Secure:   h.cfg.CookieSecure,
				SameSite: http.SameSiteLaxMode,
			})
		}
		if err != nil {
			h.logger.Error("failed to open session", "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, ctrl)))
	})
}

func (h *handlers) selectFile(w http.ResponseWriter, r *http.Request) {
	ctrl := controllerFrom(r.Context())
	limit := h.cfg.MaxUploadBytes

	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(limit + multipartOverhead); err != nil {
		if isTooLarge(err) {
			h.reject(w, r, ctrl, http.StatusRequestEntityTooLarge, fmt.Sprintf(noticeTooLarge, humanBytes(limit)))
			return
		}
		h.reject(w, r, ctrl, http.StatusBadRequest, session.NoticeSelectImage)
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			h.logger.Warn("failed to remove multipart files", "error", err)
		}
	}()

	file, header, err := r.FormFile(client.FileField)
	if err != nil {
		h.reject(w, r, ctrl, http.StatusBadRequest, session.NoticeSelectImage)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		h.logger.Warn("failed to read upload", "error", err)
		h.reject(w, r, ctrl, http.StatusBadRequest, session.NoticeSelectImage)
		return
	}
	if int64(len(data)) > limit {
		h.reject(w, r, ctrl, http.StatusRequestEntityTooLarge, fmt.Sprintf(noticeTooLarge, humanBytes(limit)))
		return
	}
	if len(data) == 0 {
		h.reject(w, r, ctrl, http.StatusBadRequest, session.NoticeSelectImage)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		h.reject(w, r, ctrl, http.StatusUnsupportedMediaType, NoticeNotImage)
		return
	}

	ctrl.SelectFile(session.SelectedImage{
		Filename:    filepath.Base(header.Filename),
		ContentType: contentType,
		Data:        data,
	})
	h.respond(w, r, ctrl, http.StatusOK)
}

func (h *handlers) analyze(w http.ResponseWriter, r *http.Request) {
	ctrl := controllerFrom(r.Context())

	// The upload and the refreshes that follow run to completion even if the
	// browser goes away; the outcome is kept in the session.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.serviceTimeout(2))
	defer cancel()

	h.cfg.Metrics.SubmissionsInFlight.Inc()
	_, err := ctrl.Submit(ctx)
	h.cfg.Metrics.SubmissionsInFlight.Dec()

	status := http.StatusOK
	switch {
	case err == nil:
		h.cfg.Metrics.RecordSubmission(metrics.OutcomeSuccess)
	case errors.Is(err, session.ErrSubmitInProgress):
		h.cfg.Metrics.RecordSubmission(metrics.OutcomeRejected)
		status = http.StatusConflict
	case errors.Is(err, session.ErrNoImage):
		h.cfg.Metrics.RecordSubmission(metrics.OutcomeRejected)
		status = http.StatusBadRequest
	default:
		h.cfg.Metrics.RecordSubmission(metrics.OutcomeFailed)
		status = http.StatusBadGateway
	}
	h.respond(w, r, ctrl, status)
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	ctrl := controllerFrom(r.Context())
	ctrl.Reset()
	h.respond(w, r, ctrl, http.StatusOK)
}

func (h *handlers) heatmap(w http.ResponseWriter, r *http.Request) {
	ctrl := controllerFrom(r.Context())
	id := chi.URLParam(r, "predictionID")

	result := ctrl.State().Result
	if result == nil || result.PredictionID != id || !result.HasHeatmap() {
		httpx.WriteErrorMessage(w, http.StatusNotFound, "no heatmap for this prediction")
		return
	}

	img, err := h.cfg.Heatmaps.Heatmap(r.Context(), result.HeatmapURL)
	if err != nil {
		h.logger.Warn("failed to fetch heatmap", "prediction_id", id, "error", err)
		httpx.WriteErrorMessage(w, http.StatusBadGateway, "heatmap unavailable")
		return
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img.Data); err != nil {
		h.logger.Debug("failed to write heatmap", "error", err)
	}
}

func (h *handlers) reject(w http.ResponseWriter, r *http.Request, ctrl *session.Controller, status int, notice string) {
	ctrl.Notify(notice)
	h.respond(w, r, ctrl, status)
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || strings.Contains(err.Error(), "request body too large")
}

func humanBytes(n int64) string {
	const mib = 1 << 20
	if n >= mib && n%mib == 0 {
		return fmt.Sprintf("%d MiB", n/mib)
	}
	return fmt.Sprintf("%d bytes", n)
}

type selectedView struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// stateView is the JSON form of a ViewState without image bytes.
type stateView struct {
	Phase      session.Phase      `json:"phase"`
	Selected   *selectedView      `json:"selected"`
	HasPreview bool               `json:"has_preview"`
	Result     *api.Prediction    `json:"result"`
	History    []api.HistoryEntry `json:"history"`
	Stats      *api.Stats         `json:"stats"`
	Submitting bool               `json:"submitting"`
	CanSubmit  bool               `json:"can_submit"`
	CanReset   bool               `json:"can_reset"`
	Notice     string             `json:"notice,omitempty"`
}

func newStateView(s session.ViewState) stateView {
	v := stateView{
		Phase:      s.Phase,
		HasPreview: s.Preview != "",
		Result:     s.Result,
		History:    s.History,
		Stats:      s.Stats,
		Submitting: s.Submitting,
		CanSubmit:  s.CanSubmit(),
		CanReset:   s.CanReset(),
		Notice:     s.Notice,
	}
	if s.Selected != nil {
		v.Selected = &selectedView{
			Filename:    s.Selected.Filename,
			ContentType: s.Selected.ContentType,
			Size:        len(s.Selected.Data),
		}
	}
	return v
}
