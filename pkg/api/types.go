// Package api defines the data exchanged with the OncoDetect prediction service.
//
// The service exposes four read/write operations consumed by OncoView:
//   - GET  /predictions?limit=N  recent prediction summaries
//   - GET  /stats                aggregate counts
//   - POST /predict              multipart image upload, returns a Prediction
//   - GET  <heatmap_url>         heatmap image for a prediction
//
// Values are held exactly as served. Timestamps stay in their wire form because the
// service emits naive ISO-8601 strings without a zone; use ParseTimestamp to read them.
package api

import (
	"strings"
	"time"
)

// Label is the classification returned for a submitted image.
type Label string

const (
	LabelBenign    Label = "Benign"
	LabelMalignant Label = "Malignant"
)

// Known reports whether l is one of the labels the service is documented to return.
func (l Label) Known() bool {
	return l == LabelBenign || l == LabelMalignant
}

// Class returns a lowercase token suitable for CSS classes ("benign", "malignant").
func (l Label) Class() string {
	return strings.ToLower(string(l))
}

// Prediction is the service response for one submission.
type Prediction struct {
	Label        Label   `json:"prediction"`
	Confidence   float64 `json:"confidence"`
	PredictionID string  `json:"prediction_id"`
	Timestamp    string  `json:"timestamp"`

	// HeatmapURL is a reference relative to the service base URL. Empty when the
	// service returned no heatmap.
	HeatmapURL string `json:"heatmap_url,omitempty"`

	Filename string   `json:"filename,omitempty"`
	RawScore *float64 `json:"raw_score,omitempty"`
}

// HasHeatmap reports whether a heatmap image should be rendered.
func (p Prediction) HasHeatmap() bool {
	return p.HeatmapURL != ""
}

// HistoryEntry is one past prediction summary.
type HistoryEntry struct {
	ID         string  `json:"id"`
	Filename   string  `json:"filename"`
	Timestamp  string  `json:"timestamp"`
	Label      Label   `json:"prediction"`
	Confidence float64 `json:"confidence"`
}

// Stats holds aggregate counts across all predictions the service has logged.
type Stats struct {
	TotalPredictions int `json:"total_predictions"`
	BenignCount      int `json:"benign_count"`
	MalignantCount   int `json:"malignant_count"`

	BenignPercentage    *float64 `json:"benign_percentage,omitempty"`
	MalignantPercentage *float64 `json:"malignant_percentage,omitempty"`
}

// Health is the upstream service health report.
type Health struct {
	Status           string `json:"status"`
	ModelLoaded      bool   `json:"model_loaded"`
	TotalPredictions int    `json:"total_predictions"`
	Timestamp        string `json:"timestamp"`
}

// Healthy reports whether the service is up and has a model loaded.
func (h Health) Healthy() bool {
	return h.Status == "healthy" && h.ModelLoaded
}

// Upload is an image to submit for prediction.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses a service timestamp. Zone-less values are read as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
