// Package client is an HTTP client for the OncoDetect prediction service.
//
// Every operation returns a *Error tagged with a Kind (validation, transport,
// service, decode) so callers can tell failures apart even when the UI collapses
// them into one message. Responses are read with gjson rather than strict struct
// decoding: the service is free to send ids as numbers or strings and to omit
// optional fields such as heatmap_url.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/oncodetect/oncoview/pkg/api"
)

const (
	// FileField is the multipart field name the service reads the image from.
	FileField = "file"

	// DefaultHistoryLimit is how many recent predictions the UI shows.
	DefaultHistoryLimit = 5

	maxResponseBytes = 32 << 20
	maxErrorBytes    = 1024
)

// Recorder receives per-request instrumentation. It may be nil.
type Recorder interface {
	ObserveRequest(op string, seconds float64)
	RecordError(op string, kind Kind)
}

// Client talks to one prediction service instance.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
	recorder   Recorder
}

// New creates a client for the service rooted at baseURL.
// If httpClient is nil a client with a 60s timeout is used.
func New(baseURL string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: missing host", baseURL)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    u,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// SetRecorder installs instrumentation hooks. Call before the client is shared.
func (c *Client) SetRecorder(r Recorder) {
	c.recorder = r
}

// BaseURL returns the service base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// ListPredictions returns the most recent limit predictions, newest first as
// ordered by the service.
func (c *Client) ListPredictions(ctx context.Context, limit int) ([]api.HistoryEntry, error) {
	const op = "list_predictions"

	if limit <= 0 {
		return nil, c.fail(newError(KindValidation, op, fmt.Errorf("limit must be > 0, got %d", limit)))
	}

	ref := "/predictions?limit=" + strconv.Itoa(limit)
	body, _, err := c.do(ctx, op, http.MethodGet, ref, nil, "")
	if err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(body) {
		return nil, c.fail(newError(KindDecode, op, errors.New("response is not valid JSON")))
	}
	items := gjson.GetBytes(body, "predictions")
	if !items.IsArray() {
		return nil, c.fail(newError(KindDecode, op, errors.New(`"predictions" array missing from response`)))
	}

	entries := make([]api.HistoryEntry, 0, len(items.Array()))
	for _, item := range items.Array() {
		entries = append(entries, api.HistoryEntry{
			ID:         item.Get("id").String(),
			Filename:   item.Get("filename").String(),
			Timestamp:  item.Get("timestamp").String(),
			Label:      api.Label(item.Get("prediction").String()),
			Confidence: item.Get("confidence").Float(),
		})
	}

	return entries, nil
}

// Stats returns the aggregate prediction counts.
func (c *Client) Stats(ctx context.Context) (api.Stats, error) {
	const op = "stats"

	body, _, err := c.do(ctx, op, http.MethodGet, "/stats", nil, "")
	if err != nil {
		return api.Stats{}, err
	}

	if !gjson.ValidBytes(body) {
		return api.Stats{}, c.fail(newError(KindDecode, op, errors.New("response is not valid JSON")))
	}
	fields := gjson.GetManyBytes(body,
		"total_predictions",
		"benign_count",
		"malignant_count",
		"benign_percentage",
		"malignant_percentage",
	)
	if !fields[0].Exists() {
		return api.Stats{}, c.fail(newError(KindDecode, op, errors.New(`"total_predictions" missing from response`)))
	}

	return api.Stats{
		TotalPredictions:    int(fields[0].Int()),
		BenignCount:         int(fields[1].Int()),
		MalignantCount:      int(fields[2].Int()),
		BenignPercentage:    optionalFloat(fields[3]),
		MalignantPercentage: optionalFloat(fields[4]),
	}, nil
}

// Predict uploads an image and returns the service's classification.
func (c *Client) Predict(ctx context.Context, upload api.Upload) (api.Prediction, error) {
	const op = "predict"

	if len(upload.Data) == 0 {
		return api.Prediction{}, c.fail(newError(KindValidation, op, errors.New("image is empty")))
	}

	payload, contentType, err := encodeUpload(upload)
	if err != nil {
		return api.Prediction{}, c.fail(newError(KindValidation, op, err))
	}

	body, _, err := c.do(ctx, op, http.MethodPost, "/predict", payload, contentType)
	if err != nil {
		return api.Prediction{}, err
	}

	if !gjson.ValidBytes(body) {
		return api.Prediction{}, c.fail(newError(KindDecode, op, errors.New("response is not valid JSON")))
	}
	res := gjson.ParseBytes(body)

	label := res.Get("prediction")
	if label.Type != gjson.String || label.String() == "" {
		return api.Prediction{}, c.fail(newError(KindDecode, op, errors.New(`"prediction" missing from response`)))
	}
	confidence := res.Get("confidence")
	if confidence.Type != gjson.Number {
		return api.Prediction{}, c.fail(newError(KindDecode, op, errors.New(`"confidence" missing from response`)))
	}

	return api.Prediction{
		Label:        api.Label(label.String()),
		Confidence:   confidence.Float(),
		PredictionID: res.Get("prediction_id").String(),
		Timestamp:    res.Get("timestamp").String(),
		HeatmapURL:   res.Get("heatmap_url").String(),
		Filename:     res.Get("filename").String(),
		RawScore:     optionalFloat(res.Get("raw_score")),
	}, nil
}

// Image is a binary image fetched from the service.
type Image struct {
	ContentType string
	Data        []byte
}

// Heatmap fetches the heatmap image referenced by a Prediction's HeatmapURL.
// The reference is resolved against the base URL; absolute references must point
// at the same host.
func (c *Client) Heatmap(ctx context.Context, ref string) (Image, error) {
	const op = "heatmap"

	if ref == "" {
		return Image{}, c.fail(newError(KindValidation, op, errors.New("heatmap reference is empty")))
	}

	body, header, err := c.do(ctx, op, http.MethodGet, ref, nil, "")
	if err != nil {
		return Image{}, err
	}

	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return Image{}, c.fail(newError(KindDecode, op, fmt.Errorf("unexpected content type %q", contentType)))
	}

	return Image{ContentType: contentType, Data: body}, nil
}

// Health queries the service's detailed health endpoint.
func (c *Client) Health(ctx context.Context) (api.Health, error) {
	const op = "health"

	body, _, err := c.do(ctx, op, http.MethodGet, "/health", nil, "")
	if err != nil {
		return api.Health{}, err
	}

	if !gjson.ValidBytes(body) {
		return api.Health{}, c.fail(newError(KindDecode, op, errors.New("response is not valid JSON")))
	}
	res := gjson.ParseBytes(body)
	if !res.Get("status").Exists() {
		return api.Health{}, c.fail(newError(KindDecode, op, errors.New(`"status" missing from response`)))
	}

	return api.Health{
		Status:           res.Get("status").String(),
		ModelLoaded:      res.Get("model_loaded").Bool(),
		TotalPredictions: int(res.Get("total_predictions").Int()),
		Timestamp:        res.Get("timestamp").String(),
	}, nil
}

// do performs one request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, op, method, ref string, payload []byte, contentType string) ([]byte, http.Header, error) {
	start := time.Now()
	defer func() {
		if c.recorder != nil {
			c.recorder.ObserveRequest(op, time.Since(start).Seconds())
		}
	}()

	target, err := c.resolve(ref)
	if err != nil {
		return nil, nil, c.fail(newError(KindValidation, op, err))
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, nil, c.fail(newError(KindValidation, op, fmt.Errorf("create request: %w", err)))
	}
	req.Header.Set("Accept", "application/json, image/*")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, c.fail(newError(KindTransport, op, fmt.Errorf("http request: %w", err)))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		e := newError(KindService, op, errors.New(serviceMessage(snippet)))
		e.StatusCode = resp.StatusCode
		return nil, nil, c.fail(e)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, nil, c.fail(newError(KindTransport, op, fmt.Errorf("read response: %w", err)))
	}
	if len(body) > maxResponseBytes {
		return nil, nil, c.fail(newError(KindDecode, op, fmt.Errorf("response exceeds %d bytes", maxResponseBytes)))
	}

	c.logger.Debug("service call complete",
		"op", op,
		"method", method,
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return body, resp.Header, nil
}

// fail records a failed call and returns err unchanged.
func (c *Client) fail(err *Error) error {
	if c.recorder != nil {
		c.recorder.RecordError(err.Op, err.Kind)
	}
	return err
}

// resolve joins ref onto the base URL the way the browser client concatenates
// paths: a base of https://host/api and a ref of /predict give https://host/api/predict.
func (c *Client) resolve(ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid reference %q: %w", ref, err)
	}

	if r.IsAbs() {
		if !strings.EqualFold(r.Scheme, c.baseURL.Scheme) || r.Host != c.baseURL.Host {
			return "", fmt.Errorf("reference %q points outside %s://%s", ref, c.baseURL.Scheme, c.baseURL.Host)
		}
		return r.String(), nil
	}
	if r.Host != "" {
		return "", fmt.Errorf("invalid reference %q", ref)
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(c.baseURL.Path, "/") + "/" + strings.TrimLeft(r.Path, "/")
	u.RawPath = ""
	u.RawQuery = r.RawQuery
	u.Fragment = ""
	return u.String(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// encodeUpload builds the multipart body. The part carries the image's own
// content type; the service rejects parts that are not image/*.
func encodeUpload(upload api.Upload) ([]byte, string, error) {
	filename := upload.Filename
	if filename == "" {
		filename = "image"
	}
	contentType := upload.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(upload.Data)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FileField, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(upload.Data); err != nil {
		return nil, "", fmt.Errorf("write multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}

	return buf.Bytes(), mw.FormDataContentType(), nil
}

// serviceMessage extracts a readable message from an error body. FastAPI reports
// errors as {"detail": "..."}; anything else is returned as text.
func serviceMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		if detail := gjson.GetBytes(body, "detail"); detail.Exists() {
			return detail.String()
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response body"
	}
	return msg
}

func optionalFloat(r gjson.Result) *float64 {
	if r.Type != gjson.Number {
		return nil
	}
	v := r.Float()
	return &v
}
