package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/oncodetect/oncoview/pkg/api"
	"github.com/oncodetect/oncoview/pkg/client"
	"github.com/oncodetect/oncoview/pkg/env"
	"github.com/oncodetect/oncoview/pkg/httpx"
	"github.com/oncodetect/oncoview/pkg/logging"
	"github.com/oncodetect/oncoview/pkg/session"
	"github.com/oncodetect/oncoview/pkg/tls"
)

const defaultServiceURL = "https://oncodetect-backend-edison.onrender.com"

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type options struct {
	serviceURL string
	timeout    time.Duration
	limit      int
	jsonOut    bool
	logLevel   string
	tls        tls.Config
}

type cli struct {
	opts   options
	svc    *client.Client
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if err := env.LoadFiles(".env.local", ".env"); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}

	var opts options
	fs := flag.NewFlagSet("oncoctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.serviceURL, "service-url", env.String("ONCODETECT_URL", defaultServiceURL), "Prediction service base URL")
	fs.DurationVar(&opts.timeout, "timeout", env.Duration("REQUEST_TIMEOUT", 60*time.Second), "Request timeout")
	fs.IntVar(&opts.limit, "limit", env.Int("HISTORY_LIMIT", client.DefaultHistoryLimit), "History entries to show")
	fs.BoolVar(&opts.jsonOut, "json", false, "Print JSON instead of text")
	fs.StringVar(&opts.logLevel, "log-level", env.String("LOG_LEVEL", "warn"), "Log level: debug, info, warn, error")
	fs.BoolVar(&opts.tls.Enabled, "tls-enabled", env.Bool("TLS_ENABLED", false), "Use custom TLS settings")
	fs.StringVar(&opts.tls.CertFile, "tls-cert-file", env.String("TLS_CERT_FILE", ""), "Client certificate")
	fs.StringVar(&opts.tls.KeyFile, "tls-key-file", env.String("TLS_KEY_FILE", ""), "Client private key")
	fs.StringVar(&opts.tls.CAFile, "tls-ca-file", env.String("TLS_CA_FILE", ""), "CA bundle")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "oncoctl %s\n\nUsage: oncoctl [flags] history|stats|health|predict <image>|heatmap <ref> <out>\n\nFlags:\n", version)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}

	logger := logging.New("text", opts.logLevel, stderr)

	httpClient, err := httpx.NewClient(opts.tls, opts.timeout)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}
	svc, err := client.New(opts.serviceURL, httpClient, logger)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}

	c := &cli{opts: opts, svc: svc, logger: logger, stdout: stdout, stderr: stderr}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "history":
		err = c.history(ctx)
	case "stats":
		err = c.stats(ctx)
	case "health":
		err = c.health(ctx)
	case "predict":
		if len(rest) != 1 {
			fmt.Fprintln(stderr, "usage: oncoctl predict <image>")
			return exitUsage
		}
		err = c.predict(ctx, rest[0])
	case "heatmap":
		if len(rest) != 2 {
			fmt.Fprintln(stderr, "usage: oncoctl heatmap <ref> <out>")
			return exitUsage
		}
		err = c.heatmap(ctx, rest[0], rest[1])
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return exitUsage
	}

	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func (c *cli) history(ctx context.Context) error {
	entries, err := c.svc.ListPredictions(ctx, c.opts.limit)
	if err != nil {
		return err
	}
	if c.opts.jsonOut {
		return c.writeJSON(entries)
	}
	c.printHistory(entries)
	return nil
}

func (c *cli) stats(ctx context.Context) error {
	stats, err := c.svc.Stats(ctx)
	if err != nil {
		return err
	}
	if c.opts.jsonOut {
		return c.writeJSON(stats)
	}
	c.printStats(stats)
	return nil
}

func (c *cli) health(ctx context.Context) error {
	h, err := c.svc.Health(ctx)
	if err != nil {
		return err
	}
	if c.opts.jsonOut {
		if err := c.writeJSON(h); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(c.stdout, "status: %s\nmodel loaded: %t\ntotal predictions: %d\n", h.Status, h.ModelLoaded, h.TotalPredictions)
	}
	if !h.Healthy() {
		return errors.New("prediction service is not ready")
	}
	return nil
}

// predict drives the same controller as the web client: select, submit, then
// show the refreshed history and statistics.
func (c *cli) predict(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return client.NewValidationError("predict", err)
	}

	ctrl := session.NewController(c.svc, c.opts.limit, c.logger)
	ctrl.SelectFile(session.SelectedImage{
		Filename:    filepath.Base(path),
		ContentType: http.DetectContentType(data),
		Data:        data,
	})
	if _, err := ctrl.Submit(ctx); err != nil {
		return err
	}

	s := ctrl.State()
	if c.opts.jsonOut {
		return c.writeJSON(struct {
			Result  *api.Prediction    `json:"result"`
			History []api.HistoryEntry `json:"history"`
			Stats   *api.Stats         `json:"stats,omitempty"`
		}{s.Result, s.History, s.Stats})
	}

	r := s.Result
	fmt.Fprintf(c.stdout, "prediction: %s\nconfidence: %s\nprediction id: %s\ntimestamp: %s\n",
		r.Label, percent(r.Confidence), r.PredictionID, r.Timestamp)
	if r.RawScore != nil {
		fmt.Fprintf(c.stdout, "raw score: %s\n", strconv.FormatFloat(*r.RawScore, 'f', -1, 64))
	}
	if r.HasHeatmap() {
		fmt.Fprintf(c.stdout, "heatmap: %s\n", r.HeatmapURL)
	}
	fmt.Fprintln(c.stdout)
	c.printHistory(s.History)
	if s.Stats != nil {
		fmt.Fprintln(c.stdout)
		c.printStats(*s.Stats)
	}
	return nil
}

func (c *cli) heatmap(ctx context.Context, ref, out string) error {
	img, err := c.svc.Heatmap(ctx, ref)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, img.Data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Fprintf(c.stdout, "wrote %d bytes (%s) to %s\n", len(img.Data), img.ContentType, out)
	return nil
}

func (c *cli) printHistory(entries []api.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(c.stdout, "no predictions yet")
		return
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILE\tPREDICTION\tCONFIDENCE\tTIMESTAMP")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Filename, e.Label, percent(e.Confidence), e.Timestamp)
	}
	_ = tw.Flush()
}

func (c *cli) printStats(s api.Stats) {
	fmt.Fprintf(c.stdout, "total: %d\nbenign: %d%s\nmalignant: %d%s\n",
		s.TotalPredictions,
		s.BenignCount, optionalPercent(s.BenignPercentage),
		s.MalignantCount, optionalPercent(s.MalignantPercentage))
}

func (c *cli) writeJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func percent(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "%"
}

func optionalPercent(v *float64) string {
	if v == nil {
		return ""
	}
	return " (" + percent(*v) + ")"
}
