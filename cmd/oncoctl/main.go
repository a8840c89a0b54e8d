// Command oncoctl is a command-line client for the OncoDetect prediction service.
//
// Usage:
//
//	oncoctl [flags] history            recent predictions
//	oncoctl [flags] stats              aggregate counts
//	oncoctl [flags] health             service health
//	oncoctl [flags] predict <image>    classify an image, then show refreshed history and stats
//	oncoctl [flags] heatmap <ref> <out> download a heatmap image
//
// Flags:
//
//	-service-url  Prediction service base URL (env ONCODETECT_URL)
//	-timeout      Request timeout (env REQUEST_TIMEOUT, default 60s)
//	-limit        History entries to show (env HISTORY_LIMIT, default 5)
//	-json         Print JSON instead of text
//	-log-level    Logging level for diagnostics on stderr (env LOG_LEVEL, default warn)
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}
