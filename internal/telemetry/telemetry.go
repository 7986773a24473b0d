// Package telemetry wires the process-wide logging, metrics, and run
// identifiers every long-lived component is handed, mirroring the
// teacher's move to log/slog-everywhere plus a private Prometheus
// registry for batch-job metrics.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	kgzip "github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// levelSilent sits above every standard slog level so verbosity 0 emits
// nothing to stderr, while the OTel sink below remains unaffected by it.
const levelSilent = slog.Level(12)

// RunID returns a fresh identifier to tag one orchestrator run's log and
// metric scope, the same role the teacher's updater operations tag with a
// uuid.UUID.
func RunID() string { return uuid.NewString() }

// RootLogger is the process-wide logger plus the means to flush and tear
// down its OpenTelemetry export pipeline at exit.
type RootLogger struct {
	Logger *slog.Logger

	level    *slog.LevelVar
	shutdown func(context.Context) error
}

// Shutdown flushes and releases the OTel log pipeline, if one was
// successfully constructed.
func (r *RootLogger) Shutdown(ctx context.Context) error {
	if r.shutdown == nil {
		return nil
	}
	return r.shutdown(ctx)
}

// NewRootLogger builds the process-wide logger: a stderr sink gated by
// verbosity (0 = silent, 1 = info+error, 2 = debug) fanned out alongside an
// unconditional OpenTelemetry log bridge. Stderr verbosity never affects
// the OTel sink — spec §6 requires file/remote logs stay unaffected by
// -v. If the OTel exporter can't be constructed (no collector configured),
// logging degrades to stderr-only rather than failing the run.
func NewRootLogger(ctx context.Context, verbosity int) (*RootLogger, error) {
	level := new(slog.LevelVar)
	switch {
	case verbosity <= 0:
		level.Set(levelSilent)
	case verbosity == 1:
		level.Set(slog.LevelInfo)
	default:
		level.Set(slog.LevelDebug)
	}
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	exporter, err := otlploghttp.New(ctx)
	if err != nil {
		return &RootLogger{Logger: slog.New(stderrHandler), level: level},
			fmt.Errorf("telemetry: otlp log exporter unavailable, falling back to stderr-only: %w", err)
	}
	processor := sdklog.NewBatchProcessor(exporter)
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))
	otelHandler := otelslog.NewLogger("pypi2zi", otelslog.WithLoggerProvider(provider)).Handler()

	handler := &multiHandler{handlers: []slog.Handler{stderrHandler, otelHandler}}
	return &RootLogger{Logger: slog.New(handler), level: level, shutdown: provider.Shutdown}, nil
}

// multiHandler fans a single slog record out to every wrapped handler,
// skipping any that wouldn't have emitted it at its own level.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}

// Metrics is a private Prometheus registry of batch-job counters. There is
// no HTTP scrape endpoint — serving feeds (or metrics) over a network is
// out of scope — so metrics are dumped as a text summary at process exit.
type Metrics struct {
	registry *prometheus.Registry

	PackagesConverted   prometheus.Counter
	PackagesBlacklisted prometheus.Counter
	PackagesErrored     prometheus.Counter
	ChangedGauge        prometheus.Gauge
	DownloadDuration    prometheus.Histogram
	EggInfoDuration     prometheus.Histogram
}

// NewMetrics constructs and registers every pypi2zi-namespaced metric
// against a fresh private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PackagesConverted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pypi2zi", Name: "packages_converted_total",
			Help: "Packages whose feed was successfully written or removed this run.",
		}),
		PackagesBlacklisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pypi2zi", Name: "packages_blacklisted_total",
			Help: "Release artifacts or versions permanently blacklisted this run.",
		}),
		PackagesErrored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pypi2zi", Name: "packages_errored_total",
			Help: "Packages whose worker returned an unhandled error this run.",
		}),
		ChangedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pypi2zi", Name: "changed_packages",
			Help: "Packages still pending (re)conversion at the moment of the sample.",
		}),
		DownloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pypi2zi", Name: "download_duration_seconds",
			Help: "Wall time spent downloading one release artifact.",
		}),
		EggInfoDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pypi2zi", Name: "egg_info_duration_seconds",
			Help: "Wall time spent in the sandboxed setup.py egg_info step.",
		}),
	}
	reg.MustRegister(
		m.PackagesConverted, m.PackagesBlacklisted, m.PackagesErrored,
		m.ChangedGauge, m.DownloadDuration, m.EggInfoDuration,
	)
	return m
}

// DumpSummary writes every registered metric family's current value to w,
// one family per line, in the protobuf message's compact text form (not
// Prometheus's text exposition format).
func (m *Metrics) DumpSummary(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("telemetry: gather metrics: %w", err)
	}
	for _, family := range families {
		if _, err := fmt.Fprintln(w, family.String()); err != nil {
			return err
		}
	}
	return nil
}

// PackageLog is the sibling {name}.log file spec §6 requires next to every
// feed, kept to one rotated generation compressed with klauspost/compress's
// gzip.
type PackageLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenPackageLog rotates any existing log file for canonicalName (keeping
// one compressed prior generation) and opens a fresh one.
func OpenPackageLog(feedsDir, canonicalName string) (*PackageLog, error) {
	path := filepath.Join(feedsDir, canonicalName+".log")
	if err := rotate(path); err != nil {
		return nil, fmt.Errorf("telemetry: rotate %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	return &PackageLog{f: f}, nil
}

func rotate(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	compressedPath := path + ".1.gz"
	os.Remove(compressedPath)

	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(compressedPath)
	if err != nil {
		return err
	}
	gz := kgzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Handler returns a slog.Handler writing to this log file.
func (l *PackageLog) Handler() slog.Handler {
	return slog.NewTextHandler(l, nil)
}

func (l *PackageLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Write(p)
}

// Close releases the underlying file handle.
func (l *PackageLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
