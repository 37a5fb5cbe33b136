// branch-tracer attaches probe points to kernel control flow, classifies
// every observed branch and exports counters and per-record spans.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/procfs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mrzor/branch-tracer/internal/attributes"
	"github.com/mrzor/branch-tracer/internal/bpfloader"
	"github.com/mrzor/branch-tracer/internal/catalog"
	"github.com/mrzor/branch-tracer/internal/config"
	"github.com/mrzor/branch-tracer/internal/eventprocessor"
	"github.com/mrzor/branch-tracer/internal/eventstream"
	"github.com/mrzor/branch-tracer/internal/kcontext"
	"github.com/mrzor/branch-tracer/internal/otel"
	"github.com/mrzor/branch-tracer/internal/output"
	"github.com/mrzor/branch-tracer/internal/peername"
	"github.com/mrzor/branch-tracer/internal/probe"
	"github.com/mrzor/branch-tracer/internal/procmeta"
	"github.com/mrzor/branch-tracer/internal/timesync"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	procmetaCacheSize = 4096
	procmetaTTL       = time.Minute
	peerLookupTimeout = 2 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// session is everything between the kernel and the counters.
type session struct {
	registry   *probe.Registry
	processor  *eventprocessor.Processor
	operations []*catalog.Operation
}

// setupSession builds the registry, classifier and processor for the
// configured operations.
func setupSession(logger *zap.Logger, cfg *config.Config) (*session, error) {
	release := cfg.KernelRelease
	if release == "" {
		r, err := kcontext.RunningRelease()
		if err != nil {
			return nil, err
		}
		release = r
	}
	profile, err := kcontext.NewProfile(release)
	if err != nil {
		return nil, err
	}
	for _, gap := range profile.Gaps() {
		logger.Info("Context field unavailable", zap.Stringer("field", gap.Field), zap.String("why", gap.Why))
	}

	ops, err := catalog.Select(cfg.Operations)
	if err != nil {
		return nil, err
	}
	reg := probe.NewRegistry()
	classifier, err := catalog.Install(reg, ops)
	if err != nil {
		return nil, fmt.Errorf("installing operations: %w", err)
	}

	if cfg.OffsetsFile != "" {
		f, err := os.Open(cfg.OffsetsFile)
		if err != nil {
			return nil, fmt.Errorf("opening offsets: %w", err)
		}
		n, err := reg.ApplyOffsets(f)
		_ = f.Close() //nolint:errcheck // read-only file
		if err != nil {
			return nil, fmt.Errorf("applying %s: %w", cfg.OffsetsFile, err)
		}
		logger.Info("Offsets applied", zap.String("file", cfg.OffsetsFile), zap.Int("points", n))
	}

	processor, err := eventprocessor.New(logger.Named("processor"), reg, classifier, kcontext.NewExtractor(profile), ops,
		eventprocessor.Options{
			StoreCapacity:   cfg.StoreCapacity,
			StoreShards:     cfg.StoreShards,
			Policy:          cfg.Policy(),
			ChannelCapacity: cfg.ChannelCapacity,
		})
	if err != nil {
		return nil, err
	}
	return &session{registry: reg, processor: processor, operations: ops}, nil
}

// setupSinks creates the configured sinks and a cleanup for the tracer
// provider.
func setupSinks(ctx context.Context, logger *zap.Logger, cfg *config.Config) ([]output.Sink, func(), error) {
	var sinks []output.Sink
	cleanup := func() {}

	if cfg.HasSink(config.SinkOTEL) {
		otelCfg, err := config.ParseOTELConfig()
		if err != nil {
			return nil, nil, err
		}
		tp, err := otel.InitProvider(ctx, logger.Named("otel"), otelCfg, fmt.Sprintf("%s (%s)", version, commit))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
		}
		cleanup = func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
				logger.Error("Error shutting down OTEL provider", zap.Error(err))
			}
		}

		clock, err := timesync.NewConverter()
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to create time converter: %w", err)
		}
		customAttrs, err := cfg.ParseCustomAttributes()
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		evaluator, err := attributes.NewEvaluator(customAttrs)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		traceIDs, err := attributes.NewTraceIDEvaluator(cfg.TraceID, cfg.CollectionID)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		sinks = append(sinks, output.NewSpanSink(logger.Named("spans"), tp.Tracer("branch-tracer"), clock, traceIDs,
			output.SpanSinkOptions{
				Attributes: evaluator,
				Peers:      peername.New(nil, peerLookupTimeout),
				Flusher:    tp,
			}))
	}
	if cfg.HasSink(config.SinkLog) {
		sinks = append(sinks, output.NewLogSink(logger))
	}
	return sinks, cleanup, nil
}

// setupBPF loads the collection, attaches every registered point and opens
// the ring buffer.
func setupBPF(logger *zap.Logger, cfg *config.Config, reg *probe.Registry) (*bpfloader.Loader, eventstream.Reader, func(), error) {
	points := reg.Points()
	loader, err := bpfloader.New(logger.Named("loader"), cfg.Object, points)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := loader.Attach(points); err != nil {
		if closeErr := loader.Close(); closeErr != nil {
			logger.Error("Error closing loader after attach failure", zap.Error(closeErr))
		}
		return nil, nil, nil, err
	}

	rd, err := loader.OpenRingBuffer()
	if err != nil {
		if closeErr := loader.Close(); closeErr != nil {
			logger.Error("Error closing loader after ring buffer open failure", zap.Error(closeErr))
		}
		return nil, nil, nil, err
	}

	closeReader := func() {
		if err := rd.Close(); err != nil {
			logger.Error("Error closing ring buffer", zap.Error(err))
		}
	}
	return loader, rd, closeReader, nil
}

// serveMetrics exposes the counter tables and pipeline counters.
func serveMetrics(logger *zap.Logger, addr string, s *session, stream *eventstream.Stream, drainer *output.Drainer) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		s.processor.Collector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "branch_tracer_unknown_probe_total",
			Help: "Observations carrying a probe id that is not registered.",
		}, func() float64 { return float64(s.processor.Unknown()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "branch_tracer_samples_read_total",
			Help: "Ring buffer samples read.",
		}, func() float64 {
			read, _, _ := stream.Stats()
			return float64(read)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "branch_tracer_samples_decode_errors_total",
			Help: "Ring buffer samples that could not be decoded.",
		}, func() float64 {
			_, bad, _ := stream.Stats()
			return float64(bad)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "branch_tracer_records_filtered_total",
			Help: "Records dropped by the output filter.",
		}, func() float64 { return float64(drainer.Stats().Filtered) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "branch_tracer_sink_errors_total",
			Help: "Records a sink failed to handle.",
		}, func() float64 { return float64(drainer.Stats().SinkErrors) }),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", addr))
	return srv
}

// reap drops correlation records whose end was never observed.
func reap(ctx context.Context, logger *zap.Logger, p *eventprocessor.Processor, maxAge time.Duration) {
	interval := maxAge / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now, err := timesync.MonotonicNow()
			if err != nil {
				logger.Error("Reading monotonic clock", zap.Error(err))
				continue
			}
			age := uint64(maxAge.Nanoseconds()) //nolint:gosec // validated non-negative
			if now <= age {
				continue
			}
			if n := p.Reap(now - age); n > 0 {
				logger.Debug("Reaped stale correlation records", zap.Int("records", n))
			}
		}
	}
}

func run() error {
	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }() //nolint:errcheck // stderr sync fails on some terminals

	logger.Info("Starting branch-tracer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("built", date),
		zap.String("collection_id", cfg.CollectionID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := setupSession(logger, cfg)
	if err != nil {
		return err
	}

	procSrc, err := procmeta.NewProcSource(procfs.DefaultMountPoint)
	if err != nil {
		return err
	}
	meta := procmeta.NewManager(procSrc, procmetaCacheSize, procmetaTTL)

	sinks, cleanupSinks, err := setupSinks(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer cleanupSinks()

	filter, err := attributes.NewFilter(cfg.Filter)
	if err != nil {
		return err
	}

	loader, rd, closeReader, err := setupBPF(logger, cfg, s.registry)
	if err != nil {
		return err
	}
	defer func() {
		if err := loader.Close(); err != nil {
			logger.Error("Error closing loader", zap.Error(err))
		}
	}()

	drainer := output.NewDrainer(logger.Named("output"), s.processor, s.registry, meta, filter, sinks...)
	drainCtx, drainCancel := context.WithCancel(context.Background())
	defer drainCancel()
	drainDone := make(chan error, 1)
	go func() { drainDone <- drainer.Run(drainCtx, drainCtx) }()

	stream := eventstream.New(rd, s.processor, logger.Named("stream"))
	if err := stream.Start(ctx); err != nil {
		closeReader()
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(logger, cfg.MetricsAddr, s, stream, drainer)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx) //nolint:errcheck // best effort on exit
		}()
	}
	if cfg.MaxRecordAge > 0 {
		go reap(ctx, logger, s.processor, cfg.MaxRecordAge)
	}

	logger.Info("Tracing", zap.Int("operations", len(s.operations)), zap.Int("points", s.registry.Len()))
	<-ctx.Done()
	logger.Info("Shutting down")

	// The stream's read blocks in the kernel until the reader is closed.
	_ = stream.Stop() //nolint:errcheck // Stop never fails
	closeReader()
	<-stream.Done()
	s.processor.Close()

	timer := time.AfterFunc(cfg.DrainTimeout, drainCancel)
	defer timer.Stop()
	if err := <-drainDone; err != nil {
		logger.Warn("Flushing sinks", zap.Error(err))
	}

	for _, st := range s.processor.Snapshot() {
		logger.Info("Operation summary",
			zap.String("operation", st.Operation),
			zap.Uint64("observed", st.Pipeline["observed"]),
			zap.Uint64("emitted", st.Pipeline["emitted"]),
			zap.Uint64("dropped", st.Pipeline["channel_dropped"]),
			zap.Uint64("misses", st.Pipeline["correlation_miss"]))
	}
	return nil
}
