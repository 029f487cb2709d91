// Package migration runs a migration end to end: authenticate, discover,
// enumerate, process in batches and finalize.
package migration

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/your-org/mediamigrate/internal/asset"
	migerr "github.com/your-org/mediamigrate/internal/errors"
	"github.com/your-org/mediamigrate/internal/eventlog"
	"github.com/your-org/mediamigrate/internal/ledger"
	"github.com/your-org/mediamigrate/internal/metadata"
	"github.com/your-org/mediamigrate/internal/outcome"
	"github.com/your-org/mediamigrate/internal/pipeline"
	"github.com/your-org/mediamigrate/internal/progress"
	"github.com/your-org/mediamigrate/internal/redact"
	"github.com/your-org/mediamigrate/internal/transfer"
	"github.com/your-org/mediamigrate/pkg/metrics"
	"github.com/your-org/mediamigrate/pkg/storage/staging"
	"github.com/your-org/mediamigrate/pkg/tracing"
)

// Controller starts runs. Every run gets its own ledger, monitor, limiters,
// fetcher, store and orchestrator.
type Controller struct {
	auth       Authenticator
	stagingFS  afero.Fs
	stagingDir string
	ledgerFS   afero.Fs
	ledgerDir  string
	httpClient *http.Client
	registry   *Registry
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *zap.Logger
	now        func() time.Time
}

type Params struct {
	Authenticator Authenticator
	// StagingFS and StagingDir hold fetched bytes; each run stages under
	// StagingDir/<runId>.
	StagingFS  afero.Fs
	StagingDir string
	// LedgerFS and LedgerDir receive the persisted error log and asset results.
	// Persistence is skipped when LedgerFS is nil.
	LedgerFS   afero.Fs
	LedgerDir  string
	HTTPClient *http.Client
	Registry   *Registry
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Logger     *zap.Logger
	Now        func() time.Time
}

func NewController(p Params) *Controller {
	if p.StagingFS == nil {
		p.StagingFS = afero.NewMemMapFs()
	}
	if p.StagingDir == "" {
		p.StagingDir = "staging"
	}
	if p.LedgerDir == "" {
		p.LedgerDir = "logs"
	}
	if p.Tracer == nil {
		p.Tracer = tracing.Tracer()
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Controller{
		auth:       p.Authenticator,
		stagingFS:  p.StagingFS,
		stagingDir: p.StagingDir,
		ledgerFS:   p.LedgerFS,
		ledgerDir:  p.LedgerDir,
		httpClient: p.HTTPClient,
		registry:   p.Registry,
		metrics:    p.Metrics,
		tracer:     p.Tracer,
		logger:     p.Logger,
		now:        p.Now,
	}
}

// Start migrates an already enumerated list of descriptors.
func (c *Controller) Start(ctx context.Context, descriptors []asset.Descriptor, opts Options) (*Run, error) {
	if err := Descriptors(descriptors).Check(); err != nil {
		return nil, err
	}
	return c.StartWith(ctx, Descriptors(descriptors), opts)
}

// StartWith begins a run against src and returns immediately. The run keeps
// going until it completes or fails; ctx cancellation aborts in-flight
// transfers, Run.Stop ends it cooperatively between batches.
func (c *Controller) StartWith(ctx context.Context, src Source, opts Options) (*Run, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if c.auth == nil {
		return nil, fmt.Errorf("controller has no authenticator")
	}

	id := uuid.NewString()
	logger := c.logger.With(zap.String("run_id", id))
	r := &Run{
		id:        id,
		opts:      opts,
		startedAt: c.now().UTC(),
		ledger:    ledger.New(ledger.Params{RunID: id, Now: c.now, Metrics: c.metrics, Logger: logger}),
		monitor:   progress.New(progress.Params{Interval: opts.ProgressInterval, Now: c.now, Logger: logger}),
		done:      make(chan struct{}),
	}
	if c.registry != nil {
		c.registry.Add(r)
	}

	logger.Info("migration started",
		zap.Int("concurrency", opts.Concurrency),
		zap.Int("retry_attempts", opts.RetryAttempts),
		zap.Duration("retry_base_delay", opts.RetryBaseDelay),
		zap.Bool("cleanup_after_store", opts.CleanupAfterStore),
		zap.Bool("upload_sidecars", opts.UploadSidecars))

	go c.execute(ctx, r, src, logger)
	return r, nil
}

func (c *Controller) execute(ctx context.Context, r *Run, src Source, logger *zap.Logger) {
	defer close(r.done)
	defer r.monitor.Close()

	ctx, span := c.tracer.Start(ctx, "migration.run", trace.WithAttributes(attribute.String("run.id", r.id)))
	defer span.End()

	m := r.monitor

	m.SetPhase(progress.PhaseAuthenticating)
	session, err := c.auth.Authenticate(ctx)
	if err != nil {
		c.halt(r, logger, span, fatal(err, migerr.Auth))
		return
	}
	defer func() {
		if session.Destination != nil {
			if err := session.Destination.Close(); err != nil {
				logger.Warn("close destination", redact.Error(err))
			}
		}
	}()

	m.SetPhase(progress.PhaseDiscovering)
	containers, err := src.Discover(ctx)
	if err != nil {
		c.halt(r, logger, span, fatal(err, migerr.Discovery))
		return
	}

	m.SetPhase(progress.PhaseEnumerating)
	descriptors, err := src.Enumerate(ctx, containers)
	if err != nil {
		c.halt(r, logger, span, fatal(err, migerr.Discovery))
		return
	}
	m.SetDiscovered(len(descriptors))
	logger.Info("assets enumerated", zap.Int("containers", len(containers)), zap.Int("assets", len(descriptors)))

	m.SetPhase(progress.PhaseProcessing)
	total := c.process(ctx, r, session, containers, descriptors, logger)

	m.SetPhase(progress.PhaseFinalizing)
	total.RunID = r.id
	total.Total = len(descriptors)
	total.SuccessRate = outcome.Rate(total.Succeeded, len(descriptors))
	total.StartedAt = r.startedAt
	total.Errors = r.ledger.Summary()
	total.ErrorLog = c.persist(r, logger, total.Results)
	total.FinishedAt = c.now().UTC()

	span.SetAttributes(
		attribute.Int("run.discovered", total.Total),
		attribute.Int("run.succeeded", total.Succeeded),
		attribute.Int("run.failed", total.Failed),
	)
	logger.Info("migration complete",
		zap.Int("discovered", total.Total),
		zap.Int("succeeded", total.Succeeded),
		zap.Int("failed_download", total.FailedDownload),
		zap.Int("failed_upload", total.FailedUpload),
		zap.Int("sidecar_failures", total.SidecarFailures),
		zap.Int("skipped", total.Skipped),
		zap.Int("success_rate", total.SuccessRate),
		zap.Int("errors", total.Errors.Total))

	r.finish(total, nil)
	m.Complete(total)
}

// process runs the descriptors batch by batch, checking for a stop request
// before each one.
func (c *Controller) process(ctx context.Context, r *Run, session Session, containers []metadata.Container, descriptors []asset.Descriptor, logger *zap.Logger) outcome.Batch {
	opts := r.opts
	stageDir := filepath.Join(c.stagingDir, r.id)
	area := staging.New(c.stagingFS, stageDir)
	policy := opts.retryPolicy()

	orch := pipeline.New(pipeline.Params{
		Fetcher: transfer.NewFetcher(transfer.FetcherParams{
			Client:     c.httpClient,
			Credential: session.Source,
			Staging:    area,
			Limiter:    transfer.NewLimiter("fetch", opts.Concurrency, c.metrics),
			Policy:     policy,
			Timeout:    opts.FetchTimeout,
			Metrics:    c.metrics,
			Logger:     logger,
		}),
		Store: transfer.NewStore(transfer.StoreParams{
			Client:  session.Destination,
			Staging: area,
			Limiter: transfer.NewLimiter("store", opts.Concurrency, c.metrics),
			Policy:  policy,
			Timeout: opts.StoreTimeout,
			Metrics: c.metrics,
			Logger:  logger,
		}),
		Extractor:  &metadata.Extractor{Now: c.now},
		Staging:    area,
		Ledger:     r.ledger,
		Monitor:    r.monitor,
		Containers: containerIndex(containers),
		Options:    pipeline.Options{CleanupAfterStore: opts.CleanupAfterStore, UploadSidecars: opts.UploadSidecars},
		Metrics:    c.metrics,
		Tracer:     c.tracer,
		Logger:     logger,
	})

	var total outcome.Batch
	for start, n := range batches(len(descriptors), opts.BatchSize) {
		if r.stopRequested() {
			total.Stopped = true
			total.Skipped = len(descriptors) - start
			logger.Info("stop requested, skipping remaining assets", zap.Int("skipped", total.Skipped))
			break
		}
		b := orch.RunBatch(ctx, descriptors[start:start+n])
		logger.Debug("batch finished", zap.Int("offset", start), zap.Int("size", n), zap.Int("succeeded", b.Succeeded))
		total.Merge(b)
	}

	if opts.CleanupAfterStore {
		if err := c.stagingFS.RemoveAll(stageDir); err != nil {
			logger.Warn("remove staging dir", zap.String("dir", stageDir), zap.Error(err))
		}
	}
	return total
}

// halt ends the run on a fatal error after flushing the ledger.
func (c *Controller) halt(r *Run, logger *zap.Logger, span trace.Span, merr *migerr.Error) {
	e, _ := r.ledger.RecordError(merr)
	r.monitor.ReportError(e)
	merr = merr.Redacted()
	logger.Error("migration halted", zap.String("category", string(merr.Category)), zap.String("error", merr.Error()))
	span.RecordError(merr)
	span.SetStatus(codes.Error, string(merr.Category))

	b := outcome.Batch{
		RunID:     r.id,
		StartedAt: r.startedAt,
		Errors:    r.ledger.Summary(),
		ErrorLog:  c.persist(r, logger, nil),
	}
	b.FinishedAt = c.now().UTC()
	r.finish(b, merr)
	r.monitor.Fail(e.Message)
}

// persist writes the ledger and per-asset results and returns the path of the
// JSON error log. Persistence problems are logged only.
func (c *Controller) persist(r *Run, logger *zap.Logger, results []outcome.Asset) string {
	if c.ledgerFS == nil {
		return ""
	}
	paths, err := r.ledger.Persist(c.ledgerFS, c.ledgerDir)
	if err != nil {
		logger.Error("persist ledger", zap.Error(err))
		return ""
	}
	if len(results) > 0 {
		if err := c.persistResults(r.id, results); err != nil {
			logger.Error("persist asset results", zap.Error(err))
		}
	}
	return paths[0]
}

var resultColumns = []string{"assetId", "displayName", "bucket", "key", "sidecarKey", "bytes", "attempts", "durationMs", "error", "sidecarError"}

func (c *Controller) persistResults(runID string, results []outcome.Asset) error {
	var buf bytes.Buffer
	w := eventlog.NewCSVWriter[outcome.Asset](&buf).WithHeader(resultColumns...)
	for _, res := range results {
		if err := w.Append(res); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return afero.WriteFile(c.ledgerFS, filepath.Join(c.ledgerDir, runID+"-assets.csv"), buf.Bytes(), 0o644)
}

// fatal keeps a categorized error as is and wraps anything else with wrap.
func fatal(err error, wrap func(string, error) *migerr.Error) *migerr.Error {
	if merr, ok := migerr.As(err); ok {
		return merr
	}
	return wrap("", err)
}

func containerIndex(cs []metadata.Container) map[string]metadata.Container {
	idx := make(map[string]metadata.Container, len(cs))
	for _, c := range cs {
		idx[c.ID] = c
	}
	return idx
}

// batches yields (offset, length) pairs covering n items; size <= 0 means one batch.
func batches(n, size int) func(yield func(int, int) bool) {
	return func(yield func(int, int) bool) {
		if size <= 0 {
			size = n
		}
		for start := 0; start < n; start += size {
			if !yield(start, min(size, n-start)) {
				return
			}
		}
	}
}
