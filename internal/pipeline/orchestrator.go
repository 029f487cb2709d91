// Package pipeline drives asset descriptors through fetch, metadata
// extraction, upload and cleanup.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/mediamigrate/internal/asset"
	migerr "github.com/your-org/mediamigrate/internal/errors"
	"github.com/your-org/mediamigrate/internal/ledger"
	"github.com/your-org/mediamigrate/internal/metadata"
	"github.com/your-org/mediamigrate/internal/outcome"
	"github.com/your-org/mediamigrate/internal/progress"
	"github.com/your-org/mediamigrate/internal/redact"
	"github.com/your-org/mediamigrate/internal/transfer"
	"github.com/your-org/mediamigrate/pkg/metrics"
	"github.com/your-org/mediamigrate/pkg/storage/staging"
	"github.com/your-org/mediamigrate/pkg/tracing"
)

type Fetcher interface {
	Fetch(ctx context.Context, d asset.Descriptor) (transfer.Fetched, *migerr.Error)
}

type Store interface {
	StoreAsset(ctx context.Context, d asset.Descriptor, h staging.Handle) (transfer.Stored, *migerr.Error)
	StoreSidecar(ctx context.Context, d asset.Descriptor, assetKey string, h staging.Handle) (transfer.Stored, *migerr.Error)
}

type Options struct {
	CleanupAfterStore bool
	UploadSidecars    bool
}

// Orchestrator is safe for concurrent use; each asset's pipeline is independent.
type Orchestrator struct {
	fetcher    Fetcher
	store      Store
	extractor  *metadata.Extractor
	staging    *staging.Area
	ledger     *ledger.Ledger
	monitor    *progress.Monitor
	containers map[string]metadata.Container
	opts       Options
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *zap.Logger
}

type Params struct {
	Fetcher   Fetcher
	Store     Store
	Extractor *metadata.Extractor
	Staging   *staging.Area
	Ledger    *ledger.Ledger
	Monitor   *progress.Monitor
	// Containers enriches sidecars; keyed by container ID.
	Containers map[string]metadata.Container
	Options    Options
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Logger     *zap.Logger
}

func New(p Params) *Orchestrator {
	if p.Extractor == nil {
		p.Extractor = &metadata.Extractor{}
	}
	if p.Tracer == nil {
		p.Tracer = tracing.Tracer()
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Orchestrator{
		fetcher:    p.Fetcher,
		store:      p.Store,
		extractor:  p.Extractor,
		staging:    p.Staging,
		ledger:     p.Ledger,
		monitor:    p.Monitor,
		containers: p.Containers,
		opts:       p.Options,
		metrics:    p.Metrics,
		tracer:     p.Tracer,
		logger:     p.Logger,
	}
}

// RunBatch launches every descriptor's pipeline and waits for all of them.
// Descriptors without source locations are rejected before entering the
// pipeline and counted as failed downloads.
func (o *Orchestrator) RunBatch(ctx context.Context, descriptors []asset.Descriptor) outcome.Batch {
	started := time.Now().UTC()
	results := make([]outcome.Asset, len(descriptors))

	var g errgroup.Group
	for i, d := range descriptors {
		if err := d.Validate(); err != nil {
			results[i] = o.reject(d, err)
			continue
		}
		g.Go(func() error {
			results[i] = o.Process(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	b := outcome.Tally(results)
	b.StartedAt = started
	b.FinishedAt = time.Now().UTC()
	return b
}

func (o *Orchestrator) reject(d asset.Descriptor, err error) outcome.Asset {
	merr := migerr.Fetch(d.ID, d.DisplayName, false, 0, err)
	o.record(merr)
	o.finish(outcome.FailedDownload)
	o.logger.Warn("descriptor rejected", zap.String("asset_id", d.ID), zap.String("display_name", d.DisplayName), redact.Error(err))
	return outcome.Asset{
		AssetID:     d.ID,
		DisplayName: d.DisplayName,
		Bucket:      outcome.FailedDownload,
		Error:       redact.String(merr.Error()),
	}
}

// Process drives one descriptor to a terminal state. It never returns an
// error: failures are recorded in the ledger and reflected in the bucket.
func (o *Orchestrator) Process(ctx context.Context, d asset.Descriptor) outcome.Asset {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "pipeline.asset", trace.WithAttributes(
		attribute.String("asset.id", d.ID),
		attribute.String("asset.name", d.DisplayName),
		attribute.String("asset.kind", string(d.Kind)),
	))
	defer span.End()

	r := &assetRun{
		o:      o,
		d:      d,
		logger: o.logger.With(zap.String("asset_id", d.ID), zap.String("display_name", d.DisplayName)),
		state:  StateIdle,
		result: outcome.Asset{AssetID: d.ID, DisplayName: d.DisplayName},
	}
	for !r.state.Terminal() {
		next := r.step(ctx)
		r.logger.Debug("asset state changed", zap.String("from", string(r.state)), zap.String("to", string(next)))
		span.AddEvent(string(next))
		r.state = next
	}

	r.result.DurationMs = time.Since(start).Milliseconds()
	if r.result.Bucket != outcome.Succeeded {
		span.SetStatus(codes.Error, r.result.Error)
	}
	span.SetAttributes(attribute.String("asset.bucket", string(r.result.Bucket)))
	o.finish(r.result.Bucket)
	return r.result
}

func (o *Orchestrator) finish(b outcome.Bucket) {
	o.metrics.AssetFinished(string(b))
	if o.monitor != nil {
		o.monitor.AssetFinished(b != outcome.Succeeded)
	}
}

func (o *Orchestrator) record(merr *migerr.Error) {
	if o.ledger == nil || merr == nil {
		return
	}
	e, _ := o.ledger.RecordError(merr)
	if o.monitor != nil {
		o.monitor.ReportError(e)
	}
}

func (o *Orchestrator) activity(s State, name string) {
	if text := s.activity(name); text != "" && o.monitor != nil {
		o.monitor.SetActivity(text)
	}
}

// assetRun holds the per-asset state between steps.
type assetRun struct {
	o      *Orchestrator
	d      asset.Descriptor
	logger *zap.Logger
	state  State
	result outcome.Asset

	assetHandle   staging.Handle
	sidecarHandle *staging.Handle
	failed        bool
}

func (r *assetRun) step(ctx context.Context) State {
	o := r.o
	o.activity(r.state, r.d.DisplayName)

	switch r.state {
	case StateIdle:
		return StateFetching

	case StateFetching:
		ctx, span := o.tracer.Start(ctx, "pipeline.fetch")
		defer span.End()
		fetched, merr := o.fetcher.Fetch(ctx, r.d)
		if merr != nil {
			span.SetStatus(codes.Error, "fetch failed")
			return r.fail(outcome.FailedDownload, merr)
		}
		r.assetHandle = fetched.Handle
		r.result.Bytes = fetched.Handle.Size
		r.result.Attempts = fetched.Attempts
		if o.monitor != nil {
			o.monitor.IncrementFetched()
		}
		return StateExtracting

	case StateExtracting:
		r.extract()
		return StateStoringAsset

	case StateStoringAsset:
		ctx, span := o.tracer.Start(ctx, "pipeline.store_asset")
		defer span.End()
		stored, merr := o.store.StoreAsset(ctx, r.d, r.assetHandle)
		if merr != nil {
			span.SetStatus(codes.Error, "store failed")
			r.fail(outcome.FailedUpload, merr)
			// The sidecar is skipped but staged bytes still need removing.
			return StateCleaningUp
		}
		r.result.Key = stored.Key
		if o.monitor != nil {
			o.monitor.IncrementStored()
		}
		if r.sidecarHandle == nil {
			return StateCleaningUp
		}
		return StateStoringSidecar

	case StateStoringSidecar:
		ctx, span := o.tracer.Start(ctx, "pipeline.store_sidecar")
		defer span.End()
		stored, merr := o.store.StoreSidecar(ctx, r.d, r.result.Key, *r.sidecarHandle)
		if merr != nil {
			// The asset itself is stored, so it still counts as a success.
			span.SetStatus(codes.Error, "sidecar store failed")
			o.record(merr)
			r.result.SidecarError = redact.String(merr.Error())
			return StateCleaningUp
		}
		r.result.SidecarKey = stored.Key
		if o.monitor != nil {
			o.monitor.IncrementSidecars()
		}
		return StateCleaningUp

	case StateCleaningUp:
		r.cleanup()
		if r.failed {
			return StateFailed
		}
		r.result.Bucket = outcome.Succeeded
		return StateDone

	default:
		return StateFailed
	}
}

func (r *assetRun) fail(bucket outcome.Bucket, merr *migerr.Error) State {
	r.failed = true
	r.result.Bucket = bucket
	r.result.Attempts = merr.Attempts
	r.result.Error = redact.String(merr.Error())
	r.o.record(merr)
	return StateFailed
}

// extract builds and stages the sidecar. Extraction problems are recorded but
// never stop the asset.
func (r *assetRun) extract() {
	o := r.o
	sidecar, merr := o.extractor.Extract(r.d, o.containers[r.d.ContainerID])
	if merr != nil {
		r.logger.Warn("metadata degraded", zap.String("reason", merr.Message))
		o.record(merr)
	}
	if !o.opts.UploadSidecars {
		return
	}

	data, err := sidecar.Marshal()
	if err != nil {
		o.record(migerr.Metadata(r.d.ID, r.d.DisplayName, fmt.Sprintf("serialize sidecar: %v", err)))
		if data, err = o.extractor.Minimal(r.d).Marshal(); err != nil {
			return
		}
	}
	h, err := o.staging.StageBytes(r.d.ID, r.d.DisplayName+transfer.SidecarSuffix, data)
	if err != nil {
		o.record(migerr.Metadata(r.d.ID, r.d.DisplayName, fmt.Sprintf("stage sidecar: %v", err)))
		return
	}
	r.sidecarHandle = &h
}

func (r *assetRun) cleanup() {
	o := r.o
	if !o.opts.CleanupAfterStore {
		return
	}
	handles := []staging.Handle{r.assetHandle}
	if r.sidecarHandle != nil {
		handles = append(handles, *r.sidecarHandle)
	}
	for _, h := range handles {
		if err := o.staging.Remove(h); err != nil {
			o.record(migerr.Cleanup(r.d.ID, r.d.DisplayName, err))
		}
	}
}
