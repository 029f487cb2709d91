package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/your-org/mediamigrate/internal/asset"
	"github.com/your-org/mediamigrate/internal/migration"
	"github.com/your-org/mediamigrate/internal/notify"
	"github.com/your-org/mediamigrate/internal/progress"
	"github.com/your-org/mediamigrate/internal/source"
	"github.com/your-org/mediamigrate/internal/statusapi"
	"github.com/your-org/mediamigrate/internal/transfer"
	"github.com/your-org/mediamigrate/pkg/config"
	"github.com/your-org/mediamigrate/pkg/kafka"
	"github.com/your-org/mediamigrate/pkg/logger"
	"github.com/your-org/mediamigrate/pkg/metrics"
	"github.com/your-org/mediamigrate/pkg/storage/objectstore"
	"github.com/your-org/mediamigrate/pkg/tracing"
)

var runFlags struct {
	manifest       string
	concurrency    int
	retryAttempts  int
	retryBaseDelay time.Duration
	noCleanup      bool
	noSidecars     bool
	sample         int
	kinds          []string
	statusAddr     string
	console        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a migration",
	Long: "Authenticates against the source, reads the manifest, and copies every asset " +
		"and its metadata sidecar to the configured object store. SIGINT stops the run " +
		"after the batch in flight; a second SIGINT aborts in-flight transfers.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		applyRunFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runMigration(cmd.Context(), cmd, cfg)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.manifest, "manifest", "", "manifest file or URL (overrides SOURCE_MANIFEST)")
	f.IntVar(&runFlags.concurrency, "concurrency", 0, "concurrent fetches and stores")
	f.IntVar(&runFlags.retryAttempts, "retry-attempts", 0, "attempts per transfer")
	f.DurationVar(&runFlags.retryBaseDelay, "retry-base-delay", 0, "linear backoff base delay")
	f.BoolVar(&runFlags.noCleanup, "no-cleanup", false, "keep staged bytes after upload")
	f.BoolVar(&runFlags.noSidecars, "no-sidecars", false, "skip metadata sidecars")
	f.IntVar(&runFlags.sample, "sample", 0, "migrate at most this many assets")
	f.StringSliceVar(&runFlags.kinds, "kinds", nil, "asset kinds to migrate (image, video)")
	f.StringVar(&runFlags.statusAddr, "status-addr", "", "serve the status API on this address")
	f.BoolVar(&runFlags.console, "console", false, "human readable logs")
	rootCmd.AddCommand(runCmd)
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	m := &cfg.Migration
	if f.Changed("manifest") {
		cfg.Source.ManifestPath = runFlags.manifest
	}
	if f.Changed("concurrency") {
		m.Concurrency = runFlags.concurrency
	}
	if f.Changed("retry-attempts") {
		m.RetryAttempts = runFlags.retryAttempts
	}
	if f.Changed("retry-base-delay") {
		m.RetryBaseDelay = runFlags.retryBaseDelay
	}
	if runFlags.noCleanup {
		m.CleanupAfterStore = false
	}
	if runFlags.noSidecars {
		m.UploadSidecars = false
	}
	if f.Changed("sample") {
		m.SampleSize = runFlags.sample
	}
	if f.Changed("kinds") {
		m.Kinds = runFlags.kinds
	}
	if f.Changed("status-addr") {
		cfg.HTTP.Addr = runFlags.statusAddr
	}
}

func runMigration(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	newLogger := logger.New
	if runFlags.console {
		newLogger = logger.NewConsole
	}
	logr, err := newLogger(cfg.App.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logr.Sync() //nolint:errcheck

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Attributes:  tracing.ParseResourceAttributes(cfg.Tracing.ResourceAttr),
		ServiceName: cfg.App.Name,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(reg)
	}

	kinds, err := parseKinds(cfg.Migration.Kinds)
	if err != nil {
		return err
	}
	credential := transfer.Credential{Token: cfg.Source.Token}
	httpClient := &http.Client{Timeout: cfg.Source.Timeout}

	stagingFS := afero.NewOsFs()
	if cfg.Staging.InMemory {
		stagingFS = afero.NewMemMapFs()
	}
	registry := migration.NewRegistry()
	ctrl := migration.NewController(migration.Params{
		Authenticator: source.NewTokenAuthenticator(source.AuthParams{
			BaseURL:    cfg.Source.BaseURL,
			Credential: credential,
			Client:     httpClient,
			Storage: objectstore.Config{
				Provider:  cfg.Storage.Provider,
				Endpoint:  cfg.Storage.Endpoint,
				Region:    cfg.Storage.Region,
				Bucket:    cfg.Storage.Bucket,
				AccessKey: cfg.Storage.AccessKey,
				SecretKey: cfg.Storage.SecretKey,
				UseSSL:    cfg.Storage.UseSSL,
				Prefix:    cfg.Storage.Prefix,
			},
			Logger: logr,
		}),
		StagingFS:  stagingFS,
		StagingDir: cfg.Staging.Dir,
		LedgerFS:   afero.NewOsFs(),
		LedgerDir:  cfg.Ledger.Dir,
		Registry:   registry,
		Metrics:    m,
		Logger:     logr,
	})

	var server *http.Server
	if cfg.HTTP.Addr != "" {
		handler := statusapi.NewHTTPHandler(statusapi.Params{
			Registry: registry,
			Starter:  ctrl,
			Gatherer: reg,
			Logger:   logr,
		})
		server = &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      handler.Router(),
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			IdleTimeout:  cfg.HTTP.IdleTimeout,
		}
		go func() {
			logr.Info("status server starting", zap.String("addr", cfg.HTTP.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logr.Error("status server failed", zap.Error(err))
			}
		}()
	}

	publishers := openPublishers(cfg, logr)

	discoverer := source.NewManifestDiscoverer(source.ManifestParams{
		Location:   cfg.Source.ManifestPath,
		Client:     httpClient,
		Credential: credential,
		Kinds:      kinds,
		SampleSize: cfg.Migration.SampleSize,
		Logger:     logr,
	})
	run, err := ctrl.StartWith(ctx, discoverer, migration.OptionsFromConfig(cfg.Migration))
	if err != nil {
		return err
	}
	run.Subscribe(logProgress(logr))
	for _, p := range publishers {
		run.Subscribe(notify.Forward(ctx, run.ID(), p, 5*time.Second, logr))
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			logr.Info("stopping after the current batch; signal again to abort")
			run.Stop()
		case <-run.Done():
			return
		}
		select {
		case <-sigs:
			logr.Warn("aborting in-flight transfers")
			cancel()
		case <-run.Done():
		}
	}()

	batch, runErr := run.Wait(context.Background())

	for _, p := range publishers {
		if err := p.Close(); err != nil {
			logr.Warn("close publisher", zap.Error(err))
		}
	}
	if server != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
		defer stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error("status server shutdown failed", zap.Error(err))
		}
	}

	batch.Results = nil
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(batch); err != nil {
		return err
	}
	return runErr
}

func parseKinds(raw []string) ([]asset.Kind, error) {
	out := make([]asset.Kind, 0, len(raw))
	for _, k := range raw {
		kind, err := asset.ParseKind(k)
		if err != nil {
			return nil, err
		}
		out = append(out, kind)
	}
	return out, nil
}

func openPublishers(cfg *config.Config, logr *zap.Logger) []notify.Publisher {
	var out []notify.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.ProgressTopic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			Compression:  kafka.CompressionFromString(cfg.Kafka.CompressionCodec),
			RequiredAcks: kafkago.RequireAll,
			MaxAttempts:  cfg.Kafka.Retries,
		})
		out = append(out, notify.NewKafkaPublisher(producer))
		logr.Info("forwarding progress to kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.ProgressTopic))
	}
	if cfg.NATS.URL != "" {
		pub, err := notify.ConnectNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			logr.Warn("nats unavailable, progress not forwarded", zap.Error(err))
		} else {
			out = append(out, pub)
			logr.Info("forwarding progress to nats", zap.String("subject_prefix", cfg.NATS.SubjectPrefix))
		}
	}
	return out
}

// logProgress logs phase changes, errors and throttled counters.
func logProgress(logr *zap.Logger) func(progress.Event) {
	return func(e progress.Event) {
		switch e.Type {
		case progress.EventPhase:
			logr.Info("phase", zap.String("phase", string(e.Phase)))
		case progress.EventError:
			logr.Warn("asset error",
				zap.String("phase", string(e.Error.Phase)),
				zap.String("asset_id", e.Error.AssetID),
				zap.String("error", e.Error.Message))
		case progress.EventCounters:
			if e.State == nil || e.State.Phase != progress.PhaseProcessing {
				return
			}
			fields := []zap.Field{
				zap.Int("discovered", e.State.DiscoveredCount),
				zap.Int("fetched", e.State.FetchedCount),
				zap.Int("stored", e.State.StoredCount),
				zap.Int("sidecars", e.State.SidecarCount),
				zap.Int("failed", e.State.FailedCount),
			}
			if eta := e.State.EstimatedFinishAt; eta != nil {
				fields = append(fields, zap.Time("eta", *eta))
			}
			logr.Info("progress", fields...)
		case progress.EventComplete:
			logr.Info("complete", zap.Int("success_rate", e.Complete.SuccessRate), zap.String("error_log", e.Complete.ErrorLog))
		}
	}
}
