package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/your-org/mediamigrate/internal/asset"
	migerr "github.com/your-org/mediamigrate/internal/errors"
	"github.com/your-org/mediamigrate/internal/metadata"
	"github.com/your-org/mediamigrate/internal/progress"
	"github.com/your-org/mediamigrate/internal/transfer"
	"github.com/your-org/mediamigrate/pkg/storage/objectstore"
)

func testOptions() Options {
	o := DefaultOptions()
	o.RetryBaseDelay = time.Millisecond
	o.ProgressInterval = 10 * time.Millisecond
	return o
}

func sourceServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "bytes"+r.URL.Path)
		}
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func descriptors(srv *httptest.Server, n int) []asset.Descriptor {
	out := make([]asset.Descriptor, n)
	for i := range out {
		id := fmt.Sprintf("p%d", i)
		out[i] = asset.Descriptor{
			ID:              id,
			Kind:            asset.KindImage,
			DisplayName:     id + ".jpg",
			ContainerID:     "set-1",
			ContainerName:   "Trip",
			SourceLocations: []string{srv.URL + "/" + id},
		}
	}
	return out
}

type fixture struct {
	dest     *objectstore.Memory
	ledgerFS afero.Fs
	registry *Registry
	ctrl     *Controller
}

func newFixture(auth Authenticator) *fixture {
	f := &fixture{
		dest:     objectstore.NewMemory(),
		ledgerFS: afero.NewMemMapFs(),
		registry: NewRegistry(),
	}
	if auth == nil {
		auth = StaticAuthenticator{Source: transfer.Credential{Token: "tok"}, Destination: f.dest}
	}
	f.ctrl = NewController(Params{
		Authenticator: auth,
		LedgerFS:      f.ledgerFS,
		LedgerDir:     "logs",
		Registry:      f.registry,
	})
	return f
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) add(e progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) phases() []progress.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Phase
	for _, e := range r.events {
		if e.Type == progress.EventPhase {
			out = append(out, e.Phase)
		}
	}
	return out
}

func (r *recorder) last(t progress.EventType) (progress.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return progress.Event{}, false
}

func TestRunAllSucceed(t *testing.T) {
	srv := sourceServer(t, nil)
	f := newFixture(nil)
	ctx := context.Background()

	run, err := f.ctrl.Start(ctx, descriptors(srv, 5), testOptions())
	require.NoError(t, err)
	rec := &recorder{}
	run.Subscribe(rec.add)

	b, err := run.Wait(ctx)
	require.NoError(t, err)

	require.Equal(t, 5, b.Total)
	require.Equal(t, 5, b.Succeeded)
	require.Equal(t, 0, b.Failed)
	require.Equal(t, 100, b.SuccessRate)
	require.Equal(t, run.ID(), b.RunID)

	s := run.Snapshot()
	require.Equal(t, progress.PhaseComplete, s.Phase)
	require.Equal(t, 5, s.DiscoveredCount)
	require.Equal(t, 5, s.FetchedCount)
	require.Equal(t, 5, s.StoredCount)
	require.Equal(t, 0, s.ErrorCount)
	require.NotNil(t, s.FinishedAt)

	require.Equal(t, []progress.Phase{
		progress.PhaseAuthenticating,
		progress.PhaseDiscovering,
		progress.PhaseEnumerating,
		progress.PhaseProcessing,
		progress.PhaseFinalizing,
		progress.PhaseComplete,
	}, rec.phases())
	done, ok := rec.last(progress.EventComplete)
	require.True(t, ok)
	require.Equal(t, 100, done.Complete.SuccessRate)

	require.Len(t, f.dest.Keys(), 10)
	side, ok := f.dest.Get("p0.jpg.json")
	require.True(t, ok)
	require.Contains(t, string(side.Data), `"album": "Trip"`)

	got, ok := f.registry.Get(run.ID())
	require.True(t, ok)
	require.Same(t, run, got)

	exists, err := afero.Exists(f.ledgerFS, "logs/"+run.ID()+"-assets.csv")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, "logs/"+run.ID()+"-errors.json", b.ErrorLog)
}

func TestRunRateExcludesRejectedDescriptors(t *testing.T) {
	srv := sourceServer(t, nil)
	f := newFixture(nil)
	ds := descriptors(srv, 10)
	ds[2].SourceLocations = nil
	ds[8].SourceLocations = nil

	run, err := f.ctrl.Start(context.Background(), ds, testOptions())
	require.NoError(t, err)
	b, err := run.Wait(context.Background())
	require.NoError(t, err)

	require.Equal(t, 10, b.Total)
	require.Equal(t, 8, b.Succeeded)
	require.Equal(t, 2, b.FailedDownload)
	require.Equal(t, 80, b.SuccessRate)

	doc := run.ExportErrorLog()
	require.Equal(t, run.ID(), doc.RunID)
	require.Equal(t, 2, doc.TotalErrors)
	require.Equal(t, map[string]int{"download": 2}, doc.ErrorsByPhase)
	require.Len(t, doc.Entries, 2)
}

type failingAuth struct{ err error }

func (a failingAuth) Authenticate(context.Context) (Session, error) { return Session{}, a.err }

func TestAuthFailureIsFatal(t *testing.T) {
	f := newFixture(failingAuth{err: errors.New("token rejected")})

	run, err := f.ctrl.Start(context.Background(), nil, testOptions())
	require.NoError(t, err)
	b, err := run.Wait(context.Background())

	require.Error(t, err)
	require.Equal(t, migerr.CategoryAuth, migerr.CategoryOf(err))
	require.Equal(t, progress.PhaseError, run.Snapshot().Phase)
	require.Equal(t, 1, b.Errors.Total)

	doc := run.ExportErrorLog()
	require.Len(t, doc.Entries, 1)
	require.Equal(t, migerr.PhaseAuth, doc.Entries[0].Phase)

	exists, err := afero.Exists(f.ledgerFS, "logs/"+run.ID()+"-errors.json")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFatalErrorTextIsRedacted(t *testing.T) {
	const secret = "Zx8kQ2mN5pL7vR1tY4wE6uI9oA3sD0fG2hJ5kL8z"
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	core, logs := observer.New(zap.DebugLevel)

	ctrl := NewController(Params{
		Authenticator: failingAuth{err: errors.New("GET https://src.example/auth/check?access_token=" + secret + ": status 401")},
		Registry:      NewRegistry(),
		Tracer:        tp.Tracer("test"),
		Logger:        zap.New(core),
	})
	run, err := ctrl.Start(context.Background(), nil, testOptions())
	require.NoError(t, err)
	_, err = run.Wait(context.Background())

	require.Error(t, err)
	require.Equal(t, migerr.CategoryAuth, migerr.CategoryOf(err))
	require.NotContains(t, err.Error(), secret)
	require.Contains(t, err.Error(), "status 401")

	for _, entry := range logs.All() {
		require.NotContains(t, entry.Message, secret)
		for _, v := range entry.ContextMap() {
			require.NotContains(t, fmt.Sprint(v), secret)
		}
	}

	ended := spans.Ended()
	require.NotEmpty(t, ended)
	for _, span := range ended {
		for _, ev := range span.Events() {
			for _, kv := range ev.Attributes {
				require.NotContains(t, kv.Value.Emit(), secret)
			}
		}
	}
}

type brokenSource struct{}

func (brokenSource) Discover(context.Context) ([]metadata.Container, error) {
	return nil, errors.New("list albums: status 502")
}

func (brokenSource) Enumerate(context.Context, []metadata.Container) ([]asset.Descriptor, error) {
	return nil, nil
}

func TestDiscoveryFailureIsFatal(t *testing.T) {
	f := newFixture(nil)

	run, err := f.ctrl.StartWith(context.Background(), brokenSource{}, testOptions())
	require.NoError(t, err)
	_, err = run.Wait(context.Background())

	require.Equal(t, migerr.CategoryDiscovery, migerr.CategoryOf(err))
	require.Equal(t, progress.PhaseError, run.Snapshot().Phase)
	require.Empty(t, f.dest.Keys())
}

func TestStopTakesEffectBetweenBatches(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := sourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			close(started)
			<-release
		})
		_, _ = io.WriteString(w, "bytes")
	})
	f := newFixture(nil)
	opts := testOptions()
	opts.BatchSize = 1

	run, err := f.ctrl.Start(context.Background(), descriptors(srv, 3), opts)
	require.NoError(t, err)

	<-started
	run.Stop()
	close(release)

	b, err := run.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, b.Stopped)
	require.Equal(t, 3, b.Total)
	require.Equal(t, 1, b.Succeeded)
	require.Equal(t, 2, b.Skipped)
	require.Equal(t, 33, b.SuccessRate)
	require.Equal(t, progress.PhaseComplete, run.Snapshot().Phase)
}

func TestStartRejectsInvalidOptions(t *testing.T) {
	f := newFixture(nil)
	opts := testOptions()
	opts.Concurrency = 0

	_, err := f.ctrl.Start(context.Background(), nil, opts)
	require.ErrorContains(t, err, "concurrency")
	require.Empty(t, f.registry.List())
}

func TestOutcomeUnavailableUntilDone(t *testing.T) {
	release := make(chan struct{})
	srv := sourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = io.WriteString(w, "bytes")
	})
	f := newFixture(nil)

	run, err := f.ctrl.Start(context.Background(), descriptors(srv, 1), testOptions())
	require.NoError(t, err)
	_, ok := run.Outcome()
	require.False(t, ok)

	close(release)
	<-run.Done()
	b, ok := run.Outcome()
	require.True(t, ok)
	require.Equal(t, 1, b.Succeeded)
}

func TestParseOptions(t *testing.T) {
	o, err := ParseOptions(map[string]any{
		"concurrency":       float64(2),
		"retryAttempts":     5,
		"retryBaseDelayMs":  "250",
		"cleanupAfterStore": false,
	})
	require.NoError(t, err)
	require.Equal(t, 2, o.Concurrency)
	require.Equal(t, 5, o.RetryAttempts)
	require.Equal(t, 250*time.Millisecond, o.RetryBaseDelay)
	require.False(t, o.CleanupAfterStore)
	require.True(t, o.UploadSidecars)

	_, err = ParseOptions(map[string]any{"paralellism": 4})
	require.ErrorContains(t, err, "paralellism: unknown option")

	_, err = ParseOptions(map[string]any{"concurrency": 1.5})
	require.Error(t, err)

	_, err = ParseOptions(map[string]any{"retryAttempts": 0})
	require.ErrorContains(t, err, "retryAttempts must be positive")
}

func TestDefaultOptions(t *testing.T) {
	o := DefaultOptions()
	require.Equal(t, 8, o.Concurrency)
	require.Equal(t, 3, o.RetryAttempts)
	require.Equal(t, 2*time.Second, o.RetryBaseDelay)
	require.True(t, o.CleanupAfterStore)
	require.True(t, o.UploadSidecars)
}

func TestDescriptorsDiscoverDedupesContainers(t *testing.T) {
	ds := Descriptors{
		{ID: "1", ContainerID: "a", ContainerName: "A"},
		{ID: "2", ContainerID: "b", ContainerName: "B"},
		{ID: "3", ContainerID: "a", ContainerName: "A"},
		{ID: "4"},
	}
	cs, err := ds.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []metadata.Container{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}}, cs)
}

func TestRegistryListOrdersByStart(t *testing.T) {
	reg := NewRegistry()
	now := time.Now()
	reg.Add(&Run{id: "late", startedAt: now.Add(time.Second)})
	reg.Add(&Run{id: "early", startedAt: now})

	var ids []string
	for _, r := range reg.List() {
		ids = append(ids, r.ID())
	}
	require.Equal(t, []string{"early", "late"}, ids)
	_, ok := reg.Get("missing")
	require.False(t, ok)
}

func TestDescriptorsEnumerateSanitizesNames(t *testing.T) {
	ds := Descriptors{
		{ID: "1", Kind: asset.KindImage, DisplayName: "../../etc/passwd"},
		{ID: "2", Kind: asset.KindVideo, DisplayName: "  "},
		{ID: "3", Kind: asset.KindImage, DisplayName: "Tram 28.jpg"},
	}
	out, err := ds.Enumerate(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "etc_passwd", out[0].DisplayName)
	require.Equal(t, "2.mp4", out[1].DisplayName)
	require.Equal(t, "Tram_28.jpg", out[2].DisplayName)
	require.Equal(t, "../../etc/passwd", ds[0].DisplayName)
}

func TestStartRejectsMissingOrDuplicateIDs(t *testing.T) {
	f := newFixture(nil)
	for _, ds := range [][]asset.Descriptor{
		{{ID: "a"}, {ID: " "}},
		{{ID: "a"}, {ID: "b"}, {ID: "a"}},
	} {
		_, err := f.ctrl.Start(context.Background(), ds, testOptions())
		require.ErrorIs(t, err, ErrInvalidDescriptors)
	}
	require.Empty(t, f.registry.List())
}
