package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/your-org/mediamigrate/internal/asset"
	migerr "github.com/your-org/mediamigrate/internal/errors"
	"github.com/your-org/mediamigrate/internal/ledger"
	"github.com/your-org/mediamigrate/internal/metadata"
	"github.com/your-org/mediamigrate/internal/outcome"
	"github.com/your-org/mediamigrate/internal/progress"
	"github.com/your-org/mediamigrate/internal/transfer"
	"github.com/your-org/mediamigrate/pkg/storage/objectstore"
	"github.com/your-org/mediamigrate/pkg/storage/staging"
)

type harness struct {
	srv     *httptest.Server
	fs      afero.Fs
	area    *staging.Area
	dest    *objectstore.Memory
	store   *transfer.Store
	fetcher *transfer.Fetcher
	ledger  *ledger.Ledger
	monitor *progress.Monitor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "bytes"+r.URL.Path)
	}))
	t.Cleanup(srv.Close)

	fs := afero.NewMemMapFs()
	area := staging.New(fs, "staging")
	dest := objectstore.NewMemory()
	policy := transfer.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}
	h := &harness{
		srv:  srv,
		fs:   fs,
		area: area,
		dest: dest,
		fetcher: transfer.NewFetcher(transfer.FetcherParams{
			Staging: area,
			Limiter: transfer.NewLimiter("fetch", 8, nil),
			Policy:  policy,
		}),
		store: transfer.NewStore(transfer.StoreParams{
			Client:  dest,
			Staging: area,
			Limiter: transfer.NewLimiter("store", 8, nil),
			Policy:  policy,
		}),
		ledger:  ledger.New(ledger.Params{RunID: "test"}),
		monitor: progress.New(progress.Params{}),
	}
	t.Cleanup(h.monitor.Close)
	return h
}

func (h *harness) orchestrator(store Store, opts Options) *Orchestrator {
	if store == nil {
		store = h.store
	}
	return New(Params{
		Fetcher: h.fetcher,
		Store:   store,
		Staging: h.area,
		Ledger:  h.ledger,
		Monitor: h.monitor,
		Containers: map[string]metadata.Container{
			"album-1": {ID: "album-1", Name: "Holidays"},
		},
		Options: opts,
	})
}

func (h *harness) descriptors(n int) []asset.Descriptor {
	out := make([]asset.Descriptor, n)
	for i := range out {
		id := fmt.Sprintf("a%d", i)
		out[i] = asset.Descriptor{
			ID:              id,
			Kind:            asset.KindImage,
			DisplayName:     id + ".jpg",
			ContainerID:     "album-1",
			SourceLocations: []string{h.srv.URL + "/" + id},
			Attributes:      asset.Attributes{Title: "Photo " + id, Tags: asset.RawTags{"beach, sun"}},
		}
	}
	return out
}

func (h *harness) stagedFiles(t *testing.T) []string {
	t.Helper()
	var files []string
	err := afero.Walk(h.fs, "staging", func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

var defaultOptions = Options{CleanupAfterStore: true, UploadSidecars: true}

func TestAllAssetsSucceed(t *testing.T) {
	h := newHarness(t)
	h.monitor.SetDiscovered(5)

	b := h.orchestrator(nil, defaultOptions).RunBatch(context.Background(), h.descriptors(5))

	require.Equal(t, 5, b.Total)
	require.Equal(t, 5, b.Succeeded)
	require.Equal(t, 0, b.Failed)
	require.Equal(t, 100, b.SuccessRate)

	s := h.monitor.Snapshot()
	require.Equal(t, 5, s.DiscoveredCount)
	require.Equal(t, 5, s.FetchedCount)
	require.Equal(t, 5, s.StoredCount)
	require.Equal(t, 5, s.SidecarCount)
	require.Equal(t, 0, s.ErrorCount)
	require.Equal(t, 5, s.ProcessedCount)

	require.Len(t, h.dest.Keys(), 10)
	obj, ok := h.dest.Get("a0.jpg")
	require.True(t, ok)
	require.Equal(t, "bytes/a0", string(obj.Data))
	side, ok := h.dest.Get("a0.jpg.json")
	require.True(t, ok)
	require.Contains(t, string(side.Data), `"album": "Holidays"`)
	require.Contains(t, string(side.Data), `"keywords": [`)

	require.Empty(t, h.stagedFiles(t))
	require.Zero(t, h.ledger.Len())
}

func TestDescriptorsWithoutLocationsAreRejected(t *testing.T) {
	h := newHarness(t)
	ds := h.descriptors(10)
	ds[3].SourceLocations = nil
	ds[7].SourceLocations = []string{}

	b := h.orchestrator(nil, defaultOptions).RunBatch(context.Background(), ds)

	require.Equal(t, 10, b.Total)
	require.Equal(t, 8, b.Succeeded)
	require.Equal(t, 2, b.FailedDownload)
	require.Equal(t, 80, b.SuccessRate)

	entries := h.ledger.Entries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Equal(t, migerr.CategoryFetch, e.Category)
		require.Equal(t, migerr.PhaseDownload, e.Phase)
		require.False(t, e.Retryable)
	}
	require.Equal(t, 2, h.monitor.Snapshot().ErrorCount)
}

type sidecarFailingStore struct {
	*transfer.Store
	calls atomic.Int32
}

func (s *sidecarFailingStore) StoreSidecar(ctx context.Context, d asset.Descriptor, assetKey string, h staging.Handle) (transfer.Stored, *migerr.Error) {
	s.calls.Add(1)
	return transfer.Stored{}, migerr.Store(migerr.PhaseSidecar, d.ID, d.DisplayName, true, 3, errors.New("status 503"))
}

func TestSidecarFailureStillSucceeds(t *testing.T) {
	h := newHarness(t)
	store := &sidecarFailingStore{Store: h.store}

	b := h.orchestrator(store, defaultOptions).RunBatch(context.Background(), h.descriptors(1))

	require.Equal(t, 1, b.Succeeded)
	require.Equal(t, 1, b.SidecarFailures)
	require.Equal(t, outcome.Succeeded, b.Results[0].Bucket)
	require.Contains(t, b.Results[0].SidecarError, "status 503")

	entries := h.ledger.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, migerr.PhaseSidecar, entries[0].Phase)
	require.Empty(t, h.stagedFiles(t))
}

type assetFailingStore struct {
	sidecarCalls atomic.Int32
}

func (s *assetFailingStore) StoreAsset(ctx context.Context, d asset.Descriptor, h staging.Handle) (transfer.Stored, *migerr.Error) {
	return transfer.Stored{}, migerr.Store(migerr.PhaseUpload, d.ID, d.DisplayName, false, 1, errors.New("status 403"))
}

func (s *assetFailingStore) StoreSidecar(ctx context.Context, d asset.Descriptor, assetKey string, h staging.Handle) (transfer.Stored, *migerr.Error) {
	s.sidecarCalls.Add(1)
	return transfer.Stored{Key: assetKey + ".json"}, nil
}

func TestAssetStoreFailureSkipsSidecar(t *testing.T) {
	h := newHarness(t)
	store := &assetFailingStore{}

	b := h.orchestrator(store, defaultOptions).RunBatch(context.Background(), h.descriptors(2))

	require.Equal(t, 2, b.FailedUpload)
	require.Equal(t, 0, b.Succeeded)
	require.Zero(t, store.sidecarCalls.Load())
	require.Empty(t, h.stagedFiles(t))

	s := h.monitor.Snapshot()
	require.Equal(t, 2, s.FetchedCount)
	require.Equal(t, 0, s.StoredCount)
	require.Equal(t, 2, s.FailedCount)
}

func TestFetchFailureSkipsRemainingSteps(t *testing.T) {
	h := newHarness(t)
	ds := h.descriptors(2)
	ds[1].SourceLocations = []string{h.srv.URL + "/missing/a1"}

	b := h.orchestrator(nil, defaultOptions).RunBatch(context.Background(), ds)

	require.Equal(t, 1, b.Succeeded)
	require.Equal(t, 1, b.FailedDownload)
	require.Equal(t, []string{"a0.jpg", "a0.jpg.json"}, h.dest.Keys())

	var failed outcome.Asset
	for _, r := range b.Results {
		if r.Bucket == outcome.FailedDownload {
			failed = r
		}
	}
	require.Equal(t, "a1", failed.AssetID)
	require.Equal(t, 1, failed.Attempts)
	require.Contains(t, failed.Error, "404")
}

func TestOptionsDisableSidecarsAndCleanup(t *testing.T) {
	h := newHarness(t)

	b := h.orchestrator(nil, Options{}).RunBatch(context.Background(), h.descriptors(2))

	require.Equal(t, 2, b.Succeeded)
	require.Equal(t, []string{"a0.jpg", "a1.jpg"}, h.dest.Keys())
	require.Len(t, h.stagedFiles(t), 2)
	require.Equal(t, 0, h.monitor.Snapshot().SidecarCount)
}

func TestDegradedMetadataIsNotAFailure(t *testing.T) {
	h := newHarness(t)
	ds := h.descriptors(1)
	ds[0].Attributes.Width = -1

	b := h.orchestrator(nil, defaultOptions).RunBatch(context.Background(), ds)

	require.Equal(t, 1, b.Succeeded)
	entries := h.ledger.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, migerr.CategoryMetadata, entries[0].Category)

	side, ok := h.dest.Get("a0.jpg.json")
	require.True(t, ok)
	require.NotContains(t, string(side.Data), "album")
	require.Contains(t, string(side.Data), `"filename": "a0.jpg"`)
}

func TestNonFiniteCoordinatesStillUploadSidecar(t *testing.T) {
	h := newHarness(t)
	ds := h.descriptors(1)
	ds[0].Attributes.Geo = &asset.Geo{Latitude: math.NaN(), Longitude: 12}

	b := h.orchestrator(nil, defaultOptions).RunBatch(context.Background(), ds)

	require.Equal(t, 1, b.Succeeded)
	require.Equal(t, 0, b.SidecarFailures)
	entries := h.ledger.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, migerr.CategoryMetadata, entries[0].Category)

	side, ok := h.dest.Get("a0.jpg.json")
	require.True(t, ok)
	require.NotContains(t, string(side.Data), "latitude")
	require.Contains(t, string(side.Data), `"filename": "a0.jpg"`)
}

func TestEveryAssetLandsInOneBucket(t *testing.T) {
	h := newHarness(t)
	ds := h.descriptors(12)
	for i := range ds {
		switch i % 4 {
		case 1:
			ds[i].SourceLocations = nil
		case 2:
			ds[i].SourceLocations = []string{h.srv.URL + "/missing/" + ds[i].ID}
		}
	}

	b := h.orchestrator(nil, defaultOptions).RunBatch(context.Background(), ds)

	require.Equal(t, len(ds), b.Succeeded+b.Failed)
	require.Len(t, b.Results, len(ds))
	seen := map[string]bool{}
	for _, r := range b.Results {
		require.False(t, seen[r.AssetID])
		seen[r.AssetID] = true
		require.Contains(t, []outcome.Bucket{outcome.Succeeded, outcome.FailedDownload, outcome.FailedUpload}, r.Bucket)
	}
	require.Equal(t, len(ds), h.monitor.Snapshot().ProcessedCount)
}

func TestStateTerminal(t *testing.T) {
	require.True(t, StateDone.Terminal())
	require.True(t, StateFailed.Terminal())
	require.False(t, StateCleaningUp.Terminal())
	require.Equal(t, "Uploading a.jpg", StateStoringAsset.activity("a.jpg"))
}
