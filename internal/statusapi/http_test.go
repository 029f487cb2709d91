package statusapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/your-org/mediamigrate/internal/asset"
	"github.com/your-org/mediamigrate/internal/ledger"
	"github.com/your-org/mediamigrate/internal/migration"
	"github.com/your-org/mediamigrate/internal/transfer"
	"github.com/your-org/mediamigrate/pkg/metrics"
	"github.com/your-org/mediamigrate/pkg/storage/objectstore"
)

type env struct {
	source   *httptest.Server
	api      *httptest.Server
	registry *migration.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "bytes")
	}))
	t.Cleanup(source.Close)

	reg := prometheus.NewRegistry()
	registry := migration.NewRegistry()
	ctrl := migration.NewController(migration.Params{
		Authenticator: migration.StaticAuthenticator{Source: transfer.Credential{}, Destination: objectstore.NewMemory()},
		Registry:      registry,
		Metrics:       metrics.New(reg),
	})
	h := NewHTTPHandler(Params{Registry: registry, Starter: ctrl, Gatherer: reg})
	api := httptest.NewServer(h.Router())
	t.Cleanup(api.Close)
	return &env{source: source, api: api, registry: registry}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *env) start(t *testing.T, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.api.URL+"/api/v1/runs", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestStartInspectAndExport(t *testing.T) {
	e := newEnv(t)
	resp := e.start(t, startRequest{
		Descriptors: []asset.Descriptor{
			{ID: "1", DisplayName: "one.jpg", SourceLocations: []string{e.source.URL + "/one"}},
			{ID: "2", DisplayName: "two.jpg", SourceLocations: []string{e.source.URL + "/gone"}},
		},
		Options: map[string]any{"concurrency": 2, "retryBaseDelayMs": 1},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decode[runView](t, resp)
	require.NotEmpty(t, started.ID)

	run, ok := e.registry.Get(started.ID)
	require.True(t, ok)
	_, err := run.Wait(context.Background())
	require.NoError(t, err)

	resp, err = http.Get(e.api.URL + "/api/v1/runs/" + started.ID + "?results=true")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[runView](t, resp)
	require.NotNil(t, got.Outcome)
	require.Equal(t, 1, got.Outcome.Succeeded)
	require.Equal(t, 1, got.Outcome.FailedDownload)
	require.Equal(t, 50, got.Outcome.SuccessRate)
	require.Len(t, got.Outcome.Results, 2)

	resp, err = http.Get(e.api.URL + "/api/v1/runs/" + started.ID + "/errors")
	require.NoError(t, err)
	doc := decode[ledger.Document](t, resp)
	require.Equal(t, started.ID, doc.RunID)
	require.Equal(t, 1, doc.TotalErrors)
	require.Equal(t, map[string]int{"download": 1}, doc.ErrorsByPhase)

	resp, err = http.Post(e.api.URL+"/api/v1/runs/"+started.ID+"/stop", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(e.api.URL + "/api/v1/runs")
	require.NoError(t, err)
	list := decode[struct {
		Runs []runView `json:"runs"`
	}](t, resp)
	require.Len(t, list.Runs, 1)
	require.Nil(t, list.Runs[0].Outcome.Results)

	resp, err = http.Get(e.api.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "mediamigrate_assets_total")
}

func TestStartRejectsUnknownOption(t *testing.T) {
	e := newEnv(t)
	resp := e.start(t, map[string]any{"descriptors": []any{}, "options": map[string]any{"turbo": true}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	require.Contains(t, body["error"], "turbo")
	require.Empty(t, e.registry.List())
}

func TestStartRejectsDuplicateIDs(t *testing.T) {
	e := newEnv(t)
	resp := e.start(t, map[string]any{"descriptors": []map[string]any{
		{"id": "1", "displayName": "one.jpg", "sourceLocations": []string{e.source.URL + "/one"}},
		{"id": "1", "displayName": "again.jpg", "sourceLocations": []string{e.source.URL + "/one"}},
	}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	require.Contains(t, body["error"], "share id")
	require.Empty(t, e.registry.List())
}

func TestUnknownRun(t *testing.T) {
	e := newEnv(t)
	for _, path := range []string{"/api/v1/runs/nope", "/api/v1/runs/nope/errors"} {
		resp, err := http.Get(e.api.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.api.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, resp))
}
