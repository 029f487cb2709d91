// Package source authenticates against the asset provider and lists what a
// migration moves.
package source

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/your-org/mediamigrate/internal/asset"
	migerr "github.com/your-org/mediamigrate/internal/errors"
	"github.com/your-org/mediamigrate/internal/metadata"
	"github.com/your-org/mediamigrate/internal/transfer"
)

//go:embed manifest.schema.json
var manifestSchema string

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

// ErrNoManifest is returned when no manifest location is configured.
var ErrNoManifest = errors.New("no manifest location configured")

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(manifestSchema))
	})
	return schema, schemaErr
}

// ManifestDiscoverer reads containers and assets from a JSON manifest, either
// a local file or an http(s) URL.
type ManifestDiscoverer struct {
	location   string
	fs         afero.Fs
	client     *http.Client
	credential transfer.Credential
	kinds      []asset.Kind
	sampleSize int
	logger     *zap.Logger

	mu       sync.Mutex
	manifest *manifest
}

type ManifestParams struct {
	Location   string
	FS         afero.Fs
	Client     *http.Client
	Credential transfer.Credential
	// Kinds limits enumeration; empty means every kind.
	Kinds []asset.Kind
	// SampleSize caps the number of descriptors; 0 means no cap.
	SampleSize int
	Logger     *zap.Logger
}

func NewManifestDiscoverer(p ManifestParams) *ManifestDiscoverer {
	if p.FS == nil {
		p.FS = afero.NewOsFs()
	}
	if p.Client == nil {
		p.Client = http.DefaultClient
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &ManifestDiscoverer{
		location:   p.Location,
		fs:         p.FS,
		client:     p.Client,
		credential: p.Credential,
		kinds:      p.Kinds,
		sampleSize: p.SampleSize,
		logger:     p.Logger,
	}
}

// Discover loads and validates the manifest and returns its containers.
func (m *ManifestDiscoverer) Discover(ctx context.Context) ([]metadata.Container, error) {
	mf, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]metadata.Container, 0, len(mf.Containers))
	for _, c := range mf.Containers {
		out = append(out, c.container())
	}
	m.logger.Info("containers discovered", zap.String("manifest", m.location), zap.Int("containers", len(out)))
	return out, nil
}

// Enumerate converts the manifest's asset records into descriptors, in
// manifest order, applying the kind filter and sample cap.
func (m *ManifestDiscoverer) Enumerate(ctx context.Context, containers []metadata.Container) ([]asset.Descriptor, error) {
	mf, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]metadata.Container, len(containers))
	for _, c := range containers {
		idx[c.ID] = c
	}

	var out []asset.Descriptor
	filtered := 0
	for _, r := range mf.Assets {
		d, err := r.descriptor(idx)
		if err != nil {
			return nil, migerr.Discovery("enumerate assets", err)
		}
		if len(m.kinds) > 0 && !slices.Contains(m.kinds, d.Kind) {
			filtered++
			continue
		}
		out = append(out, d)
		if m.sampleSize > 0 && len(out) == m.sampleSize {
			break
		}
	}
	m.logger.Info("assets enumerated",
		zap.Int("records", len(mf.Assets)),
		zap.Int("filtered", filtered),
		zap.Int("descriptors", len(out)),
		zap.Int("sample_size", m.sampleSize))
	return out, nil
}

func (m *ManifestDiscoverer) load(ctx context.Context) (*manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manifest != nil {
		return m.manifest, nil
	}

	data, err := m.read(ctx)
	if err != nil {
		return nil, migerr.Discovery("read manifest "+m.location, err)
	}
	if err := validate(data); err != nil {
		return nil, migerr.Discovery("invalid manifest "+m.location, err)
	}
	var mf manifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, migerr.Discovery("decode manifest "+m.location, err)
	}
	m.manifest = &mf
	return m.manifest, nil
}

func (m *ManifestDiscoverer) read(ctx context.Context) ([]byte, error) {
	if m.location == "" {
		return nil, ErrNoManifest
	}
	if !strings.HasPrefix(m.location, "http://") && !strings.HasPrefix(m.location, "https://") {
		return afero.ReadFile(m.fs, m.location)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.location, nil)
	if err != nil {
		return nil, err
	}
	m.credential.Apply(req)
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &transfer.HTTPError{URL: m.location, Status: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

func validate(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile manifest schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return err
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
