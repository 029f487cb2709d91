package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/mediamigrate/internal/asset"
	migerr "github.com/your-org/mediamigrate/internal/errors"
	"github.com/your-org/mediamigrate/internal/redact"
	"github.com/your-org/mediamigrate/pkg/metrics"
	"github.com/your-org/mediamigrate/pkg/storage/objectstore"
	"github.com/your-org/mediamigrate/pkg/storage/staging"
)

const (
	DefaultStoreTimeout = 120 * time.Second
	SidecarSuffix       = ".json"

	maxCollisionProbes = 10000
)

// Stored describes an object written to the destination.
type Stored struct {
	Key      string
	Size     int64
	Attempts int
}

// Store uploads staged files to the destination. Destination names are
// resolved once per asset; names already taken at the destination or claimed
// by another asset in this run get a numeric suffix.
type Store struct {
	client  objectstore.Client
	staging *staging.Area
	limiter *Limiter
	policy  RetryPolicy
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	claimed map[string]struct{}
}

type StoreParams struct {
	Client  objectstore.Client
	Staging *staging.Area
	Limiter *Limiter
	Policy  RetryPolicy
	Timeout time.Duration
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// NewStore constructs a Store. Client, Staging and Limiter are required.
func NewStore(p StoreParams) *Store {
	if p.Timeout <= 0 {
		p.Timeout = DefaultStoreTimeout
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Store{
		client:  p.Client,
		staging: p.Staging,
		limiter: p.Limiter,
		policy:  p.Policy,
		timeout: p.Timeout,
		metrics: p.Metrics,
		logger:  p.Logger,
		claimed: make(map[string]struct{}),
	}
}

// StoreAsset uploads the staged asset bytes under a free destination name.
func (s *Store) StoreAsset(ctx context.Context, d asset.Descriptor, h staging.Handle) (Stored, *migerr.Error) {
	logger := s.logger.With(zap.String("asset_id", d.ID), zap.String("display_name", d.DisplayName), zap.String("phase", string(migerr.PhaseUpload)))

	var key string
	attempts, err := s.policy.Run(ctx, logger, func(ctx context.Context, attempt int) error {
		return s.limiter.Do(ctx, func() error {
			var err error
			key, err = s.reserve(ctx, d.DisplayName)
			return err
		})
	})
	if err != nil {
		return Stored{}, migerr.Store(migerr.PhaseUpload, d.ID, d.DisplayName, Retryable(err), attempts, fmt.Errorf("resolve destination name: %w", err))
	}
	if key != d.DisplayName {
		logger.Info("destination name taken, using suffixed name", zap.String("key", key))
	}

	out, merr := s.put(ctx, logger, migerr.PhaseUpload, d, key, h)
	if merr != nil {
		s.release(key)
	}
	return out, merr
}

// StoreSidecar uploads the staged sidecar next to the stored asset. The key
// is fixed by the asset key, so an existing object under it is never replaced:
// the sidecar fails instead and the asset keeps its success.
func (s *Store) StoreSidecar(ctx context.Context, d asset.Descriptor, assetKey string, h staging.Handle) (Stored, *migerr.Error) {
	logger := s.logger.With(zap.String("asset_id", d.ID), zap.String("display_name", d.DisplayName), zap.String("phase", string(migerr.PhaseSidecar)))
	key := SidecarKey(assetKey)
	if !s.claim(key) {
		return Stored{}, migerr.Store(migerr.PhaseSidecar, d.ID, d.DisplayName, false, 0, fmt.Errorf("%s is claimed by another asset in this run", key))
	}
	var exists bool
	attempts, err := s.policy.Run(ctx, logger, func(ctx context.Context, attempt int) error {
		return s.limiter.Do(ctx, func() error {
			var err error
			exists, err = s.probe(ctx, key)
			return err
		})
	})
	if err != nil {
		s.release(key)
		return Stored{}, migerr.Store(migerr.PhaseSidecar, d.ID, d.DisplayName, Retryable(err), attempts, fmt.Errorf("check %s: %w", key, err))
	}
	if exists {
		return Stored{}, migerr.Store(migerr.PhaseSidecar, d.ID, d.DisplayName, false, 0, fmt.Errorf("%s already exists at the destination", key))
	}

	out, merr := s.put(ctx, logger, migerr.PhaseSidecar, d, key, h)
	if merr != nil {
		s.release(key)
	}
	return out, merr
}

// SidecarKey is the destination name of the sidecar for assetKey.
func SidecarKey(assetKey string) string { return assetKey + SidecarSuffix }

func (s *Store) put(ctx context.Context, logger *zap.Logger, phase migerr.Phase, d asset.Descriptor, key string, h staging.Handle) (Stored, *migerr.Error) {
	opts := objectstore.PutOptions{
		ContentType: asset.ContentType(key),
		Metadata:    map[string]string{"asset-id": d.ID},
	}
	if d.ContainerID != "" {
		opts.Metadata["container-id"] = d.ContainerID
	}

	attempts, err := s.policy.Run(ctx, logger, func(ctx context.Context, attempt int) error {
		return s.limiter.Do(ctx, func() error {
			start := time.Now()
			err := s.putOnce(ctx, key, h, opts)
			s.metrics.ObserveAttempt(string(phase), outcome(err), time.Since(start))
			if err != nil {
				logger.Warn("store attempt failed", zap.Int("attempt", attempt), zap.String("key", key), redact.Error(err))
			}
			return err
		})
	})
	if err != nil {
		return Stored{}, migerr.Store(phase, d.ID, d.DisplayName, Retryable(err), attempts, err)
	}
	s.metrics.AddBytes(string(phase), h.Size)
	return Stored{Key: key, Size: h.Size, Attempts: attempts}, nil
}

func (s *Store) putOnce(ctx context.Context, key string, h staging.Handle, opts objectstore.PutOptions) error {
	f, err := s.staging.Open(h)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Terminal(fmt.Errorf("staged file %s is gone: %w", h.Path, err))
		}
		return fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Put(ctx, key, f, h.Size, opts)
}

// reserve claims the first candidate name that is neither claimed in this run
// nor present at the destination: name, stem-1.ext, stem-2.ext...
func (s *Store) reserve(ctx context.Context, name string) (string, error) {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < maxCollisionProbes; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		if !s.claim(candidate) {
			continue
		}
		exists, err := s.probe(ctx, candidate)
		if err != nil {
			s.release(candidate)
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		// Taken at the destination; keep the claim so nobody probes it again.
	}
	return "", Terminal(fmt.Errorf("no free destination name for %s after %d probes", name, maxCollisionProbes))
}

func (s *Store) probe(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Exists(ctx, key)
}

func (s *Store) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.claimed[key]; taken {
		return false
	}
	s.claimed[key] = struct{}{}
	return true
}

func (s *Store) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, key)
}
