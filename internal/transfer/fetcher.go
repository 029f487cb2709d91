package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/mediamigrate/internal/asset"
	migerr "github.com/your-org/mediamigrate/internal/errors"
	"github.com/your-org/mediamigrate/internal/redact"
	"github.com/your-org/mediamigrate/pkg/metrics"
	"github.com/your-org/mediamigrate/pkg/storage/staging"
)

const DefaultFetchTimeout = 120 * time.Second

// Credential authorizes requests against the source. The zero value sends no
// credentials.
type Credential struct {
	Token string
	// Header defaults to Authorization; Scheme defaults to Bearer.
	Header string
	Scheme string
}

// Apply sets the credential header on req.
func (c Credential) Apply(req *http.Request) {
	if c.Token == "" {
		return
	}
	header := c.Header
	if header == "" {
		header = "Authorization"
	}
	scheme := c.Scheme
	if scheme == "" && header == "Authorization" {
		scheme = "Bearer"
	}
	value := c.Token
	if scheme != "" {
		value = scheme + " " + c.Token
	}
	req.Header.Set(header, value)
}

// HTTPError is a non-2xx response from the source.
type HTTPError struct {
	URL    string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.Status, http.StatusText(e.Status))
}

// StatusCode implements objectstore.StatusCoder.
func (e *HTTPError) StatusCode() int { return e.Status }

// Fetched describes bytes staged for one asset.
type Fetched struct {
	Handle   staging.Handle
	Location string
	Attempts int
}

// Fetcher downloads asset bytes into a staging area.
type Fetcher struct {
	client     *http.Client
	credential Credential
	staging    *staging.Area
	limiter    *Limiter
	policy     RetryPolicy
	timeout    time.Duration
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

type FetcherParams struct {
	Client     *http.Client
	Credential Credential
	Staging    *staging.Area
	Limiter    *Limiter
	Policy     RetryPolicy
	Timeout    time.Duration
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// NewFetcher constructs a Fetcher. Staging and Limiter are required.
func NewFetcher(p FetcherParams) *Fetcher {
	if p.Client == nil {
		p.Client = http.DefaultClient
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultFetchTimeout
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Fetcher{
		client:     p.Client,
		credential: p.Credential,
		staging:    p.Staging,
		limiter:    p.Limiter,
		policy:     p.Policy,
		timeout:    p.Timeout,
		metrics:    p.Metrics,
		logger:     p.Logger,
	}
}

// Fetch stages the asset's bytes. Each attempt walks the source locations in
// order and stops at the first that succeeds; an attempt fails terminally only
// when every location failed terminally.
func (f *Fetcher) Fetch(ctx context.Context, d asset.Descriptor) (Fetched, *migerr.Error) {
	if err := d.Validate(); err != nil {
		return Fetched{}, migerr.Fetch(d.ID, d.DisplayName, false, 0, err)
	}

	logger := f.logger.With(zap.String("asset_id", d.ID), zap.String("display_name", d.DisplayName), zap.String("phase", string(migerr.PhaseDownload)))
	var out Fetched
	attempts, err := f.policy.Run(ctx, logger, func(ctx context.Context, attempt int) error {
		return f.limiter.Do(ctx, func() error {
			start := time.Now()
			h, loc, err := f.attempt(ctx, d)
			f.metrics.ObserveAttempt("fetch", outcome(err), time.Since(start))
			if err != nil {
				logger.Warn("fetch attempt failed", zap.Int("attempt", attempt), redact.Error(err))
				return err
			}
			out = Fetched{Handle: h, Location: loc}
			return nil
		})
	})
	if err != nil {
		return Fetched{}, migerr.Fetch(d.ID, d.DisplayName, Retryable(err), attempts, err)
	}
	out.Attempts = attempts
	f.metrics.AddBytes("fetch", out.Handle.Size)
	return out, nil
}

func (f *Fetcher) attempt(ctx context.Context, d asset.Descriptor) (staging.Handle, string, error) {
	var lastRetryable, lastTerminal error
	for _, loc := range d.SourceLocations {
		loc = strings.TrimSpace(loc)
		if loc == "" {
			continue
		}
		h, err := f.get(ctx, d, loc)
		if err == nil {
			return h, loc, nil
		}
		if ctx.Err() != nil {
			return staging.Handle{}, "", err
		}
		if Retryable(err) {
			lastRetryable = err
		} else {
			lastTerminal = err
		}
	}
	if lastRetryable != nil {
		return staging.Handle{}, "", lastRetryable
	}
	return staging.Handle{}, "", Terminal(lastTerminal)
}

func (f *Fetcher) get(ctx context.Context, d asset.Descriptor, loc string) (staging.Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return staging.Handle{}, Terminal(fmt.Errorf("build request: %w", err))
	}
	f.credential.Apply(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return staging.Handle{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return staging.Handle{}, &HTTPError{URL: loc, Status: resp.StatusCode}
	}

	h, err := f.staging.Stage(d.ID, d.DisplayName, resp.Body)
	if err != nil {
		return staging.Handle{}, err
	}
	if resp.ContentLength >= 0 && h.Size != resp.ContentLength {
		_ = f.staging.Remove(h)
		return staging.Handle{}, fmt.Errorf("GET %s: short body: got %d of %d bytes", loc, h.Size, resp.ContentLength)
	}
	return h, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case Retryable(err):
		return "retryable"
	default:
		return "terminal"
	}
}
