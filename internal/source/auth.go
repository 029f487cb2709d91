package source

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	migerr "github.com/your-org/mediamigrate/internal/errors"
	"github.com/your-org/mediamigrate/internal/migration"
	"github.com/your-org/mediamigrate/internal/transfer"
	"github.com/your-org/mediamigrate/pkg/storage/objectstore"
)

// AuthCheckPath is probed on the source base URL to confirm the token works.
const AuthCheckPath = "/auth/check"

// TokenAuthenticator checks the source token and opens the destination.
type TokenAuthenticator struct {
	baseURL    string
	credential transfer.Credential
	client     *http.Client
	storage    objectstore.Config
	open       func(objectstore.Config) (objectstore.Client, error)
	logger     *zap.Logger
}

type AuthParams struct {
	// BaseURL of the source API. When empty the token is not probed.
	BaseURL    string
	Credential transfer.Credential
	Client     *http.Client
	Storage    objectstore.Config
	// Open builds the destination client; defaults to objectstore.New.
	Open   func(objectstore.Config) (objectstore.Client, error)
	Logger *zap.Logger
}

func NewTokenAuthenticator(p AuthParams) *TokenAuthenticator {
	if p.Client == nil {
		p.Client = http.DefaultClient
	}
	if p.Open == nil {
		p.Open = objectstore.New
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &TokenAuthenticator{
		baseURL:    strings.TrimRight(p.BaseURL, "/"),
		credential: p.Credential,
		client:     p.Client,
		storage:    p.Storage,
		open:       p.Open,
		logger:     p.Logger,
	}
}

// Authenticate returns a session whose destination bucket exists. Every
// failure is an AUTH error.
func (a *TokenAuthenticator) Authenticate(ctx context.Context) (migration.Session, error) {
	if strings.TrimSpace(a.credential.Token) == "" {
		return migration.Session{}, migerr.Auth("source token is not configured", nil)
	}
	if a.baseURL != "" {
		if err := a.check(ctx); err != nil {
			return migration.Session{}, migerr.Auth("source rejected credentials", err)
		}
	}

	dest, err := a.open(a.storage)
	if err != nil {
		return migration.Session{}, migerr.Auth("open destination", err)
	}
	if err := dest.EnsureBucket(ctx); err != nil {
		_ = dest.Close()
		return migration.Session{}, migerr.Auth("prepare destination bucket "+a.storage.Bucket, err)
	}

	a.logger.Info("authenticated",
		zap.String("source", a.baseURL),
		zap.String("storage_provider", a.storage.Provider),
		zap.String("bucket", a.storage.Bucket))
	return migration.Session{Source: a.credential, Destination: dest}, nil
}

func (a *TokenAuthenticator) check(ctx context.Context) error {
	url := a.baseURL + AuthCheckPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	a.credential.Apply(req)
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &transfer.HTTPError{URL: url, Status: resp.StatusCode}
	}
	return nil
}

var _ migration.Authenticator = (*TokenAuthenticator)(nil)
