package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/your-org/mediamigrate/internal/asset"
	"github.com/your-org/mediamigrate/internal/metadata"
	"github.com/your-org/mediamigrate/internal/transfer"
	"github.com/your-org/mediamigrate/pkg/storage/objectstore"
)

// Session holds the already validated handles a run transfers with.
type Session struct {
	Source      transfer.Credential
	Destination objectstore.Client
}

// Authenticator exchanges configured credentials for a Session.
type Authenticator interface {
	Authenticate(ctx context.Context) (Session, error)
}

// Source lists what a run migrates.
type Source interface {
	Discover(ctx context.Context) ([]metadata.Container, error)
	Enumerate(ctx context.Context, containers []metadata.Container) ([]asset.Descriptor, error)
}

// Descriptors is a Source over an already materialized list.
type Descriptors []asset.Descriptor

// Discover returns the containers referenced by the descriptors, in first-seen order.
func (d Descriptors) Discover(context.Context) ([]metadata.Container, error) {
	seen := map[string]bool{}
	var out []metadata.Container
	for _, desc := range d {
		if desc.ContainerID == "" || seen[desc.ContainerID] {
			continue
		}
		seen[desc.ContainerID] = true
		out = append(out, metadata.Container{ID: desc.ContainerID, Name: desc.ContainerName})
	}
	return out, nil
}

// ErrInvalidDescriptors marks a descriptor list that cannot be migrated as given.
var ErrInvalidDescriptors = errors.New("invalid descriptors")

// Check requires a non-empty, unique ID on every descriptor. Staging paths,
// ledger entries and results are all keyed by it.
func (d Descriptors) Check() error {
	seen := make(map[string]int, len(d))
	for i, desc := range d {
		id := strings.TrimSpace(desc.ID)
		if id == "" {
			return fmt.Errorf("%w: descriptor %d has no id", ErrInvalidDescriptors, i)
		}
		if j, dup := seen[id]; dup {
			return fmt.Errorf("%w: descriptors %d and %d share id %q", ErrInvalidDescriptors, j, i, id)
		}
		seen[id] = i
	}
	return nil
}

// Enumerate returns copies whose display names are safe destination names,
// falling back to one built from the ID when nothing usable is left.
func (d Descriptors) Enumerate(context.Context, []metadata.Container) ([]asset.Descriptor, error) {
	if err := d.Check(); err != nil {
		return nil, err
	}
	out := make([]asset.Descriptor, len(d))
	for i, desc := range d {
		name := asset.SanitizeName(desc.DisplayName)
		if name == "" {
			name = asset.DisplayName("", desc.ID, desc.Attributes.Format, desc.Kind)
		}
		desc.DisplayName = name
		out[i] = desc
	}
	return out, nil
}

// StaticAuthenticator hands out a fixed session.
type StaticAuthenticator Session

func (s StaticAuthenticator) Authenticate(context.Context) (Session, error) {
	return Session(s), nil
}
