// Package platform defines the capability interface every social platform
// adapter implements, the errors adapters report, and HTTP plumbing shared
// by the adapters.
package platform

import (
	"context"
	"fmt"
	"iter"
	"sort"

	"github.com/dmitrijs2005/crosspost/internal/models"
)

// ThreadRef locates, on the destination platform, the post a new post
// replies to and the first post of its thread.
type ThreadRef struct {
	ID     string
	RootID string
}

// Adapter is the uniform contract the engine talks to. Implementations
// normalize their platform into models.ContentItem and never retry on their
// own; retry policy belongs to the caller.
type Adapter interface {
	Platform() models.Platform

	// CredentialType names the vault credential Authenticate expects.
	CredentialType() string

	// Authenticate exchanges a stored secret for a session. Rejected
	// credentials fail with common.ErrAuth.
	Authenticate(ctx context.Context, secret []byte) (*models.Session, error)

	// FetchRecent lazily yields the account's own posts newer than since,
	// oldest first, at most limit of them. It is safe to call again with the
	// same marker after a failure. A failure is yielded once as the error
	// value and ends the sequence.
	FetchRecent(ctx context.Context, s *models.Session, since models.Marker, limit int) iter.Seq2[models.ContentItem, error]

	// Publish posts c, optionally as a reply, and returns the new post's id.
	Publish(ctx context.Context, s *models.Session, c models.ContentItem, parent *ThreadRef) (string, error)

	// Validate checks c against the platform's content constraints without
	// any network call. Violations wrap common.ErrValidation.
	Validate(c models.ContentItem) error
}

// Registry maps platforms to their adapters.
type Registry struct {
	adapters map[models.Platform]Adapter
}

// NewRegistry registers adapters by their Platform.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

// Get returns the adapter for p.
func (r *Registry) Get(p models.Platform) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for %s", p)
	}
	return a, nil
}

// Platforms lists registered platforms in stable order.
func (r *Registry) Platforms() []models.Platform {
	out := make([]models.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
