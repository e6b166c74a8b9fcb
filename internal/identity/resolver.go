package identity

import (
	"context"
	"sync"
	"time"

	"github.com/jordanhubbard/weave/internal/syncerr"
	"github.com/jordanhubbard/weave/internal/trackers"
	"github.com/jordanhubbard/weave/pkg/models"
)

// Lister is the listing subset of a tracker client the resolver needs.
type Lister interface {
	Name() models.Source
	ListIssues(ctx context.Context, project string, opts trackers.ListOptions) ([]*models.TrackerIssue, error)
}

// Resolver finds counterpart records by scanning tracker listings. Listings
// are cached briefly so resolving fifty issues in one sweep costs one list
// call per tracker, not fifty.
type Resolver struct {
	ttl time.Duration

	mu       sync.RWMutex
	listings map[string]listing
}

type listing struct {
	issues  []*models.TrackerIssue
	fetched time.Time
}

// NewResolver builds a resolver; ttl <= 0 defaults to 30 seconds.
func NewResolver(ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Resolver{ttl: ttl, listings: make(map[string]listing)}
}

// Invalidate drops the cached listing for one tracker project; sweeps call
// this before classifying so they see current state.
func (r *Resolver) Invalidate(source models.Source, projectRef string) {
	r.mu.Lock()
	delete(r.listings, cacheKey(source, projectRef))
	r.mu.Unlock()
}

func cacheKey(source models.Source, projectRef string) string {
	return string(source) + "/" + projectRef
}

func (r *Resolver) listingFor(ctx context.Context, t Lister, projectRef string) ([]*models.TrackerIssue, error) {
	key := cacheKey(t.Name(), projectRef)

	r.mu.RLock()
	entry, ok := r.listings[key]
	r.mu.RUnlock()
	if ok && time.Since(entry.fetched) < r.ttl {
		return entry.issues, nil
	}

	issues, err := t.ListIssues(ctx, projectRef, trackers.ListOptions{})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.listings[key] = listing{issues: issues, fetched: time.Now()}
	r.mu.Unlock()
	return issues, nil
}

// FindByHulyRef locates the record in a target tracker that carries the
// given Huly identifier: first by embedded description tag, then by
// normalized title. Returns NotFound when neither matches; it never creates.
func (r *Resolver) FindByHulyRef(ctx context.Context, target Lister, projectRef, hulyIdentifier, title string) (*models.TrackerIssue, error) {
	issues, err := r.listingFor(ctx, target, projectRef)
	if err != nil {
		return nil, err
	}

	if hulyIdentifier != "" {
		for _, i := range issues {
			if ExtractHulyRef(i.Description) == hulyIdentifier {
				return i, nil
			}
		}
	}

	if want := NormalizeTitle(title); want != "" {
		for _, i := range issues {
			if NormalizeTitle(i.Title) == want {
				return i, nil
			}
		}
	}

	return nil, syncerr.New(syncerr.KindNotFound, "identity.FindByHulyRef",
		"no %s record for %s", target.Name(), hulyIdentifier)
}

// FindHulyCounterpart locates the Huly issue matching a foreign record. The
// record's own description is checked for an embedded Huly ref before any
// listing is fetched; the ladder then falls back to title equality.
func (r *Resolver) FindHulyCounterpart(ctx context.Context, huly Lister, project string, foreign *models.TrackerIssue) (*models.TrackerIssue, error) {
	ref := ExtractHulyRef(foreign.Description)

	issues, err := r.listingFor(ctx, huly, project)
	if err != nil {
		return nil, err
	}

	if ref != "" {
		for _, i := range issues {
			if i.Identifier == ref {
				return i, nil
			}
		}
	}

	if want := NormalizeTitle(foreign.Title); want != "" {
		for _, i := range issues {
			if NormalizeTitle(i.Title) == want {
				return i, nil
			}
		}
	}

	return nil, syncerr.New(syncerr.KindNotFound, "identity.FindHulyCounterpart",
		"no huly issue matches %s record %s", foreign.ID, project)
}

// FindByID scans a listing for a tracker-native id. Used when a stored
// cross-system id needs existence confirmation without an extra GET.
func (r *Resolver) FindByID(ctx context.Context, t Lister, projectRef, id string) (*models.TrackerIssue, error) {
	issues, err := r.listingFor(ctx, t, projectRef)
	if err != nil {
		return nil, err
	}
	for _, i := range issues {
		if i.ID == id {
			return i, nil
		}
	}
	return nil, syncerr.New(syncerr.KindNotFound, "identity.FindByID", "%s has no record %s", t.Name(), id)
}
