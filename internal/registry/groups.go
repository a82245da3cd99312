package registry

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"
)

var (
	ErrGroupExists   = errors.New("group already exists")
	ErrGroupNotFound = errors.New("group not found")
	ErrAlreadyMember = errors.New("user is already a group member")
	errGroupRequired = errors.New("group name is required")
)

// GroupStore keeps named groups and their member sets. A group can exist with
// zero members; membership is append-only.
type GroupStore interface {
	Create(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
	Add(ctx context.Context, name, username string) error
	// Members lazily yields member usernames. Iteration stops at the first error.
	Members(ctx context.Context, name string) iter.Seq2[string, error]
}

// InMemoryGroups is a map-backed GroupStore.
type InMemoryGroups struct {
	mu     sync.RWMutex
	groups map[string]map[string]struct{}
	limit  int
}

// NewInMemoryGroups creates a store with an optional group limit; zero means unbounded.
func NewInMemoryGroups(limit int) *InMemoryGroups {
	return &InMemoryGroups{
		groups: make(map[string]map[string]struct{}),
		limit:  limit,
	}
}

// Create registers an empty group.
func (g *InMemoryGroups) Create(_ context.Context, name string) error {
	if name == "" {
		return errGroupRequired
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.groups[name]; exists {
		return ErrGroupExists
	}
	if g.limit > 0 && len(g.groups) >= g.limit {
		return errors.New("group registry at capacity")
	}
	g.groups[name] = make(map[string]struct{})
	return nil
}

// Exists reports whether the group was created.
func (g *InMemoryGroups) Exists(_ context.Context, name string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.groups[name]
	return ok, nil
}

// Add appends username to the group's member set.
func (g *InMemoryGroups) Add(_ context.Context, name, username string) error {
	if name == "" {
		return errGroupRequired
	}
	if username == "" {
		return errUsernameRequired
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	members, ok := g.groups[name]
	if !ok {
		return ErrGroupNotFound
	}
	if _, ok := members[username]; ok {
		return ErrAlreadyMember
	}
	members[username] = struct{}{}
	return nil
}

// Members yields a sorted snapshot of the member set so callers may mutate the
// store while iterating.
func (g *InMemoryGroups) Members(_ context.Context, name string) iter.Seq2[string, error] {
	g.mu.RLock()
	members, ok := g.groups[name]
	snapshot := make([]string, 0, len(members))
	for user := range members {
		snapshot = append(snapshot, user)
	}
	g.mu.RUnlock()
	sort.Strings(snapshot)

	return func(yield func(string, error) bool) {
		if !ok {
			yield("", ErrGroupNotFound)
			return
		}
		for _, user := range snapshot {
			if !yield(user, nil) {
				return
			}
		}
	}
}

var _ GroupStore = (*InMemoryGroups)(nil)
