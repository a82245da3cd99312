package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// PresenceStore maps a username to the node currently hosting its connection.
// Records are TTL-bound; a missing record means the user is not connected anywhere known.
type PresenceStore interface {
	Set(ctx context.Context, username, nodeID string, ttl time.Duration) error
	// GetNode returns "" with a nil error when no record exists.
	GetNode(ctx context.Context, username string) (string, error)
	// Remove deletes the record only while it still names nodeID.
	Remove(ctx context.Context, username, nodeID string) error
	Users(ctx context.Context) ([]string, error)
}

var errUsernameRequired = errors.New("username is required")

type presenceRecord struct {
	nodeID    string
	expiresAt time.Time
}

// InMemoryPresence stores presence records in a map. It is used for single-node
// deployments and tests; expired records are dropped lazily on access.
type InMemoryPresence struct {
	mu      sync.RWMutex
	records map[string]presenceRecord
	nowFn   func() time.Time
}

// NewInMemoryPresence builds an empty presence directory.
func NewInMemoryPresence() *InMemoryPresence {
	return &InMemoryPresence{
		records: make(map[string]presenceRecord),
		nowFn:   time.Now,
	}
}

// Set records username as hosted by nodeID until ttl elapses. A non-positive ttl never expires.
func (p *InMemoryPresence) Set(_ context.Context, username, nodeID string, ttl time.Duration) error {
	if username == "" {
		return errUsernameRequired
	}
	if nodeID == "" {
		return errors.New("node id is required")
	}
	rec := presenceRecord{nodeID: nodeID}
	if ttl > 0 {
		rec.expiresAt = p.nowFn().Add(ttl)
	}

	p.mu.Lock()
	p.records[username] = rec
	p.mu.Unlock()
	return nil
}

// GetNode returns the hosting node, or "" when unknown or expired.
func (p *InMemoryPresence) GetNode(_ context.Context, username string) (string, error) {
	p.mu.RLock()
	rec, ok := p.records[username]
	p.mu.RUnlock()
	if !ok {
		return "", nil
	}
	if p.expired(rec) {
		p.mu.Lock()
		if cur, ok := p.records[username]; ok && p.expired(cur) {
			delete(p.records, username)
		}
		p.mu.Unlock()
		return "", nil
	}
	return rec.nodeID, nil
}

// Remove deletes the record if it still names nodeID.
func (p *InMemoryPresence) Remove(_ context.Context, username, nodeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.records[username]; ok && rec.nodeID == nodeID {
		delete(p.records, username)
	}
	return nil
}

// Users lists every user with a live record.
func (p *InMemoryPresence) Users(_ context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.records))
	for user, rec := range p.records {
		if p.expired(rec) {
			continue
		}
		out = append(out, user)
	}
	sort.Strings(out)
	return out, nil
}

func (p *InMemoryPresence) expired(rec presenceRecord) bool {
	return !rec.expiresAt.IsZero() && !p.nowFn().Before(rec.expiresAt)
}

var _ PresenceStore = (*InMemoryPresence)(nil)
