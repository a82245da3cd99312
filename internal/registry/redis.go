package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "relay:"

// RedisConfig wires a Redis-backed directory.
type RedisConfig struct {
	Client    redis.UniversalClient
	KeyPrefix string
}

// RedisPresence keeps presence records as plain string keys with a TTL so every
// node sees the same directory.
type RedisPresence struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisPresence builds a presence directory on top of an existing client.
func NewRedisPresence(cfg RedisConfig) (*RedisPresence, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisPresence{client: cfg.Client, keyPrefix: prefix}, nil
}

func (p *RedisPresence) key(username string) string { return p.keyPrefix + "presence:" + username }

// Set writes username -> nodeID with the given TTL (SET EX).
func (p *RedisPresence) Set(ctx context.Context, username, nodeID string, ttl time.Duration) error {
	if username == "" {
		return errUsernameRequired
	}
	if err := p.client.Set(ctx, p.key(username), nodeID, ttl).Err(); err != nil {
		return fmt.Errorf("set presence %s: %w", username, err)
	}
	return nil
}

// GetNode returns "" when the key is missing or expired.
func (p *RedisPresence) GetNode(ctx context.Context, username string) (string, error) {
	node, err := p.client.Get(ctx, p.key(username)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("get presence %s: %w", username, err)
	}
	return node, nil
}

var removeIfOwnerScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Remove deletes the record atomically, but only while it still names nodeID.
func (p *RedisPresence) Remove(ctx context.Context, username, nodeID string) error {
	if err := removeIfOwnerScript.Run(ctx, p.client, []string{p.key(username)}, nodeID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("remove presence %s: %w", username, err)
	}
	return nil
}

// Users scans the presence keyspace. SCAN is used so large directories never block Redis.
func (p *RedisPresence) Users(ctx context.Context) ([]string, error) {
	prefix := p.key("")
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := p.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(out)
	return out, nil
}

// RedisGroups stores an existence marker per group plus a member SET.
type RedisGroups struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisGroups builds a group directory on top of an existing client.
func NewRedisGroups(cfg RedisConfig) (*RedisGroups, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisGroups{client: cfg.Client, keyPrefix: prefix}, nil
}

func (g *RedisGroups) groupKey(name string) string   { return g.keyPrefix + "group:" + name }
func (g *RedisGroups) membersKey(name string) string { return g.keyPrefix + "members:" + name }

// Create sets the existence marker with SETNX so concurrent creators race safely.
func (g *RedisGroups) Create(ctx context.Context, name string) error {
	if name == "" {
		return errGroupRequired
	}
	ok, err := g.client.SetNX(ctx, g.groupKey(name), "1", 0).Result()
	if err != nil {
		return fmt.Errorf("create group %s: %w", name, err)
	}
	if !ok {
		return ErrGroupExists
	}
	return nil
}

// Exists checks the marker independently of membership.
func (g *RedisGroups) Exists(ctx context.Context, name string) (bool, error) {
	n, err := g.client.Exists(ctx, g.groupKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("group exists %s: %w", name, err)
	}
	return n == 1, nil
}

// Add appends username to the member SET.
func (g *RedisGroups) Add(ctx context.Context, name, username string) error {
	if name == "" {
		return errGroupRequired
	}
	if username == "" {
		return errUsernameRequired
	}
	exists, err := g.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrGroupNotFound
	}
	added, err := g.client.SAdd(ctx, g.membersKey(name), username).Result()
	if err != nil {
		return fmt.Errorf("add %s to group %s: %w", username, name, err)
	}
	if added == 0 {
		return ErrAlreadyMember
	}
	return nil
}

// Members walks the member SET with SSCAN; SSCAN may repeat an element, so
// callers must tolerate duplicates.
func (g *RedisGroups) Members(ctx context.Context, name string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		exists, err := g.Exists(ctx, name)
		if err != nil {
			yield("", err)
			return
		}
		if !exists {
			yield("", ErrGroupNotFound)
			return
		}
		it := g.client.SScan(ctx, g.membersKey(name), 0, "", 100).Iterator()
		for it.Next(ctx) {
			if !yield(it.Val(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield("", fmt.Errorf("scan group %s: %w", name, err))
		}
	}
}

var (
	_ PresenceStore = (*RedisPresence)(nil)
	_ GroupStore    = (*RedisGroups)(nil)
)
