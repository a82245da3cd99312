package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/wilsongn/Whatslike-sub000/internal/mesh"
	"github.com/wilsongn/Whatslike-sub000/internal/offline"
	"github.com/wilsongn/Whatslike-sub000/internal/protocol"
	"github.com/wilsongn/Whatslike-sub000/internal/registry"
	"go.uber.org/zap"
)

const presenceRemoveTimeout = 5 * time.Second

// Tier names where a private message ended up.
type Tier string

const (
	TierLocal   Tier = "local"
	TierRemote  Tier = "remote"
	TierOffline Tier = "offline"
	// TierDropped means presence pointed at this node but no local connection exists.
	TierDropped Tier = "dropped"
)

// Session is the table's view of a client connection.
type Session interface {
	ID() string
	// Username is empty until the session authenticates.
	Username() string
	// Enqueue hands an encoded envelope to the session's writer. It never blocks.
	Enqueue(frame []byte) bool
	Close(reason string)
}

// TableOptions wires the external collaborators the table routes through.
type TableOptions struct {
	NodeID         string
	Presence       registry.PresenceStore
	Groups         registry.GroupStore
	Bus            mesh.Bus
	Offline        offline.Sink
	PresenceTTL    time.Duration
	MaxConnections int
	Metrics        *relayMetrics
	Log            *zap.Logger
}

// Table indexes this node's live sessions by connection id and username and
// decides, per message, between local, remote and offline delivery.
type Table struct {
	nodeID      string
	log         *zap.Logger
	byID        *shardedIndex[Session]
	byUser      *shardedIndex[Session]
	presence    registry.PresenceStore
	groups      registry.GroupStore
	bus         mesh.Bus
	offline     offline.Sink
	presenceTTL time.Duration
	metrics     *relayMetrics
	now         func() time.Time
}

func NewTable(opts TableOptions) (*Table, error) {
	switch {
	case opts.NodeID == "":
		return nil, errors.New("node id is required")
	case opts.Presence == nil:
		return nil, errors.New("presence store is required")
	case opts.Groups == nil:
		return nil, errors.New("group store is required")
	case opts.Bus == nil:
		return nil, errors.New("node bus is required")
	case opts.Offline == nil:
		return nil, errors.New("offline sink is required")
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	ttl := opts.PresenceTTL
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Table{
		nodeID:      opts.NodeID,
		log:         log,
		byID:        newShardedIndex[Session](opts.MaxConnections),
		byUser:      newShardedIndex[Session](0),
		presence:    opts.Presence,
		groups:      opts.Groups,
		bus:         opts.Bus,
		offline:     opts.Offline,
		presenceTTL: ttl,
		metrics:     opts.Metrics,
		now:         time.Now,
	}, nil
}

func (t *Table) NodeID() string { return t.nodeID }

// Register indexes a freshly accepted session by id.
func (t *Table) Register(s Session) error {
	if err := t.byID.add(s.ID(), s); err != nil {
		t.metrics.recordRejected()
		return err
	}
	t.metrics.incConnection()
	return nil
}

// Unregister drops s from both indexes. Presence is removed only when s was
// still the session bound to its username, so a superseding session keeps it.
func (t *Table) Unregister(s Session) {
	if !t.byID.removeIf(s.ID(), s) {
		return
	}
	t.metrics.decConnection()

	user := s.Username()
	if user == "" || !t.byUser.removeIf(user, s) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceRemoveTimeout)
	defer cancel()
	if err := t.presence.Remove(ctx, user, t.nodeID); err != nil {
		t.log.Warn("remove presence", zap.String("username", user), zap.Error(err))
	}
}

// OnAuth binds s to its username, closing any older local session for the same
// user, and publishes presence for this node.
func (t *Table) OnAuth(ctx context.Context, s Session) error {
	user := s.Username()
	if user == "" {
		return errors.New("session is not authenticated")
	}
	if prev, ok := t.byUser.swap(user, s); ok && prev != s {
		t.log.Info("session superseded", zap.String("username", user), zap.String("conn_id", prev.ID()))
		prev.Close(reasonSuperseded)
	}
	if err := t.presence.Set(ctx, user, t.nodeID, t.presenceTTL); err != nil {
		return fmt.Errorf("set presence for %s: %w", user, err)
	}
	return nil
}

// RenewPresence refreshes the TTL for a user bound on this node.
func (t *Table) RenewPresence(ctx context.Context, user string) error {
	if _, ok := t.byUser.get(user); !ok {
		return nil
	}
	if err := t.presence.Set(ctx, user, t.nodeID, t.presenceTTL); err != nil {
		return fmt.Errorf("renew presence for %s: %w", user, err)
	}
	return nil
}

// CreateGroup creates name with creator as its first member.
func (t *Table) CreateGroup(ctx context.Context, name, creator string) error {
	if err := t.groups.Create(ctx, name); err != nil {
		return err
	}
	if err := t.groups.Add(ctx, name, creator); err != nil && !errors.Is(err, registry.ErrAlreadyMember) {
		return fmt.Errorf("add creator to %s: %w", name, err)
	}
	return nil
}

func (t *Table) AddToGroup(ctx context.Context, name, user string) error {
	return t.groups.Add(ctx, name, user)
}

func (t *Table) GroupExists(ctx context.Context, name string) (bool, error) {
	return t.groups.Exists(ctx, name)
}

// Lookup returns the local session bound to user.
func (t *Table) Lookup(user string) (Session, bool) {
	return t.byUser.get(user)
}

// Len reports how many sessions are registered.
func (t *Table) Len() int {
	return t.byID.len()
}

// Users merges local usernames with those the presence directory knows about.
func (t *Table) Users(ctx context.Context) []string {
	seen := make(map[string]struct{})
	for user := range t.byUser.snapshot() {
		seen[user] = struct{}{}
	}
	remote, err := t.presence.Users(ctx)
	if err != nil {
		t.log.Warn("list presence users", zap.Error(err))
	}
	for _, user := range remote {
		seen[user] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for user := range seen {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

// CloseAll closes every registered session with reason.
func (t *Table) CloseAll(reason string) {
	for _, s := range t.byID.snapshot() {
		s.Close(reason)
	}
}

// DeliverPrivate routes env to env.To: a local session first, then the node
// presence names, then the offline sink. An offline hand-off is acknowledged to
// the sender when the sender is connected here.
func (t *Table) DeliverPrivate(ctx context.Context, env protocol.Envelope) (Tier, error) {
	data, err := protocol.Marshal(env)
	if err != nil {
		return "", err
	}
	if s, ok := t.byUser.get(env.To); ok {
		t.enqueue(s, data)
		t.metrics.recordDelivery(TierLocal)
		return TierLocal, nil
	}

	node, err := t.presence.GetNode(ctx, env.To)
	if err != nil {
		return "", fmt.Errorf("lookup presence for %s: %w", env.To, err)
	}

	switch node {
	case t.nodeID:
		t.log.Debug("presence names this node but recipient is not connected", zap.String("username", env.To))
		t.metrics.recordDelivery(TierDropped)
		return TierDropped, nil
	case "":
		evt := offline.NewEvent(env.From, env.To, string(data), t.now())
		if err := t.offline.Publish(ctx, evt); err != nil {
			return "", fmt.Errorf("queue offline message for %s: %w", env.To, err)
		}
		if sender, ok := t.byUser.get(env.From); ok {
			t.sendEnvelope(sender, protocol.NewAck(env.From, evt.ID, protocol.NoteQueuedOffline))
		}
		t.metrics.recordDelivery(TierOffline)
		return TierOffline, nil
	default:
		if err := t.publish(ctx, node, env, nil); err != nil {
			return "", err
		}
		t.metrics.recordDelivery(TierRemote)
		return TierRemote, nil
	}
}

// GroupResult summarizes one group fan-out.
type GroupResult struct {
	Local int
	// Remote counts targets per node that received one bus publish each.
	Remote  map[string]int
	Skipped int
}

// DeliverGroup fans env out to every member of group except the sender. Members
// hosted elsewhere are batched into a single bus publish per node; members with
// no presence are skipped.
func (t *Table) DeliverGroup(ctx context.Context, group string, env protocol.Envelope) (GroupResult, error) {
	res := GroupResult{Remote: make(map[string]int)}
	exists, err := t.groups.Exists(ctx, group)
	if err != nil {
		return res, fmt.Errorf("check group %s: %w", group, err)
	}
	if !exists {
		return res, registry.ErrGroupNotFound
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		return res, err
	}

	remote := make(map[string][]string)
	for member, err := range t.groups.Members(ctx, group) {
		if err != nil {
			return res, fmt.Errorf("list members of %s: %w", group, err)
		}
		if member == env.From {
			continue
		}
		if s, ok := t.byUser.get(member); ok {
			t.enqueue(s, data)
			res.Local++
			continue
		}
		node, err := t.presence.GetNode(ctx, member)
		if err != nil {
			t.log.Warn("group member presence lookup", zap.String("group", group), zap.String("username", member), zap.Error(err))
			res.Skipped++
			continue
		}
		if node == "" || node == t.nodeID {
			res.Skipped++
			continue
		}
		remote[node] = append(remote[node], member)
	}

	nodes := make([]string, 0, len(remote))
	for node := range remote {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		targets := remote[node]
		if err := t.publish(ctx, node, env, targets); err != nil {
			t.log.Warn("group fan-out publish", zap.String("group", group), zap.String("node", node), zap.Error(err))
			res.Skipped += len(targets)
			continue
		}
		res.Remote[node] = len(targets)
	}
	for range res.Local {
		t.metrics.recordDelivery(TierLocal)
	}
	for range res.Remote {
		t.metrics.recordDelivery(TierRemote)
	}
	return res, nil
}

// DeliverFromBus handles a routed envelope published to this node. It only
// delivers to sessions connected here; misses are dropped.
func (t *Table) DeliverFromBus(_ context.Context, payload []byte) {
	var routed protocol.RoutedEnvelope
	if err := json.Unmarshal(payload, &routed); err != nil {
		t.log.Warn("decode routed envelope", zap.Error(err))
		return
	}
	if routed.TargetNode != "" && routed.TargetNode != t.nodeID {
		t.log.Warn("routed envelope for another node", zap.String("target_node", routed.TargetNode))
		return
	}
	env, err := routed.Envelope()
	if err != nil {
		t.log.Warn("decode routed inner envelope", zap.String("origin_node", routed.OriginNode), zap.Error(err))
		return
	}
	data := []byte(routed.EnvelopeJSON)

	targets := routed.Targets
	if len(targets) == 0 {
		targets = []string{env.To}
	}
	for _, user := range slices.Compact(slices.Sorted(slices.Values(targets))) {
		s, ok := t.byUser.get(user)
		if !ok {
			t.log.Debug("routed recipient not connected", zap.String("username", user), zap.String("origin_node", routed.OriginNode))
			t.metrics.recordDelivery(TierDropped)
			continue
		}
		t.enqueue(s, data)
		t.metrics.recordDelivery(TierLocal)
	}
}

func (t *Table) publish(ctx context.Context, node string, env protocol.Envelope, targets []string) error {
	routed, err := protocol.NewRoutedEnvelope(t.nodeID, node, env, targets)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(routed)
	if err != nil {
		return fmt.Errorf("marshal routed envelope: %w", err)
	}
	if err := t.bus.Publish(ctx, node, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", node, err)
	}
	return nil
}

func (t *Table) enqueue(s Session, data []byte) {
	if !s.Enqueue(data) {
		t.log.Debug("enqueue on closed session", zap.String("conn_id", s.ID()))
	}
}

func (t *Table) sendEnvelope(s Session, env protocol.Envelope) {
	data, err := protocol.Marshal(env)
	if err != nil {
		t.log.Error("marshal envelope", zap.Stringer("type", env.Type), zap.Error(err))
		return
	}
	t.enqueue(s, data)
}
