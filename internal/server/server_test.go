package server

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wilsongn/Whatslike-sub000/internal/auth"
	"github.com/wilsongn/Whatslike-sub000/internal/config"
	"github.com/wilsongn/Whatslike-sub000/internal/mesh"
	"github.com/wilsongn/Whatslike-sub000/internal/offline"
	"github.com/wilsongn/Whatslike-sub000/internal/protocol"
	"github.com/wilsongn/Whatslike-sub000/internal/registry"
	"go.uber.org/zap/zaptest"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// cluster shares presence, groups and a bus hub between test nodes.
type cluster struct {
	presence *registry.InMemoryPresence
	groups   *registry.InMemoryGroups
	hub      *mesh.MemoryHub
	sink     *offline.MemorySink
}

func newCluster() *cluster {
	return &cluster{
		presence: registry.NewInMemoryPresence(),
		groups:   registry.NewInMemoryGroups(0),
		hub:      mesh.NewMemoryHub(),
		sink:     offline.NewMemorySink(),
	}
}

type testNode struct {
	srv    *NodeServer
	addr   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func testConfig(nodeID string) config.Config {
	return config.Config{
		NodeID:              nodeID,
		ListenAddress:       "127.0.0.1:0",
		ShutdownGracePeriod: time.Second,
		Connection: config.ConnectionConfig{
			AuthTimeout:       2 * time.Second,
			IdleTimeout:       10 * time.Second,
			SuperviseInterval: 20 * time.Millisecond,
			WriteTimeout:      time.Second,
			SendQueueSize:     100,
			MaxFrameBytes:     1 << 20,
		},
		Presence: config.PresenceConfig{TTL: time.Minute},
	}
}

func (cl *cluster) start(t *testing.T, nodeID string, mutate ...func(*config.Config, *Dependencies)) *testNode {
	t.Helper()
	cfg := testConfig(nodeID)
	deps := Dependencies{
		Presence: cl.presence,
		Groups:   cl.groups,
		Bus:      cl.hub.Bus(nodeID, nil),
		Offline:  cl.sink,
		Registry: prometheus.NewRegistry(),
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	srv, err := NewNodeServer(cfg, zaptest.NewLogger(t), deps)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &testNode{srv: srv, addr: srv.Addr().String(), cancel: cancel, done: make(chan struct{})}
	go func() {
		n.err = srv.Serve(ctx)
		close(n.done)
	}()
	t.Cleanup(n.stop)
	return n
}

func (n *testNode) stop() {
	n.cancel()
	select {
	case <-n.done:
	case <-time.After(5 * time.Second):
	}
}

type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(typ protocol.MessageType, to string, msg any) {
	c.t.Helper()
	env, err := protocol.NewEnvelope(typ, "", to, msg)
	if err != nil {
		c.t.Fatalf("build envelope: %v", err)
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if err := protocol.WriteFrame(c.conn, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) recv() protocol.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	frame, err := protocol.ReadFrame(c.conn, 0)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	env, err := protocol.Unmarshal(frame)
	if err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	return env
}

func (c *testClient) expect(typ protocol.MessageType) protocol.Envelope {
	c.t.Helper()
	env := c.recv()
	if env.Type != typ {
		c.t.Fatalf("expected %s, got %s (%s)", typ, env.Type, env.Payload)
	}
	return env
}

func (c *testClient) expectError(code string) {
	c.t.Helper()
	env := c.expect(protocol.TypeError)
	var msg protocol.ErrorMessage
	if err := env.DecodePayload(&msg); err != nil {
		c.t.Fatalf("decode error payload: %v", err)
	}
	if msg.Code != code {
		c.t.Fatalf("expected error code %s, got %s (%s)", code, msg.Code, msg.Message)
	}
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, err := protocol.ReadFrame(c.conn, 0)
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.t.Fatal("connection was not closed by the server")
		}
		return
	}
}

func (c *testClient) login(user string) {
	c.t.Helper()
	c.send(protocol.TypeAuth, "", protocol.AuthRequest{Username: user})
	env := c.expect(protocol.TypeAck)
	var ack protocol.AckMessage
	if err := env.DecodePayload(&ack); err != nil {
		c.t.Fatalf("decode ack: %v", err)
	}
	if ack.CorrelationID != user || ack.Note != protocol.NoteAuthenticated {
		c.t.Fatalf("unexpected auth ack %+v", ack)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLocalPrivateDelivery(t *testing.T) {
	cl := newCluster()
	node := cl.start(t, "node-a")

	alice := dial(t, node.addr)
	bob := dial(t, node.addr)
	alice.login("alice")
	bob.login("bob")

	alice.send(protocol.TypePrivateMsg, "bob", protocol.PrivateMessage{To: "bob", Text: "hi bob"})
	env := bob.expect(protocol.TypePrivateMsg)
	if env.From != "alice" {
		t.Fatalf("expected from alice, got %q", env.From)
	}
	var msg protocol.PrivateMessage
	if err := env.DecodePayload(&msg); err != nil || msg.Text != "hi bob" {
		t.Fatalf("unexpected payload %q: %v", env.Payload, err)
	}
	if n := len(cl.sink.Events()); n != 0 {
		t.Fatalf("expected no offline writes, got %d", n)
	}
}

func TestSenderIdentityIsStamped(t *testing.T) {
	cl := newCluster()
	node := cl.start(t, "node-a")

	alice := dial(t, node.addr)
	bob := dial(t, node.addr)
	alice.login("alice")
	bob.login("bob")

	env, _ := protocol.NewEnvelope(protocol.TypePrivateMsg, "mallory", "bob", protocol.PrivateMessage{To: "bob", Text: "spoof"})
	data, _ := protocol.Marshal(env)
	if err := protocol.WriteFrame(alice.conn, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := bob.expect(protocol.TypePrivateMsg).From; got != "alice" {
		t.Fatalf("expected from to be stamped alice, got %q", got)
	}
}

func TestOfflineFallbackAcksSender(t *testing.T) {
	cl := newCluster()
	node := cl.start(t, "node-a")

	alice := dial(t, node.addr)
	alice.login("alice")
	alice.send(protocol.TypePrivateMsg, "dave", protocol.PrivateMessage{To: "dave", Text: "when you're back"})

	env := alice.expect(protocol.TypeAck)
	var ack protocol.AckMessage
	if err := env.DecodePayload(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	events := cl.sink.Events()
	if len(events) != 1 {
		t.Fatalf("expected exactly one offline write, got %d", len(events))
	}
	if ack.CorrelationID != events[0].ID || ack.Note != protocol.NoteQueuedOffline {
		t.Fatalf("unexpected ack %+v for event %s", ack, events[0].ID)
	}
	if events[0].Recipient != "dave" || events[0].Sender != "alice" {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestCrossNodePrivateAndGroupDelivery(t *testing.T) {
	cl := newCluster()
	nodeA := cl.start(t, "node-a")
	nodeB := cl.start(t, "node-b")

	alice := dial(t, nodeA.addr)
	bob := dial(t, nodeB.addr)
	carol := dial(t, nodeB.addr)
	alice.login("alice")
	bob.login("bob")
	carol.login("carol")

	alice.send(protocol.TypePrivateMsg, "bob", protocol.PrivateMessage{To: "bob", Text: "across nodes"})
	if got := bob.expect(protocol.TypePrivateMsg).From; got != "alice" {
		t.Fatalf("expected from alice, got %q", got)
	}

	alice.send(protocol.TypeCreateGroup, "", protocol.CreateGroupRequest{Name: "team"})
	alice.expect(protocol.TypeAck)
	alice.send(protocol.TypeAddToGroup, "", protocol.AddToGroupRequest{Name: "team", Username: "bob"})
	alice.expect(protocol.TypeAck)
	alice.send(protocol.TypeAddToGroup, "", protocol.AddToGroupRequest{Name: "team", Username: "carol"})
	alice.expect(protocol.TypeAck)
	alice.send(protocol.TypeAddToGroup, "", protocol.AddToGroupRequest{Name: "team", Username: "carol"})
	alice.expectError(protocol.CodeConflict)

	alice.send(protocol.TypeGroupMsg, "", protocol.GroupMessage{Group: "team", Text: "standup"})
	for _, c := range []*testClient{bob, carol} {
		env := c.expect(protocol.TypeGroupMsg)
		if env.From != "alice" || env.To != "team" {
			t.Fatalf("unexpected group envelope %+v", env)
		}
	}

	alice.send(protocol.TypeGroupMsg, "", protocol.GroupMessage{Group: "nope", Text: "?"})
	alice.expectError(protocol.CodeNotFound)
}

func TestFileChunkRoutesByTarget(t *testing.T) {
	cl := newCluster()
	node := cl.start(t, "node-a")

	alice := dial(t, node.addr)
	bob := dial(t, node.addr)
	alice.login("alice")
	bob.login("bob")

	alice.send(protocol.TypeFileChunk, "bob", protocol.FileChunk{ID: "f1", Index: 0, Count: 1, Data: []byte("abc")})
	env := bob.expect(protocol.TypeFileChunk)
	var chunk protocol.FileChunk
	if err := env.DecodePayload(&chunk); err != nil || string(chunk.Data) != "abc" {
		t.Fatalf("unexpected chunk %q: %v", env.Payload, err)
	}

	alice.send(protocol.TypeCreateGroup, "", protocol.CreateGroupRequest{Name: "files"})
	alice.expect(protocol.TypeAck)
	alice.send(protocol.TypeAddToGroup, "", protocol.AddToGroupRequest{Name: "files", Username: "bob"})
	alice.expect(protocol.TypeAck)
	alice.send(protocol.TypeFileChunk, "files", protocol.FileChunk{ID: "f2", Index: 0, Count: 1, Data: []byte("xyz")})
	if got := bob.expect(protocol.TypeFileChunk).To; got != "files" {
		t.Fatalf("expected group-addressed chunk, got to=%q", got)
	}
}

func TestProtocolErrors(t *testing.T) {
	cl := newCluster()
	node := cl.start(t, "node-a")

	c := dial(t, node.addr)
	c.send(protocol.TypePing, "", nil)
	c.expectError(protocol.CodeUnauthenticated)

	c.login("alice")
	c.send(protocol.TypeAuth, "", protocol.AuthRequest{Username: "alice"})
	c.expectError(protocol.CodeBadRequest)
	c.send(protocol.TypeAck, "", protocol.AckMessage{CorrelationID: "x"})
	c.expectError(protocol.CodeUnsupported)
	c.send(protocol.TypePrivateMsg, "", protocol.PrivateMessage{Text: "to nobody"})
	c.expectError(protocol.CodeBadRequest)
	c.send(protocol.TypeCreateGroup, "", protocol.CreateGroupRequest{})
	c.expectError(protocol.CodeBadRequest)
}

func TestMalformedAuthClosesConnection(t *testing.T) {
	cl := newCluster()
	node := cl.start(t, "node-a")

	c := dial(t, node.addr)
	c.send(protocol.TypeAuth, "", protocol.AuthRequest{})
	c.expectError(protocol.CodeBadRequest)
	c.expectClosed()
}

func TestRejectedCredentialsCloseConnection(t *testing.T) {
	cl := newCluster()
	node := cl.start(t, "node-a", func(_ *config.Config, d *Dependencies) {
		d.Auth = auth.NewJWT([]byte("secret"))
	})

	c := dial(t, node.addr)
	c.send(protocol.TypeAuth, "", protocol.AuthRequest{Username: "alice", Password: "not-a-token"})
	c.expectError(protocol.CodeUnauthorized)
	c.expectClosed()
	if node, _ := cl.presence.GetNode(context.Background(), "alice"); node != "" {
		t.Fatalf("rejected user must not have presence, got %q", node)
	}
}

func TestNegativeFrameLengthBreaksConnection(t *testing.T) {
	cl := newCluster()
	node := cl.start(t, "node-a")

	c := dial(t, node.addr)
	c.login("alice")
	var header [protocol.HeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], 0xFFFFFFFF)
	if _, err := c.conn.Write(header[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}
	c.expectClosed()
	waitFor(t, "table to drain", func() bool { return node.srv.Table().Len() == 0 })
}

func TestAuthTimeoutClosesWithoutIndexing(t *testing.T) {
	cl := newCluster()
	node := cl.start(t, "node-a", func(cfg *config.Config, _ *Dependencies) {
		cfg.Connection.AuthTimeout = 100 * time.Millisecond
	})

	c := dial(t, node.addr)
	waitFor(t, "connection registered", func() bool { return node.srv.Table().Len() == 1 })
	c.expectClosed()
	waitFor(t, "table to drain", func() bool { return node.srv.Table().Len() == 0 })
	if users := node.srv.Table().Users(context.Background()); len(users) != 0 {
		t.Fatalf("expected no users, got %v", users)
	}
}

func TestIdleTimeoutRemovesPresence(t *testing.T) {
	cl := newCluster()
	node := cl.start(t, "node-a", func(cfg *config.Config, _ *Dependencies) {
		cfg.Connection.IdleTimeout = 150 * time.Millisecond
	})

	c := dial(t, node.addr)
	c.login("alice")
	if got, _ := cl.presence.GetNode(context.Background(), "alice"); got != "node-a" {
		t.Fatalf("expected presence on node-a, got %q", got)
	}
	c.expectClosed()
	waitFor(t, "presence removal", func() bool {
		got, _ := cl.presence.GetNode(context.Background(), "alice")
		return got == ""
	})
}

func TestPingKeepsConnectionAlive(t *testing.T) {
	cl := newCluster()
	node := cl.start(t, "node-a", func(cfg *config.Config, _ *Dependencies) {
		cfg.Connection.IdleTimeout = 300 * time.Millisecond
	})

	c := dial(t, node.addr)
	c.login("alice")
	for range 5 {
		time.Sleep(100 * time.Millisecond)
		c.send(protocol.TypePing, "", nil)
		c.expect(protocol.TypePong)
	}
	if got, _ := cl.presence.GetNode(context.Background(), "alice"); got != "node-a" {
		t.Fatalf("expected presence kept alive, got %q", got)
	}
}

func TestSecondLoginSupersedesFirst(t *testing.T) {
	cl := newCluster()
	node := cl.start(t, "node-a")

	first := dial(t, node.addr)
	first.login("alice")
	second := dial(t, node.addr)
	second.login("alice")

	first.expectClosed()
	bob := dial(t, node.addr)
	bob.login("bob")
	bob.send(protocol.TypePrivateMsg, "alice", protocol.PrivateMessage{To: "alice", Text: "which one?"})
	second.expect(protocol.TypePrivateMsg)
	if got, _ := cl.presence.GetNode(context.Background(), "alice"); got != "node-a" {
		t.Fatalf("superseded session must not remove presence, got %q", got)
	}
}

func TestListUsers(t *testing.T) {
	cl := newCluster()
	nodeA := cl.start(t, "node-a")
	nodeB := cl.start(t, "node-b")

	alice := dial(t, nodeA.addr)
	bob := dial(t, nodeB.addr)
	alice.login("alice")
	bob.login("bob")

	alice.send(protocol.TypeListUsers, "", protocol.ListUsersRequest{})
	env := alice.expect(protocol.TypeListUsers)
	var resp protocol.ListUsersResponse
	if err := env.DecodePayload(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Users) != 2 || resp.Users[0] != "alice" || resp.Users[1] != "bob" {
		t.Fatalf("unexpected users %v", resp.Users)
	}
}

func TestRateLimit(t *testing.T) {
	cl := newCluster()
	node := cl.start(t, "node-a", func(cfg *config.Config, _ *Dependencies) {
		cfg.RateLimit = config.RateLimitConfig{MessagesPerSecond: 0.001, Burst: 1}
	})

	c := dial(t, node.addr)
	c.login("alice")
	c.send(protocol.TypeListUsers, "", protocol.ListUsersRequest{})
	c.expect(protocol.TypeListUsers)
	c.send(protocol.TypeListUsers, "", protocol.ListUsersRequest{})
	c.expectError(protocol.CodeRateLimited)
}

func TestMaxConnectionsRejectsExcess(t *testing.T) {
	cl := newCluster()
	node := cl.start(t, "node-a", func(cfg *config.Config, _ *Dependencies) {
		cfg.Connection.MaxConnections = 1
	})

	first := dial(t, node.addr)
	first.login("alice")
	second := dial(t, node.addr)
	second.expectClosed()
	first.send(protocol.TypePing, "", nil)
	first.expect(protocol.TypePong)
}

func TestShutdownClosesConnectionsAndHealth(t *testing.T) {
	cl := newCluster()
	node := cl.start(t, "node-a")

	c := dial(t, node.addr)
	c.login("alice")

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := node.srv.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
		if err != nil {
			t.Fatalf("health check: %v", err)
		}
		return resp.Status
	}
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %s", got)
	}

	node.stop()
	c.expectClosed()
	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING after shutdown, got %s", got)
	}
	if got, _ := cl.presence.GetNode(context.Background(), "alice"); got != "" {
		t.Fatalf("expected presence cleared on shutdown, got %q", got)
	}
	if _, err := net.DialTimeout("tcp", node.addr, 200*time.Millisecond); err == nil {
		t.Fatal("listener should be closed")
	}
}
