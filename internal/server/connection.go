package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wilsongn/Whatslike-sub000/internal/auth"
	"github.com/wilsongn/Whatslike-sub000/internal/protocol"
	"github.com/wilsongn/Whatslike-sub000/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateActive
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons.
const (
	reasonPeerClosed    = "peer closed"
	reasonReadError     = "read error"
	reasonWriteError    = "write error"
	reasonProtocolError = "protocol error"
	reasonAuthTimeout   = "auth timeout"
	reasonIdleTimeout   = "idle timeout"
	reasonSuperseded    = "superseded"
	reasonShutdown      = "shutdown"
)

// ConnectionOptions bounds one client connection.
type ConnectionOptions struct {
	AuthTimeout       time.Duration
	IdleTimeout       time.Duration
	SuperviseInterval time.Duration
	WriteTimeout      time.Duration
	SendQueueSize     int
	MaxFrameBytes     int
	// RateLimit is inbound envelopes per second after auth; zero disables limiting.
	RateLimit rate.Limit
	RateBurst int
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.SuperviseInterval <= 0 {
		o.SuperviseInterval = 5 * time.Second
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 100
	}
	if o.RateLimit > 0 && o.RateBurst <= 0 {
		o.RateBurst = int(o.RateLimit) + 1
	}
	return o
}

type outbound struct {
	data []byte
	// closeReason, when set, closes the connection after data is written.
	closeReason string
}

// Connection is one authenticated-or-authenticating client socket. Four
// goroutines share its context: the read loop (sole writer of lastActivity),
// the write loop (sole socket writer), the auth watchdog and the idle supervisor.
type Connection struct {
	id     string
	conn   net.Conn
	remote string
	opts   ConnectionOptions

	table   *Table
	authn   auth.Authenticator
	limiter *rate.Limiter
	metrics *relayMetrics
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state        atomic.Int32
	closing      atomic.Bool
	user         atomic.Pointer[string]
	lastActivity atomic.Int64
	authed       chan struct{}

	sendMu  sync.Mutex
	queue   chan outbound
	evicted atomic.Int64

	closeReason string
	done        chan struct{}
}

func newConnection(parent context.Context, conn net.Conn, table *Table, authn auth.Authenticator, opts ConnectionOptions, metrics *relayMetrics, log *zap.Logger) *Connection {
	opts = opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if authn == nil {
		authn = auth.AllowAll{}
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		id:      uuid.NewString(),
		conn:    conn,
		remote:  conn.RemoteAddr().String(),
		opts:    opts,
		table:   table,
		authn:   authn,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		authed:  make(chan struct{}),
		queue:   make(chan outbound, opts.SendQueueSize),
		done:    make(chan struct{}),
	}
	c.log = log.With(zap.String("conn_id", c.id), zap.String("remote_addr", c.remote))
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(opts.RateLimit, opts.RateBurst)
	}
	c.state.Store(int32(stateConnecting))
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Username() string {
	if u := c.user.Load(); u != nil {
		return *u
	}
	return ""
}

func (c *Connection) currentState() connState {
	return connState(c.state.Load())
}

// Done is closed once Close has finished.
func (c *Connection) Done() <-chan struct{} { return c.done }

// CloseReason is the reason passed to the first Close call; empty until Done.
func (c *Connection) CloseReason() string {
	select {
	case <-c.done:
		return c.closeReason
	default:
		return ""
	}
}

// Run drives the connection until it closes. The read loop runs on the
// calling goroutine.
func (c *Connection) Run() {
	c.state.CompareAndSwap(int32(stateConnecting), int32(stateAuthenticating))
	stop := context.AfterFunc(c.ctx, func() { c.Close(reasonShutdown) })
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.authWatchdog()
	}()
	go func() {
		defer wg.Done()
		c.idleSupervisor()
	}()

	c.Close(c.readLoop())
	wg.Wait()
	<-c.done
}

func (c *Connection) readLoop() string {
	r := bufio.NewReader(c.conn)
	for {
		frame, err := protocol.ReadFrame(r, c.opts.MaxFrameBytes)
		if err != nil {
			switch {
			case c.closing.Load():
				return ""
			case errors.Is(err, io.EOF):
				return reasonPeerClosed
			case errors.Is(err, protocol.ErrNegativeLength), errors.Is(err, protocol.ErrFrameTooLarge):
				c.log.Warn("protocol error", zap.Error(err))
				return reasonProtocolError
			default:
				c.log.Debug("read failed", zap.Error(err))
				return reasonReadError
			}
		}
		c.lastActivity.Store(time.Now().UnixNano())
		if fatal := c.handleFrame(frame); fatal {
			// The write loop closes the connection once the Error is flushed.
			<-c.ctx.Done()
			return ""
		}
		if c.closing.Load() {
			return ""
		}
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case item := <-c.queue:
			if c.opts.WriteTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			}
			if err := protocol.WriteFrame(c.conn, item.data); err != nil {
				if !c.closing.Load() {
					c.log.Warn("write failed", zap.Error(err))
				}
				c.Close(reasonWriteError)
				return
			}
			if item.closeReason != "" {
				c.Close(item.closeReason)
				return
			}
		}
	}
}

func (c *Connection) authWatchdog() {
	timer := time.NewTimer(c.opts.AuthTimeout)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
	case <-c.authed:
	case <-timer.C:
		if c.currentState() != stateActive {
			c.Close(reasonAuthTimeout)
		}
	}
}

func (c *Connection) idleSupervisor() {
	ticker := time.NewTicker(c.opts.SuperviseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			if c.currentState() != stateActive {
				continue
			}
			idle := now.Sub(time.Unix(0, c.lastActivity.Load()))
			if idle > c.opts.IdleTimeout {
				c.log.Info("idle timeout", zap.String("username", c.Username()), zap.Duration("idle", idle))
				c.Close(reasonIdleTimeout)
				return
			}
		}
	}
}

// Enqueue queues an encoded envelope for the write loop. A full queue drops its
// oldest frame to make room. It reports false once the connection is closing.
func (c *Connection) Enqueue(frame []byte) bool {
	return c.push(outbound{data: frame})
}

func (c *Connection) push(item outbound) bool {
	if c.closing.Load() {
		return false
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for {
		select {
		case c.queue <- item:
			return true
		default:
		}
		select {
		case <-c.queue:
			c.evicted.Add(1)
			c.metrics.recordEviction()
		default:
		}
	}
}

func (c *Connection) send(env protocol.Envelope) {
	c.sendWithClose(env, "")
}

func (c *Connection) sendWithClose(env protocol.Envelope, closeReason string) {
	data, err := protocol.Marshal(env)
	if err != nil {
		c.log.Error("marshal envelope", zap.Stringer("type", env.Type), zap.Error(err))
		return
	}
	c.push(outbound{data: data, closeReason: closeReason})
}

// Close tears the connection down exactly once.
func (c *Connection) Close(reason string) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	c.state.Store(int32(stateClosing))
	c.closeReason = reason
	c.cancel()
	_ = c.conn.Close()
	if c.table != nil {
		c.table.Unregister(c)
	}
	c.state.Store(int32(stateClosed))
	c.metrics.recordClose(reason)
	c.log.Info("connection closed",
		zap.String("username", c.Username()),
		zap.String("reason", reason),
		zap.Int64("evicted", c.evicted.Load()),
	)
	close(c.done)
}

// handleFrame reports whether the frame produced a fatal error.
func (c *Connection) handleFrame(frame []byte) bool {
	start := time.Now()
	env, err := protocol.Unmarshal(frame)
	if err != nil {
		if c.currentState() != stateActive {
			return c.reply(&routeError{code: protocol.CodeBadRequest, msg: "malformed auth", fatal: true})
		}
		return c.reply(badRequest("malformed envelope"))
	}

	op := env.Type.String()
	c.metrics.recordInbound(op)
	err = c.dispatch(env)
	c.metrics.observeLatency(op, time.Since(start))
	if err != nil {
		return c.reply(err)
	}
	return false
}

func (c *Connection) reply(err error) bool {
	var rerr *routeError
	if !errors.As(err, &rerr) {
		c.log.Warn("handler failed", zap.Error(err))
		rerr = unavailable("internal error")
	}
	c.metrics.recordError(rerr.code)
	reason := ""
	if rerr.fatal {
		reason = rerr.msg
	}
	c.sendWithClose(protocol.NewError(c.Username(), rerr.code, rerr.msg), reason)
	return rerr.fatal
}

func (c *Connection) dispatch(env protocol.Envelope) error {
	if c.currentState() != stateActive {
		if env.Type != protocol.TypeAuth {
			return &routeError{code: protocol.CodeUnauthenticated, msg: "authenticate first"}
		}
		return c.handleAuth(env)
	}

	user := c.Username()
	env = env.WithFrom(user)

	switch env.Type {
	case protocol.TypeAuth:
		return badRequest("already authenticated")
	case protocol.TypePing:
		return c.handlePing(env)
	}

	if c.limiter != nil && !c.limiter.Allow() {
		return &routeError{code: protocol.CodeRateLimited, msg: "rate limit exceeded"}
	}

	switch env.Type {
	case protocol.TypePrivateMsg:
		return c.handlePrivate(env)
	case protocol.TypeGroupMsg:
		return c.handleGroup(env)
	case protocol.TypeCreateGroup:
		return c.handleCreateGroup(env)
	case protocol.TypeAddToGroup:
		return c.handleAddToGroup(env)
	case protocol.TypeFileChunk:
		return c.handleFileChunk(env)
	case protocol.TypeListUsers:
		return c.handleListUsers()
	default:
		return &routeError{code: protocol.CodeUnsupported, msg: "unsupported message type " + env.Type.String()}
	}
}

func (c *Connection) handleAuth(env protocol.Envelope) error {
	var req protocol.AuthRequest
	if err := env.DecodePayload(&req); err != nil || strings.TrimSpace(req.Username) == "" {
		return &routeError{code: protocol.CodeBadRequest, msg: "malformed auth", fatal: true}
	}
	if err := c.authn.Authenticate(c.ctx, req.Username, req.Password); err != nil {
		c.log.Info("authentication rejected", zap.String("username", req.Username), zap.Error(err))
		return &routeError{code: protocol.CodeUnauthorized, msg: "unauthorized", fatal: true}
	}

	user := req.Username
	c.user.Store(&user)
	if !c.state.CompareAndSwap(int32(stateAuthenticating), int32(stateActive)) {
		return nil
	}
	close(c.authed)

	// Bind before acknowledging so a client that saw its Ack is routable.
	if err := c.table.OnAuth(c.ctx, c); err != nil {
		c.log.Warn("publish presence", zap.String("username", user), zap.Error(err))
	}
	c.send(protocol.NewAck(user, user, protocol.NoteAuthenticated))
	c.log.Info("authenticated", zap.String("username", user))
	return nil
}

func (c *Connection) handlePing(env protocol.Envelope) error {
	if err := c.table.RenewPresence(c.ctx, env.From); err != nil {
		c.log.Warn("renew presence", zap.String("username", env.From), zap.Error(err))
	}
	c.send(protocol.Envelope{Type: protocol.TypePong, To: env.From, Payload: env.Payload})
	return nil
}

func (c *Connection) handlePrivate(env protocol.Envelope) error {
	if env.To == "" {
		var msg protocol.PrivateMessage
		if err := env.DecodePayload(&msg); err == nil {
			env.To = msg.To
		}
	}
	if env.To == "" {
		return badRequest("recipient required")
	}
	return c.deliverPrivate(env)
}

func (c *Connection) deliverPrivate(env protocol.Envelope) error {
	if _, err := c.table.DeliverPrivate(c.ctx, env); err != nil {
		c.log.Warn("private delivery failed", zap.String("username", env.From), zap.String("to", env.To), zap.Error(err))
		return unavailable("delivery unavailable")
	}
	return nil
}

func (c *Connection) handleGroup(env protocol.Envelope) error {
	var msg protocol.GroupMessage
	_ = env.DecodePayload(&msg)
	group := msg.Group
	if group == "" {
		group = env.To
	}
	if group == "" {
		return badRequest("group required")
	}
	env.To = group
	return c.deliverGroup(group, env)
}

func (c *Connection) deliverGroup(group string, env protocol.Envelope) error {
	if _, err := c.table.DeliverGroup(c.ctx, group, env); err != nil {
		if errors.Is(err, registry.ErrGroupNotFound) {
			return &routeError{code: protocol.CodeNotFound, msg: "group not found"}
		}
		c.log.Warn("group delivery failed", zap.String("group", group), zap.Error(err))
		return unavailable("delivery unavailable")
	}
	return nil
}

func (c *Connection) handleCreateGroup(env protocol.Envelope) error {
	var req protocol.CreateGroupRequest
	if err := env.DecodePayload(&req); err != nil || req.Name == "" {
		return badRequest("group name required")
	}
	if err := c.table.CreateGroup(c.ctx, req.Name, env.From); err != nil {
		return groupError(err)
	}
	c.send(protocol.NewAck(env.From, req.Name, protocol.NoteGroupCreated))
	return nil
}

func (c *Connection) handleAddToGroup(env protocol.Envelope) error {
	var req protocol.AddToGroupRequest
	if err := env.DecodePayload(&req); err != nil || req.Name == "" || req.Username == "" {
		return badRequest("group name and username required")
	}
	if err := c.table.AddToGroup(c.ctx, req.Name, req.Username); err != nil {
		return groupError(err)
	}
	c.send(protocol.NewAck(env.From, req.Name, protocol.NoteMemberAdded))
	return nil
}

func (c *Connection) handleFileChunk(env protocol.Envelope) error {
	target := env.To
	if target == "" {
		var hdr protocol.FileChunkHeader
		if err := env.DecodePayload(&hdr); err == nil {
			target = hdr.Target
		}
	}
	if target == "" {
		return badRequest("file chunk target required")
	}
	env.To = target

	isGroup, err := c.table.GroupExists(c.ctx, target)
	if err != nil {
		c.log.Warn("group lookup failed", zap.String("target", target), zap.Error(err))
		return unavailable("delivery unavailable")
	}
	if isGroup {
		return c.deliverGroup(target, env)
	}
	return c.deliverPrivate(env)
}

func (c *Connection) handleListUsers() error {
	user := c.Username()
	env, err := protocol.NewEnvelope(protocol.TypeListUsers, "", user, protocol.ListUsersResponse{Users: c.table.Users(c.ctx)})
	if err != nil {
		return err
	}
	c.send(env)
	return nil
}

func groupError(err error) error {
	switch {
	case errors.Is(err, registry.ErrGroupNotFound):
		return &routeError{code: protocol.CodeNotFound, msg: "group not found"}
	case errors.Is(err, registry.ErrGroupExists):
		return &routeError{code: protocol.CodeConflict, msg: "group already exists"}
	case errors.Is(err, registry.ErrAlreadyMember):
		return &routeError{code: protocol.CodeConflict, msg: "already a member"}
	default:
		return unavailable("group store unavailable")
	}
}
