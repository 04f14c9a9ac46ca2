// Package zkconn implements coord.Conn on top of github.com/go-zookeeper/zk.
package zkconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zkgroup/pkg/coord"
)

// Options configures a ZooKeeper connection.
type Options struct {
	// Servers is the ensemble as host:port pairs.
	Servers []string

	// SessionTimeout bounds how long ephemeral nodes outlive a lost client.
	// Zero means 10s.
	SessionTimeout time.Duration

	// Logger is optional. If nil, zap.NewNop() is used.
	Logger *zap.Logger
}

// Conn adapts *zk.Conn to coord.Conn.
type Conn struct {
	zk  *zk.Conn
	log *zap.Logger
	acl []zk.ACL

	mu        sync.Mutex
	session   uint64            // bumped on every expiry
	armed     map[string]uint64 // path -> session its child watch was set in
	children  map[string]map[*handler]struct{}
	connected map[*handler]struct{}

	done chan struct{}
}

var _ coord.Conn = (*Conn)(nil)

// Dial connects to the ensemble. The session is established in the
// background; operations block until it is up.
func Dial(opts Options) (*Conn, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New("zkconn: no servers")
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.Named("zk")
	zc, events, err := zk.Connect(opts.Servers, opts.SessionTimeout, zk.WithLogger(zkLogger{log.Sugar()}))
	if err != nil {
		return nil, fmt.Errorf("zkconn: connect %v: %w", opts.Servers, err)
	}
	c := &Conn{
		zk:        zc,
		log:       log,
		acl:       zk.WorldACL(zk.PermAll),
		armed:     make(map[string]uint64),
		children:  make(map[string]map[*handler]struct{}),
		connected: make(map[*handler]struct{}),
		done:      make(chan struct{}),
	}
	go c.sessionLoop(events)
	return c, nil
}

// Close ends the session; the server drops this session's ephemeral nodes.
func (c *Conn) Close() error {
	c.zk.Close()
	<-c.done
	return nil
}

func (c *Conn) sessionLoop(events <-chan zk.Event) {
	defer close(c.done)
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}
		c.log.Debug("session event", zap.Stringer("state", ev.State), zap.String("server", ev.Server))
		switch ev.State {
		case zk.StateHasSession:
			c.fire(coord.Event{Type: coord.EventConnected})
		case zk.StateExpired:
			// the client re-establishes a fresh session; watches set under the
			// old one are gone and are reported with EventNotWatching
			c.log.Warn("session expired")
			c.expire()
		}
	}
}

func (c *Conn) Create(ctx context.Context, p string, data []byte, mode coord.CreateMode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var flags int32
	if mode.IsEphemeral() {
		flags |= zk.FlagEphemeral
	}
	if mode.IsSequential() {
		flags |= zk.FlagSequence
	}
	created, err := c.zk.Create(p, data, flags, c.acl)
	if err != nil {
		return "", translate("create", p, err)
	}
	return created, nil
}

func (c *Conn) Delete(ctx context.Context, p string, flags coord.DeleteFlags) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.zk.Delete(p, -1)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode) && flags&coord.IgnoreNoNode != 0:
		return nil
	case errors.Is(err, zk.ErrNotEmpty) && flags&coord.IgnoreNotEmpty != 0:
		return nil
	}
	return translate("delete", p, err)
}

func (c *Conn) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, _, err := c.zk.Exists(p)
	if err != nil {
		return false, translate("exists", p, err)
	}
	return ok, nil
}

func (c *Conn) Get(ctx context.Context, p string) ([]byte, coord.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, coord.Stat{}, err
	}
	data, st, err := c.zk.Get(p)
	if err != nil {
		return nil, coord.Stat{}, translate("get", p, err)
	}
	return data, toStat(st), nil
}

func (c *Conn) Set(ctx context.Context, p string, data []byte) (coord.Stat, error) {
	if err := ctx.Err(); err != nil {
		return coord.Stat{}, err
	}
	st, err := c.zk.Set(p, data, -1)
	if err != nil {
		return coord.Stat{}, translate("set", p, err)
	}
	return toStat(st), nil
}

// Children reads the child list. With watch=true it uses ChildrenW, which
// reads and registers the server side watch in one request. ZooKeeper keeps
// a single child watch per path and session, so while one is armed a plain
// read is enough.
func (c *Conn) Children(ctx context.Context, p string, watch bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var session uint64
	arm := false
	if watch {
		session, arm = c.arm(p)
	}
	if !arm {
		names, _, err := c.zk.Children(p)
		if err != nil {
			return nil, translate("children", p, err)
		}
		return names, nil
	}

	names, _, ch, err := c.zk.ChildrenW(p)
	if err != nil {
		c.disarm(p, session)
		return nil, translate("children", p, err)
	}
	go c.await(p, session, ch)
	return names, nil
}

// arm marks p's child watch as set in the current session. It reports
// false if one already is.
func (c *Conn) arm(p string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.armed[p]; ok && s == c.session {
		return s, false
	}
	c.armed[p] = c.session
	return c.session, true
}

// disarm clears p's mark if it still belongs to session.
func (c *Conn) disarm(p string, session uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.armed[p]; ok && s == session {
		delete(c.armed, p)
	}
}

// expire forgets every watch of the ending session. It runs before the new
// session is reported, so the re-read that follows always re-arms.
func (c *Conn) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session++
	clear(c.armed)
}

func (c *Conn) await(p string, session uint64, ch <-chan zk.Event) {
	ev, ok := <-ch
	c.disarm(p, session)
	if !ok {
		return
	}
	switch ev.Type {
	case zk.EventNodeChildrenChanged:
		c.fire(coord.Event{Type: coord.EventChildrenChanged, Path: p})
	case zk.EventNotWatching:
		c.log.Debug("child watch dropped", zap.String("path", p), zap.Error(ev.Err))
	default:
		c.log.Debug("child watch ended", zap.String("path", p), zap.Stringer("type", ev.Type))
	}
}

func (c *Conn) MkdirAll(ctx context.Context, p string) error {
	if err := coord.ValidatePath(p); err != nil {
		return &coord.PathError{Op: "mkdir", Path: p, Err: err}
	}
	if p == "/" {
		return nil
	}
	for _, dir := range append(coord.Ancestors(p), p) {
		if _, err := c.Create(ctx, dir, nil, coord.Persistent); err != nil && !errors.Is(err, coord.ErrNodeExists) {
			return err
		}
	}
	return nil
}

type handler struct {
	fn   coord.EventHandler
	once sync.Once
	drop func(*handler)
}

func (h *handler) Unsubscribe() { h.once.Do(func() { h.drop(h) }) }

func (c *Conn) WatchChildren(p string, fn coord.EventHandler) coord.Watcher {
	h := &handler{fn: fn}
	h.drop = func(h *handler) {
		c.mu.Lock()
		delete(c.children[p], h)
		if len(c.children[p]) == 0 {
			delete(c.children, p)
		}
		c.mu.Unlock()
	}
	c.mu.Lock()
	if c.children[p] == nil {
		c.children[p] = make(map[*handler]struct{})
	}
	c.children[p][h] = struct{}{}
	c.mu.Unlock()
	return h
}

func (c *Conn) OnConnected(fn coord.EventHandler) coord.Watcher {
	h := &handler{fn: fn}
	h.drop = func(h *handler) {
		c.mu.Lock()
		delete(c.connected, h)
		c.mu.Unlock()
	}
	c.mu.Lock()
	c.connected[h] = struct{}{}
	c.mu.Unlock()
	return h
}

func (c *Conn) fire(ev coord.Event) {
	c.mu.Lock()
	var fns []coord.EventHandler
	if ev.Type == coord.EventConnected {
		for h := range c.connected {
			fns = append(fns, h.fn)
		}
	} else {
		for h := range c.children[ev.Path] {
			fns = append(fns, h.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func toStat(st *zk.Stat) coord.Stat {
	if st == nil {
		return coord.Stat{}
	}
	return coord.Stat{Version: st.Version, NumChildren: st.NumChildren, EphemeralOwner: st.EphemeralOwner}
}

// translate maps zk errors onto coord sentinels, keeping the original in the
// chain so callers can match either.
func translate(op, p string, err error) error {
	var kind error
	switch {
	case errors.Is(err, zk.ErrNodeExists):
		kind = coord.ErrNodeExists
	case errors.Is(err, zk.ErrNoNode) && op == "create":
		kind = coord.ErrNoParent
	case errors.Is(err, zk.ErrNoNode):
		kind = coord.ErrNoNode
	case errors.Is(err, zk.ErrNotEmpty):
		kind = coord.ErrNotEmpty
	case errors.Is(err, zk.ErrBadArguments), errors.Is(err, zk.ErrInvalidPath):
		kind = coord.ErrBadPath
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrClosing):
		kind = coord.ErrClosed
	default:
		return &coord.PathError{Op: op, Path: p, Err: err}
	}
	return &coord.PathError{Op: op, Path: p, Err: fmt.Errorf("%w: %w", kind, err)}
}

// zkLogger routes the client's internal Printf logging into zap.
type zkLogger struct{ s *zap.SugaredLogger }

func (l zkLogger) Printf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
