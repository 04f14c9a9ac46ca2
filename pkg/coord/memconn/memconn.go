// Package memconn is an in-process coordination service with ZooKeeper node
// semantics: persistent, ephemeral and sequential nodes, one-shot child
// watches and per-session connection events. Several Conns opened on the
// same Store behave like independent client sessions.
package memconn

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/ryandielhenn/zkgroup/pkg/coord"
)

type node struct {
	data     []byte
	version  int32
	owner    int64 // session id for ephemeral nodes
	seq      int64 // next suffix handed to a sequential child
	children map[string]struct{}
}

// Store is the shared node tree.
type Store struct {
	mu      sync.Mutex
	nodes   map[string]*node
	watches map[string]map[*Conn]struct{} // path -> sessions with an armed child watch
	nextSID int64
}

func NewStore() *Store {
	return &Store{
		nodes:   map[string]*node{"/": {children: make(map[string]struct{})}},
		watches: make(map[string]map[*Conn]struct{}),
	}
}

// Connect opens a new session on the store.
func (s *Store) Connect() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSID++
	return &Conn{
		store:    s,
		sid:      s.nextSID,
		children: make(map[string]map[*handler]struct{}),
		conn:     make(map[*handler]struct{}),
	}
}

// Len reports the number of nodes, "/" included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// fire collects and disarms the watches on p. Caller holds s.mu.
func (s *Store) fireLocked(p string, out map[*Conn][]string) {
	for c := range s.watches[p] {
		out[c] = append(out[c], p)
	}
	delete(s.watches, p)
}

func (s *Store) removeLocked(p string, fired map[*Conn][]string) {
	parent := coord.Parent(p)
	delete(s.nodes, p)
	delete(s.watches, p)
	if pn, ok := s.nodes[parent]; ok {
		delete(pn.children, path.Base(p))
	}
	s.fireLocked(parent, fired)
}

func dispatch(fired map[*Conn][]string) {
	for c, paths := range fired {
		for _, p := range paths {
			c.deliver(coord.Event{Type: coord.EventChildrenChanged, Path: p})
		}
	}
}

type handler struct {
	fn   coord.EventHandler
	once sync.Once
	drop func(*handler)
}

func (h *handler) Unsubscribe() { h.once.Do(func() { h.drop(h) }) }

// Conn is one client session. It implements coord.Conn.
type Conn struct {
	store *Store

	mu       sync.Mutex
	sid      int64
	closed   bool
	children map[string]map[*handler]struct{}
	conn     map[*handler]struct{}
}

var _ coord.Conn = (*Conn)(nil)

// SessionID reports the current session id; it changes on ExpireSession.
func (c *Conn) SessionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

func (c *Conn) session() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, coord.ErrClosed
	}
	return c.sid, nil
}

func (c *Conn) check(ctx context.Context, op, p string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := coord.ValidatePath(p); err != nil {
		return 0, &coord.PathError{Op: op, Path: p, Err: err}
	}
	sid, err := c.session()
	if err != nil {
		return 0, &coord.PathError{Op: op, Path: p, Err: err}
	}
	return sid, nil
}

func (c *Conn) Create(ctx context.Context, p string, data []byte, mode coord.CreateMode) (string, error) {
	sid, err := c.check(ctx, "create", p)
	if err != nil {
		return "", err
	}
	if p == "/" {
		return "", &coord.PathError{Op: "create", Path: p, Err: coord.ErrNodeExists}
	}
	s := c.store
	fired := make(map[*Conn][]string)
	s.mu.Lock()
	parent := coord.Parent(p)
	pn, ok := s.nodes[parent]
	if !ok {
		s.mu.Unlock()
		return "", &coord.PathError{Op: "create", Path: p, Err: coord.ErrNoParent}
	}
	if mode.IsSequential() {
		p = fmt.Sprintf(coord.SequenceFormat, p, pn.seq)
		pn.seq++
	}
	if _, exists := s.nodes[p]; exists {
		s.mu.Unlock()
		return "", &coord.PathError{Op: "create", Path: p, Err: coord.ErrNodeExists}
	}
	n := &node{data: append([]byte(nil), data...), children: make(map[string]struct{})}
	if mode.IsEphemeral() {
		n.owner = sid
	}
	s.nodes[p] = n
	pn.children[path.Base(p)] = struct{}{}
	s.fireLocked(parent, fired)
	s.mu.Unlock()

	dispatch(fired)
	return p, nil
}

func (c *Conn) Delete(ctx context.Context, p string, flags coord.DeleteFlags) error {
	if _, err := c.check(ctx, "delete", p); err != nil {
		return err
	}
	if p == "/" {
		return &coord.PathError{Op: "delete", Path: p, Err: coord.ErrBadPath}
	}
	s := c.store
	fired := make(map[*Conn][]string)
	s.mu.Lock()
	n, ok := s.nodes[p]
	switch {
	case !ok:
		s.mu.Unlock()
		if flags&coord.IgnoreNoNode != 0 {
			return nil
		}
		return &coord.PathError{Op: "delete", Path: p, Err: coord.ErrNoNode}
	case len(n.children) > 0:
		s.mu.Unlock()
		if flags&coord.IgnoreNotEmpty != 0 {
			return nil
		}
		return &coord.PathError{Op: "delete", Path: p, Err: coord.ErrNotEmpty}
	}
	s.removeLocked(p, fired)
	s.mu.Unlock()

	dispatch(fired)
	return nil
}

func (c *Conn) Exists(ctx context.Context, p string) (bool, error) {
	if _, err := c.check(ctx, "exists", p); err != nil {
		return false, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	_, ok := c.store.nodes[p]
	return ok, nil
}

func (c *Conn) Get(ctx context.Context, p string) ([]byte, coord.Stat, error) {
	if _, err := c.check(ctx, "get", p); err != nil {
		return nil, coord.Stat{}, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	n, ok := c.store.nodes[p]
	if !ok {
		return nil, coord.Stat{}, &coord.PathError{Op: "get", Path: p, Err: coord.ErrNoNode}
	}
	return append([]byte(nil), n.data...), n.stat(), nil
}

func (c *Conn) Set(ctx context.Context, p string, data []byte) (coord.Stat, error) {
	if _, err := c.check(ctx, "set", p); err != nil {
		return coord.Stat{}, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	n, ok := c.store.nodes[p]
	if !ok {
		return coord.Stat{}, &coord.PathError{Op: "set", Path: p, Err: coord.ErrNoNode}
	}
	n.data = append([]byte(nil), data...)
	n.version++
	return n.stat(), nil
}

func (n *node) stat() coord.Stat {
	return coord.Stat{Version: n.version, NumChildren: int32(len(n.children)), EphemeralOwner: n.owner}
}

// Children returns child names in no particular order, like ZooKeeper does.
func (c *Conn) Children(ctx context.Context, p string, watch bool) ([]string, error) {
	if _, err := c.check(ctx, "children", p); err != nil {
		return nil, err
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[p]
	if !ok {
		return nil, &coord.PathError{Op: "children", Path: p, Err: coord.ErrNoNode}
	}
	out := make([]string, 0, len(n.children))
	for name := range n.children {
		out = append(out, name)
	}
	if watch {
		if s.watches[p] == nil {
			s.watches[p] = make(map[*Conn]struct{})
		}
		s.watches[p][c] = struct{}{}
	}
	return out, nil
}

func (c *Conn) MkdirAll(ctx context.Context, p string) error {
	if _, err := c.check(ctx, "mkdir", p); err != nil {
		return err
	}
	if p == "/" {
		return nil
	}
	for _, dir := range append(coord.Ancestors(p), p) {
		_, err := c.Create(ctx, dir, nil, coord.Persistent)
		if err != nil && !errors.Is(err, coord.ErrNodeExists) {
			return err
		}
	}
	return nil
}

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
		delete(c.conn, h)
		c.mu.Unlock()
	}
	c.mu.Lock()
	c.conn[h] = struct{}{}
	c.mu.Unlock()
	return h
}

func (c *Conn) deliver(ev coord.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var fns []coord.EventHandler
	if ev.Type == coord.EventConnected {
		for h := range c.conn {
			fns = append(fns, h.fn)
		}
	} else {
		for h := range c.children[ev.Path] {
			fns = append(fns, h.fn)
		}
	}
	c.mu.Unlock()
	// handlers run off the caller's goroutine, the way a client's event
	// thread delivers them
	for _, fn := range fns {
		go fn(ev)
	}
}

// Reconnect simulates a connection blip that keeps the session: armed
// watches survive and OnConnected handlers fire.
func (c *Conn) Reconnect() {
	c.deliver(coord.Event{Type: coord.EventConnected})
}

// ExpireSession simulates session loss followed by a fresh session:
// ephemeral nodes owned by the old session are removed (firing other
// sessions' watches), this session's armed watches are dropped, and
// OnConnected handlers fire once the new session is up.
func (c *Conn) ExpireSession() {
	s := c.store
	fired := make(map[*Conn][]string)

	c.mu.Lock()
	old := c.sid
	c.mu.Unlock()

	s.mu.Lock()
	s.expireLocked(c, old, fired)
	s.nextSID++
	c.mu.Lock()
	c.sid = s.nextSID
	c.mu.Unlock()
	s.mu.Unlock()

	dispatch(fired)
	c.Reconnect()
}

func (s *Store) expireLocked(c *Conn, sid int64, fired map[*Conn][]string) {
	for p, n := range s.nodes {
		if n.owner == sid {
			s.removeLocked(p, fired)
		}
	}
	for p, set := range s.watches {
		delete(set, c)
		if len(set) == 0 {
			delete(s.watches, p)
		}
	}
	delete(fired, c)
}

// Close ends the session, removing its ephemeral nodes. Handlers registered
// on this Conn receive nothing further.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sid := c.sid
	c.mu.Unlock()

	s := c.store
	fired := make(map[*Conn][]string)
	s.mu.Lock()
	s.expireLocked(c, sid, fired)
	s.mu.Unlock()
	dispatch(fired)
	return nil
}
