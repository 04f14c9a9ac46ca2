// Package etcdconn emulates the coord.Conn node model on etcd v3.
//
// Each path is a key. Ephemeral nodes are attached to a session lease that
// is kept alive for the life of the Conn; when the lease is lost a new one is
// granted and OnConnected handlers fire, the way a ZooKeeper client reports
// a new session. Sequential names come from a per-parent counter key bumped
// in the same transaction as the child put. A child list read at revision R
// arms its watch from R+1, so no change between the read and the watch can
// be missed.
package etcdconn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc/connectivity"

	"github.com/ryandielhenn/zkgroup/pkg/coord"
)

// seqPrefix namespaces sequence counters outside the "/" key space so they
// never show up as children.
const seqPrefix = "\x00seq"

// Options configures an etcd-backed connection.
type Options struct {
	Endpoints []string

	// DialTimeout defaults to 5s.
	DialTimeout time.Duration

	// LeaseTTL is the session lease in seconds; ephemeral nodes disappear
	// this long after the process stops renewing. Defaults to 10.
	LeaseTTL int64

	// Logger is optional. If nil, zap.NewNop() is used.
	Logger *zap.Logger
}

// NewClient dials etcd with the package defaults.
func NewClient(endpoints []string, dialTimeout time.Duration, log *zap.Logger) (*clientv3.Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      log,
	})
}

// Conn implements coord.Conn.
type Conn struct {
	cli    *clientv3.Client
	owned  bool
	log    *zap.Logger
	ttl    int64
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closing   bool
	lease     clientv3.LeaseID
	armed     map[string]bool
	children  map[string]map[*handler]struct{}
	connected map[*handler]struct{}
}

var _ coord.Conn = (*Conn)(nil)

// Dial creates a client and a session on it. Close also closes the client.
func Dial(opts Options) (*Conn, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcdconn: no endpoints")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cli, err := NewClient(opts.Endpoints, opts.DialTimeout, opts.Logger.Named("etcd-client"))
	if err != nil {
		return nil, fmt.Errorf("etcdconn: connect %v: %w", opts.Endpoints, err)
	}
	c, err := New(cli, opts)
	if err != nil {
		return nil, multierr.Append(err, cli.Close())
	}
	c.owned = true
	return c, nil
}

// New starts a session on an existing client. The client stays owned by
// the caller.
func New(cli *clientv3.Client, opts Options) (*Conn, error) {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Conn{
		cli:       cli,
		log:       opts.Logger.Named("etcd"),
		ttl:       opts.LeaseTTL,
		armed:     make(map[string]bool),
		children:  make(map[string]map[*handler]struct{}),
		connected: make(map[*handler]struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	if err := c.grant(); err != nil {
		c.cancel()
		return nil, err
	}
	c.spawn(c.connLoop)
	return c, nil
}

// grant obtains a fresh session lease and keeps it alive.
func (c *Conn) grant() error {
	lease, err := c.cli.Grant(c.ctx, c.ttl)
	if err != nil {
		return fmt.Errorf("etcdconn: grant lease: %w", err)
	}
	ch, err := c.cli.KeepAlive(c.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("etcdconn: keepalive lease %x: %w", lease.ID, err)
	}
	c.mu.Lock()
	c.lease = lease.ID
	c.mu.Unlock()

	if !c.spawn(func() { c.keepAlive(lease.ID, ch) }) {
		return fmt.Errorf("etcdconn: keepalive lease %x: %w", lease.ID, coord.ErrClosed)
	}
	return nil
}

// spawn runs fn on a goroutine tracked by Close. It reports false once
// Close has started.
func (c *Conn) spawn(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

func (c *Conn) keepAlive(id clientv3.LeaseID, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
	if c.ctx.Err() != nil {
		return
	}
	c.log.Warn("session lease lost, starting a new session", zap.Int64("lease", int64(id)))
	backoff := 100 * time.Millisecond
	for {
		err := c.grant()
		if err == nil {
			break
		}
		c.log.Error("renew session", zap.Error(err))
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
	c.fire(coord.Event{Type: coord.EventConnected})
}

// connLoop reports transitions of the client connection back to Ready.
func (c *Conn) connLoop() {
	conn := c.cli.ActiveConnection()
	state := conn.GetState()
	for conn.WaitForStateChange(c.ctx, state) {
		next := conn.GetState()
		if next == connectivity.Ready && state != connectivity.Ready {
			c.log.Debug("connection ready", zap.Stringer("from", state))
			c.fire(coord.Event{Type: coord.EventConnected})
		}
		state = next
	}
}

// Close revokes the session lease, removing this session's ephemeral nodes.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closing = true
	lease := c.lease
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := c.cli.Revoke(ctx, lease)
	c.cancel()
	c.wg.Wait()
	if c.owned {
		err = multierr.Append(err, c.cli.Close())
	}
	return err
}

func (c *Conn) leaseID() clientv3.LeaseID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lease
}

func childPrefix(p string) string {
	if p == "/" {
		return p
	}
	return p + "/"
}

func seqKey(parent string) string { return seqPrefix + parent }

func exists(p string) clientv3.Cmp {
	return clientv3.Compare(clientv3.CreateRevision(p), ">", 0)
}

func missing(p string) clientv3.Cmp {
	return clientv3.Compare(clientv3.CreateRevision(p), "=", 0)
}

func (c *Conn) Create(ctx context.Context, p string, data []byte, mode coord.CreateMode) (string, error) {
	if err := coord.ValidatePath(p); err != nil || p == "/" {
		if err == nil {
			err = coord.ErrNodeExists
		}
		return "", &coord.PathError{Op: "create", Path: p, Err: err}
	}
	parent := coord.Parent(p)
	var putOpts []clientv3.OpOption
	if mode.IsEphemeral() {
		putOpts = append(putOpts, clientv3.WithLease(c.leaseID()))
	}
	for {
		var cmps []clientv3.Cmp
		var ops []clientv3.Op
		if parent != "/" {
			cmps = append(cmps, exists(parent))
		}
		name := p
		var next, rev int64
		if mode.IsSequential() {
			var err error
			if next, rev, err = c.sequence(ctx, parent); err != nil {
				return "", &coord.PathError{Op: "create", Path: p, Err: err}
			}
			name = fmt.Sprintf(coord.SequenceFormat, p, next)
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(seqKey(parent)), "=", rev))
			ops = append(ops, clientv3.OpPut(seqKey(parent), strconv.FormatInt(next+1, 10)))
		}
		cmps = append(cmps, missing(name))
		ops = append(ops, clientv3.OpPut(name, string(data), putOpts...))

		resp, err := c.cli.Txn(ctx).If(cmps...).Then(ops...).Commit()
		if err != nil {
			return "", &coord.PathError{Op: "create", Path: p, Err: err}
		}
		if resp.Succeeded {
			return name, nil
		}

		if parent != "/" {
			ok, err := c.Exists(ctx, parent)
			if err != nil {
				return "", err
			}
			if !ok {
				return "", &coord.PathError{Op: "create", Path: p, Err: coord.ErrNoParent}
			}
		}
		ok, err := c.Exists(ctx, name)
		if err != nil {
			return "", err
		}
		switch {
		case ok && !mode.IsSequential():
			return "", &coord.PathError{Op: "create", Path: name, Err: coord.ErrNodeExists}
		case ok:
			// a node was put at the next sequential name by hand; move the
			// counter past it
			if err := c.bumpSequence(ctx, parent, next, rev); err != nil {
				return "", &coord.PathError{Op: "create", Path: p, Err: err}
			}
		}
		// lost a race on the counter or the node vanished in between; retry
	}
}

// sequence reads parent's counter and the revision it was last written at.
// A missing counter reads as 0 at revision 0.
func (c *Conn) sequence(ctx context.Context, parent string) (next, rev int64, err error) {
	resp, err := c.cli.Get(ctx, seqKey(parent))
	if err != nil {
		return 0, 0, err
	}
	if len(resp.Kvs) == 0 {
		return 0, 0, nil
	}
	kv := resp.Kvs[0]
	next, err = strconv.ParseInt(string(kv.Value), 10, 64)
	if err != nil || next < 0 {
		return 0, 0, fmt.Errorf("etcdconn: corrupt sequence counter for %s: %q", parent, kv.Value)
	}
	return next, kv.ModRevision, nil
}

// bumpSequence advances parent's counter past next if nobody moved it since
// rev.
func (c *Conn) bumpSequence(ctx context.Context, parent string, next, rev int64) error {
	_, err := c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(seqKey(parent)), "=", rev)).
		Then(clientv3.OpPut(seqKey(parent), strconv.FormatInt(next+1, 10))).
		Commit()
	return err
}

func (c *Conn) Delete(ctx context.Context, p string, flags coord.DeleteFlags) error {
	if err := coord.ValidatePath(p); err != nil || p == "/" {
		return &coord.PathError{Op: "delete", Path: p, Err: coord.ErrBadPath}
	}
	resp, err := c.cli.Txn(ctx).
		If(exists(p), missing(childPrefix(p)).WithPrefix()).
		Then(clientv3.OpDelete(p)).
		Commit()
	if err != nil {
		return &coord.PathError{Op: "delete", Path: p, Err: err}
	}
	if resp.Succeeded {
		return nil
	}
	ok, err := c.Exists(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		if flags&coord.IgnoreNoNode != 0 {
			return nil
		}
		return &coord.PathError{Op: "delete", Path: p, Err: coord.ErrNoNode}
	}
	if flags&coord.IgnoreNotEmpty != 0 {
		return nil
	}
	return &coord.PathError{Op: "delete", Path: p, Err: coord.ErrNotEmpty}
}

func (c *Conn) Exists(ctx context.Context, p string) (bool, error) {
	if p == "/" {
		return true, nil
	}
	resp, err := c.cli.Get(ctx, p, clientv3.WithCountOnly())
	if err != nil {
		return false, &coord.PathError{Op: "exists", Path: p, Err: err}
	}
	return resp.Count > 0, nil
}

// Get returns the node data. Stat.NumChildren is not populated.
func (c *Conn) Get(ctx context.Context, p string) ([]byte, coord.Stat, error) {
	resp, err := c.cli.Get(ctx, p)
	if err != nil {
		return nil, coord.Stat{}, &coord.PathError{Op: "get", Path: p, Err: err}
	}
	if len(resp.Kvs) == 0 {
		return nil, coord.Stat{}, &coord.PathError{Op: "get", Path: p, Err: coord.ErrNoNode}
	}
	kv := resp.Kvs[0]
	return kv.Value, toStat(kv), nil
}

// Set overwrites the data, keeping the node's lease.
func (c *Conn) Set(ctx context.Context, p string, data []byte) (coord.Stat, error) {
	resp, err := c.cli.Txn(ctx).
		If(exists(p)).
		Then(clientv3.OpPut(p, string(data), clientv3.WithIgnoreLease()), clientv3.OpGet(p)).
		Commit()
	if err != nil {
		return coord.Stat{}, &coord.PathError{Op: "set", Path: p, Err: err}
	}
	if !resp.Succeeded {
		return coord.Stat{}, &coord.PathError{Op: "set", Path: p, Err: coord.ErrNoNode}
	}
	kvs := resp.Responses[1].GetResponseRange().GetKvs()
	if len(kvs) == 0 {
		return coord.Stat{}, nil
	}
	return toStat(kvs[0]), nil
}

func toStat(kv *mvccpb.KeyValue) coord.Stat {
	// etcd versions start at 1 on create, ZooKeeper's at 0
	return coord.Stat{Version: int32(kv.Version - 1), EphemeralOwner: kv.Lease}
}

func (c *Conn) Children(ctx context.Context, p string, watch bool) ([]string, error) {
	if err := coord.ValidatePath(p); err != nil {
		return nil, &coord.PathError{Op: "children", Path: p, Err: err}
	}
	prefix := childPrefix(p)
	list := clientv3.OpGet(prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())

	var kvs []*mvccpb.KeyValue
	var rev int64
	if p == "/" {
		resp, err := c.cli.Do(ctx, list)
		if err != nil {
			return nil, &coord.PathError{Op: "children", Path: p, Err: err}
		}
		kvs, rev = resp.Get().Kvs, resp.Get().Header.Revision
	} else {
		resp, err := c.cli.Txn(ctx).If(exists(p)).Then(list).Commit()
		if err != nil {
			return nil, &coord.PathError{Op: "children", Path: p, Err: err}
		}
		if !resp.Succeeded {
			return nil, &coord.PathError{Op: "children", Path: p, Err: coord.ErrNoNode}
		}
		kvs, rev = resp.Responses[0].GetResponseRange().GetKvs(), resp.Header.Revision
	}

	names := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		if name, ok := directChild(prefix, string(kv.Key)); ok {
			names = append(names, name)
		}
	}

	if watch {
		c.mu.Lock()
		arm := !c.armed[p]
		c.armed[p] = true
		c.mu.Unlock()
		if arm && !c.spawn(func() { c.watchFrom(p, prefix, rev+1) }) {
			c.mu.Lock()
			delete(c.armed, p)
			c.mu.Unlock()
		}
	}
	return names, nil
}

func directChild(prefix, key string) (string, bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	name := key[len(prefix):]
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// watchFrom is the one-shot child watch: it ends at the first child
// creation or deletion at or after rev.
func (c *Conn) watchFrom(p, prefix string, rev int64) {
	ctx, cancel := context.WithCancel(clientv3.WithRequireLeader(c.ctx))
	defer cancel()

	fire := false
	for wr := range c.cli.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(rev)) {
		if err := wr.Err(); err != nil {
			// compaction or leader loss: report a change so the caller
			// re-reads and re-arms from a fresh revision
			c.log.Warn("child watch failed", zap.String("path", p), zap.Error(err))
			fire = true
			break
		}
		for _, ev := range wr.Events {
			if _, ok := directChild(prefix, string(ev.Kv.Key)); !ok {
				continue
			}
			if ev.Type == mvccpb.DELETE || ev.IsCreate() {
				fire = true
				break
			}
		}
		if fire {
			break
		}
	}

	c.mu.Lock()
	delete(c.armed, p)
	c.mu.Unlock()
	if fire && c.ctx.Err() == nil {
		c.fire(coord.Event{Type: coord.EventChildrenChanged, Path: p})
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
