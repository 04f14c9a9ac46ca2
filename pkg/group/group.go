package group

import (
	"context"
	"errors"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zkgroup/internal/telemetry"
	"github.com/ryandielhenn/zkgroup/internal/tracing"
	"github.com/ryandielhenn/zkgroup/pkg/coord"
	"github.com/ryandielhenn/zkgroup/pkg/serial"
)

// ChangeFunc receives the member list before and after a change. Both
// slices are sorted and owned by the callee.
type ChangeFunc func(before, after []string)

// Group is a named membership group.
//
// The zero value is not usable; construct with New.
type Group struct {
	conn    coord.Conn
	name    string
	root    string
	path    string
	prefix  string
	timeout time.Duration
	log     *zap.Logger

	queue *serial.Queue

	mu         sync.Mutex
	created    bool
	closed     bool
	known      []string
	subs       []*Subscription
	childWatch coord.Watcher
	connWatch  coord.Watcher
}

// New returns a handle on the group name. Nothing is written until Create
// or CreateExclusive; notifications are ignored until then.
func New(conn coord.Conn, name string, opts Options) (*Group, error) {
	if err := opts.Validate(name); err != nil {
		return nil, err
	}
	opts.setDefaults()
	p := path.Join(opts.Root, name)
	g := &Group{
		conn:    conn,
		name:    name,
		root:    opts.Root,
		path:    p,
		prefix:  opts.Prefix,
		timeout: opts.OpTimeout,
		log:     opts.Logger.With(zap.String("group", p)),
	}
	g.queue = serial.New("group:"+p, serial.WithLogger(g.log))
	g.childWatch = conn.WatchChildren(p, g.onEvent)
	g.connWatch = conn.OnConnected(g.onEvent)
	return g, nil
}

func (g *Group) Name() string   { return g.name }
func (g *Group) Root() string   { return g.root }
func (g *Group) Path() string   { return g.path }
func (g *Group) Prefix() string { return g.prefix }

// Created reports whether this handle created or adopted the group node.
func (g *Group) Created() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created
}

// KnownMembers returns the last member list broadcast to subscribers.
func (g *Group) KnownMembers() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.known)
}

// Exists reports whether the group node exists. Errors are logged and
// reported as false.
func (g *Group) Exists(ctx context.Context) bool {
	ok, err := g.conn.Exists(ctx, g.path)
	if err != nil {
		g.log.Warn("exists check failed", zap.Error(err))
		return false
	}
	return ok
}

// Create creates the group node, or adopts it if it is already there. It
// returns the node path when this call created it and "" otherwise; the
// data of an existing node is left untouched.
func (g *Group) Create(ctx context.Context, data []byte) (string, error) {
	p, err := g.CreateExclusive(ctx, data)
	if !errors.Is(err, ErrGroupAlreadyExists) {
		return p, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return "", ErrClosed
	}
	g.created = true
	g.broadcastLocked(ctx)
	return "", nil
}

// CreateExclusive creates the group node, failing with
// ErrGroupAlreadyExists if it is already there. Missing ancestors of the
// root are created.
func (g *Group) CreateExclusive(ctx context.Context, data []byte) (p string, err error) {
	ctx, end := tracing.StartSpan(ctx, "group.create_exclusive", attribute.String("group.path", g.path))
	defer func() { end(err) }()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return "", ErrClosed
	}
	if err := g.conn.MkdirAll(ctx, g.root); err != nil {
		return "", err
	}
	p, err = g.conn.Create(ctx, g.path, data, coord.Persistent)
	if err != nil {
		return "", translate(err, coord.ErrNodeExists, ErrGroupAlreadyExists, g.path)
	}
	g.log.Info("group created")
	g.created = true
	g.broadcastLocked(ctx)
	return p, nil
}

// Join adds an ephemeral member carrying data.
func (g *Group) Join(ctx context.Context, data []byte) (*Member, error) {
	p, err := g.JoinPath(ctx, data)
	if err != nil {
		return nil, err
	}
	return newMember(g, p, data), nil
}

// Member returns a handle on an existing member, by name or absolute path.
// Its data is fetched on first use.
func (g *Group) Member(name string) *Member {
	p := name
	if !strings.HasPrefix(name, "/") {
		p = path.Join(g.path, name)
	}
	return &Member{group: g, path: p}
}

// JoinPath is Join returning only the member's node path.
func (g *Group) JoinPath(ctx context.Context, data []byte) (p string, err error) {
	ctx, end := tracing.StartSpan(ctx, "group.join", attribute.String("group.path", g.path))
	defer func() { end(err) }()

	p, err = g.conn.Create(ctx, path.Join(g.path, g.prefix), data, coord.EphemeralSequential)
	if err != nil {
		err = translate(err, coord.ErrNoParent, ErrGroupDoesNotExist, g.path)
		return "", translate(err, coord.ErrNodeExists, ErrMemberAlreadyExists, g.path)
	}
	g.log.Debug("joined", zap.String("member", p))
	return p, nil
}

// MemberNames returns the sorted member list. By default the read also
// re-arms the group's child watch.
func (g *Group) MemberNames(ctx context.Context, opts ...NamesOption) ([]string, error) {
	cfg := namesConfig{watch: true}
	for _, o := range opts {
		o(&cfg)
	}
	names, err := g.memberNames(ctx, cfg.watch)
	if err != nil {
		return nil, err
	}
	if cfg.absolute {
		return g.absolute(names), nil
	}
	return names, nil
}

func (g *Group) memberNames(ctx context.Context, watch bool) ([]string, error) {
	names, err := g.conn.Children(ctx, g.path, watch)
	if err != nil {
		return nil, translate(err, coord.ErrNoNode, ErrGroupDoesNotExist, g.path)
	}
	slices.Sort(names)
	return names, nil
}

func (g *Group) absolute(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = path.Join(g.path, n)
	}
	return out
}

// Data returns the group node's data.
func (g *Group) Data(ctx context.Context) ([]byte, error) {
	data, _, err := g.conn.Get(ctx, g.path)
	if err != nil {
		return nil, translate(err, coord.ErrNoNode, ErrGroupDoesNotExist, g.path)
	}
	return data, nil
}

// SetData overwrites the group node's data.
func (g *Group) SetData(ctx context.Context, data []byte) error {
	if _, err := g.conn.Set(ctx, g.path, data); err != nil {
		return translate(err, coord.ErrNoNode, ErrGroupDoesNotExist, g.path)
	}
	return nil
}

// OnMembershipChange registers fn for every subsequent membership delta.
// Calls to fn are serialized and never overlap. A subscription made after
// Close never fires.
func (g *Group) OnMembershipChange(fn ChangeFunc, opts ...SubscribeOption) *Subscription {
	var cfg subscribeConfig
	for _, o := range opts {
		o(&cfg)
	}
	s := newSubscription(g, fn, cfg)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		s.queue.Shutdown()
		return s
	}
	g.subs = append(g.subs, s)
	telemetry.Subscriptions.WithLabelValues(g.path).Set(float64(len(g.subs)))
	return s
}

func (g *Group) removeSubscription(s *Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i := slices.Index(g.subs, s); i >= 0 {
		g.subs = slices.Delete(g.subs, i, i+1)
		if !g.closed {
			telemetry.Subscriptions.WithLabelValues(g.path).Set(float64(len(g.subs)))
		}
	}
}

// Close releases the handle: notifications stop, every subscription is
// shut down after draining what it already holds, and the group node is
// deleted if this handle created it and no members remain. Safe to call
// more than once.
func (g *Group) Close(ctx context.Context) (err error) {
	ctx, end := tracing.StartSpan(ctx, "group.close", attribute.String("group.path", g.path))
	defer func() { end(err) }()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	g.queue.Shutdown()
	g.childWatch.Unsubscribe()
	g.connWatch.Unsubscribe()
	for _, s := range g.subs {
		s.queue.Shutdown()
	}
	g.subs = nil
	g.known = nil
	telemetry.ForgetGroup(g.path)

	if !g.created {
		return nil
	}
	return g.conn.Delete(ctx, g.path, coord.IgnoreNoNode|coord.IgnoreNotEmpty)
}

// onEvent runs on the client's goroutine; it only hands off.
func (g *Group) onEvent(ev coord.Event) {
	g.queue.Submit(func() { g.handle(ev) })
}

func (g *Group) handle(ev coord.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.log.Debug("membership event", zap.Stringer("type", ev.Type))
	g.broadcastLocked(ctx)
}

// broadcastLocked re-reads the members, re-arming the watch, and fans the
// delta out when the set changed. Caller holds g.mu.
func (g *Group) broadcastLocked(ctx context.Context) {
	if !g.created || g.closed {
		return
	}
	after, err := g.memberNames(ctx, true)
	if err != nil {
		telemetry.Broadcasts.WithLabelValues(g.path, "error").Inc()
		g.log.Error("read members", zap.Error(err))
		return
	}
	before := g.known
	if slices.Equal(before, after) {
		telemetry.Broadcasts.WithLabelValues(g.path, "unchanged").Inc()
		return
	}
	g.known = after
	telemetry.Broadcasts.WithLabelValues(g.path, "changed").Inc()
	telemetry.Members.WithLabelValues(g.path).Set(float64(len(after)))
	g.log.Debug("membership changed", zap.Int("before", len(before)), zap.Int("after", len(after)))
	for _, s := range g.subs {
		s.notify(clone(before), clone(after))
	}
}

func clone(names []string) []string {
	return append(make([]string, 0, len(names)), names...)
}

// Diff returns the names present only in after and only in before.
func Diff(before, after []string) (added, removed []string) {
	seen := make(map[string]bool, len(before))
	for _, n := range before {
		seen[n] = true
	}
	for _, n := range after {
		if seen[n] {
			delete(seen, n)
			continue
		}
		added = append(added, n)
	}
	for _, n := range before {
		if seen[n] {
			removed = append(removed, n)
		}
	}
	return added, removed
}
