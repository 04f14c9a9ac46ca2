// Package node is one process's presence in a group: it joins with its
// advertised address as member data and keeps a hash ring of the current
// members so keys can be mapped to their owner.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zkgroup/pkg/group"
	"github.com/ryandielhenn/zkgroup/pkg/ring"
)

type Options struct {
	// Replicas is the number of virtual points per member. Zero means 128.
	Replicas int

	// Hasher places members and keys. Nil means ring.XXHash.
	Hasher ring.Hasher

	// FetchTimeout bounds reading a new member's address. Zero means 5s.
	FetchTimeout time.Duration

	Logger *zap.Logger
}

type Node struct {
	g       *group.Group
	ring    *ring.HashRing
	addr    string
	timeout time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	member *group.Member
	sub    *group.Subscription
	addrs  map[string]string // member name -> advertised address
}

func New(g *group.Group, addr string, opts Options) *Node {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Node{
		g:       g,
		ring:    ring.New(opts.Replicas, opts.Hasher),
		addr:    addr,
		timeout: opts.FetchTimeout,
		log:     opts.Logger.With(zap.String("addr", addr)),
		addrs:   make(map[string]string),
	}
}

// Start subscribes, creates the group if needed and joins it.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.member != nil {
		return errors.New("node: already started")
	}
	// subscribe first so the broadcast made by Create seeds the ring
	n.sub = n.g.OnMembershipChange(n.apply, group.AbsolutePaths())
	if _, err := n.g.Create(ctx, nil); err != nil {
		n.sub.Unsubscribe()
		return err
	}
	m, err := n.g.Join(ctx, []byte(n.addr))
	if err != nil {
		n.sub.Unsubscribe()
		return err
	}
	n.member = m
	n.log.Info("joined group", zap.String("member", m.Path()))
	return nil
}

// Stop leaves the group and stops following it.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	m, sub := n.member, n.sub
	n.member, n.sub = nil, nil
	n.mu.Unlock()

	var err error
	if sub != nil {
		sub.Unsubscribe()
		err = sub.Wait(ctx)
	}
	if m != nil {
		err = multierr.Append(err, m.Leave(ctx))
	}
	n.ring.Clear()
	return err
}

// Self returns this node's member path, or "" before Start.
func (n *Node) Self() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.member == nil {
		return ""
	}
	return n.member.Path()
}

func (n *Node) Addr() string { return n.addr }

func (n *Node) Group() *group.Group { return n.g }

// Members returns the member path -> address table the ring is built from.
func (n *Node) Members() map[string]string { return n.ring.Nodes() }

// apply runs on the subscription's queue, one delta at a time.
func (n *Node) apply(before, after []string) {
	added, removed := group.Diff(before, after)
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	for _, name := range removed {
		delete(n.addrs, name)
	}
	for _, name := range added {
		data, err := n.g.Member(name).Data(ctx)
		if err != nil {
			// it left again before we could read it; the next delta
			// removes it
			n.log.Debug("read member address", zap.String("member", name), zap.Error(err))
			continue
		}
		n.addrs[name] = string(data)
	}
	if n.ring.Sync(n.addrs) {
		n.log.Info("ring updated",
			zap.Strings("added", added),
			zap.Strings("removed", removed),
			zap.Int("members", len(n.addrs)),
		)
	}
}
