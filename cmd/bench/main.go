// Command bench joins and leaves many members concurrently and reports how
// many aggregate deltas a subscriber observed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zkgroup/pkg/coord"
	"github.com/ryandielhenn/zkgroup/pkg/coord/etcdconn"
	"github.com/ryandielhenn/zkgroup/pkg/coord/memconn"
	"github.com/ryandielhenn/zkgroup/pkg/coord/zkconn"
	"github.com/ryandielhenn/zkgroup/pkg/group"
)

func main() {
	backend := flag.String("backend", "memory", "memory|zookeeper|etcd")
	servers := flag.String("servers", "", "comma-separated zookeeper servers or etcd endpoints")
	n := flag.Int("n", 500, "members to join")
	conc := flag.Int("c", 32, "concurrency")
	name := flag.String("group", "bench-"+uuid.NewString()[:8], "group name")
	flag.Parse()

	conn, closeConn, err := dial(*backend, *servers)
	if err != nil {
		log.Fatal(err)
	}
	defer closeConn()

	ctx := context.Background()
	g, err := group.New(conn, *name, group.Options{Logger: zap.NewNop()})
	if err != nil {
		log.Fatal(err)
	}
	defer g.Close(ctx)
	if _, err := g.Create(ctx, nil); err != nil {
		log.Fatal(err)
	}

	var deltas, maxSeen atomic.Int64
	sub := g.OnMembershipChange(func(_, after []string) {
		deltas.Add(1)
		if m := int64(len(after)); m > maxSeen.Load() {
			maxSeen.Store(m)
		}
	})

	start := time.Now()
	members := make([]*group.Member, *n)
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(*conc)
	for i := range members {
		eg.Go(func() error {
			m, err := g.Join(ectx, []byte(uuid.NewString()))
			members[i] = m
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		log.Fatal(err)
	}
	joined := time.Since(start)

	eg, ectx = errgroup.WithContext(ctx)
	eg.SetLimit(*conc)
	for _, m := range members {
		eg.Go(func() error { return m.Leave(ectx) })
	}
	if err := eg.Wait(); err != nil {
		log.Fatal(err)
	}

	// wait for the subscriber to observe the empty group
	deadline := time.Now().Add(30 * time.Second)
	for len(g.KnownMembers()) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	total := time.Since(start)
	sub.Unsubscribe()
	_ = sub.Wait(ctx)

	fmt.Printf("joined %d members in %s, churn settled in %s\n", *n, joined, total)
	fmt.Printf("subscriber saw %d deltas for %d changes (peak %d members)\n", deltas.Load(), 2*(*n), maxSeen.Load())
}

func dial(backend, servers string) (coord.Conn, func(), error) {
	list := strings.Split(servers, ",")
	switch backend {
	case "memory":
		c := memconn.NewStore().Connect()
		return c, func() { _ = c.Close() }, nil
	case "zookeeper":
		c, err := zkconn.Dial(zkconn.Options{Servers: list})
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	case "etcd":
		c, err := etcdconn.Dial(etcdconn.Options{Endpoints: list})
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", backend)
}
