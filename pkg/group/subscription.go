package group

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ryandielhenn/zkgroup/internal/telemetry"
	"github.com/ryandielhenn/zkgroup/pkg/serial"
)

var subSeq atomic.Int64

// Subscription is one registered membership observer. Its callbacks run
// on a private queue.
type Subscription struct {
	group    *Group
	fn       ChangeFunc
	absolute bool
	queue    *serial.Queue
}

func newSubscription(g *Group, fn ChangeFunc, cfg subscribeConfig) *Subscription {
	name := fmt.Sprintf("sub:%s#%d", g.path, subSeq.Add(1))
	return &Subscription{
		group:    g,
		fn:       fn,
		absolute: cfg.absolute,
		queue:    serial.New(name, serial.WithLogger(g.log)),
	}
}

func (s *Subscription) notify(before, after []string) {
	if s.absolute {
		before, after = s.group.absolute(before), s.group.absolute(after)
	}
	s.queue.Submit(func() {
		telemetry.Deliveries.WithLabelValues(s.group.path).Inc()
		s.fn(before, after)
	})
}

// Unsubscribe detaches from the group. Deltas already queued are still
// delivered. Safe to call more than once, and from inside the callback.
func (s *Subscription) Unsubscribe() {
	s.group.removeSubscription(s)
	s.queue.Shutdown()
}

// Done is closed once the subscription is shut down and drained.
func (s *Subscription) Done() <-chan struct{} { return s.queue.Done() }

// Wait blocks until Done or ctx ends.
func (s *Subscription) Wait(ctx context.Context) error { return s.queue.Wait(ctx) }
