package memconn

import (
	"context"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zkgroup/pkg/coord"
)

var ctx = context.Background()

func TestCreateRequiresParent(t *testing.T) {
	c := NewStore().Connect()
	_, err := c.Create(ctx, "/a/b", nil, coord.Persistent)
	require.ErrorIs(t, err, coord.ErrNoParent)

	require.NoError(t, c.MkdirAll(ctx, "/a"))
	p, err := c.Create(ctx, "/a/b", []byte("x"), coord.Persistent)
	require.NoError(t, err)
	assert.Equal(t, "/a/b", p)

	_, err = c.Create(ctx, "/a/b", nil, coord.Persistent)
	require.ErrorIs(t, err, coord.ErrNodeExists)
}

func TestSequentialNamesAreZeroPaddedAndOrdered(t *testing.T) {
	c := NewStore().Connect()
	require.NoError(t, c.MkdirAll(ctx, "/g"))

	var paths []string
	for range 12 {
		p, err := c.Create(ctx, "/g/m", nil, coord.EphemeralSequential)
		require.NoError(t, err)
		paths = append(paths, p)
	}
	assert.Equal(t, "/g/m0000000000", paths[0])
	assert.Equal(t, "/g/m0000000011", paths[11])
	assert.True(t, sort.StringsAreSorted(paths))
}

func TestDeleteFlags(t *testing.T) {
	c := NewStore().Connect()
	require.NoError(t, c.MkdirAll(ctx, "/g/child"))

	require.ErrorIs(t, c.Delete(ctx, "/g", 0), coord.ErrNotEmpty)
	require.NoError(t, c.Delete(ctx, "/g", coord.IgnoreNotEmpty))
	ok, err := c.Exists(ctx, "/g")
	require.NoError(t, err)
	assert.True(t, ok, "IgnoreNotEmpty must leave the node in place")

	require.ErrorIs(t, c.Delete(ctx, "/missing", 0), coord.ErrNoNode)
	require.NoError(t, c.Delete(ctx, "/missing", coord.IgnoreNoNode))
}

func TestGetSetVersion(t *testing.T) {
	c := NewStore().Connect()
	_, err := c.Create(ctx, "/n", []byte("one"), coord.Persistent)
	require.NoError(t, err)

	st, err := c.Set(ctx, "/n", []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), st.Version)

	data, st, err := c.Get(ctx, "/n")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
	assert.Equal(t, int32(1), st.Version)

	_, err = c.Set(ctx, "/nope", nil)
	require.ErrorIs(t, err, coord.ErrNoNode)
}

func TestChildWatchFiresOnceUntilRearmed(t *testing.T) {
	s := NewStore()
	watcher, writer := s.Connect(), s.Connect()
	require.NoError(t, writer.MkdirAll(ctx, "/g"))

	var fired atomic.Int32
	watcher.WatchChildren("/g", func(ev coord.Event) {
		assert.Equal(t, coord.EventChildrenChanged, ev.Type)
		fired.Add(1)
	})

	_, err := watcher.Children(ctx, "/g", true)
	require.NoError(t, err)

	_, err = writer.Create(ctx, "/g/a", nil, coord.Persistent)
	require.NoError(t, err)
	_, err = writer.Create(ctx, "/g/b", nil, coord.Persistent)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load(), "one-shot watch fired twice without re-arm")

	names, err := watcher.Children(ctx, "/g", true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)

	require.NoError(t, writer.Delete(ctx, "/g/a", 0))
	require.Eventually(t, func() bool { return fired.Load() == 2 }, time.Second, time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c := NewStore().Connect()
	require.NoError(t, c.MkdirAll(ctx, "/g"))

	var fired atomic.Int32
	w := c.WatchChildren("/g", func(coord.Event) { fired.Add(1) })
	w.Unsubscribe()
	w.Unsubscribe()

	_, err := c.Children(ctx, "/g", true)
	require.NoError(t, err)
	_, err = c.Create(ctx, "/g/a", nil, coord.Persistent)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestExpireSessionRemovesEphemeralsAndReconnects(t *testing.T) {
	s := NewStore()
	owner, observer := s.Connect(), s.Connect()
	require.NoError(t, owner.MkdirAll(ctx, "/g"))
	p, err := owner.Create(ctx, "/g/m", nil, coord.EphemeralSequential)
	require.NoError(t, err)

	var observed, reconnected atomic.Int32
	observer.WatchChildren("/g", func(coord.Event) { observed.Add(1) })
	owner.OnConnected(func(ev coord.Event) {
		assert.Equal(t, coord.EventConnected, ev.Type)
		reconnected.Add(1)
	})
	_, err = observer.Children(ctx, "/g", true)
	require.NoError(t, err)

	before := owner.SessionID()
	owner.ExpireSession()
	assert.NotEqual(t, before, owner.SessionID())

	ok, err := observer.Exists(ctx, p)
	require.NoError(t, err)
	assert.False(t, ok, "ephemeral node survived session expiry")
	require.Eventually(t, func() bool { return observed.Load() == 1 && reconnected.Load() == 1 }, time.Second, time.Millisecond)
}

func TestCloseRejectsOperations(t *testing.T) {
	c := NewStore().Connect()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Exists(ctx, "/")
	require.ErrorIs(t, err, coord.ErrClosed)
}

func TestBadPath(t *testing.T) {
	c := NewStore().Connect()
	_, err := c.Create(ctx, "relative", nil, coord.Persistent)
	require.ErrorIs(t, err, coord.ErrBadPath)
}
