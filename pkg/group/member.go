package group

import (
	"bytes"
	"context"
	"path"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zkgroup/pkg/coord"
)

// Member is this process's handle on one member node.
type Member struct {
	group *Group
	path  string

	mu     sync.Mutex
	data   []byte
	loaded bool
}

func newMember(g *Group, p string, data []byte) *Member {
	return &Member{group: g, path: p, data: bytes.Clone(data), loaded: true}
}

// Name is the member's node name relative to the group.
func (m *Member) Name() string { return path.Base(m.path) }

func (m *Member) Path() string { return m.path }

func (m *Member) Group() *Group { return m.group }

// Active reports whether the member node still exists. Errors are logged
// and reported as false.
func (m *Member) Active(ctx context.Context) bool {
	ok, err := m.group.conn.Exists(ctx, m.path)
	if err != nil {
		m.group.log.Warn("member exists check failed", zap.String("member", m.path), zap.Error(err))
		return false
	}
	return ok
}

// Leave deletes the member node. Leaving twice is not an error.
func (m *Member) Leave(ctx context.Context) error {
	return m.group.conn.Delete(ctx, m.path, coord.IgnoreNoNode)
}

// Data returns the member's data, fetching it on first use. Later calls
// return the cached copy, which only SetData replaces.
func (m *Member) Data(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		data, _, err := m.group.conn.Get(ctx, m.path)
		if err != nil {
			return nil, translate(err, coord.ErrNoNode, ErrMemberDoesNotExist, m.path)
		}
		m.data, m.loaded = data, true
	}
	return bytes.Clone(m.data), nil
}

// SetData writes data to the member node and returns it.
func (m *Member) SetData(ctx context.Context, data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.group.conn.Set(ctx, m.path, data); err != nil {
		return nil, translate(err, coord.ErrNoNode, ErrMemberDoesNotExist, m.path)
	}
	m.data, m.loaded = bytes.Clone(data), true
	return bytes.Clone(data), nil
}
