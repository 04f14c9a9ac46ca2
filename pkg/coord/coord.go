// Package coord defines the slice of a hierarchical, watch-capable
// coordination service (ZooKeeper or an emulation of its node model) that
// group membership is built on.
package coord

import (
	"context"
	"errors"
	"path"
	"strings"
)

// CreateMode selects the node flavour passed to Conn.Create.
type CreateMode int

const (
	Ephemeral CreateMode = 1 << iota
	Sequential

	Persistent          CreateMode = 0
	EphemeralSequential            = Ephemeral | Sequential
)

func (m CreateMode) IsEphemeral() bool  { return m&Ephemeral != 0 }
func (m CreateMode) IsSequential() bool { return m&Sequential != 0 }

// DeleteFlags relax the failure conditions of Conn.Delete.
type DeleteFlags int

const (
	IgnoreNoNode DeleteFlags = 1 << iota
	IgnoreNotEmpty
)

// SequenceFormat is how sequential node names are suffixed, matching the
// zero padded ten digit counter ZooKeeper appends.
const SequenceFormat = "%s%010d"

// Stat is the subset of node metadata callers care about.
type Stat struct {
	Version        int32
	NumChildren    int32
	EphemeralOwner int64
}

// EventType classifies a notification.
type EventType int

const (
	EventChildrenChanged EventType = iota + 1
	EventConnected
)

func (t EventType) String() string {
	switch t {
	case EventChildrenChanged:
		return "children_changed"
	case EventConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Event is delivered to handlers registered with WatchChildren or OnConnected.
type Event struct {
	Type EventType
	Path string
}

// EventHandler is invoked on whatever goroutine the client delivers
// notifications on. Handlers must not block.
type EventHandler func(Event)

// Watcher is the handle returned by handler registration.
type Watcher interface {
	Unsubscribe()
}

// Conn is the coordination client contract.
//
// Children with watch=true reads the child list and arms a one-shot child
// watch in a single call; the next change under path fires the handlers
// registered with WatchChildren for that path exactly once, after which the
// watch must be armed again.
type Conn interface {
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error)
	Delete(ctx context.Context, path string, flags DeleteFlags) error
	Exists(ctx context.Context, path string) (bool, error)
	Get(ctx context.Context, path string) ([]byte, Stat, error)
	Set(ctx context.Context, path string, data []byte) (Stat, error)
	Children(ctx context.Context, path string, watch bool) ([]string, error)
	MkdirAll(ctx context.Context, path string) error
	WatchChildren(path string, h EventHandler) Watcher
	OnConnected(h EventHandler) Watcher
}

var (
	ErrNodeExists = errors.New("coord: node exists")
	ErrNoNode     = errors.New("coord: node does not exist")
	ErrNoParent   = errors.New("coord: parent node does not exist")
	ErrNotEmpty   = errors.New("coord: node has children")
	ErrBadPath    = errors.New("coord: invalid path")
	ErrClosed     = errors.New("coord: connection closed")
)

// PathError records the operation and path that failed.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string { return e.Op + " " + e.Path + ": " + e.Err.Error() }
func (e *PathError) Unwrap() error { return e.Err }

// ValidatePath checks that p is absolute, clean and not the empty string.
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' {
		return ErrBadPath
	}
	if p != "/" && (strings.HasSuffix(p, "/") || path.Clean(p) != p) {
		return ErrBadPath
	}
	return nil
}

// Parent returns the parent of an absolute path ("/" for top level nodes).
func Parent(p string) string {
	return path.Dir(p)
}

// Ancestors returns every proper prefix of p, shallowest first, excluding "/".
func Ancestors(p string) []string {
	var out []string
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}
	return out
}
