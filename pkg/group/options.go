package group

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultRoot      = "/_zk/groups"
	DefaultPrefix    = "m"
	DefaultOpTimeout = 10 * time.Second
)

// Options configures a Group. Zero values take the defaults above.
type Options struct {
	// Root is the parent of every group node.
	Root string

	// Prefix names member nodes; the service appends a ten digit sequence.
	Prefix string

	// OpTimeout bounds the coordination calls made from notification
	// handlers, which have no caller context.
	OpTimeout time.Duration

	// Logger is optional. If nil, zap.NewNop() is used.
	Logger *zap.Logger
}

func (o *Options) setDefaults() {
	if o.Root == "" {
		o.Root = DefaultRoot
	}
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Validate checks a group name against the options.
func (o Options) Validate(name string) error {
	if name == "" {
		return errors.New("group: name is required")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("group: name %q must not contain '/'", name)
	}
	if o.Root != "" && !strings.HasPrefix(o.Root, "/") {
		return fmt.Errorf("group: root %q must start with '/'", o.Root)
	}
	if strings.Contains(o.Prefix, "/") {
		return fmt.Errorf("group: prefix %q must not contain '/'", o.Prefix)
	}
	return nil
}

type namesConfig struct {
	watch    bool
	absolute bool
}

// NamesOption adjusts MemberNames.
type NamesOption func(*namesConfig)

// WithoutWatch reads the children without re-arming the group's watch.
func WithoutWatch() NamesOption { return func(c *namesConfig) { c.watch = false } }

// Absolute returns full node paths instead of bare member names.
func Absolute() NamesOption { return func(c *namesConfig) { c.absolute = true } }

type subscribeConfig struct {
	absolute bool
}

// SubscribeOption adjusts OnMembershipChange.
type SubscribeOption func(*subscribeConfig)

// AbsolutePaths delivers full node paths instead of bare member names.
func AbsolutePaths() SubscribeOption { return func(c *subscribeConfig) { c.absolute = true } }
