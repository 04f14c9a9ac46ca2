// Package config loads process configuration from an optional YAML file
// and ZKGROUP_* environment variables, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/zkgroup/pkg/group"
)

const (
	BackendZooKeeper = "zookeeper"
	BackendEtcd      = "etcd"
)

type Config struct {
	Backend   string    `yaml:"backend"`
	ZooKeeper ZooKeeper `yaml:"zookeeper"`
	Etcd      Etcd      `yaml:"etcd"`
	Group     Group     `yaml:"group"`
	Node      Node      `yaml:"node"`
	Log       Log       `yaml:"log"`
	Tracing   bool      `yaml:"tracing"`
}

type ZooKeeper struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type Etcd struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	LeaseTTL    int64         `yaml:"lease_ttl"`
}

type Group struct {
	Name   string `yaml:"name"`
	Root   string `yaml:"root"`
	Prefix string `yaml:"prefix"`
}

type Node struct {
	// Addr is advertised to other members as this node's member data.
	Addr     string `yaml:"addr"`
	Listen   string `yaml:"listen"`
	Replicas int    `yaml:"replicas"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

func Default() Config {
	return Config{
		Backend: BackendZooKeeper,
		ZooKeeper: ZooKeeper{
			Servers:        []string{"127.0.0.1:2181"},
			SessionTimeout: 10 * time.Second,
		},
		Etcd: Etcd{
			Endpoints:   []string{"http://etcd:2379"},
			DialTimeout: 5 * time.Second,
			LeaseTTL:    10,
		},
		Group: Group{
			Root:   group.DefaultRoot,
			Prefix: group.DefaultPrefix,
		},
		Node: Node{
			Listen:   ":8080",
			Replicas: 128,
		},
		Log: Log{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults, when path is not empty, then applies
// the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}
	var err error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, e := time.ParseDuration(v)
			if e != nil {
				err = multierr.Append(err, fmt.Errorf("config: %s: %w", key, e))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int64) {
		if v, ok := lookup(key); ok && v != "" {
			n, e := strconv.ParseInt(v, 10, 64)
			if e != nil {
				err = multierr.Append(err, fmt.Errorf("config: %s: %w", key, e))
				return
			}
			*dst = n
		}
	}

	str("ZKGROUP_BACKEND", &c.Backend)
	list("ZKGROUP_ZK_SERVERS", &c.ZooKeeper.Servers)
	dur("ZKGROUP_ZK_SESSION_TIMEOUT", &c.ZooKeeper.SessionTimeout)
	list("ZKGROUP_ETCD_ENDPOINTS", &c.Etcd.Endpoints)
	dur("ZKGROUP_ETCD_DIAL_TIMEOUT", &c.Etcd.DialTimeout)
	integer("ZKGROUP_ETCD_LEASE_TTL", &c.Etcd.LeaseTTL)
	str("ZKGROUP_GROUP", &c.Group.Name)
	str("ZKGROUP_ROOT", &c.Group.Root)
	str("ZKGROUP_PREFIX", &c.Group.Prefix)
	str("ZKGROUP_ADDR", &c.Node.Addr)
	str("ZKGROUP_LISTEN", &c.Node.Listen)
	str("ZKGROUP_LOG_LEVEL", &c.Log.Level)
	str("ZKGROUP_LOG_FORMAT", &c.Log.Format)
	if v, ok := lookup("ZKGROUP_REPLICAS"); ok && v != "" {
		var n int64
		integer("ZKGROUP_REPLICAS", &n)
		c.Node.Replicas = int(n)
	}
	if v, ok := lookup("ZKGROUP_TRACING"); ok && v != "" {
		b, e := strconv.ParseBool(v)
		if e != nil {
			err = multierr.Append(err, fmt.Errorf("config: ZKGROUP_TRACING: %w", e))
		} else {
			c.Tracing = b
		}
	}
	return err
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var err error
	switch c.Backend {
	case BackendZooKeeper:
		if len(c.ZooKeeper.Servers) == 0 {
			err = multierr.Append(err, errors.New("config: zookeeper.servers is empty"))
		}
	case BackendEtcd:
		if len(c.Etcd.Endpoints) == 0 {
			err = multierr.Append(err, errors.New("config: etcd.endpoints is empty"))
		}
		if c.Etcd.LeaseTTL <= 0 {
			err = multierr.Append(err, errors.New("config: etcd.lease_ttl must be positive"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("config: unknown backend %q", c.Backend))
	}
	if c.Group.Name != "" {
		if e := c.GroupOptions(nil).Validate(c.Group.Name); e != nil {
			err = multierr.Append(err, e)
		}
	}
	if _, e := zapcore.ParseLevel(c.Log.Level); e != nil {
		err = multierr.Append(err, fmt.Errorf("config: log.level: %w", e))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		err = multierr.Append(err, fmt.Errorf("config: log.format %q is not json or console", c.Log.Format))
	}
	return err
}

// GroupOptions returns the group.Options the configuration describes.
func (c Config) GroupOptions(log *zap.Logger) group.Options {
	return group.Options{Root: c.Group.Root, Prefix: c.Group.Prefix, Logger: log}
}

// Logger builds the process logger.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
