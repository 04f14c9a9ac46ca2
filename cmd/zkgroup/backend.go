package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zkgroup/internal/config"
	"github.com/ryandielhenn/zkgroup/internal/tracing"
	"github.com/ryandielhenn/zkgroup/pkg/coord"
	"github.com/ryandielhenn/zkgroup/pkg/coord/etcdconn"
	"github.com/ryandielhenn/zkgroup/pkg/coord/zkconn"
	"github.com/ryandielhenn/zkgroup/pkg/group"
)

type globalFlags struct {
	configPath string
	backend    string
	servers    []string
	group      string
	root       string
}

// session is everything a command needs: configuration, a logger, a
// connection and a group handle. close tears it down in reverse order.
type session struct {
	cfg   config.Config
	log   *zap.Logger
	conn  closableConn
	group *group.Group

	closers []func(context.Context) error
}

func (f *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	if f.backend != "" {
		cfg.Backend = f.backend
	}
	if len(f.servers) > 0 {
		cfg.ZooKeeper.Servers = f.servers
		cfg.Etcd.Endpoints = f.servers
	}
	if f.group != "" {
		cfg.Group.Name = f.group
	}
	if f.root != "" {
		cfg.Group.Root = f.root
	}
	if cfg.Group.Name == "" {
		return cfg, errors.New("no group name: use --group or ZKGROUP_GROUP")
	}
	return cfg, cfg.Validate()
}

func (f *globalFlags) open() (*session, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	log, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, log: log}
	s.closers = append(s.closers, func(context.Context) error {
		_ = log.Sync()
		return nil
	})

	shutdown, err := tracing.Setup(cfg.Tracing)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	} else {
		s.closers = append(s.closers, shutdown)
	}

	s.conn, err = dial(cfg, log)
	if err != nil {
		return nil, multierr.Append(err, s.close(context.Background()))
	}
	s.closers = append(s.closers, func(context.Context) error { return s.conn.Close() })

	// the group handle is not closed here: Close deletes an empty group
	// node this handle created or adopted, which only run wants
	s.group, err = group.New(s.conn, cfg.Group.Name, cfg.GroupOptions(log))
	if err != nil {
		return nil, multierr.Append(err, s.close(context.Background()))
	}
	return s, nil
}

func (s *session) close(ctx context.Context) error {
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i](ctx))
	}
	s.closers = nil
	return err
}

type closableConn interface {
	coord.Conn
	Close() error
}

func dial(cfg config.Config, log *zap.Logger) (closableConn, error) {
	switch cfg.Backend {
	case config.BackendZooKeeper:
		log.Info("connecting", zap.String("backend", cfg.Backend), zap.Strings("servers", cfg.ZooKeeper.Servers))
		return zkconn.Dial(zkconn.Options{
			Servers:        cfg.ZooKeeper.Servers,
			SessionTimeout: cfg.ZooKeeper.SessionTimeout,
			Logger:         log,
		})
	case config.BackendEtcd:
		log.Info("connecting", zap.String("backend", cfg.Backend), zap.Strings("endpoints", cfg.Etcd.Endpoints))
		return etcdconn.Dial(etcdconn.Options{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			LeaseTTL:    cfg.Etcd.LeaseTTL,
			Logger:      log,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
