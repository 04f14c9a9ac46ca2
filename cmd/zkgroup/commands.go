package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zkgroup/internal/telemetry"
	"github.com/ryandielhenn/zkgroup/pkg/group"
	"github.com/ryandielhenn/zkgroup/pkg/node"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd(f *globalFlags) *cobra.Command {
	var addr, listen string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the group and serve status and key ownership over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			s, err := f.open()
			if err != nil {
				return err
			}
			defer closeSession(s)
			s.closers = append(s.closers, s.group.Close)

			if listen == "" {
				listen = s.cfg.Node.Listen
			}
			if addr == "" {
				addr = s.cfg.Node.Addr
			}
			if addr == "" {
				addr = defaultAddr(listen)
			}
			telemetry.SetBuildInfo(version, gitSHA)

			n := node.New(s.group, addr, node.Options{Replicas: s.cfg.Node.Replicas, Logger: s.log})
			if err := n.Start(ctx); err != nil {
				return err
			}
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer scancel()
				if err := n.Stop(sctx); err != nil {
					s.log.Warn("leave group", zap.Error(err))
				}
			}()

			srv := &http.Server{Addr: listen, Handler: n.Handler(), ReadHeaderTimeout: 5 * time.Second}
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			s.log.Info("node listening", zap.String("listen", listen), zap.String("member", n.Self()))

			select {
			case <-ctx.Done():
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			}
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "address advertised to other members (default hostname:port of --listen)")
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	return cmd
}

func newCreateCmd(f *globalFlags) *cobra.Command {
	var exclusive bool
	var data string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create the group node",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := f.open()
			if err != nil {
				return err
			}
			defer closeSession(s)

			ctx := cmd.Context()
			var p string
			if exclusive {
				p, err = s.group.CreateExclusive(ctx, []byte(data))
			} else {
				p, err = s.group.Create(ctx, []byte(data))
			}
			if err != nil {
				return err
			}
			if p == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", s.group.Path())
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	}
	cmd.Flags().BoolVar(&exclusive, "exclusive", false, "fail if the group already exists")
	cmd.Flags().StringVar(&data, "data", "", "data stored on the group node")
	return cmd
}

func newMembersCmd(f *globalFlags) *cobra.Command {
	var absolute, withData bool
	cmd := &cobra.Command{
		Use:   "members",
		Short: "List the current members",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := f.open()
			if err != nil {
				return err
			}
			defer closeSession(s)

			ctx := cmd.Context()
			opts := []group.NamesOption{group.WithoutWatch()}
			if absolute {
				opts = append(opts, group.Absolute())
			}
			names, err := s.group.MemberNames(ctx, opts...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range names {
				if !withData {
					fmt.Fprintln(out, name)
					continue
				}
				data, err := s.group.Member(name).Data(ctx)
				if err != nil {
					// left between the list and the read
					continue
				}
				fmt.Fprintf(out, "%s\t%s\n", name, data)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&absolute, "absolute", false, "print full node paths")
	cmd.Flags().BoolVar(&withData, "data", false, "print each member's data")
	return cmd
}

func newWatchCmd(f *globalFlags) *cobra.Command {
	var absolute, asJSON bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print membership changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			s, err := f.open()
			if err != nil {
				return err
			}
			defer closeSession(s)

			out := cmd.OutOrStdout()
			var opts []group.SubscribeOption
			if absolute {
				opts = append(opts, group.AbsolutePaths())
			}
			s.group.OnMembershipChange(func(before, after []string) {
				added, removed := group.Diff(before, after)
				if asJSON {
					_ = json.NewEncoder(out).Encode(map[string][]string{
						"members": after, "added": added, "removed": removed,
					})
					return
				}
				fmt.Fprintf(out, "%s members=[%s] +[%s] -[%s]\n", time.Now().Format(time.RFC3339),
					strings.Join(after, " "), strings.Join(added, " "), strings.Join(removed, " "))
			}, opts...)

			// adopt the existing node so notifications flow; never create it
			if !s.group.Exists(ctx) {
				return fmt.Errorf("%s: %w", s.group.Path(), group.ErrGroupDoesNotExist)
			}
			if _, err := s.group.Create(ctx, nil); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&absolute, "absolute", false, "print full node paths")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per change")
	return cmd
}

func newJoinCmd(f *globalFlags) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join the group and hold the membership until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			s, err := f.open()
			if err != nil {
				return err
			}
			defer closeSession(s)

			if data == "" {
				data = uuid.NewString()
			}
			m, err := s.group.Join(ctx, []byte(data))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), m.Path())
			<-ctx.Done()

			lctx, lcancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer lcancel()
			return m.Leave(lctx)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "member data (default a random UUID)")
	return cmd
}

func closeSession(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.close(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "zkgroup: close:", err)
	}
}

// defaultAddr advertises this host with the port of listen.
func defaultAddr(listen string) string {
	_, port, err := net.SplitHostPort(listen)
	if err != nil || port == "" {
		port = node.DefaultPort
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
