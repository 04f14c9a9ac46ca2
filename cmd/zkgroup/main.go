package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set with -ldflags at build time.
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "zkgroup:", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	var flags globalFlags
	root := &cobra.Command{
		Use:           "zkgroup",
		Short:         "Group membership on ZooKeeper or etcd",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", os.Getenv("ZKGROUP_CONFIG"), "path to a YAML config file")
	pf.StringVar(&flags.backend, "backend", "", "coordination backend: zookeeper|etcd (overrides config)")
	pf.StringSliceVar(&flags.servers, "servers", nil, "zookeeper servers or etcd endpoints (overrides config)")
	pf.StringVarP(&flags.group, "group", "g", "", "group name (overrides config)")
	pf.StringVar(&flags.root, "root", "", "parent node of all groups (overrides config)")

	root.AddCommand(
		newRunCmd(&flags),
		newCreateCmd(&flags),
		newMembersCmd(&flags),
		newWatchCmd(&flags),
		newJoinCmd(&flags),
	)
	return root
}
