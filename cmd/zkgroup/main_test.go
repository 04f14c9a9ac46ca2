package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zkgroup/internal/config"
)

func TestRootCommands(t *testing.T) {
	root := newRoot()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "create", "members", "watch", "join"}, names)
}

func TestFlagsOverrideConfig(t *testing.T) {
	t.Setenv("ZKGROUP_GROUP", "from-env")
	f := globalFlags{
		backend: config.BackendEtcd,
		servers: []string{"http://e1:2379"},
		group:   "from-flag",
		root:    "/svc",
	}
	cfg, err := f.load()
	require.NoError(t, err)
	assert.Equal(t, config.BackendEtcd, cfg.Backend)
	assert.Equal(t, []string{"http://e1:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, "from-flag", cfg.Group.Name)
	assert.Equal(t, "/svc", cfg.Group.Root)
}

func TestLoadRequiresGroup(t *testing.T) {
	t.Setenv("ZKGROUP_GROUP", "")
	_, err := (&globalFlags{}).load()
	assert.Error(t, err)
}

func TestLoadRejectsBadBackend(t *testing.T) {
	_, err := (&globalFlags{backend: "consul", group: "g"}).load()
	assert.Error(t, err)
}

func TestDefaultAddr(t *testing.T) {
	assert.True(t, strings.HasSuffix(defaultAddr(":9000"), ":9000"))
	assert.True(t, strings.HasSuffix(defaultAddr("bogus"), ":8080"))
}
