package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zkgroup/pkg/coord/memconn"
	"github.com/ryandielhenn/zkgroup/pkg/group"
)

const wait = 2 * time.Second

var bg = context.Background()

func start(t *testing.T, conn *memconn.Conn, addr string) *Node {
	t.Helper()
	g, err := group.New(conn, "cache", group.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close(bg) })

	n := New(g, addr, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, n.Start(bg))
	t.Cleanup(func() { _ = n.Stop(bg) })
	return n
}

func TestNormalizeHostPort(t *testing.T) {
	cases := map[string]string{
		"http://a:9000": "a:9000",
		"https://b":     "b:8080",
		"c:1":           "c:1",
		"d":             "d:8080",
	}
	for in, want := range cases {
		if got := NormalizeHostPort(in, DefaultPort); got != want {
			t.Fatalf("NormalizeHostPort(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNodesConvergeOnRing(t *testing.T) {
	s := memconn.NewStore()
	a := start(t, s.Connect(), "http://10.0.0.1:7000")
	b := start(t, s.Connect(), "10.0.0.2")

	want := map[string]string{
		a.Self(): "http://10.0.0.1:7000",
		b.Self(): "10.0.0.2",
	}
	for _, n := range []*Node{a, b} {
		assert.True(t, strings.HasPrefix(n.Self(), n.Group().Path()+"/"), "ring keys are absolute member paths: %q", n.Self())
	}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, a.Members()) && assert.ObjectsAreEqual(want, b.Members())
	}, wait, time.Millisecond)

	for _, key := range []string{"alpha", "beta", "gamma", "delta"} {
		ma, ha, ok := a.Owner(key)
		require.True(t, ok)
		mb, hb, _ := b.Owner(key)
		assert.Equal(t, ma, mb, "owners disagree for %q", key)
		assert.Equal(t, ha, hb)
		assert.Contains(t, []string{"10.0.0.1:7000", "10.0.0.2:8080"}, ha)
	}

	require.NoError(t, b.Stop(bg))
	require.Eventually(t, func() bool { return len(a.Members()) == 1 }, wait, time.Millisecond)
	owner, _, ok := a.Owner("alpha")
	require.True(t, ok)
	assert.Equal(t, a.Self(), owner)
	assert.Empty(t, b.Self())
}

func TestStartTwice(t *testing.T) {
	n := start(t, memconn.NewStore().Connect(), "a")
	assert.Error(t, n.Start(bg))
}

func TestHandlers(t *testing.T) {
	conn := memconn.NewStore().Connect()
	n := start(t, conn, "10.0.0.9:7000")
	require.Eventually(t, func() bool { return len(n.Members()) == 1 }, wait, time.Millisecond)

	srv := httptest.NewServer(n.Handler())
	defer srv.Close()
	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	resp, err := client.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(srv.URL + "/info")
	require.NoError(t, err)
	var info struct {
		Group   string `json:"group"`
		Self    string `json:"self"`
		Members []struct {
			Name string `json:"name"`
			Addr string `json:"addr"`
		} `json:"members"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.Equal(t, group.DefaultRoot+"/cache", info.Group)
	require.Len(t, info.Members, 1)
	assert.Equal(t, n.Self(), info.Members[0].Name)
	assert.Equal(t, "10.0.0.9:7000", info.Members[0].Addr)

	resp, err = client.Get(srv.URL + "/owner?key=k1")
	require.NoError(t, err)
	var owner struct {
		Owner string `json:"owner"`
		Addr  string `json:"addr"`
		Self  bool   `json:"self"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&owner))
	resp.Body.Close()
	assert.Equal(t, n.Self(), owner.Owner)
	assert.Equal(t, "10.0.0.9:7000", owner.Addr)
	assert.True(t, owner.Self)

	resp, err = client.Get(srv.URL + "/owner?key=k1&redirect=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "http://10.0.0.9:7000/", resp.Header.Get("Location"))

	resp, err = client.Get(srv.URL + "/owner")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = client.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn.ExpireSession()
	resp, err = client.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
