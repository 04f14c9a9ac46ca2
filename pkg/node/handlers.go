package node

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zkgroup/internal/telemetry"
)

const DefaultPort = "8080"

// Handler serves the node's status endpoints.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/owner", telemetry.Instrument("owner", http.HandlerFunc(n.OwnerHandler)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// Healthz returns 200 while this node holds its membership and 503 after
// the member node has gone, e.g. on session expiry.
func (n *Node) Healthz(w http.ResponseWriter, req *http.Request) {
	n.mu.Lock()
	m := n.member
	n.mu.Unlock()
	if m == nil || !m.Active(req.Context()) {
		http.Error(w, "not a member", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type memberInfo struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// Info writes the process, group and ring state as JSON.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID     int          `json:"pid"`
		Now     time.Time    `json:"now"`
		Group   string       `json:"group"`
		Self    string       `json:"self"`
		Addr    string       `json:"addr"`
		Members []memberInfo `json:"members"`
	}
	members := make([]memberInfo, 0)
	for name, addr := range n.Members() {
		members = append(members, memberInfo{Name: name, Addr: addr})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })

	writeJSON(w, n.log, resp{
		PID:     os.Getpid(),
		Now:     time.Now(),
		Group:   n.g.Path(),
		Self:    n.Self(),
		Addr:    n.addr,
		Members: members,
	})
}

// OwnerHandler maps ?key= to its owning member. With redirect=1 it
// redirects to the owner's address instead.
func (n *Node) OwnerHandler(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	member, hostport, ok := n.Owner(key)
	if !ok {
		http.Error(w, "no owner for key", http.StatusServiceUnavailable)
		return
	}
	if req.URL.Query().Get("redirect") == "1" {
		target := *req.URL
		target.Scheme = "http"
		target.Host = hostport
		target.Path = "/"
		target.RawQuery = ""
		http.Redirect(w, req, target.String(), http.StatusTemporaryRedirect)
		return
	}
	writeJSON(w, n.log, struct {
		Key   string `json:"key"`
		Owner string `json:"owner"`
		Addr  string `json:"addr"`
		Self  bool   `json:"self"`
	}{key, member, hostport, member == n.Self()})
}

func writeJSON(w http.ResponseWriter, log *zap.Logger, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("encode response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
