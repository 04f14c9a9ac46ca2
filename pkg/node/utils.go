package node

import (
	"net"
	"strings"
)

// NormalizeHostPort strips an http:// or https:// prefix from addr and adds
// defPort when addr has no port.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return addr + ":" + defPort
}

// Owner returns the member owning key and its normalized address.
func (n *Node) Owner(key string) (member, hostport string, ok bool) {
	member = n.ring.Lookup([]byte(key))
	addr, ok := n.ring.Addr(member)
	if !ok || addr == "" {
		return "", "", false
	}
	return member, NormalizeHostPort(addr, DefaultPort), true
}
