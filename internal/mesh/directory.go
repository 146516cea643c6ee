// Package mesh forwards messages between relay hosts of one private mesh.
package mesh

import (
	"fmt"
	"sort"
	"strings"
)

// Directory maps mesh host ids to their base URLs.
type Directory struct {
	self  string
	peers map[string]string
}

// NewDirectory creates a directory for the host self. Peer URLs are stored
// without a trailing slash; an entry for self is ignored.
func NewDirectory(self string, peers map[string]string) *Directory {
	d := &Directory{self: self, peers: make(map[string]string, len(peers))}
	for id, url := range peers {
		id = strings.TrimSpace(id)
		if id == "" || id == self {
			continue
		}
		d.peers[id] = strings.TrimRight(strings.TrimSpace(url), "/")
	}
	return d
}

// ParsePeers parses "id=url,id=url".
func ParsePeers(s string) (map[string]string, error) {
	peers := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, url, ok := strings.Cut(part, "=")
		id, url = strings.TrimSpace(id), strings.TrimSpace(url)
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("invalid mesh peer %q, want id=url", part)
		}
		peers[id] = url
	}
	return peers, nil
}

// Self returns this host's id.
func (d *Directory) Self() string {
	return d.self
}

// IsSelf reports whether hostID names this host.
func (d *Directory) IsSelf(hostID string) bool {
	return hostID != "" && strings.EqualFold(hostID, d.self)
}

// Lookup returns the base URL of a peer.
func (d *Directory) Lookup(hostID string) (string, bool) {
	if url, ok := d.peers[hostID]; ok {
		return url, true
	}
	for id, url := range d.peers {
		if strings.EqualFold(id, hostID) {
			return url, true
		}
	}
	return "", false
}

// IsPeer reports whether hostID is a configured peer. This host is never its
// own peer.
func (d *Directory) IsPeer(hostID string) bool {
	if d.IsSelf(hostID) {
		return false
	}
	_, ok := d.Lookup(hostID)
	return ok
}

// Peers returns the peer host ids in sorted order.
func (d *Directory) Peers() []string {
	ids := make([]string, 0, len(d.peers))
	for id := range d.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
