// Package cluster implements ownership-based request routing between viewer
// nodes: resolving which node owns a session's PCAP, signing and verifying
// peer-to-peer auth tokens, and transparently proxying requests to the owner.
package cluster

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/owlcap/owlcap/internal/config"
	"github.com/owlcap/owlcap/internal/esstore"
)

// Node describes how to reach one viewer in the fleet.
type Node struct {
	Name   string
	URL    string // scheme://host:port
	Scheme string
	CAFile string
	Secret string
}

// Resolver maps sessions to their owning node and knows how to reach peers.
type Resolver struct {
	localNode     string
	scheme        string
	viewPort      int
	defaultSecret string
	nodes         map[string]*Node
	log           *logrus.Entry
}

// NewResolver builds a Resolver from the configured fleet topology.
func NewResolver(cfg *config.Config) *Resolver {
	nodes := make(map[string]*Node, len(cfg.Nodes))
	for name, nc := range cfg.Nodes {
		n := &Node{
			Name:   name,
			URL:    strings.TrimSuffix(nc.ViewURL, "/"),
			CAFile: nc.CAFile,
			Secret: cfg.SecretForNode(name),
		}
		if u, err := url.Parse(n.URL); err == nil {
			n.Scheme = u.Scheme
		}
		nodes[name] = n
	}
	return &Resolver{
		localNode:     cfg.NodeName,
		scheme:        cfg.Scheme(),
		viewPort:      cfg.ViewPort,
		defaultSecret: cfg.ServerSecret,
		nodes:         nodes,
		log:           logrus.WithField("component", "cluster-resolver"),
	}
}

// LocalNode returns the name this process serves PCAP for.
func (r *Resolver) LocalNode() string {
	return r.localNode
}

// Resolve returns the node that owns the session's PCAP bytes.
func (r *Resolver) Resolve(sess *esstore.Session) string {
	return sess.Node
}

// IsLocal reports whether node's PCAP lives on this process's filesystem.
func (r *Resolver) IsLocal(node string) bool {
	return node == r.localNode
}

// Lookup returns connection details for a peer node. Nodes absent from the
// configured topology get a default URL derived from their name and the
// fleet-wide scheme and view port.
func (r *Resolver) Lookup(node string) (*Node, error) {
	if node == "" {
		return nil, fmt.Errorf("empty node name")
	}
	if n, ok := r.nodes[node]; ok {
		return n, nil
	}
	return &Node{
		Name:   node,
		URL:    fmt.Sprintf("%s://%s:%d", r.scheme, node, r.viewPort),
		Scheme: r.scheme,
		Secret: r.defaultSecret,
	}, nil
}
