package cluster

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// proxyTimeout bounds a proxied request end to end. PCAP downloads over slow
// links are the long tail, hence the generous deadline.
const proxyTimeout = 20 * time.Minute

// Proxy forwards session-scoped requests to the node that owns the PCAP.
type Proxy struct {
	resolver *Resolver
	auth     *Auth
	mu       sync.Mutex
	clients  map[string]*http.Client // keyed by scheme + CA file
	log      *logrus.Entry
}

// NewProxy creates a Proxy using resolver for fleet topology and auth for
// peer token signing.
func NewProxy(resolver *Resolver, auth *Auth) *Proxy {
	return &Proxy{
		resolver: resolver,
		auth:     auth,
		clients:  make(map[string]*http.Client),
		log:      logrus.WithField("component", "cluster-proxy"),
	}
}

// clientFor returns the pooled client for a target node, one pool per scheme
// (plus CA variant), reused across all proxied requests.
func (p *Proxy) clientFor(node *Node) (*http.Client, error) {
	key := node.Scheme + "|" + node.CAFile

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c, nil
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if node.Scheme == "https" && node.CAFile != "" {
		pem, err := os.ReadFile(node.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file for node %s: %w", node.Name, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in CA file for node %s", node.Name)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	c := &http.Client{
		Timeout:   proxyTimeout,
		Transport: transport,
	}
	p.clients[key] = c
	return c, nil
}

// Forward proxies req to ownerNode on behalf of userID, streaming the
// response back through w. Transport failures surface as 502; there is no
// retry here, hunts carry their own retry layer.
func (p *Proxy) Forward(w http.ResponseWriter, req *http.Request, ownerNode, userID string) {
	node, err := p.resolver.Lookup(ownerNode)
	if err != nil {
		p.writeError(w, http.StatusBadGateway, fmt.Sprintf("unknown node %s", ownerNode))
		return
	}

	resp, err := p.do(req.Context(), node, req.Method, req.URL.RequestURI(), userID, req.Body, req.Header.Get("Content-Type"))
	if err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"node": ownerNode,
			"path": req.URL.Path,
		}).Error("Failed to proxy request to owning node")
		p.writeError(w, http.StatusBadGateway, fmt.Sprintf("node %s unreachable", ownerNode))
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.log.WithError(err).WithField("node", ownerNode).Warn("Proxy response copy interrupted")
	}
}

// Get performs a peer GET and returns the response. Callers own the body.
func (p *Proxy) Get(ctx context.Context, ownerNode, path, userID string) (*http.Response, error) {
	node, err := p.resolver.Lookup(ownerNode)
	if err != nil {
		return nil, err
	}
	return p.do(ctx, node, http.MethodGet, path, userID, nil, "")
}

// Post performs a peer POST with the given body stream. The session-forward
// path uses application/x-www-form-urlencoded so Content-Length framing is
// preserved end to end.
func (p *Proxy) Post(ctx context.Context, targetURL *Node, path, userID string, body io.Reader, contentType string) (*http.Response, error) {
	return p.do(ctx, targetURL, http.MethodPost, path, userID, body, contentType)
}

func (p *Proxy) do(ctx context.Context, node *Node, method, pathAndQuery, userID string, body io.Reader, contentType string) (*http.Response, error) {
	client, err := p.clientFor(node)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, node.URL+pathAndQuery, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer request: %w", err)
	}

	token, err := p.auth.Sign(userID, req.URL.Path, node.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign peer token: %w", err)
	}
	req.Header.Set(PeerAuthHeader, token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("peer request to %s failed: %w", node.Name, err)
	}

	p.log.WithFields(logrus.Fields{
		"node":        node.Name,
		"method":      method,
		"path":        req.URL.Path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Peer request completed")

	return resp, nil
}

func (p *Proxy) writeError(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"success":false,"text":%q}`, text)
}
