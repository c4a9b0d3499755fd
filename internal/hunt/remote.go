package hunt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/owlcap/owlcap/internal/cluster"
)

// RemoteResult is the wire shape of a per-session peer search reply.
type RemoteResult struct {
	Matched bool   `json:"matched"`
	Error   string `json:"error,omitempty"`
}

// ProxyRemote runs per-session searches on owning nodes over the cluster
// proxy.
type ProxyRemote struct {
	proxy *cluster.Proxy
}

// NewProxyRemote wraps a cluster proxy for hunt use.
func NewProxyRemote(p *cluster.Proxy) *ProxyRemote {
	return &ProxyRemote{proxy: p}
}

// HuntSession asks node to search sessionID's packets for huntID's pattern.
func (r *ProxyRemote) HuntSession(ctx context.Context, node, huntID, sessionID, userID string) (bool, error) {
	path := fmt.Sprintf("/%s/hunt/%s/remote/%s", node, huntID, sessionID)
	resp, err := r.proxy.Get(ctx, node, path, userID)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("node %s returned %s for session %s", node, resp.Status, sessionID)
	}

	var res RemoteResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return false, fmt.Errorf("failed to decode remote hunt reply from %s: %w", node, err)
	}
	if res.Error != "" {
		return false, fmt.Errorf("node %s: %s", node, res.Error)
	}
	return res.Matched, nil
}
