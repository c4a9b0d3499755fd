package cron

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/owlcap/owlcap/internal/cluster"
	"github.com/owlcap/owlcap/internal/config"
	"github.com/owlcap/owlcap/internal/esstore"
	"github.com/owlcap/owlcap/internal/pcap"
)

// SessionFetcher loads full session documents for forwarding.
type SessionFetcher interface {
	GetSession(ctx context.Context, id string) (*esstore.Session, error)
}

// Forwarder ships a session's document and packets to a remote cluster. The
// wire frame is two length-prefixed parts: the session JSON, then a complete
// PCAP stream (global header plus this session's records).
type Forwarder struct {
	sessions  SessionFetcher
	pcaps     *pcap.Store
	resolver  *cluster.Resolver
	proxy     *cluster.Proxy
	clusters  map[string]config.RemoteClusterConfig
	localNode string
	log       *logrus.Entry
}

// NewForwarder wires a Forwarder for the configured remote clusters.
func NewForwarder(sessions SessionFetcher, pcaps *pcap.Store, resolver *cluster.Resolver,
	proxy *cluster.Proxy, clusters map[string]config.RemoteClusterConfig, localNode string) *Forwarder {
	return &Forwarder{
		sessions:  sessions,
		pcaps:     pcaps,
		resolver:  resolver,
		proxy:     proxy,
		clusters:  clusters,
		localNode: localNode,
		log:       logrus.WithField("component", "cron-forwarder"),
	}
}

// Send forwards a session to the named cluster. Sessions owned by a peer are
// handed to that peer, which reads its own disks and ships directly.
func (f *Forwarder) Send(ctx context.Context, sess *esstore.Session, clusterName string, tags []string, userID string) error {
	if f.resolver.IsLocal(sess.Node) {
		return f.SendLocal(ctx, sess.ID, clusterName, tags, userID)
	}

	path := fmt.Sprintf("/%s/sendSession/%s?cluster=%s&tags=%s",
		url.PathEscape(sess.Node), url.PathEscape(sess.ID),
		url.QueryEscape(clusterName), url.QueryEscape(strings.Join(tags, ",")))
	resp, err := f.proxy.Get(ctx, sess.Node, path, userID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node %s returned %s forwarding session %s", sess.Node, resp.Status, sess.ID)
	}
	return nil
}

// SendLocal reads the session's packets off local disk and posts the framed
// payload to the remote cluster's receive endpoint. Serves both the cron
// engine and the peer sendSession RPC.
func (f *Forwarder) SendLocal(ctx context.Context, sessionID, clusterName string, tags []string, userID string) error {
	rc, ok := f.clusters[clusterName]
	if !ok {
		return fmt.Errorf("unknown remote cluster %q", clusterName)
	}

	sess, err := f.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s for forwarding: %w", sessionID, err)
	}
	sess.Tags = mergeTags(sess.Tags, tags)

	spi, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sessionID, err)
	}

	var header []byte
	var records bytes.Buffer
	err = f.pcaps.EachSessionPacket(ctx, sess, pcap.ModeRead, func(h *pcap.Handle, offset int64) error {
		if header == nil {
			raw := h.FileHeader().Raw
			header = append([]byte(nil), raw[:]...)
		}
		pkt, err := h.ReadPacket(offset)
		if err != nil {
			return err
		}
		records.Write(pkt.Header[:])
		records.Write(pkt.Data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read packets of session %s: %w", sessionID, err)
	}

	body := frame(spi, header, records.Bytes())

	saveID := f.localNode + "-" + strconv.FormatInt(time.Now().UnixMilli(), 36)
	node := &cluster.Node{
		Name:   clusterName,
		URL:    strings.TrimSuffix(rc.URL, "/"),
		Secret: rc.ServerSecret,
	}
	if u, err := url.Parse(node.URL); err == nil {
		node.Scheme = u.Scheme
	}

	path := "/api/sessions/receive?saveId=" + url.QueryEscape(saveID)
	resp, err := f.proxy.Post(ctx, node, path, userID, bytes.NewReader(body), "application/x-www-form-urlencoded")
	if err != nil {
		return fmt.Errorf("failed to forward session %s to %s: %w", sessionID, clusterName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cluster %s returned %s for session %s", clusterName, resp.Status, sessionID)
	}

	f.log.WithFields(logrus.Fields{
		"session": sessionID,
		"cluster": clusterName,
		"bytes":   len(body),
	}).Debug("Session forwarded")
	return nil
}

// frame builds the receive-endpoint payload: big-endian u32 lengths of the
// session JSON and the PCAP stream (a reserved zero word between them), then
// the bytes themselves.
func frame(spi, pcapHeader, records []byte) []byte {
	pcapLen := len(pcapHeader) + len(records)
	out := make([]byte, 0, 12+len(spi)+pcapLen)

	var lens [12]byte
	binary.BigEndian.PutUint32(lens[0:4], uint32(len(spi)))
	binary.BigEndian.PutUint32(lens[4:8], 0)
	binary.BigEndian.PutUint32(lens[8:12], uint32(pcapLen))

	out = append(out, lens[:]...)
	out = append(out, spi...)
	out = append(out, pcapHeader...)
	out = append(out, records...)
	return out
}

func mergeTags(existing, add []string) []string {
	seen := make(map[string]bool, len(existing)+len(add))
	out := existing
	for _, t := range existing {
		seen[t] = true
	}
	for _, t := range add {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
