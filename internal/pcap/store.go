// Package pcap opens locally captured PCAP files by (node, fileNum), reads
// packet records by absolute byte offset, and destructively scrubs payloads
// for retention or redaction.
package pcap

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/owlcap/owlcap/internal/esstore"
)

// Mode selects how a handle is opened. Write handles get a distinct cache
// key so a scrub never shares a descriptor with concurrent readers.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// FileSource resolves (node, fileNum) to a files-index row. Implemented by
// esstore.
type FileSource interface {
	GetFile(ctx context.Context, node string, num int64) (*esstore.File, error)
}

// Store caches reference-counted open PCAP handles per (mode, node, fileNum).
type Store struct {
	files      FileSource
	maxHandles int
	mu         sync.Mutex
	handles    map[string]*Handle
	log        *logrus.Entry
}

// NewStore creates a Store. maxHandles bounds cached open descriptors;
// handles in use are never evicted.
func NewStore(files FileSource, maxHandles int) *Store {
	if maxHandles <= 0 {
		maxHandles = 60
	}
	return &Store{
		files:      files,
		maxHandles: maxHandles,
		handles:    make(map[string]*Handle),
		log:        logrus.WithField("component", "pcap-store"),
	}
}

// Handle is a reference-counted open PCAP file.
type Handle struct {
	store    *Store
	key      string
	f        *os.File
	node     string
	num      int64
	name     string
	refs     int
	header   FileHeader
	encoding string
}

// Name returns the on-disk path of the file.
func (h *Handle) Name() string { return h.name }

// FileHeader returns the parsed 24-byte global header.
func (h *Handle) FileHeader() FileHeader { return h.header }

func cacheKey(mode Mode, node string, num int64) string {
	if mode == ModeWrite {
		return fmt.Sprintf("write:%s:%d", node, num)
	}
	return fmt.Sprintf("%s:%d", node, num)
}

// Open returns a handle for (node, fileNum), reusing a cached one when the
// mode matches. Callers must Release.
func (s *Store) Open(ctx context.Context, mode Mode, node string, num int64) (*Handle, error) {
	key := cacheKey(mode, node, num)

	s.mu.Lock()
	if h, ok := s.handles[key]; ok {
		h.refs++
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	file, err := s.files.GetFile(ctx, node, num)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pcap file %s-%d: %w", node, num, err)
	}

	flags := os.O_RDONLY
	if mode == ModeWrite {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(file.Name, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", file.Name, err)
	}

	header, err := readFileHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap header of %s: %w", file.Name, err)
	}

	h := &Handle{
		store:    s,
		key:      key,
		f:        f,
		node:     node,
		num:      num,
		name:     file.Name,
		refs:     1,
		header:   header,
		encoding: file.Encoding,
	}

	s.mu.Lock()
	// Another goroutine may have opened the same key while we were on disk.
	if existing, ok := s.handles[key]; ok {
		existing.refs++
		s.mu.Unlock()
		f.Close()
		return existing, nil
	}
	s.handles[key] = h
	s.evictIdleLocked()
	s.mu.Unlock()

	return h, nil
}

// Release drops one reference. Idle handles stay cached until eviction.
func (h *Handle) Release() {
	h.store.mu.Lock()
	h.refs--
	h.store.mu.Unlock()
}

// evictIdleLocked closes unreferenced handles while over the cache bound.
func (s *Store) evictIdleLocked() {
	if len(s.handles) <= s.maxHandles {
		return
	}
	for key, h := range s.handles {
		if h.refs > 0 {
			continue
		}
		delete(s.handles, key)
		if err := h.f.Close(); err != nil {
			s.log.WithError(err).WithField("file", h.name).Warn("Failed to close evicted pcap handle")
		}
		if len(s.handles) <= s.maxHandles {
			return
		}
	}
}

// Invalidate drops cached handles for a file, e.g. after expiry deletes it.
func (s *Store) Invalidate(node string, num int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mode := range []Mode{ModeRead, ModeWrite} {
		key := cacheKey(mode, node, num)
		if h, ok := s.handles[key]; ok && h.refs == 0 {
			delete(s.handles, key)
			h.f.Close()
		}
	}
}

// EachSessionPacket walks a session's packetPos list, opening the right file
// as it goes. A leading negative entry encodes the file number for the
// positive offsets that follow it.
func (s *Store) EachSessionPacket(ctx context.Context, sess *esstore.Session, mode Mode, fn func(h *Handle, offset int64) error) error {
	var h *Handle
	defer func() {
		if h != nil {
			h.Release()
		}
	}()

	for _, pos := range sess.PacketPos {
		if pos < 0 {
			if h != nil {
				h.Release()
				h = nil
			}
			nh, err := s.Open(ctx, mode, sess.Node, -pos)
			if err != nil {
				return err
			}
			h = nh
			continue
		}
		if h == nil {
			return fmt.Errorf("session %s: packetPos has offset before file marker", sess.ID)
		}
		if err := fn(h, pos); err != nil {
			return err
		}
	}
	return nil
}
