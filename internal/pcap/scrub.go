package pcap

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/owlcap/owlcap/internal/esstore"
)

// scrubFillText is the final overwrite pattern, repeated to length.
const scrubFillText = "Scrubbed! Hoot! "

// WhatToRemove selects how much of a session a scrub destroys.
type WhatToRemove string

const (
	RemoveSPI  WhatToRemove = "spi"  // delete the session document only
	RemovePcap WhatToRemove = "pcap" // overwrite the packet bytes on disk
	RemoveAll  WhatToRemove = "all"  // both
)

// ParseWhatToRemove validates the URL form of the scrub policy.
func ParseWhatToRemove(s string) (WhatToRemove, error) {
	switch WhatToRemove(s) {
	case RemoveSPI, RemovePcap, RemoveAll:
		return WhatToRemove(s), nil
	}
	return "", fmt.Errorf("unknown scrub policy %q", s)
}

// ScrubPacket overwrites the packet bytes at offset in place with three
// passes: 0x00, 0x01, then the text pattern repeated. With alsoHeader the
// 16-byte record header is overwritten too. Writes are not synced; the goal
// is redaction of live reads, not forensic-grade erasure of the medium.
func (h *Handle) ScrubPacket(offset int64, alsoHeader bool) error {
	var header [RecordHeaderLen]byte
	if _, err := h.f.ReadAt(header[:], offset); err != nil {
		return fmt.Errorf("failed to read record header at %d in %s: %w", offset, h.name, err)
	}
	capLen := int(h.header.ByteOrder.Uint32(header[8:12]))
	if capLen < 0 || capLen > 1<<24 {
		return fmt.Errorf("implausible capture length %d at %d in %s", capLen, offset, h.name)
	}

	start := offset + RecordHeaderLen
	length := capLen
	if alsoHeader {
		start = offset
		length += RecordHeaderLen
	}

	for pass := 0; pass < 3; pass++ {
		var fill []byte
		switch pass {
		case 0:
			fill = bytes.Repeat([]byte{0x00}, length)
		case 1:
			fill = bytes.Repeat([]byte{0x01}, length)
		case 2:
			fill = repeatToLength([]byte(scrubFillText), length)
		}
		if _, err := h.f.WriteAt(fill, start); err != nil {
			return fmt.Errorf("scrub pass %d failed at %d in %s: %w", pass+1, offset, h.name, err)
		}
	}
	return nil
}

func repeatToLength(pattern []byte, length int) []byte {
	if length <= 0 {
		return nil
	}
	out := bytes.Repeat(pattern, length/len(pattern)+1)
	return out[:length]
}

// SessionDocs is the slice of the session store the scrubber mutates.
type SessionDocs interface {
	UpdateSession(ctx context.Context, sess *esstore.Session, doc map[string]interface{}) error
	DeleteSession(ctx context.Context, sess *esstore.Session) error
}

// Scrubber applies the spi/pcap/all scrub policy to sessions owned by this
// node.
type Scrubber struct {
	store *Store
	docs  SessionDocs
	log   *logrus.Entry
}

// NewScrubber creates a Scrubber over the local PCAP store.
func NewScrubber(store *Store, docs SessionDocs) *Scrubber {
	return &Scrubber{
		store: store,
		docs:  docs,
		log:   logrus.WithField("component", "pcap-scrub"),
	}
}

// Scrub destroys session data according to what. PCAP scrubbing is
// idempotent: re-running overwrites already scrubbed bytes with the same
// final pattern.
func (s *Scrubber) Scrub(ctx context.Context, sess *esstore.Session, what WhatToRemove, userID string) error {
	if what == RemovePcap || what == RemoveAll {
		err := s.store.EachSessionPacket(ctx, sess, ModeWrite, func(h *Handle, offset int64) error {
			return h.ScrubPacket(offset, what == RemoveAll)
		})
		if err != nil {
			return fmt.Errorf("failed to scrub session %s: %w", sess.ID, err)
		}

		if what == RemovePcap {
			err := s.docs.UpdateSession(ctx, sess, map[string]interface{}{
				"scrubby": userID,
				"scrubat": time.Now().UnixMilli(),
			})
			if err != nil {
				return fmt.Errorf("failed to mark session %s scrubbed: %w", sess.ID, err)
			}
		}

		s.log.WithFields(logrus.Fields{
			"session": sess.ID,
			"what":    what,
			"user":    userID,
		}).Info("Scrubbed session packets")
	}

	if what == RemoveSPI || what == RemoveAll {
		if err := s.docs.DeleteSession(ctx, sess); err != nil {
			return fmt.Errorf("failed to delete session %s: %w", sess.ID, err)
		}
	}
	return nil
}
