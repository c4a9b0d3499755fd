package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/owlcap/owlcap/internal/esstore"
	"github.com/owlcap/owlcap/internal/middleware"
	"github.com/owlcap/owlcap/internal/pcap"
)

const (
	// receiveMaxSPI bounds the session document part of a received frame.
	receiveMaxSPI = 4 << 20
	// receiveMaxPcap bounds the packet part of a received frame.
	receiveMaxPcap = 2 << 30
)

var saveIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// handleSessionsReceive ingests a session forwarded by another cluster: the
// frame carries the session document and a self-contained PCAP stream. The
// packets are appended to a per-saveId file here and the document reindexed
// under this node.
func (s *Server) handleSessionsReceive(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())
	if !p.PeerAuth {
		writeError(w, http.StatusForbidden, "peer token required")
		return
	}

	saveID := r.URL.Query().Get("saveId")
	if !saveIDPattern.MatchString(saveID) {
		writeError(w, http.StatusBadRequest, "bad saveId")
		return
	}

	sess, header, records, err := readReceiveFrame(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	num, offsets, size, err := s.appendReceived(r.Context(), saveID, header, records)
	if err != nil {
		s.log.WithError(err).WithField("saveId", saveID).Error("Failed to store received packets")
		writeError(w, http.StatusInternalServerError, "failed to store packets")
		return
	}

	// The document now describes local storage: this node owns it, with
	// packet positions rewritten into the receive file.
	sess.ID = ""
	sess.Index = ""
	sess.Node = s.cfg.NodeName
	if num != 0 {
		sess.FileID = []int64{num}
		sess.PacketPos = append([]int64{-num}, offsets...)
	} else {
		sess.FileID = nil
		sess.PacketPos = nil
	}

	if _, err := s.es.CreateSession(r.Context(), sess); err != nil {
		s.log.WithError(err).WithField("saveId", saveID).Error("Failed to index received session")
		writeError(w, http.StatusInternalServerError, "failed to index session")
		return
	}

	s.log.WithFields(logrus.Fields{
		"saveId":  saveID,
		"packets": len(offsets),
		"bytes":   size,
	}).Info("Received forwarded session")
	writeSuccess(w, "received")
}

// readReceiveFrame parses the forward wire format: big-endian u32 lengths of
// the session JSON and the PCAP stream with a reserved word between, then
// the two parts.
func readReceiveFrame(body io.Reader) (*esstore.Session, []byte, []byte, error) {
	var lens [12]byte
	if _, err := io.ReadFull(body, lens[:]); err != nil {
		return nil, nil, nil, fmt.Errorf("truncated frame: %w", err)
	}
	spiLen := binary.BigEndian.Uint32(lens[0:4])
	pcapLen := binary.BigEndian.Uint32(lens[8:12])
	if spiLen == 0 || spiLen > receiveMaxSPI {
		return nil, nil, nil, fmt.Errorf("implausible spi length %d", spiLen)
	}
	if pcapLen > receiveMaxPcap {
		return nil, nil, nil, fmt.Errorf("implausible pcap length %d", pcapLen)
	}

	spi := make([]byte, spiLen)
	if _, err := io.ReadFull(body, spi); err != nil {
		return nil, nil, nil, fmt.Errorf("truncated session document: %w", err)
	}
	sess := &esstore.Session{}
	if err := json.Unmarshal(spi, sess); err != nil {
		return nil, nil, nil, fmt.Errorf("bad session document: %w", err)
	}

	if pcapLen == 0 {
		return sess, nil, nil, nil
	}
	if pcapLen < pcap.FileHeaderLen {
		return nil, nil, nil, fmt.Errorf("pcap part shorter than its header")
	}
	stream := make([]byte, pcapLen)
	if _, err := io.ReadFull(body, stream); err != nil {
		return nil, nil, nil, fmt.Errorf("truncated pcap stream: %w", err)
	}
	return sess, stream[:pcap.FileHeaderLen], stream[pcap.FileHeaderLen:], nil
}

// appendReceived appends the records to the saveId's receive file, creating
// it with the sender's global header, and returns the synthetic file number,
// the absolute offset of each appended record and the final file size.
func (s *Server) appendReceived(ctx context.Context, saveID string, header, records []byte) (int64, []int64, int64, error) {
	if header == nil {
		return 0, nil, 0, nil
	}
	fh, err := pcap.ParseFileHeader(header)
	if err != nil {
		return 0, nil, 0, err
	}

	dir := s.cfg.PcapDirs()[0]
	name := filepath.Join(dir, saveID+".pcap")
	num := receiveFileNum(saveID)

	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return 0, nil, 0, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, nil, 0, err
	}
	base := st.Size()
	if base == 0 {
		if _, err := f.Write(header); err != nil {
			return 0, nil, 0, err
		}
		base = pcap.FileHeaderLen
	} else if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return 0, nil, 0, err
	}

	offsets, err := recordOffsets(fh, records, base)
	if err != nil {
		return 0, nil, 0, err
	}
	if _, err := f.Write(records); err != nil {
		return 0, nil, 0, err
	}
	size := base + int64(len(records))

	// Received files are locked: local expiry must never delete sessions
	// another cluster paid to preserve here.
	file := &esstore.File{
		Node:     s.cfg.NodeName,
		Num:      num,
		Name:     name,
		First:    st.ModTime().Unix(),
		FileSize: size,
		Locked:   1,
	}
	if err := s.es.SaveFile(ctx, file); err != nil {
		return 0, nil, 0, err
	}
	s.pcaps.Invalidate(s.cfg.NodeName, num)

	return num, offsets, size, nil
}

// recordOffsets walks the record stream and returns the absolute offset each
// record will land at once appended at base.
func recordOffsets(fh pcap.FileHeader, records []byte, base int64) ([]int64, error) {
	var offsets []int64
	off := 0
	for off < len(records) {
		if off+pcap.RecordHeaderLen > len(records) {
			return nil, fmt.Errorf("truncated record header at %d", off)
		}
		capLen := int(fh.ByteOrder.Uint32(records[off+8 : off+12]))
		if off+pcap.RecordHeaderLen+capLen > len(records) {
			return nil, fmt.Errorf("truncated record body at %d", off)
		}
		offsets = append(offsets, base+int64(off))
		off += pcap.RecordHeaderLen + capLen
	}
	return offsets, nil
}

// receiveFileNum derives a stable file number from the saveId so repeated
// posts for the same save land in one files-index row. Receive numbers live
// far above capture-assigned ones to avoid collisions.
func receiveFileNum(saveID string) int64 {
	h := fnv.New32a()
	h.Write([]byte(saveID))
	return int64(h.Sum32()) + (1 << 32)
}
