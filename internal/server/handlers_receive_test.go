package server

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owlcap/owlcap/internal/pcap"
)

func testPcapHeader() []byte {
	h := make([]byte, pcap.FileHeaderLen)
	binary.LittleEndian.PutUint32(h[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(h[4:6], 2)
	binary.LittleEndian.PutUint16(h[6:8], 4)
	binary.LittleEndian.PutUint32(h[16:20], 65536)
	binary.LittleEndian.PutUint32(h[20:24], 1)
	return h
}

func testRecord(payload []byte) []byte {
	rh := make([]byte, pcap.RecordHeaderLen)
	binary.LittleEndian.PutUint32(rh[0:4], 1700000000)
	binary.LittleEndian.PutUint32(rh[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint32(rh[12:16], uint32(len(payload)))
	return append(rh, payload...)
}

func buildFrame(spi []byte, stream []byte) []byte {
	var buf bytes.Buffer
	var lens [12]byte
	binary.BigEndian.PutUint32(lens[0:4], uint32(len(spi)))
	binary.BigEndian.PutUint32(lens[8:12], uint32(len(stream)))
	buf.Write(lens[:])
	buf.Write(spi)
	buf.Write(stream)
	return buf.Bytes()
}

func TestReadReceiveFrame(t *testing.T) {
	stream := append(testPcapHeader(), testRecord([]byte("abcd"))...)
	frame := buildFrame([]byte(`{"node":"remote01","srcIp":"10.0.0.1"}`), stream)

	sess, header, records, err := readReceiveFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, "remote01", sess.Node)
	assert.Equal(t, testPcapHeader(), header)
	assert.Equal(t, testRecord([]byte("abcd")), records)
}

func TestReadReceiveFrameNoPcap(t *testing.T) {
	frame := buildFrame([]byte(`{"node":"remote01"}`), nil)

	sess, header, records, err := readReceiveFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, "remote01", sess.Node)
	assert.Nil(t, header)
	assert.Nil(t, records)
}

func TestReadReceiveFrameRejectsBadLengths(t *testing.T) {
	// Zero-length session document.
	frame := buildFrame(nil, testPcapHeader())
	_, _, _, err := readReceiveFrame(bytes.NewReader(frame))
	assert.ErrorContains(t, err, "implausible spi length")

	// Declared spi length far beyond the cap.
	var lens [12]byte
	binary.BigEndian.PutUint32(lens[0:4], receiveMaxSPI+1)
	_, _, _, err = readReceiveFrame(bytes.NewReader(lens[:]))
	assert.ErrorContains(t, err, "implausible spi length")

	// A pcap part shorter than its own global header.
	frame = buildFrame([]byte(`{}`), []byte{0x01, 0x02})
	_, _, _, err = readReceiveFrame(bytes.NewReader(frame))
	assert.ErrorContains(t, err, "shorter than its header")
}

func TestReadReceiveFrameTruncated(t *testing.T) {
	// Fewer than 12 length bytes.
	_, _, _, err := readReceiveFrame(bytes.NewReader([]byte{0, 0}))
	assert.ErrorContains(t, err, "truncated frame")

	// Declared spi length longer than the body.
	var lens [12]byte
	binary.BigEndian.PutUint32(lens[0:4], 100)
	frame := append(lens[:], []byte(`{"node":"x"}`)...)
	_, _, _, err = readReceiveFrame(bytes.NewReader(frame))
	assert.ErrorContains(t, err, "truncated session document")

	// Declared pcap length longer than the body.
	frame = buildFrame([]byte(`{}`), append(testPcapHeader(), 1, 2, 3))
	_, _, _, err = readReceiveFrame(bytes.NewReader(frame[:len(frame)-2]))
	assert.ErrorContains(t, err, "truncated pcap stream")
}

func TestReadReceiveFrameBadJSON(t *testing.T) {
	frame := buildFrame([]byte(`{not json`), nil)
	_, _, _, err := readReceiveFrame(bytes.NewReader(frame))
	assert.ErrorContains(t, err, "bad session document")
}

func TestRecordOffsets(t *testing.T) {
	fh, err := pcap.ParseFileHeader(testPcapHeader())
	require.NoError(t, err)

	records := append(testRecord([]byte("abcd")), testRecord([]byte("wxyz12"))...)
	offsets, err := recordOffsets(fh, records, pcap.FileHeaderLen)
	require.NoError(t, err)
	assert.Equal(t, []int64{24, 24 + 16 + 4}, offsets)

	// Appending later in the file shifts every offset by the same base.
	offsets, err = recordOffsets(fh, records, 1000)
	require.NoError(t, err)
	assert.Equal(t, []int64{1000, 1020}, offsets)
}

func TestRecordOffsetsTruncated(t *testing.T) {
	fh, err := pcap.ParseFileHeader(testPcapHeader())
	require.NoError(t, err)

	// A dangling partial record header.
	records := append(testRecord([]byte("abcd")), 1, 2, 3)
	_, err = recordOffsets(fh, records, 24)
	assert.ErrorContains(t, err, "truncated record header")

	// A header whose capLen overruns the stream.
	rec := testRecord([]byte("abcd"))
	binary.LittleEndian.PutUint32(rec[8:12], 500)
	_, err = recordOffsets(fh, rec, 24)
	assert.ErrorContains(t, err, "truncated record body")
}

func TestReceiveFileNum(t *testing.T) {
	n := receiveFileNum("cap01-abc123")
	assert.Equal(t, n, receiveFileNum("cap01-abc123"), "same save, same number")
	assert.Greater(t, n, int64(1)<<32, "receive numbers live above capture numbers")
	assert.NotEqual(t, n, receiveFileNum("cap01-abc124"))
}

func TestSaveIDPattern(t *testing.T) {
	assert.True(t, saveIDPattern.MatchString("cap01-k9x2.1"))
	assert.True(t, saveIDPattern.MatchString("node_7"))

	for _, bad := range []string{"", "../evil", "a b", "x/y", "save%00"} {
		assert.False(t, saveIDPattern.MatchString(bad), bad)
	}
}
