package pcap

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owlcap/owlcap/internal/esstore"
)

type fakeDocs struct {
	updated map[string]interface{}
	deleted bool
}

func (d *fakeDocs) UpdateSession(ctx context.Context, sess *esstore.Session, doc map[string]interface{}) error {
	d.updated = doc
	return nil
}

func (d *fakeDocs) DeleteSession(ctx context.Context, sess *esstore.Session) error {
	d.deleted = true
	return nil
}

func TestScrubPacketOverwritesPayload(t *testing.T) {
	secret := []byte("terribly secret payload")
	path, offsets := writeTestPcap(t, t.TempDir(), ethTCPPacket(1234, 80, secret))
	store := newTestStore(t, path)

	h, err := store.Open(context.Background(), ModeWrite, "cap01", 7)
	require.NoError(t, err)
	require.NoError(t, h.ScrubPacket(offsets[0], false))
	h.Release()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), string(secret))
	assert.Contains(t, string(raw), scrubFillText)

	// The record header survives a payload-only scrub, so the record is
	// still walkable and a second scrub lands identically.
	h, err = store.Open(context.Background(), ModeWrite, "cap01", 7)
	require.NoError(t, err)
	require.NoError(t, h.ScrubPacket(offsets[0], false))
	h.Release()

	again, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(raw, again), "re-scrubbing is idempotent")
}

func TestScrubPacketAlsoHeader(t *testing.T) {
	path, offsets := writeTestPcap(t, t.TempDir(), ethTCPPacket(1234, 80, []byte("payload")))
	store := newTestStore(t, path)

	h, err := store.Open(context.Background(), ModeWrite, "cap01", 7)
	require.NoError(t, err)
	require.NoError(t, h.ScrubPacket(offsets[0], true))
	h.Release()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	fill := repeatToLength([]byte(scrubFillText), 8)
	assert.True(t, bytes.Equal(raw[offsets[0]:offsets[0]+8], fill), "record header is overwritten too")
}

func TestScrubberPolicies(t *testing.T) {
	path, offsets := writeTestPcap(t, t.TempDir(), ethTCPPacket(1234, 80, []byte("payload")))
	store := newTestStore(t, path)
	sess := &esstore.Session{ID: "s1", Node: "cap01", PacketPos: []int64{-7, offsets[0]}}

	t.Run("pcap marks the document", func(t *testing.T) {
		docs := &fakeDocs{}
		s := NewScrubber(store, docs)
		require.NoError(t, s.Scrub(context.Background(), sess, RemovePcap, "alice"))
		assert.False(t, docs.deleted)
		assert.Equal(t, "alice", docs.updated["scrubby"])
		assert.NotZero(t, docs.updated["scrubat"])
	})

	t.Run("spi deletes the document only", func(t *testing.T) {
		docs := &fakeDocs{}
		s := NewScrubber(store, docs)
		require.NoError(t, s.Scrub(context.Background(), sess, RemoveSPI, "alice"))
		assert.True(t, docs.deleted)
		assert.Nil(t, docs.updated)
	})

	t.Run("all deletes after overwriting", func(t *testing.T) {
		docs := &fakeDocs{}
		s := NewScrubber(store, docs)
		require.NoError(t, s.Scrub(context.Background(), sess, RemoveAll, "alice"))
		assert.True(t, docs.deleted)
		assert.Nil(t, docs.updated, "all does not mark what it deletes")
	})
}

func TestParseWhatToRemove(t *testing.T) {
	for _, ok := range []string{"spi", "pcap", "all"} {
		got, err := ParseWhatToRemove(ok)
		require.NoError(t, err)
		assert.Equal(t, WhatToRemove(ok), got)
	}
	_, err := ParseWhatToRemove("everything")
	assert.Error(t, err)
}
