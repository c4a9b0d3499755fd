package expiry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owlcap/owlcap/internal/config"
	"github.com/owlcap/owlcap/internal/esstore"
	"github.com/owlcap/owlcap/internal/metrics"
	"github.com/owlcap/owlcap/internal/pcap"
)

type fakeFileStore struct {
	oldest  []*esstore.File
	count   int64
	deleted []string
	failDel bool
}

func (f *fakeFileStore) OldestFiles(ctx context.Context, node string, dirWildcards []string, size int) ([]*esstore.File, error) {
	return f.oldest, nil
}

func (f *fakeFileStore) FileCount(ctx context.Context, node string, dirWildcards []string) (int64, error) {
	return f.count, nil
}

func (f *fakeFileStore) DeleteFile(ctx context.Context, id string) error {
	if f.failDel {
		return fmt.Errorf("delete %s: es unavailable", id)
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type noFiles struct{}

func (noFiles) GetFile(ctx context.Context, node string, num int64) (*esstore.File, error) {
	return nil, fmt.Errorf("file %s-%d: 404 not found", node, num)
}

func newExpiryEngine(cfg *config.Config, files *fakeFileStore) *Engine {
	return NewEngine(cfg, files, pcap.NewStore(noFiles{}, 4), metrics.New())
}

func TestExpireFileRemovesDiskAndIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cap01-170000.pcap")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o600))

	files := &fakeFileStore{}
	e := newExpiryEngine(&config.Config{NodeName: "cap01", PcapDir: dir}, files)

	freed := e.expireFile(context.Background(), &esstore.File{
		ID:       "cap01-170000",
		Node:     "cap01",
		Num:      170000,
		Name:     path,
		FileSize: 4096,
	})

	assert.Equal(t, uint64(4096), freed)
	assert.NoFileExists(t, path)
	assert.Equal(t, []string{"cap01-170000"}, files.deleted)
}

func TestExpireFileAlreadyMissing(t *testing.T) {
	files := &fakeFileStore{}
	e := newExpiryEngine(&config.Config{NodeName: "cap01", PcapDir: t.TempDir()}, files)

	freed := e.expireFile(context.Background(), &esstore.File{
		ID:       "cap01-170001",
		Node:     "cap01",
		Num:      170001,
		Name:     filepath.Join(t.TempDir(), "gone.pcap"),
		FileSize: 4096,
	})

	// Nothing reclaimed, but the stale index row still goes away.
	assert.Equal(t, uint64(0), freed)
	assert.Equal(t, []string{"cap01-170001"}, files.deleted)
}

func TestExpireFileKeepsRowWhenDiskDeleteFails(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(filepath.Join(sub, "child"), 0o755))

	files := &fakeFileStore{}
	e := newExpiryEngine(&config.Config{NodeName: "cap01", PcapDir: dir}, files)

	// os.Remove on a non-empty directory fails with something other than
	// not-exist; the index row must survive for a later retry.
	freed := e.expireFile(context.Background(), &esstore.File{
		ID:   "cap01-170002",
		Name: sub,
	})

	assert.Equal(t, uint64(0), freed)
	assert.Empty(t, files.deleted)
}

func TestGroupDirsByDeviceMergesSameFilesystem(t *testing.T) {
	base := t.TempDir()
	dirA := filepath.Join(base, "a")
	dirB := filepath.Join(base, "b")
	require.NoError(t, os.Mkdir(dirA, 0o755))
	require.NoError(t, os.Mkdir(dirB, 0o755))

	e := newExpiryEngine(&config.Config{
		NodeName: "cap01",
		PcapDir:  dirA + ";" + dirB + ";" + filepath.Join(base, "missing"),
	}, &fakeFileStore{})

	groups := e.groupDirsByDevice()
	require.Len(t, groups, 1, "sibling directories share a device")
	for _, dirs := range groups {
		assert.ElementsMatch(t, []string{dirA, dirB}, dirs, "unstattable directories are skipped")
	}
}
