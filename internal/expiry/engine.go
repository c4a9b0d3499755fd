// Package expiry frees disk space on capture nodes by deleting the oldest
// unlocked PCAP files until every device is back above its free-space target.
package expiry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"

	"github.com/owlcap/owlcap/internal/config"
	"github.com/owlcap/owlcap/internal/esstore"
	"github.com/owlcap/owlcap/internal/metrics"
	"github.com/owlcap/owlcap/internal/pcap"
)

const (
	// expiryInterval is the cadence of free-space checks.
	expiryInterval = 60 * time.Second
	// batchSize bounds how many candidate files one pass fetches at a time.
	batchSize = 200
	// minFiles is the hard floor; expiry never deletes below this many files
	// per device regardless of free space.
	minFiles = 10
)

// FileStore is the slice of esstore tracking on-disk PCAP files.
type FileStore interface {
	OldestFiles(ctx context.Context, node string, dirWildcards []string, size int) ([]*esstore.File, error)
	FileCount(ctx context.Context, node string, dirWildcards []string) (int64, error)
	DeleteFile(ctx context.Context, id string) error
}

// Engine is the retention worker. It only runs where PCAP is written to
// local disk; other write methods leave retention to the capture process.
type Engine struct {
	cfg     *config.Config
	files   FileStore
	pcaps   *pcap.Store
	metrics *metrics.Metrics

	mu      sync.Mutex
	running bool

	log *logrus.Entry
}

// NewEngine wires an expiry engine.
func NewEngine(cfg *config.Config, files FileStore, pcaps *pcap.Store, m *metrics.Metrics) *Engine {
	return &Engine{
		cfg:     cfg,
		files:   files,
		pcaps:   pcaps,
		metrics: m,
		log:     logrus.WithField("component", "expiry-engine"),
	}
}

// Start launches the retention loop.
func (e *Engine) Start(ctx context.Context) {
	if e.cfg.PcapWriteMethod != "" && e.cfg.PcapWriteMethod != "simple" {
		e.log.WithField("method", e.cfg.PcapWriteMethod).Info("Expiry engine disabled for non-local pcap write method")
		return
	}
	e.log.WithField("freeSpace", e.cfg.FreeSpaceG).Info("Expiry engine started")
	go func() {
		ticker := time.NewTicker(expiryInterval)
		defer ticker.Stop()

		e.checkDiskSpace(ctx)
		for {
			select {
			case <-ctx.Done():
				e.log.Info("Expiry engine stopped")
				return
			case <-ticker.C:
				e.checkDiskSpace(ctx)
			}
		}
	}()
}

// checkDiskSpace runs one retention pass over every device backing a
// configured PCAP directory.
func (e *Engine) checkDiskSpace(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	for _, dirs := range e.groupDirsByDevice() {
		if err := e.expireDevice(ctx, dirs); err != nil {
			e.log.WithError(err).WithField("dirs", dirs).Error("Expiry pass failed for device")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// groupDirsByDevice buckets the PCAP directories by backing filesystem so a
// device shared by several directories is measured and drained once.
func (e *Engine) groupDirsByDevice() map[uint64][]string {
	groups := make(map[uint64][]string)
	for _, dir := range e.cfg.PcapDirs() {
		var st syscall.Stat_t
		if err := syscall.Stat(dir, &st); err != nil {
			e.log.WithError(err).WithField("dir", dir).Warn("Failed to stat pcap directory")
			continue
		}
		groups[uint64(st.Dev)] = append(groups[uint64(st.Dev)], dir)
	}
	return groups
}

// expireDevice deletes oldest unlocked files under dirs until the device is
// above its free-space target or the file-count floor is reached.
func (e *Engine) expireDevice(ctx context.Context, dirs []string) error {
	usage, err := disk.Usage(dirs[0])
	if err != nil {
		return err
	}
	target := e.cfg.FreeSpaceBytes(usage.Total)
	if usage.Free >= target {
		return nil
	}

	node := e.cfg.NodeName
	wildcards := make([]string, len(dirs))
	for i, dir := range dirs {
		wildcards[i] = filepath.Join(dir, "*")
	}

	count, err := e.files.FileCount(ctx, node, wildcards)
	if err != nil {
		return err
	}
	if count <= minFiles {
		return nil
	}

	e.log.WithFields(logrus.Fields{
		"dirs":   dirs,
		"free":   usage.Free,
		"target": target,
		"files":  count,
	}).Info("Device below free-space target, expiring oldest files")

	var freed uint64
	for usage.Free+freed < target && count > minFiles {
		files, err := e.files.OldestFiles(ctx, node, wildcards, batchSize)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			e.log.WithField("dirs", dirs).Warn("No unlocked files left to expire")
			return nil
		}

		for _, f := range files {
			if usage.Free+freed >= target || count <= minFiles {
				return nil
			}
			freed += e.expireFile(ctx, f)
			count--
		}
	}
	return nil
}

// expireFile removes one file from disk and the files index, returning the
// bytes reclaimed. A file already missing from disk still loses its index
// row so it stops being a candidate.
func (e *Engine) expireFile(ctx context.Context, f *esstore.File) uint64 {
	var freed uint64
	if err := os.Remove(f.Name); err != nil {
		if !os.IsNotExist(err) {
			e.log.WithError(err).WithField("file", f.Name).Warn("Failed to delete expired pcap file")
			return 0
		}
		e.log.WithField("file", f.Name).Warn("Expired pcap file already missing from disk")
	} else {
		freed = uint64(f.FileSize)
	}

	if err := e.files.DeleteFile(ctx, f.ID); err != nil {
		e.log.WithError(err).WithField("file", f.Name).Warn("Failed to delete expired file document")
		return freed
	}
	e.pcaps.Invalidate(f.Node, f.Num)

	if e.metrics != nil {
		e.metrics.ExpiredFiles.Inc()
		e.metrics.ExpiredBytes.Add(float64(freed))
	}
	e.log.WithFields(logrus.Fields{
		"file":  f.Name,
		"num":   f.Num,
		"bytes": freed,
	}).Info("Expired pcap file")
	return freed
}
