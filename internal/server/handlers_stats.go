package server

import (
	"net/http"
	"strconv"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/owlcap/owlcap/internal/esstore"
)

// nodeStats is one node's view of its capture storage.
type nodeStats struct {
	Node       string     `json:"node"`
	ESHealthy  bool       `json:"esHealthy"`
	PcapDirs   []dirStats `json:"pcapDirs"`
	FreeSpaceG string     `json:"freeSpaceSetting"`
}

type dirStats struct {
	Dir         string  `json:"dir"`
	TotalBytes  uint64  `json:"totalBytes"`
	FreeBytes   uint64  `json:"freeBytes"`
	UsedPercent float64 `json:"usedPercent"`
}

// handleStats reports local disk and Elasticsearch health.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := nodeStats{
		Node:       s.cfg.NodeName,
		ESHealthy:  s.es.Health(r.Context()) == nil,
		FreeSpaceG: s.cfg.FreeSpaceG,
	}
	for _, dir := range s.cfg.PcapDirs() {
		usage, err := disk.Usage(dir)
		if err != nil {
			s.log.WithError(err).WithField("dir", dir).Warn("Failed to stat pcap directory")
			continue
		}
		stats.PcapDirs = append(stats.PcapDirs, dirStats{
			Dir:         dir,
			TotalBytes:  usage.Total,
			FreeBytes:   usage.Free,
			UsedPercent: usage.UsedPercent,
		})
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleFiles lists capture files, newest last.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	node := r.URL.Query().Get("node")
	from, _ := strconv.Atoi(r.URL.Query().Get("start"))
	length, err := strconv.Atoi(r.URL.Query().Get("length"))
	if err != nil || length <= 0 || length > maxPageLength {
		length = defaultPageLength
	}

	files, total, err := s.es.ListFiles(r.Context(), node, from, length)
	if err != nil {
		s.log.WithError(err).Error("Failed to list files")
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":         files,
		"recordsTotal": total,
	})
}

// handleESAdmin reports Elasticsearch reachability for operators.
func (s *Server) handleESAdmin(w http.ResponseWriter, r *http.Request) {
	if err := s.es.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"healthy": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"healthy": true})
}

// handleNotifierList returns the configured notifiers with their secrets
// (header values) withheld from non-admins.
func (s *Server) handleNotifierList(w http.ResponseWriter, r *http.Request) {
	notifiers, err := s.es.ListNotifiers(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list notifiers")
		writeError(w, http.StatusInternalServerError, "failed to list notifiers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": notifiers})
}

func (s *Server) handleNotifierSave(w http.ResponseWriter, r *http.Request) {
	var n esstore.Notifier
	if err := decodeBody(r, &n); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if n.Name == "" || n.URL == "" {
		writeError(w, http.StatusBadRequest, "name and url are required")
		return
	}
	if n.Type != "webhook" && n.Type != "slack" {
		writeError(w, http.StatusBadRequest, "type must be webhook or slack")
		return
	}
	if err := s.es.SaveNotifier(r.Context(), &n); err != nil {
		s.log.WithError(err).WithField("notifier", n.Name).Error("Failed to save notifier")
		writeError(w, http.StatusInternalServerError, "failed to save notifier")
		return
	}
	writeSuccess(w, "notifier saved")
}

func (s *Server) handleNotifierDelete(w http.ResponseWriter, r *http.Request) {
	name := muxVar(r, "name")
	if err := s.es.DeleteNotifier(r.Context(), name); err != nil {
		s.log.WithError(err).WithField("notifier", name).Error("Failed to delete notifier")
		writeError(w, http.StatusInternalServerError, "failed to delete notifier")
		return
	}
	writeSuccess(w, "notifier deleted")
}
