package esstore

import (
	"encoding/json"
)

// Session is the SPI document for one captured network session. Only the
// fields this system reads or mutates are typed; everything else the capture
// process indexed is preserved in Extra across read-modify-write cycles.
type Session struct {
	ID          string   `json:"-"`
	Index       string   `json:"-"` // concrete sessions2-* index the doc lives in
	Node        string   `json:"node"`
	FirstPacket int64    `json:"firstPacket,omitempty"` // ms since epoch
	LastPacket  int64    `json:"lastPacket,omitempty"`  // ms since epoch
	FileID      []int64  `json:"fileId,omitempty"`
	PacketPos   []int64  `json:"packetPos,omitempty"`
	PacketLen   []int64  `json:"packetLen,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	HuntID      []string `json:"huntId,omitempty"`
	HuntName    []string `json:"huntName,omitempty"`
	SrcIP       string   `json:"srcIp,omitempty"`
	SrcPort     int      `json:"srcPort,omitempty"`
	DstIP       string   `json:"dstIp,omitempty"`
	DstPort     int      `json:"dstPort,omitempty"`
	Scrubby     string   `json:"scrubby,omitempty"`
	ScrubAt     int64    `json:"scrubat,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type sessionAlias Session

// UnmarshalJSON decodes the typed fields and keeps every other key in Extra.
func (s *Session) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*sessionAlias)(s)); err != nil {
		return err
	}
	extra, err := extractExtra(data, (*sessionAlias)(s))
	if err != nil {
		return err
	}
	s.Extra = extra
	return nil
}

// MarshalJSON emits the typed fields merged over the preserved Extra keys.
func (s Session) MarshalJSON() ([]byte, error) {
	return mergeExtra((*sessionAlias)(&s), s.Extra)
}

// Hunt status values.
const (
	HuntStatusQueued   = "queued"
	HuntStatusRunning  = "running"
	HuntStatusPaused   = "paused"
	HuntStatusFinished = "finished"
)

// Hunt search types.
const (
	HuntSearchASCII     = "ascii"
	HuntSearchASCIICase = "asciicase"
	HuntSearchHex       = "hex"
	HuntSearchRegex     = "regex"
	HuntSearchHexRegex  = "hexregex"
	HuntSearchWildcard  = "wildcard"
)

// Hunt packet search modes.
const (
	HuntTypeRaw         = "raw"
	HuntTypeReassembled = "reassembled"
)

// HuntQuery scopes a hunt to a session query result set.
type HuntQuery struct {
	Expression string `json:"expression,omitempty"`
	StartTime  int64  `json:"startTime"` // seconds since epoch
	StopTime   int64  `json:"stopTime"`  // seconds since epoch
	View       string `json:"view,omitempty"`
}

// HuntError is one captured failure on a hunt.
type HuntError struct {
	Value string `json:"value"`
	Time  int64  `json:"time"`
	Node  string `json:"node,omitempty"`
}

// Hunt is a long-running packet-content search job.
type Hunt struct {
	ID               string      `json:"-"`
	Name             string      `json:"name"`
	UserID           string      `json:"userId"`
	Users            []string    `json:"users,omitempty"`
	Status           string      `json:"status"`
	Query            HuntQuery   `json:"query"`
	Src              bool        `json:"src"`
	Dst              bool        `json:"dst"`
	Type             string      `json:"type"`
	SearchType       string      `json:"searchType"`
	Search           string      `json:"search"`
	Size             int         `json:"size"`
	Notifier         string      `json:"notifier,omitempty"`
	TotalSessions    int64       `json:"totalSessions"`
	SearchedSessions int64       `json:"searchedSessions"`
	MatchedSessions  int64       `json:"matchedSessions"`
	LastPacketTime   int64       `json:"lastPacketTime,omitempty"` // ms since epoch
	FailedSessionIDs []string    `json:"failedSessionIds,omitempty"`
	Errors           []HuntError `json:"errors,omitempty"`
	Unrunnable       bool        `json:"unrunnable,omitempty"`
	Started          int64       `json:"started,omitempty"`
	LastUpdated      int64       `json:"lastUpdated,omitempty"`
	Created          int64       `json:"created"`

	Extra map[string]json.RawMessage `json:"-"`
}

type huntAlias Hunt

func (h *Hunt) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*huntAlias)(h)); err != nil {
		return err
	}
	extra, err := extractExtra(data, (*huntAlias)(h))
	if err != nil {
		return err
	}
	h.Extra = extra
	return nil
}

func (h Hunt) MarshalJSON() ([]byte, error) {
	return mergeExtra((*huntAlias)(&h), h.Extra)
}

// CanView reports whether userID may see the unredacted hunt.
func (h *Hunt) CanView(userID string, admin bool) bool {
	if admin || h.UserID == userID {
		return true
	}
	for _, u := range h.Users {
		if u == userID {
			return true
		}
	}
	return false
}

// Redacted returns a copy safe to show to users who cannot view the hunt:
// the search pattern, its type, the owner and the query are blanked.
func (h Hunt) Redacted() Hunt {
	h.ID = ""
	h.UserID = ""
	h.Search = ""
	h.SearchType = ""
	h.Query = HuntQuery{}
	return h
}

// CronQuery is a repeating, time-windowed query whose matches trigger an
// action: tagging sessions or forwarding them to a remote cluster.
type CronQuery struct {
	ID                string `json:"-"`
	Creator           string `json:"creator"`
	Enabled           bool   `json:"enabled"`
	Name              string `json:"name"`
	Query             string `json:"query"`
	Tags              string `json:"tags,omitempty"`
	Action            string `json:"action"` // "tag" or "forward:<cluster>"
	Notifier          string `json:"notifier,omitempty"`
	LPValue           int64  `json:"lpValue"` // low watermark, seconds since epoch
	LastRun           int64  `json:"lastRun,omitempty"`
	Count             int64  `json:"count"`
	LastNotified      int64  `json:"lastNotified,omitempty"`
	LastNotifiedCount int64  `json:"lastNotifiedCount,omitempty"`
	Created           int64  `json:"created,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type cronQueryAlias CronQuery

func (q *CronQuery) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*cronQueryAlias)(q)); err != nil {
		return err
	}
	extra, err := extractExtra(data, (*cronQueryAlias)(q))
	if err != nil {
		return err
	}
	q.Extra = extra
	return nil
}

func (q CronQuery) MarshalJSON() ([]byte, error) {
	return mergeExtra((*cronQueryAlias)(&q), q.Extra)
}

// File is one row of the files index: a PCAP file written by a capture node.
type File struct {
	ID       string `json:"-"`
	Node     string `json:"node"`
	Num      int64  `json:"num"`
	Name     string `json:"name"`
	First    int64  `json:"first"` // seconds since epoch
	FileSize int64  `json:"filesize,omitempty"`
	Locked   int    `json:"locked,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// User is a viewer account with its permission flags.
type User struct {
	ID                  string                     `json:"-"`
	UserID              string                     `json:"userId"`
	UserName            string                     `json:"userName,omitempty"`
	Enabled             bool                       `json:"enabled"`
	WebEnabled          bool                       `json:"webEnabled,omitempty"`
	HeaderAuthEnabled   bool                       `json:"headerAuthEnabled,omitempty"`
	CreateEnabled       bool                       `json:"createEnabled,omitempty"`
	RemoveEnabled       bool                       `json:"removeEnabled,omitempty"`
	PacketSearch        bool                       `json:"packetSearch,omitempty"`
	HideStats           bool                       `json:"hideStats,omitempty"`
	HideFiles           bool                       `json:"hideFiles,omitempty"`
	HidePcap            bool                       `json:"hidePcap,omitempty"`
	DisablePcapDownload bool                       `json:"disablePcapDownload,omitempty"`
	PassStore           string                     `json:"passStore,omitempty"`
	Expression          string                     `json:"expression,omitempty"` // forced expression
	Settings            map[string]json.RawMessage `json:"settings,omitempty"`
	Views               map[string]json.RawMessage `json:"views,omitempty"`
	ColumnConfigs       []json.RawMessage          `json:"columnConfigs,omitempty"`
	TimeLimit           int64                      `json:"timeLimit,omitempty"`
}

// Lookup is a named shortcut usable inside expressions.
type Lookup struct {
	ID          string   `json:"-"`
	Name        string   `json:"name"`
	UserID      string   `json:"userId"`
	Shared      bool     `json:"shared,omitempty"`
	Description string   `json:"description,omitempty"`
	IP          []string `json:"ip,omitempty"`
	Number      []int64  `json:"number,omitempty"`
	String      []string `json:"string,omitempty"`
}

// HistoryEntry is one append-only audit row per authenticated request.
type HistoryEntry struct {
	Timestamp       int64  `json:"timestamp"`
	UserID          string `json:"userId"`
	API             string `json:"api"`
	Query           string `json:"query,omitempty"`
	Body            string `json:"body,omitempty"` // passwords scrubbed
	QueryTime       int64  `json:"queryTime"`
	View            string `json:"view,omitempty"`
	Range           int64  `json:"range,omitempty"`
	RecordsReturned int64  `json:"recordsReturned,omitempty"`
	RecordsFiltered int64  `json:"recordsFiltered,omitempty"`
	RecordsTotal    int64  `json:"recordsTotal,omitempty"`
}

// extractExtra returns the keys present in data but absent from the typed
// encoding of known.
func extractExtra(data []byte, known interface{}) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	knownJSON, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	var knownKeys map[string]json.RawMessage
	if err := json.Unmarshal(knownJSON, &knownKeys); err != nil {
		return nil, err
	}
	for k := range knownKeys {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// mergeExtra encodes known and merges the preserved extra keys under it;
// typed fields always win.
func mergeExtra(known interface{}, extra map[string]json.RawMessage) ([]byte, error) {
	knownJSON, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return knownJSON, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(knownJSON, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
