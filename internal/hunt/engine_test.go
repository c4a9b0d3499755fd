package hunt

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owlcap/owlcap/internal/cluster"
	"github.com/owlcap/owlcap/internal/config"
	"github.com/owlcap/owlcap/internal/esstore"
	"github.com/owlcap/owlcap/internal/expression"
	"github.com/owlcap/owlcap/internal/metrics"
	"github.com/owlcap/owlcap/internal/pcap"
)

type fakeSessions struct {
	mu      sync.Mutex
	pages   []*esstore.SessionPage
	next    int
	byID    map[string]*esstore.Session
	tagged  []string // session ids that got the hunt attached
	cleared []string // scroll ids
}

func (f *fakeSessions) ScrollSessions(ctx context.Context, body interface{}) (*esstore.SessionPage, error) {
	return f.advance(), nil
}

func (f *fakeSessions) ScrollNext(ctx context.Context, scrollID string) (*esstore.SessionPage, error) {
	return f.advance(), nil
}

func (f *fakeSessions) advance() *esstore.SessionPage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.pages) {
		return &esstore.SessionPage{}
	}
	page := f.pages[f.next]
	f.next++
	return page
}

func (f *fakeSessions) ClearScroll(ctx context.Context, scrollID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, scrollID)
	return nil
}

func (f *fakeSessions) GetSession(ctx context.Context, id string) (*esstore.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("session %s: 404 not found", id)
	}
	return sess, nil
}

func (f *fakeSessions) AddHuntToSession(ctx context.Context, sess *esstore.Session, huntID, huntName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagged = append(f.tagged, sess.ID)
	return nil
}

type fakeHuntStore struct {
	mu         sync.Mutex
	running    []*esstore.Hunt
	queued     []*esstore.Hunt
	byID       map[string]*esstore.Hunt
	pauseOnGet bool // simulate the API writing a pause request
	updates    []map[string]interface{}
}

func (f *fakeHuntStore) GetHunt(ctx context.Context, id string) (*esstore.Hunt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("hunt %s: 404 not found", id)
	}
	cp := *h
	if f.pauseOnGet {
		cp.Status = esstore.HuntStatusPaused
	}
	return &cp, nil
}

func (f *fakeHuntStore) SaveHunt(ctx context.Context, h *esstore.Hunt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[h.ID] = h
	return nil
}

func (f *fakeHuntStore) UpdateHuntFields(ctx context.Context, id string, doc map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, doc)
	return nil
}

func (f *fakeHuntStore) RunningHunt(ctx context.Context) (*esstore.Hunt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.running) == 0 {
		return nil, nil
	}
	h := f.running[0]
	f.running = f.running[1:]
	return h, nil
}

func (f *fakeHuntStore) NextQueuedHunt(ctx context.Context) (*esstore.Hunt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queued) == 0 {
		return nil, nil
	}
	h := f.queued[0]
	f.queued = f.queued[1:]
	return h, nil
}

type fakeUsers struct {
	byID map[string]*esstore.User
}

func (f *fakeUsers) Get(ctx context.Context, userID string) (*esstore.User, error) {
	u, ok := f.byID[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: 404 not found", userID)
	}
	return u, nil
}

type remoteResult struct {
	matched  bool
	err      error
	failOnce bool
}

type fakeRemote struct {
	mu      sync.Mutex
	results map[string]*remoteResult
	calls   []string
}

func (f *fakeRemote) HuntSession(ctx context.Context, node, huntID, sessionID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, node+"/"+sessionID+"/"+userID)
	res, ok := f.results[sessionID]
	if !ok {
		return false, nil
	}
	if res.err != nil {
		err := res.err
		if res.failOnce {
			res.err = nil
		}
		return false, err
	}
	return res.matched, nil
}

type fakeCompiler struct {
	mu   sync.Mutex
	opts []expression.SessionQueryOpts
}

func (f *fakeCompiler) BuildSessionFilter(ctx context.Context, opts expression.SessionQueryOpts) ([]expression.Filter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = append(f.opts, opts)
	return []expression.Filter{{"match_all": map[string]interface{}{}}}, nil
}

type fakeNotify struct {
	mu    sync.Mutex
	fired []string
}

func (f *fakeNotify) Fire(ctx context.Context, name, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, name+": "+message)
	return nil
}

type fakeFileSource struct {
	byKey map[string]*esstore.File
}

func (f *fakeFileSource) GetFile(ctx context.Context, node string, num int64) (*esstore.File, error) {
	file, ok := f.byKey[fmt.Sprintf("%s-%d", node, num)]
	if !ok {
		return nil, fmt.Errorf("file %s-%d: 404 not found", node, num)
	}
	return file, nil
}

type engineFixture struct {
	engine   *Engine
	sessions *fakeSessions
	hunts    *fakeHuntStore
	remote   *fakeRemote
	compiler *fakeCompiler
	notify   *fakeNotify
}

func newEngineFixture(t *testing.T, files pcap.FileSource) *engineFixture {
	t.Helper()
	if files == nil {
		files = &fakeFileSource{byKey: map[string]*esstore.File{}}
	}
	resolver := cluster.NewResolver(&config.Config{
		NodeName:     "cap01",
		ViewPort:     8005,
		ServerSecret: "secret",
		Nodes:        map[string]config.NodeConfig{},
	})

	f := &engineFixture{
		sessions: &fakeSessions{byID: map[string]*esstore.Session{}},
		hunts:    &fakeHuntStore{byID: map[string]*esstore.Hunt{}},
		remote:   &fakeRemote{results: map[string]*remoteResult{}},
		compiler: &fakeCompiler{},
		notify:   &fakeNotify{},
	}
	f.engine = NewEngine(f.sessions, f.hunts, &fakeUsers{byID: map[string]*esstore.User{
		"alice": {UserID: "alice", Enabled: true},
	}}, f.remote, f.compiler, resolver, pcap.NewStore(files, 4), f.notify, metrics.New())
	return f
}

func queuedHunt(id string) *esstore.Hunt {
	return &esstore.Hunt{
		ID:         id,
		Name:       "test hunt",
		UserID:     "alice",
		Status:     esstore.HuntStatusQueued,
		Query:      esstore.HuntQuery{StartTime: 1000, StopTime: 2000},
		Src:        true,
		Dst:        true,
		Type:       esstore.HuntTypeReassembled,
		SearchType: esstore.HuntSearchASCII,
		Search:     "hoot",
	}
}

func TestHuntRunsToFinished(t *testing.T) {
	f := newEngineFixture(t, nil)

	h := queuedHunt("h1")
	h.Notifier = "oncall"
	f.hunts.queued = []*esstore.Hunt{h}
	f.sessions.pages = []*esstore.SessionPage{{
		ScrollID: "sc1",
		Total:    3,
		Sessions: []*esstore.Session{
			{ID: "s1", Node: "cap01"},                                            // no pcap on disk
			{ID: "s2", Node: "cap02", FileID: []int64{1}, LastPacket: 1_500_000}, // remote, matches
			{ID: "s3", Node: "cap02", FileID: []int64{1}, LastPacket: 1_600_000}, // remote, no match
		},
	}}
	f.remote.results["s2"] = &remoteResult{matched: true}

	f.engine.processHuntJobs(context.Background())

	assert.Equal(t, esstore.HuntStatusFinished, h.Status)
	assert.Equal(t, int64(3), h.TotalSessions)
	assert.Equal(t, int64(3), h.SearchedSessions)
	assert.Equal(t, int64(1), h.MatchedSessions)
	assert.Empty(t, h.FailedSessionIDs)
	assert.Equal(t, []string{"s2"}, f.sessions.tagged)
	assert.Equal(t, []string{"sc1"}, f.sessions.cleared)
	require.Len(t, f.notify.fired, 1)
	assert.Contains(t, f.notify.fired[0], "1 of 3 sessions matched")

	// Remote calls carry the hunt owner's identity.
	for _, call := range f.remote.calls {
		assert.Contains(t, call, "/alice")
		assert.Contains(t, call, "cap02/")
	}
}

func TestHuntObservesPauseAtCheckpoint(t *testing.T) {
	f := newEngineFixture(t, nil)

	h := queuedHunt("h1")
	h.Notifier = "oncall"
	f.hunts.queued = []*esstore.Hunt{h}
	f.hunts.pauseOnGet = true
	f.sessions.pages = []*esstore.SessionPage{{
		ScrollID: "sc1",
		Total:    1,
		Sessions: []*esstore.Session{{ID: "s1", Node: "cap01"}},
	}}

	f.engine.processHuntJobs(context.Background())

	assert.Equal(t, esstore.HuntStatusPaused, h.Status)
	assert.Empty(t, f.notify.fired, "a paused hunt must not fire its notifier")
}

func TestHuntBadPatternIsUnrunnable(t *testing.T) {
	f := newEngineFixture(t, nil)

	h := queuedHunt("h1")
	h.SearchType = esstore.HuntSearchRegex
	h.Search = "(unclosed"
	f.hunts.queued = []*esstore.Hunt{h}

	f.engine.processHuntJobs(context.Background())

	assert.Equal(t, esstore.HuntStatusPaused, h.Status)
	assert.True(t, h.Unrunnable)
	require.NotEmpty(t, h.Errors)
	assert.Contains(t, h.Errors[0].Value, "invalid regex")
}

func TestHuntRetriesFailedSessions(t *testing.T) {
	f := newEngineFixture(t, nil)

	h := queuedHunt("h1")
	f.hunts.queued = []*esstore.Hunt{h}
	sess := &esstore.Session{ID: "s1", Node: "cap02", FileID: []int64{1}}
	f.sessions.pages = []*esstore.SessionPage{{ScrollID: "sc1", Total: 1, Sessions: []*esstore.Session{sess}}}
	f.sessions.byID["s1"] = sess
	f.remote.results["s1"] = &remoteResult{matched: true, err: fmt.Errorf("connection refused"), failOnce: true}

	f.engine.processHuntJobs(context.Background())

	assert.Equal(t, esstore.HuntStatusFinished, h.Status)
	assert.Equal(t, int64(1), h.SearchedSessions)
	assert.Equal(t, int64(1), h.MatchedSessions)
	assert.Empty(t, h.FailedSessionIDs)
	assert.Len(t, f.remote.calls, 2)
}

func TestHuntPausesWhenSessionsStayUnreachable(t *testing.T) {
	f := newEngineFixture(t, nil)

	h := queuedHunt("h1")
	f.hunts.queued = []*esstore.Hunt{h}
	sess := &esstore.Session{ID: "s1", Node: "cap02", FileID: []int64{1}}
	f.sessions.pages = []*esstore.SessionPage{{ScrollID: "sc1", Total: 1, Sessions: []*esstore.Session{sess}}}
	f.sessions.byID["s1"] = sess
	f.remote.results["s1"] = &remoteResult{err: fmt.Errorf("connection refused")}

	f.engine.processHuntJobs(context.Background())

	assert.Equal(t, esstore.HuntStatusPaused, h.Status)
	assert.Equal(t, []string{"s1"}, h.FailedSessionIDs)
	require.NotEmpty(t, h.Errors)
	assert.Contains(t, h.Errors[len(h.Errors)-1].Value, "unreachable")
}

func TestHuntResumeAdoptsAbandonedRun(t *testing.T) {
	f := newEngineFixture(t, nil)

	h := queuedHunt("h1")
	h.Status = esstore.HuntStatusRunning
	h.Started = 12345
	h.SearchedSessions = 5
	h.LastPacketTime = 1_700_000
	f.hunts.running = []*esstore.Hunt{h}
	f.sessions.pages = []*esstore.SessionPage{} // nothing left to scan

	f.engine.processHuntJobs(context.Background())

	assert.Equal(t, esstore.HuntStatusFinished, h.Status)
	assert.Equal(t, int64(12345), h.Started, "resume keeps the original start time")
	assert.Equal(t, int64(5), h.TotalSessions, "already searched sessions stay counted")

	// The resumed scan starts from the high-water mark, not the hunt's
	// original window start.
	require.Len(t, f.compiler.opts, 1)
	assert.Equal(t, int64(1_700_000), f.compiler.opts[0].StartMs)
	assert.Equal(t, int64(2_000_000), f.compiler.opts[0].StopMs)
}

// writeHuntPcap builds a little-endian pcap file with one ethernet/IPv4/TCP
// record and returns the path and the record offset.
func writeHuntPcap(t *testing.T, dir string, payload []byte) (string, int64) {
	t.Helper()

	frame := make([]byte, 14+20+20+len(payload))
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)
	ip := frame[14:]
	ip[0] = 0x45
	ip[9] = 6
	copy(ip[12:16], []byte{10, 0, 0, 1})
	copy(ip[16:20], []byte{10, 0, 0, 2})
	tcp := ip[20:]
	binary.BigEndian.PutUint16(tcp[0:2], 40000)
	binary.BigEndian.PutUint16(tcp[2:4], 80)
	tcp[12] = 0x50
	copy(tcp[20:], payload)

	buf := make([]byte, pcap.FileHeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(buf[4:6], 2)
	binary.LittleEndian.PutUint16(buf[6:8], 4)
	binary.LittleEndian.PutUint32(buf[16:20], 65536)
	binary.LittleEndian.PutUint32(buf[20:24], pcap.LinkTypeEthernet)

	offset := int64(len(buf))
	rh := make([]byte, pcap.RecordHeaderLen)
	binary.LittleEndian.PutUint32(rh[8:12], uint32(len(frame)))
	binary.LittleEndian.PutUint32(rh[12:16], uint32(len(frame)))
	buf = append(buf, rh...)
	buf = append(buf, frame...)

	path := filepath.Join(dir, "hunt.pcap")
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	return path, offset
}

func TestRemoteSessionSearchLocalDisk(t *testing.T) {
	path, offset := writeHuntPcap(t, t.TempDir(), []byte("give a hoot, read the packets"))
	files := &fakeFileSource{byKey: map[string]*esstore.File{
		"cap01-7": {Node: "cap01", Num: 7, Name: path},
	}}
	f := newEngineFixture(t, files)

	h := queuedHunt("h1")
	f.hunts.byID["h1"] = h
	f.sessions.byID["s1"] = &esstore.Session{
		ID:        "s1",
		Node:      "cap01",
		FileID:    []int64{7},
		PacketPos: []int64{-7, offset},
		SrcIP:     "10.0.0.1",
		SrcPort:   40000,
		DstIP:     "10.0.0.2",
		DstPort:   80,
	}

	matched, err := f.engine.RemoteSessionSearch(context.Background(), "h1", "s1")
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, []string{"s1"}, f.sessions.tagged)

	// A pattern the payload does not contain.
	h2 := queuedHunt("h2")
	h2.Search = "screech"
	f.hunts.byID["h2"] = h2

	matched, err = f.engine.RemoteSessionSearch(context.Background(), "h2", "s1")
	require.NoError(t, err)
	assert.False(t, matched)
	assert.Equal(t, []string{"s1"}, f.sessions.tagged, "no match leaves the session untouched")
}
