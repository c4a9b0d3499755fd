// Package hunt runs packet-content search jobs across the session index: a
// singleton, resumable background engine that scans every session matching a
// hunt's query, searches the actual PCAP bytes, and records matches back on
// the session documents.
package hunt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/owlcap/owlcap/internal/cluster"
	"github.com/owlcap/owlcap/internal/esstore"
	"github.com/owlcap/owlcap/internal/expression"
	"github.com/owlcap/owlcap/internal/metrics"
	"github.com/owlcap/owlcap/internal/pcap"
)

const (
	// checkpointInterval paces both progress persistence and pause pickup.
	checkpointInterval = 2 * time.Second
	// scrollPageSize is the scroll page size over matching sessions.
	scrollPageSize = 100
	// sessionConcurrency bounds per-session fan-out within a page.
	sessionConcurrency = 3
	// maxFailedSessions pauses a hunt that accumulates too many unreachable
	// sessions instead of growing the list without bound.
	maxFailedSessions = 10000
	// schedulerInterval is the fallback tick when no explicit wake arrives.
	schedulerInterval = 60 * time.Second
)

// errPaused aborts a scan when a pause request is observed at a checkpoint.
var errPaused = errors.New("hunt paused")

// SessionSource is the slice of esstore the engine scans with.
type SessionSource interface {
	ScrollSessions(ctx context.Context, body interface{}) (*esstore.SessionPage, error)
	ScrollNext(ctx context.Context, scrollID string) (*esstore.SessionPage, error)
	ClearScroll(ctx context.Context, scrollID string) error
	GetSession(ctx context.Context, id string) (*esstore.Session, error)
	AddHuntToSession(ctx context.Context, sess *esstore.Session, huntID, huntName string) error
}

// Store is the slice of esstore holding hunt documents.
type Store interface {
	GetHunt(ctx context.Context, id string) (*esstore.Hunt, error)
	SaveHunt(ctx context.Context, h *esstore.Hunt) error
	UpdateHuntFields(ctx context.Context, id string, doc map[string]interface{}) error
	RunningHunt(ctx context.Context) (*esstore.Hunt, error)
	NextQueuedHunt(ctx context.Context) (*esstore.Hunt, error)
}

// UserSource resolves hunt creators for their forced expression.
type UserSource interface {
	Get(ctx context.Context, userID string) (*esstore.User, error)
}

// Remote runs a per-session packet search on the owning node.
type Remote interface {
	HuntSession(ctx context.Context, node, huntID, sessionID, userID string) (bool, error)
}

// Notifier fires completion alerts.
type Notifier interface {
	Fire(ctx context.Context, name, title, message string) error
}

// Compiler builds session filters from hunt expressions.
type Compiler interface {
	BuildSessionFilter(ctx context.Context, opts expression.SessionQueryOpts) ([]expression.Filter, error)
}

// Engine is the hunt job runner. Exactly one hunt runs at a time
// process-wide; the scheduling loop runs only on the cron-enabled node, but
// every node constructs an Engine to serve peer per-session searches.
type Engine struct {
	sessions SessionSource
	hunts    Store
	users    UserSource
	remote   Remote
	compiler Compiler
	resolver *cluster.Resolver
	pcaps    *pcap.Store
	notify   Notifier
	metrics  *metrics.Metrics

	mu      sync.Mutex
	current *esstore.Hunt // singleton slot

	wake chan struct{}
	log  *logrus.Entry
}

// NewEngine wires a hunt engine.
func NewEngine(sessions SessionSource, hunts Store, users UserSource, remote Remote,
	compiler Compiler, resolver *cluster.Resolver, pcaps *pcap.Store,
	notify Notifier, m *metrics.Metrics) *Engine {
	return &Engine{
		sessions: sessions,
		hunts:    hunts,
		users:    users,
		remote:   remote,
		compiler: compiler,
		resolver: resolver,
		pcaps:    pcaps,
		notify:   notify,
		metrics:  m,
		wake:     make(chan struct{}, 1),
		log:      logrus.WithField("component", "hunt-engine"),
	}
}

// Start launches the scheduling loop. The first pass adopts any hunt a
// crashed predecessor left in status running.
func (e *Engine) Start(ctx context.Context) {
	e.log.Info("Hunt engine started")
	go func() {
		ticker := time.NewTicker(schedulerInterval)
		defer ticker.Stop()

		e.processHuntJobs(ctx)
		for {
			select {
			case <-ctx.Done():
				e.log.Info("Hunt engine stopped")
				return
			case <-e.wake:
				e.processHuntJobs(ctx)
			case <-ticker.C:
				e.processHuntJobs(ctx)
			}
		}
	}()
}

// Wake nudges the scheduler, e.g. after a hunt is created or resumed.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// processHuntJobs claims the next runnable hunt and drives it to a terminal
// state, then loops for the next queued one.
func (e *Engine) processHuntJobs(ctx context.Context) {
	for {
		e.mu.Lock()
		if e.current != nil {
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		h, err := e.claimNext(ctx)
		if err != nil {
			e.log.WithError(err).Error("Failed to claim next hunt")
			return
		}
		if h == nil {
			return
		}

		e.runHunt(ctx, h)

		e.mu.Lock()
		e.current = nil
		e.mu.Unlock()
	}
}

// claimNext adopts an abandoned running hunt first, then the oldest queued
// one, and persists the running claim.
func (e *Engine) claimNext(ctx context.Context) (*esstore.Hunt, error) {
	h, err := e.hunts.RunningHunt(ctx)
	if err != nil {
		return nil, err
	}
	if h != nil {
		e.log.WithFields(logrus.Fields{
			"hunt":           h.ID,
			"lastPacketTime": h.LastPacketTime,
		}).Info("Resuming abandoned running hunt")
	} else {
		h, err = e.hunts.NextQueuedHunt(ctx)
		if err != nil || h == nil {
			return nil, err
		}
	}

	h.Status = esstore.HuntStatusRunning
	if h.Started == 0 {
		h.Started = time.Now().UnixMilli()
	}
	h.LastUpdated = time.Now().UnixMilli()
	if err := e.hunts.SaveHunt(ctx, h); err != nil {
		return nil, fmt.Errorf("failed to claim hunt %s: %w", h.ID, err)
	}

	e.mu.Lock()
	e.current = h
	e.mu.Unlock()
	return h, nil
}

// runHunt executes one hunt to a terminal state: finished, paused, or
// paused-unrunnable.
func (e *Engine) runHunt(ctx context.Context, h *esstore.Hunt) {
	log := e.log.WithFields(logrus.Fields{"hunt": h.ID, "name": h.Name})
	log.Info("Starting hunt scan")

	m, err := compileMatcher(h.SearchType, h.Search)
	if err != nil {
		e.markUnrunnable(ctx, h, err)
		return
	}

	forced := ""
	if u, err := e.users.Get(ctx, h.UserID); err == nil {
		forced = u.Expression
	}

	start := h.Query.StartTime * 1000
	if h.LastPacketTime != 0 {
		start = h.LastPacketTime
	}
	filters, err := e.compiler.BuildSessionFilter(ctx, expression.SessionQueryOpts{
		Expression:       h.Query.Expression,
		ForcedExpression: forced,
		StartMs:          start,
		StopMs:           h.Query.StopTime * 1000,
	})
	if err != nil {
		e.markUnrunnable(ctx, h, err)
		return
	}

	run := &huntRun{engine: e, hunt: h, matcher: m, log: log}
	err = run.scan(ctx, filters)
	switch {
	case errors.Is(err, errPaused):
		log.Info("Hunt paused")
		e.persist(ctx, h, esstore.HuntStatusPaused)
		return
	case err != nil:
		e.addError(h, err.Error(), "")
		log.WithError(err).Error("Hunt scan failed")
		e.persist(ctx, h, esstore.HuntStatusPaused)
		return
	}

	// Normal scan done; work down sessions that could not be reached.
	if len(h.FailedSessionIDs) > 0 {
		if done := run.retryFailedSessions(ctx); !done {
			e.addError(h, "unreachable sessions", "")
			e.persist(ctx, h, esstore.HuntStatusPaused)
			return
		}
	}

	e.persist(ctx, h, esstore.HuntStatusFinished)
	log.WithFields(logrus.Fields{
		"searched": h.SearchedSessions,
		"matched":  h.MatchedSessions,
	}).Info("Hunt finished")

	if h.Notifier != "" {
		msg := fmt.Sprintf("hunt %s finished: %d of %d sessions matched",
			h.Name, h.MatchedSessions, h.SearchedSessions)
		if err := e.notify.Fire(ctx, h.Notifier, "Hunt finished", msg); err != nil {
			log.WithError(err).Warn("Failed to fire hunt notifier")
		}
	}
}

// huntRun is the per-execution state of one scan.
type huntRun struct {
	engine  *Engine
	hunt    *esstore.Hunt
	matcher matcher
	log     *logrus.Entry

	mu             sync.Mutex
	lastCheckpoint time.Time
	maxLastPacket  int64
}

// scan drives the scroll over matching sessions.
func (r *huntRun) scan(ctx context.Context, filters []expression.Filter) error {
	h := r.hunt
	body := map[string]interface{}{
		"size":    scrollPageSize,
		"sort":    []interface{}{map[string]interface{}{"lastPacket": "asc"}},
		"_source": []string{"lastPacket", "node", "huntId", "huntName", "fileId", "srcIp", "srcPort", "dstIp", "dstPort", "packetPos"},
		"query":   map[string]interface{}{"bool": map[string]interface{}{"filter": filters}},
	}

	page, err := r.engine.sessions.ScrollSessions(ctx, body)
	if err != nil {
		return fmt.Errorf("failed to open hunt scroll: %w", err)
	}
	scrollID := page.ScrollID
	defer func() {
		if cerr := r.engine.sessions.ClearScroll(context.Background(), scrollID); cerr != nil {
			r.log.WithError(cerr).Warn("Failed to clear hunt scroll")
		}
	}()

	// The first page knows the full count; sessions already searched before
	// a resume stay counted.
	h.TotalSessions = page.Total + h.SearchedSessions
	r.lastCheckpoint = time.Now()

	for len(page.Sessions) > 0 {
		r.processPage(ctx, page.Sessions)

		if err := r.maybeCheckpoint(ctx); err != nil {
			return err
		}

		page, err = r.engine.sessions.ScrollNext(ctx, scrollID)
		if err != nil {
			return fmt.Errorf("failed to fetch hunt scroll page: %w", err)
		}
		if page.ScrollID != "" {
			scrollID = page.ScrollID
		}
	}

	return r.checkpoint(ctx)
}

// processPage searches one scroll page with bounded concurrency.
func (r *huntRun) processPage(ctx context.Context, sessions []*esstore.Session) {
	sem := make(chan struct{}, sessionConcurrency)
	var wg sync.WaitGroup

	for _, sess := range sessions {
		sess := sess
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r.searchOne(ctx, sess)
		}()
	}
	wg.Wait()
}

// searchOne searches a single session locally or via the owning node.
func (r *huntRun) searchOne(ctx context.Context, sess *esstore.Session) {
	h := r.hunt
	e := r.engine

	var matched bool
	var err error
	switch {
	case len(sess.FileID) == 0:
		// Nothing on disk to search; counts as searched without a match.
	case e.resolver.IsLocal(sess.Node):
		matched, err = e.searchLocal(ctx, sess, h, r.matcher)
	default:
		matched, err = e.remote.HuntSession(ctx, sess.Node, h.ID, sess.ID, h.UserID)
	}

	if err != nil {
		r.recordFailure(sess.ID, err)
		return
	}

	if matched {
		if err := e.sessions.AddHuntToSession(ctx, sess, h.ID, h.Name); err != nil {
			r.recordFailure(sess.ID, err)
			return
		}
	}

	r.mu.Lock()
	h.SearchedSessions++
	if matched {
		h.MatchedSessions++
	}
	if sess.LastPacket > r.maxLastPacket {
		r.maxLastPacket = sess.LastPacket
	}
	r.mu.Unlock()

	if e.metrics != nil {
		e.metrics.HuntSessionsSearched.Inc()
		if matched {
			e.metrics.HuntSessionsMatched.Inc()
		}
	}
}

// searchLocal runs the packet search against the local PCAP store. Peer
// requests land here too, through RemoteSessionSearch.
func (e *Engine) searchLocal(ctx context.Context, sess *esstore.Session, h *esstore.Hunt, m matcher) (bool, error) {
	if len(sess.PacketPos) == 0 {
		// Scroll hits omit nothing we need, but a resumed failed-session
		// pass passes bare ids; refetch for packetPos.
		full, err := e.sessions.GetSession(ctx, sess.ID)
		if err != nil {
			return false, err
		}
		*sess = *full
	}
	return e.packetSearch(ctx, sess, h, m)
}

// RemoteSessionSearch serves the peer hunt RPC on the owning node.
func (e *Engine) RemoteSessionSearch(ctx context.Context, huntID, sessionID string) (bool, error) {
	h, err := e.hunts.GetHunt(ctx, huntID)
	if err != nil {
		return false, err
	}
	m, err := compileMatcher(h.SearchType, h.Search)
	if err != nil {
		return false, err
	}
	sess, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	matched, err := e.packetSearch(ctx, sess, h, m)
	if err != nil {
		return false, err
	}
	if matched {
		if err := e.sessions.AddHuntToSession(ctx, sess, h.ID, h.Name); err != nil {
			return false, err
		}
	}
	return matched, nil
}

// recordFailure appends the session to the retry list; past the cap the hunt
// pauses with a permanent error instead.
func (r *huntRun) recordFailure(sessionID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.hunt
	h.FailedSessionIDs = append(h.FailedSessionIDs, sessionID)
	if r.engine.metrics != nil {
		r.engine.metrics.HuntSessionsFailed.Inc()
	}
	r.log.WithError(err).WithField("session", sessionID).Debug("Session search failed, queued for retry")
	if len(h.FailedSessionIDs) > maxFailedSessions {
		r.engine.addError(h, fmt.Sprintf("too many failed sessions (%d)", len(h.FailedSessionIDs)), "")
	}
}

// maybeCheckpoint persists progress and picks up pause requests every
// checkpointInterval of wall time.
func (r *huntRun) maybeCheckpoint(ctx context.Context) error {
	r.mu.Lock()
	due := time.Since(r.lastCheckpoint) >= checkpointInterval
	tooManyFailed := len(r.hunt.FailedSessionIDs) > maxFailedSessions
	r.mu.Unlock()

	if tooManyFailed {
		return fmt.Errorf("too many failed sessions")
	}
	if !due {
		return nil
	}
	return r.checkpoint(ctx)
}

func (r *huntRun) checkpoint(ctx context.Context) error {
	h := r.hunt
	e := r.engine

	// Pause requests are written straight to the hunt document by the API;
	// the engine observes them here.
	fresh, err := e.hunts.GetHunt(ctx, h.ID)
	if err == nil && fresh.Status == esstore.HuntStatusPaused {
		return errPaused
	}

	r.mu.Lock()
	if r.maxLastPacket > h.LastPacketTime {
		h.LastPacketTime = r.maxLastPacket
	}
	doc := map[string]interface{}{
		"status":           esstore.HuntStatusRunning,
		"lastUpdated":      time.Now().UnixMilli(),
		"searchedSessions": h.SearchedSessions,
		"matchedSessions":  h.MatchedSessions,
		"totalSessions":    h.TotalSessions,
		"lastPacketTime":   h.LastPacketTime,
		"failedSessionIds": h.FailedSessionIDs,
	}
	r.lastCheckpoint = time.Now()
	r.mu.Unlock()

	if err := e.hunts.UpdateHuntFields(ctx, h.ID, doc); err != nil {
		r.log.WithError(err).Warn("Failed to checkpoint hunt")
	}
	return nil
}

// retryFailedSessions works down the failed list with the same per-session
// concurrency. Returns true when the list drained; false when a full pass
// made no progress.
func (r *huntRun) retryFailedSessions(ctx context.Context) bool {
	h := r.hunt

	for len(h.FailedSessionIDs) > 0 {
		before := len(h.FailedSessionIDs)
		ids := append([]string(nil), h.FailedSessionIDs...)
		h.FailedSessionIDs = h.FailedSessionIDs[:0]

		sem := make(chan struct{}, sessionConcurrency)
		var wg sync.WaitGroup
		for _, id := range ids {
			id := id
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				r.retryOne(ctx, id)
			}()
		}
		wg.Wait()

		if err := r.checkpoint(ctx); errors.Is(err, errPaused) {
			return false
		}

		if len(h.FailedSessionIDs) >= before {
			// Zero progress: everything still unreachable.
			return false
		}
	}
	return true
}

func (r *huntRun) retryOne(ctx context.Context, sessionID string) {
	h := r.hunt
	e := r.engine

	sess, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		r.mu.Lock()
		h.FailedSessionIDs = append(h.FailedSessionIDs, sessionID)
		r.mu.Unlock()
		return
	}
	r.searchOne(ctx, sess)
}

// markUnrunnable pauses a hunt whose expression or pattern will never
// compile. It never auto-resumes.
func (e *Engine) markUnrunnable(ctx context.Context, h *esstore.Hunt, cause error) {
	e.log.WithError(cause).WithField("hunt", h.ID).Error("Hunt is unrunnable")
	h.Unrunnable = true
	e.addError(h, cause.Error(), "")
	e.persist(ctx, h, esstore.HuntStatusPaused)
}

func (e *Engine) addError(h *esstore.Hunt, msg, node string) {
	h.Errors = append(h.Errors, esstore.HuntError{
		Value: msg,
		Time:  time.Now().UnixMilli(),
		Node:  node,
	})
}

func (e *Engine) persist(ctx context.Context, h *esstore.Hunt, status string) {
	h.Status = status
	h.LastUpdated = time.Now().UnixMilli()
	if err := e.hunts.SaveHunt(ctx, h); err != nil {
		e.log.WithError(err).WithField("hunt", h.ID).Error("Failed to persist hunt state")
	}
}
