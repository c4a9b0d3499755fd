// Package cron runs periodic saved queries against fresh sessions, tagging
// matches or forwarding their packets to a remote cluster.
package cron

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/owlcap/owlcap/internal/esstore"
	"github.com/owlcap/owlcap/internal/expression"
	"github.com/owlcap/owlcap/internal/metrics"
)

const (
	// cronInterval is the fallback tick between processing passes.
	cronInterval = 60 * time.Second
	// windowSlice caps a single catch-up slice at one day of sessions.
	windowSlice = int64(86400)
	// notifyThrottle spaces repeat notifications for the same query.
	notifyThrottle = int64(600)
	// nodeConcurrency bounds how many owning nodes are worked at once.
	nodeConcurrency = 15
	// perNodeConcurrency bounds in-flight sessions per owning node.
	perNodeConcurrency = 10
	// scrollPageSize is the scroll page size over matching sessions.
	scrollPageSize = 500
)

var tagSanitizer = regexp.MustCompile(`[^-a-zA-Z0-9_:,]`)

// SessionSource is the slice of esstore the engine scans and tags with.
type SessionSource interface {
	ScrollSessions(ctx context.Context, body interface{}) (*esstore.SessionPage, error)
	ScrollNext(ctx context.Context, scrollID string) (*esstore.SessionPage, error)
	ClearScroll(ctx context.Context, scrollID string) error
	AddTagsToSession(ctx context.Context, sess *esstore.Session, tags []string) error
}

// QueryStore is the slice of esstore holding cron query documents.
type QueryStore interface {
	ListCronQueries(ctx context.Context) ([]*esstore.CronQuery, error)
	UpdateCronQueryFields(ctx context.Context, id string, doc map[string]interface{}) error
}

// UserSource resolves query creators for their forced expression.
type UserSource interface {
	Get(ctx context.Context, userID string) (*esstore.User, error)
}

// Compiler builds session filters from query expressions.
type Compiler interface {
	BuildSessionFilter(ctx context.Context, opts expression.SessionQueryOpts) ([]expression.Filter, error)
}

// Notifier fires match-count alerts.
type Notifier interface {
	Fire(ctx context.Context, name, title, message string) error
}

// Engine processes every enabled cron query on a fixed cadence. It runs on
// one node per cluster; the low watermark persisted per query makes crashed
// or skipped passes catch up on the next tick.
type Engine struct {
	sessions  SessionSource
	queries   QueryStore
	users     UserSource
	compiler  Compiler
	forwarder *Forwarder
	notify    Notifier
	metrics   *metrics.Metrics

	cronDelay time.Duration
	localNode string

	mu      sync.Mutex
	running bool

	kick chan struct{}
	log  *logrus.Entry
}

// NewEngine wires a cron engine. cronDelay keeps the scan behind live
// capture so in-progress sessions are not matched half-written.
func NewEngine(sessions SessionSource, queries QueryStore, users UserSource,
	compiler Compiler, forwarder *Forwarder, notify Notifier,
	m *metrics.Metrics, cronDelay time.Duration, localNode string) *Engine {
	return &Engine{
		sessions:  sessions,
		queries:   queries,
		users:     users,
		compiler:  compiler,
		forwarder: forwarder,
		notify:    notify,
		metrics:   m,
		cronDelay: cronDelay,
		localNode: localNode,
		kick:      make(chan struct{}, 1),
		log:       logrus.WithField("component", "cron-engine"),
	}
}

// Start launches the processing loop.
func (e *Engine) Start(ctx context.Context) {
	e.log.WithField("delay", e.cronDelay.String()).Info("Cron engine started")
	go func() {
		ticker := time.NewTicker(cronInterval)
		defer ticker.Stop()

		e.processCronQueries(ctx)
		for {
			select {
			case <-ctx.Done():
				e.log.Info("Cron engine stopped")
				return
			case <-e.kick:
				e.processCronQueries(ctx)
			case <-ticker.C:
				e.processCronQueries(ctx)
			}
		}
	}()
}

// Kick requests an immediate pass, e.g. after a query is created or edited.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// processCronQueries runs one pass over every enabled query. Overlapping
// passes collapse into one.
func (e *Engine) processCronQueries(ctx context.Context) {
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

	queries, err := e.queries.ListCronQueries(ctx)
	if err != nil {
		e.log.WithError(err).Error("Failed to list cron queries")
		return
	}

	endTime := time.Now().Unix() - int64(e.cronDelay.Seconds())
	e.runPass(ctx, queries, endTime)
}

// runPass advances every enabled query to endTime one slice at a time,
// round-robin, so a query with a multi-day backlog cannot starve the rest.
// Notifications fire once every query has caught up.
func (e *Engine) runPass(ctx context.Context, queries []*esstore.CronQuery, endTime int64) {
	done := make(map[string]bool, len(queries))
	for {
		progressed := false
		for _, q := range queries {
			if !q.Enabled || done[q.ID] {
				continue
			}
			advanced, err := e.processQuerySlice(ctx, q, endTime)
			if err != nil {
				e.log.WithError(err).WithField("query", q.Name).Error("Cron query pass failed")
				done[q.ID] = true
				continue
			}
			if !advanced {
				done[q.ID] = true
				continue
			}
			progressed = true
			if ctx.Err() != nil {
				return
			}
		}
		if !progressed {
			break
		}
	}

	for _, q := range queries {
		if q.Enabled {
			e.maybeNotify(ctx, q)
		}
	}
}

// processQuerySlice advances one query's low watermark by at most a day,
// committing before returning. It reports whether the watermark moved.
func (e *Engine) processQuerySlice(ctx context.Context, q *esstore.CronQuery, endTime int64) (bool, error) {
	if q.LPValue >= endTime {
		return false, nil
	}
	log := e.log.WithField("query", q.Name)

	creator, err := e.users.Get(ctx, q.Creator)
	if err != nil {
		log.WithError(err).Warn("Cron query creator missing, skipping")
		return false, nil
	}
	if !creator.Enabled {
		log.Warn("Cron query creator disabled, skipping")
		return false, nil
	}

	action, err := parseAction(q.Action)
	if err != nil {
		log.WithError(err).Warn("Invalid cron action, skipping")
		return false, nil
	}
	tags := SanitizeTags(q.Tags)

	singleEnd := q.LPValue + windowSlice
	if singleEnd > endTime {
		singleEnd = endTime
	}

	// The stop bound is exclusive: a session on the boundary millisecond
	// belongs to the next slice, never to both.
	filters, err := e.compiler.BuildSessionFilter(ctx, expression.SessionQueryOpts{
		Expression:       q.Query,
		ForcedExpression: creator.Expression,
		StartMs:          q.LPValue * 1000,
		StopMs:           singleEnd * 1000,
		StopExclusive:    true,
	})
	if err != nil {
		log.WithError(err).Warn("Cron query expression failed to compile, skipping")
		return false, nil
	}

	matched, err := e.runSlice(ctx, q, action, tags, filters)
	if err != nil {
		return false, err
	}
	q.Count += matched
	q.LPValue = singleEnd
	q.LastRun = time.Now().Unix()

	if err := e.queries.UpdateCronQueryFields(ctx, q.ID, map[string]interface{}{
		"lpValue": q.LPValue,
		"lastRun": q.LastRun,
		"count":   q.Count,
	}); err != nil {
		return false, fmt.Errorf("failed to commit cron watermark: %w", err)
	}
	if matched > 0 {
		log.WithFields(logrus.Fields{
			"matched": matched,
			"lpValue": q.LPValue,
		}).Info("Cron slice processed")
	}
	return true, nil
}

// runSlice scrolls one watermark slice and applies the action to every hit,
// fanning out across owning nodes.
func (e *Engine) runSlice(ctx context.Context, q *esstore.CronQuery, action cronAction, tags []string, filters []expression.Filter) (int64, error) {
	body := map[string]interface{}{
		"size":    scrollPageSize,
		"sort":    []interface{}{map[string]interface{}{"lastPacket": "asc"}},
		"_source": []string{"node", "lastPacket"},
		"query":   map[string]interface{}{"bool": map[string]interface{}{"filter": filters}},
	}

	page, err := e.sessions.ScrollSessions(ctx, body)
	if err != nil {
		return 0, fmt.Errorf("failed to open cron scroll: %w", err)
	}
	scrollID := page.ScrollID
	defer func() {
		if cerr := e.sessions.ClearScroll(context.Background(), scrollID); cerr != nil {
			e.log.WithError(cerr).Warn("Failed to clear cron scroll")
		}
	}()

	var processed int64
	for len(page.Sessions) > 0 {
		processed += e.processPage(ctx, q, action, tags, page.Sessions)

		page, err = e.sessions.ScrollNext(ctx, scrollID)
		if err != nil {
			return processed, fmt.Errorf("failed to fetch cron scroll page: %w", err)
		}
		if page.ScrollID != "" {
			scrollID = page.ScrollID
		}
	}
	return processed, nil
}

// processPage groups a page by owning node and works the nodes concurrently,
// with per-node in-flight caps so one slow peer cannot soak the pass.
func (e *Engine) processPage(ctx context.Context, q *esstore.CronQuery, action cronAction, tags []string, sessions []*esstore.Session) int64 {
	byNode := make(map[string][]*esstore.Session)
	for _, sess := range sessions {
		byNode[sess.Node] = append(byNode[sess.Node], sess)
	}

	var processed int64
	var mu sync.Mutex
	nodeSem := make(chan struct{}, nodeConcurrency)
	var wg sync.WaitGroup

	for node, batch := range byNode {
		node, batch := node, batch
		wg.Add(1)
		nodeSem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-nodeSem }()

			sessSem := make(chan struct{}, perNodeConcurrency)
			var nodeWG sync.WaitGroup
			for _, sess := range batch {
				sess := sess
				nodeWG.Add(1)
				sessSem <- struct{}{}
				go func() {
					defer nodeWG.Done()
					defer func() { <-sessSem }()
					if err := e.applyAction(ctx, q, action, tags, sess); err != nil {
						e.log.WithError(err).WithFields(logrus.Fields{
							"query":   q.Name,
							"session": sess.ID,
							"node":    node,
						}).Warn("Cron action failed for session")
						return
					}
					mu.Lock()
					processed++
					mu.Unlock()
				}()
			}
			nodeWG.Wait()
		}()
	}
	wg.Wait()
	return processed
}

func (e *Engine) applyAction(ctx context.Context, q *esstore.CronQuery, action cronAction, tags []string, sess *esstore.Session) error {
	switch action.kind {
	case actionTag:
		if len(tags) == 0 {
			return nil
		}
		if err := e.sessions.AddTagsToSession(ctx, sess, tags); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.CronSessionsProcessed.WithLabelValues("tag").Inc()
		}
		return nil
	case actionForward:
		if err := e.forwarder.Send(ctx, sess, action.cluster, tags, q.Creator); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.CronSessionsProcessed.WithLabelValues("forward").Inc()
		}
		return nil
	}
	return fmt.Errorf("unknown cron action %q", q.Action)
}

// maybeNotify fires the query's notifier when its match count grew, at most
// once per throttle window, reporting only growth since the last alert.
func (e *Engine) maybeNotify(ctx context.Context, q *esstore.CronQuery) {
	if q.Notifier == "" || q.Count <= q.LastNotifiedCount {
		return
	}
	now := time.Now().Unix()
	if now-q.LastNotified < notifyThrottle {
		return
	}

	newMatches := q.Count - q.LastNotifiedCount
	msg := fmt.Sprintf("cron query %s matched %d new sessions (%d total)", q.Name, newMatches, q.Count)
	if err := e.notify.Fire(ctx, q.Notifier, "Cron query matched", msg); err != nil {
		e.log.WithError(err).WithField("query", q.Name).Warn("Failed to fire cron notifier")
		return
	}

	q.LastNotified = now
	q.LastNotifiedCount = q.Count
	if err := e.queries.UpdateCronQueryFields(ctx, q.ID, map[string]interface{}{
		"lastNotified":      q.LastNotified,
		"lastNotifiedCount": q.LastNotifiedCount,
	}); err != nil {
		e.log.WithError(err).WithField("query", q.Name).Warn("Failed to persist notification state")
	}
}

type actionKind int

const (
	actionTag actionKind = iota
	actionForward
)

type cronAction struct {
	kind    actionKind
	cluster string
}

func parseAction(raw string) (cronAction, error) {
	switch {
	case raw == "" || raw == "tag":
		return cronAction{kind: actionTag}, nil
	case strings.HasPrefix(raw, "forward:"):
		cluster := strings.TrimPrefix(raw, "forward:")
		if cluster == "" {
			return cronAction{}, fmt.Errorf("forward action missing cluster name")
		}
		return cronAction{kind: actionForward, cluster: cluster}, nil
	}
	return cronAction{}, fmt.Errorf("unknown action %q", raw)
}

// SanitizeTags splits a comma-separated tag list and strips every character
// outside [-a-zA-Z0-9_:,].
func SanitizeTags(raw string) []string {
	clean := tagSanitizer.ReplaceAllString(raw, "")
	var tags []string
	for _, t := range strings.Split(clean, ",") {
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
