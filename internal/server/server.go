// Package server wires the viewer's HTTP surface: session search and export,
// hunt and cron management, user administration, fleet stats, and the
// node-to-node RPCs behind them.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/owlcap/owlcap/internal/cluster"
	"github.com/owlcap/owlcap/internal/config"
	"github.com/owlcap/owlcap/internal/cron"
	"github.com/owlcap/owlcap/internal/esstore"
	"github.com/owlcap/owlcap/internal/expression"
	"github.com/owlcap/owlcap/internal/hunt"
	"github.com/owlcap/owlcap/internal/metrics"
	"github.com/owlcap/owlcap/internal/middleware"
	"github.com/owlcap/owlcap/internal/notifier"
	"github.com/owlcap/owlcap/internal/pcap"
	"github.com/owlcap/owlcap/internal/user"
)

// Server is the viewer HTTP server and the hub holding every component the
// handlers reach.
type Server struct {
	cfg      *config.Config
	es       *esstore.Store
	users    *user.Cache
	compiler *expression.Compiler
	resolver *cluster.Resolver
	auth     *cluster.Auth
	proxy    *cluster.Proxy
	pcaps    *pcap.Store
	scrubber *pcap.Scrubber

	huntEngine *hunt.Engine
	cronEngine *cron.Engine
	forwarder  *cron.Forwarder
	notify     *notifier.Manager
	metrics    *metrics.Metrics

	authn *middleware.Authenticator

	httpServer *http.Server
	log        *logrus.Entry
}

// New assembles a Server over already-constructed components.
func New(cfg *config.Config, es *esstore.Store, users *user.Cache,
	compiler *expression.Compiler, resolver *cluster.Resolver, auth *cluster.Auth,
	proxy *cluster.Proxy, pcaps *pcap.Store, scrubber *pcap.Scrubber,
	huntEngine *hunt.Engine, cronEngine *cron.Engine, forwarder *cron.Forwarder,
	notify *notifier.Manager, m *metrics.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		es:         es,
		users:      users,
		compiler:   compiler,
		resolver:   resolver,
		auth:       auth,
		proxy:      proxy,
		pcaps:      pcaps,
		scrubber:   scrubber,
		huntEngine: huntEngine,
		cronEngine: cronEngine,
		forwarder:  forwarder,
		notify:     notify,
		metrics:    m,
		authn:      middleware.NewAuthenticator(cfg, auth, users),
		log:        logrus.WithField("component", "server"),
	}
}

// Router builds the full route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.SecurityHeaders(s.cfg))

	// Metrics are scraped by infrastructure, not users.
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/").Subrouter()
	api.Use(s.authn.Wrap)

	s.route(api, "sessions", http.MethodGet, "/api/sessions", s.handleSessionSearch)
	s.route(api, "sessions", http.MethodPost, "/api/sessions", s.handleSessionSearch)
	s.route(api, "session", http.MethodGet, "/api/session/{id}", s.handleSessionGet)
	s.gated(api, "sessionsPcap", http.MethodGet, "/api/sessions.pcap", s.handleSessionsPcap, middleware.RequirePcapDownload())
	s.gated(api, "addTags", http.MethodPost, "/api/sessions/addTags", s.handleAddTags, nil)
	s.gated(api, "delete", http.MethodPost, "/api/sessions/delete", s.handleSessionsDelete, middleware.RequireRemove())
	s.route(api, "receive", http.MethodPost, middleware.ReceivePath, s.handleSessionsReceive)

	// Node-scoped peer RPCs. The node segment lets a front proxy route by
	// path; the handler still verifies ownership.
	s.route(api, "remoteHunt", http.MethodGet, "/{node}/hunt/{huntId}/remote/{sessionId}", s.handleRemoteHunt)
	s.gated(api, "nodeDelete", http.MethodGet, "/{node}/delete/{what}/{sessionId}", s.handleNodeDelete, middleware.RequireRemove())
	s.route(api, "sendSession", http.MethodGet, "/{node}/sendSession/{sessionId}", s.handleSendSession)

	s.gated(api, "huntList", http.MethodGet, "/api/hunts", s.handleHuntList, middleware.RequirePacketSearch())
	s.gated(api, "huntCreate", http.MethodPost, "/api/hunt", s.handleHuntCreate, middleware.RequirePacketSearch())
	s.gated(api, "huntDelete", http.MethodDelete, "/api/hunt/{id}", s.handleHuntDelete, middleware.RequirePacketSearch())
	s.gated(api, "huntPause", http.MethodPut, "/api/hunt/{id}/pause", s.handleHuntPause, middleware.RequirePacketSearch())
	s.gated(api, "huntPlay", http.MethodPut, "/api/hunt/{id}/play", s.handleHuntPlay, middleware.RequirePacketSearch())

	s.route(api, "cronList", http.MethodGet, "/api/crons", s.handleCronList)
	s.route(api, "cronCreate", http.MethodPost, "/api/cron", s.handleCronCreate)
	s.route(api, "cronUpdate", http.MethodPost, "/api/cron/{id}", s.handleCronUpdate)
	s.route(api, "cronDelete", http.MethodDelete, "/api/cron/{id}", s.handleCronDelete)

	s.route(api, "userCurrent", http.MethodGet, "/api/user", s.handleUserCurrent)
	s.route(api, "userSettings", http.MethodPost, "/api/user/settings", s.handleUserSettings)
	s.route(api, "userPassword", http.MethodPost, "/api/user/password", s.handleUserPassword)
	s.gated(api, "userList", http.MethodGet, "/api/users", s.handleUserList, middleware.RequireAdmin())
	s.gated(api, "userCreate", http.MethodPost, "/api/users", s.handleUserCreate, middleware.RequireAdmin())
	s.gated(api, "userUpdate", http.MethodPost, "/api/users/{id}", s.handleUserUpdate, middleware.RequireAdmin())
	s.gated(api, "userDelete", http.MethodDelete, "/api/users/{id}", s.handleUserDelete, middleware.RequireAdmin())

	s.gated(api, "stats", http.MethodGet, "/api/stats", s.handleStats, middleware.RequireStats())
	s.gated(api, "files", http.MethodGet, "/api/files", s.handleFiles, middleware.RequireFiles())
	s.gated(api, "esadmin", http.MethodGet, "/api/esadmin", s.handleESAdmin, middleware.RequireESAdmin(s.cfg))

	s.gated(api, "notifierList", http.MethodGet, "/api/notifiers", s.handleNotifierList, nil)
	s.gated(api, "notifierSave", http.MethodPost, "/api/notifier", s.handleNotifierSave, middleware.RequireAdmin())
	s.gated(api, "notifierDelete", http.MethodDelete, "/api/notifier/{name}", s.handleNotifierDelete, middleware.RequireAdmin())

	s.route(api, "lookupList", http.MethodGet, "/api/lookups", s.handleLookupList)
	s.route(api, "lookupCreate", http.MethodPost, "/api/lookup", s.handleLookupCreate)
	s.route(api, "lookupDelete", http.MethodDelete, "/api/lookup/{id}", s.handleLookupDelete)

	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(r)
}

// route registers an instrumented, history-logged handler.
func (s *Server) route(r *mux.Router, name, method, path string, h http.HandlerFunc) {
	s.gated(r, name, method, path, h, nil)
}

// gated is route with an optional permission gate between auth and handler.
func (s *Server) gated(r *mux.Router, name, method, path string, h http.HandlerFunc, gate func(http.Handler) http.Handler) {
	var handler http.Handler = h
	if gate != nil {
		handler = gate(handler)
	}
	handler = middleware.History(s.es, name)(handler)
	handler = middleware.Instrument(s.metrics, name)(handler)
	r.Handle(path, handler).Methods(method)
}

// Start begins serving and blocks until the listener fails or closes.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ViewHost, s.cfg.ViewPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handlers.CombinedLoggingHandler(os.Stdout, handlers.ProxyHeaders(handlers.CompressHandler(s.Router()))),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 25 * time.Minute, // pcap export and proxied downloads
		IdleTimeout:  120 * time.Second,
	}

	s.log.WithFields(logrus.Fields{
		"addr": addr,
		"tls":  s.cfg.IsHTTPS(),
		"node": s.cfg.NodeName,
	}).Info("Viewer listening")

	if s.cfg.IsHTTPS() {
		return s.httpServer.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.log.Info("Shutting down viewer")
	return s.httpServer.Shutdown(ctx)
}
