// Copyright 2026 The Botvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/botvisor/botvisor"
	"github.com/botvisor/botvisor/sessiongen"
)

// Handler wraps a Manager, adding http.Handler functionality.
type Handler struct {
	m         *botvisor.Manager
	sessions  *sessiongen.Client
	hub       *Hub
	gatherer  prometheus.Gatherer
	adminUser string
	adminHash []byte
	logger    logrus.FieldLogger
	r         *mux.Router
}

type Option func(*Handler)

// WithSessions serves the /session routes through c.
func WithSessions(c *sessiongen.Client) Option {
	return func(h *Handler) {
		h.sessions = c
	}
}

// WithHub serves the /events stream from hub.  The same hub must be the
// Manager's Notifier.
func WithHub(hub *Hub) Option {
	return func(h *Handler) {
		h.hub = hub
	}
}

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.gatherer = g
	}
}

// WithAdmin enables the /admin routes behind HTTP basic auth.  hash is a
// bcrypt hash of the password.
func WithAdmin(user string, hash []byte) Option {
	return func(h *Handler) {
		h.adminUser = user
		h.adminHash = hash
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

func (h *Handler) writeResult(w http.ResponseWriter, status int, res botvisor.Result) {
	b, e := json.Marshal(res)
	if e != nil {
		h.logger.WithError(e).Error("encoding response")
		http.Error(w, e.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", mimeJson)
	w.WriteHeader(status)
	w.Write(b)
}

// reply writes data, or err in the uniform error shape.
func (h *Handler) reply(w http.ResponseWriter, data interface{}, err error) {
	res := botvisor.NewResult(data, err)
	status := http.StatusOK
	if err != nil {
		status = httpStatus(res.Error.Code)
	}
	h.writeResult(w, status, res)
}

func (h *Handler) fail(w http.ResponseWriter, code string, msg string) {
	h.writeResult(w, httpStatus(code), botvisor.Result{
		Error: &botvisor.ResultError{Code: code, Message: msg},
	})
}

func owner(r *http.Request) (string, error) {
	o := strings.TrimSpace(r.Header.Get(UserHeader))
	if o == "" {
		return "", &botvisor.ValidationError{Field: "owner", Reason: UserHeader + " header is required"}
	}
	return o, nil
}

// server resolves the {id} route variable to a server the caller owns.
// Another owner's server is reported as not found.
func (h *Handler) server(r *http.Request) (*botvisor.ServerView, error) {
	o, e := owner(r)
	if e != nil {
		return nil, e
	}
	v, e := h.m.GetServer(r.Context(), mux.Vars(r)["id"])
	if e != nil {
		return nil, e
	}
	if v.Owner != o {
		return nil, botvisor.ErrNotFound
	}
	return v, nil
}

func (h *Handler) createServer(w http.ResponseWriter, r *http.Request) {
	o, e := owner(r)
	if e != nil {
		h.reply(w, nil, e)
		return
	}
	var spec botvisor.ServerSpec
	if e := json.NewDecoder(r.Body).Decode(&spec); e != nil {
		h.reply(w, nil, &botvisor.ValidationError{Field: "body", Reason: e.Error()})
		return
	}
	s, e := h.m.CreateServer(r.Context(), o, spec)
	if e != nil {
		h.reply(w, nil, e)
		return
	}
	h.writeResult(w, http.StatusCreated, botvisor.NewResult(s, nil))
}

func (h *Handler) listServers(w http.ResponseWriter, r *http.Request) {
	o, e := owner(r)
	if e != nil {
		h.reply(w, nil, e)
		return
	}
	views, e := h.m.UserServers(r.Context(), o)
	h.reply(w, views, e)
}

func (h *Handler) getServer(w http.ResponseWriter, r *http.Request) {
	v, e := h.server(r)
	h.reply(w, v, e)
}

func (h *Handler) deleteServer(w http.ResponseWriter, r *http.Request) {
	v, e := h.server(r)
	if e == nil {
		e = h.m.DeleteServer(r.Context(), v.ID)
	}
	h.reply(w, nil, e)
}

func (h *Handler) startServer(w http.ResponseWriter, r *http.Request) {
	v, e := h.server(r)
	if e != nil {
		h.reply(w, nil, e)
		return
	}
	res, e := h.m.StartServer(r.Context(), v.ID)
	h.reply(w, res, e)
}

func (h *Handler) stopServer(w http.ResponseWriter, r *http.Request) {
	v, e := h.server(r)
	if e == nil {
		e = h.m.StopServer(r.Context(), v.ID)
	}
	h.reply(w, nil, e)
}

func (h *Handler) restartServer(w http.ResponseWriter, r *http.Request) {
	v, e := h.server(r)
	if e != nil {
		h.reply(w, nil, e)
		return
	}
	res, e := h.m.RestartServer(r.Context(), v.ID)
	h.reply(w, res, e)
}

func (h *Handler) serverStatus(w http.ResponseWriter, r *http.Request) {
	v, e := h.server(r)
	if e != nil {
		h.reply(w, nil, e)
		return
	}
	st, e := h.m.ServerStatus(r.Context(), v.ID)
	h.reply(w, st, e)
}

func (h *Handler) serverLogs(w http.ResponseWriter, r *http.Request) {
	v, e := h.server(r)
	if e != nil {
		h.reply(w, nil, e)
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if limit, e = strconv.Atoi(s); e != nil || limit < 0 {
			h.reply(w, nil, &botvisor.ValidationError{Field: "limit", Reason: "limit must be a positive number"})
			return
		}
	}
	var last int64
	if tag := r.Header.Get("If-None-Match"); tag != "" {
		tag = strings.Trim(strings.TrimPrefix(tag, "W/"), `"`)
		// An unparsable tag simply never matches.
		last, _ = strconv.ParseInt(tag, 10, 64)
	}
	page, e := h.m.ServerLogsSince(r.Context(), v.ID, limit, last)
	if e != nil {
		h.reply(w, nil, e)
		return
	}
	if page.Version != 0 {
		w.Header().Set("ETag", etag(page.Version))
	}
	if page.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.reply(w, page, nil)
}

func etag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}

func (h *Handler) generateSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		h.fail(w, codeUnavailable, "session generator is not configured")
		return
	}
	s, e := h.sessions.Generate(r.Context())
	if e != nil {
		h.fail(w, codeUnavailable, e.Error())
		return
	}
	h.reply(w, s, nil)
}

func (h *Handler) validateSession(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if e := json.NewDecoder(r.Body).Decode(&req); e != nil {
		h.reply(w, nil, &botvisor.ValidationError{Field: "body", Reason: e.Error()})
		return
	}
	if h.sessions != nil {
		h.reply(w, h.sessions.Test(req.SessionID), nil)
		return
	}
	h.reply(w, botvisor.CheckSession(req.SessionID), nil)
}

func (h *Handler) sessionInstructions(w http.ResponseWriter, r *http.Request) {
	c := h.sessions
	if c == nil {
		c = sessiongen.NewClient(sessiongen.WithLogger(h.logger))
	}
	h.reply(w, c.Instructions(), nil)
}

// admin guards the operator routes with basic auth.
func (h *Handler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(h.adminHash) == 0 {
			h.fail(w, codeUnauthorized, "admin access is disabled")
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != h.adminUser ||
			bcrypt.CompareHashAndPassword(h.adminHash, []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="botvisor"`)
			h.fail(w, codeUnauthorized, "bad credentials")
			return
		}
		next(w, r)
	}
}

func (h *Handler) activeServers(w http.ResponseWriter, r *http.Request) {
	h.reply(w, h.m.ActiveServers(), nil)
}

func (h *Handler) systemCleanup(w http.ResponseWriter, r *http.Request) {
	h.logger.WithField("remote", r.RemoteAddr).Warn("system cleanup requested")
	h.m.SystemCleanup()
	h.reply(w, nil, nil)
}

func (h *Handler) info(w http.ResponseWriter, r *http.Request) {
	h.reply(w, h.m.Info(), nil)
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	h.fail(w, botvisor.CodeNotFound, "no route for "+r.Method+" "+r.URL.Path)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func NewHandler(m *botvisor.Manager, opts ...Option) *Handler {
	r := mux.NewRouter()
	h := &Handler{m: m, r: r, logger: logrus.StandardLogger()}
	for _, o := range opts {
		o(h)
	}
	r.HandleFunc("/servers", h.createServer).Methods("POST")
	r.HandleFunc("/servers", h.listServers).Methods("GET")
	r.HandleFunc("/servers/{id}", h.getServer).Methods("GET")
	r.HandleFunc("/servers/{id}", h.deleteServer).Methods("DELETE")
	r.HandleFunc("/servers/{id}/start", h.startServer).Methods("POST")
	r.HandleFunc("/servers/{id}/stop", h.stopServer).Methods("POST")
	r.HandleFunc("/servers/{id}/restart", h.restartServer).Methods("POST")
	r.HandleFunc("/servers/{id}/status", h.serverStatus).Methods("GET")
	r.HandleFunc("/servers/{id}/logs", h.serverLogs).Methods("GET")
	r.HandleFunc("/session/generate", h.generateSession).Methods("GET")
	r.HandleFunc("/session/validate", h.validateSession).Methods("POST")
	r.HandleFunc("/session/instructions", h.sessionInstructions).Methods("GET")
	r.HandleFunc("/admin/active", h.admin(h.activeServers)).Methods("GET")
	r.HandleFunc("/admin/cleanup", h.admin(h.systemCleanup)).Methods("POST")
	r.HandleFunc("/admin/info", h.admin(h.info)).Methods("GET")
	if h.hub != nil {
		r.Handle("/events", h.hub).Methods("GET")
	}
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	r.NotFoundHandler = http.HandlerFunc(h.notFound)
	return h
}
