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
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"github.com/botvisor/botvisor"
	"github.com/botvisor/botvisor/sessiongen"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Client is a typed client for the HTTP API.
type Client struct {
	base   string // URI to root of tree on server
	owner  string // sent as UserHeader
	user   string // HTTP Basic-Auth, for the admin routes
	pass   string
	auth   bool
	client *resty.Client
}

// SetUser sets the panel user the calls are made for.
func (c *Client) SetUser(owner string) {
	c.owner = owner
}

func (c *Client) SetAuth(user string, pass string) {
	c.user = user
	c.pass = pass
	c.auth = true
}

func (c *Client) serverURL(id string, action string) string {
	u := "/servers/" + url.PathEscape(id)
	if action != "" {
		u += "/" + action
	}
	return u
}

// call issues one request and unpacks the uniform result into out.
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	_, e := c.send(c.request(ctx), method, path, body, out)
	return e
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.client.R().SetContext(ctx).SetHeader("Accept", "application/json")
}

// send is call for a prepared request.  A 304 reply has no body and is
// returned as is.
func (c *Client) send(req *resty.Request, method, path string, body, out interface{}) (*resty.Response, error) {
	if c.owner != "" {
		req.SetHeader(UserHeader, c.owner)
	}
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	res, e := req.Execute(method, path)
	if e != nil {
		return nil, e
	}
	if res.StatusCode() == http.StatusNotModified {
		return res, nil
	}
	var env envelope
	if e := json.Unmarshal(res.Body(), &env); e != nil {
		return res, &Error{Status: res.StatusCode(), Message: res.Status()}
	}
	if !env.Success {
		if env.Error == nil {
			env.Error = &Error{Message: res.Status()}
		}
		env.Error.Status = res.StatusCode()
		return res, env.Error
	}
	if out != nil && len(env.Data) != 0 {
		return res, json.Unmarshal(env.Data, out)
	}
	return res, nil
}

func (c *Client) CreateServer(ctx context.Context, spec botvisor.ServerSpec) (*botvisor.Server, error) {
	s := &botvisor.Server{}
	if e := c.call(ctx, http.MethodPost, "/servers", spec, s); e != nil {
		return nil, e
	}
	return s, nil
}

// Servers lists the servers of the current user.
func (c *Client) Servers(ctx context.Context) ([]botvisor.ServerView, error) {
	var v []botvisor.ServerView
	if e := c.call(ctx, http.MethodGet, "/servers", nil, &v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) GetServer(ctx context.Context, id string) (*botvisor.ServerView, error) {
	v := &botvisor.ServerView{}
	if e := c.call(ctx, http.MethodGet, c.serverURL(id, ""), nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) DeleteServer(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, c.serverURL(id, ""), nil, nil)
}

func (c *Client) StartServer(ctx context.Context, id string) (*botvisor.StartResult, error) {
	v := &botvisor.StartResult{}
	if e := c.call(ctx, http.MethodPost, c.serverURL(id, "start"), nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) StopServer(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, c.serverURL(id, "stop"), nil, nil)
}

func (c *Client) RestartServer(ctx context.Context, id string) (*botvisor.StartResult, error) {
	v := &botvisor.StartResult{}
	if e := c.call(ctx, http.MethodPost, c.serverURL(id, "restart"), nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) ServerStatus(ctx context.Context, id string) (*botvisor.BotStatus, error) {
	v := &botvisor.BotStatus{}
	if e := c.call(ctx, http.MethodGet, c.serverURL(id, "status"), nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

// ServerLogs returns at most limit log records and the number kept; zero
// means the server's default.
func (c *Client) ServerLogs(ctx context.Context, id string, limit int) (*botvisor.LogPage, error) {
	return c.ServerLogsSince(ctx, id, limit, 0)
}

// ServerLogsSince asks only for a log newer than version last.  An
// unchanged log comes back NotModified and without records.
func (c *Client) ServerLogsSince(ctx context.Context, id string, limit int, last int64) (*botvisor.LogPage, error) {
	path := c.serverURL(id, "logs")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	req := c.request(ctx)
	if last != 0 {
		req.SetHeader("If-None-Match", etag(last))
	}
	v := &botvisor.LogPage{}
	res, e := c.send(req, http.MethodGet, path, nil, v)
	if e != nil {
		return nil, e
	}
	if res.StatusCode() == http.StatusNotModified {
		return &botvisor.LogPage{Version: last, NotModified: true}, nil
	}
	return v, nil
}

func (c *Client) GenerateSession(ctx context.Context) (*sessiongen.Session, error) {
	v := &sessiongen.Session{}
	if e := c.call(ctx, http.MethodGet, "/session/generate", nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) ValidateSession(ctx context.Context, session string) (*sessiongen.Check, error) {
	v := &sessiongen.Check{}
	if e := c.call(ctx, http.MethodPost, "/session/validate", ValidateRequest{SessionID: session}, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) Instructions(ctx context.Context) (*sessiongen.Guide, error) {
	v := &sessiongen.Guide{}
	if e := c.call(ctx, http.MethodGet, "/session/instructions", nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

// ActiveServers needs admin credentials, see SetAuth.
func (c *Client) ActiveServers(ctx context.Context) ([]botvisor.ActiveServer, error) {
	var v []botvisor.ActiveServer
	if e := c.call(ctx, http.MethodGet, "/admin/active", nil, &v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) SystemCleanup(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/admin/cleanup", nil, nil)
}

func (c *Client) Info(ctx context.Context) (*botvisor.ManagerInfo, error) {
	v := &botvisor.ManagerInfo{}
	if e := c.call(ctx, http.MethodGet, "/admin/info", nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

// Watch streams events to fn until ctx is done or the connection drops.
// A non-empty server limits the stream to that server id.
func (c *Client) Watch(ctx context.Context, server string, fn func(Event)) error {
	u, e := url.Parse(c.base)
	if e != nil {
		return e
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	if server != "" {
		u.RawQuery = url.Values{"server": {server}}.Encode()
	}
	hdr := http.Header{}
	if c.owner != "" {
		hdr.Set(UserHeader, c.owner)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, e := dialer.DialContext(ctx, u.String(), hdr)
	if e != nil {
		return e
	}
	defer conn.Close()

	// Unblock the read below when the caller gives up.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var ev Event
		if e := conn.ReadJSON(&ev); e != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(e, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return e
		}
		fn(ev)
	}
}

// NewClient returns a Client handle.  The transport may be nil to use
// a default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL to use.
func NewClient(t *http.Transport, baseURI string) *Client {
	baseURI = strings.TrimSuffix(baseURI, "/")
	rc := resty.New().
		SetBaseURL(baseURI).
		SetTimeout(10 * time.Minute)
	if t != nil {
		rc.SetTransport(t)
	}
	return &Client{base: baseURI, client: rc}
}
