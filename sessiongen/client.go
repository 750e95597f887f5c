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

// Package sessiongen talks to the external page that issues bot session
// credentials, and scrapes a fresh credential out of it.
package sessiongen

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/botvisor/botvisor"
)

const (
	DefaultURL       = "https://inconnu-tech-web-session-id.onrender.com/"
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	defaultHowTo = "Scan the QR code with WhatsApp to generate session."
)

var (
	// ErrUnavailable is returned when the generator cannot be reached or
	// answers with a non-200 status.
	ErrUnavailable = errors.New("session generator unavailable")

	// ErrNoSession is returned when the page holds no credential.
	ErrNoSession = errors.New("no session id in generator response")
)

var (
	sessionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`SESSION_ID="([^"]+)"`),
		regexp.MustCompile(`(?i)session_id[:=]\s*["']([^"']+)["']`),
		regexp.MustCompile(`(INCONNU~XD~[a-zA-Z0-9#]+)`),
	}
	qrImagePattern = regexp.MustCompile(`(?i)src=["']([^"']*qr[^"']*\.(?:png|jpg|jpeg|gif|svg))["']`)
	qrDataPattern  = regexp.MustCompile(`(?i)data:image/[^;]+;base64,[^"']+`)
	howToPatterns  = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<div[^>]*class=["']instructions["'][^>]*>(.*?)</div>`),
		regexp.MustCompile(`(?is)<p[^>]*class=["']guide["'][^>]*>(.*?)</p>`),
	}
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// Session is a freshly generated credential.
type Session struct {
	ID           string `json:"sessionId"`
	QRCode       string `json:"qrCode,omitempty"`
	Instructions string `json:"instructions"`
}

// Guide is the static how-to shown to users who fetch a credential
// themselves.
type Guide struct {
	Title        string   `json:"title"`
	Steps        []string `json:"steps"`
	Note         string   `json:"note"`
	GeneratorURL string   `json:"generatorUrl"`
}

// Check is the outcome of testing a credential's format.
type Check struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
	Length  int    `json:"length,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Client struct {
	url    string
	client *resty.Client
	logger logrus.FieldLogger
}

type Option func(*Client)

// WithURL points the client at another generator page.
func WithURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.url = url
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.SetTimeout(d)
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		url:    DefaultURL,
		logger: logrus.StandardLogger(),
		client: resty.New().
			SetTimeout(DefaultTimeout).
			SetHeader("User-Agent", DefaultUserAgent).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(3 * time.Second).
			AddRetryCondition(func(resp *resty.Response, err error) bool {
				return resp != nil && resp.StatusCode() >= 500
			}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// URL is the generator page this client fetches.
func (c *Client) URL() string {
	return c.url
}

// Generate fetches the generator page and extracts a credential from it.
func (c *Client) Generate(ctx context.Context) (*Session, error) {
	c.logger.WithField("url", c.url).Info("generating session")
	resp, err := c.client.R().SetContext(ctx).Get(c.url)
	if err != nil {
		c.logger.WithError(err).Error("session generator request failed")
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	if resp.StatusCode() != 200 {
		c.logger.WithField("status", resp.StatusCode()).Error("session generator refused")
		return nil, errors.Wrapf(ErrUnavailable, "status %d", resp.StatusCode())
	}
	s := Parse(resp.String())
	if s.ID == "" {
		return nil, ErrNoSession
	}
	c.logger.Info("session generated")
	return s, nil
}

// Parse pulls a credential, a QR image reference and a how-to text out of
// a generator page.  It never fails; missing parts are left empty, and the
// how-to falls back to a default.
func Parse(page string) *Session {
	s := &Session{Instructions: defaultHowTo}
	for _, re := range sessionPatterns {
		if m := re.FindStringSubmatch(page); m != nil {
			s.ID = m[1]
			break
		}
	}
	if m := qrImagePattern.FindStringSubmatch(page); m != nil {
		s.QRCode = m[1]
	} else if m := qrDataPattern.FindString(page); m != "" {
		s.QRCode = m
	}
	for _, re := range howToPatterns {
		if m := re.FindStringSubmatch(page); m != nil {
			if text := cleanHTML(m[1]); text != "" {
				s.Instructions = text
			}
			break
		}
	}
	return s
}

func cleanHTML(html string) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(tagPattern.ReplaceAllString(html, " "), " "))
}

// Instructions returns the static how-to.
func (c *Client) Instructions() Guide {
	return Guide{
		Title: "How to Get Session ID",
		Steps: []string{
			"Visit the session generator website",
			`Click on "Generate Session" button`,
			"Scan the QR code with WhatsApp",
			"Wait for the session to be generated",
			"Copy the SESSION_ID starting with " + botvisor.SessionPrefix,
			"Paste it in your server configuration",
		},
		Note:         "Make sure to keep your session ID secure and never share it with anyone.",
		GeneratorURL: c.url,
	}
}

// Test checks the format of a credential.  Whether the credential is
// accepted by the messaging network is only known once a bot starts.
func (c *Client) Test(id string) Check {
	if e := botvisor.ValidateSession(id); e != nil {
		return Check{Error: e.Error()}
	}
	prefix := id
	if len(prefix) > 20 {
		prefix = prefix[:20]
	}
	c.logger.WithField("session", prefix+"...").Debug("session format valid")
	return Check{
		Valid:   true,
		Message: "Session ID format is valid",
		Length:  len(id),
	}
}
