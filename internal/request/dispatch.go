package request

import (
	"fmt"
	"strings"

	"github.com/auralabs/streamcast/internal/ipcache"
	"github.com/auralabs/streamcast/internal/metrics"
)

// dispatch runs once the preamble is parsed: validate, authenticate, classify
// and route to the handler role.
func (c *Client) dispatch() error {
	req := c.Req

	if req.Protocol != "HTTP" && req.Protocol != "ICE" {
		return fmt.Errorf("bad protocol %.15q from %s", req.Protocol, c.Conn.IP())
	}

	if req.Version == "1.1" {
		c.KeepAlive = true
	}
	if v := req.Header.Get("Connection"); v != "" {
		c.KeepAlive = strings.EqualFold(v, "keep-alive")
	}

	c.checkXForwardedFor()

	if c.cfg.UserAgents != nil {
		if agent := req.Header.Get("User-Agent"); agent != "" {
			if c.cfg.UserAgents.Contains(agent) == ipcache.Match {
				return fmt.Errorf("dropping client at %s, useragent %.70q blocked", c.Conn.IP(), agent)
			}
		}
	}

	if c.cfg.Hooks.AuthCheckHTTP != nil {
		c.cfg.Hooks.AuthCheckHTTP(c)
	}

	c.counter = c.clock.Now()
	switch req.Method {
	case "HEAD", "GET":
		c.process = c.processGet
		return c.processGet()
	case "SOURCE", "PUT":
		return c.setupSource()
	case "STATS":
		c.process = c.processStats
		return c.processStats()
	case "OPTIONS":
		return c.sendOptions()
	default:
		c.log.Warn("unhandled request type", "method", req.Method, "ip", c.Conn.IP())
		return c.sendError(501, "Not Implemented", "method not implemented")
	}
}

// checkXForwardedFor rewrites the recorded peer IP from the first element of
// X-Forwarded-For when the connecting peer is a trusted forwarder.
func (c *Client) checkXForwardedFor() {
	hdr := c.Req.Header.Get("X-Forwarded-For")
	if hdr == "" {
		return
	}
	for _, trusted := range c.cfg.XForward {
		if trusted == c.Conn.IP() {
			fwd, _, _ := strings.Cut(hdr, ",")
			fwd = strings.TrimSpace(fwd)
			if fwd != "" {
				c.log.Debug("x-forward match", "peer", c.Conn.IP(), "using", fwd)
				c.Conn.SetIP(fwd)
			}
			return
		}
	}
}

// checkForFiltering flags FLV preference and access-log exclusion from the
// normalised URI.
func (c *Client) checkForFiltering(uri string) {
	ext := ""
	if i := strings.LastIndexByte(uri, '.'); i >= 0 {
		ext = uri[i+1:]
	}
	qtype := c.Req.QueryParam("type")
	if ext == "flv" || qtype == ".flv" || qtype == ".fla" {
		c.WantsFLV = true
		c.log.Debug("listener has requested FLV")
	}
	if ext == "" || c.cfg.AccessLogExcludeExt == "" {
		return
	}
	for _, pat := range strings.Fields(c.cfg.AccessLogExcludeExt) {
		if pat == ext {
			c.SkipAccessLog = true
			return
		}
	}
}

// processGet is the listener GET/HEAD path: URI normalisation, aliases, the
// client limit, and routing between the admin and listener collaborators.
func (c *Client) processGet() error {
	uri, err := normaliseURI(c.Req.URI)
	if err != nil {
		return c.sendError(400, "Bad Request", "invalid request URI")
	}
	c.log.Debug("get request", "uri", uri)
	c.checkForFiltering(uri)

	serverHost := ""
	serverPort := 0
	if c.Profile != nil {
		serverHost = c.Profile.BindAddress
		serverPort = c.Profile.Port
	}
	for _, a := range c.cfg.Aliases {
		if a.Source != uri {
			continue
		}
		if a.Port > 0 && a.Port != serverPort {
			continue
		}
		if a.BindAddress != "" && a.BindAddress != serverHost {
			continue
		}
		c.log.Debug("alias rewrite", "from", uri, "to", a.Destination)
		uri = a.Destination
		break
	}

	limitReached := false
	if c.cfg.ClientLimit > 0 && c.cfg.ClientCount() > c.cfg.ClientLimit {
		limitReached = true
		c.log.Warn("server client limit reached", "limit", c.cfg.ClientLimit, "ip", c.Conn.IP())
	}

	metrics.ClientConnections.Inc()

	if uri == "/admin.cgi" || strings.HasPrefix(uri, "/admin/") {
		if c.cfg.Hooks.AdminHandle == nil {
			return c.sendError(404, "File Not Found", "admin interface not available")
		}
		if err := c.cfg.Hooks.AdminHandle(c, uri); err != nil {
			return err
		}
		return ErrHandoff
	}
	if limitReached {
		return c.sendError(403, "Forbidden", "Too many clients connected")
	}
	if c.cfg.Hooks.AuthAddListener == nil {
		return c.sendError(404, "File Not Found", "no such mountpoint")
	}
	if err := c.cfg.Hooks.AuthAddListener(uri, c); err != nil {
		return err
	}
	return ErrHandoff
}

// setupSource prepares a SOURCE/PUT client: honour Expect: 100-continue, move
// stream bytes that arrived after the headers into the early-body buffer, and
// swap to the source request handler.
func (c *Client) setupSource() error {
	if rest := c.buf[c.bodyOffset:]; len(rest) > 0 {
		c.EarlyBody = append([]byte(nil), rest...)
		c.log.Debug("found stream data after headers", "bytes", len(rest))
	}
	c.buf = nil

	if expect := c.Req.Header.Get("Expect"); expect != "" {
		if strings.EqualFold(expect, "100-continue") {
			c.log.Debug("client expects 100 continue")
			c.process = c.processSource
			return c.sendThen([]byte("HTTP/1.1 100 Continue\r\n\r\n"), c.processSource)
		}
		c.log.Info("received Expect header", "expect", expect)
	}
	c.process = c.processSource
	return c.processSource()
}

// processSource authenticates the source and hands it to the ingest
// collaborator.
func (c *Client) processSource() error {
	uri := c.Req.URI
	c.log.Info("source logging in", "mount", uri, "ip", c.Conn.IP())

	if !strings.HasPrefix(uri, "/") {
		c.log.Warn("source mountpoint not starting with /")
		return c.sendError(401, "Authentication Required", "login failed")
	}

	auth := SourceAuthFailed
	if c.cfg.Hooks.AuthCheckSource != nil {
		auth = c.cfg.Hooks.AuthCheckSource(c, uri)
	} else if CheckSourcePass(c.Req, "source", c.cfg.SourcePassword, c.cfg.ICELogin, c.log) {
		auth = SourceAuthOK
	}
	switch auth {
	case SourceAuthOK:
		if c.cfg.Hooks.SourceStartup == nil {
			return c.sendError(403, "Forbidden", "source intake not available")
		}
		if err := c.cfg.Hooks.SourceStartup(c, uri); err != nil {
			return err
		}
		return ErrHandoff
	case SourceAuthPending:
		return ErrHandoff
	default:
		c.log.Info("source attempted to login with invalid or missing password", "mount", uri)
		return c.sendError(401, "Authentication Required", "login failed")
	}
}

// processStats attaches a STATS client to the statistics feeds its
// credentials allow, falling back to the listener path.
func (c *Client) processStats() error {
	if c.checkAdminPass() {
		if c.cfg.Hooks.StatsAddListener == nil {
			return c.sendError(404, "File Not Found", "stats not available")
		}
		c.cfg.Hooks.StatsAddListener(c, StatsAll)
		return ErrHandoff
	}
	uri := c.Req.URI
	if uri == "/admin/streams" && c.checkRelayPass() {
		if c.cfg.Hooks.StatsAddListener == nil {
			return c.sendError(404, "File Not Found", "stats not available")
		}
		c.cfg.Hooks.StatsAddListener(c, StatsSlave|StatsGeneral)
		return ErrHandoff
	}
	if c.cfg.Hooks.AuthAddListener == nil {
		return c.sendError(401, "Authentication Required", "login failed")
	}
	if err := c.cfg.Hooks.AuthAddListener(uri, c); err != nil {
		return err
	}
	return ErrHandoff
}
