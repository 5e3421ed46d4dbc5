// Package request reads the request preamble from accepted connections,
// emulates the legacy password-first source dialogue, and dispatches parsed
// requests into the downstream handler roles. Every operation here is
// cooperative: it either finishes, hands the client off, or reschedules
// itself without blocking.
package request

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/auralabs/streamcast/internal/conn"
	"github.com/auralabs/streamcast/internal/ipcache"
	"github.com/auralabs/streamcast/internal/listen"
)

// bufSize is the scratch buffer for the request preamble. A request that does
// not fit is rejected.
const bufSize = 4096

// ErrHandoff reports that a downstream collaborator took ownership of the
// client; the worker must forget it without closing the connection.
var ErrHandoff = errors.New("client handed off")

// errFinished closes the connection after a queued response has drained.
var errFinished = errors.New("request finished")

// SourceAuth is the outcome of the source credential check.
type SourceAuth int

const (
	SourceAuthFailed SourceAuth = iota
	SourceAuthOK
	// SourceAuthPending means an async auth collaborator took the client.
	SourceAuthPending
)

// StatsFlags select which statistics feed a STATS client attaches to.
type StatsFlags int

const (
	StatsGeneral StatsFlags = 1 << iota
	StatsSlave
	StatsAll StatsFlags = StatsGeneral | StatsSlave
)

// Hooks are the downstream collaborators a parsed request is routed to. Any
// nil hook falls back to a polite refusal so the core stays functional when a
// role is not wired.
type Hooks struct {
	// AuthCheckHTTP runs once after headers parse, before classification.
	AuthCheckHTTP func(*Client)

	// AuthAddListener takes ownership of a listener GET or unauthenticated
	// STATS client.
	AuthAddListener func(uri string, c *Client) error

	// AuthCheckSource authenticates a SOURCE/PUT client for the mount.
	AuthCheckSource func(c *Client, uri string) SourceAuth

	// SourceStartup takes ownership of an authenticated source client.
	SourceStartup func(c *Client, uri string) error

	// AdminHandle takes ownership of /admin requests.
	AdminHandle func(c *Client, uri string) error

	// StatsAddListener attaches an authenticated STATS client.
	StatsAddListener func(c *Client, flags StatsFlags)

	// ServeFile takes ownership of a client diverted to a preconfigured
	// resource (the flash policy probe).
	ServeFile func(c *Client, mount string) error
}

// Alias rewrites a request URI when its source matches, optionally constrained
// to the accepting listener's port and bind address.
type Alias struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	Port        int    `yaml:"port"`
	BindAddress string `yaml:"bind-address"`
}

type DispatchConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Hooks  *Hooks

	// Running gates every per-client operation; once it reports false the
	// next invocation returns terminal failure.
	Running func() bool

	// ClientCount feeds the process-wide client limit.
	ClientCount func() int
	ClientLimit int

	// UserAgents drops requests whose user agent matches; may be nil.
	UserAgents *ipcache.File

	AdminUser      string
	AdminPassword  string
	RelayUser      string
	RelayPassword  string
	SourcePassword string

	// ICELogin enables the deprecated ice-password fallback for sources.
	ICELogin bool

	// XForward lists peers trusted to supply X-Forwarded-For.
	XForward []string

	Aliases []Alias

	// AccessLogExcludeExt is a space-separated extension list whose requests
	// skip the access log.
	AccessLogExcludeExt string
}

func (c *DispatchConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Hooks == nil {
		c.Hooks = &Hooks{}
	}
	if c.Running == nil {
		c.Running = func() bool { return true }
	}
	if c.ClientCount == nil {
		c.ClientCount = func() int { return 0 }
	}
	return nil
}

// Client is a connection plus request-building state. Its current behaviour is
// the process func, swapped on each major transition; the worker invokes it at
// or after ScheduleAt.
type Client struct {
	Conn    *conn.Conn
	Profile *listen.Profile

	// Req holds the parsed request once the preamble is complete.
	Req *Request

	// EarlyBody is stream data that arrived in the same read as the headers.
	EarlyBody []byte

	KeepAlive     bool
	WantsFLV      bool
	SkipAccessLog bool
	RespCode      int

	cfg   *DispatchConfig
	log   *slog.Logger
	clock clockwork.Clock

	buf        []byte
	bodyOffset int

	counter    time.Time
	scheduleAt time.Time

	pending      []byte
	pendingPos   int
	afterPending func() error

	process func() error
}

// NewClient binds an accepted connection to its listener profile and selects
// the initial operation: the legacy dialogue on shoutcast-compat listeners,
// the standard preamble otherwise. The profile refcount must already be held.
func NewClient(cfg *DispatchConfig, cn *conn.Conn, p *listen.Profile) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatch config: %w", err)
	}
	c := &Client{
		Conn:    cn,
		Profile: p,
		cfg:     cfg,
		log:     cfg.Logger,
		clock:   cfg.Clock,
		counter: cfg.Clock.Now(),
	}
	if p != nil && p.ShoutcastCompat {
		c.process = c.processShoutcast
	} else {
		c.process = c.processHTTPRequest
	}
	return c, nil
}

// Process runs the client's current operation. nil means re-invoke at
// ScheduleAt; ErrHandoff means a collaborator owns the client now; any other
// error is terminal and the caller destroys the client.
func (c *Client) Process() error { return c.process() }

// Destroy releases everything the client holds.
func (c *Client) Destroy() {
	c.Conn.Close()
	if c.Profile != nil {
		c.Profile.Release()
		c.Profile = nil
	}
	c.buf = nil
	c.pending = nil
}

// ScheduleAt is the earliest instant the worker should invoke Process again.
func (c *Client) ScheduleAt() time.Time { return c.scheduleAt }

// SetSchedule seeds the counter and next-run instant (done at accept).
func (c *Client) SetSchedule(counter, at time.Time) {
	c.counter = counter
	c.scheduleAt = at
}

// ID is the underlying connection's id.
func (c *Client) ID() uint64 { return c.Conn.ID() }

func (c *Client) scheduleIn(d time.Duration) {
	c.scheduleAt = c.clock.Now().Add(d)
}

// sendThen queues data for the peer and switches the client to draining it;
// when the last byte is out, next runs. A nil next closes the connection.
func (c *Client) sendThen(data []byte, next func() error) error {
	c.pending = data
	c.pendingPos = 0
	c.afterPending = next
	c.process = c.processPending
	return c.processPending()
}

func (c *Client) processPending() error {
	if !c.cfg.Running() || c.Conn.Error() {
		return errFinished
	}
	n, err := c.Conn.Write(c.pending[c.pendingPos:])
	c.pendingPos += n
	if c.pendingPos == len(c.pending) {
		next := c.afterPending
		c.pending = nil
		c.afterPending = nil
		if next == nil {
			return errFinished
		}
		return next()
	}
	if err == nil || errors.Is(err, conn.ErrWouldBlock) {
		c.scheduleIn(100 * time.Millisecond)
		return nil
	}
	return err
}
