package server

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/auralabs/streamcast/internal/listen"
	"github.com/auralabs/streamcast/internal/request"
)

const (
	defaultHeaderTimeout = 15 * time.Second
	defaultRejectLogTTL  = time.Minute

	// acceptTick bounds how long the accept loop waits between housekeeping
	// passes, and with it the shutdown latency.
	acceptTick = 4 * time.Second
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Listeners are the endpoints to bind. At least one is required.
	Listeners []*listen.Profile

	// CertFile holds the server certificate and PEM private key for TLS
	// listeners; empty disables TLS and TLS-flagged listeners run plain.
	CertFile   string
	CipherList string

	// Access control file paths; empty disables the respective filter.
	BanFile   string
	AllowFile string
	AgentFile string

	AdminUser      string
	AdminPassword  string
	RelayUser      string
	RelayPassword  string
	SourcePassword string
	ICELogin       bool

	XForward []string
	Aliases  []request.Alias

	AccessLogExcludeExt string
	ClientLimit         int

	// HeaderTimeout is how long a peer has to complete the request preamble.
	HeaderTimeout time.Duration

	// NewConnectionsSlowdown throttles the accept loop by hint × 5 ms after
	// each accepted connection.
	NewConnectionsSlowdown int

	// MaxWorkers bounds the client operation pool.
	MaxWorkers int

	// Hooks are the downstream handler roles; nil funcs get polite refusals.
	Hooks *request.Hooks

	// ReloadSignal delivers config-reread requests (SIGHUP). May be nil.
	ReloadSignal <-chan os.Signal

	// OnReloadRequest runs on each reload request, on its own goroutine; the
	// cooperating reloader is expected to call Server.Reload.
	OnReloadRequest func()
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}
	for _, p := range c.Listeners {
		if p.Port <= 0 || p.Port > 65535 {
			return errors.New("listener port out of range")
		}
		if p.ShoutcastCompat && p.ShoutcastMount == "" {
			p.ShoutcastMount = "/stream"
		}
	}
	if c.HeaderTimeout == 0 {
		c.HeaderTimeout = defaultHeaderTimeout
	}
	if c.HeaderTimeout <= 0 {
		return errors.New("header timeout must be > 0")
	}
	if c.Hooks == nil {
		c.Hooks = &request.Hooks{}
	}
	return nil
}
