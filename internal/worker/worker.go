// Package worker drives clients cooperatively: each client's current
// operation runs on a bounded pool at or after its scheduled instant, and must
// either finish, hand the client off, or reschedule itself.
package worker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/auralabs/streamcast/internal/metrics"
	"github.com/auralabs/streamcast/internal/request"
)

const defaultMaxWorkers = 64

// Client is anything the pool can drive. request.Client satisfies it.
type Client interface {
	ID() uint64
	Process() error
	Destroy()
	ScheduleAt() time.Time
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// MaxWorkers bounds concurrent Process invocations.
	MaxWorkers int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = defaultMaxWorkers
	}
	if c.MaxWorkers < 0 {
		return errors.New("max workers must be > 0")
	}
	return nil
}

// Pool owns the registry of live clients and the task pool their operations
// run on.
type Pool struct {
	log   *slog.Logger
	clock clockwork.Clock
	tasks pond.Pool

	mu      sync.Mutex
	clients map[uint64]Client
	stopped bool
}

func New(cfg *Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pool{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		tasks:   pond.NewPool(cfg.MaxWorkers),
		clients: make(map[uint64]Client),
	}, nil
}

// Add registers a client and submits its first run.
func (p *Pool) Add(c Client) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		c.Destroy()
		return
	}
	p.clients[c.ID()] = c
	n := len(p.clients)
	p.mu.Unlock()
	metrics.ClientsActive.Set(float64(n))
	p.submit(c)
}

// Count reports the number of clients the pool currently owns.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

func (p *Pool) submit(c Client) {
	p.tasks.Submit(func() { p.run(c) })
}

func (p *Pool) run(c Client) {
	err := c.Process()
	switch {
	case err == nil:
		d := c.ScheduleAt().Sub(p.clock.Now())
		if d < time.Millisecond {
			d = time.Millisecond
		}
		p.clock.AfterFunc(d, func() {
			p.mu.Lock()
			stopped := p.stopped
			p.mu.Unlock()
			if !stopped {
				p.submit(c)
			}
		})
	case errors.Is(err, request.ErrHandoff):
		// A collaborator owns the connection now.
		p.forget(c, false)
	default:
		p.log.Debug("client finished", "id", c.ID(), "reason", err)
		p.forget(c, true)
	}
}

func (p *Pool) forget(c Client, destroy bool) {
	p.mu.Lock()
	delete(p.clients, c.ID())
	n := len(p.clients)
	p.mu.Unlock()
	metrics.ClientsActive.Set(float64(n))
	if destroy {
		c.Destroy()
	}
}

// Shutdown stops accepting clients, waits for in-flight operations and
// destroys whatever is left.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.stopped = true
	remaining := make([]Client, 0, len(p.clients))
	for _, c := range p.clients {
		remaining = append(remaining, c)
	}
	p.clients = make(map[uint64]Client)
	p.mu.Unlock()

	p.tasks.StopAndWait()
	for _, c := range remaining {
		c.Destroy()
	}
	metrics.ClientsActive.Set(0)
}
