// Package listen owns the listening endpoints: binding them from config,
// reconciling them across reloads, and the per-listener profiles shared with
// every client accepted through them.
package listen

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/auralabs/streamcast/internal/metrics"
)

// Profile describes one listening endpoint. It is shared between the listen
// socket and each client accepted through it, reference-counted so a reload
// can drop the socket while clients still hold the profile.
type Profile struct {
	BindAddress string `yaml:"bind-address"`
	Port        int    `yaml:"port"`
	QueueLen    int    `yaml:"queue-len"`
	TLS         bool   `yaml:"tls"`

	// ShoutcastCompat selects the password-first legacy dialogue; sources
	// arriving on this listener are mounted at ShoutcastMount.
	ShoutcastCompat bool   `yaml:"shoutcast-compat"`
	ShoutcastMount  string `yaml:"shoutcast-mount"`

	SoSndBuf int `yaml:"so-sndbuf"`
	SoMSS    int `yaml:"so-mss"`

	refs atomic.Int32
}

func (p *Profile) Acquire() { p.refs.Add(1) }
func (p *Profile) Release() { p.refs.Add(-1) }

// Refs reports the current holder count.
func (p *Profile) Refs() int { return int(p.refs.Load()) }

func (p *Profile) addr() string {
	return net.JoinHostPort(p.BindAddress, strconv.Itoa(p.Port))
}

func (p *Profile) sameEndpoint(o *Profile) bool {
	return p.Port == o.Port && p.BindAddress == o.BindAddress
}

// Manager is the sole writer of the parallel socket and profile slices.
type Manager struct {
	log *slog.Logger

	mu       sync.Mutex
	socks    []net.Listener
	profiles []*Profile

	// privilegedBelow is the port bound under which a listener survives a
	// reload when the new config still references it.
	privilegedBelow int
}

func NewManager(log *slog.Logger) *Manager {
	return &Manager{log: log, privilegedBelow: 1024}
}

// control applies the optional socket tuning from a profile.
func (p *Profile) control(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		if p.SoSndBuf > 0 {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, p.SoSndBuf); err != nil {
				serr = fmt.Errorf("set SO_SNDBUF: %w", err)
				return
			}
		}
		if p.SoMSS > 0 {
			if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_MAXSEG, p.SoMSS); err != nil {
				serr = fmt.Errorf("set TCP_MAXSEG: %w", err)
			}
		}
	})
	if err != nil {
		return err
	}
	return serr
}

// Setup binds every profile not already active and registers it. Profiles that
// fail to bind are logged and dropped from the active set; the rest proceed.
// It returns the newly bound sockets and their profiles so the caller can
// start accepting on them.
func (m *Manager) Setup(profiles []*Profile) ([]net.Listener, []*Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var addedSocks []net.Listener
	var addedProfiles []*Profile

	if n := len(m.profiles); n > 0 {
		m.log.Info("listening sockets already open", "count", n)
	}

next:
	for _, p := range profiles {
		for _, active := range m.profiles {
			if active.sameEndpoint(p) {
				continue next
			}
		}
		lc := net.ListenConfig{Control: p.control}
		l, err := lc.Listen(context.Background(), "tcp", p.addr())
		if err != nil {
			m.log.Error("could not create listener socket", "port", p.Port, "bind", p.BindAddress, "error", err)
			continue
		}
		p.Acquire()
		m.socks = append(m.socks, l)
		m.profiles = append(m.profiles, p)
		addedSocks = append(addedSocks, l)
		addedProfiles = append(addedProfiles, p)
		// The accept backlog is kernel-managed here; the configured queue
		// length is recorded for operators migrating existing configs.
		m.log.Info("listener socket open", "port", p.Port, "bind", p.BindAddress, "qlen", p.QueueLen, "tls", p.TLS)
	}
	metrics.ListenSockets.Set(float64(len(m.socks)))
	if len(m.socks) == 0 {
		m.log.Error("no listening sockets established")
	}
	return addedSocks, addedProfiles
}

// Close closes listening sockets. With all false and a config supplied, a
// privileged socket is preserved iff the config still contains a listener with
// the same port and bind address; it keeps its original file descriptor. The
// slices are compacted afterwards.
func (m *Manager) Close(cfg []*Profile, all bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := 0
	for i, p := range m.profiles {
		preserve := false
		if !all && cfg != nil && p.Port < m.privilegedBelow {
			for _, want := range cfg {
				if p.sameEndpoint(want) {
					preserve = true
					break
				}
			}
		}
		if preserve {
			m.log.Info("leaving port open", "port", p.Port, "bind", p.BindAddress)
			m.socks[kept] = m.socks[i]
			m.profiles[kept] = m.profiles[i]
			kept++
			continue
		}
		m.log.Info("closing port", "port", p.Port, "bind", p.BindAddress)
		_ = m.socks[i].Close()
		p.Release()
	}
	m.socks = m.socks[:kept]
	m.profiles = m.profiles[:kept]
	metrics.ListenSockets.Set(float64(kept))
}

// Remove drops a socket that the accept path found defunct.
func (m *Manager) Remove(l net.Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := 0
	for i, s := range m.socks {
		if s == l {
			m.log.Warn("had to close a listening socket", "port", m.profiles[i].Port)
			_ = s.Close()
			m.profiles[i].Release()
			continue
		}
		m.socks[kept] = m.socks[i]
		m.profiles[kept] = m.profiles[i]
		kept++
	}
	m.socks = m.socks[:kept]
	m.profiles = m.profiles[:kept]
	metrics.ListenSockets.Set(float64(kept))
}

// Count reports the number of active listening sockets.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.socks)
}

// Active returns copies of the parallel slices.
func (m *Manager) Active() ([]net.Listener, []*Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	socks := make([]net.Listener, len(m.socks))
	profiles := make([]*Profile, len(m.profiles))
	copy(socks, m.socks)
	copy(profiles, m.profiles)
	return socks, profiles
}
