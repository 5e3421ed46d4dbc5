package request

import (
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/auralabs/streamcast/internal/conn"
	"github.com/auralabs/streamcast/internal/ipcache"
	"github.com/auralabs/streamcast/internal/listen"
)

func tcpPair(t *testing.T) (peer net.Conn, local net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptCh <- c
		}
	}()

	peer, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	select {
	case local = <-acceptCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept")
	}
	t.Cleanup(func() {
		_ = peer.Close()
		local.Close()
	})
	return peer, local
}

// hookCalls records every collaborator invocation.
type hookCalls struct {
	mu        sync.Mutex
	listeners []string
	sources   []string
	admin     []string
	stats     []StatsFlags
	served    []string
}

func (h *hookCalls) hooks() *Hooks {
	return &Hooks{
		AuthAddListener: func(uri string, c *Client) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.listeners = append(h.listeners, uri)
			return nil
		},
		SourceStartup: func(c *Client, uri string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.sources = append(h.sources, uri)
			return nil
		},
		AdminHandle: func(c *Client, uri string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.admin = append(h.admin, uri)
			return nil
		},
		StatsAddListener: func(c *Client, flags StatsFlags) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.stats = append(h.stats, flags)
		},
		ServeFile: func(c *Client, mount string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.served = append(h.served, mount)
			return nil
		},
	}
}

func (h *hookCalls) listenerURIs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.listeners...)
}

func (h *hookCalls) sourceURIs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sources...)
}

func newTestConfig(t *testing.T, mutators ...func(*DispatchConfig)) (*DispatchConfig, *hookCalls) {
	t.Helper()
	calls := &hookCalls{}
	cfg := &DispatchConfig{
		Logger:         slog.New(slog.DiscardHandler),
		Hooks:          calls.hooks(),
		SourcePassword: "hackme",
	}
	for _, m := range mutators {
		m(cfg)
	}
	require.NoError(t, cfg.Validate())
	return cfg, calls
}

// newTestClient wires a real TCP pair through a fresh client. The returned
// peer end plays the remote.
func newTestClient(t *testing.T, profile *listen.Profile, mutators ...func(*DispatchConfig)) (*Client, net.Conn, *hookCalls) {
	t.Helper()
	peer, local := tcpPair(t)

	cfg, calls := newTestConfig(t, mutators...)
	cn := conn.New(local, "127.0.0.1", time.Now())
	cn.Discon = time.Now().Add(5 * time.Second)

	c, err := NewClient(cfg, cn, profile)
	require.NoError(t, err)
	return c, peer, calls
}

// drive invokes the client's operations the way the worker would until a
// terminal result or hand-off.
func drive(t *testing.T, c *Client, timeout time.Duration) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := c.Process(); err != nil {
			return err
		}
		if d := time.Until(c.ScheduleAt()); d > 0 {
			if d > 20*time.Millisecond {
				d = 20 * time.Millisecond
			}
			time.Sleep(d)
		}
	}
	t.Fatal("client never reached a terminal state")
	return nil
}

// readFromPeer reads want bytes from the peer side.
func readFromPeer(t *testing.T, peer net.Conn, want int) string {
	t.Helper()
	buf := make([]byte, want)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(time.Second)))
	n := 0
	for n < want {
		m, err := peer.Read(buf[n:])
		n += m
		require.NoError(t, err)
	}
	return string(buf[:n])
}

func newAgentFile(t *testing.T, patterns string) *ipcache.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.conf")
	require.NoError(t, os.WriteFile(path, []byte(patterns), 0o644))
	f, err := ipcache.NewFile(&ipcache.FileConfig{
		Logger: slog.New(slog.DiscardHandler),
		Path:   path,
	})
	require.NoError(t, err)
	return f
}
