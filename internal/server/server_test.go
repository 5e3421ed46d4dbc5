package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/auralabs/streamcast/internal/listen"
	"github.com/auralabs/streamcast/internal/request"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

type recordedHooks struct {
	mu        sync.Mutex
	listeners []string
	sources   []string
}

func (r *recordedHooks) hooks() *request.Hooks {
	return &request.Hooks{
		AuthAddListener: func(uri string, c *request.Client) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.listeners = append(r.listeners, uri)
			return nil
		},
		SourceStartup: func(c *request.Client, uri string) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sources = append(r.sources, uri)
			return nil
		},
	}
}

func (r *recordedHooks) listenerURIs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.listeners...)
}

func newTestServer(t *testing.T, mutators ...func(*Config)) (*Server, string, *recordedHooks) {
	t.Helper()
	port := freePort(t)
	rec := &recordedHooks{}
	cfg := &Config{
		Logger:         slog.New(slog.DiscardHandler),
		Listeners:      []*listen.Profile{{BindAddress: "127.0.0.1", Port: port}},
		Hooks:          rec.hooks(),
		SourcePassword: "hackme",
		HeaderTimeout:  2 * time.Second,
	}
	for _, m := range mutators {
		m(cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	addr := net.JoinHostPort(cfg.Listeners[0].BindAddress, strconv.Itoa(port))
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return s, addr, rec
}

func TestStreamcast_Server_AcceptsAndDispatchesGet(t *testing.T) {
	t.Parallel()

	_, addr, rec := newTestServer(t)

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("GET /stream.ogg HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		uris := rec.listenerURIs()
		return len(uris) == 1 && uris[0] == "/stream.ogg"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStreamcast_Server_BannedIPIsClosedImmediately(t *testing.T) {
	t.Parallel()

	s, addr, rec := newTestServer(t)
	s.AddBannedIP("127.0.0.1", 0)

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	// The peer sees an immediate close; no client is ever registered.
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = c.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	require.Zero(t, s.Workers().Count())
	require.Empty(t, rec.listenerURIs())
}

func TestStreamcast_Server_BanReleaseRestoresAccess(t *testing.T) {
	t.Parallel()

	s, addr, rec := newTestServer(t)
	s.AddBannedIP("127.0.0.1", 0)
	s.ReleaseBannedIP("127.0.0.1")

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("GET /a HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(rec.listenerURIs()) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStreamcast_Server_HeaderTimeoutClosesSlowClient(t *testing.T) {
	t.Parallel()

	_, addr, _ := newTestServer(t, func(cfg *Config) {
		cfg.HeaderTimeout = 300 * time.Millisecond
	})

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("G"))
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = c.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamcast_Server_AcceptLoopSurvivesSlowClient(t *testing.T) {
	t.Parallel()

	_, addr, rec := newTestServer(t)

	// A stalled client must not block further accepts.
	stalled, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer stalled.Close()
	_, err = stalled.Write([]byte("GET /sl"))
	require.NoError(t, err)

	fresh, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer fresh.Close()
	_, err = fresh.Write([]byte("GET /fresh.ogg HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, uri := range rec.listenerURIs() {
			if uri == "/fresh.ogg" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStreamcast_Server_ShoutcastEndToEnd(t *testing.T) {
	t.Parallel()

	port := freePort(t)
	s, _, rec := newTestServer(t, func(cfg *Config) {
		cfg.Listeners = append(cfg.Listeners, &listen.Profile{
			BindAddress:     "127.0.0.1",
			Port:            port,
			ShoutcastCompat: true,
			ShoutcastMount:  "/live",
		})
	})
	_ = s

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("hackme\r\nicy-name:Test\r\n\r\n"))
	require.NoError(t, err)

	buf := make([]byte, len("OK2\r\nicy-caps:11\r\n\r\n"))
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	require.Equal(t, "OK2\r\nicy-caps:11\r\n\r\n", string(buf))

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.sources) == 1 && rec.sources[0] == "/live"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStreamcast_Server_ReloadKeepsServing(t *testing.T) {
	t.Parallel()

	s, addr, rec := newTestServer(t)
	port2 := freePort(t)

	// Reload with the original endpoint plus a new one.
	orig := s.cfg.Listeners[0]
	s.Reload([]*listen.Profile{
		{BindAddress: orig.BindAddress, Port: orig.Port},
		{BindAddress: "127.0.0.1", Port: port2},
	})

	addr2 := net.JoinHostPort("127.0.0.1", strconv.Itoa(port2))
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr2)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	c, err := net.Dial("tcp", addr2)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("GET /after-reload.ogg HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, uri := range rec.listenerURIs() {
			if uri == "/after-reload.ogg" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	_ = addr
}
