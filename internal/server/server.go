// Package server runs the accept side of the connection core: it binds the
// configured listeners, filters peers by IP, initialises connections and hands
// them to the worker pool with the right initial operation.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/auralabs/streamcast/internal/conn"
	"github.com/auralabs/streamcast/internal/ipcache"
	"github.com/auralabs/streamcast/internal/listen"
	"github.com/auralabs/streamcast/internal/metrics"
	"github.com/auralabs/streamcast/internal/request"
	"github.com/auralabs/streamcast/internal/worker"
)

type accepted struct {
	nc      net.Conn
	profile *listen.Profile
}

type Server struct {
	log   *slog.Logger
	clock clockwork.Clock
	cfg   *Config

	tlsConf  *tls.Config
	banned   *ipcache.File
	allowed  *ipcache.File
	agents   *ipcache.File
	manager  *listen.Manager
	workers  *worker.Pool
	dispatch *request.DispatchConfig

	// rejectLog throttles per-IP rejection logging.
	rejectLog *ttlcache.Cache[string, struct{}]

	running  atomic.Bool
	acceptCh chan accepted

	ctx context.Context
	wg  sync.WaitGroup
}

func New(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	newFile := func(path string) (*ipcache.File, error) {
		return ipcache.NewFile(&ipcache.FileConfig{
			Logger: cfg.Logger,
			Clock:  cfg.Clock,
			Path:   path,
		})
	}
	banned, err := newFile(cfg.BanFile)
	if err != nil {
		return nil, err
	}
	allowed, err := newFile(cfg.AllowFile)
	if err != nil {
		return nil, err
	}
	agents, err := newFile(cfg.AgentFile)
	if err != nil {
		return nil, err
	}

	workers, err := worker.New(&worker.Config{
		Logger:     cfg.Logger,
		Clock:      cfg.Clock,
		MaxWorkers: cfg.MaxWorkers,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		log:      cfg.Logger,
		clock:    cfg.Clock,
		cfg:      cfg,
		banned:   banned,
		allowed:  allowed,
		agents:   agents,
		manager:  listen.NewManager(cfg.Logger),
		workers:  workers,
		acceptCh: make(chan accepted),
		rejectLog: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](defaultRejectLogTTL),
		),
	}

	var userAgents *ipcache.File
	if cfg.AgentFile != "" {
		userAgents = agents
	}
	s.dispatch = &request.DispatchConfig{
		Logger:              cfg.Logger,
		Clock:               cfg.Clock,
		Hooks:               cfg.Hooks,
		Running:             s.running.Load,
		ClientCount:         workers.Count,
		ClientLimit:         cfg.ClientLimit,
		UserAgents:          userAgents,
		AdminUser:           cfg.AdminUser,
		AdminPassword:       cfg.AdminPassword,
		RelayUser:           cfg.RelayUser,
		RelayPassword:       cfg.RelayPassword,
		SourcePassword:      cfg.SourcePassword,
		ICELogin:            cfg.ICELogin,
		XForward:            cfg.XForward,
		Aliases:             cfg.Aliases,
		AccessLogExcludeExt: cfg.AccessLogExcludeExt,
	}
	if err := s.dispatch.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Workers exposes the client pool, mainly so hooks can release clients back.
func (s *Server) Workers() *worker.Pool { return s.workers }

// AddBannedIP inserts a runtime ban, permanent when d <= 0.
func (s *Server) AddBannedIP(ip string, d time.Duration) {
	s.banned.AddWithDuration(ip, d)
	metrics.BannedIPs.Set(float64(s.banned.Len()))
}

// ReleaseBannedIP lifts a runtime ban.
func (s *Server) ReleaseBannedIP(ip string) {
	s.banned.Remove(ip)
	metrics.BannedIPs.Set(float64(s.banned.Len()))
}

// Start runs the server on its own goroutine, cancelling the context on
// failure.
func (s *Server) Start(ctx context.Context, cancel context.CancelFunc) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.Run(ctx); err != nil {
			errCh <- err
			cancel()
		}
	}()
	return errCh
}

// Run binds the listeners and drives the accept loop until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.tlsConf = loadTLS(s.log, s.cfg.CertFile, s.cfg.CipherList)

	socks, profiles := s.manager.Setup(s.cfg.Listeners)
	if s.manager.Count() == 0 {
		return errors.New("no listening sockets established")
	}

	s.ctx = ctx
	s.running.Store(true)
	defer s.running.Store(false)

	go s.rejectLog.Start()
	defer s.rejectLog.Stop()

	for _, f := range []*ipcache.File{s.banned, s.allowed, s.agents} {
		if err := f.Watch(ctx); err != nil {
			s.log.Warn("access file watch unavailable", "error", err)
		}
	}

	for i := range socks {
		s.startAccepting(socks[i], profiles[i])
	}

	s.log.Info("connection thread started")
	ticker := s.clock.NewTicker(acceptTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("connection thread finished")
			s.shutdown()
			return nil
		case <-s.cfg.ReloadSignal:
			s.log.Info("HUP received, reread scheduled")
			if s.cfg.OnReloadRequest != nil {
				go s.cfg.OnReloadRequest()
			}
		case ac := <-s.acceptCh:
			s.handleAccepted(ctx, ac)
		case <-ticker.Chan():
			metrics.BannedIPs.Set(float64(s.banned.Len()))
		}
	}
}

// Reload reconciles the listening sockets against a freshly-read listener
// config: privileged sockets still referenced stay open, the rest close, and
// new endpoints are bound and start accepting.
func (s *Server) Reload(profiles []*listen.Profile) {
	s.manager.Close(profiles, false)
	added, addedProfiles := s.manager.Setup(profiles)
	for i := range added {
		s.startAccepting(added[i], addedProfiles[i])
	}
}

func (s *Server) shutdown() {
	s.manager.Close(nil, true)
	s.workers.Shutdown()
	s.wg.Wait()
}

func (s *Server) startAccepting(l net.Listener, p *listen.Profile) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(l, p)
	}()
}

// acceptLoop accepts from one listening socket, backing off on transient
// failures and retiring the socket when it turns defunct.
func (s *Server) acceptLoop(l net.Listener, p *listen.Profile) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	for {
		nc, err := l.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if isClosedNetErr(err) {
				s.manager.Remove(l)
				return
			}
			metrics.AcceptErrs.WithLabelValues("transient").Inc()
			s.log.Warn("accept failed", "port", p.Port, "error", err)
			select {
			case <-s.clock.After(bo.NextBackOff()):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		bo.Reset()
		select {
		case s.acceptCh <- accepted{nc: nc, profile: p}:
		case <-s.ctx.Done():
			_ = nc.Close()
			return
		}
	}
}

func (s *Server) handleAccepted(ctx context.Context, ac accepted) {
	now := s.clock.Now()

	host := ac.nc.RemoteAddr().String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := conn.CanonicalIP(host)

	if !s.acceptIPAddress(ip) {
		metrics.ConnectionsRejected.WithLabelValues("banned").Inc()
		_ = ac.nc.Close()
		return
	}

	if tc, ok := ac.nc.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			s.log.Warn("failed to set tcp options on client connection, dropping", "error", err)
			metrics.ConnectionsRejected.WithLabelValues("sockopt").Inc()
			_ = ac.nc.Close()
			return
		}
	}

	cn := conn.New(ac.nc, ip, now)
	cn.Discon = now.Add(s.cfg.HeaderTimeout)

	ac.profile.Acquire()
	if ac.profile.TLS && s.tlsConf != nil {
		cn.UpgradeTLS(s.tlsConf)
	}

	cl, err := request.NewClient(s.dispatch, cn, ac.profile)
	if err != nil {
		s.log.Error("failed to initialise client", "error", err)
		ac.profile.Release()
		cn.Close()
		return
	}
	// A small delay gives the peer a chance to send after connecting.
	cl.SetSchedule(now, now.Add(6*time.Millisecond))
	s.workers.Add(cl)
	metrics.Connections.Inc()

	if hint := s.cfg.NewConnectionsSlowdown; hint > 0 {
		select {
		case <-s.clock.After(time.Duration(hint) * 5 * time.Millisecond):
		case <-ctx.Done():
		}
	}
}

// acceptIPAddress applies the banned and allowed sets to a canonical peer IP.
func (s *Server) acceptIPAddress(ip string) bool {
	if s.banned.Contains(ip) == ipcache.Match {
		if _, ok := s.rejectLog.GetOrSet(ip, struct{}{}); !ok {
			s.log.Info("rejecting banned ip", "ip", ip)
		}
		return false
	}
	if s.allowed.Contains(ip) == ipcache.NoMatch {
		if _, ok := s.rejectLog.GetOrSet(ip, struct{}{}); !ok {
			s.log.Info("ip not allowed", "ip", ip)
		}
		return false
	}
	return true
}

func isClosedNetErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "bad file descriptor")
}
