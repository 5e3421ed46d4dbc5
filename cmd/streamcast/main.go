package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/auralabs/streamcast/internal/listen"
	"github.com/auralabs/streamcast/internal/metrics"
	"github.com/auralabs/streamcast/internal/request"
	"github.com/auralabs/streamcast/internal/server"

	_ "net/http/pprof"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultConfigPath  = "/etc/streamcast/streamcast.yaml"
	defaultMetricsAddr = ":9090"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadFlags()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	if cfg.EnablePprof {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	srvCfg, err := loadServerConfig(cfg.ConfigPath, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	srvCfg.ReloadSignal = hup

	srv, err := server.New(srvCfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	srvCfg.OnReloadRequest = func() {
		fresh, err := loadServerConfig(cfg.ConfigPath, log)
		if err != nil {
			log.Error("config reread failed, keeping current listeners", "error", err)
			return
		}
		srv.Reload(fresh.Listeners)
	}

	errCh := srv.Start(ctx, cancel)
	defer cancel()

	select {
	case <-ctx.Done():
		log.Info("context cancelled, server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

type Flags struct {
	ShowVersion bool
	Verbose     bool
	EnablePprof bool
	MetricsAddr string
	ConfigPath  string
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func loadFlags() (Flags, error) {
	var cfg Flags
	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	flag.BoolVar(&cfg.EnablePprof, "enable-pprof", false, "enable pprof server")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "address to listen on for prometheus metrics (env: METRICS_ADDR)")
	flag.StringVar(&cfg.ConfigPath, "config", getenv("STREAMCAST_CONFIG", defaultConfigPath), "path to the server config file (env: STREAMCAST_CONFIG)")
	flag.Parse()
	return cfg, nil
}

// fileConfig is the YAML surface of the connection core.
type fileConfig struct {
	Listeners []*listen.Profile `yaml:"listeners"`

	CertFile   string `yaml:"cert-file"`
	CipherList string `yaml:"cipher-list"`

	BanFile   string `yaml:"ban-file"`
	AllowFile string `yaml:"allow-file"`
	AgentFile string `yaml:"agent-file"`

	AdminUser      string `yaml:"admin-user"`
	AdminPassword  string `yaml:"admin-password"`
	RelayUser      string `yaml:"relay-user"`
	RelayPassword  string `yaml:"relay-password"`
	SourcePassword string `yaml:"source-password"`
	IceLogin       bool   `yaml:"ice-login"`

	XForward []string        `yaml:"x-forward"`
	Aliases  []request.Alias `yaml:"aliases"`

	AccessLogExcludeExt    string `yaml:"access-log-exclude-ext"`
	ClientLimit            int    `yaml:"client-limit"`
	HeaderTimeoutSeconds   int    `yaml:"header-timeout"`
	NewConnectionsSlowdown int    `yaml:"new-connections-slowdown"`
	MaxWorkers             int    `yaml:"max-workers"`
}

func loadServerConfig(path string, log *slog.Logger) (*server.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &server.Config{
		Logger:                 log,
		Listeners:              fc.Listeners,
		CertFile:               fc.CertFile,
		CipherList:             fc.CipherList,
		BanFile:                fc.BanFile,
		AllowFile:              fc.AllowFile,
		AgentFile:              fc.AgentFile,
		AdminUser:              fc.AdminUser,
		AdminPassword:          fc.AdminPassword,
		RelayUser:              fc.RelayUser,
		RelayPassword:          fc.RelayPassword,
		SourcePassword:         fc.SourcePassword,
		ICELogin:               fc.IceLogin,
		XForward:               fc.XForward,
		Aliases:                fc.Aliases,
		AccessLogExcludeExt:    fc.AccessLogExcludeExt,
		ClientLimit:            fc.ClientLimit,
		HeaderTimeout:          time.Duration(fc.HeaderTimeoutSeconds) * time.Second,
		NewConnectionsSlowdown: fc.NewConnectionsSlowdown,
		MaxWorkers:             fc.MaxWorkers,
	}, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
