package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tunnelvision/tunnelvision/server/internal/api"
	"github.com/tunnelvision/tunnelvision/server/internal/auth"
	"github.com/tunnelvision/tunnelvision/server/internal/config"
	"github.com/tunnelvision/tunnelvision/server/internal/dispatch"
	"github.com/tunnelvision/tunnelvision/server/internal/httpserver"
	"github.com/tunnelvision/tunnelvision/server/internal/registry"
	"github.com/tunnelvision/tunnelvision/server/internal/store"
	"github.com/tunnelvision/tunnelvision/server/internal/ws"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge server",
	Long: `Start the bridge server.

Configuration is read from --config, or from ~/.config/tunnelvision/config.yaml
when that file exists. Flags override values from the file. When a config file
is in use it is watched, and changes to server.log.level apply immediately.

The server runs until interrupted (Ctrl+C), receives SIGTERM, or, with
server.host.on_disconnect: exit, until the last host disconnects.

Example:
  tunnelvision-server serve
  tunnelvision-server serve -c config.yaml --port 9000 --static-dir ./ui/dist`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.StringP("config", "c", "", "path to config file (default ~/.config/tunnelvision/config.yaml, optional)")
	f.IntP("port", "p", config.DefaultPort, "listen port")
	f.String("bind", config.DefaultBind, "listen address")
	f.String("static-dir", config.DefaultStaticDir, "directory of front-end assets")
	f.String("log-level", "info", "log level: debug|info|warn|error")
	f.String("log-format", "json", "log format: json|text")
	f.String("log-file", "", "write logs to this file instead of stdout")
	f.String("on-disconnect", config.OnDisconnectResume, "when the last host leaves: resume|exit")
	f.Duration("channel-ttl", 0, "drop channels not updated within this duration (0 keeps them)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	logger, closer, err := newLogger(cfg.Server.Log, level)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	slog.Info("tunnelvision-server starting", "version", version, "config", path)
	slog.Info("config loaded",
		"addr", cfg.Server.Addr(),
		"static_dir", cfg.Server.StaticDir,
		"queue_size", cfg.Server.Session.QueueSize,
		"channel_ttl", cfg.Server.Channels.TTL,
		"on_disconnect", cfg.Server.Host.OnDisconnect,
		"auth_mode", cfg.Server.Host.Auth.Mode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if path != "" {
		go func() {
			err := config.Watch(ctx, path, func(c *config.Config) {
				level.Set(c.Server.Log.SlogLevel())
				slog.Info("log level updated", "level", level.Level())
			})
			if err != nil {
				slog.Warn("config watch disabled", "err", err)
			}
		}()
	}

	lis, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr(), err)
	}
	return newApp(cfg).run(ctx, lis)
}

// loadConfig resolves the config file, applies flag overrides and validates.
// path is "" when no config file is in use.
func loadConfig(cmd *cobra.Command) (cfg *config.Config, path string, err error) {
	flags := cmd.Flags()
	path, _ = flags.GetString("config")
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		path = defaultConfigPath()
		cfg, err = config.LoadOptional(path)
		if _, statErr := os.Stat(path); statErr != nil {
			path = ""
		}
	}
	if err != nil {
		return nil, "", err
	}

	s := &cfg.Server
	if flags.Changed("port") {
		s.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("bind") {
		s.Bind, _ = flags.GetString("bind")
	}
	if flags.Changed("static-dir") {
		s.StaticDir, _ = flags.GetString("static-dir")
	}
	if flags.Changed("log-level") {
		s.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		s.Log.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("log-file") {
		s.Log.File, _ = flags.GetString("log-file")
	}
	if flags.Changed("on-disconnect") {
		s.Host.OnDisconnect, _ = flags.GetString("on-disconnect")
	}
	if flags.Changed("channel-ttl") {
		s.Channels.TTL, _ = flags.GetDuration("channel-ttl")
	}

	if err := config.Validate(cfg); err != nil {
		return nil, "", fmt.Errorf("server config: %w", err)
	}
	return cfg, path, nil
}

// app is the wired server: store, registries, dispatcher and HTTP routes.
type app struct {
	cfg        *config.Config
	store      *store.Store
	viewers    *registry.Registry
	hosts      *registry.Registry
	dispatcher *dispatch.Dispatcher
	handler    http.Handler
	hostsGone  chan struct{}
}

func newApp(cfg *config.Config) *app {
	s := cfg.Server
	a := &app{
		cfg:       cfg,
		store:     store.New(s.Channels.TTL),
		viewers:   registry.New(),
		hosts:     registry.New(),
		hostsGone: make(chan struct{}, 1),
	}

	var opts []dispatch.Option
	if s.Host.OnDisconnect == config.OnDisconnectExit {
		opts = append(opts, dispatch.WithLastHostLeft(func() {
			select {
			case a.hostsGone <- struct{}{}:
			default:
			}
		}))
	}
	a.dispatcher = dispatch.New(a.store, a.viewers, a.hosts, opts...)

	wsh := ws.NewHandler(a.dispatcher, ws.Options{
		QueueSize:      s.Session.QueueSize,
		WriteTimeout:   s.Session.WriteTimeout,
		PongWait:       s.Session.PongWait,
		MaxMessageSize: s.Session.MaxMessageSize,
		EventRate:      s.Session.EventRate,
		EventBurst:     s.Session.EventBurst,
	})

	a.handler = httpserver.Router(httpserver.Routes{
		API:       api.New(a.store, a.viewers, a.hosts, version),
		Viewer:    wsh.Viewer(),
		Host:      wsh.Host(),
		HostAuth:  auth.APIKey(s.Host.Auth.Mode, s.Host.Auth.EffectiveHeader(), s.Host.Auth.Key()),
		Metrics:   promhttp.Handler(),
		StaticDir: s.StaticDir,
	})
	return a
}

// run serves on lis until ctx is cancelled, the last host leaves (exit
// policy), or the dispatcher reports a broken store invariant.
func (a *app) run(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispErr := make(chan error, 1)
	go func() { dispErr <- a.dispatcher.Run(ctx) }()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("tunnelvision-server shutting down")
	case <-a.hostsGone:
		slog.Info("last host disconnected, shutting down")
	case err := <-dispErr:
		runErr = err
		dispErr <- nil
	case err := <-srvErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	srv.Shutdown(shutdownCtx) //nolint:errcheck
	if err := <-dispErr; err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
