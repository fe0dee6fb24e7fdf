package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/pipechat/internal/config"
	"github.com/Tyrowin/pipechat/internal/logging"
	"github.com/Tyrowin/pipechat/internal/server"
	"github.com/Tyrowin/pipechat/internal/transport"
)

var httpAddr string

// serveCmd runs the broker until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	Long: `Listen on the configured unix socket and relay messages between clients.
With --http an admin listener serves a health check on "/", Prometheus
metrics on "/metrics" and, unless disabled, a websocket endpoint on "/ws".`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("http") {
			cfg.HTTP.Addr = httpAddr
		}

		log, err := logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runServer(ctx, cfg, log)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&httpAddr, "http", "", "Admin HTTP listen address, e.g. :8080 (overrides config)")
}

func runServer(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	srv := server.New(cfg, log, server.NewMetrics(reg))

	perm, err := cfg.SocketPermissions()
	if err != nil {
		return err
	}
	socket, err := transport.ListenUnix(cfg.Socket.Network, cfg.Socket.Path, perm)
	if err != nil {
		return err
	}
	listeners := []transport.Listener{socket}

	var httpSrv *http.Server
	if cfg.HTTP.Addr != "" {
		var ws http.Handler
		if cfg.HTTP.WebSocket {
			wsListener := transport.NewWebSocketListener(transport.WebSocketOptions{
				AllowedOrigins: cfg.HTTP.AllowedOrigins,
				MaxMessageSize: cfg.HTTP.MaxMessageSize,
				Logger:         log,
			})
			listeners = append(listeners, wsListener)
			ws = wsListener
		}
		httpSrv = server.CreateServer(cfg.HTTP.Addr, server.SetupRoutes(srv.Hub(), reg, ws))
	}

	log.Info("starting pipechat server",
		zap.String("socket", socket.Path()),
		zap.String("network", cfg.Socket.Network),
		zap.Int("frame_size", cfg.Protocol.FrameSize),
		zap.String("http", cfg.HTTP.Addr))

	err = serveAll(ctx, srv, listeners, httpSrv, cfg.Server.ShutdownTimeout, log)

	log.Info("shutting down")
	if shutdownErr := srv.Shutdown(cfg.Server.ShutdownTimeout); shutdownErr != nil {
		log.Warn("sessions did not finish in time", zap.Error(shutdownErr))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("server stopped")
	return nil
}

// serveAll runs the broker and the optional admin HTTP server until ctx is
// cancelled or either of them stops. The first one to stop takes the other
// down with it.
func serveAll(ctx context.Context, srv *server.Server, listeners []transport.Listener, httpSrv *http.Server, timeout time.Duration, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Serve returns nil once every listener is gone.
		defer cancel()
		return srv.Serve(gctx, listeners...)
	})
	if httpSrv != nil {
		g.Go(func() error {
			defer cancel()
			return server.StartServer(httpSrv, log)
		})
		g.Go(func() error {
			<-gctx.Done()
			return server.ShutdownServer(httpSrv, timeout, log)
		})
	}
	return g.Wait()
}
