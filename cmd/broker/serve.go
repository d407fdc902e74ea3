package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/openmoba/broker/api/handlers"
	"github.com/openmoba/broker/internal/config"
	"github.com/openmoba/broker/internal/connection"
	"github.com/openmoba/broker/internal/db"
	"github.com/openmoba/broker/internal/desktop"
	"github.com/openmoba/broker/internal/desktop/rdp"
	"github.com/openmoba/broker/internal/desktop/vnc"
	"github.com/openmoba/broker/internal/filetransfer"
	"github.com/openmoba/broker/internal/model"
	"github.com/openmoba/broker/internal/recorder"
	"github.com/openmoba/broker/internal/repository"
	"github.com/openmoba/broker/internal/shell"
	"github.com/openmoba/broker/internal/vault"
	"github.com/openmoba/broker/internal/worker"
	"github.com/openmoba/broker/internal/ws"
)

func serveCmd() *cobra.Command {
	var configPath string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cfg.NewLogger(os.Stderr))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", getEnv("BROKER_CONFIG", "broker.yaml"), "path to the yaml config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides the config file)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	slog.SetDefault(logger)

	database, err := db.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer database.Close()

	records := repository.NewRecordRepository(database)
	secrets := vault.New(cfg.Storage.VaultService, logger)

	shellOpts := shell.Options{
		ConnectTimeout: cfg.Shell.ConnectTimeout,
		KeepAlive:      cfg.Shell.KeepAlive,
		StatsInterval:  cfg.Shell.StatsInterval,
		KnownHostsFile: cfg.Shell.KnownHostsFile,
		ScrollbackSize: cfg.Shell.ScrollbackSize,
	}
	recordingDir := ""
	if cfg.Storage.Record {
		recordingDir = cfg.Storage.RecordingDir
		shellOpts.NewRecorder = func(id model.SessionID, cols, rows int) (shell.Recorder, error) {
			rec, err := recorder.Create(recordingDir, id, id, cols, rows)
			if err != nil {
				return nil, err
			}
			return rec, nil
		}
	}

	conns := connection.NewManager(connection.Config{
		Shell: shellOpts,
		FileTransfer: filetransfer.Options{
			MaxPacket:          cfg.Transfer.MaxPacket,
			ConcurrentRequests: cfg.Transfer.ConcurrentRequests,
		},
		Logger: logger,
	})

	var vncDialer, rdpDialer desktop.Dialer
	if cfg.Desktop.VNC {
		vncDialer = vnc.Dialer{Timeout: cfg.Desktop.ConnectTimeout, Logger: logger}
	}
	if cfg.Desktop.RDP {
		rdpDialer = rdp.Dialer{Timeout: cfg.Desktop.ConnectTimeout, Logger: logger}
	}

	dispatcher := worker.New(worker.Config{
		Connections:      conns,
		VNC:              desktop.NewRegistry(model.ProtocolVNC, vncDialer, logger),
		RDP:              desktop.NewRegistry(model.ProtocolRDP, rdpDialer, logger),
		ProgressInterval: cfg.Transfer.ProgressInterval,
		QueueSize:        cfg.Router.QueueSize,
		DrainTimeout:     cfg.Router.DrainTimeout,
		Logger:           logger,
	})

	service := ws.NewService(ws.ServiceConfig{
		Dispatcher:    dispatcher,
		LaneBuffer:    cfg.Router.LaneBuffer,
		TombstoneSize: cfg.Router.TombstoneSize,
		Handler: ws.HandlerOptions{
			LanePrefix:  "/api/lanes/",
			CheckOrigin: originChecker(cfg.Server.AllowedOrigins),
		},
		Logger: logger,
	})

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), corsMiddleware())

	api := r.Group("/api")
	handlers.NewGatewayHandler(service, recordingDir, logger).RegisterRoutes(r, api)
	handlers.NewRecordHandler(records, secrets, service, logger).RegisterRoutes(api)

	srv := &http.Server{Addr: cfg.Addr(), Handler: r}

	brokerCtx, stopBroker := context.WithCancel(ctx)
	defer stopBroker()
	brokerDone := make(chan error, 1)
	go func() {
		brokerDone <- service.Run(brokerCtx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case runErr = <-serverErr:
		logger.Error("server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	stopBroker()
	return errors.Join(runErr, <-brokerDone)
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[origin] || set[u.Host]
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	logger = logger.With("component", "http")
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
		)
	}
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
