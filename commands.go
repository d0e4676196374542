package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zsprackett/execwatch/internal/applog"
	"github.com/zsprackett/execwatch/internal/backend"
	"github.com/zsprackett/execwatch/internal/config"
	"github.com/zsprackett/execwatch/internal/db"
	"github.com/zsprackett/execwatch/internal/monitor"
	"github.com/zsprackett/execwatch/internal/notify"
	"github.com/zsprackett/execwatch/internal/tracker"
	"github.com/zsprackett/execwatch/internal/ui"
	"github.com/zsprackett/execwatch/internal/webserver"
	"github.com/zsprackett/execwatch/internal/wsclient"
)

type options struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:          "execwatch",
		Short:        "Live monitor for agent task executions",
		Long:         "execwatch follows the platform's execution stream over STOMP/WebSocket, polls the execution queue, and shows both in a terminal dashboard or over HTTP.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTUI(opts)
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath(), "config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(
		newTUICmd(opts),
		newServeCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newTUICmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Open the terminal dashboard (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTUI(opts)
		},
	}
}

func newServeCmd(opts *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run headless with the HTTP dashboard and notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address host:port (default from config)")
	return cmd
}

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a config file with default settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(opts.configPath); err == nil {
				return fmt.Errorf("%s already exists", opts.configPath)
			}
			if err := config.Save(opts.configPath, config.Defaults()); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "wrote", opts.configPath)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), opts.configPath)
			return err
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

// stack is everything a running execwatch owns.
type stack struct {
	cfg    config.Config
	logger *slog.Logger
	closer io.Closer
	store  *db.DB
	mon    *monitor.Monitor
	web    *webserver.Server
}

func setup(opts *options, logToStderr bool) (*stack, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load config: %v\n", err)
		cfg = config.Defaults()
	}
	cfg.ApplyEnv(os.Getenv)
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	s := &stack{cfg: cfg}
	logger, closer, err := applog.Init(applog.InitConfig{
		LogDir:   cfg.LogDir,
		LogLevel: cfg.LogLevel,
		Stderr:   logToStderr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		logger = slog.Default()
	} else {
		s.closer = closer
	}
	s.logger = logger

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		s.close()
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	s.store = store
	if err := store.Migrate(); err != nil {
		s.close()
		return nil, fmt.Errorf("database migration: %w", err)
	}

	client := backend.New(backend.Config{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout.Std(),
	})
	if exp, ok := client.TokenExpiry(); ok {
		logger.Info("api token loaded", "expires", exp)
	}

	var header http.Header
	if cfg.API.Token != "" {
		header = http.Header{"Authorization": {"Bearer " + cfg.API.Token}}
	}
	s.mon = monitor.New(monitor.Config{
		Session: wsclient.SessionConfig{
			URL:            cfg.WS.URL,
			ReconnectDelay: cfg.WS.ReconnectDelay.Std(),
			HandshakeDelay: cfg.WS.HandshakeDelay.Std(),
			HeartBeat:      cfg.WS.HeartBeat.Std(),
			Header:         header,
		},
		ExecutionTopic: cfg.WS.ExecutionTopic,
		ExportTopic:    cfg.WS.ExportTopic,
		Tracker: tracker.Config{
			TimerSeed:   cfg.Tracker.TimerSeconds,
			StaleAfter:  cfg.Tracker.StaleAfter.Std(),
			TerminalTTL: cfg.Tracker.TerminalTTL.Std(),
		},
		PollInterval: cfg.Tracker.PollInterval.Std(),
		HistoryLimit: cfg.Tracker.HistoryLimit,
	}, store, client, logger)

	s.mon.Attach(notify.New(cfg.Notifications, logger))
	return s, nil
}

// startWeb attaches the HTTP dashboard to the monitor and starts it.
func (s *stack) startWeb(cfg config.WebserverConfig) error {
	s.web = webserver.New(s.mon, webserver.Config{
		Enabled: cfg.Enabled,
		Port:    cfg.Port,
		Host:    cfg.Host,
	}, s.logger)
	s.mon.Attach(s.web)
	return s.web.Start()
}

func (s *stack) close() {
	if s.mon != nil {
		s.mon.Stop()
	}
	if s.web != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.web.Shutdown(ctx)
	}
	if s.store != nil {
		s.store.Close()
	}
	if s.closer != nil {
		s.closer.Close()
	}
}

func runTUI(opts *options) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return errors.New("the dashboard needs a terminal; use `execwatch serve` to run headless")
	}
	s, err := setup(opts, false)
	if err != nil {
		return err
	}
	defer s.close()

	app := ui.NewApp(s.mon, s.logger)
	if err := s.startWeb(s.cfg.Webserver); err != nil {
		fmt.Fprintf(os.Stderr, "warning: webserver: %v\n", err)
	}
	s.mon.Start()
	return app.Run()
}

func runServe(ctx context.Context, opts *options, addr string) error {
	s, err := setup(opts, true)
	if err != nil {
		return err
	}
	defer s.close()

	webCfg := s.cfg.Webserver
	webCfg.Enabled = true
	if addr != "" {
		host, port, err := splitAddr(addr)
		if err != nil {
			return err
		}
		webCfg.Host, webCfg.Port = host, port
	}
	if err := s.startWeb(webCfg); err != nil {
		return err
	}
	s.mon.Start()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	s.logger.Info("shutting down")
	return nil
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid --addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in --addr %q: %w", addr, err)
	}
	return host, port, nil
}
