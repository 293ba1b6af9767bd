package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmux-dev/cmux/internal/config"
	"github.com/cmux-dev/cmux/internal/logger"
	"github.com/cmux-dev/cmux/internal/proxy"
)

func newRootCmd() *cobra.Command {
	var (
		configDir   string
		listen      []string
		apex        string
		backendHost string
		controlPort uint16
		origins     []string
		loopHeader  string
		logsDir     string
	)

	cmd := &cobra.Command{
		Use:   "cmux-proxy",
		Short: "Subdomain-routing reverse proxy for cmux workspaces",
		Long: `Cmux-proxy exposes per-workspace, per-port services under a shared
wildcard domain. Subdomains of the form port-<N>-<tag>, cmux-<slug>-<port>,
and <name>-<port>-<vmslug> route to their upstreams; HTML responses get
client-side interception scripts injected; WebSocket and CONNECT upgrades
tunnel opaquely.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configDir == "" {
				configDir = "."
			}
			fileCfg, err := config.NewLoader(configDir).Load()
			if err != nil {
				return err
			}

			// Flags override file and environment values.
			flags := cmd.Flags()
			if flags.Changed("listen") {
				fileCfg.Listen = listen
			}
			if flags.Changed("apex") {
				fileCfg.Apex = apex
			}
			if flags.Changed("backend-host") {
				fileCfg.BackendHost = backendHost
			}
			if flags.Changed("control-port") {
				fileCfg.ControlPort = controlPort
			}
			if flags.Changed("origin") {
				fileCfg.AllowedOrigins = origins
			}
			if flags.Changed("loop-header") {
				fileCfg.LoopHeader = loopHeader
			}
			if flags.Changed("logs-dir") {
				fileCfg.LogsDir = logsDir
			}

			if fileCfg.LogsDir != "" {
				if err := logger.NewLogger(&logger.Options{LogsDir: fileCfg.LogsDir}); err != nil {
					return err
				}
			}

			return runProxy(cmd.Context(), fileCfg.ProxyConfig())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configDir, "config-dir", "", "Directory containing "+config.ConfigFileName+" (default: current directory)")
	flags.StringSliceVar(&listen, "listen", nil, "Bind address (repeatable)")
	flags.StringVar(&apex, "apex", "", "Apex domain served by the proxy")
	flags.StringVar(&backendHost, "backend-host", "", "Default upstream host")
	flags.Uint16Var(&controlPort, "control-port", proxy.DefaultControlPort, "Port receiving CORS/CSP treatment")
	flags.StringSliceVar(&origins, "origin", nil, "Allowed origin for the control port (repeatable)")
	flags.StringVar(&loopHeader, "loop-header", proxy.DefaultLoopHeader, "Header used for loop detection")
	flags.StringVar(&logsDir, "logs-dir", "", "Directory for log files (empty disables file logging)")

	return cmd
}

// runProxy starts the server and blocks until a shutdown signal.
func runProxy(ctx context.Context, cfg proxy.Config) error {
	server := proxy.NewServer(cfg)
	if err := server.Start(); err != nil {
		return &runtimeError{err: err}
	}
	for _, addr := range server.Addrs() {
		logger.Info().Str("addr", addr.String()).Str("apex", cfg.Apex).Msg("cmux proxy ready")
	}

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return &runtimeError{err: err}
	}
	return nil
}
