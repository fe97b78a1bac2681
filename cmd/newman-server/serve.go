package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	newmanserver "github.com/criteo/newman-server"
	"github.com/criteo/newman-server/internal/config"
	"github.com/criteo/newman-server/internal/events"
	"github.com/criteo/newman-server/internal/reports"
	"github.com/criteo/newman-server/internal/runner"
	"github.com/criteo/newman-server/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server (default command)",
		Args:  cobra.NoArgs,
		RunE:  serveE,
	}
	addServeFlags(serveCmd.Flags())
	return serveCmd
}

func addServeFlags(flags *pflag.FlagSet) {
	def := config.Default()
	flags.Int("port", def.Port, "Port the server will listen to")
	flags.String("temp-reports-folder", def.ReportsFolder, "The folder where the temporary reporter results will be created")
	flags.Int64("timeout", def.TimeoutMS, "Default run timeout in milliseconds")
	flags.Duration("shutdown-timeout", def.ShutdownTimeout, "How long to wait for in-flight runs on shutdown")
	flags.String("config", "", "Path to a YAML configuration file")
}

// resolveConfig layers explicitly set flags over file and environment settings.
func resolveConfig(flags *pflag.FlagSet) (config.Config, error) {
	path, _ := flags.GetString("config")
	cfg, err := config.Resolve(path)
	if err != nil {
		return config.Config{}, err
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("temp-reports-folder") {
		cfg.ReportsFolder, _ = flags.GetString("temp-reports-folder")
	}
	if flags.Changed("timeout") {
		cfg.TimeoutMS, _ = flags.GetInt64("timeout")
	}
	if flags.Changed("shutdown-timeout") {
		cfg.ShutdownTimeout, _ = flags.GetDuration("shutdown-timeout")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// applyLogConfig honours log settings from the config file unless the
// matching flag was given.
func applyLogConfig(flags *pflag.FlagSet, logger pslog.Logger, cfg config.Config) (pslog.Logger, error) {
	settings := logSettingsFromFlags(flags)
	if cfg.Structured && !flagChanged(flags, "structured") {
		settings.structured = true
		rebuilt, err := settings.build(os.Stdout)
		if err != nil {
			return nil, err
		}
		logger = rebuilt
	}
	if cfg.LogLevel != "" && !settings.explicit {
		lvl, ok := pslog.ParseLevel(cfg.LogLevel)
		if !ok {
			return nil, fmt.Errorf("unknown level %q in config", cfg.LogLevel)
		}
		logger = logger.LogLevel(lvl)
	}
	return logger, nil
}

func serveE(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	cfg, err := resolveConfig(flags)
	if err != nil {
		return err
	}
	logger, err := applyLogConfig(flags, loggerFromCmd(cmd), cfg)
	if err != nil {
		return err
	}

	folder, err := reports.EnsureFolder(cfg.ReportsFolder, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := runner.New(ctx, runner.WithLogger(logger))
	if err != nil {
		return err
	}
	hub := events.NewHub(logger)
	srv, err := server.New(ctx, engine, folder,
		server.WithLogger(logger),
		server.WithEvents(hub),
		server.WithDefaultTimeout(cfg.RunTimeout()),
	)
	if err != nil {
		return err
	}

	logger.Info("newman-server",
		"version", newmanserver.Version(),
		"port", cfg.Port,
		"reports", folder,
		"timeoutMs", cfg.TimeoutMS,
		"url", "http://localhost"+cfg.Addr(),
	)
	return srv.ListenAndServe(ctx, cfg.Addr(), cfg.ShutdownTimeout)
}
