package cli

import (
	"fmt"

	"github.com/harun/agentgate/internal/daemon"
	"github.com/harun/agentgate/internal/logger"
	"github.com/spf13/cobra"
)

var serveConsole bool

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the agentgate daemon in the foreground",
	Long: `Run the gateway daemon in the foreground until SIGINT or SIGTERM.
A PID file under the data directory lets "status" and "stop" find it.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveConsole, "console", true, "also log to stdout")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if pid, err := daemon.ReadPID(pidFile); err == nil && daemon.ProcessAlive(pid) {
		return fmt.Errorf("daemon is already running (PID %d, file %s)", pid, pidFile)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   serveConsole,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Service:   "agentgate",
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.WithVersion(version))
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "agentgate listening on %s\n", d.Addr())
	d.Wait(cmd.Context())
	return nil
}
