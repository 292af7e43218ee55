package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andi/barkest/backend/api"
	"github.com/andi/barkest/backend/config"
	"github.com/andi/barkest/backend/globalstatus"
	"github.com/andi/barkest/backend/logging"
	"github.com/andi/barkest/backend/logview"
	"github.com/andi/barkest/backend/models"
	"github.com/andi/barkest/backend/session"
	"github.com/andi/barkest/backend/watcher"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        *config.Config

	statusJSON bool

	logsLevel  string
	logsSince  time.Duration
	logsSearch string
	logsRegex  bool
	logsLimit  int

	rootCmd = &cobra.Command{
		Use:          "barkest",
		Short:        "System task runner with a shared global status",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadFromEnv(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if version != "" {
				cfg.App.Version = version
			}
			return nil
		},
		RunE: runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the web server (default)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print the current global status",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	runCmd = &cobra.Command{
		Use:   "run <task>",
		Short: "Run a registered task in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE:  runTask,
	}

	logsCmd = &cobra.Command{
		Use:   "logs",
		Short: "Show application log entries, newest first",
		Args:  cobra.NoArgs,
		RunE:  runLogs,
	}

	workdirCmd = &cobra.Command{
		Use:   "workdir",
		Short: "Print the resolved work directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveWorkDir(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}
)

func init() {
	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "./config/config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "path to the YAML configuration")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the status as JSON")

	logsCmd.Flags().StringVarP(&logsLevel, "level", "l", "", "minimum severity (debug, info, warn, error, fatal)")
	logsCmd.Flags().DurationVar(&logsSince, "since", 0, "only entries newer than this, e.g. 1h")
	logsCmd.Flags().StringVarP(&logsSearch, "search", "s", "", "case-insensitive text to look for in messages")
	logsCmd.Flags().BoolVar(&logsRegex, "regex", false, "treat --search as a regular expression")
	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 50, "maximum entries to show (0 for all)")

	rootCmd.AddCommand(serveCmd, statusCmd, runCmd, logsCmd, workdirCmd)
}

// cliLogger logs to the application log only, keeping command output clean
func cliLogger() (*slog.Logger, io.Closer, error) {
	return logging.Setup(logging.Options{
		File:    cfg.Logging.AppLog,
		Level:   cfg.Logging.Level,
		App:     cfg.App.Name,
		Version: cfg.App.Version,
		Console: io.Discard,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, logFile, err := logging.Setup(logging.Options{
		File:    cfg.Logging.AppLog,
		Level:   cfg.Logging.Level,
		App:     cfg.App.Name,
		Version: cfg.App.Version,
	})
	if err != nil {
		return err
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	logger.Info("barkest starting", "config", configPath)

	a, err := newApplication(cfg, logger, nil)
	if err != nil {
		logging.Fatal(logger, "failed to initialize", "error", err)
	}
	defer a.Close()
	a.reconcileRuns()

	server, err := api.New(api.Options{
		Runner:       a.runner,
		Registry:     a.registry,
		History:      a.runs,
		AppLog:       cfg.Logging.AppLog,
		LogDir:       cfg.Logging.Dir,
		CookieName:   cfg.Session.CookieName,
		SessionTTL:   cfg.Session.TTL,
		HistoryLimit: cfg.Tasks.HistoryLimit,
		Version:      cfg.App.Version,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Logger:       logger,
	})
	if err != nil {
		logging.Fatal(logger, "failed to create HTTP server", "error", err)
	}

	watch, err := watcher.New(a.runner.LogPath(), a.manager.StatusPath(), time.Second, server.HandleUpdate, logger)
	if err != nil {
		logging.Fatal(logger, "failed to initialize status watcher", "error", err)
	}
	if err := watch.Start(); err != nil {
		logger.Warn("status watcher disabled", "error", err)
	}
	defer watch.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErrors := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "barkest is running on http://%s\n", addr)
		if err := server.Start(addr); err != nil {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		logging.Fatal(logger, "server error", "error", err)
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	}

	if err := server.Shutdown(); err != nil {
		logger.Warn("error shutting down server", "error", err)
	}
	watch.Stop()

	if !a.runner.Wait(cfg.Tasks.ShutdownTimeout) {
		logger.Warn("tasks still running at shutdown", "timeout", cfg.Tasks.ShutdownTimeout)
	}

	logger.Info("server stopped")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	dir, err := resolveWorkDir(cfg)
	if err != nil {
		return err
	}
	manager := globalstatus.NewManager(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer manager.Close()

	st := manager.Current()
	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	state := "idle"
	if st.Locked {
		state = "busy"
	}
	fmt.Fprintf(out, "State:    %s\n", state)
	fmt.Fprintf(out, "Message:  %s\n", st.Message)
	fmt.Fprintf(out, "Progress: %s\n", st.Percent)
	return nil
}

func runTask(cmd *cobra.Command, args []string) error {
	logger, logFile, err := cliLogger()
	if err != nil {
		return err
	}
	defer logFile.Close()

	// Poll state for the terminal never needs to outlive the command
	a, err := newApplication(cfg, logger, session.NewMemoryStore())
	if err != nil {
		return err
	}
	defer a.Close()

	def, err := a.registry.Get(args[0])
	if err != nil {
		return err
	}
	if a.manager.Locked() {
		return globalstatus.ErrFailedToAcquireLock
	}

	const sessionID = "cli"
	runID, err := a.runner.Start(def, sessionID, models.Completion{})
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		a.runner.Wait(24 * time.Hour)
		close(done)
	}()

	out := cmd.OutOrStdout()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		case <-ticker.C:
		}
		poll, err := a.runner.More(sessionID)
		if err != nil {
			return err
		}
		if !poll.Error {
			fmt.Fprint(out, poll.Contents)
		}
	}

	run, err := a.runs.GetByID(runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusCompleted {
		if run.Error != "" {
			return fmt.Errorf("task %s %s: %s", def.Name, run.Status, run.Error)
		}
		return fmt.Errorf("task %s %s", def.Name, run.Status)
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	filter := logview.Filter{
		Search: logsSearch,
		Regex:  logsRegex,
		Limit:  logsLimit,
	}
	if logsLevel != "" {
		level, err := logview.ParseThreshold(logsLevel)
		if err != nil {
			return err
		}
		filter.MinLevel = level
	}
	if logsSince > 0 {
		filter.Since = time.Now().Add(-logsSince)
	}

	entries, err := logview.ReadLog(cfg.Logging.AppLog)
	if err != nil {
		return err
	}
	entries, err = filter.Apply(entries)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, e := range entries {
		fmt.Fprintf(out, "%s %-7s %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
	}
	return nil
}
