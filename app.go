package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/andi/barkest/backend/config"
	"github.com/andi/barkest/backend/database"
	"github.com/andi/barkest/backend/events"
	"github.com/andi/barkest/backend/globalstatus"
	"github.com/andi/barkest/backend/runner"
	"github.com/andi/barkest/backend/session"
	"github.com/andi/barkest/backend/storage/leveldb"
	"github.com/andi/barkest/backend/tasks"
	"github.com/andi/barkest/backend/workpath"
)

// sessionStore is what the runner and the purge task need from a backend
type sessionStore interface {
	runner.SessionStore
	tasks.Purger
}

// application holds every long-lived component of a process
type application struct {
	cfg     *config.Config
	logger  *slog.Logger
	workDir string

	manager  *globalstatus.Manager
	db       *database.DB
	runs     *database.TaskRunRepo
	sessions sessionStore
	events   events.Publisher
	runner   *runner.Runner
	registry *runner.Registry

	closers []io.Closer
}

// resolveWorkDir finds the directory holding the lock, status and log files
func resolveWorkDir(cfg *config.Config) (string, error) {
	return workpath.New(cfg.App.Name, cfg.WorkDir.Candidates...).Resolve()
}

// newApplication wires the components. polls, when not nil, keeps the
// runner's poll cursors and completions instead of the configured session
// backend; purge-sessions always works on the configured backend.
func newApplication(cfg *config.Config, logger *slog.Logger, polls runner.SessionStore) (*application, error) {
	workDir, err := resolveWorkDir(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("work directory resolved", "path", workDir)

	a := &application{
		cfg:     cfg,
		logger:  logger,
		workDir: workDir,
		manager: globalstatus.NewManager(workDir, logger),
	}
	a.closers = append(a.closers, a.manager)

	// cfg.Database.Path supports both SQLite and MySQL:
	// - SQLite: "./data/barkest.db" or any path ending with .db
	// - MySQL: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
	a.db, err = database.New(cfg.Database.Path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.closers = append(a.closers, a.db)
	a.runs = database.NewTaskRunRepo(a.db)

	a.sessions, err = a.openSessions()
	if err != nil {
		a.Close()
		return nil, err
	}
	if polls == nil {
		polls = a.sessions
	}

	a.events = events.Nop{}
	if cfg.Events.NATSURL != "" {
		pub, err := events.NewNATS(cfg.Events.NATSURL, cfg.Events.Subject)
		if err != nil {
			logger.Warn("event publishing disabled", "url", cfg.Events.NATSURL, "error", err)
		} else {
			a.events = pub
			logger.Info("publishing task events", "url", cfg.Events.NATSURL, "subject", cfg.Events.Subject)
		}
	}
	a.closers = append(a.closers, a.events)

	logPath := filepath.Join(a.manager.Dir(), runner.LogFileName)
	a.runner = runner.New(a.manager, polls, logPath, runner.Options{
		Recorder: a.runs,
		Events:   a.events,
		Logger:   logger,
	})

	a.registry = runner.NewRegistry()
	if err := tasks.Register(a.registry, a.sessions, cfg.Session.TTL, cfg.Tasks.SampleDelay); err != nil {
		a.Close()
		return nil, err
	}
	if err := tasks.RegisterCommands(a.registry, cfg.Tasks.Commands); err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid command task: %w", err)
	}

	return a, nil
}

func (a *application) openSessions() (sessionStore, error) {
	switch a.cfg.Session.Backend {
	case config.SessionBackendMemory:
		return session.NewMemoryStore(), nil
	case config.SessionBackendDatabase:
		return database.NewSessionRepo(a.db), nil
	case config.SessionBackendLevelDB:
		client, err := leveldb.NewClient(a.cfg.Session.LevelDBPath, a.cfg.Session.TTL, a.cfg.Session.TTL/4)
		if err != nil {
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
		a.closers = append(a.closers, client)
		return client, nil
	}
	return nil, fmt.Errorf("unknown session backend %q", a.cfg.Session.Backend)
}

// reconcileRuns marks runs left running by a dead process as abandoned. It
// does nothing while some process holds the lock, since that run may be live.
func (a *application) reconcileRuns() {
	if a.manager.Locked() {
		a.logger.Info("global lock is held, leaving running task records alone")
		return
	}
	n, err := a.runs.ResetRunning()
	if err != nil {
		a.logger.Warn("failed to reset running tasks", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("marked interrupted task runs as abandoned", "count", n)
	}
}

// Close releases everything in reverse order of creation
func (a *application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
