package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Session backends
const (
	SessionBackendMemory   = "memory"
	SessionBackendDatabase = "database"
	SessionBackendLevelDB  = "leveldb"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Host         string        `yaml:"host"`
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	// WorkDir lists extra candidate roots for the lock and status files.
	// They are probed before the shared-memory and temp defaults.
	WorkDir struct {
		Candidates []string `yaml:"candidates"`
	} `yaml:"workdir"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Session struct {
		Backend     string        `yaml:"backend"`
		LevelDBPath string        `yaml:"leveldb_path"`
		TTL         time.Duration `yaml:"ttl"`
		CookieName  string        `yaml:"cookie_name"`
	} `yaml:"session"`

	Logging struct {
		Dir    string `yaml:"dir"`
		AppLog string `yaml:"app_log"`
		Level  string `yaml:"level"`
	} `yaml:"logging"`

	Events struct {
		NATSURL string `yaml:"nats_url"`
		Subject string `yaml:"subject"`
	} `yaml:"events"`

	Tasks struct {
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		HistoryLimit    int           `yaml:"history_limit"`
		SampleDelay     time.Duration `yaml:"sample_delay"`
		Commands        []CommandTask `yaml:"commands"`
	} `yaml:"tasks"`
}

// CommandTask is a task made of shell steps, run one after another with
// "sh -c". A step exiting 100 ends the task successfully, 101 ends it as
// failed, and any other non-zero code fails it.
type CommandTask struct {
	Name        string            `yaml:"name"`
	Title       string            `yaml:"title"`
	Description string            `yaml:"description"`
	Env         map[string]string `yaml:"env"`
	StepTimeout time.Duration     `yaml:"step_timeout"`
	Steps       []CommandStep     `yaml:"steps"`
}

// CommandStep is one shell command of a CommandTask
type CommandStep struct {
	Name string            `yaml:"name"`
	Run  string            `yaml:"run"`
	Env  map[string]string `yaml:"env"`
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.App.Name == "" {
		cfg.App.Name = "barkest"
	}
	if cfg.App.Version == "" {
		cfg.App.Version = "0.1.0"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/barkest.db"
	}
	if cfg.Session.Backend == "" {
		cfg.Session.Backend = SessionBackendDatabase
	}
	if cfg.Session.LevelDBPath == "" {
		cfg.Session.LevelDBPath = "./data/sessions"
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = 24 * time.Hour
	}
	if cfg.Session.CookieName == "" {
		cfg.Session.CookieName = "barkest_session"
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "./data/logs"
	}
	if cfg.Logging.AppLog == "" {
		cfg.Logging.AppLog = filepath.Join(cfg.Logging.Dir, "app.log")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "barkest.tasks"
	}
	if cfg.Tasks.ShutdownTimeout == 0 {
		cfg.Tasks.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Tasks.HistoryLimit == 0 {
		cfg.Tasks.HistoryLimit = 50
	}
	if cfg.Tasks.SampleDelay == 0 {
		cfg.Tasks.SampleDelay = 500 * time.Millisecond
	}
}

// LoadFromEnv loads configuration with environment variable overrides
func LoadFromEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if workDir := os.Getenv("BARKEST_WORKDIR"); workDir != "" {
		cfg.WorkDir.Candidates = append([]string{workDir}, cfg.WorkDir.Candidates...)
	}
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logDir := os.Getenv("LOG_DIR"); logDir != "" {
		cfg.Logging.Dir = logDir
		cfg.Logging.AppLog = filepath.Join(logDir, "app.log")
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if backend := os.Getenv("SESSION_BACKEND"); backend != "" {
		cfg.Session.Backend = backend
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		cfg.Events.NATSURL = natsURL
	}
	if port := os.Getenv("PORT"); port != "" {
		if val, err := strconv.Atoi(port); err == nil && val > 0 {
			cfg.Server.Port = val
		}
	}

	return cfg, nil
}
