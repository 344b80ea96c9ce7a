// Package config loads server settings. Precedence is defaults, then an optional
// YAML file, then .env and process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/shehryarbajwa/browser-pilot/internal/llm"
)

// EnvPrefix prefixes every environment override except the model credentials
const EnvPrefix = "PILOT_"

// Config is the full server configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Browser    BrowserConfig    `yaml:"browser"`
	Session    SessionConfig    `yaml:"session"`
	Navigation NavigationConfig `yaml:"navigation"`
	Parser     ParserConfig     `yaml:"parser"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Capture    CaptureConfig    `yaml:"capture"`
	Pilot      PilotConfig      `yaml:"pilot"`
	LLM        llm.Config       `yaml:"llm"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
	// Format is json or console
	Format string `yaml:"format"`
}

type BrowserConfig struct {
	Headless    bool   `yaml:"headless"`
	Remote      bool   `yaml:"remote"`
	Image       string `yaml:"image"`
	UserAgent   string `yaml:"user_agent"`
	Locale      string `yaml:"locale"`
	Timezone    string `yaml:"timezone"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	SkipInstall bool   `yaml:"skip_install"`
}

type SessionConfig struct {
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	MaxSessions  int           `yaml:"max_sessions"`
}

type NavigationConfig struct {
	Stealth        bool          `yaml:"stealth"`
	HumanBehavior  bool          `yaml:"human_behavior"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

type ParserConfig struct {
	SearchEngine   string        `yaml:"search_engine"`
	ModelMinLength int           `yaml:"model_min_length"`
	MaxSubtasks    int           `yaml:"max_subtasks"`
	MaxModelSteps  int           `yaml:"max_model_steps"`
	ModelTimeout   time.Duration `yaml:"model_timeout"`
}

type ExecutorConfig struct {
	PlanTimeout   time.Duration `yaml:"plan_timeout"`
	StepBudget    time.Duration `yaml:"step_budget"`
	MaxSteps      int           `yaml:"max_steps"`
	FailFastAfter int           `yaml:"fail_fast_after"`
	Screenshots   bool          `yaml:"screenshots"`
}

type CaptureConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	RecordingsDir   string        `yaml:"recordings_dir"`
	CheckpointEvery int           `yaml:"checkpoint_every"`
}

type PilotConfig struct {
	SessionID string `yaml:"session_id"`
	QueueSize int    `yaml:"queue_size"`
	StartURL  string `yaml:"start_url"`
}

type RateLimitConfig struct {
	RequestsPerHour int `yaml:"requests_per_hour"`
	Burst           int `yaml:"burst"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    75 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Browser: BrowserConfig{
			Headless: true,
			Image:    "browserless/chrome:latest",
			Locale:   "en-US",
			Width:    1366,
			Height:   768,
		},
		Session: SessionConfig{
			IdleTimeout:  30 * time.Minute,
			ReapInterval: 60 * time.Second,
			ProbeTimeout: 5 * time.Second,
			MaxSessions:  10,
		},
		Navigation: NavigationConfig{
			Stealth:        true,
			HumanBehavior:  true,
			AttemptTimeout: 30 * time.Second,
		},
		Parser: ParserConfig{
			SearchEngine:   "google",
			ModelMinLength: 40,
			MaxSubtasks:    5,
			MaxModelSteps:  15,
			ModelTimeout:   15 * time.Second,
		},
		Executor: ExecutorConfig{
			PlanTimeout:   45 * time.Second,
			StepBudget:    10 * time.Second,
			MaxSteps:      25,
			FailFastAfter: 2,
			Screenshots:   true,
		},
		Capture: CaptureConfig{
			Enabled:         true,
			Interval:        time.Second,
			RecordingsDir:   "./storage/recordings",
			CheckpointEvery: 10,
		},
		Pilot: PilotConfig{
			SessionID: "default",
			QueueSize: 100,
			StartURL:  "about:blank",
		},
		LLM: llm.Config{
			Model:       "gpt-4o-mini",
			Temperature: 0.1,
			MaxTokens:   1024,
			Timeout:     20 * time.Second,
		},
		RateLimit: RateLimitConfig{RequestsPerHour: 3600, Burst: 60},
	}
}

// Load builds a Config from path (optional), .env and the environment
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// a missing .env is normal outside development
	_ = godotenv.Load()

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("ADDR", &c.Server.Addr)
	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("LOG_FORMAT", &c.Log.Format)

	e.boolean("HEADLESS", &c.Browser.Headless)
	e.boolean("REMOTE_BROWSER", &c.Browser.Remote)
	e.str("BROWSER_IMAGE", &c.Browser.Image)
	e.str("USER_AGENT", &c.Browser.UserAgent)
	e.boolean("SKIP_BROWSER_INSTALL", &c.Browser.SkipInstall)

	e.duration("SESSION_IDLE_TIMEOUT", &c.Session.IdleTimeout)
	e.duration("SESSION_REAP_INTERVAL", &c.Session.ReapInterval)
	e.integer("MAX_SESSIONS", &c.Session.MaxSessions)

	e.boolean("STEALTH", &c.Navigation.Stealth)
	e.boolean("HUMAN_BEHAVIOR", &c.Navigation.HumanBehavior)

	e.str("SEARCH_ENGINE", &c.Parser.SearchEngine)
	e.duration("MODEL_TIMEOUT", &c.Parser.ModelTimeout)

	e.duration("PLAN_TIMEOUT", &c.Executor.PlanTimeout)
	e.duration("STEP_BUDGET", &c.Executor.StepBudget)
	e.boolean("TASK_SCREENSHOTS", &c.Executor.Screenshots)

	e.boolean("CAPTURE", &c.Capture.Enabled)
	e.duration("CAPTURE_INTERVAL", &c.Capture.Interval)
	e.str("RECORDINGS_DIR", &c.Capture.RecordingsDir)

	e.integer("QUEUE_SIZE", &c.Pilot.QueueSize)
	e.str("START_URL", &c.Pilot.StartURL)

	e.str("MODEL", &c.LLM.Model)
	e.integer("RATE_LIMIT_PER_HOUR", &c.RateLimit.RequestsPerHour)
	e.integer("RATE_LIMIT_BURST", &c.RateLimit.Burst)

	// model credentials use the names every OpenAI client reads
	e.raw("OPENAI_API_KEY", &c.LLM.APIKey)
	e.raw("OPENAI_BASE_URL", &c.LLM.BaseURL)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) raw(name string, dst *string) {
	if v, ok := e.lookup(name); ok && v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := e.get(name)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = b
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.get(name)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = n
}

func (e *envReader) duration(name string, dst *time.Duration) {
	v, ok := e.get(name)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = d
}

// Validate rejects settings the services cannot run with
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	if c.Browser.Remote && c.Browser.Image == "" {
		errs = append(errs, errors.New("browser.image is required for remote browsers"))
	}
	if c.Session.MaxSessions < 1 {
		errs = append(errs, errors.New("session.max_sessions must be at least 1"))
	}
	if c.Executor.PlanTimeout <= 0 {
		errs = append(errs, errors.New("executor.plan_timeout must be positive"))
	}
	if c.Executor.FailFastAfter < 1 {
		errs = append(errs, errors.New("executor.fail_fast_after must be at least 1"))
	}
	if c.Capture.Enabled && c.Capture.Interval <= 0 {
		errs = append(errs, errors.New("capture.interval must be positive"))
	}
	if c.Capture.RecordingsDir == "" {
		errs = append(errs, errors.New("capture.recordings_dir is required"))
	}
	if c.Pilot.QueueSize < 1 {
		errs = append(errs, errors.New("pilot.queue_size must be at least 1"))
	}
	if c.RateLimit.RequestsPerHour < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values cannot be negative"))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger from the log settings
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	var zc zap.Config
	if c.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
