// Package daemon implements the per-project daemon's process lifecycle:
// resolving a project root to its state directory and socket path,
// startup/shutdown ordering, crash reconciliation, and the Unix-socket
// IPC frame protocol. The pure orchestration logic lives in
// internal/runtime and internal/core/*; this package is where those meet
// the operating system.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/alfredjean/ojd/internal/runtime"
)

// Config is the daemon's fully resolved configuration: per-project paths
// plus the tunables an operator can override via environment variables
// (envdecode struct tags) or an ojd.yaml file in the project root.
type Config struct {
	ProjectRoot string
	ProjectHash string

	SocketPath string
	StateDir   string
	PIDFile    string
	VersionFile string
	LogFile    string
	WALDir     string
	SnapshotDir string
	WorkspacesDir string

	SocketDir  string        `env:"OJ_SOCKET_DIR,default=/tmp/ojd"`
	StateHome  string        `env:"XDG_STATE_HOME"`
	DebugAddr  string        `env:"OJD_DEBUG_ADDR"` // empty disables the loopback debug surface
	LogLevel   string        `env:"OJD_LOG_LEVEL"` // unset falls back to an environment-appropriate default, see defaultLogLevel
	LogFormat  string        `env:"OJD_LOG_FORMAT,default=text"`
	SocketRate float64       `env:"OJD_SOCKET_RATE,default=50"`  // frames/sec per connection
	SocketBurst int          `env:"OJD_SOCKET_BURST,default=20"`
	IPCTimeout time.Duration `env:"OJD_IPC_TIMEOUT,default=30s"`

	// RedisAddr enables the guard-input cache when set; empty disables it
	// entirely and guard rechecks always compute inputs directly.
	RedisAddr string `env:"OJD_REDIS_ADDR"`

	Runtime runtimeOverrides `yaml:"runtime"`
}

// runtimeOverrides is the subset of Config an ojd.yaml file in the
// project root may override; environment variables still take priority
// at load time over the file, matching the teacher's EnvOrSecret
// priority ordering (secret/env first, file/default last) even though
// ojd has no TEE-secret source to consult.
type runtimeOverrides struct {
	DebugAddr string `yaml:"debug_addr"`
	LogLevel  string `yaml:"log_level"`
}

// ForProject resolves Config for a canonicalized project root: the state
// directory and socket path are derived from a content hash of the path so
// two daemons for two different projects never collide, and a daemon
// restarted against the same project always finds its own prior state.
func ForProject(projectRoot string) (Config, error) {
	_ = godotenv.Load() // best-effort; a missing .env is not an error

	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		return Config{}, fmt.Errorf("daemon: resolve project root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		canonical = abs // project root may not exist yet on a dry-run config resolve
	}

	hash, err := projectHash(canonical)
	if err != nil {
		return Config{}, fmt.Errorf("daemon: hash project root: %w", err)
	}

	cfg := Config{ProjectRoot: canonical, ProjectHash: hash}
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("daemon: decode env config: %w", err)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel()
	}

	cfg.SocketPath = filepath.Join(cfg.SocketDir, hash+".sock")

	stateHome := cfg.StateHome
	if stateHome == "" {
		home, _ := os.UserHomeDir()
		stateHome = filepath.Join(home, ".local", "state")
	}
	cfg.StateDir = filepath.Join(stateHome, "ojd", "projects", hash)
	cfg.PIDFile = filepath.Join(cfg.StateDir, "daemon.pid")
	cfg.VersionFile = filepath.Join(cfg.StateDir, "daemon.version")
	cfg.LogFile = filepath.Join(cfg.StateDir, "daemon.log")
	cfg.WALDir = filepath.Join(cfg.StateDir, "wal")
	cfg.SnapshotDir = filepath.Join(cfg.StateDir, "snapshots")
	cfg.WorkspacesDir = filepath.Join(cfg.StateDir, "workspaces")

	if err := cfg.applyYAMLOverride(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyYAMLOverride reads an optional ojd.yaml from the project root.
// Missing is fine; a malformed file is an error, since a typo'd override
// should never silently fall back to defaults.
func (c *Config) applyYAMLOverride() error {
	path := filepath.Join(c.ProjectRoot, "ojd.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("daemon: read ojd.yaml: %w", err)
	}
	var override struct {
		Runtime runtimeOverrides `yaml:"runtime"`
	}
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("daemon: parse ojd.yaml: %w", err)
	}
	if override.Runtime.DebugAddr != "" && c.DebugAddr == "" {
		c.DebugAddr = override.Runtime.DebugAddr
	}
	if override.Runtime.LogLevel != "" && os.Getenv("OJD_LOG_LEVEL") == "" {
		c.LogLevel = override.Runtime.LogLevel
	}
	return nil
}

// defaultLogLevel picks the daemon's log verbosity by deployment
// environment (MARBLE_ENV/ENVIRONMENT) when OJD_LOG_LEVEL is left unset:
// noisier in development/testing, quiet in production.
func defaultLogLevel() string {
	if runtime.IsDevelopmentOrTesting() {
		return "debug"
	}
	return "info"
}

// projectHash is a blake2b-128 digest of the canonical project path,
// hex-encoded and truncated to 16 characters, matching
// original_source/crates/daemon/src/lifecycle.rs's project identity scheme.
func projectHash(canonicalPath string) (string, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte(canonicalPath))
	sum := h.Sum(nil)
	return fmt.Sprintf("%x", sum)[:16], nil
}
