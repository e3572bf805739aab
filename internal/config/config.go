package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Worktrees WorktreesConfig `toml:"worktrees"`
	Profiles  ProfilesConfig  `toml:"profiles"`
	Agent     AgentConfig     `toml:"agent"`
	Log       LogConfig       `toml:"log"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type StorageConfig struct {
	DatabasePath string `toml:"database_path"`
}

type WorktreesConfig struct {
	Dir          string `toml:"dir"`
	BranchPrefix string `toml:"branch_prefix"`
}

type ProfilesConfig struct {
	PollIntervalMS int    `toml:"poll_interval_ms"`
	DebounceMS     int    `toml:"debounce_ms"`
	UserFile       string `toml:"user_file"`
}

type AgentConfig struct {
	// Command is run inside the worktree. The executor name and the
	// serialized profile are passed via CATALYST_EXECUTOR and
	// CATALYST_PROFILE.
	Command []string `toml:"command"`
}

type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Default returns the configuration used when no config file is present.
// Relative paths are resolved against the repository root by Resolve.
func Default() Config {
	return Config{
		Server:    ServerConfig{Addr: "127.0.0.1:8711"},
		Storage:   StorageConfig{DatabasePath: filepath.ToSlash(filepath.Join(".catalyst", "catalyst.db"))},
		Worktrees: WorktreesConfig{Dir: filepath.ToSlash(filepath.Join(".catalyst", "worktrees")), BranchPrefix: "cat"},
		Profiles:  ProfilesConfig{PollIntervalMS: 100, DebounceMS: 500},
		Agent:     AgentConfig{Command: []string{"echo", "agent-stub"}},
		Log:       LogConfig{Level: "info"},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

func Load(repoRoot string) LoadResult {
	res := LoadResult{Config: Default()}
	path := filepath.Join(repoRoot, ".catalyst", "config.toml")
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}
	if err := parsed.validate(); err != nil {
		res.ParseError = err
		return res
	}

	res.Config = merge(Default(), parsed)
	return res
}

func (c Config) validate() error {
	if c.Profiles.PollIntervalMS < 0 || c.Profiles.DebounceMS < 0 {
		return fmt.Errorf("%w: profile intervals must not be negative", ErrInvalid)
	}
	return nil
}

func merge(def Config, cfg Config) Config {
	if cfg.Server.Addr != "" {
		def.Server.Addr = cfg.Server.Addr
	}
	if cfg.Storage.DatabasePath != "" {
		def.Storage.DatabasePath = cfg.Storage.DatabasePath
	}
	if cfg.Worktrees.Dir != "" {
		def.Worktrees.Dir = cfg.Worktrees.Dir
	}
	if cfg.Worktrees.BranchPrefix != "" {
		def.Worktrees.BranchPrefix = cfg.Worktrees.BranchPrefix
	}
	if cfg.Profiles.PollIntervalMS != 0 {
		def.Profiles.PollIntervalMS = cfg.Profiles.PollIntervalMS
	}
	if cfg.Profiles.DebounceMS != 0 {
		def.Profiles.DebounceMS = cfg.Profiles.DebounceMS
	}
	if cfg.Profiles.UserFile != "" {
		def.Profiles.UserFile = cfg.Profiles.UserFile
	}
	if len(cfg.Agent.Command) != 0 {
		def.Agent.Command = cfg.Agent.Command
	}
	if cfg.Log.Level != "" {
		def.Log.Level = cfg.Log.Level
	}
	def.Log.JSON = cfg.Log.JSON
	return def
}

// ApplyEnv overrides fields from CATALYST_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("CATALYST_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := getenv("CATALYST_DATABASE_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := getenv("CATALYST_WORKTREE_DIR"); v != "" {
		c.Worktrees.Dir = v
	}
	if v := getenv("CATALYST_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("CATALYST_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Log.JSON = b
		}
	}
}

// Resolve makes relative storage and worktree paths absolute under repoRoot.
func (c *Config) Resolve(repoRoot string) {
	if c.Storage.DatabasePath != "" && !filepath.IsAbs(c.Storage.DatabasePath) {
		c.Storage.DatabasePath = filepath.Join(repoRoot, filepath.FromSlash(c.Storage.DatabasePath))
	}
	if c.Worktrees.Dir != "" && !filepath.IsAbs(c.Worktrees.Dir) {
		c.Worktrees.Dir = filepath.Join(repoRoot, filepath.FromSlash(c.Worktrees.Dir))
	}
}

func (p ProfilesConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

func (p ProfilesConfig) Debounce() time.Duration {
	return time.Duration(p.DebounceMS) * time.Millisecond
}
