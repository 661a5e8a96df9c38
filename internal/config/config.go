package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ToolConfig carries everything the attach tool needs at startup.
type ToolConfig struct {
	RuntimeAddr string
	DialTimeout time.Duration
	DaemonExec  string
	DaemonHost  string
	AdminAddr   string
	Scheduler   SchedulerConfig
}

// SchedulerConfig selects how batch-scheduler queries run.
type SchedulerConfig struct {
	Mode string // "local" or "ssh"
	SSH  SSHConfig
}

type SSHConfig struct {
	Host                        string
	Port                        string
	User                        string
	KeyPath                     string
	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool
	Timeout                     time.Duration
}

func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		RuntimeAddr: "127.0.0.1:7800",
		DialTimeout: 5 * time.Second,
		DaemonExec:  "./daemon",
		DaemonHost:  "localhost",
		AdminAddr:   "",
		Scheduler: SchedulerConfig{
			Mode: "local",
			SSH:  SSHConfig{Timeout: 10 * time.Second},
		},
	}
}

type fileConfig struct {
	RuntimeAddr   string `toml:"runtime_addr"`
	DialTimeoutMS int64  `toml:"dial_timeout_ms"`
	DaemonExec    string `toml:"daemon_exec"`
	DaemonHost    string `toml:"daemon_host"`
	AdminAddr     string `toml:"admin_addr"`

	Scheduler fileSchedulerConfig `toml:"scheduler"`
}

type fileSchedulerConfig struct {
	Mode string        `toml:"mode"`
	SSH  fileSSHConfig `toml:"ssh"`
}

type fileSSHConfig struct {
	Host         string `toml:"host"`
	Port         string `toml:"port"`
	User         string `toml:"user"`
	KeyPath      string `toml:"key_path"`
	KnownHosts   string `toml:"known_hosts"`
	InsecureSkip bool   `toml:"insecure_skip_host_key_checking"`
	TimeoutMS    int64  `toml:"timeout_ms"`
}

// LoadToolConfig reads path over the defaults; only defined keys override.
func LoadToolConfig(path string) (ToolConfig, error) {
	cfg := DefaultToolConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ToolConfig{}, fmt.Errorf("load tool config: %w", err)
	}

	if meta.IsDefined("runtime_addr") {
		cfg.RuntimeAddr = strings.TrimSpace(raw.RuntimeAddr)
	}
	if meta.IsDefined("dial_timeout_ms") {
		cfg.DialTimeout = time.Duration(raw.DialTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("daemon_exec") {
		cfg.DaemonExec = strings.TrimSpace(raw.DaemonExec)
	}
	if meta.IsDefined("daemon_host") {
		cfg.DaemonHost = strings.TrimSpace(raw.DaemonHost)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("scheduler", "mode") {
		cfg.Scheduler.Mode = strings.ToLower(strings.TrimSpace(raw.Scheduler.Mode))
	}
	if meta.IsDefined("scheduler", "ssh", "host") {
		cfg.Scheduler.SSH.Host = strings.TrimSpace(raw.Scheduler.SSH.Host)
	}
	if meta.IsDefined("scheduler", "ssh", "port") {
		cfg.Scheduler.SSH.Port = strings.TrimSpace(raw.Scheduler.SSH.Port)
	}
	if meta.IsDefined("scheduler", "ssh", "user") {
		cfg.Scheduler.SSH.User = strings.TrimSpace(raw.Scheduler.SSH.User)
	}
	if meta.IsDefined("scheduler", "ssh", "key_path") {
		cfg.Scheduler.SSH.KeyPath = strings.TrimSpace(raw.Scheduler.SSH.KeyPath)
	}
	if meta.IsDefined("scheduler", "ssh", "known_hosts") {
		cfg.Scheduler.SSH.KnownHostsPath = strings.TrimSpace(raw.Scheduler.SSH.KnownHosts)
	}
	if meta.IsDefined("scheduler", "ssh", "insecure_skip_host_key_checking") {
		cfg.Scheduler.SSH.InsecureSkipHostKeyChecking = raw.Scheduler.SSH.InsecureSkip
	}
	if meta.IsDefined("scheduler", "ssh", "timeout_ms") {
		cfg.Scheduler.SSH.Timeout = time.Duration(raw.Scheduler.SSH.TimeoutMS) * time.Millisecond
	}

	if err := ValidateToolConfig(cfg); err != nil {
		return ToolConfig{}, err
	}
	return cfg, nil
}

func ValidateToolConfig(cfg ToolConfig) error {
	if strings.TrimSpace(cfg.RuntimeAddr) == "" {
		return fmt.Errorf("tool config missing runtime_addr")
	}
	if strings.TrimSpace(cfg.DaemonExec) == "" {
		return fmt.Errorf("tool config missing daemon_exec")
	}
	if strings.TrimSpace(cfg.DaemonHost) == "" {
		return fmt.Errorf("tool config missing daemon_host")
	}
	switch cfg.Scheduler.Mode {
	case "local":
	case "ssh":
		if strings.TrimSpace(cfg.Scheduler.SSH.Host) == "" {
			return fmt.Errorf("scheduler ssh mode requires a host")
		}
		if strings.TrimSpace(cfg.Scheduler.SSH.User) == "" {
			return fmt.Errorf("scheduler ssh mode requires a user")
		}
	default:
		return fmt.Errorf("scheduler mode must be local or ssh, got %q", cfg.Scheduler.Mode)
	}
	return nil
}
