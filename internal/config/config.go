package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecDefaults controls the Execution Engine (spec §4.3).
type ExecDefaults struct {
	DeadlineMs    int `yaml:"deadline_ms"`
	MaxStdoutBytes int `yaml:"max_stdout_bytes"`
	MaxStderrBytes int `yaml:"max_stderr_bytes"`
	KillGraceMs   int `yaml:"kill_grace_ms"`
}

// PTYDefaults controls the PTY Supervisor (spec §4.2).
type PTYDefaults struct {
	Shell           string `yaml:"shell"`
	ShellArgs       []string `yaml:"shell_args"`
	Cols            int    `yaml:"cols"`
	Rows            int    `yaml:"rows"`
	ReadMaxBytes    int    `yaml:"read_max_bytes"`
	KillGraceMs     int    `yaml:"kill_grace_ms"`
	DrainDeadlineMs int    `yaml:"drain_deadline_ms"`
	PromptLiteral   string `yaml:"prompt_literal"`
	PromptRegex     string `yaml:"prompt_regex"`
}

// BrokerDefaults controls the Session Stream Broker (spec §4.4, §5).
type BrokerDefaults struct {
	PingIntervalMs     int `yaml:"ping_interval_ms"`
	OutputBatchMs      int `yaml:"output_batch_ms"`
	OutputBatchBytes   int `yaml:"output_batch_bytes"`
	OutboundQueueDepth int `yaml:"outbound_queue_depth"`
	BackpressureMs     int `yaml:"backpressure_ms"`
	DetachFlushMs      int `yaml:"detach_flush_ms"`
}

// RegistryDefaults controls the Session Registry's reaper (spec §4.5).
type RegistryDefaults struct {
	ReapIntervalSeconds int `yaml:"reap_interval_seconds"`
	IdleSessionTTLSeconds int `yaml:"idle_session_ttl_seconds"`
}

type Config struct {
	Listen       string `yaml:"listen"`
	WorkspaceRoot string `yaml:"workspace_root"`
	DBPath       string `yaml:"db_path"`

	Exec     ExecDefaults     `yaml:"exec"`
	PTY      PTYDefaults      `yaml:"pty"`
	Broker   BrokerDefaults   `yaml:"broker"`
	Registry RegistryDefaults `yaml:"registry"`

	AuthJWTSecret string `yaml:"auth_jwt_secret"`
}

func (c *Config) ExecDeadline() time.Duration {
	return time.Duration(c.Exec.DeadlineMs) * time.Millisecond
}

func (c *Config) ExecKillGrace() time.Duration {
	return time.Duration(c.Exec.KillGraceMs) * time.Millisecond
}

func (c *Config) PTYKillGrace() time.Duration {
	return time.Duration(c.PTY.KillGraceMs) * time.Millisecond
}

func (c *Config) PTYDrainDeadline() time.Duration {
	return time.Duration(c.PTY.DrainDeadlineMs) * time.Millisecond
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Broker.PingIntervalMs) * time.Millisecond
}

func (c *Config) IdleSessionTTL() time.Duration {
	return time.Duration(c.Registry.IdleSessionTTLSeconds) * time.Second
}

func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.Registry.ReapIntervalSeconds) * time.Second
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:        "127.0.0.1:8080",
		WorkspaceRoot: "/tmp/terminus_workspace",
		DBPath:        "./terminus.db",
		Exec: ExecDefaults{
			DeadlineMs:     10_000,
			MaxStdoutBytes: 1 << 20,
			MaxStderrBytes: 1 << 20,
			KillGraceMs:    500,
		},
		PTY: PTYDefaults{
			Shell:           "/bin/bash",
			ShellArgs:       []string{"-l"},
			Cols:            80,
			Rows:            24,
			ReadMaxBytes:    64 * 1024,
			KillGraceMs:     2_000,
			DrainDeadlineMs: 3_000,
			PromptLiteral:   "terminuside:~# ",
			PromptRegex:     `[A-Za-z0-9_-]+@[A-Za-z0-9_-]+:~#\s`,
		},
		Broker: BrokerDefaults{
			PingIntervalMs:     30_000,
			OutputBatchMs:      16,
			OutputBatchBytes:   4096,
			OutboundQueueDepth: 1024,
			BackpressureMs:     1_000,
			DetachFlushMs:      200,
		},
		Registry: RegistryDefaults{
			ReapIntervalSeconds:   60,
			IdleSessionTTLSeconds: 1800,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TERMINUS_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("TERMINUS_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("TERMINUS_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TERMINUS_EXEC_DEADLINE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Exec.DeadlineMs = n
		}
	}
	if v := os.Getenv("TERMINUS_PTY_SHELL"); v != "" {
		cfg.PTY.Shell = v
	}
	if v := os.Getenv("TERMINUS_PTY_SHELL_ARGS"); v != "" {
		cfg.PTY.ShellArgs = strings.Split(v, ",")
	}
	if v := os.Getenv("TERMINUS_PING_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broker.PingIntervalMs = n
		}
	}
	if v := os.Getenv("TERMINUS_IDLE_SESSION_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Registry.IdleSessionTTLSeconds = n
		}
	}
	if v := os.Getenv("TERMINUS_AUTH_JWT_SECRET"); v != "" {
		cfg.AuthJWTSecret = v
	}
}
