// Package kconfig provides layered YAML configuration loading for the
// kernel, following the default-then-override shape of the teacher's
// config package but covering the kernel's own subsystems (bus, registry,
// scheduler, board, validation, diagnostics, approval, store) instead of
// model/repo/tools settings.
package kconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/agentkernel/internal/agent"
	"github.com/c360studio/agentkernel/internal/busx"
)

// Config is the complete kernel configuration tree.
type Config struct {
	Bus        BusConfig        `yaml:"bus"`
	Registry   RegistryConfig   `yaml:"registry"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Ticket     TicketConfig     `yaml:"ticket"`
	Validation ValidationConfig `yaml:"validation"`
	Diagnostic DiagnosticConfig `yaml:"diagnostic"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Store      StoreConfig      `yaml:"store"`
	Artifact   ArtifactConfig   `yaml:"artifact"`
}

// BusConfig mirrors busx.Config with YAML duration strings. When NATSURL
// is empty, the kernel wires an in-process bus (tests, single-process
// deployments); when set, it dials a JetStream-backed bus instead so
// out-of-process agents can subscribe over the network.
type BusConfig struct {
	SlowConsumerTimeout time.Duration `yaml:"slow_consumer_timeout"`
	QueueDepth          int           `yaml:"queue_depth"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay"`
	RetryFactor         float64       `yaml:"retry_factor"`
	RetryMaxAttempts    int           `yaml:"retry_max_attempts"`

	NATSURL        string   `yaml:"nats_url"`
	NATSStreamName string   `yaml:"nats_stream_name"`
	NATSSubjects   []string `yaml:"nats_subjects"`
}

func (c BusConfig) ToBusx() busx.Config {
	return busx.Config{
		SlowConsumerTimeout: c.SlowConsumerTimeout,
		QueueDepth:          c.QueueDepth,
		RetryBaseDelay:      c.RetryBaseDelay,
		RetryFactor:         c.RetryFactor,
		RetryMaxAttempts:    c.RetryMaxAttempts,
	}
}

// RegistryConfig mirrors agent.Config.
type RegistryConfig struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	TTLThreshold        time.Duration `yaml:"ttl_threshold"`
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`
	MaxRestartAttempts  int           `yaml:"max_restart_attempts"`
	EscalationWindow    time.Duration `yaml:"escalation_window"`
	HeartbeatSweep      time.Duration `yaml:"heartbeat_sweep"`
	SupportedVersions   []string      `yaml:"supported_versions"`
}

func (c RegistryConfig) ToAgentConfig() agent.Config {
	return agent.Config{
		HeartbeatInterval:   c.HeartbeatInterval,
		TTLThreshold:        c.TTLThreshold,
		RegistrationTimeout: c.RegistrationTimeout,
		MaxRestartAttempts:  c.MaxRestartAttempts,
		EscalationWindow:    c.EscalationWindow,
		HeartbeatSweep:      c.HeartbeatSweep,
	}
}

// SchedulerConfig tunes dispatch batching and feedback loop bounds.
type SchedulerConfig struct {
	ReadyBatchLimit        int           `yaml:"ready_batch_limit"`
	MaxValidationIterations int          `yaml:"max_validation_iterations"`
	TaskInProgressTimeout  time.Duration `yaml:"task_in_progress_timeout"`
}

// TicketConfig tunes the board and phase-gate engine.
type TicketConfig struct {
	ContextSummaryMaxBytes int `yaml:"context_summary_max_bytes"`
}

// ValidationConfig tunes the validation loop.
type ValidationConfig struct {
	SpawnP95Target    time.Duration `yaml:"spawn_p95_target"`
	IterationTimeout  time.Duration `yaml:"iteration_timeout"`
}

// DiagnosticConfig tunes the stuck-workflow monitor.
type DiagnosticConfig struct {
	EvalInterval   time.Duration `yaml:"eval_interval"`
	StuckThreshold time.Duration `yaml:"stuck_threshold"`
	Cooldown       time.Duration `yaml:"cooldown"`
}

// ApprovalConfig tunes the human-approval gate.
type ApprovalConfig struct {
	DefaultDeadline time.Duration `yaml:"default_deadline"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// StoreConfig configures the persistence façade.
type StoreConfig struct {
	DSN             string        `yaml:"dsn"`
	MigrationsDir   string        `yaml:"migrations_dir"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
}

// ArtifactConfig configures markdown artifact validation.
type ArtifactConfig struct {
	MaxBytes      int64    `yaml:"max_bytes"`
	AllowedRoots  []string `yaml:"allowed_roots"`
	ExpectedGlobs []string `yaml:"expected_globs"`
}

// DefaultConfig returns the kernel's default configuration, matching the
// defaults named across the component design.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			SlowConsumerTimeout: 30 * time.Second,
			QueueDepth:          256,
			RetryBaseDelay:      500 * time.Millisecond,
			RetryFactor:         2,
			RetryMaxAttempts:    8,
			NATSStreamName:      "AGENTKERNEL",
			NATSSubjects:        []string{"agentkernel.>"},
		},
		Registry: RegistryConfig{
			HeartbeatInterval:   15 * time.Second,
			TTLThreshold:        30 * time.Second,
			RegistrationTimeout: 60 * time.Second,
			MaxRestartAttempts:  3,
			EscalationWindow:    time.Hour,
			HeartbeatSweep:      5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			ReadyBatchLimit:         20,
			MaxValidationIterations: 10,
			TaskInProgressTimeout:   30 * time.Minute,
		},
		Ticket: TicketConfig{
			ContextSummaryMaxBytes: 4096,
		},
		Validation: ValidationConfig{
			SpawnP95Target:   30 * time.Second,
			IterationTimeout: 30 * time.Minute,
		},
		Diagnostic: DiagnosticConfig{
			EvalInterval:   60 * time.Second,
			StuckThreshold: 60 * time.Second,
			Cooldown:       60 * time.Second,
		},
		Approval: ApprovalConfig{
			DefaultDeadline: 1800 * time.Second,
			SweepInterval:   10 * time.Second,
		},
		Store: StoreConfig{
			MigrationsDir:   "internal/store/migrations",
			ConnMaxLifetime: 30 * time.Minute,
			MaxOpenConns:    10,
		},
		Artifact: ArtifactConfig{
			MaxBytes:      100 * 1024,
			ExpectedGlobs: []string{"**/*.md"},
		},
	}
}

// Validate checks the loaded configuration for internally inconsistent
// values before the kernel wires any component against it.
func (c *Config) Validate() error {
	if c.Bus.RetryMaxAttempts <= 0 {
		return fmt.Errorf("bus.retry_max_attempts must be positive")
	}
	if c.Registry.TTLThreshold <= c.Registry.HeartbeatInterval {
		return fmt.Errorf("registry.ttl_threshold must exceed registry.heartbeat_interval")
	}
	if c.Scheduler.ReadyBatchLimit <= 0 {
		return fmt.Errorf("scheduler.ready_batch_limit must be positive")
	}
	if c.Scheduler.MaxValidationIterations <= 0 {
		return fmt.Errorf("scheduler.max_validation_iterations must be positive")
	}
	if c.Artifact.MaxBytes <= 0 {
		return fmt.Errorf("artifact.max_bytes must be positive")
	}
	return nil
}

// LoadFromFile loads and validates a kernel configuration file, merging
// onto defaults so an operator only needs to specify overrides.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
