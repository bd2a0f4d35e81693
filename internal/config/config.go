package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cartridge/inference/internal/model"
)

// EnvPrefix prefixes every environment variable read by the actor.
const EnvPrefix = "ACTOR"

// Config holds all actor configuration
type Config struct {
	// Actor settings
	ActorID   string `mapstructure:"actor_id"`
	NumAgents int    `mapstructure:"num_agents"`
	Seed      int64  `mapstructure:"seed"`

	// Model settings; an empty model path runs the random policy
	ModelPath     string `mapstructure:"model"`
	Device        string `mapstructure:"device"`
	Deterministic bool   `mapstructure:"deterministic"`

	// Episode management
	MaxSteps     int           `mapstructure:"max_steps"`
	MaxEpisodes  int           `mapstructure:"max_episodes"`
	StepInterval time.Duration `mapstructure:"step_interval"`

	// Status surfaces
	StatusAddr string `mapstructure:"status_addr"`
	GRPCAddr   string `mapstructure:"grpc_addr"`

	// Events
	NATSURL     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`

	// Tracing
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		ActorID:      "",
		NumAgents:    4,
		Seed:         1,
		Device:       string(model.DeviceCPU),
		MaxSteps:     -1, // unlimited
		MaxEpisodes:  -1, // unlimited
		StatusAddr:   ":8081",
		GRPCAddr:     ":50061",
		NATSSubject:  "actor",
		OTLPInsecure: true,
		LogLevel:     "info",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NumAgents <= 0 {
		return fmt.Errorf("num_agents must be positive")
	}
	switch model.Device(c.Device) {
	case model.DeviceCPU, model.DeviceGPU:
	default:
		return fmt.Errorf("device must be %q or %q, got %q", model.DeviceCPU, model.DeviceGPU, c.Device)
	}
	if c.MaxSteps == 0 {
		return fmt.Errorf("max_steps must be positive or -1 for unlimited")
	}
	if c.MaxEpisodes == 0 {
		return fmt.Errorf("max_episodes must be positive or -1 for unlimited")
	}
	if c.StepInterval < 0 {
		return fmt.Errorf("step_interval must not be negative")
	}
	if c.NATSURL != "" && c.NATSSubject == "" {
		return fmt.Errorf("nats_subject is required when nats_url is set")
	}
	return nil
}

// Load binds flags and ACTOR_* environment variables through v and decodes them over
// the defaults. Flag names map to keys with dashes replaced by underscores.
func Load(v *viper.Viper, flags *pflag.FlagSet) (*Config, error) {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if cfg.ActorID == "" {
		cfg.ActorID = "actor-" + uuid.NewString()[:8]
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RegisterFlags declares every configuration flag on flags, defaulting to cfg.
func RegisterFlags(flags *pflag.FlagSet, cfg *Config) {
	// Actor settings
	flags.String("actor-id", cfg.ActorID, "Unique actor identifier (generated when empty)")
	flags.Int("num-agents", cfg.NumAgents, "Number of agents stepping in parallel")
	flags.Int64("seed", cfg.Seed, "Seed for environments and sampling")

	// Model settings
	flags.String("model", cfg.ModelPath, "Path to a linear policy file; empty runs the random policy")
	flags.String("device", cfg.Device, "Inference device (cpu, gpu)")
	flags.Bool("deterministic", cfg.Deterministic, "Use the deterministic action outputs of the model")

	// Episode settings
	flags.Int("max-steps", cfg.MaxSteps, "Maximum steps to run (-1 for unlimited)")
	flags.Int("max-episodes", cfg.MaxEpisodes, "Maximum finished episodes (-1 for unlimited)")
	flags.Duration("step-interval", cfg.StepInterval, "Delay between steps")

	// Status surfaces
	flags.String("status-addr", cfg.StatusAddr, "HTTP status listen address (empty disables)")
	flags.String("grpc-addr", cfg.GRPCAddr, "gRPC health listen address (empty disables)")

	// Events
	flags.String("nats-url", cfg.NATSURL, "NATS server URL for step and episode events (empty disables)")
	flags.String("nats-subject", cfg.NATSSubject, "NATS subject prefix")

	// Tracing
	flags.String("otlp-endpoint", cfg.OTLPEndpoint, "OTLP gRPC endpoint for traces (empty disables export)")
	flags.Bool("otlp-insecure", cfg.OTLPInsecure, "Disable TLS for the OTLP exporter")

	// Logging
	flags.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
}
