// Package config handles configuration for the local service emulator.
//
// Configuration is loaded from multiple sources with proper precedence:
//   - YAML configuration files
//   - Environment variables (LWS_ prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override
// earlier ones):
//  1. Default values (set via SetDefaults)
//  2. Configuration files (./lws.yaml, ./configs/lws.yaml, ~/.lws/lws.yaml)
//  3. .env files
//  4. Environment variables with the LWS_ prefix
//
// # Environment Variables
//
// Use underscores for nested keys:
//   - LWS_SERVER_PORT=4566
//   - LWS_LOGGING_LEVEL=debug
//   - LWS_IAM_MODE=enforce
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"lws.localdev.org/chaos"
	"lws.localdev.org/gateway"
	"lws.localdev.org/iam"
)

// ServerConfig contains the baseline HTTP settings. Each service binds
// its own port at a fixed offset from Port.
type ServerConfig struct {
	// Host is the bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the baseline port; services listen on port+offset
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`

	// BufferSize is the access log ring buffer capacity
	BufferSize int `mapstructure:"buffer_size"`
}

// IAMConfig controls the policy evaluator.
type IAMConfig struct {
	// Mode is one of disabled, audit, enforce
	Mode string `mapstructure:"mode"`

	// Identities are installed into the evaluator at startup
	Identities []iam.Identity `mapstructure:"identities"`
}

// WorkflowConfig tunes the state machine interpreter.
type WorkflowConfig struct {
	// MaxWaitSeconds clamps Wait states so test runs stay fast
	MaxWaitSeconds int `mapstructure:"max_wait_seconds"`
}

// FabricConfig tunes event propagation.
type FabricConfig struct {
	// BatchWindow is how long the stream dispatcher collects records
	// before invoking handlers
	BatchWindow time.Duration `mapstructure:"batch_window"`
}

// TableSpec declares a KV table to create at startup.
type TableSpec struct {
	Name         string `mapstructure:"name"`
	PartitionKey string `mapstructure:"partition_key"`
	SortKey      string `mapstructure:"sort_key"`
	StreamView   string `mapstructure:"stream_view"`
}

// QueueSpec declares a queue to create at startup.
type QueueSpec struct {
	Name              string `mapstructure:"name"`
	VisibilityTimeout int    `mapstructure:"visibility_timeout"`
	FIFO              bool   `mapstructure:"fifo"`
	ContentBasedDedup bool   `mapstructure:"content_based_dedup"`
	DLQ               string `mapstructure:"dlq"`
	MaxReceiveCount   int    `mapstructure:"max_receive_count"`
}

// FunctionSpec binds a function name to a registered builtin handler.
type FunctionSpec struct {
	Name    string `mapstructure:"name"`
	Builtin string `mapstructure:"builtin"`
}

// MachineSpec declares a state machine from a definition file or an
// inline definition.
type MachineSpec struct {
	Name       string `mapstructure:"name"`
	Type       string `mapstructure:"type"`
	Definition string `mapstructure:"definition"`
	File       string `mapstructure:"file"`
}

// MappingSpec wires an event source to a function at startup.
type MappingSpec struct {
	Queue     string `mapstructure:"queue"`
	Table     string `mapstructure:"table"`
	Function  string `mapstructure:"function"`
	BatchSize int    `mapstructure:"batch_size"`
}

// SubscriptionSpec declares a topic subscription.
type SubscriptionSpec struct {
	Topic        string `mapstructure:"topic"`
	Protocol     string `mapstructure:"protocol"`
	Endpoint     string `mapstructure:"endpoint"`
	FilterPolicy string `mapstructure:"filter_policy"`
}

// NotificationSpec routes object store events to a target.
type NotificationSpec struct {
	Bucket    string `mapstructure:"bucket"`
	EventType string `mapstructure:"event_type"`
	Target    string `mapstructure:"target"`
}

// ParameterSpec seeds the parameter store.
type ParameterSpec struct {
	Name  string `mapstructure:"name"`
	Value string `mapstructure:"value"`
	Type  string `mapstructure:"type"`
}

// SecretSpec seeds the secret store.
type SecretSpec struct {
	Name  string `mapstructure:"name"`
	Value string `mapstructure:"value"`
}

// Bootstrap declares resources created before providers accept
// traffic, so a fresh process comes up with a known topology.
type Bootstrap struct {
	Tables        []TableSpec        `mapstructure:"tables"`
	Queues        []QueueSpec        `mapstructure:"queues"`
	Buckets       []string           `mapstructure:"buckets"`
	Topics        []string           `mapstructure:"topics"`
	Buses         []string           `mapstructure:"buses"`
	Functions     []FunctionSpec     `mapstructure:"functions"`
	StateMachines []MachineSpec      `mapstructure:"state_machines"`
	Routes        []gateway.Route    `mapstructure:"routes"`
	Mappings      []MappingSpec      `mapstructure:"mappings"`
	Subscriptions []SubscriptionSpec `mapstructure:"subscriptions"`
	Notifications []NotificationSpec `mapstructure:"notifications"`
	Parameters    []ParameterSpec    `mapstructure:"parameters"`
	Secrets       []SecretSpec       `mapstructure:"secrets"`
}

// Config is the full emulator configuration.
type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	DataDir   string                  `mapstructure:"data_dir"`
	Logging   LoggingConfig           `mapstructure:"logging"`
	IAM       IAMConfig               `mapstructure:"iam"`
	Workflow  WorkflowConfig          `mapstructure:"workflow"`
	Fabric    FabricConfig            `mapstructure:"fabric"`
	Chaos     map[string]chaos.Config `mapstructure:"chaos"`
	Bootstrap Bootstrap               `mapstructure:"bootstrap"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given
// environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults sets default configuration values.
// This should be called before Load().
func (l *Loader) SetDefaults(defaults map[string]interface{}) {
	for key, value := range defaults {
		l.v.SetDefault(key, value)
	}
}

// SetConfigDefaults sets the standard emulator defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 4566)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "10s")

	l.v.SetDefault("data_dir", "./data")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
	l.v.SetDefault("logging.buffer_size", 1024)

	l.v.SetDefault("iam.mode", "disabled")
	l.v.SetDefault("workflow.max_wait_seconds", 5)
	l.v.SetDefault("fabric.batch_window", "200ms")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for lws.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (with prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("lws")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.lws")
	}

	if err := l.v.ReadInConfig(); err != nil {
		// Only fail on non-NotFound errors for explicit file paths
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// For auto-discovery, only fail on non-NotFound errors
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig loads the emulator configuration with standard defaults.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("LWS")
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535-13 {
		return fmt.Errorf("invalid baseline port: %d", cfg.Server.Port)
	}
	switch iam.Mode(cfg.IAM.Mode) {
	case iam.ModeDisabled, iam.ModeAudit, iam.ModeEnforce, "":
	default:
		return fmt.Errorf("invalid iam mode: %q", cfg.IAM.Mode)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	for _, t := range cfg.Bootstrap.Tables {
		if t.Name == "" || t.PartitionKey == "" {
			return fmt.Errorf("bootstrap table needs name and partition_key")
		}
	}
	for _, m := range cfg.Bootstrap.StateMachines {
		if m.Definition == "" && m.File == "" {
			return fmt.Errorf("bootstrap state machine %q needs definition or file", m.Name)
		}
	}
	return nil
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
