package proxyvisor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen     = "127.0.0.1:9999"
	defaultWorkDir    = "./data"
	defaultLogDir     = "./log/proxyvisor"
	defaultPIDFile    = "/tmp/proxyvisor.pid"
	defaultStatusName = "proxyvisor.status"
	defaultTopicRoot  = "proxyvisor"
	defaultTailSize   = 2000
)

// Duration is a time.Duration written as a string ("100ms", "2h") in YAML
// and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("duration must be a string: %w", err)
		}
		*d = Duration(n)
		return nil
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// LoggingConfig controls the supervisor's own log output.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	// File is the rotating supervisor log; empty means stdout only.
	File string `yaml:"file" json:"file"`
}

// MQTTConfig enables the MQTT log and status sink when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker" json:"broker"`
	ClientID    string `yaml:"clientId" json:"clientId"`
	TopicPrefix string `yaml:"topicPrefix" json:"topicPrefix"`
	QoS         int    `yaml:"qos" json:"qos"`
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"password"`
}

// InstanceConfig is an instance started when the daemon comes up.
type InstanceConfig struct {
	Name    string `yaml:"name" json:"name"`
	ArgSpec `yaml:",inline"`
}

type Config struct {
	Executable string   `yaml:"executable" json:"executable"`
	WorkDir    string   `yaml:"workDir" json:"workDir"`
	ConfigDir  string   `yaml:"configDir" json:"configDir"`
	EnvFiles   []string `yaml:"envFiles" json:"envFiles"`
	Env        []string `yaml:"env" json:"env"`

	GraceTimeout     Duration `yaml:"graceTimeout" json:"graceTimeout"`
	TerminateTimeout Duration `yaml:"terminateTimeout" json:"terminateTimeout"`
	WakeLease        Duration `yaml:"wakeLease" json:"wakeLease"`
	// Inhibitor is the systemd-inhibit binary; "none" disables wake leases.
	Inhibitor string `yaml:"inhibitor" json:"inhibitor"`

	Listen       string `yaml:"listen" json:"listen"`
	LogDir       string `yaml:"logDir" json:"logDir"`
	PIDFile      string `yaml:"pidFile" json:"pidFile"`
	StatusFile   string `yaml:"statusFile" json:"statusFile"`
	TailSize     int    `yaml:"tailSize" json:"tailSize"`
	WatchConfigs bool   `yaml:"watchConfigs" json:"watchConfigs"`
	ExitWhenIdle bool   `yaml:"exitWhenIdle" json:"exitWhenIdle"`

	Logging   LoggingConfig    `yaml:"logging" json:"logging"`
	MQTT      MQTTConfig       `yaml:"mqtt" json:"mqtt"`
	Instances []InstanceConfig `yaml:"instances" json:"instances"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	return &Config{
		WorkDir:          defaultWorkDir,
		GraceTimeout:     Duration(defaultGraceTimeout),
		TerminateTimeout: Duration(defaultTerminateTimeout),
		WakeLease:        Duration(defaultLeaseTTL),
		Inhibitor:        defaultInhibitor,
		Listen:           defaultListen,
		LogDir:           defaultLogDir,
		PIDFile:          defaultPIDFile,
		TailSize:         defaultTailSize,
		WatchConfigs:     true,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		MQTT: MQTTConfig{
			ClientID:    "proxyvisor",
			TopicPrefix: defaultTopicRoot,
		},
	}
}

// LoadConfig reads a YAML or JSON config, applies PROXYVISOR_* environment
// overrides and validates the result. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")) // Remove UTF-8 BOM if present
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case ".json":
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		default:
			return nil, fmt.Errorf("failed to load config from %s: unsupported format", path)
		}
	}
	applyEnvOverrides(cfg)
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROXYVISOR_EXECUTABLE"); v != "" {
		cfg.Executable = v
	}
	if v := os.Getenv("PROXYVISOR_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("PROXYVISOR_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("PROXYVISOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PROXYVISOR_WATCH_CONFIGS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.WatchConfigs = b
		}
	}
	if v := os.Getenv("PROXYVISOR_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
}

// fillDerived resolves paths that default relative to WorkDir.
func (c *Config) fillDerived() {
	if c.ConfigDir == "" {
		c.ConfigDir = filepath.Join(c.WorkDir, "configs")
	}
	if c.StatusFile == "" {
		c.StatusFile = filepath.Join(c.WorkDir, defaultStatusName)
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = defaultTopicRoot
	}
	if c.Logging.File == "" && c.LogDir != "" {
		c.Logging.File = filepath.Join(c.LogDir, "supervisor.log")
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.GraceTimeout <= 0 {
		errs = append(errs, errors.New("graceTimeout must be positive"))
	}
	if c.TerminateTimeout <= 0 {
		errs = append(errs, errors.New("terminateTimeout must be positive"))
	}
	if c.WakeLease < Duration(time.Minute) {
		errs = append(errs, errors.New("wakeLease must be at least 1m"))
	}
	if c.TailSize < 0 {
		errs = append(errs, errors.New("tailSize must not be negative"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	seen := make(map[string]bool)
	for i, inst := range c.Instances {
		name := SanitizeName(inst.Name)
		if seen[name] {
			errs = append(errs, fmt.Errorf("instances[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
		switch inst.Mode {
		case "", ModeSimple, ModeCmdline, ModeConfig:
		default:
			errs = append(errs, fmt.Errorf("instances[%d]: %w: %q", i, ErrUnknownMode, inst.Mode))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SupervisorOptions maps the config onto Supervisor options.
func (c *Config) SupervisorOptions() Options {
	return Options{
		Executable:       c.Executable,
		WorkDir:          c.WorkDir,
		ConfigDir:        c.ConfigDir,
		EnvFiles:         c.EnvFiles,
		Env:              c.Env,
		GraceTimeout:     c.GraceTimeout.Std(),
		TerminateTimeout: c.TerminateTimeout.Std(),
	}
}
