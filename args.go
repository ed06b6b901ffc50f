package proxyvisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Mode selects how an instance's argument list is constructed.
type Mode string

const (
	ModeSimple  Mode = "simple"
	ModeCmdline Mode = "cmdline"
	ModeConfig  Mode = "config"
)

const (
	defaultInstance = "default"
	defaultBind     = "127.0.0.1:1077"
	defaultEndpoint = "162.159.198.2"
)

var (
	ErrNoConfigSelected = errors.New("no configuration file selected")
	ErrConfigNotFound   = errors.New("configuration file does not exist")
	ErrEmptyCmdline     = errors.New("command line is empty")
	ErrUnknownMode      = errors.New("unknown argument mode")
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeName maps a user-chosen name onto [a-zA-Z0-9_-]. Blank names
// become "default".
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultInstance
	}
	return unsafeNameChars.ReplaceAllString(name, "_")
}

// ArgSpec describes the argument list for one start request.
type ArgSpec struct {
	Mode     Mode   `yaml:"mode" json:"mode"`
	Bind     string `yaml:"bind,omitempty" json:"bind,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Proxy    string `yaml:"proxy,omitempty" json:"proxy,omitempty"`
	Cmdline  string `yaml:"cmdline,omitempty" json:"cmdline,omitempty"`
	Config   string `yaml:"config,omitempty" json:"config,omitempty"`
}

// Build returns the argv for the spec. Config-mode files are resolved in
// configDir as <name>.json.
func (a ArgSpec) Build(configDir string) ([]string, error) {
	switch a.Mode {
	case ModeSimple, "":
		bind := strings.TrimSpace(a.Bind)
		if bind == "" {
			bind = defaultBind
		}
		endpoint := strings.TrimSpace(a.Endpoint)
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		args := []string{"--masque", "--noize-preset", "light", "--bind", bind, "-e", endpoint}
		if proxy := strings.TrimSpace(a.Proxy); proxy != "" {
			args = append(args, "--proxy", proxy)
		}
		return args, nil
	case ModeCmdline:
		args := strings.Fields(a.Cmdline)
		if len(args) == 0 {
			return nil, ErrEmptyCmdline
		}
		return args, nil
	case ModeConfig:
		path, err := a.ConfigPath(configDir)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
		return []string{"--config", path}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, a.Mode)
	}
}

// ConfigPath returns the config file path for a config-mode spec.
func (a ArgSpec) ConfigPath(configDir string) (string, error) {
	name := strings.TrimSpace(a.Config)
	if name == "" {
		return "", ErrNoConfigSelected
	}
	abs, err := filepath.Abs(filepath.Join(configDir, SanitizeName(name)+".json"))
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	return abs, nil
}
