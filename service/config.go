// Package service holds the adapter's session-level configuration.
package service

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Default values for the adapter configuration. Used to initialize
// configuration variables before decoding the config file.
var defaultConfig = Config{
	JdwpHost:    "localhost",
	JdwpPort:    9999,
	ManagerAddr: "localhost:10000",
	LogLevel:    "info",
}

// Config is the collection of adapter settings recognized in the
// configuration file.
type Config struct {
	// Host the target VM's wire debug port listens on.
	// Default is "localhost".
	JdwpHost string `yaml:"jdwp_host"`

	// Port the target VM's wire debug port listens on. Required to be a
	// valid TCP port. Default is 9999.
	JdwpPort int `yaml:"jdwp_port"`

	// Address of the in-VM helper's control socket, used for the debug
	// manager bridge. Default is "localhost:10000".
	ManagerAddr string `yaml:"manager_addr"`

	// Log level: one of "debug", "info", "warn", "error".
	// Default is "info".
	LogLevel string `yaml:"log_level"`

	// If non-empty, log output is appended to this file instead of stderr.
	LogFile string `yaml:"log_file"`

	// Path prefix replacements applied when mapping IDE paths to canonical
	// server paths.
	PathSubstitutions []PathSubstitution `yaml:"path_substitutions"`
}

// PathSubstitution defines a mapping from an IDE path prefix to a server
// path prefix. Both sides must be specified and non-empty.
type PathSubstitution struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// LoadConfig reads the configuration file at path, applying defaults for
// anything not set. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	config := defaultConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.UnmarshalStrict(data, &config); err != nil {
			return nil, fmt.Errorf("could not parse config %s: %s", path, err)
		}
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// JdwpAddr returns the dialable address of the target VM's debug port.
func (c *Config) JdwpAddr() string {
	return fmt.Sprintf("%s:%d", c.JdwpHost, c.JdwpPort)
}

func (c *Config) validate() error {
	if c.JdwpHost == "" {
		return errors.New("'jdwp_host' must not be empty")
	}
	if c.JdwpPort <= 0 || c.JdwpPort > 65535 {
		return fmt.Errorf("'jdwp_port' %d is not a valid port", c.JdwpPort)
	}
	if c.ManagerAddr == "" {
		return errors.New("'manager_addr' must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("'log_level' %q is not one of debug, info, warn, error", c.LogLevel)
	}
	for _, s := range c.PathSubstitutions {
		if s.From == "" || s.To == "" {
			return errors.New("'path_substitutions' entries require both 'from' and 'to'")
		}
	}
	return nil
}
