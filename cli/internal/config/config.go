// Package config stores relayctl profiles in $HOME/.relayctl/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const DefaultServer = "http://localhost:8080"

type Config struct {
	CurrentProfile string              `yaml:"current_profile"`
	Profiles       map[string]*Profile `yaml:"profiles"`
	Defaults       *Defaults           `yaml:"defaults"`
	path           string
}

// Profile points relayctl at one relay deployment.
type Profile struct {
	Server string `yaml:"server"`
}

type Defaults struct {
	Server string `yaml:"server"`
	Output string `yaml:"output"`
}

func Default() *Config {
	return &Config{
		CurrentProfile: "default",
		Profiles:       make(map[string]*Profile),
		Defaults: &Defaults{
			Server: DefaultServer,
			Output: "table",
		},
	}
}

func defaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".relayctl", "config.yaml"), nil
}

// Load reads cfgFile, or the default location when empty. A missing file
// yields the defaults.
func Load(cfgFile string) (*Config, error) {
	if cfgFile == "" {
		p, err := defaultPath()
		if err != nil {
			return nil, err
		}
		cfgFile = p
	}

	cfg := Default()
	cfg.path = cfgFile

	data, err := os.ReadFile(cfgFile)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", cfgFile, err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]*Profile)
	}
	if cfg.Defaults == nil {
		cfg.Defaults = Default().Defaults
	}
	return cfg, nil
}

func (c *Config) Save() error {
	if c.path == "" {
		p, err := defaultPath()
		if err != nil {
			return err
		}
		c.path = p
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0600)
}

func (c *Config) SaveProfile(name, server string) error {
	if c.Profiles == nil {
		c.Profiles = make(map[string]*Profile)
	}
	c.Profiles[name] = &Profile{Server: server}
	c.CurrentProfile = name
	return c.Save()
}

func (c *Config) GetProfile(name string) (*Profile, error) {
	if name == "" {
		name = c.CurrentProfile
	}
	profile, ok := c.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile '%s' not found", name)
	}
	return profile, nil
}

// ServerURL resolves the relay base URL: an explicit override, then the
// named profile, then the defaults.
func (c *Config) ServerURL(override, profile string) string {
	if override != "" {
		return override
	}
	if p, err := c.GetProfile(profile); err == nil && p.Server != "" {
		return p.Server
	}
	if c.Defaults != nil && c.Defaults.Server != "" {
		return c.Defaults.Server
	}
	return DefaultServer
}

// OutputFormat returns override or the configured default format.
func (c *Config) OutputFormat(override string) string {
	if override != "" {
		return override
	}
	if c.Defaults != nil && c.Defaults.Output != "" {
		return c.Defaults.Output
	}
	return "table"
}
