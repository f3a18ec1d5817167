// Package config provides loading for the accounts/chains bootstrap file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// BootstrapAccount is one provider account described in the bootstrap file.
type BootstrapAccount struct {
	Name       string `yaml:"name"`
	Backend    string `yaml:"backend"`
	Email      string `yaml:"email"`
	ConfigPath string `yaml:"config_path"`
	KeyEnvVar  string `yaml:"key_env_var"`
	Default    bool   `yaml:"default"`
	Plan       string `yaml:"plan"`
}

// BootstrapChainEntry is one step of a seeded fallback chain. Account refers
// to a BootstrapAccount by name; empty means auto-select.
type BootstrapChainEntry struct {
	Backend string `yaml:"backend"`
	Account string `yaml:"account"`
}

// BootstrapChain attaches an ordered entry list to a trigger.
type BootstrapChain struct {
	Trigger string                `yaml:"trigger"`
	Entries []BootstrapChainEntry `yaml:"entries"`
}

// Bootstrap is the parsed seed file.
type Bootstrap struct {
	Accounts []BootstrapAccount `yaml:"accounts"`
	Chains   []BootstrapChain   `yaml:"chains"`
}

// LoadBootstrap reads and validates the seed file at path.
func LoadBootstrap(path string) (*Bootstrap, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadBootstrap: %w", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("op=config.LoadBootstrap: file not found: %s", absPath)
	}

	// #nosec G304 -- the bootstrap path comes from operator configuration
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadBootstrap: %w", err)
	}

	var b Bootstrap
	if err := yaml.Unmarshal(content, &b); err != nil {
		return nil, fmt.Errorf("op=config.LoadBootstrap: parse: %w", err)
	}

	names := map[string]bool{}
	for i, a := range b.Accounts {
		if strings.TrimSpace(a.Name) == "" {
			return nil, fmt.Errorf("op=config.LoadBootstrap: accounts[%d] missing name", i)
		}
		if names[a.Name] {
			return nil, fmt.Errorf("op=config.LoadBootstrap: duplicate account name %q", a.Name)
		}
		names[a.Name] = true
	}
	for _, ch := range b.Chains {
		if strings.TrimSpace(ch.Trigger) == "" {
			return nil, fmt.Errorf("op=config.LoadBootstrap: chain missing trigger")
		}
		for _, e := range ch.Entries {
			if e.Account != "" && !names[e.Account] {
				return nil, fmt.Errorf("op=config.LoadBootstrap: chain %q references unknown account %q", ch.Trigger, e.Account)
			}
		}
	}
	return &b, nil
}
