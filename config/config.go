// Package config describes the host configuration file and how it is read.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/a8m/envsubst"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.viam.com/modhost/backend"
)

// AttributeMap is a convenience alias for a string keyed arbitrary value map.
type AttributeMap map[string]interface{}

// Config is the top-level host configuration.
type Config struct {
	// Modules maps in-process module names to their attribute sections. A
	// module with no section runs with nil attributes.
	Modules map[string]AttributeMap `json:"modules,omitempty"`
	// OOPModules declares the out-of-process modules the host spawns after
	// the in-process lifecycle is up.
	OOPModules []backend.OopModuleConfig `json:"oop_modules,omitempty"`
}

// ModuleAttributes returns the attribute section for one module. The second
// return reports whether the config has a section for it at all.
func (c *Config) ModuleAttributes(name string) (AttributeMap, bool) {
	if c == nil || c.Modules == nil {
		return nil, false
	}
	attrs, ok := c.Modules[name]
	return attrs, ok
}

// HasModule reports whether the config declares a section for an in-process
// module under name.
func (c *Config) HasModule(name string) bool {
	_, ok := c.ModuleAttributes(name)
	return ok
}

// Ensure checks the parts of the config that can be validated before any
// module runs.
func (c *Config) Ensure() error {
	seen := make(map[string]bool, len(c.OOPModules))
	for idx, m := range c.OOPModules {
		if err := m.Validate(fmt.Sprintf("oop_modules.%d", idx)); err != nil {
			return err
		}
		if seen[m.Name] {
			return errors.Errorf("duplicate out-of-process module %q", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// Read reads a config from the given file, substituting environment
// variables of the form ${VAR} before parsing.
func Read(ctx context.Context, filePath string, logger golog.Logger) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return FromReader(ctx, filePath, bytes.NewReader(buf), logger)
}

// FromReader parses and validates a config. originalPath is only used in
// error messages.
func FromReader(ctx context.Context, originalPath string, r io.Reader, logger golog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := json.NewDecoder(r).Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "cannot parse config %q", originalPath)
	}
	if err := cfg.Ensure(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", originalPath)
	}
	return cfg, nil
}
