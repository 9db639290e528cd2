package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Load decodes a YAML document from r into a Config, resolving each
// human-readable enum name (criticality, failure_action,
// max_response_level) into its typed constant. Fields absent from the
// document are left at their zero value; call WithDefaults on the result
// to fill them in.
func Load(r io.Reader) (Config, error) {
	var raw Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	for addr, m := range raw.ModuleOverrides {
		resolved, err := resolveModuleSafetyConfig(m)
		if err != nil {
			return Config{}, fmt.Errorf("config: module 0x%02X: %w", addr, err)
		}
		raw.ModuleOverrides[addr] = resolved
	}
	return raw, nil
}

// resolveModuleSafetyConfig fills in the typed enum fields a
// ModuleSafetyConfig's YAML-facing name fields decoded into.
func resolveModuleSafetyConfig(m ModuleSafetyConfig) (ModuleSafetyConfig, error) {
	criticality, err := ParseCriticality(m.CriticalityName)
	if err != nil {
		return m, err
	}
	action, err := ParseFailureAction(m.FailureActionName)
	if err != nil {
		return m, err
	}
	maxLevel, err := ParseResponseLevel(m.MaxResponseLevelName)
	if err != nil {
		return m, err
	}
	m.Criticality, m.FailureAction, m.MaxResponseLevel = criticality, action, maxLevel
	return m, nil
}
