package main

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/knights-analytics/imgclass/util/fileutil"
)

// Config holds the values of an optional YAML file. Keys match the run command's flag names.
type Config struct {
	values map[string]any
}

func LoadConfig(path string) (*Config, error) {
	data, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	values := make(map[string]any)
	if err = yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &Config{values: values}, nil
}

// GetStringOrDefault returns a string-typed parameter, or defaultValue if it is missing or not a string.
func (c *Config) GetStringOrDefault(key, defaultValue string) string {
	if c == nil {
		return defaultValue
	}
	value, ok := c.values[key].(string)
	if !ok || value == "" {
		return defaultValue
	}
	return value
}

// GetIntOrDefault returns an integer-typed parameter, or defaultValue if it is missing or not an integer.
func (c *Config) GetIntOrDefault(key string, defaultValue int) int {
	if c == nil {
		return defaultValue
	}
	value, ok := c.values[key].(int)
	if !ok {
		return defaultValue
	}
	return value
}
