// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2018 Datadog, Inc.

package config

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents an object that can load and store configuration parameters
// coming from different kind of sources:
// - defaults
// - files
// - environment variables
// - flags
type Config interface {
	Set(key string, value interface{})
	SetDefault(key string, value interface{})

	Get(key string) interface{}
	GetString(key string) string
	GetBool(key string) bool
	GetInt(key string) int
	GetInt64(key string) int64
	GetFloat64(key string) float64
	GetDuration(key string) time.Duration
	GetStringSlice(key string) []string
	IsSet(key string) bool
	AllSettings() map[string]interface{}

	SetConfigName(name string)
	SetConfigFile(file string)
	SetConfigType(configType string)
	AddConfigPath(path string)
	ReadInConfig() error
	ReadConfig(in io.Reader) error
	ConfigFileUsed() string

	SetEnvPrefix(in string)
	BindEnv(input ...string) error
	SetEnvKeyReplacer(r *strings.Replacer)

	BindPFlag(key string, flag *pflag.Flag) error

	BindEnvAndSetDefault(key string, val interface{})
}

// safeConfig implements Config:
// - wraps viper with a safety lock
// - implements the additional helpers
type safeConfig struct {
	*viper.Viper
	sync.RWMutex
	envPrefix string
}

// Set wraps Viper for concurrent access
func (c *safeConfig) Set(key string, value interface{}) {
	c.Lock()
	defer c.Unlock()
	c.Viper.Set(key, value)
}

// SetDefault wraps Viper for concurrent access
func (c *safeConfig) SetDefault(key string, value interface{}) {
	c.Lock()
	defer c.Unlock()
	c.Viper.SetDefault(key, value)
}

// Get wraps Viper for concurrent access
func (c *safeConfig) Get(key string) interface{} {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.Get(key)
}

// GetString wraps Viper for concurrent access
func (c *safeConfig) GetString(key string) string {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetString(key)
}

// GetBool wraps Viper for concurrent access
func (c *safeConfig) GetBool(key string) bool {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetBool(key)
}

// GetInt wraps Viper for concurrent access
func (c *safeConfig) GetInt(key string) int {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetInt(key)
}

// GetInt64 wraps Viper for concurrent access
func (c *safeConfig) GetInt64(key string) int64 {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetInt64(key)
}

// GetFloat64 wraps Viper for concurrent access
func (c *safeConfig) GetFloat64(key string) float64 {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetFloat64(key)
}

// GetDuration wraps Viper for concurrent access
func (c *safeConfig) GetDuration(key string) time.Duration {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetDuration(key)
}

// GetStringSlice wraps Viper for concurrent access
func (c *safeConfig) GetStringSlice(key string) []string {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetStringSlice(key)
}

// IsSet wraps Viper for concurrent access
func (c *safeConfig) IsSet(key string) bool {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.IsSet(key)
}

// AllSettings wraps Viper for concurrent access
func (c *safeConfig) AllSettings() map[string]interface{} {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.AllSettings()
}

// SetConfigName wraps Viper for concurrent access
func (c *safeConfig) SetConfigName(name string) {
	c.Lock()
	defer c.Unlock()
	c.Viper.SetConfigName(name)
}

// SetConfigFile wraps Viper for concurrent access
func (c *safeConfig) SetConfigFile(file string) {
	c.Lock()
	defer c.Unlock()
	c.Viper.SetConfigFile(file)
}

// SetConfigType wraps Viper for concurrent access
func (c *safeConfig) SetConfigType(configType string) {
	c.Lock()
	defer c.Unlock()
	c.Viper.SetConfigType(configType)
}

// AddConfigPath wraps Viper for concurrent access
func (c *safeConfig) AddConfigPath(path string) {
	c.Lock()
	defer c.Unlock()
	c.Viper.AddConfigPath(path)
}

// ReadInConfig wraps Viper for concurrent access
func (c *safeConfig) ReadInConfig() error {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.ReadInConfig()
}

// ReadConfig wraps Viper for concurrent access
func (c *safeConfig) ReadConfig(in io.Reader) error {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.ReadConfig(in)
}

// ConfigFileUsed wraps Viper for concurrent access
func (c *safeConfig) ConfigFileUsed() string {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.ConfigFileUsed()
}

// SetEnvPrefix wraps Viper for concurrent access
func (c *safeConfig) SetEnvPrefix(in string) {
	c.Lock()
	defer c.Unlock()
	c.Viper.SetEnvPrefix(in)
	c.envPrefix = in
}

// BindEnv wraps Viper for concurrent access
func (c *safeConfig) BindEnv(input ...string) error {
	c.Lock()
	defer c.Unlock()
	return c.Viper.BindEnv(input...)
}

// SetEnvKeyReplacer wraps Viper for concurrent access
func (c *safeConfig) SetEnvKeyReplacer(r *strings.Replacer) {
	c.Lock()
	defer c.Unlock()
	c.Viper.SetEnvKeyReplacer(r)
}

// BindPFlag wraps Viper for concurrent access
func (c *safeConfig) BindPFlag(key string, flag *pflag.Flag) error {
	c.Lock()
	defer c.Unlock()
	return c.Viper.BindPFlag(key, flag)
}

// BindEnvAndSetDefault sets the default value for a config parameter and
// adds an env binding in one call, used for most config options
func (c *safeConfig) BindEnvAndSetDefault(key string, val interface{}) {
	c.SetDefault(key, val)
	c.BindEnv(key) //nolint:errcheck
}

// NewConfig returns a new Config object
func NewConfig(name string, envPrefix string, envKeyReplacer *strings.Replacer) Config {
	config := safeConfig{
		Viper: viper.New(),
	}
	config.SetConfigName(name)
	config.SetEnvPrefix(envPrefix)
	config.SetEnvKeyReplacer(envKeyReplacer)
	config.Viper.AutomaticEnv()
	return &config
}
