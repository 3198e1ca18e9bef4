// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ptzhub/encoder-hub/pkg/core"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Encoder   EncoderConfig   `yaml:"encoder"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Sinks     []SinkConfig    `yaml:"sinks"`
}

type EncoderConfig struct {
	Transport         string        `yaml:"transport"`
	BrokerURL         string        `yaml:"broker_url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	ClientID          string        `yaml:"client_id"`
	SessionPath       string        `yaml:"session_path"`
	Provider          string        `yaml:"provider"`
	StatusURL         string        `yaml:"status_url"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	RefreshSettle     time.Duration `yaml:"refresh_settle"`
	AccountWait       time.Duration `yaml:"account_wait"`
	FallbackTimeout   time.Duration `yaml:"fallback_timeout"`
	FallbackCacheTTL  time.Duration `yaml:"fallback_cache_ttl"`
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type BroadcastConfig struct {
	Store         string        `yaml:"store"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	TTL           time.Duration `yaml:"ttl"`
}

type SinkConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Config map[string]string `yaml:"config"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills every zero value with the built-in default.
func (c *Config) ApplyDefaults() {
	e := &c.Encoder
	if e.Transport == "" {
		e.Transport = "mqtt"
	}
	if e.ClientID == "" {
		e.ClientID = "encoder-hub"
	}
	if e.SessionPath == "" {
		e.SessionPath = "Session/0/Stream/0"
	}
	if e.Provider == "" {
		e.Provider = "YouTube"
	}
	if e.ConnectTimeout <= 0 {
		e.ConnectTimeout = 5 * time.Second
	}
	if e.RequestTimeout <= 0 {
		e.RequestTimeout = 5 * time.Second
	}
	if e.ReconnectInterval <= 0 {
		e.ReconnectInterval = 10 * time.Second
	}
	if e.RefreshSettle <= 0 {
		e.RefreshSettle = 3 * time.Second
	}
	if e.AccountWait <= 0 {
		e.AccountWait = 2 * time.Second
	}
	if e.FallbackTimeout <= 0 {
		e.FallbackTimeout = 3 * time.Second
	}
	if e.FallbackCacheTTL <= 0 {
		e.FallbackCacheTTL = time.Second
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.StatusInterval <= 0 {
		c.HTTP.StatusInterval = 5 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Broadcast.Store == "" {
		c.Broadcast.Store = "memory"
	}
	if c.Broadcast.KeyPrefix == "" {
		c.Broadcast.KeyPrefix = "encoder-hub:broadcasts:"
	}
	if c.Broadcast.TTL <= 0 {
		c.Broadcast.TTL = 24 * time.Hour
	}
}

// ConnectSettings extracts the part of the config a transport reads.
func (e EncoderConfig) ConnectSettings() core.ConnectSettings {
	return core.ConnectSettings{
		BrokerURL:      e.BrokerURL,
		Username:       e.Username,
		Password:       e.Password,
		ClientID:       e.ClientID,
		ConnectTimeout: e.ConnectTimeout,
	}
}
