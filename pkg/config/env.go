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
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadDotEnv reads .env style files into the process environment. A missing
// file is not fatal; callers usually ignore the error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of key, or fallback if it is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of key, or fallback if it is unset or
// not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// ApplyEnv overlays the environment on top of the file configuration.
// Credentials usually live here rather than in the YAML file.
func (c *Config) ApplyEnv() {
	c.Encoder.BrokerURL = GetEnv("ENCODER_BROKER_URL", c.Encoder.BrokerURL)
	c.Encoder.Username = GetEnv("ENCODER_USERNAME", c.Encoder.Username)
	c.Encoder.Password = GetEnv("ENCODER_PASSWORD", c.Encoder.Password)
	c.Encoder.StatusURL = GetEnv("ENCODER_STATUS_URL", c.Encoder.StatusURL)
	c.Encoder.Transport = GetEnv("ENCODER_TRANSPORT", c.Encoder.Transport)
	c.HTTP.Port = GetEnvInt("HTTP_PORT", c.HTTP.Port)
	c.Log.Level = GetEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = GetEnv("LOG_FORMAT", c.Log.Format)
}
