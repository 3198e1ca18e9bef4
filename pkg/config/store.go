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
	"sync"

	"github.com/ptzhub/encoder-hub/pkg/core"
)

// Store holds the current encoder settings and hands them to the bus
// adapter at connect time.
type Store struct {
	mu  sync.RWMutex
	enc EncoderConfig
}

func NewStore(enc EncoderConfig) *Store {
	return &Store{enc: enc}
}

func (s *Store) ConnectSettings() core.ConnectSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enc.ConnectSettings()
}

func (s *Store) Encoder() EncoderConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enc
}

// StatusURL is the encoder's HTTP status page as currently configured.
func (s *Store) StatusURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enc.StatusURL
}

// Update replaces the settings and reports whether anything a live
// connection depends on changed.
func (s *Store) Update(enc EncoderConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.enc.ConnectSettings() != enc.ConnectSettings()
	s.enc = enc
	return changed
}
