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

package logging

import (
	"context"
	"log/slog"

	"github.com/ptzhub/encoder-hub/pkg/core"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// MessageLogger traces every bus message at debug level. Payloads are not
// logged; some topics carry credentials.
type MessageLogger struct {
	logger *slog.Logger
}

func NewMessageLogger(logger *slog.Logger) *MessageLogger {
	return &MessageLogger{logger: logger}
}

func (m *MessageLogger) Log(msg core.Message, direction, correlationID string) {
	if m == nil || !m.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	m.logger.Debug("bus message",
		"topic", msg.Topic,
		"direction", direction,
		"correlation_id", correlationID,
		"payload_size", len(msg.Payload),
		"timestamp", msg.ReceivedAt,
	)
}
