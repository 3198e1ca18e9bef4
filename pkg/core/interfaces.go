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

package core

import (
	"context"
	"time"
)

// ConnectSettings carries what a transport needs to open a bus session.
// It is read at connect time; changing it requires a reconnect.
type ConnectSettings struct {
	BrokerURL      string
	Username       string
	Password       string
	ClientID       string
	ConnectTimeout time.Duration
}

type SettingsProvider interface {
	ConnectSettings() ConnectSettings
}

type TransportHandlers struct {
	OnMessage        func(Message)
	OnConnectionLost func(error)
}

// Transport is one publish/subscribe session to the encoder's broker.
type Transport interface {
	Name() string
	Type() string
	Connect(ctx context.Context, settings ConnectSettings, handlers TransportHandlers) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MessageProcessor consumes demultiplexed inbound messages.
type MessageProcessor interface {
	Process(msg Message)
}

type MessageProcessorFunc func(msg Message)

func (f MessageProcessorFunc) Process(msg Message) { f(msg) }

// Sink receives status events for downstream systems.
type Sink interface {
	Name() string
	Type() string
	Connect(ctx context.Context) error
	Send(ctx context.Context, evt StatusEvent) error
	Disconnect(ctx context.Context) error
}

type ConnectionState struct {
	Connected       bool      `json:"connected"`
	Connecting      bool      `json:"connecting"`
	Endpoint        string    `json:"endpoint"`
	LastError       string    `json:"lastError,omitempty"`
	LastConnectedAt time.Time `json:"lastConnectedAt,omitempty"`
	Reconnects      int       `json:"reconnects"`
}
