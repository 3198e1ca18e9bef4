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

package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Azure/go-amqp"
	"github.com/ptzhub/encoder-hub/pkg/core"
)

// Sink sends status events to an AMQP 1.0 address (ActiveMQ Artemis,
// Azure Service Bus and similar brokers).
type Sink struct {
	name    string
	url     string
	address string
	conn    *amqp.Conn
	session *amqp.Session
	sender  *amqp.Sender
	logger  *slog.Logger
}

func New(name, url, address string, logger *slog.Logger) *Sink {
	return &Sink{
		name:    name,
		url:     url,
		address: address,
		logger:  logger,
	}
}

// FromConfig builds a sink from the flat sink config map (url, address).
func FromConfig(name string, cfg map[string]string, logger *slog.Logger) (*Sink, error) {
	if cfg["url"] == "" || cfg["address"] == "" {
		return nil, fmt.Errorf("amqp sink %s: url and address are required", name)
	}
	return New(name, cfg["url"], cfg["address"], logger), nil
}

func (s *Sink) Name() string { return s.name }
func (s *Sink) Type() string { return "amqp" }

func (s *Sink) Connect(ctx context.Context) error {
	var err error
	s.conn, err = amqp.Dial(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	s.session, err = s.conn.NewSession(ctx, nil)
	if err != nil {
		s.conn.Close()
		return fmt.Errorf("amqp session: %w", err)
	}
	s.sender, err = s.session.NewSender(ctx, s.address, nil)
	if err != nil {
		s.session.Close(ctx)
		s.conn.Close()
		return fmt.Errorf("amqp sender: %w", err)
	}

	s.logger.Info("amqp sink connected", "name", s.name, "address", s.address)
	return nil
}

func (s *Sink) Disconnect(ctx context.Context) error {
	if s.sender != nil {
		s.sender.Close(ctx)
	}
	if s.session != nil {
		s.session.Close(ctx)
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, evt core.StatusEvent) error {
	if s.sender == nil {
		return nil
	}
	msg, err := message(evt)
	if err != nil {
		return err
	}
	return s.sender.Send(ctx, msg, nil)
}

func message(evt core.StatusEvent) (*amqp.Message, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	contentType := "application/json"
	subject := string(evt.Kind)
	return &amqp.Message{
		Data: [][]byte{data},
		Properties: &amqp.MessageProperties{
			MessageID:   evt.ID,
			ContentType: &contentType,
			Subject:     &subject,
		},
	}, nil
}
