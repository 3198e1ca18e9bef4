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

package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ptzhub/encoder-hub/pkg/core"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Sink struct {
	name   string
	url    string
	queue  string
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	logger *slog.Logger
}

func New(name, url, queue string, logger *slog.Logger) *Sink {
	return &Sink{
		name:   name,
		url:    url,
		queue:  queue,
		logger: logger,
	}
}

// FromConfig builds a sink from the flat sink config map (url, queue).
func FromConfig(name string, cfg map[string]string, logger *slog.Logger) (*Sink, error) {
	if cfg["url"] == "" || cfg["queue"] == "" {
		return nil, fmt.Errorf("rabbitmq sink %s: url and queue are required", name)
	}
	return New(name, cfg["url"], cfg["queue"], logger), nil
}

func (s *Sink) Name() string { return s.name }
func (s *Sink) Type() string { return "rabbitmq" }

func (s *Sink) Connect(ctx context.Context) error {
	var err error
	s.conn, err = amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}

	s.pubCh, err = s.conn.Channel()
	if err != nil {
		s.conn.Close()
		return fmt.Errorf("rabbitmq publish channel: %w", err)
	}

	if _, err := s.pubCh.QueueDeclare(s.queue, true, false, false, false, nil); err != nil {
		s.pubCh.Close()
		s.conn.Close()
		return fmt.Errorf("rabbitmq queue declare %s: %w", s.queue, err)
	}

	s.logger.Info("rabbitmq sink connected", "name", s.name, "queue", s.queue)
	return nil
}

func (s *Sink) Disconnect(ctx context.Context) error {
	if s.pubCh != nil {
		s.pubCh.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, evt core.StatusEvent) error {
	if s.pubCh == nil {
		return nil
	}
	msg, err := publishing(evt)
	if err != nil {
		return err
	}
	return s.pubCh.PublishWithContext(ctx, "", s.queue, false, false, msg)
}

func publishing(evt core.StatusEvent) (amqp.Publishing, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         string(evt.Kind),
		Body:         data,
		MessageId:    evt.ID,
		Timestamp:    evt.Timestamp,
	}, nil
}
