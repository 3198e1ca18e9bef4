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

package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ptzhub/encoder-hub/pkg/core"
	"github.com/segmentio/kafka-go"
)

// Sink writes status events to a Kafka topic, keyed by event kind so one
// kind stays ordered within a partition.
type Sink struct {
	name    string
	brokers []string
	topic   string
	writer  *kafka.Writer
	logger  *slog.Logger
}

func New(name string, brokers []string, topic string, logger *slog.Logger) *Sink {
	return &Sink{
		name:    name,
		brokers: brokers,
		topic:   topic,
		logger:  logger,
	}
}

// FromConfig builds a sink from the flat sink config map (brokers, topic).
func FromConfig(name string, cfg map[string]string, logger *slog.Logger) (*Sink, error) {
	brokers := splitList(cfg["brokers"])
	if len(brokers) == 0 || cfg["topic"] == "" {
		return nil, fmt.Errorf("kafka sink %s: brokers and topic are required", name)
	}
	return New(name, brokers, cfg["topic"], logger), nil
}

func (s *Sink) Name() string { return s.name }
func (s *Sink) Type() string { return "kafka" }

func (s *Sink) Connect(ctx context.Context) error {
	s.writer = &kafka.Writer{
		Addr:     kafka.TCP(s.brokers...),
		Topic:    s.topic,
		Balancer: &kafka.Hash{},
	}
	s.logger.Info("kafka sink connected",
		"name", s.name,
		"brokers", strings.Join(s.brokers, ","),
		"topic", s.topic,
	)
	return nil
}

func (s *Sink) Disconnect(ctx context.Context) error {
	if s.writer != nil {
		return s.writer.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, evt core.StatusEvent) error {
	if s.writer == nil {
		return nil
	}
	msg, err := message(evt)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, msg)
}

func message(evt core.StatusEvent) (kafka.Message, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(evt.Kind),
		Value: data,
		Time:  evt.Timestamp,
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
