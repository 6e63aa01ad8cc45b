// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures event fan-out to NATS.
type NATSConfig struct {
	URL           string        `yaml:"url,omitempty"`
	SubjectPrefix string        `yaml:"subject_prefix,omitempty"`
	ClientName    string        `yaml:"client_name,omitempty"`
	Token         string        `yaml:"token,omitempty"`
	ReconnectWait time.Duration `yaml:"reconnect_wait,omitempty"`
	MaxReconnects int           `yaml:"max_reconnects,omitempty"`
}

// SetDefaults fills unset fields.
func (c *NATSConfig) SetDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "conduit.events"
	}
	if c.ClientName == "" {
		c.ClientName = "conduit"
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
}

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every event as JSON on <prefix>.<request id>.
type NATSSink struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
}

// NewNATSSink connects to NATS.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	cfg.SetDefaults()

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	slog.Info("Event fan-out connected", "url", cfg.URL, "subject_prefix", cfg.SubjectPrefix)
	return &NATSSink{pub: conn, conn: conn, prefix: cfg.SubjectPrefix}, nil
}

// NewPublisherSink wraps an existing publisher.
func NewPublisherSink(pub Publisher, prefix string) *NATSSink {
	return &NATSSink{pub: pub, prefix: prefix}
}

// Subject returns the subject events of requestID are published on.
func (s *NATSSink) Subject(requestID string) string {
	return s.prefix + "." + requestID
}

func (s *NATSSink) Publish(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.pub.Publish(s.Subject(e.RequestID), data)
}

// Close drains the connection when the sink owns it.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
