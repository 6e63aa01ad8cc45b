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

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZookeeperProvider reads a znode and re-arms a data watch after every
// change.
type ZookeeperProvider struct {
	path      string
	endpoints []string
	timeout   time.Duration

	mu   sync.Mutex
	conn *zk.Conn
}

// NewZookeeperProvider creates a provider for the znode cfg.Path. The
// session is opened on first use.
func NewZookeeperProvider(cfg Config) (*ZookeeperProvider, error) {
	if len(cfg.Path) == 0 || cfg.Path[0] != '/' {
		return nil, fmt.Errorf("zookeeper path must be absolute, got %q", cfg.Path)
	}
	return &ZookeeperProvider{path: cfg.Path, endpoints: cfg.Endpoints, timeout: cfg.DialTimeout}, nil
}

func (p *ZookeeperProvider) Type() Type { return TypeZookeeper }

func (p *ZookeeperProvider) session() (*zk.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	conn, _, err := zk.Connect(p.endpoints, p.timeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}
	p.conn = conn
	return conn, nil
}

func (p *ZookeeperProvider) Load(context.Context) ([]byte, error) {
	conn, err := p.session()
	if err != nil {
		return nil, err
	}
	data, _, err := conn.Get(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read zookeeper path %s: %w", p.path, err)
	}
	return data, nil
}

func (p *ZookeeperProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	conn, err := p.session()
	if err != nil {
		return nil, err
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		for {
			_, _, events, err := conn.GetW(p.path)
			if err != nil {
				slog.Warn("Zookeeper watch failed", "path", p.path, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				switch ev.Type {
				case zk.EventNodeDataChanged, zk.EventNodeCreated:
					slog.Debug("Zookeeper node changed", "path", p.path)
					notify(ch)
				case zk.EventNodeDeleted:
					slog.Warn("Zookeeper config node deleted", "path", p.path)
				case zk.EventNotWatching:
					slog.Warn("Zookeeper watch lost", "path", p.path)
				}
			}
		}
	}()
	return ch, nil
}

func (p *ZookeeperProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	return nil
}

var _ Provider = (*ZookeeperProvider)(nil)
