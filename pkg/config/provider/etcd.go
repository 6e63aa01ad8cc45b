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

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdProvider reads an etcd key and follows its watch stream.
type EtcdProvider struct {
	key string
	cfg clientv3.Config

	mu     sync.Mutex
	client *clientv3.Client
}

// NewEtcdProvider creates a provider for cfg.Path. The client connects on
// first use.
func NewEtcdProvider(cfg Config) (*EtcdProvider, error) {
	return &EtcdProvider{
		key: cfg.Path,
		cfg: clientv3.Config{
			Endpoints:   cfg.Endpoints,
			DialTimeout: cfg.DialTimeout,
			Username:    cfg.Username,
			Password:    cfg.Password,
		},
	}, nil
}

func (p *EtcdProvider) Type() Type { return TypeEtcd }

func (p *EtcdProvider) conn() (*clientv3.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := clientv3.New(p.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	p.client = client
	return client, nil
}

func (p *EtcdProvider) Load(ctx context.Context) ([]byte, error) {
	client, err := p.conn()
	if err != nil {
		return nil, err
	}
	resp, err := client.Get(ctx, p.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read etcd key %s: %w", p.key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("etcd key %s not found", p.key)
	}
	return resp.Kvs[0].Value, nil
}

func (p *EtcdProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	client, err := p.conn()
	if err != nil {
		return nil, err
	}
	watch := client.Watch(clientv3.WithRequireLeader(ctx), p.key)

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		for resp := range watch {
			if err := resp.Err(); err != nil {
				slog.Warn("etcd watch error", "key", p.key, "error", err)
				continue
			}
			if len(resp.Events) > 0 {
				slog.Debug("etcd key changed", "key", p.key, "revision", resp.Header.Revision)
				notify(ch)
			}
		}
	}()
	return ch, nil
}

func (p *EtcdProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

var _ Provider = (*EtcdProvider)(nil)
