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

// Package provider reads raw configuration from a file or a key/value
// store and signals when it changes.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Type identifies the config source type.
type Type string

const (
	TypeFile      Type = "file"
	TypeConsul    Type = "consul"
	TypeEtcd      Type = "etcd"
	TypeZookeeper Type = "zookeeper"
)

// ParseType converts a string to a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file", "":
		return TypeFile, nil
	case "consul":
		return TypeConsul, nil
	case "etcd":
		return TypeEtcd, nil
	case "zookeeper", "zk":
		return TypeZookeeper, nil
	default:
		return "", fmt.Errorf("unknown provider type %q (valid: file, consul, etcd, zookeeper)", s)
	}
}

// Provider abstracts config sources. Implementations are safe for
// concurrent use.
type Provider interface {
	Type() Type

	// Load reads the raw config bytes.
	Load(ctx context.Context) ([]byte, error)

	// Watch signals on the returned channel whenever the config changes.
	// The channel closes when ctx is done.
	Watch(ctx context.Context) (<-chan struct{}, error)

	Close() error
}

// Config configures provider creation.
type Config struct {
	Type Type

	// Path is a file path or a key.
	Path string

	// Endpoints of the key/value store.
	Endpoints []string

	Token    string
	Username string
	Password string

	DialTimeout time.Duration
}

// DefaultEndpoint is used when a remote provider has no endpoints.
func DefaultEndpoint(t Type) string {
	switch t {
	case TypeConsul:
		return "localhost:8500"
	case TypeEtcd:
		return "localhost:2379"
	case TypeZookeeper:
		return "localhost:2181"
	default:
		return ""
	}
}

// New creates the provider cfg describes. Remote providers connect lazily
// where their client allows it.
func New(cfg Config) (Provider, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.Type == "" {
		cfg.Type = TypeFile
	}
	if cfg.Type != TypeFile && len(cfg.Endpoints) == 0 {
		cfg.Endpoints = []string{DefaultEndpoint(cfg.Type)}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	switch cfg.Type {
	case TypeFile:
		return NewFileProvider(cfg.Path)
	case TypeConsul:
		return NewConsulProvider(cfg)
	case TypeEtcd:
		return NewEtcdProvider(cfg)
	case TypeZookeeper:
		return NewZookeeperProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
}

// notify performs a non-blocking send; a pending signal already covers the
// change.
func notify(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
