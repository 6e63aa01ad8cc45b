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

package resilience

import (
	"context"
	"log/slog"
	"time"
)

// HealthFunc is a cheap liveness probe for one dependency.
type HealthFunc func(ctx context.Context) bool

// Prober periodically probes dependencies whose circuit is open, so a
// recovered backend is readmitted without waiting for live traffic.
type Prober struct {
	breakers *Breakers
	checks   func() map[string]HealthFunc
	interval time.Duration
	timeout  time.Duration
}

// NewProber creates a prober. checks is called on every cycle so newly
// registered sources are picked up.
func NewProber(breakers *Breakers, checks func() map[string]HealthFunc, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Prober{breakers: breakers, checks: checks, interval: interval, timeout: 2 * time.Second}
}

// Run probes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce probes every open circuit whose cooldown has elapsed and
// returns how many were closed.
func (p *Prober) ProbeOnce(ctx context.Context) int {
	closed := 0
	checks := p.checks()

	for name, state := range p.breakers.States() {
		if state == StateClosed {
			continue
		}
		check, ok := checks[name]
		if !ok {
			continue
		}

		b := p.breakers.Get(name)
		if err := b.Allow(); err != nil {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		healthy := check(probeCtx)
		cancel()

		if healthy {
			b.OnSuccess()
			closed++
			slog.Info("Health probe closed circuit", "dependency", name)
		} else {
			b.OnFailure()
			slog.Debug("Health probe failed", "dependency", name)
		}
	}
	return closed
}
