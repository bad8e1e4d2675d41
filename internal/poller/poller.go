// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

// Package poller reads configured key groups on a fixed interval.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/echoDaveD/ehs-sentinel/internal/config"
	"github.com/echoDaveD/ehs-sentinel/pkg/repository"
)

// Target is the bus the poller reads from
type Target interface {
	WaitReady(ctx context.Context) error
	Read(ctx context.Context, keys []string, confirm bool) error
}

// Group is one set of keys read together
type Group struct {
	Name     string
	Keys     []string
	Interval time.Duration
}

// Groups resolves the enabled schedules of cfg. Keys missing from repo are
// dropped with a warning.
func Groups(cfg config.PollingConfig, repo *repository.Repository, logger *zap.Logger) ([]Group, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var groups []Group
	for _, s := range cfg.FetchInterval {
		if !s.Enable {
			continue
		}
		interval, err := s.Interval()
		if err != nil {
			return nil, err
		}

		var keys []string
		for _, k := range cfg.Groups[s.Name] {
			if _, err := repo.Lookup(k); err != nil {
				logger.Warn("polling key not in repository", zap.String("group", s.Name), zap.String("key", k))
				continue
			}
			keys = append(keys, k)
		}
		if len(keys) == 0 {
			logger.Warn("polling group has no usable keys", zap.String("group", s.Name))
			continue
		}
		groups = append(groups, Group{Name: s.Name, Keys: keys, Interval: interval})
	}
	return groups, nil
}

// Poller reads every group once when the bus is ready and then on its interval
type Poller struct {
	target Target
	groups []Group
	logger *zap.Logger
}

// New creates a poller
func New(target Target, groups []Group, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{target: target, groups: groups, logger: logger.Named("poller")}
}

// Run blocks until ctx ends
func (p *Poller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, g := range p.groups {
		wg.Add(1)
		go func(g Group) {
			defer wg.Done()
			p.runGroup(ctx, g)
		}(g)
	}
	wg.Wait()
	return nil
}

func (p *Poller) runGroup(ctx context.Context, g Group) {
	logger := p.logger.With(zap.String("group", g.Name))
	logger.Info("polling scheduled", zap.Duration("interval", g.Interval), zap.Int("keys", len(g.Keys)))

	ticker := time.NewTicker(g.Interval)
	defer ticker.Stop()

	for {
		if err := p.target.WaitReady(ctx); err != nil {
			return
		}
		start := time.Now()
		if err := p.target.Read(ctx, g.Keys, true); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("poll failed", zap.Error(err))
		} else {
			logger.Debug("poll completed", zap.Duration("took", time.Since(start)))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
