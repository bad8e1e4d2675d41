// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 ehs-sentinel contributors

package cmd

import (
	"context"
	"net/http"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/echoDaveD/ehs-sentinel/internal/api"
	"github.com/echoDaveD/ehs-sentinel/internal/exporter"
	"github.com/echoDaveD/ehs-sentinel/internal/poller"
	"github.com/echoDaveD/ehs-sentinel/internal/publish"
	"github.com/echoDaveD/ehs-sentinel/internal/statestore"
	"github.com/echoDaveD/ehs-sentinel/internal/transport"
	"github.com/echoDaveD/ehs-sentinel/pkg/metrics"
	"github.com/echoDaveD/ehs-sentinel/pkg/session"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring and control service",
	Long: `Connect to the bus and keep the connection up, reconnecting with backoff.

Every decoded and derived value is fanned out to the enabled outputs:
  mqtt.broker     publish <prefix>/<KEY>, accept <prefix>/<KEY>/set and <prefix>/read
  metrics.listen  Prometheus /metrics
  api.listen      HTTP API (/api/values, /api/read, /api/write, /api/addresses)
  redis.address   persist counters and restore them at start

Enabled polling groups are read once the indoor and outdoor units have been
seen and then on their schedule.`,
	RunE: runService,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// fanout delivers every update to each registered handler in order
type fanout struct {
	mu       sync.RWMutex
	handlers []session.Handler
}

func (f *fanout) add(h session.Handler) {
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
}

func (f *fanout) handle(u metrics.Update) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, h := range f.handlers {
		h(u)
	}
}

func runService(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	engine, err := loadEngine()
	if err != nil {
		return err
	}
	e, err := endpoint()
	if err != nil {
		return err
	}

	out := &fanout{}
	sc := sessionConfig(engine, out.handle)
	client := session.NewClient(transport.Dialer(e), sc)

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error(name+" stopped", zap.Error(err))
				cancel()
			}
		}()
	}

	if cfg.Redis.Address != "" {
		store, rdb, err := statestore.Open(ctx, statestore.Options{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			return err
		}
		defer rdb.Close()
		n, err := store.Restore(ctx, sc.Pipeline)
		if err != nil {
			logger.Warn("counter restore failed", zap.Error(err))
		} else {
			logger.Info("counters restored", zap.Int("keys", n))
		}
		out.add(store.Handle)
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Listen != "" || cfg.API.Listen != "" {
		exp := exporter.New(sc.Stats, logger)
		out.add(exp.Handle)
		metricsHandler = exp.Handler()
		if cfg.Metrics.Listen != "" {
			spawn("metrics", func(ctx context.Context) error {
				return exp.Serve(ctx, cfg.Metrics.Listen)
			})
		}
	}

	if cfg.MQTT.Broker != "" {
		pub := publish.New(publish.Options{
			Broker:      cfg.MQTT.Broker,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			QoS:         cfg.MQTT.QoS,
			Retain:      cfg.MQTT.Retain,
		}, client, logger)
		if err := pub.Start(ctx); err != nil {
			return err
		}
		defer pub.Stop()
		out.add(pub.Handle)
	}

	if cfg.API.Listen != "" {
		srv := api.New(client, sc.Pipeline, engine.Repository(), metricsHandler, logger)
		instance := ""
		if cfg.API.MDNS {
			instance = cfg.API.Instance
		}
		spawn("api", func(ctx context.Context) error {
			return srv.Serve(ctx, cfg.API.Listen, instance)
		})
	}

	groups, err := poller.Groups(cfg.Polling, engine.Repository(), logger)
	if err != nil {
		return err
	}
	if len(groups) > 0 {
		p := poller.New(client, groups, logger)
		spawn("poller", p.Run)
	}

	logger.Info("service starting", zap.String("connection", e.String()))
	spawn("client", client.Run)

	<-ctx.Done()
	wg.Wait()
	logger.Info("service stopped")
	return nil
}
