// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/echoDaveD/ehs-sentinel/internal/transport"
	"github.com/echoDaveD/ehs-sentinel/pkg/metrics"
	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
	"github.com/echoDaveD/ehs-sentinel/pkg/repository"
	"github.com/echoDaveD/ehs-sentinel/pkg/session"
	"github.com/echoDaveD/ehs-sentinel/pkg/transform"
)

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// endpoint builds the transport endpoint from the loaded configuration,
// prompting for the WebSocket password when a username is set
func endpoint() (transport.Endpoint, error) {
	c := cfg.Connection
	e := transport.Endpoint{
		Address:     c.Address,
		Port:        c.Port,
		Baud:        c.Baud,
		URL:         c.URL,
		Username:    c.Username,
		NoSSLVerify: c.NoSSLVerify,
		DialTimeout: c.DialTimeout,
	}
	if err := e.Validate(); err != nil {
		return e, err
	}
	if e.Address == "" && e.Port == "" && e.Username != "" {
		pw, err := transport.GetPassword()
		if err != nil {
			return e, err
		}
		e.Password = pw
	}
	return e, nil
}

// OpenConnection opens the configured bus connection once
func OpenConnection(ctx context.Context) (transport.Connection, string, error) {
	e, err := endpoint()
	if err != nil {
		return nil, "", err
	}
	conn, err := transport.Open(ctx, e)
	if err != nil {
		return nil, "", err
	}
	return conn, e.String(), nil
}

// loadEngine loads the repository and builds the transform engine
func loadEngine() (*transform.Engine, error) {
	repo, err := repository.Load(cfg.Repository.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("repository loaded", zap.String("path", cfg.Repository.Path), zap.Int("keys", repo.Len()))
	return transform.NewEngine(repo, logger), nil
}

// sessionConfig wires the shared collaborators for a session or client
func sessionConfig(engine *transform.Engine, handler session.Handler) session.Config {
	return session.Config{
		Engine:   engine,
		Pipeline: metrics.New(metrics.DefaultKeys(), logger),
		Stats:    nasa.NewStatistics(),
		Handler:  handler,
		Logger:   logger,
		Options:  cfg.SessionOptions(),
	}
}

// startSession opens one connection and runs a session on it in the
// background. The returned stop function closes it and waits for Run.
func startSession(ctx context.Context, sc session.Config) (*session.Session, func(), error) {
	conn, info, err := OpenConnection(ctx)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("connected", zap.String("connection", info))

	s := session.New(conn, sc)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			logger.Error("session failed", zap.Error(err))
		}
	}()
	return s, func() {
		_ = s.Close()
		<-done
	}, nil
}

// frameStream reads raw bytes from conn and hands every candidate frame to
// onFrame. onDiscard is called for frames the scanner rejected. It returns
// when ctx ends or the connection fails.
func frameStream(ctx context.Context, conn io.ReadCloser, onFrame func(raw []byte, at time.Time), onDiscard func(err error)) error {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	scanner := nasa.NewScanner()
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		now := time.Now()
		for i := 0; i < n; i++ {
			frame, scanErr := scanner.ScanByte(buf[i])
			if scanErr != nil {
				if onDiscard != nil {
					onDiscard(scanErr)
				}
				continue
			}
			if frame != nil {
				onFrame(frame, now)
			}
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, transport.ErrConnectionClosed) {
				if closeErr := scanner.Close(); closeErr != nil && onDiscard != nil {
					onDiscard(closeErr)
				}
				return nil
			}
			return err
		}
	}
}
