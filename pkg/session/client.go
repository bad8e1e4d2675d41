// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

package session

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
)

// Dialer opens a fresh connection to the bus
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// Client keeps a session alive across connection failures. Learned
// addresses and pending confirmations belong to one session and are lost on
// reconnect; the pipeline and statistics in Config are shared.
type Client struct {
	dial   Dialer
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	current *Session
	changed chan struct{}
}

// NewClient creates a client that dials with dial
func NewClient(dial Dialer, cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stats == nil {
		cfg.Stats = nasa.NewStatistics()
	}
	cfg.Options = cfg.Options.withDefaults()
	return &Client{
		dial:    dial,
		cfg:     cfg,
		logger:  cfg.Logger,
		changed: make(chan struct{}),
	}
}

// Stats returns the statistics shared by all sessions
func (c *Client) Stats() *nasa.Statistics {
	return c.cfg.Stats
}

// Run dials and serves sessions until ctx ends, reconnecting with
// exponential backoff whenever the connection fails.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.Options.ReconnectMin

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("connect failed", zap.Error(err), zap.Duration("retry_in", backoff))
		} else {
			backoff = c.cfg.Options.ReconnectMin
			s := New(conn, c.cfg)
			c.setSession(s)
			err = s.Run(ctx)
			c.setSession(nil)
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("connection lost, reconnecting", zap.Error(err), zap.Duration("retry_in", backoff))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.cfg.Options.ReconnectMax {
			backoff = c.cfg.Options.ReconnectMax
		}
	}
}

func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	c.current = s
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

// Session returns the live session or ErrNotConnected
func (c *Client) Session() (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil, ErrNotConnected
	}
	return c.current, nil
}

// WaitSession blocks until a session is live
func (c *Client) WaitSession(ctx context.Context) (*Session, error) {
	for {
		c.mu.RLock()
		s, changed := c.current, c.changed
		c.mu.RUnlock()
		if s != nil {
			return s, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Read reads keys through the live session
func (c *Client) Read(ctx context.Context, keys []string, confirm bool) error {
	s, err := c.Session()
	if err != nil {
		return err
	}
	return s.Read(ctx, keys, confirm)
}

// Write writes values through the live session
func (c *Client) Write(ctx context.Context, values []KeyValue, verify bool) error {
	s, err := c.Session()
	if err != nil {
		return err
	}
	return s.Write(ctx, values, verify)
}

// Addresses returns the learned indoor and outdoor addresses of the live session
func (c *Client) Addresses() map[nasa.AddressClass]nasa.Address {
	out := make(map[nasa.AddressClass]nasa.Address)
	s, err := c.Session()
	if err != nil {
		return out
	}
	for _, class := range []nasa.AddressClass{nasa.ClassIndoor, nasa.ClassOutdoor} {
		if a, ok := s.Address(class); ok {
			out[class] = a
		}
	}
	return out
}

// WaitReady blocks until a session is live and both device addresses are
// known or their wait expired
func (c *Client) WaitReady(ctx context.Context) error {
	s, err := c.WaitSession(ctx)
	if err != nil {
		return err
	}
	return s.WaitForAddresses(ctx)
}

// Connected reports whether a session is live
func (c *Client) Connected() bool {
	_, err := c.Session()
	return err == nil
}
