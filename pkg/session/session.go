// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/echoDaveD/ehs-sentinel/pkg/metrics"
	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
	"github.com/echoDaveD/ehs-sentinel/pkg/repository"
	"github.com/echoDaveD/ehs-sentinel/pkg/transform"
)

// Handler receives every stored and derived update. It is called from
// worker goroutines and must be safe for concurrent use.
type Handler func(metrics.Update)

// Config holds the collaborators shared by every session of a client
type Config struct {
	Engine   *transform.Engine
	Pipeline *metrics.Pipeline
	Stats    *nasa.Statistics
	Handler  Handler
	Logger   *zap.Logger
	Options  Options

	// OnFrame observes every candidate frame before decoding
	OnFrame func(raw []byte, at time.Time)
	// OnPacket observes every decoded packet before values are ingested
	OnPacket func(p *nasa.Packet, at time.Time)
}

type frame struct {
	raw []byte
	at  time.Time
}

// learned holds the first address seen for one device class
type learned struct {
	addr  nasa.Address
	ready chan struct{}
	once  sync.Once
}

// Session owns one open connection to the bus
type Session struct {
	id       string
	conn     io.ReadWriteCloser
	cfg      Config
	opts     Options
	logger   *zap.Logger
	registry *Registry

	queue chan frame

	sendMu sync.Mutex
	seq    atomic.Uint32

	addrMu  sync.RWMutex
	indoor  *learned
	outdoor *learned

	done      chan struct{}
	closeOnce sync.Once
}

// New wraps conn. The session does nothing until Run is called.
func New(conn io.ReadWriteCloser, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stats == nil {
		cfg.Stats = nasa.NewStatistics()
	}
	opts := cfg.Options.withDefaults()
	id := uuid.NewString()

	return &Session{
		id:       id,
		conn:     conn,
		cfg:      cfg,
		opts:     opts,
		logger:   cfg.Logger.With(zap.String("session", id)),
		registry: NewRegistry(),
		queue:    make(chan frame, opts.QueueSize),
		indoor:   &learned{ready: make(chan struct{})},
		outdoor:  &learned{ready: make(chan struct{})},
		done:     make(chan struct{}),
	}
}

// ID returns the session identifier used in logs
func (s *Session) ID() string {
	return s.id
}

// Registry exposes pending confirmations
func (s *Session) Registry() *Registry {
	return s.registry
}

// Stats returns the frame statistics
func (s *Session) Stats() *nasa.Statistics {
	return s.cfg.Stats
}

// Engine returns the value transform engine
func (s *Session) Engine() *transform.Engine {
	return s.cfg.Engine
}

// Done is closed when the session has shut down
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run reads the connection until ctx ends or the channel fails. It returns
// nil on cancellation and an ErrChannel error otherwise.
func (s *Session) Run(ctx context.Context) error {
	var workers sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for f := range s.queue {
				s.process(f)
			}
		}()
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop()
	}()

	s.logger.Info("session started", zap.Int("workers", s.opts.Workers))

	var err error
	select {
	case <-ctx.Done():
		s.shutdown(ErrSessionClosed)
		<-readErr
	case err = <-readErr:
		s.shutdown(err)
	}

	// the reader is the only sender, so the queue can close now
	close(s.queue)
	workers.Wait()

	if err != nil {
		s.logger.Warn("session ended", zap.Error(err))
		return err
	}
	s.logger.Info("session closed")
	return nil
}

// Close ends the session without waiting for Run to return
func (s *Session) Close() error {
	s.shutdown(ErrSessionClosed)
	return nil
}

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("close connection", zap.Error(err))
		}
		s.registry.FailAll(cause)
	})
}

func (s *Session) readLoop() error {
	scanner := nasa.NewScanner()
	buf := make([]byte, 1024)

	for {
		n, err := s.conn.Read(buf)
		at := time.Now()

		for _, b := range buf[:n] {
			raw, ferr := scanner.ScanByte(b)
			if ferr != nil {
				s.cfg.Stats.RecordDiscard()
				s.logger.Debug("discarded frame", zap.Error(ferr))
				continue
			}
			if raw != nil {
				s.enqueue(frame{raw: raw, at: at})
			}
		}

		if err != nil {
			if cerr := scanner.Close(); cerr != nil {
				s.logger.Debug("partial frame at end of stream", zap.Int("bytes", scanner.Buffered()))
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: connection closed by peer", ErrChannel)
			}
			return fmt.Errorf("%w: %v", ErrChannel, err)
		}
	}
}

// enqueue never blocks the reader. A full queue drops the frame.
func (s *Session) enqueue(f frame) {
	select {
	case s.queue <- f:
	default:
		s.cfg.Stats.RecordDrop()
		s.logger.Warn("decode queue full, dropping frame", zap.Int("capacity", cap(s.queue)))
	}
}

func (s *Session) process(f frame) {
	if s.cfg.OnFrame != nil {
		s.cfg.OnFrame(f.raw, f.at)
	}

	p, err := nasa.Decode(f.raw)
	var anomalies []nasa.ValidationError
	if err == nil {
		anomalies = nasa.ValidatePacket(p)
	}
	s.cfg.Stats.Update(p, err, anomalies)

	if err != nil {
		var ce *nasa.ChecksumError
		switch {
		case errors.As(err, &ce):
			s.logger.Warn("checksum mismatch",
				zap.Uint16("computed", ce.Computed), zap.Uint16("embedded", ce.Embedded))
		case errors.Is(err, nasa.ErrFrameMalformed):
			s.logger.Debug("dropping malformed frame", zap.Error(err), zap.String("frame", nasa.FormatHex(f.raw)))
		default:
			s.logger.Warn("dropping frame", zap.Error(err), zap.String("frame", nasa.FormatHex(f.raw)))
		}
		return
	}
	for _, a := range anomalies {
		s.logger.Debug("packet anomaly", zap.String("type", a.Type.String()), zap.String("detail", a.Message))
	}

	s.learn(p.Source)
	if s.cfg.OnPacket != nil {
		s.cfg.OnPacket(p, f.at)
	}

	if p.Source.Class != nasa.ClassIndoor && p.Source.Class != nasa.ClassOutdoor {
		s.logger.Debug("ignoring packet", zap.Stringer("source", p.Source))
		return
	}
	if s.cfg.Engine == nil {
		return
	}

	for _, m := range p.Messages {
		entry, v, err := s.cfg.Engine.DecodeMessage(m)
		if err != nil {
			if errors.Is(err, repository.ErrUnknownAddress) {
				s.logger.Debug("unknown message", zap.String("number", fmt.Sprintf("0x%04X", m.Number)))
			} else {
				s.logger.Warn("value decode failed", zap.Error(err))
			}
			continue
		}
		s.deliver(entry.Name, v, f.at)
	}
}

func (s *Session) deliver(key string, v transform.Value, at time.Time) {
	updates := []metrics.Update{{Key: key, Value: v, Time: at}}
	if s.cfg.Pipeline != nil {
		updates = s.cfg.Pipeline.Ingest(key, v, at)
	}
	for _, u := range updates {
		s.registry.Resolve(u.Key, u.Value)
		if s.cfg.Handler != nil {
			s.cfg.Handler(u)
		}
	}
}

func (s *Session) slot(class nasa.AddressClass) *learned {
	switch class {
	case nasa.ClassIndoor:
		return s.indoor
	case nasa.ClassOutdoor:
		return s.outdoor
	}
	return nil
}

// learn records the first address seen for the indoor and outdoor classes
func (s *Session) learn(a nasa.Address) {
	l := s.slot(a.Class)
	if l == nil {
		return
	}
	l.once.Do(func() {
		s.addrMu.Lock()
		l.addr = a
		s.addrMu.Unlock()
		close(l.ready)
		s.logger.Info("learned device address", zap.Stringer("address", a))
	})
}

// Address returns the learned address of class
func (s *Session) Address(class nasa.AddressClass) (nasa.Address, bool) {
	l := s.slot(class)
	if l == nil {
		return nasa.Address{}, false
	}
	select {
	case <-l.ready:
	default:
		return nasa.Address{}, false
	}
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return l.addr, true
}

// WaitAddress blocks until class has been learned. After AddressWait it
// falls back to the default address of the class.
func (s *Session) WaitAddress(ctx context.Context, class nasa.AddressClass) (nasa.Address, error) {
	l := s.slot(class)
	if l == nil {
		return nasa.Address{}, fmt.Errorf("no address is learned for %s", class)
	}

	timer := time.NewTimer(s.opts.AddressWait)
	defer timer.Stop()

	select {
	case <-l.ready:
		a, _ := s.Address(class)
		return a, nil
	case <-timer.C:
		fallback := nasa.Address{Class: class}
		s.logger.Warn("device address not learned, using default",
			zap.Stringer("address", fallback), zap.Duration("waited", s.opts.AddressWait))
		return fallback, nil
	case <-s.done:
		return nasa.Address{}, ErrSessionClosed
	case <-ctx.Done():
		return nasa.Address{}, ctx.Err()
	}
}

// WaitForAddresses waits for both indoor and outdoor addresses
func (s *Session) WaitForAddresses(ctx context.Context) error {
	for _, c := range []nasa.AddressClass{nasa.ClassIndoor, nasa.ClassOutdoor} {
		if _, err := s.WaitAddress(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Send encodes p and writes it. Writes are serialized across callers.
func (s *Session) Send(p *nasa.Packet) error {
	raw, err := p.Encode()
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	if _, err := s.conn.Write(raw); err != nil {
		return fmt.Errorf("%w: write: %v", ErrChannel, err)
	}
	s.logger.Debug("sent packet",
		zap.Stringer("destination", p.Destination),
		zap.Stringer("data_type", p.DataType),
		zap.Int("messages", len(p.Messages)),
		zap.String("frame", nasa.FormatHex(raw)))
	return nil
}

func (s *Session) nextSequence() uint8 {
	return uint8(s.seq.Add(1))
}
