// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

// Package scan probes ranges of message numbers on the bus and records which
// of them the devices answer.
package scan

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
	"github.com/echoDaveD/ehs-sentinel/pkg/repository"
	"github.com/echoDaveD/ehs-sentinel/pkg/session"
)

// Sender puts packets on the bus
type Sender interface {
	Send(p *nasa.Packet) error
}

// Result is the answer to one probed number
type Result struct {
	Address uint16
	Type    nasa.MessageType
	Payload []byte
	Key     string // repository key, empty when unknown
}

// Options tunes a scan
type Options struct {
	Workers    int
	Timeout    time.Duration
	Attempts   int
	IgnoreFF   bool // drop answers that are all 0xFF
	IgnoreZero bool // drop answers that are all 0x00
}

// DefaultOptions matches the pace the devices tolerate
func DefaultOptions() Options {
	return Options{Workers: 5, Timeout: 10 * time.Second, Attempts: 2}
}

// Progress is reported after every probed number
type Progress struct {
	Done, Total int
	Found       int
}

// Scanner sends single-number read requests and matches the answers
type Scanner struct {
	sender Sender
	repo   *repository.Repository
	opts   Options
	logger *zap.Logger
	seq    atomic.Uint32

	mu      sync.Mutex
	pending map[uint16]chan nasa.Message
}

// New creates a scanner. repo may be nil.
func New(sender Sender, repo *repository.Repository, opts Options, logger *zap.Logger) *Scanner {
	d := DefaultOptions()
	if opts.Workers < 1 {
		opts.Workers = d.Workers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = d.Timeout
	}
	if opts.Attempts < 1 {
		opts.Attempts = d.Attempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		sender:  sender,
		repo:    repo,
		opts:    opts,
		logger:  logger,
		pending: make(map[uint16]chan nasa.Message),
	}
}

// Observe feeds a decoded packet to the scanner. Wire it to the session's
// packet hook.
func (s *Scanner) Observe(p *nasa.Packet, _ time.Time) {
	if p.Source.Class != nasa.ClassIndoor && p.Source.Class != nasa.ClassOutdoor {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range p.Messages {
		if ch, ok := s.pending[m.Number]; ok {
			select {
			case ch <- m:
			default:
			}
		}
	}
}

// Range returns every number from start to end inclusive
func Range(start, end uint16) []uint16 {
	if end < start {
		return nil
	}
	out := make([]uint16, 0, int(end-start)+1)
	for n := int(start); n <= int(end); n++ {
		out = append(out, uint16(n))
	}
	return out
}

// Run probes every number and returns the answers sorted by address. It stops
// early when ctx ends and returns what was found so far.
func (s *Scanner) Run(ctx context.Context, numbers []uint16, progress func(Progress)) []Result {
	work := make(chan uint16)
	var (
		mu      sync.Mutex
		results []Result
		done    int
		wg      sync.WaitGroup
	)

	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range work {
				r, ok := s.probe(ctx, n)
				mu.Lock()
				if ok && s.keep(r.Payload) {
					results = append(results, r)
				}
				done++
				p := Progress{Done: done, Total: len(numbers), Found: len(results)}
				mu.Unlock()
				if progress != nil {
					progress(p)
				}
			}
		}()
	}

feed:
	for _, n := range numbers {
		select {
		case work <- n:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Address < results[j].Address })
	return results
}

func (s *Scanner) keep(payload []byte) bool {
	if s.opts.IgnoreFF && len(payload) > 0 && len(bytes.Trim(payload, "\xff")) == 0 {
		return false
	}
	if s.opts.IgnoreZero && len(payload) > 0 && len(bytes.Trim(payload, "\x00")) == 0 {
		return false
	}
	return true
}

func (s *Scanner) probe(ctx context.Context, number uint16) (Result, bool) {
	ch := make(chan nasa.Message, 1)
	s.mu.Lock()
	s.pending[number] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, number)
		s.mu.Unlock()
	}()

	packet, err := s.readPacket(number)
	if err != nil {
		s.logger.Debug("cannot build probe", zap.String("address", FormatAddress(number)), zap.Error(err))
		return Result{}, false
	}

	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		if err := s.sender.Send(packet); err != nil {
			s.logger.Warn("probe send failed", zap.String("address", FormatAddress(number)), zap.Error(err))
			return Result{}, false
		}

		timer := time.NewTimer(s.opts.Timeout)
		select {
		case m := <-ch:
			timer.Stop()
			return s.result(m), true
		case <-ctx.Done():
			timer.Stop()
			return Result{}, false
		case <-timer.C:
		}

		// back off a little longer after every miss
		if attempt < s.opts.Attempts {
			select {
			case <-ctx.Done():
				return Result{}, false
			case <-time.After(time.Duration(attempt) * s.opts.Timeout / 10):
			}
		}
	}
	s.logger.Debug("no answer", zap.String("address", FormatAddress(number)))
	return Result{}, false
}

func (s *Scanner) readPacket(number uint16) (*nasa.Packet, error) {
	var (
		m   nasa.Message
		err error
	)
	if nasa.MessageTypeOf(number) == nasa.MessageStructure {
		m, err = nasa.NewStructureMessage(number, []byte{0})
	} else {
		m, err = nasa.NewMessage(number, 0)
	}
	if err != nil {
		return nil, err
	}
	return &nasa.Packet{
		Source:      session.ReadSource,
		Destination: session.ReadTarget,
		Information: true,
		Version:     nasa.ProtocolVersion,
		PacketType:  nasa.PacketNormal,
		DataType:    nasa.DataRead,
		Sequence:    uint8(s.seq.Add(1)),
		Messages:    []nasa.Message{m},
	}, nil
}

func (s *Scanner) result(m nasa.Message) Result {
	r := Result{Address: m.Number, Type: m.Type(), Payload: append([]byte(nil), m.Payload...)}
	if s.repo != nil {
		if e, err := s.repo.LookupAddress(m.Number); err == nil {
			r.Key = e.Name
		}
	}
	return r
}
