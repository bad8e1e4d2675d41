// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
	"github.com/echoDaveD/ehs-sentinel/pkg/repository"
	"github.com/echoDaveD/ehs-sentinel/pkg/transform"
)

// Addresses used by this tool when it talks on the bus
var (
	ReadSource  = nasa.Address{Class: nasa.ClassJIGTester, Channel: 0xFF, Addr: 0x00}
	ReadTarget  = nasa.Address{Class: nasa.ClassBroadcastSetLayer, Channel: 0x00, Addr: 0x20}
	WriteSource = nasa.Address{Class: nasa.ClassJIGTester, Channel: 0x00, Addr: 0xFF}
)

// KeyValue is one value to write, in its textual form
type KeyValue struct {
	Key   string
	Value string
}

// Read asks the devices to report keys. Keys are sent in batches; with
// confirm set each batch is retried until every key has been observed.
// A failed batch does not stop the remaining ones.
func (s *Session) Read(ctx context.Context, keys []string, confirm bool) error {
	if s.cfg.Engine == nil {
		return errors.New("session has no transform engine")
	}
	repo := s.cfg.Engine.Repository()

	var errs []error
	entries := make([]*repository.Entry, 0, len(keys))
	for _, k := range keys {
		e, err := repo.Lookup(k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entries = append(entries, e)
	}

	for _, batch := range batches(entries, s.opts.BatchSize) {
		if err := s.readBatch(ctx, batch, confirm); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil || errors.Is(err, ErrChannel) {
				break
			}
			s.logger.Warn("read batch failed", zap.Error(err))
		}
	}
	return errors.Join(errs...)
}

// batches splits entries into groups of size. Structure keys travel alone.
func batches(entries []*repository.Entry, size int) [][]*repository.Entry {
	var out [][]*repository.Entry
	var cur []*repository.Entry
	for _, e := range entries {
		if e.MessageType() == nasa.MessageStructure {
			out = append(out, []*repository.Entry{e})
			continue
		}
		cur = append(cur, e)
		if len(cur) == size {
			out = append(out, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func (s *Session) readBatch(ctx context.Context, batch []*repository.Entry, confirm bool) error {
	pkt, err := s.readPacket(batch)
	if err != nil {
		return err
	}

	attempts := 1
	if confirm {
		attempts = s.opts.Attempts
	}
	pending := names(batch)

	for attempt := 1; attempt <= attempts; attempt++ {
		var handles []*Handle
		if confirm {
			for _, k := range pending {
				handles = append(handles, s.registry.Register(k, nil))
			}
		}

		left, err := func() ([]string, error) {
			defer releaseAll(handles)
			if err := sleep(ctx, s.opts.SettleDelay); err != nil {
				return nil, err
			}
			if err := s.Send(pkt); err != nil {
				return nil, err
			}
			if !confirm {
				return nil, nil
			}
			return waitAll(ctx, handles, s.opts.ReadTimeout)
		}()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConfirmationTimeout) {
			return err
		}
		pending = left
		s.logger.Warn("read not confirmed, resending",
			zap.Int("attempt", attempt), zap.Strings("pending", pending))
	}
	return &BatchError{Keys: pending, Attempts: attempts, Err: ErrConfirmationTimeout}
}

func (s *Session) readPacket(batch []*repository.Entry) (*nasa.Packet, error) {
	msgs := make([]nasa.Message, 0, len(batch))
	for _, e := range batch {
		var (
			m   nasa.Message
			err error
		)
		if e.MessageType() == nasa.MessageStructure {
			m, err = nasa.NewStructureMessage(e.Address, []byte{0})
		} else {
			m, err = nasa.NewMessage(e.Address, 0)
		}
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return &nasa.Packet{
		Source:      ReadSource,
		Destination: ReadTarget,
		Information: true,
		Version:     nasa.ProtocolVersion,
		PacketType:  nasa.PacketNormal,
		DataType:    nasa.DataRead,
		Sequence:    s.nextSequence(),
		Messages:    msgs,
	}, nil
}

type pendingWrite struct {
	entry    *repository.Entry
	message  nasa.Message
	expected transform.Value
}

// Write sends values to their destination devices. With verify set the
// keys are read back and the write is repeated until every key reports its
// expected value. Nothing is sent when any value fails to encode.
func (s *Session) Write(ctx context.Context, values []KeyValue, verify bool) error {
	if s.cfg.Engine == nil {
		return errors.New("session has no transform engine")
	}
	if len(values) == 0 {
		return nil
	}

	writes, err := s.prepareWrites(values)
	if err != nil {
		return err
	}

	attempts := 1
	if verify {
		attempts = s.opts.Attempts
	}
	keys := make([]string, len(writes))
	for i, w := range writes {
		keys[i] = w.entry.Name
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		var handles []*Handle
		if verify {
			for _, w := range writes {
				expected := w.expected
				handles = append(handles, s.registry.Register(w.entry.Name, &expected))
			}
		}

		pending, err := func() ([]string, error) {
			defer releaseAll(handles)
			if err := s.sendWrites(ctx, writes); err != nil {
				return nil, err
			}
			if !verify {
				return nil, nil
			}
			if err := sleep(ctx, s.opts.WriteReadDelay); err != nil {
				return nil, err
			}
			if err := s.Read(ctx, keys, false); err != nil {
				return nil, err
			}
			return waitAll(ctx, handles, s.opts.WriteTimeout)
		}()
		if err == nil {
			s.logger.Info("write completed", zap.Strings("keys", keys), zap.Bool("verified", verify))
			return nil
		}
		if !errors.Is(err, ErrConfirmationTimeout) {
			return err
		}
		s.logger.Warn("write not confirmed, repeating",
			zap.Int("attempt", attempt), zap.Strings("pending", pending))
	}
	return &WriteError{Keys: keys, Attempts: attempts, Err: ErrConfirmationTimeout}
}

func (s *Session) prepareWrites(values []KeyValue) ([]pendingWrite, error) {
	engine := s.cfg.Engine
	writes := make([]pendingWrite, 0, len(values))
	for _, kv := range values {
		e, err := engine.Repository().Lookup(kv.Key)
		if err != nil {
			return nil, err
		}
		if !e.Writable {
			return nil, fmt.Errorf("%w: %s", transform.ErrNotWritable, e.Name)
		}
		m, err := engine.EncodeMessage(e, kv.Value)
		if err != nil {
			return nil, err
		}
		expected, err := engine.Decode(e, m.Payload, m.Type())
		if err != nil {
			return nil, err
		}
		writes = append(writes, pendingWrite{entry: e, message: m, expected: expected})
	}
	return writes, nil
}

// sendWrites sends one request packet per destination class
func (s *Session) sendWrites(ctx context.Context, writes []pendingWrite) error {
	var order []nasa.AddressClass
	groups := make(map[nasa.AddressClass][]nasa.Message)
	for _, w := range writes {
		class := w.entry.Destination
		if _, ok := groups[class]; !ok {
			order = append(order, class)
		}
		groups[class] = append(groups[class], w.message)
	}

	for _, class := range order {
		dst, err := s.WaitAddress(ctx, class)
		if err != nil {
			return err
		}
		if err := s.Send(s.writePacket(dst, groups[class])); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) writePacket(dst nasa.Address, msgs []nasa.Message) *nasa.Packet {
	return &nasa.Packet{
		Source:      WriteSource,
		Destination: dst,
		Information: true,
		Version:     nasa.ProtocolVersion,
		PacketType:  nasa.PacketNormal,
		DataType:    nasa.DataRequest,
		Sequence:    s.nextSequence(),
		Messages:    msgs,
	}
}

func names(entries []*repository.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
