// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

package scan

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
	"github.com/echoDaveD/ehs-sentinel/pkg/repository"
)

// fakeBus answers probes for the numbers in answers
type fakeBus struct {
	mu      sync.Mutex
	scanner *Scanner
	answers map[uint16]int64
	sent    map[uint16]int
}

func (b *fakeBus) Send(p *nasa.Packet) error {
	n := p.Messages[0].Number
	b.mu.Lock()
	b.sent[n]++
	value, ok := b.answers[n]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	m, err := nasa.NewMessage(n, value)
	if err != nil {
		return err
	}
	reply := &nasa.Packet{
		Source:   nasa.Address{Class: nasa.ClassIndoor},
		DataType: nasa.DataResponse,
		Messages: []nasa.Message{m},
	}
	go b.scanner.Observe(reply, time.Now())
	return nil
}

func newTestScanner(t *testing.T, answers map[uint16]int64, opts Options) (*Scanner, *fakeBus) {
	t.Helper()
	repo, err := repository.New(&repository.Entry{Name: "NASA_POWER", Address: 0x4000, Type: repository.TypeEnum})
	require.NoError(t, err)

	bus := &fakeBus{answers: answers, sent: make(map[uint16]int)}
	s := New(bus, repo, opts, nil)
	bus.scanner = s
	return s, bus
}

func TestRange(t *testing.T) {
	assert.Equal(t, []uint16{0x4000, 0x4001, 0x4002}, Range(0x4000, 0x4002))
	assert.Nil(t, Range(2, 1))
	assert.Len(t, Range(0xFFFE, 0xFFFF), 2)
}

func TestScanner_Run(t *testing.T) {
	s, bus := newTestScanner(t, map[uint16]int64{0x4000: 1, 0x4002: 0}, Options{
		Workers:  3,
		Timeout:  20 * time.Millisecond,
		Attempts: 2,
	})

	var last Progress
	var mu sync.Mutex
	results := s.Run(context.Background(), Range(0x4000, 0x4003), func(p Progress) {
		mu.Lock()
		last = p
		mu.Unlock()
	})

	require.Len(t, results, 2)
	assert.Equal(t, uint16(0x4000), results[0].Address)
	assert.Equal(t, "NASA_POWER", results[0].Key)
	assert.Equal(t, []byte{0x01}, results[0].Payload)
	assert.Equal(t, nasa.MessageEnum, results[0].Type)
	assert.Equal(t, uint16(0x4002), results[1].Address)
	assert.Empty(t, results[1].Key)

	assert.Equal(t, Progress{Done: 4, Total: 4, Found: 2}, last)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Equal(t, 1, bus.sent[0x4000])
	assert.Equal(t, 2, bus.sent[0x4001], "unanswered numbers are retried")
}

func TestScanner_IgnoreZero(t *testing.T) {
	s, _ := newTestScanner(t, map[uint16]int64{0x4000: 1, 0x4001: 0, 0x4002: -1}, Options{
		Timeout:    20 * time.Millisecond,
		Attempts:   1,
		IgnoreZero: true,
		IgnoreFF:   true,
	})
	results := s.Run(context.Background(), Range(0x4000, 0x4002), nil)
	require.Len(t, results, 1)
	assert.Equal(t, uint16(0x4000), results[0].Address)
}

func TestScanner_ObserveIgnoresOtherSources(t *testing.T) {
	s, _ := newTestScanner(t, nil, Options{Timeout: 20 * time.Millisecond, Attempts: 1})
	ch := make(chan nasa.Message, 1)
	s.pending[0x4000] = ch

	m, err := nasa.NewMessage(0x4000, 1)
	require.NoError(t, err)
	s.Observe(&nasa.Packet{Source: nasa.Address{Class: nasa.ClassWiFiKit}, Messages: []nasa.Message{m}}, time.Now())
	assert.Empty(t, ch)
}

func TestScanner_StopsOnCancel(t *testing.T) {
	s, _ := newTestScanner(t, nil, Options{Workers: 1, Timeout: time.Second, Attempts: 3})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	results := s.Run(ctx, Range(0x4000, 0x40FF), nil)
	assert.Empty(t, results)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCSV_RoundTrip(t *testing.T) {
	in := []Result{
		{Address: 0x4000, Type: nasa.MessageEnum, Payload: []byte{0x01}, Key: "NASA_POWER"},
		{Address: 0x4236, Type: nasa.MessageVariable, Payload: []byte{0x00, 0xFA}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, in))
	assert.Contains(t, buf.String(), "0x4236,Variable,00FA,")

	out, err := ReadCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestReadCSV_Errors(t *testing.T) {
	_, err := ReadCSV(bytes.NewBufferString("foo,bar\n"))
	assert.Error(t, err)

	_, err = ReadCSV(bytes.NewBufferString("address,type,payload,key\nzz,Enum,00,\n"))
	assert.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	n, err := ParseAddress("0x4046")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x4046), n)

	n, err = ParseAddress("4fff")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x4FFF), n)

	_, err = ParseAddress("0x10000")
	assert.Error(t, err)
}

func TestDiff(t *testing.T) {
	prev := []Result{
		{Address: 0x4000, Payload: []byte{0x00}},
		{Address: 0x4001, Payload: []byte{0x05}},
		{Address: 0x4002, Payload: []byte{0x07}},
		{Address: 0x5000, Payload: []byte{0x01}},
	}
	cur := []Result{
		{Address: 0x4000, Payload: []byte{0x01}, Key: "NASA_POWER"},
		{Address: 0x4001, Payload: []byte{0x05}},
		{Address: 0x4003, Payload: []byte{0x02}},
	}

	changes := Diff(prev, cur, Range(0x4000, 0x4003))
	require.Len(t, changes, 3)
	assert.Equal(t, "CHANGE 0x4000 NASA_POWER: 0x00 -> 0x01", changes[0].String())
	assert.Equal(t, "CHANGE 0x4003: - -> 0x02", changes[1].String())
	assert.Equal(t, "CHANGE 0x4002: 0x07 -> -", changes[2].String())
}
