// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nasa

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Statistics tracks frame counters and error rates. Safe for concurrent use.
type Statistics struct {
	mu sync.Mutex
	s  Snapshot
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	TotalFrames     uint64
	ValidPackets    uint64
	ChecksumErrors  uint64
	MalformedFrames uint64
	HeaderErrors    uint64
	DiscardedFrames uint64 // rejected by the scanner (bad end marker)
	DroppedFrames   uint64 // decode queue full
	Anomalies       uint64
	Messages        uint64

	PacketRate float64 // packets/sec
	ErrorRate  float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{s: Snapshot{StartTime: now, LastUpdateTime: now}}
}

// Update records the outcome of decoding one frame
func (st *Statistics) Update(packet *Packet, decodeErr error, validationErrors []ValidationError) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.s.TotalFrames++
	st.s.LastUpdateTime = time.Now()

	switch {
	case decodeErr == nil:
	case errors.Is(decodeErr, ErrChecksumMismatch):
		st.s.ChecksumErrors++
		return
	case errors.Is(decodeErr, ErrMalformedHeader):
		st.s.HeaderErrors++
		return
	default:
		st.s.MalformedFrames++
		return
	}

	st.s.ValidPackets++
	st.s.Anomalies += uint64(len(validationErrors))
	if packet != nil {
		st.s.Messages += uint64(len(packet.Messages))
	}
}

// RecordDiscard counts a frame the scanner rejected
func (st *Statistics) RecordDiscard() {
	st.mu.Lock()
	st.s.DiscardedFrames++
	st.mu.Unlock()
}

// RecordDrop counts a frame dropped because the decode queue was full
func (st *Statistics) RecordDrop() {
	st.mu.Lock()
	st.s.DroppedFrames++
	st.mu.Unlock()
}

// Snapshot returns a copy of the counters with rates filled in
func (st *Statistics) Snapshot() Snapshot {
	st.mu.Lock()
	s := st.s
	st.mu.Unlock()

	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.PacketRate = float64(s.ValidPackets) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
	return s
}

// Errors sums every failure counter
func (s Snapshot) Errors() uint64 {
	return s.ChecksumErrors + s.MalformedFrames + s.HeaderErrors + s.DiscardedFrames + s.DroppedFrames
}

// String returns a formatted statistics summary
func (st *Statistics) String() string {
	s := st.Snapshot()

	pct := func(n uint64) float64 {
		if s.TotalFrames == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(s.TotalFrames)
	}

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", time.Since(s.StartTime).Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Valid Packets:   %8d (%.1f%%)\n", s.ValidPackets, pct(s.ValidPackets))
	if s.ChecksumErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d (%.1f%%)\n", s.ChecksumErrors, pct(s.ChecksumErrors))
	}
	if s.HeaderErrors > 0 {
		result += fmt.Sprintf("Header Errors:   %8d (%.1f%%)\n", s.HeaderErrors, pct(s.HeaderErrors))
	}
	if s.MalformedFrames > 0 {
		result += fmt.Sprintf("Malformed:       %8d (%.1f%%)\n", s.MalformedFrames, pct(s.MalformedFrames))
	}
	if s.DiscardedFrames > 0 {
		result += fmt.Sprintf("Discarded:       %8d\n", s.DiscardedFrames)
	}
	if s.DroppedFrames > 0 {
		result += fmt.Sprintf("Dropped (queue): %8d\n", s.DroppedFrames)
	}
	if s.Anomalies > 0 {
		result += fmt.Sprintf("Anomalies:       %8d\n", s.Anomalies)
	}
	result += fmt.Sprintf("Messages:        %8d\n", s.Messages)
	result += fmt.Sprintf("Packet Rate:     %8.1f pkts/sec\n", s.PacketRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"
	return result
}

// Reset resets all statistics counters
func (st *Statistics) Reset() {
	now := time.Now()
	st.mu.Lock()
	st.s = Snapshot{StartTime: now, LastUpdateTime: now}
	st.mu.Unlock()
}
