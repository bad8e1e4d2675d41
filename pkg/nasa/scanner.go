// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nasa

import "fmt"

// ScanState is the Scanner's position in the framing state machine.
type ScanState int

// Scanner states
const (
	StateSearching ScanState = iota
	StateAccumulating
)

func (s ScanState) String() string {
	if s == StateAccumulating {
		return "ACCUMULATING"
	}
	return "SEARCHING"
}

// Scanner reassembles candidate frames from a raw byte stream.
//
// It looks for the 0x32 0x00 start sequence, reads the length field once three
// bytes are buffered and accumulates until the declared size is reached. Only
// reaching that size triggers an action: the buffer is emitted when its last
// byte is the end marker and discarded otherwise. A second start sequence in
// the middle of a frame is treated as ordinary payload.
type Scanner struct {
	state    ScanState
	buffer   []byte
	prev     byte
	hasPrev  bool
	expected int
}

// NewScanner creates a scanner in the SEARCHING state
func NewScanner() *Scanner {
	return &Scanner{buffer: make([]byte, 0, 256)}
}

// Reset drops any partial frame and returns to SEARCHING
func (s *Scanner) Reset() {
	s.state = StateSearching
	s.buffer = s.buffer[:0]
	s.hasPrev = false
	s.expected = 0
}

// State returns the current state
func (s *Scanner) State() ScanState {
	return s.state
}

// Buffered returns the number of bytes held for the frame in progress
func (s *Scanner) Buffered() int {
	return len(s.buffer)
}

// ScanByte feeds one byte. It returns a complete candidate frame when one ends
// on this byte, or an ErrFrameMalformed error when a frame of the declared
// length did not finish with the end marker.
func (s *Scanner) ScanByte(b byte) ([]byte, error) {
	switch s.state {
	case StateSearching:
		if s.hasPrev && s.prev == StartByte && b == 0x00 {
			s.buffer = append(s.buffer[:0], StartByte, 0x00)
			s.state = StateAccumulating
			s.hasPrev = false
			return nil, nil
		}
		s.prev = b
		s.hasPrev = true
		return nil, nil

	case StateAccumulating:
		s.buffer = append(s.buffer, b)
		if len(s.buffer) == 3 {
			s.expected = (int(s.buffer[1])<<8 | int(s.buffer[2])) + 2
		}
		if len(s.buffer) < 3 || len(s.buffer) < s.expected {
			return nil, nil
		}

		last := s.buffer[len(s.buffer)-1]
		if last != EndByte {
			err := fmt.Errorf("%w: %d byte frame ends with 0x%02X", ErrFrameMalformed, len(s.buffer), last)
			s.Reset()
			return nil, err
		}

		frame := make([]byte, len(s.buffer))
		copy(frame, s.buffer)
		s.Reset()
		return frame, nil
	}

	s.Reset()
	return nil, fmt.Errorf("invalid scanner state: %d", s.state)
}

// Feed runs every byte of p through ScanByte and returns the frames completed
// along the way and the number of frames discarded.
func (s *Scanner) Feed(p []byte) (frames [][]byte, discarded int) {
	for _, b := range p {
		frame, err := s.ScanByte(b)
		if err != nil {
			discarded++
			continue
		}
		if frame != nil {
			frames = append(frames, frame)
		}
	}
	return frames, discarded
}

// Close ends the stream. A partial frame is dropped and reported as
// ErrStreamClosed so the caller can tell truncation from a clean end.
func (s *Scanner) Close() error {
	partial := s.state == StateAccumulating
	n := len(s.buffer)
	s.Reset()
	if partial {
		return fmt.Errorf("%w: discarded %d byte partial frame", ErrStreamClosed, n)
	}
	return nil
}
