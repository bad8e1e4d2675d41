// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

// Package capture stores received frames with their receipt time, either as
// a CBOR sequence or as the bracketed text log, and reads both back.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
)

// LogTimeLayout is the timestamp of one text log line
const LogTimeLayout = "2006-01-02, 15:04:05.000"

// ErrNoFrame is returned for text lines that carry no frame
var ErrNoFrame = errors.New("line carries no frame")

// Record is one captured frame
type Record struct {
	At    time.Time `cbor:"1,keyasint"`
	Frame []byte    `cbor:"2,keyasint"`
}

// Source yields records in capture order. Next returns io.EOF at the end.
type Source interface {
	Next() (Record, error)
}

// Writer appends records to a CBOR sequence
type Writer struct {
	mu  sync.Mutex
	enc *cbor.Encoder
}

// NewWriter writes records to w
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: cbor.NewEncoder(w)}
}

// Write appends one record
func (w *Writer) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(r)
}

// Reader decodes a CBOR sequence
type Reader struct {
	dec *cbor.Decoder
}

// NewReader reads records from r
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(r)}
}

// Next returns the next record
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("decode capture record: %w", err)
	}
	return rec, nil
}

var logLine = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2}, \d{2}:\d{2}:\d{2}\.\d{3})\] ([0-9A-Fa-f ]+)$`)

// ParseLogLine parses "[YYYY-MM-DD, HH:MM:SS.mmm] 32 00 11 ..."
func ParseLogLine(line string) (Record, error) {
	m := logLine.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Record{}, ErrNoFrame
	}
	at, err := time.ParseInLocation(LogTimeLayout, m[1], time.Local)
	if err != nil {
		return Record{}, fmt.Errorf("bad timestamp %q: %w", m[1], err)
	}

	fields := strings.Fields(m[2])
	frame := make([]byte, len(fields))
	for i, f := range fields {
		b, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return Record{}, fmt.Errorf("bad byte %q: %w", f, err)
		}
		frame[i] = byte(b)
	}
	return Record{At: at, Frame: frame}, nil
}

// FormatLogLine renders r in the text log format
func FormatLogLine(r Record) string {
	return fmt.Sprintf("[%s] %s", r.At.Format(LogTimeLayout), nasa.FormatHex(r.Frame))
}

// LogReader reads text log lines, skipping lines without a frame
type LogReader struct {
	scanner *bufio.Scanner
}

// NewLogReader reads text log lines from r
func NewLogReader(r io.Reader) *LogReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	return &LogReader{scanner: s}
}

// Next returns the next frame in the log
func (l *LogReader) Next() (Record, error) {
	for l.scanner.Scan() {
		rec, err := ParseLogLine(l.scanner.Text())
		if errors.Is(err, ErrNoFrame) {
			continue
		}
		return rec, err
	}
	if err := l.scanner.Err(); err != nil {
		return Record{}, err
	}
	return Record{}, io.EOF
}

// Open opens a capture file. Files ending in .cbor are CBOR sequences,
// anything else is read as a text log.
func Open(path string) (Source, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		return NewReader(bufio.NewReader(f)), f, nil
	}
	return NewLogReader(f), f, nil
}

// ReadAll drains src
func ReadAll(src Source) ([]Record, error) {
	var out []Record
	for {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// Window keeps records whose time of day lies in [start, end]. A zero bound
// is open.
func Window(records []Record, start, end time.Duration) []Record {
	if start == 0 && end == 0 {
		return records
	}
	var out []Record
	for _, r := range records {
		tod := sinceMidnight(r.At)
		if start != 0 && tod < start {
			continue
		}
		if end != 0 && tod > end {
			continue
		}
		out = append(out, r)
	}
	return out
}

func sinceMidnight(t time.Time) time.Duration {
	y, m, d := t.Date()
	return t.Sub(time.Date(y, m, d, 0, 0, 0, 0, t.Location()))
}

// ParseTimeOfDay parses "HH:MM:SS" or "HH:MM:SS.mmm" as an offset from midnight
func ParseTimeOfDay(s string) (time.Duration, error) {
	for _, layout := range []string{"15:04:05.000", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return sinceMidnight(t), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q (use HH:MM:SS[.mmm])", s)
}
