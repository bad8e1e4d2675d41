// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

package scan

import (
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
)

var csvHeader = []string{"address", "type", "payload", "key"}

// FormatAddress renders a message number as 0x4046
func FormatAddress(n uint16) string {
	return fmt.Sprintf("0x%04X", n)
}

// ParseAddress parses a hex message number with or without the 0x prefix
func ParseAddress(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uint16(v), nil
}

// WriteCSV writes results as address,type,payload,key
func WriteCSV(w io.Writer, results []Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range results {
		row := []string{
			FormatAddress(r.Address),
			r.Type.String(),
			strings.ToUpper(hex.EncodeToString(r.Payload)),
			r.Key,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a file written by WriteCSV
func ReadCSV(r io.Reader) ([]Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if rows[0][0] != csvHeader[0] {
		return nil, errors.New("missing address,type,payload,key header")
	}

	out := make([]Result, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) < 3 {
			return nil, fmt.Errorf("line %d: want at least 3 columns, got %d", i+2, len(row))
		}
		addr, err := ParseAddress(row[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+2, err)
		}
		payload, err := hex.DecodeString(row[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: payload: %w", i+2, err)
		}
		r := Result{Address: addr, Type: nasa.MessageTypeOf(addr), Payload: payload}
		if len(row) > 3 {
			r.Key = row[3]
		}
		out = append(out, r)
	}
	return out, nil
}

// Change is one address whose answer differs between two scans. Old or New
// is nil when the address answered in only one of them.
type Change struct {
	Address uint16
	Key     string
	Old     []byte
	New     []byte
}

func (c Change) String() string {
	show := func(b []byte) string {
		if b == nil {
			return "-"
		}
		return "0x" + strings.ToUpper(hex.EncodeToString(b))
	}
	name := ""
	if c.Key != "" {
		name = " " + c.Key
	}
	return fmt.Sprintf("CHANGE %s%s: %s -> %s", FormatAddress(c.Address), name, show(c.Old), show(c.New))
}

// Diff compares two scans. Addresses missing from cur are only reported
// when they were in the scanned range.
func Diff(prev, cur []Result, scanned []uint16) []Change {
	inRange := make(map[uint16]bool, len(scanned))
	for _, n := range scanned {
		inRange[n] = true
	}
	old := make(map[uint16]Result, len(prev))
	for _, r := range prev {
		old[r.Address] = r
	}

	var changes []Change
	seen := make(map[uint16]bool, len(cur))
	for _, r := range cur {
		seen[r.Address] = true
		o, ok := old[r.Address]
		switch {
		case !ok:
			changes = append(changes, Change{Address: r.Address, Key: r.Key, New: r.Payload})
		case !bytes.Equal(o.Payload, r.Payload):
			changes = append(changes, Change{Address: r.Address, Key: r.Key, Old: o.Payload, New: r.Payload})
		}
	}
	for _, o := range prev {
		if !seen[o.Address] && inRange[o.Address] {
			changes = append(changes, Change{Address: o.Address, Key: o.Key, Old: o.Payload})
		}
	}
	return changes
}
