// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nasa

import (
	"errors"
	"fmt"
)

// Decode error taxonomy. Concrete errors wrap one of these.
var (
	ErrFrameMalformed      = errors.New("frame malformed")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
	ErrMalformedHeader     = errors.New("malformed header")
	ErrUnknownAddressClass = fmt.Errorf("%w: unknown address class", ErrMalformedHeader)
	ErrUnknownPacketType   = fmt.Errorf("%w: unknown packet type", ErrMalformedHeader)
	ErrStreamClosed        = errors.New("stream closed")
)

// ChecksumError carries both CRC values of a rejected frame.
type ChecksumError struct {
	Computed uint16
	Embedded uint16
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("CRC mismatch: expected 0x%04X, got 0x%04X", e.Computed, e.Embedded)
}

// Unwrap lets errors.Is match ErrChecksumMismatch.
func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}
