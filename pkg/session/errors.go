// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

package session

import (
	"errors"
	"fmt"
	"strings"
)

// Request layer errors
var (
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	ErrChannel             = errors.New("channel error")
	ErrSessionClosed       = fmt.Errorf("%w: session closed", ErrChannel)
	ErrNotConnected        = errors.New("not connected")
)

// BatchError reports a read batch that was never confirmed
type BatchError struct {
	Keys     []string
	Attempts int
	Err      error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("read of [%s] failed after %d attempts: %v", strings.Join(e.Keys, ", "), e.Attempts, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// WriteError reports a write whose value was never reported back
type WriteError struct {
	Keys     []string
	Attempts int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write of [%s] failed after %d attempts: %v", strings.Join(e.Keys, ", "), e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
