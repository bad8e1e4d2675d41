// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echoDaveD/ehs-sentinel/pkg/transform"
)

func closed(h *Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

func TestRegistry_PresenceConfirmedByAnyValue(t *testing.T) {
	r := NewRegistry()
	h := r.Register("NASA_POWER", nil)

	assert.Equal(t, 1, r.Resolve("NASA_POWER", transform.Text("OFF")))
	assert.True(t, closed(h))
	assert.NoError(t, h.Err())
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ValueQualified(t *testing.T) {
	r := NewRegistry()
	want := transform.Number(45.5)
	h := r.Register("VAR_IN_FSV_1011", &want)

	assert.Equal(t, 0, r.Resolve("VAR_IN_FSV_1011", transform.Number(40)))
	assert.False(t, closed(h))
	assert.Equal(t, 0, r.Resolve("OTHER", transform.Number(45.5)))

	assert.Equal(t, 1, r.Resolve("VAR_IN_FSV_1011", transform.Number(45.5)))
	assert.True(t, closed(h))
	assert.NoError(t, h.Err())
}

func TestRegistry_ReleaseIsIdempotent(t *testing.T) {
	r := NewRegistry()
	h := r.Register("A", nil)
	other := r.Register("A", nil)

	h.Release()
	h.Release()
	assert.Equal(t, 1, r.Len())
	assert.False(t, closed(other))

	other.Release()
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_FailAll(t *testing.T) {
	r := NewRegistry()
	a := r.Register("A", nil)
	b := r.Register("B", nil)

	r.FailAll(ErrSessionClosed)
	assert.ErrorIs(t, a.Err(), ErrChannel)
	assert.ErrorIs(t, b.Err(), ErrChannel)
	assert.Equal(t, 0, r.Len())

	late := r.Register("C", nil)
	assert.True(t, closed(late))
	assert.ErrorIs(t, late.Err(), ErrSessionClosed)
}

func TestWaitAll_ReportsPending(t *testing.T) {
	r := NewRegistry()
	a := r.Register("A", nil)
	b := r.Register("B", nil)
	r.Resolve("A", transform.Number(1))

	pending, err := waitAll(context.Background(), []*Handle{a, b}, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.Equal(t, []string{"B"}, pending)
}

func TestWaitAll_AllConfirmed(t *testing.T) {
	r := NewRegistry()
	a := r.Register("A", nil)
	go func() {
		time.Sleep(5 * time.Millisecond)
		r.Resolve("A", transform.Number(1))
	}()

	pending, err := waitAll(context.Background(), []*Handle{a}, time.Second)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWaitAll_ContextCancelled(t *testing.T) {
	r := NewRegistry()
	a := r.Register("A", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := waitAll(ctx, []*Handle{a}, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
