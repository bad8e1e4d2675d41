// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

package exporter

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echoDaveD/ehs-sentinel/pkg/metrics"
	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
	"github.com/echoDaveD/ehs-sentinel/pkg/transform"
)

func TestHandle_NumericValuesOnly(t *testing.T) {
	e := New(nasa.NewStatistics(), nil)

	e.Handle(metrics.Update{Key: "NASA_OUTDOOR_TW1_TEMP", Value: transform.Number(21.5)})
	e.Handle(metrics.Update{Key: "NASA_POWER", Value: transform.Text("ON")})
	e.Handle(metrics.Update{Key: "NASA_EHSSENTINEL_COP", Value: transform.Number(3.2), Derived: true})

	assert.Equal(t, 21.5, testutil.ToFloat64(e.values.WithLabelValues("NASA_OUTDOOR_TW1_TEMP")))
	assert.Equal(t, 2, testutil.CollectAndCount(e.values))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.updates.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.updates.WithLabelValues("true")))
}

func TestHandler_ExposesFrameCounters(t *testing.T) {
	stats := nasa.NewStatistics()
	stats.Update(nil, &nasa.ChecksumError{Computed: 1, Embedded: 2}, nil)
	stats.RecordDrop()

	e := New(stats, nil)
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `ehs_frames_total{result="checksum_error"} 1`), text)
	assert.True(t, strings.Contains(text, `ehs_frames_total{result="dropped"} 1`), text)
}
