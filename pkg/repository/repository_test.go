// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

package repository

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
NASA_POWER:
  address: '0x4000'
  type: ENUM
  writable: true
  enum:
    0x00: 'OFF'
    0x01: 'ON'
NASA_OUTDOOR_TW1_TEMP:
  address: '0x4236'
  arithmetic: value / 10
  unit: C
VAR_IN_FSV_1011:
  address: '0x424A'
  arithmetic: value / 10
  reverse-arithmetic: value * 10
  writable: true
LVAR_IN_TOTAL_GENERATED_POWER:
  address: '0x4427'
STR_OUTDOOR_MODEL:
  address: '0x0607'
  destination: outdoor
`

func TestParse(t *testing.T) {
	r, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 5, r.Len())

	power, err := r.Lookup("NASA_POWER")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x4000), power.Address)
	assert.Equal(t, TypeEnum, power.Type)
	assert.True(t, power.Writable)
	assert.Equal(t, map[int64]string{0: "OFF", 1: "ON"}, power.Enum)
	assert.Equal(t, nasa.ClassIndoor, power.Destination)

	code, ok := power.EnumCode("ON")
	assert.True(t, ok)
	assert.Equal(t, int64(1), code)
	assert.Equal(t, []string{"OFF", "ON"}, power.EnumLabels())

	byAddr, err := r.LookupAddress(0x4236)
	require.NoError(t, err)
	assert.Equal(t, "NASA_OUTDOOR_TW1_TEMP", byAddr.Name)
	assert.Equal(t, "value / 10", byAddr.Arithmetic)
	assert.Equal(t, nasa.ClassOutdoor, byAddr.Destination)

	fsv, _ := r.Lookup("VAR_IN_FSV_1011")
	assert.Equal(t, "value * 10", fsv.ReverseArithmetic)
	assert.Equal(t, nasa.MessageVariable, fsv.MessageType())
}

func TestParse_TypeInference(t *testing.T) {
	r, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	tests := map[string]ValueType{
		"NASA_POWER":                    TypeEnum,
		"NASA_OUTDOOR_TW1_TEMP":         TypeVar,
		"VAR_IN_FSV_1011":               TypeVar,
		"LVAR_IN_TOTAL_GENERATED_POWER": TypeLVar,
		"STR_OUTDOOR_MODEL":             TypeStr,
	}
	for name, want := range tests {
		e, err := r.Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, want, e.Type, name)
	}
}

func TestParse_JSON(t *testing.T) {
	r, err := Parse([]byte(`{"NASA_POWER": {"address": "0x4000", "type": "ENUM", "enum": {"0": "OFF", "1": "ON"}}}`))
	require.NoError(t, err)
	e, err := r.Lookup("NASA_POWER")
	require.NoError(t, err)
	assert.Equal(t, "ON", e.Enum[1])
}

func TestParse_Errors(t *testing.T) {
	tests := map[string]string{
		"bad address":       "A:\n  address: 'zz'\n",
		"bad enum code":     "A:\n  address: '0x4000'\n  enum:\n    x: 'OFF'\n",
		"bad destination":   "A:\n  address: '0x4000'\n  destination: roof\n",
		"duplicate address": "A:\n  address: '0x4000'\nB:\n  address: '0x4000'\n",
		"not yaml":          "::::",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLookup_Unknown(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	_, err = r.Lookup("NOPE")
	assert.ErrorIs(t, err, ErrUnknownKey)
	_, err = r.LookupAddress(0x1234)
	assert.ErrorIs(t, err, ErrUnknownAddress)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nasa.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"LVAR_IN_TOTAL_GENERATED_POWER",
		"NASA_OUTDOOR_TW1_TEMP",
		"NASA_POWER",
		"STR_OUTDOOR_MODEL",
		"VAR_IN_FSV_1011",
	}, r.Names())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
