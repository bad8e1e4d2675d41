// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

package metrics

import "strings"

// Keys names the repository keys the derivations read
type Keys struct {
	FlowTempIn      string // return water (TW1)
	FlowTempOut     string // flow water (TW2)
	FlowRate        string // l/min
	ConsumedPower   string // instantaneous, kW
	ConsumedAccum   string // lifetime consumed energy
	GeneratedAccum  string // lifetime generated energy
	MinutesActive   string // lifetime compressor minutes
	DHWPower        string // domestic hot water on/off
	OperatingStatus string // outdoor unit status (OP_STOP, OP_SAFETY, ...)
	OperatingMode   string // indoor mode (AUTO, HEAT, ...)
	Zone1Power      string
	Zone2Power      string
	WaterLawTarget  string // weather-compensation flow target
	Zone1Setpoint   string
	Zone2Setpoint   string
}

// DefaultKeys returns the key names of the standard NASA repository
func DefaultKeys() Keys {
	return Keys{
		FlowTempIn:      "NASA_OUTDOOR_TW1_TEMP",
		FlowTempOut:     "NASA_OUTDOOR_TW2_TEMP",
		FlowRate:        "VAR_IN_FLOW_SENSOR_CALC",
		ConsumedPower:   "NASA_OUTDOOR_CONTROL_WATTMETER_ALL_UNIT",
		ConsumedAccum:   "NASA_OUTDOOR_CONTROL_WATTMETER_ALL_UNIT_ACCUM",
		GeneratedAccum:  "LVAR_IN_TOTAL_GENERATED_POWER",
		MinutesActive:   "LVAR_IN_MINUTES_ACTIVE",
		DHWPower:        "NASA_DHW_POWER",
		OperatingStatus: "NASA_OUTDOOR_OPERATION_STATUS",
		OperatingMode:   "NASA_INDOOR_OPMODE",
		Zone1Power:      "NASA_POWER",
		Zone2Power:      "NASA_POWER_ZONE2",
		WaterLawTarget:  "VAR_IN_TEMP_WATER_LAW_TARGET_F",
		Zone1Setpoint:   "VAR_IN_TEMP_WATER_OUTLET_TARGET_F",
		Zone2Setpoint:   "VAR_IN_TEMP_WATER_OUTLET_TARGET_ZONE2_F",
	}
}

// Derived keys produced by the pipeline
const (
	KeyHeatOutput       = "NASA_EHSSENTINEL_HEAT_OUTPUT"
	KeyCOP              = "NASA_EHSSENTINEL_COP"
	KeyTotalCOP         = "NASA_EHSSENTINEL_TOTAL_COP"
	KeyCompressorStarts = "NASA_EHSSENTINEL_COMPRESSOR_STARTS"
	KeyDefrostCount     = "NASA_EHSSENTINEL_DEFROST_COUNT"
	KeyTargetFlowTemp   = "NASA_EHSSENTINEL_TARGET_FLOW_TEMP"

	derivedPrefix = "NASA_EHSSENTINEL_"
)

// Mode is the operating mode energy is attributed to
type Mode int

// Modes
const (
	ModeHeat Mode = iota
	ModeDHW
)

func (m Mode) String() string {
	if m == ModeDHW {
		return "DHW"
	}
	return "HEAT"
}

// Counter is one of the monotonic hardware counters split by mode
type Counter int

// Counters
const (
	CounterMinutesActive Counter = iota
	CounterConsumedPower
	CounterGeneratedPower
)

var counterNames = [...]string{"MINUTES_ACTIVE", "CONSUMED_POWER", "GENERATED_POWER"}

func (c Counter) String() string {
	return counterNames[c]
}

// ModeKey names the running total of counter c in mode m
func ModeKey(m Mode, c Counter) string {
	return derivedPrefix + m.String() + "_" + c.String()
}

// DailyModeKey names the calendar-day total of counter c in mode m
func DailyModeKey(m Mode, c Counter) string {
	return derivedPrefix + "DAILY_" + m.String() + "_" + c.String()
}

// ModeCOPKey names the lifetime COP of mode m
func ModeCOPKey(m Mode) string {
	return derivedPrefix + m.String() + "_COP"
}

// PersistentKeys lists the derived keys worth restoring across restarts
func PersistentKeys() []string {
	keys := []string{KeyCompressorStarts, KeyDefrostCount}
	for _, m := range []Mode{ModeHeat, ModeDHW} {
		for c := CounterMinutesActive; c <= CounterGeneratedPower; c++ {
			keys = append(keys, ModeKey(m, c))
		}
	}
	return keys
}

// IsDerived reports whether key is produced by the pipeline rather than the bus
func IsDerived(key string) bool {
	return strings.HasPrefix(key, derivedPrefix)
}
