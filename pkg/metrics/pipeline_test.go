// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

package metrics

import (
	"testing"
	"time"

	"github.com/echoDaveD/ehs-sentinel/pkg/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	num  = transform.Number
	text = transform.Text
	t0   = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
)

func find(updates []Update, key string) (transform.Value, bool) {
	for i := len(updates) - 1; i >= 0; i-- {
		if updates[i].Key == key {
			return updates[i].Value, true
		}
	}
	return transform.Value{}, false
}

func mustFloat(t *testing.T, updates []Update, key string) float64 {
	t.Helper()
	v, ok := find(updates, key)
	require.True(t, ok, "no update for %s", key)
	f, ok := v.Float()
	require.True(t, ok, "%s is not numeric", key)
	return f
}

func stored(t *testing.T, p *Pipeline, key string) float64 {
	t.Helper()
	f, ok := p.number(key)
	require.True(t, ok, "%s not stored", key)
	return f
}

// ============================================================
// Ingest
// ============================================================

func TestIngest_StoresAndEchoes(t *testing.T) {
	p := New(DefaultKeys(), nil)
	out := p.Ingest("NASA_POWER", text("ON"), t0)
	require.Len(t, out, 1)
	assert.Equal(t, "NASA_POWER", out[0].Key)
	assert.False(t, out[0].Derived)
	assert.Equal(t, text("ON"), p.store["NASA_POWER"].value)
}

func TestIngest_IgnoresStaleSamples(t *testing.T) {
	p := New(DefaultKeys(), nil)
	p.Ingest("VAR_X", num(2), t0.Add(time.Second))
	out := p.Ingest("VAR_X", num(1), t0)
	assert.Empty(t, out)
	assert.Equal(t, 2.0, stored(t, p, "VAR_X"))
}

// ============================================================
// Heat output and COP
// ============================================================

func TestHeatOutput(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)

	p.Ingest(k.FlowTempIn, num(30), t0)
	p.Ingest(k.FlowTempOut, num(35), t0)
	out := p.Ingest(k.FlowRate, num(12), t0)

	// 5 K * 0.2 l/s * 4190
	assert.InDelta(t, 4190.0, mustFloat(t, out, KeyHeatOutput), 1e-9)
	assert.True(t, out[1].Derived)
}

func TestHeatOutput_ForcedToZeroWhenStopped(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)
	p.Ingest(k.FlowTempIn, num(30), t0)
	p.Ingest(k.FlowTempOut, num(35), t0)
	p.Ingest(k.FlowRate, num(12), t0)

	out := p.Ingest(k.OperatingStatus, text("OP_STOP"), t0)
	assert.Equal(t, 0.0, mustFloat(t, out, KeyHeatOutput))
}

func TestHeatOutput_OutOfBandDropped(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)
	p.Ingest(k.FlowTempIn, num(20), t0)
	p.Ingest(k.FlowTempOut, num(60), t0)
	out := p.Ingest(k.FlowRate, num(30), t0)

	_, ok := find(out, KeyHeatOutput)
	assert.False(t, ok)
}

func TestCOP_ChainsFromHeatOutput(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)
	p.Ingest(k.ConsumedPower, num(1.0), t0)
	p.Ingest(k.FlowTempIn, num(30), t0)
	p.Ingest(k.FlowTempOut, num(35), t0)
	out := p.Ingest(k.FlowRate, num(12), t0)

	assert.InDelta(t, 4.19, mustFloat(t, out, KeyCOP), 1e-9)
}

func TestCOP_ZeroConsumptionSkipped(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)
	p.Ingest(KeyHeatOutput, num(4000), t0)
	out := p.Ingest(k.ConsumedPower, num(0), t0)
	_, ok := find(out, KeyCOP)
	assert.False(t, ok)
}

func TestTotalCOP(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)
	p.Ingest(k.GeneratedAccum, num(3500), t0)
	out := p.Ingest(k.ConsumedAccum, num(1000), t0)
	assert.Equal(t, 3.5, mustFloat(t, out, KeyTotalCOP))

	out = p.Ingest(k.GeneratedAccum, num(30000), t0.Add(time.Minute))
	_, ok := find(out, KeyTotalCOP)
	assert.False(t, ok, "COP above band must be dropped")
}

// ============================================================
// Mode-split accounting
// ============================================================

func TestModeSplit_ProportionalAcrossTransition(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)

	p.Ingest(k.DHWPower, text("OFF"), t0.Add(-time.Hour))
	p.Ingest(k.ConsumedAccum, num(100), t0)
	p.Ingest(k.DHWPower, text("ON"), t0.Add(15*time.Second))
	out := p.Ingest(k.ConsumedAccum, num(130), t0.Add(60*time.Second))

	heat := mustFloat(t, out, ModeKey(ModeHeat, CounterConsumedPower))
	dhw := mustFloat(t, out, ModeKey(ModeDHW, CounterConsumedPower))
	assert.Equal(t, 7.5, heat)
	assert.Equal(t, 22.5, dhw)
	assert.Equal(t, 30.0, heat+dhw)

	assert.Equal(t, 7.5, mustFloat(t, out, DailyModeKey(ModeHeat, CounterConsumedPower)))
	assert.Equal(t, 22.5, mustFloat(t, out, DailyModeKey(ModeDHW, CounterConsumedPower)))
}

func TestModeSplit_WholeIntervalInOneMode(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)

	p.Ingest(k.DHWPower, text("ON"), t0.Add(-time.Hour))
	p.Ingest(k.MinutesActive, num(500), t0)
	out := p.Ingest(k.MinutesActive, num(510), t0.Add(10*time.Minute))

	assert.Equal(t, 10.0, mustFloat(t, out, ModeKey(ModeDHW, CounterMinutesActive)))
	_, ok := find(out, ModeKey(ModeHeat, CounterMinutesActive))
	assert.False(t, ok)
}

func TestModeSplit_TransitionBeforeIntervalCreditsCurrentMode(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)

	p.Ingest(k.DHWPower, num(0), t0.Add(-2*time.Hour))
	p.Ingest(k.DHWPower, num(1), t0.Add(-time.Hour))
	p.Ingest(k.GeneratedAccum, num(10), t0)
	out := p.Ingest(k.GeneratedAccum, num(14), t0.Add(time.Minute))

	assert.Equal(t, 4.0, mustFloat(t, out, ModeKey(ModeDHW, CounterGeneratedPower)))
}

func TestModeSplit_TransitionAtSampleTimeCreditsPreviousMode(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)

	p.Ingest(k.DHWPower, text("OFF"), t0.Add(-time.Hour))
	p.Ingest(k.MinutesActive, num(100), t0)
	// toggle and counter arrive in the same read chunk
	p.Ingest(k.DHWPower, text("ON"), t0.Add(10*time.Minute))
	out := p.Ingest(k.MinutesActive, num(110), t0.Add(10*time.Minute))

	assert.Equal(t, 10.0, mustFloat(t, out, ModeKey(ModeHeat, CounterMinutesActive)))
	_, ok := find(out, ModeKey(ModeDHW, CounterMinutesActive))
	assert.False(t, ok)
	assert.Equal(t, 0.0, p.totals[ModeDHW][CounterMinutesActive])
}

func TestModeSplit_TransitionAfterSampleCreditsPreviousMode(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)

	p.Ingest(k.DHWPower, text("OFF"), t0.Add(-time.Hour))
	p.Ingest(k.MinutesActive, num(100), t0)
	// a later toggle ingested before an older counter sample
	p.Ingest(k.DHWPower, text("ON"), t0.Add(20*time.Minute))
	out := p.Ingest(k.MinutesActive, num(110), t0.Add(10*time.Minute))

	assert.Equal(t, 10.0, mustFloat(t, out, ModeKey(ModeHeat, CounterMinutesActive)))
	assert.Equal(t, 10.0, mustFloat(t, out, DailyModeKey(ModeHeat, CounterMinutesActive)))
	assert.Equal(t, 0.0, p.totals[ModeDHW][CounterMinutesActive])

	// the next interval straddles the toggle and is split
	out = p.Ingest(k.MinutesActive, num(130), t0.Add(30*time.Minute))
	assert.Equal(t, 20.0, mustFloat(t, out, ModeKey(ModeHeat, CounterMinutesActive)))
	assert.Equal(t, 10.0, mustFloat(t, out, ModeKey(ModeDHW, CounterMinutesActive)))
}

func TestModeSplit_RejectsNonPositive(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)

	p.Ingest(k.ConsumedAccum, num(100), t0)
	out := p.Ingest(k.ConsumedAccum, num(100), t0.Add(time.Minute))
	_, ok := find(out, ModeKey(ModeHeat, CounterConsumedPower))
	assert.False(t, ok, "zero delta")

	out = p.Ingest(k.ConsumedAccum, num(90), t0.Add(2*time.Minute))
	_, ok = find(out, ModeKey(ModeHeat, CounterConsumedPower))
	assert.False(t, ok, "negative delta")

	out = p.Ingest(k.ConsumedAccum, num(95), t0.Add(2*time.Minute))
	_, ok = find(out, ModeKey(ModeHeat, CounterConsumedPower))
	assert.False(t, ok, "zero elapsed")

	assert.Equal(t, [2][3]float64{}, p.totals)
}

func TestModeSplit_ModeCOP(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)

	p.Ingest(k.ConsumedAccum, num(100), t0)
	p.Ingest(k.GeneratedAccum, num(300), t0)
	p.Ingest(k.ConsumedAccum, num(102), t0.Add(time.Minute))
	out := p.Ingest(k.GeneratedAccum, num(308), t0.Add(time.Minute))

	assert.Equal(t, 4.0, mustFloat(t, out, ModeCOPKey(ModeHeat)))
}

func TestDailyReset_OncePerDate(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)
	daily := DailyModeKey(ModeHeat, CounterMinutesActive)

	late := time.Date(2025, 3, 14, 23, 58, 0, 0, time.UTC)
	p.Ingest(k.MinutesActive, num(0), late)
	out := p.Ingest(k.MinutesActive, num(1), late.Add(time.Minute))
	assert.Equal(t, 1.0, mustFloat(t, out, daily))

	resets := 0
	count := func(out []Update) {
		for _, u := range out {
			if u.Key == daily {
				if f, _ := u.Value.Float(); f == 0 {
					resets++
				}
			}
		}
	}

	// First sample after midnight resets, and its own delta lands on the new day
	out = p.Ingest(k.MinutesActive, num(3), late.Add(3*time.Minute))
	count(out)
	assert.Equal(t, 2.0, mustFloat(t, out, daily))
	assert.Equal(t, 3.0, mustFloat(t, out, ModeKey(ModeHeat, CounterMinutesActive)))

	for i := 4; i < 10; i++ {
		count(p.Ingest(k.MinutesActive, num(float64(i)), late.Add(time.Duration(i)*time.Minute)))
	}
	count(p.Ingest("VAR_OTHER", num(1), late.Add(20*time.Minute)))
	assert.Equal(t, 1, resets)
	assert.Equal(t, 8.0, p.daily[ModeHeat][CounterMinutesActive])
}

// ============================================================
// Edge-triggered counters
// ============================================================

func TestStatusEdges(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)

	steps := []string{"OP_STOP", "OP_SAFETY", "OP_NORMAL", "OP_DEICE", "OP_NORMAL", "OP_STOP", "OP_SAFETY", "OP_SAFETY"}
	for i, s := range steps {
		p.Ingest(k.OperatingStatus, text(s), t0.Add(time.Duration(i)*time.Second))
	}

	assert.Equal(t, 2.0, stored(t, p, KeyCompressorStarts))
	assert.Equal(t, 1.0, stored(t, p, KeyDefrostCount))
}

func TestStatusEdges_ContinueFromSeed(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)
	p.Seed(KeyDefrostCount, num(41), t0)

	p.Ingest(k.OperatingStatus, text("OP_NORMAL"), t0)
	out := p.Ingest(k.OperatingStatus, text("OP_DEICE"), t0.Add(time.Second))
	assert.Equal(t, 42.0, mustFloat(t, out, KeyDefrostCount))
}

func TestSeed_RestoresModeTotals(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)
	p.Seed(ModeKey(ModeHeat, CounterConsumedPower), num(50), t0)

	p.Ingest(k.ConsumedAccum, num(100), t0)
	out := p.Ingest(k.ConsumedAccum, num(110), t0.Add(time.Minute))
	assert.Equal(t, 60.0, mustFloat(t, out, ModeKey(ModeHeat, CounterConsumedPower)))
}

// ============================================================
// Target flow temperature
// ============================================================

func TestTargetFlow(t *testing.T) {
	k := DefaultKeys()
	p := New(k, nil)

	p.Ingest(k.WaterLawTarget, num(38), t0)
	p.Ingest(k.Zone1Setpoint, num(45), t0)
	p.Ingest(k.Zone2Setpoint, num(30), t0)

	out := p.Ingest(k.OperatingMode, text("AUTO"), t0)
	assert.Equal(t, 38.0, mustFloat(t, out, KeyTargetFlowTemp))

	out = p.Ingest(k.OperatingMode, text("HEAT"), t0)
	_, ok := find(out, KeyTargetFlowTemp)
	assert.False(t, ok, "no zone powered")

	out = p.Ingest(k.Zone2Power, text("ON"), t0)
	assert.Equal(t, 30.0, mustFloat(t, out, KeyTargetFlowTemp))

	out = p.Ingest(k.Zone1Power, text("ON"), t0)
	assert.Equal(t, 45.0, mustFloat(t, out, KeyTargetFlowTemp))

	out = p.Ingest(k.OperatingMode, text("COOL"), t0)
	_, ok = find(out, KeyTargetFlowTemp)
	assert.False(t, ok)
}

func TestPersistentKeys(t *testing.T) {
	keys := PersistentKeys()
	assert.Len(t, keys, 8)
	assert.Contains(t, keys, "NASA_EHSSENTINEL_DHW_CONSUMED_POWER")
	assert.Contains(t, keys, KeyCompressorStarts)
}

func TestGetAndValues(t *testing.T) {
	p := New(DefaultKeys(), nil)
	p.Ingest("NASA_POWER", text("ON"), t0)
	p.Seed(KeyDefrostCount, num(4), time.Time{})

	u, ok := p.Get("NASA_POWER")
	require.True(t, ok)
	assert.Equal(t, "ON", u.Value.String())
	assert.False(t, u.Derived)

	_, ok = p.Get("MISSING")
	assert.False(t, ok)

	values := p.Values()
	require.GreaterOrEqual(t, len(values), 2)
	for i := 1; i < len(values); i++ {
		assert.Less(t, values[i-1].Key, values[i].Key)
	}
	d, ok := p.Get(KeyDefrostCount)
	require.True(t, ok)
	assert.True(t, d.Derived)
}
