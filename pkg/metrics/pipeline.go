// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

// Package metrics derives secondary values from decoded telemetry: heat
// output, COP, per-mode energy accounting and edge-triggered counters.
package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/echoDaveD/ehs-sentinel/pkg/transform"
	"go.uber.org/zap"
)

// Physical plausibility bands
const (
	maxHeatOutput = 15000.0 // W
	maxCOP        = 20.0

	specificHeatWater = 4190.0 // J/(kg*K)

	// maxChain bounds derivations triggered by one ingested value
	maxChain = 256
)

// Update is one key/value change surfaced to the collaborator
type Update struct {
	Key     string          `json:"key"`
	Value   transform.Value `json:"value"`
	Time    time.Time       `json:"time"`
	Derived bool            `json:"derived"`
}

type observation struct {
	value transform.Value
	at    time.Time
}

type derivation func(u Update, prev observation, hadPrev bool) []Update

// Pipeline owns the value store and the mode accounting state. Every decoded
// value and every derived value goes through Ingest.
type Pipeline struct {
	mu          sync.Mutex
	keys        Keys
	logger      *zap.Logger
	store       map[string]observation
	derivations map[string][]derivation

	dhwKnown     bool
	dhwOn        bool
	preMode      Mode
	transitionAt time.Time

	totals [2][3]float64
	daily  [2][3]float64
	day    time.Time
}

// New creates a pipeline reading the given source keys
func New(keys Keys, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		keys:        keys,
		logger:      logger,
		store:       make(map[string]observation),
		derivations: make(map[string][]derivation),
	}

	p.on(p.heatOutput, keys.FlowTempIn, keys.FlowTempOut, keys.FlowRate, keys.OperatingStatus)
	p.on(p.cop, KeyHeatOutput, keys.ConsumedPower)
	p.on(p.totalCOP, keys.ConsumedAccum, keys.GeneratedAccum)
	p.on(p.dhwToggle, keys.DHWPower)
	p.on(p.counter(CounterMinutesActive), keys.MinutesActive)
	p.on(p.counter(CounterConsumedPower), keys.ConsumedAccum)
	p.on(p.counter(CounterGeneratedPower), keys.GeneratedAccum)
	p.on(p.statusEdges, keys.OperatingStatus)
	p.on(p.targetFlow, keys.OperatingMode, keys.WaterLawTarget,
		keys.Zone1Power, keys.Zone2Power, keys.Zone1Setpoint, keys.Zone2Setpoint)
	return p
}

func (p *Pipeline) on(d derivation, keys ...string) {
	for _, k := range keys {
		if k != "" {
			p.derivations[k] = append(p.derivations[k], d)
		}
	}
}

// Ingest records one decoded value and runs the derivations it triggers.
// It returns the value itself followed by every derived value, in order.
func (p *Pipeline) Ingest(key string, v transform.Value, at time.Time) []Update {
	p.mu.Lock()
	defer p.mu.Unlock()

	queue := p.rollDay(at)
	queue = append(queue, Update{Key: key, Value: v, Time: at})

	var out []Update
	for steps := 0; len(queue) > 0; steps++ {
		if steps >= maxChain {
			p.logger.Warn("derivation chain truncated", zap.String("key", key), zap.Int("pending", len(queue)))
			break
		}
		u := queue[0]
		queue = queue[1:]

		prev, had := p.store[u.Key]
		if had && u.Time.Before(prev.at) {
			p.logger.Debug("ignoring stale sample", zap.String("key", u.Key),
				zap.Time("at", u.Time), zap.Time("stored", prev.at))
			continue
		}
		p.store[u.Key] = observation{value: u.Value, at: u.Time}
		out = append(out, u)

		for _, d := range p.derivations[u.Key] {
			queue = append(queue, d(u, prev, had)...)
		}
	}
	return out
}

// Seed sets the externally visible value of a key without running derivations.
// Used to restore counters before ingestion starts.
func (p *Pipeline) Seed(key string, v transform.Value, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.store[key] = observation{value: v, at: at}
	f, ok := v.Float()
	if !ok {
		return
	}
	for _, m := range []Mode{ModeHeat, ModeDHW} {
		for c := CounterMinutesActive; c <= CounterGeneratedPower; c++ {
			if ModeKey(m, c) == key {
				p.totals[m][c] = f
			}
		}
	}
}

// Get returns the stored value of key
func (p *Pipeline) Get(key string) (Update, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.store[key]
	if !ok {
		return Update{}, false
	}
	return Update{Key: key, Value: o.value, Time: o.at, Derived: IsDerived(key)}, true
}

// Values returns every stored value sorted by key
func (p *Pipeline) Values() []Update {
	p.mu.Lock()
	out := make([]Update, 0, len(p.store))
	for k, o := range p.store {
		out = append(out, Update{Key: k, Value: o.value, Time: o.at, Derived: IsDerived(k)})
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (p *Pipeline) derived(key string, v transform.Value, at time.Time) Update {
	return Update{Key: key, Value: v, Time: at, Derived: true}
}

func (p *Pipeline) number(key string) (float64, bool) {
	o, ok := p.store[key]
	if !ok {
		return 0, false
	}
	return o.value.Float()
}

// rollDay zeroes the daily totals on the first sample of a new calendar day
func (p *Pipeline) rollDay(at time.Time) []Update {
	y, m, d := at.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, at.Location())
	if p.day.IsZero() {
		p.day = day
		return nil
	}
	if !day.After(p.day) {
		return nil
	}
	p.day = day
	p.daily = [2][3]float64{}
	p.logger.Info("new day, daily totals reset", zap.Time("day", day))

	var resets []Update
	for _, mode := range []Mode{ModeHeat, ModeDHW} {
		for c := CounterMinutesActive; c <= CounterGeneratedPower; c++ {
			resets = append(resets, p.derived(DailyModeKey(mode, c), transform.Number(0), at))
		}
	}
	return resets
}

// ============================================================
// Heat output and COP
// ============================================================

func (p *Pipeline) heatOutput(u Update, _ observation, _ bool) []Update {
	tin, ok1 := p.number(p.keys.FlowTempIn)
	tout, ok2 := p.number(p.keys.FlowTempOut)
	flow, ok3 := p.number(p.keys.FlowRate)
	if !ok1 || !ok2 || !ok3 {
		return nil
	}

	output := round(math.Abs(tout-tin)*(flow/60)*specificHeatWater, 4)
	if p.stopped() {
		output = 0
	}
	if output < 0 || output >= maxHeatOutput {
		p.logger.Debug("heat output out of range", zap.Float64("output", output))
		return nil
	}
	return []Update{p.derived(KeyHeatOutput, transform.Number(output), u.Time)}
}

func (p *Pipeline) cop(u Update, _ observation, _ bool) []Update {
	heat, ok1 := p.number(KeyHeatOutput)
	consumed, ok2 := p.number(p.keys.ConsumedPower)
	if !ok1 || !ok2 || consumed <= 0 {
		return nil
	}
	// heat output is W, the wattmeter reports kW
	return p.ratio(KeyCOP, heat, consumed*1000, u.Time)
}

func (p *Pipeline) totalCOP(u Update, _ observation, _ bool) []Update {
	generated, ok1 := p.number(p.keys.GeneratedAccum)
	consumed, ok2 := p.number(p.keys.ConsumedAccum)
	if !ok1 || !ok2 || consumed <= 0 {
		return nil
	}
	return p.ratio(KeyTotalCOP, generated, consumed, u.Time)
}

func (p *Pipeline) ratio(key string, num, den float64, at time.Time) []Update {
	if den <= 0 {
		return nil
	}
	v := round(num/den, 3)
	if v < 0 || v >= maxCOP {
		return nil
	}
	return []Update{p.derived(key, transform.Number(v), at)}
}

// ============================================================
// Mode-split accounting
// ============================================================

func (p *Pipeline) mode() Mode {
	if p.dhwOn {
		return ModeDHW
	}
	return ModeHeat
}

func (p *Pipeline) dhwToggle(u Update, _ observation, _ bool) []Update {
	on := isOn(u.Value)
	if !p.dhwKnown {
		p.dhwKnown = true
		p.dhwOn = on
		return nil
	}
	if on != p.dhwOn {
		p.preMode = p.mode()
		p.dhwOn = on
		p.transitionAt = u.Time
		p.logger.Debug("mode transition", zap.Stringer("from", p.preMode), zap.Stringer("to", p.mode()),
			zap.Time("at", u.Time))
	}
	return nil
}

func (p *Pipeline) counter(c Counter) derivation {
	return func(u Update, prev observation, had bool) []Update {
		if !had {
			return nil
		}
		nv, ok1 := u.Value.Float()
		ov, ok2 := prev.value.Float()
		if !ok1 || !ok2 {
			return nil
		}
		delta := nv - ov
		elapsed := u.Time.Sub(prev.at)
		if delta <= 0 || elapsed <= 0 {
			return nil
		}

		post := p.mode()
		touched := make(map[Mode]bool, 2)
		switch {
		case !p.transitionAt.After(prev.at):
			// the whole interval ran in the current mode
			p.credit(post, c, delta)
			touched[post] = true
		case p.transitionAt.Before(u.Time):
			fraction := float64(p.transitionAt.Sub(prev.at)) / float64(elapsed)
			before := delta * fraction
			p.credit(p.preMode, c, before)
			p.credit(post, c, delta-before)
			touched[p.preMode] = true
			touched[post] = true
		default:
			// the transition is at or after this sample, so the interval
			// ran entirely in the previous mode
			p.credit(p.preMode, c, delta)
			touched[p.preMode] = true
		}

		var out []Update
		for _, m := range []Mode{ModeHeat, ModeDHW} {
			if !touched[m] {
				continue
			}
			out = append(out,
				p.derived(ModeKey(m, c), transform.Number(round(p.totals[m][c], 3)), u.Time),
				p.derived(DailyModeKey(m, c), transform.Number(round(p.daily[m][c], 3)), u.Time),
			)
			if c != CounterMinutesActive {
				out = append(out, p.ratio(ModeCOPKey(m),
					p.totals[m][CounterGeneratedPower], p.totals[m][CounterConsumedPower], u.Time)...)
			}
		}
		return out
	}
}

func (p *Pipeline) credit(m Mode, c Counter, amount float64) {
	p.totals[m][c] += amount
	p.daily[m][c] += amount
}

// ============================================================
// Edge-triggered counters
// ============================================================

func (p *Pipeline) stopped() bool {
	o, ok := p.store[p.keys.OperatingStatus]
	return ok && statusLabel(o.value) == "STOP"
}

func (p *Pipeline) statusEdges(u Update, prev observation, had bool) []Update {
	if !had {
		return nil
	}
	from, to := statusLabel(prev.value), statusLabel(u.Value)

	var key string
	switch {
	case from == "STOP" && to == "SAFETY":
		key = KeyCompressorStarts
	case from == "NORMAL" && to == "DEICE":
		key = KeyDefrostCount
	default:
		return nil
	}

	count, _ := p.number(key)
	return []Update{p.derived(key, transform.Number(count+1), u.Time)}
}

// ============================================================
// Target flow temperature
// ============================================================

func (p *Pipeline) targetFlow(u Update, _ observation, _ bool) []Update {
	o, ok := p.store[p.keys.OperatingMode]
	if !ok {
		return nil
	}

	var source string
	switch statusLabel(o.value) {
	case "AUTO":
		source = p.keys.WaterLawTarget
	case "HEAT":
		switch {
		case p.flagOn(p.keys.Zone1Power):
			source = p.keys.Zone1Setpoint
		case p.flagOn(p.keys.Zone2Power):
			source = p.keys.Zone2Setpoint
		}
	}
	if source == "" {
		return nil
	}

	target, ok := p.number(source)
	if !ok {
		return nil
	}
	return []Update{p.derived(KeyTargetFlowTemp, transform.Number(target), u.Time)}
}

func (p *Pipeline) flagOn(key string) bool {
	o, ok := p.store[key]
	return ok && isOn(o.value)
}

// ============================================================
// Helpers
// ============================================================

func isOn(v transform.Value) bool {
	if f, ok := v.Float(); ok {
		return f != 0
	}
	switch strings.ToUpper(strings.TrimSpace(v.String())) {
	case "ON", "TRUE", "1":
		return true
	}
	return false
}

// statusLabel normalizes enum labels such as "OP_STOP" to "STOP"
func statusLabel(v transform.Value) string {
	s := strings.ToUpper(strings.TrimSpace(v.String()))
	return strings.TrimPrefix(s, "OP_")
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
