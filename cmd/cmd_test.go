// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 ehs-sentinel contributors

package cmd

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echoDaveD/ehs-sentinel/internal/capture"
	"github.com/echoDaveD/ehs-sentinel/pkg/metrics"
	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
	"github.com/echoDaveD/ehs-sentinel/pkg/repository"
	"github.com/echoDaveD/ehs-sentinel/pkg/session"
	"github.com/echoDaveD/ehs-sentinel/pkg/transform"
)

func testRepository(t *testing.T) *repository.Repository {
	t.Helper()
	repo, err := repository.New(
		&repository.Entry{Name: "NASA_POWER", Address: 0x4000, Type: repository.TypeEnum, Writable: true,
			Enum: map[int64]string{0: "OFF", 1: "ON"}},
		&repository.Entry{Name: "NASA_OUTDOOR_TW1_TEMP", Address: 0x4236, Type: repository.TypeVar,
			Arithmetic: "value / 10", Unit: "C"},
		&repository.Entry{Name: "VAR_IN_FSV_1011", Address: 0x424A, Type: repository.TypeVar, Writable: true,
			Arithmetic: "value / 10", ReverseArithmetic: "value * 10"},
	)
	require.NoError(t, err)
	return repo
}

func testFrame(t *testing.T, src nasa.AddressClass, msgs ...nasa.Message) []byte {
	t.Helper()
	p := &nasa.Packet{
		Source:      nasa.Address{Class: src},
		Destination: nasa.Address{Class: nasa.ClassBroadcastSetLayer},
		Version:     nasa.ProtocolVersion,
		PacketType:  nasa.PacketNormal,
		DataType:    nasa.DataNotification,
		Messages:    msgs,
	}
	raw, err := p.Encode()
	require.NoError(t, err)
	return raw
}

func message(t *testing.T, number uint16, value int64) nasa.Message {
	t.Helper()
	m, err := nasa.NewMessage(number, value)
	require.NoError(t, err)
	return m
}

// ============================================================
// read / run helpers
// ============================================================

func TestSplitKeys(t *testing.T) {
	got := splitKeys([]string{"NASA_POWER,VAR_IN_FSV_1011", " NASA_OUTDOOR_TW1_TEMP ", ",,"})
	assert.Equal(t, []string{"NASA_POWER", "VAR_IN_FSV_1011", "NASA_OUTDOOR_TW1_TEMP"}, got)
	assert.Empty(t, splitKeys(nil))
}

func TestFanout_DeliversToEveryHandlerInOrder(t *testing.T) {
	var f fanout
	var got []string
	f.add(func(u metrics.Update) { got = append(got, "a:"+u.Key) })
	f.add(func(u metrics.Update) { got = append(got, "b:"+u.Key) })

	f.handle(metrics.Update{Key: "NASA_POWER"})
	assert.Equal(t, []string{"a:NASA_POWER", "b:NASA_POWER"}, got)
}

func TestCollector(t *testing.T) {
	c := &collector{values: make(map[string]metrics.Update)}
	c.handle(metrics.Update{Key: "NASA_POWER", Value: transform.Text("ON")})

	u, ok := c.get("NASA_POWER")
	require.True(t, ok)
	assert.Equal(t, "ON", u.Value.String())
	_, ok = c.get("VAR_IN_FSV_1011")
	assert.False(t, ok)
}

// ============================================================
// monitor
// ============================================================

func TestBusMonitor_SynchronizesThenDecodes(t *testing.T) {
	var msgs []any
	mon := &busMonitor{
		engine:   transform.NewEngine(testRepository(t), nil),
		pipeline: metrics.New(metrics.DefaultKeys(), nil),
		stats:    nasa.NewStatistics(),
		emit:     func(msg tea.Msg) { msgs = append(msgs, msg) },
	}

	good := testFrame(t, nasa.ClassIndoor, message(t, 0x4000, 1))
	bad := append([]byte(nil), good...)
	bad[len(bad)-2] ^= 0xFF // corrupt the CRC

	now := time.Now()
	mon.frame(bad, now)
	mon.discard(nasa.ErrFrameMalformed)
	assert.Empty(t, msgs, "errors before the first valid packet are not reported")

	mon.frame(good, now)
	require.Len(t, msgs, 2)
	assert.Equal(t, syncMsg{rejected: 2}, msgs[0])

	fm, ok := msgs[1].(frameMsg)
	require.True(t, ok)
	require.NotNil(t, fm.packet)
	require.NotEmpty(t, fm.updates)
	assert.Equal(t, "NASA_POWER", fm.updates[0].Key)
	assert.Equal(t, "ON", fm.updates[0].Value.String())

	mon.frame(bad, now)
	require.Len(t, msgs, 3)
	assert.Error(t, msgs[2].(frameMsg).decodeErr)

	snap := mon.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.ValidPackets)
}

func TestBusMonitor_IgnoresValuesFromOtherDevices(t *testing.T) {
	var msgs []any
	mon := &busMonitor{
		engine:       transform.NewEngine(testRepository(t), nil),
		pipeline:     metrics.New(metrics.DefaultKeys(), nil),
		stats:        nasa.NewStatistics(),
		synchronized: true,
		emit:         func(msg tea.Msg) { msgs = append(msgs, msg) },
	}

	mon.frame(testFrame(t, nasa.ClassWiFiKit, message(t, 0x4000, 1)), time.Now())
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].(frameMsg).updates)
}

func TestBusMonitor_EmitsIntoProgram(t *testing.T) {
	p := tea.NewProgram(initialModel("test", 10, false, nasa.NewStatistics()),
		tea.WithInput(nil), tea.WithOutput(io.Discard))

	mon := &busMonitor{stats: nasa.NewStatistics()}
	mon.emit = p.Send
	assert.NotNil(t, mon.emit)
}

func TestMonitorModel_StoresAndFiltersValues(t *testing.T) {
	m := initialModel("test", 10, false, nasa.NewStatistics())

	next, _ := m.Update(frameMsg{
		at:     time.Now(),
		packet: &nasa.Packet{},
		updates: []metrics.Update{
			{Key: "NASA_OUTDOOR_TW1_TEMP", Value: transform.Number(25)},
			{Key: "NASA_POWER", Value: transform.Text("ON")},
			{Key: metrics.KeyHeatOutput, Value: transform.Number(4190), Derived: true},
		},
	})
	m = next.(model)
	assert.Len(t, m.visibleValues(), 3)

	m.filter.SetValue("tw1")
	vis := m.visibleValues()
	require.Len(t, vis, 1)
	assert.Equal(t, "NASA_OUTDOOR_TW1_TEMP", vis[0].Key)

	next, _ = m.Update(syncMsg{rejected: 4})
	m = next.(model)
	assert.True(t, m.synchronized)
	require.NotEmpty(t, m.errorLog)
	assert.Contains(t, m.errorLog[len(m.errorLog)-1].message, "4 frames")
	assert.NotEmpty(t, m.View())
}

func TestMonitorModel_LogIsBounded(t *testing.T) {
	m := initialModel("test", 10, true, nasa.NewStatistics())
	for i := 0; i < 150; i++ {
		m.addLogEntry("entry", false)
	}
	assert.Len(t, m.errorLog, m.maxLogEntries)
}

// ============================================================
// encode
// ============================================================

func TestParseBusAddress(t *testing.T) {
	a, err := parseBusAddress("80.FF.00")
	require.NoError(t, err)
	assert.Equal(t, session.ReadSource, a)

	for _, bad := range []string{"80.FF", "80.FF.GG", "80.FF.100", "EE.00.00"} {
		_, err := parseBusAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseDataAndPacketType(t *testing.T) {
	dt, err := parseDataType("write")
	require.NoError(t, err)
	assert.Equal(t, nasa.DataWrite, dt)

	dt, err = parseDataType("NOTIFICATION")
	require.NoError(t, err)
	assert.Equal(t, nasa.DataNotification, dt)

	_, err = parseDataType("broadcast")
	assert.Error(t, err)

	pt, err := parsePacketType("normal")
	require.NoError(t, err)
	assert.Equal(t, nasa.PacketNormal, pt)

	_, err = parsePacketType("urgent")
	assert.Error(t, err)
}

func TestParseMessageArg(t *testing.T) {
	engine := transform.NewEngine(testRepository(t), nil)

	m, err := parseMessageArg(nil, "0x4201=450")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x4201), m.Number)
	assert.Equal(t, int64(450), m.Int())

	m, err = parseMessageArg(nil, "0x4000")
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, m.Payload)

	m, err = parseMessageArg(engine, "NASA_POWER=ON")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x4000), m.Number)
	assert.Equal(t, int64(1), m.Int())

	m, err = parseMessageArg(engine, "VAR_IN_FSV_1011=45.5")
	require.NoError(t, err)
	assert.Equal(t, int64(455), m.Int())

	m, err = parseMessageArg(engine, "NASA_OUTDOOR_TW1_TEMP")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, m.Payload)

	_, err = parseMessageArg(engine, "NASA_UNKNOWN=1")
	assert.Error(t, err)
	_, err = parseMessageArg(nil, "NASA_POWER=ON")
	assert.Error(t, err)
	_, err = parseMessageArg(nil, "0xZZZZ=1")
	assert.Error(t, err)
}

func TestNeedsRepository(t *testing.T) {
	assert.False(t, needsRepository([]string{"0x4000=1", "0X4201"}))
	assert.True(t, needsRepository([]string{"0x4000=1", "NASA_POWER"}))
}

// ============================================================
// discover
// ============================================================

func TestDeviceTable(t *testing.T) {
	table := newDeviceTable()
	now := time.Now()

	outdoor := &nasa.Packet{Source: nasa.Address{Class: nasa.ClassOutdoor}, DataType: nasa.DataNotification,
		Messages: []nasa.Message{{}, {}}}
	indoor := &nasa.Packet{Source: nasa.Address{Class: nasa.ClassIndoor}, DataType: nasa.DataNotification,
		Messages: []nasa.Message{{}}}

	assert.True(t, table.observe(indoor, now))
	assert.True(t, table.observe(outdoor, now))
	assert.False(t, table.observe(outdoor, now.Add(time.Second)))

	devices := table.list()
	require.Len(t, devices, 2)
	assert.Equal(t, nasa.ClassOutdoor, devices[0].address.Class)
	assert.Equal(t, 2, devices[0].packets)
	assert.Equal(t, 4, devices[0].messages)
	assert.Equal(t, "Notification:2", formatDataTypes(devices[0].dataTypes))
	assert.Equal(t, nasa.ClassIndoor, devices[1].address.Class)
}

func TestProbePacketEncodes(t *testing.T) {
	p, err := probePacket()
	require.NoError(t, err)
	raw, err := p.Encode()
	require.NoError(t, err)

	back, err := nasa.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, nasa.DataRead, back.DataType)
	assert.Equal(t, uint16(probeAddress), back.Messages[0].Number)
}

// ============================================================
// record / replay
// ============================================================

func TestRecordSink_ChoosesFormatByExtension(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 30, 15, 250e6, time.Local)
	frame := testFrame(t, nasa.ClassIndoor, message(t, 0x4000, 1))

	var buf bytes.Buffer
	sink := newRecordSink("dump.txt", &buf)
	require.NoError(t, sink.Write(capture.Record{At: at, Frame: frame}))

	rec, err := capture.ParseLogLine(strings.TrimSpace(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, frame, rec.Frame)
	assert.True(t, at.Equal(rec.At))

	buf.Reset()
	sink = newRecordSink("capture.CBOR", &buf)
	require.NoError(t, sink.Write(capture.Record{At: at, Frame: frame}))
	rec, err = capture.NewReader(&buf).Next()
	require.NoError(t, err)
	assert.Equal(t, frame, rec.Frame)
}

func TestParseTimeBound(t *testing.T) {
	d, err := parseTimeBound("")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = parseTimeBound("06:30:00")
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour+30*time.Minute, d)

	_, err = parseTimeBound("6.30")
	assert.Error(t, err)
}

// ============================================================
// control
// ============================================================

type fakeWriter struct {
	mu     sync.Mutex
	writes []session.KeyValue
	verify bool
}

func (f *fakeWriter) Write(ctx context.Context, values []session.KeyValue, verify bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, values...)
	f.verify = verify
	return nil
}

func TestWritableEntries(t *testing.T) {
	entries := writableEntries(testRepository(t))
	require.Len(t, entries, 2)
	assert.Equal(t, "NASA_POWER", entries[0].Name)
	assert.Equal(t, "VAR_IN_FSV_1011", entries[1].Name)
}

func TestControlModel_ApplyUpdate(t *testing.T) {
	entries := writableEntries(testRepository(t))
	m := initialControlModel(context.Background(), &fakeWriter{}, "test", entries, nasa.NewStatistics())

	next, _ := m.Update(controlBatchMsg{updates: []metrics.Update{
		{Key: "NASA_POWER", Value: transform.Text("ON"), Time: time.Now()},
		{Key: "NASA_OUTDOOR_TW1_TEMP", Value: transform.Number(25)},
	}})
	m = next.(controlModel)

	s := m.selected()
	require.NotNil(t, s)
	assert.Equal(t, "NASA_POWER", s.entry.Name)
	assert.Equal(t, "ON", s.Description())
	assert.Equal(t, "(not read yet)", m.settings[1].Description())
}

func TestControlModel_WriteRequiresConnection(t *testing.T) {
	bus := &fakeWriter{}
	m := initialControlModel(context.Background(), bus, "test", writableEntries(testRepository(t)), nasa.NewStatistics())

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(controlModel)
	require.Equal(t, focusValueInput, m.focusedField)

	m.valueInput.SetValue("ON")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(controlModel)
	assert.Nil(t, cmd)
	assert.True(t, m.errorLog[len(m.errorLog)-1].isError)
	assert.Empty(t, bus.writes)
}

func TestControlModel_WriteRoundTrip(t *testing.T) {
	bus := &fakeWriter{}
	m := initialControlModel(context.Background(), bus, "test", writableEntries(testRepository(t)), nasa.NewStatistics())

	next, _ := m.Update(reconnectedMsg{})
	m = next.(controlModel)
	assert.True(t, m.connected)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(controlModel)
	m.valueInput.SetValue("ON")

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(controlModel)
	require.NotNil(t, cmd)
	assert.Equal(t, "ON", m.pending["NASA_POWER"])

	result := cmd()
	require.IsType(t, writeResultMsg{}, result)
	assert.Equal(t, []session.KeyValue{{Key: "NASA_POWER", Value: "ON"}}, bus.writes)
	assert.True(t, bus.verify)

	next, _ = m.Update(result)
	m = next.(controlModel)
	assert.Empty(t, m.pending)
	assert.Contains(t, m.errorLog[len(m.errorLog)-1].message, "confirmed")
	assert.NotEmpty(t, m.View())
}

func TestControlModel_ConnectionEvents(t *testing.T) {
	m := initialControlModel(context.Background(), &fakeWriter{}, "test", writableEntries(testRepository(t)), nasa.NewStatistics())

	next, _ := m.Update(reconnectedMsg{})
	m = next.(controlModel)
	next, _ = m.Update(connectionLostMsg{})
	m = next.(controlModel)
	assert.True(t, m.connectionLost)
	assert.False(t, m.connected)

	next, _ = m.Update(reconnectedMsg{})
	m = next.(controlModel)
	assert.False(t, m.connectionLost)
	assert.Equal(t, "Reconnected", m.errorLog[len(m.errorLog)-1].message)
}

func TestValueBatcher(t *testing.T) {
	b := &valueBatcher{in: make(chan metrics.Update, 4)}
	b.handle(metrics.Update{Key: "A"})
	b.handle(metrics.Update{Key: "B"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan tea.Msg, 1)
	go b.run(ctx, func(msg tea.Msg) {
		select {
		case got <- msg:
		default:
		}
	})

	select {
	case msg := <-got:
		batch := msg.(controlBatchMsg)
		require.Len(t, batch.updates, 2)
		assert.Equal(t, "A", batch.updates[0].Key)
	case <-time.After(time.Second):
		t.Fatal("no batch delivered")
	}
}
