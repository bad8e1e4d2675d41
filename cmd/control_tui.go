// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/echoDaveD/ehs-sentinel/pkg/metrics"
	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
	"github.com/echoDaveD/ehs-sentinel/pkg/repository"
	"github.com/echoDaveD/ehs-sentinel/pkg/session"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const writeTimeout = time.Minute

// Focus states
const (
	focusKeyList = iota
	focusValueInput
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// controlBus is what the control TUI needs from the client
type controlBus interface {
	Write(ctx context.Context, values []session.KeyValue, verify bool) error
}

// setting is one writable key shown in the list
type setting struct {
	entry   *repository.Entry
	value   string
	updated time.Time
}

// Implement list.Item interface
func (s setting) Title() string { return s.entry.Name }
func (s setting) Description() string {
	if s.value == "" {
		return "(not read yet)"
	}
	if s.entry.Unit != "" {
		return s.value + " " + s.entry.Unit
	}
	return s.value
}
func (s setting) FilterValue() string { return s.entry.Name }

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	ctx      context.Context
	bus      controlBus
	connInfo string

	settings []setting
	index    map[string]int
	keyList  list.Model

	// Monitoring (reused from tui.go patterns)
	stats         *nasa.Statistics
	errorLog      []errorLogEntry
	maxLogEntries int

	// Control
	valueInput   textinput.Model
	focusedField int
	pending      map[string]string // key -> value being written

	// UI state
	width          int
	height         int
	connected      bool
	quitting       bool
	connectionLost bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlTickMsg time.Time

type controlBatchMsg struct {
	updates []metrics.Update
}

type writeResultMsg struct {
	key   string
	value string
	err   error
}

type eventMsg struct {
	message string
	isError bool
}

type connectionLostMsg struct{}

type reconnectedMsg struct{}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(ctx context.Context, bus controlBus, connInfo string, entries []*repository.Entry, stats *nasa.Statistics) controlModel {
	ti := textinput.New()
	ti.Placeholder = "new value"
	ti.CharLimit = 32
	ti.Width = 20

	settings := make([]setting, len(entries))
	items := make([]list.Item, len(entries))
	index := make(map[string]int, len(entries))
	for i, e := range entries {
		settings[i] = setting{entry: e}
		items[i] = settings[i]
		index[e.Name] = i
	}

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	keyList := list.New(items, delegate, 40, 10)
	keyList.Title = "Settings"
	keyList.SetShowStatusBar(false)
	keyList.SetShowHelp(false)

	return controlModel{
		ctx:           ctx,
		bus:           bus,
		connInfo:      connInfo,
		settings:      settings,
		index:         index,
		keyList:       keyList,
		stats:         stats,
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		valueInput:    ti,
		focusedField:  focusKeyList,
		pending:       make(map[string]string),
		width:         80,
		height:        24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return controlTickCmd()
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case controlTickMsg:
		return m, controlTickCmd()

	case controlBatchMsg:
		for _, u := range msg.updates {
			m.applyUpdate(u)
		}

	case writeResultMsg:
		delete(m.pending, msg.key)
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Write %s=%s failed: %v", msg.key, msg.value, msg.err), true)
		} else {
			m.addLogEntry(fmt.Sprintf("Write %s=%s confirmed", msg.key, msg.value), false)
		}

	case eventMsg:
		m.addLogEntry(msg.message, msg.isError)

	case connectionLostMsg:
		m.connectionLost = true
		m.connected = false
		m.addLogEntry("Connection lost - reconnecting...", true)

	case reconnectedMsg:
		if m.connectionLost {
			m.addLogEntry("Reconnected", false)
		} else {
			m.addLogEntry("Connected", false)
		}
		m.connectionLost = false
		m.connected = true
	}

	// Update child components
	var cmd tea.Cmd
	if m.focusedField == focusValueInput {
		m.valueInput, cmd = m.valueInput.Update(msg)
		cmds = append(cmds, cmd)
	} else {
		m.keyList, cmd = m.keyList.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	filtering := m.keyList.FilterState() == list.Filtering

	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "q":
		if m.focusedField == focusKeyList && !filtering {
			m.quitting = true
			return m, tea.Quit
		}

	case "tab", "shift+tab":
		if !filtering {
			m.toggleFocus()
			return m, nil
		}

	case "enter":
		if m.focusedField == focusValueInput {
			return m.submitWrite()
		}
		if !filtering && m.selected() != nil {
			m.toggleFocus()
			return m, nil
		}
	}

	var cmd tea.Cmd
	if m.focusedField == focusValueInput {
		m.valueInput, cmd = m.valueInput.Update(msg)
	} else {
		m.keyList, cmd = m.keyList.Update(msg)
	}
	return m, cmd
}

func (m *controlModel) toggleFocus() {
	if m.focusedField == focusKeyList && m.selected() != nil {
		m.focusedField = focusValueInput
		m.valueInput.Focus()
		return
	}
	m.focusedField = focusKeyList
	m.valueInput.Blur()
}

func (m controlModel) submitWrite() (tea.Model, tea.Cmd) {
	if m.connectionLost || !m.connected {
		m.addLogEntry("Cannot send command: not connected", true)
		return m, nil
	}

	s := m.selected()
	if s == nil {
		return m, nil
	}
	value := strings.TrimSpace(m.valueInput.Value())
	if value == "" {
		return m, nil
	}
	key := s.entry.Name
	if _, busy := m.pending[key]; busy {
		m.addLogEntry(fmt.Sprintf("Write to %s already in progress", key), true)
		return m, nil
	}

	m.pending[key] = value
	m.valueInput.SetValue("")
	m.addLogEntry(fmt.Sprintf("Writing %s=%s...", key, value), false)

	bus, ctx := m.bus, m.ctx
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		err := bus.Write(ctx, []session.KeyValue{{Key: key, Value: value}}, true)
		return writeResultMsg{key: key, value: value, err: err}
	}
}

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	// Header
	s.WriteString(titleStyle.Render("EHS-SENTINEL CONTROL"))
	s.WriteString(" ")
	connStatus := m.connInfo
	switch {
	case m.connectionLost:
		connStatus = warningStyle.Render("RECONNECTING...")
	case !m.connected:
		connStatus = warningStyle.Render("CONNECTING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | q=quit Tab=switch /=filter Enter=send", connStatus)))
	s.WriteString("\n\n")

	// Layout: left panel (keys) | right panel (control)
	leftWidth := 44
	rightWidth := m.width - leftWidth - 6
	if rightWidth < 20 {
		rightWidth = 20
	}

	listStyle := boxStyle.Width(leftWidth)
	if m.focusedField == focusKeyList {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	keyPanel := listStyle.Render(m.keyList.View())

	controlStyle := boxStyle.Width(rightWidth)
	if m.focusedField == focusValueInput {
		controlStyle = focusedBoxStyle.Width(rightWidth)
	}
	controlPanel := controlStyle.Render(m.renderControlPanel(statsLabelStyle, statsValueStyle, headerStyle, warningStyle))

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, keyPanel, " ", controlPanel))
	s.WriteString("\n\n")

	s.WriteString(m.renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle))
	s.WriteString("\n\n")

	s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, boxStyle))

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m controlModel) renderControlPanel(statsLabelStyle, statsValueStyle, headerStyle, warningStyle lipgloss.Style) string {
	var s strings.Builder

	selected := m.selected()
	if selected == nil {
		s.WriteString(headerStyle.Render("No setting selected"))
		return s.String()
	}
	e := selected.entry

	s.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render("Key:"), e.Name))
	s.WriteString(fmt.Sprintf("%s 0x%04X (%s, to %s)\n", statsLabelStyle.Render("Address:"), e.Address, e.Type, e.Destination))
	if e.Description != "" {
		s.WriteString(headerStyle.Render(e.Description))
		s.WriteString("\n")
	}
	s.WriteString("\n")

	s.WriteString(statsLabelStyle.Render("Current: "))
	s.WriteString(statsValueStyle.Render(selected.Description()))
	if !selected.updated.IsZero() {
		s.WriteString(headerStyle.Render(" at " + selected.updated.Format("15:04:05")))
	}
	s.WriteString("\n")

	if labels := e.EnumLabels(); len(labels) > 0 {
		s.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render("Options:"), strings.Join(labels, ", ")))
	}
	s.WriteString("\n")

	s.WriteString(statsLabelStyle.Render("New value: "))
	if m.focusedField == focusValueInput {
		s.WriteString(m.valueInput.View())
	} else {
		s.WriteString(headerStyle.Render("[Tab to edit]"))
	}
	s.WriteString("\n")

	if v, busy := m.pending[e.Name]; busy {
		s.WriteString("\n")
		s.WriteString(warningStyle.Render(fmt.Sprintf("Writing %s, waiting for confirmation...", v)))
	}

	return s.String()
}

func (m controlModel) renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle lipgloss.Style) string {
	snap := m.stats.Snapshot()
	var validPercent, errorPercent float64
	if snap.TotalFrames > 0 {
		validPercent = float64(snap.ValidPackets) * 100.0 / float64(snap.TotalFrames)
		errorPercent = float64(snap.Errors()) * 100.0 / float64(snap.TotalFrames)
	}

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", snap.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%.1f%%", validPercent)),
		statsLabelStyle.Render("Errors:"), func() string {
			if errorPercent > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f%%", errorPercent))
			}
			return statsValueStyle.Render("0.0%")
		}(),
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f pkt/s", snap.PacketRate)),
	)

	return boxStyle.Width(m.width - 4).Render(content)
}

func (m controlModel) renderEventLog(statsLabelStyle, warningStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyleLocal := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	logHeight := 8
	if len(m.errorLog) < logHeight {
		logHeight = len(m.errorLog)
	}
	startIdx := len(m.errorLog) - logHeight

	if len(m.errorLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyleLocal
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(timestamp),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Data Processing
//////////////////////////////////////////////////////////////

func (m *controlModel) applyUpdate(u metrics.Update) {
	i, ok := m.index[u.Key]
	if !ok {
		return
	}
	m.settings[i].value = u.Value.String()
	m.settings[i].updated = u.Time
	m.keyList.SetItem(i, m.settings[i])
}

func (m *controlModel) addLogEntry(message string, isError bool) {
	m.errorLog = append(m.errorLog, errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

func (m controlModel) selected() *setting {
	item, ok := m.keyList.SelectedItem().(setting)
	if !ok {
		return nil
	}
	i := m.index[item.entry.Name]
	return &m.settings[i]
}

func (m *controlModel) updateListSize() {
	h := m.height - 20
	if h < 6 {
		h = 6
	}
	m.keyList.SetSize(40, h)
}
