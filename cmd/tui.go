// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/echoDaveD/ehs-sentinel/pkg/metrics"
	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
)

// Error log entry
type errorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for notices
}

// TUI model
type model struct {
	connInfo      string
	statsInterval int
	showAll       bool
	stats         *nasa.Statistics
	errorLog      []errorLogEntry
	maxLogEntries int
	values        map[string]metrics.Update
	filter        textinput.Model
	synchronized  bool
	rejected      int
	readErr       error
	width         int
	height        int
	quitting      bool
}

// Messages
type tickMsg time.Time
type readErrMsg struct {
	err error
}

func initialModel(connInfo string, statsInterval int, showAll bool, stats *nasa.Statistics) model {
	ti := textinput.New()
	ti.Placeholder = "type to filter keys"
	ti.Prompt = "Filter: "
	ti.CharLimit = 64
	ti.Focus()

	return model{
		connInfo:      connInfo,
		statsInterval: statsInterval,
		showAll:       showAll,
		stats:         stats,
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		values:        make(map[string]metrics.Update),
		filter:        ti,
		width:         80,
		height:        24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		textinput.Blink,
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.filter, cmd = m.filter.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tickCmd()

	case syncMsg:
		m.synchronized = true
		m.rejected = msg.rejected
		if msg.rejected > 0 {
			m.addLogEntry(fmt.Sprintf("Synchronized after rejecting %d frames", msg.rejected), false)
		} else {
			m.addLogEntry("Synchronized", false)
		}

	case readErrMsg:
		m.readErr = msg.err
		m.addLogEntry(fmt.Sprintf("READ ERROR: %v", msg.err), true)

	case frameMsg:
		switch {
		case msg.decodeErr != nil:
			m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v", msg.decodeErr), true)
		case len(msg.validationErrors) > 0:
			for _, err := range msg.validationErrors {
				m.addLogEntry(fmt.Sprintf("%s: %s", msg.packet.Source, err.Message), true)
			}
		case m.showAll:
			m.addLogEntry(fmt.Sprintf("%s (valid)", msg.packet), false)
		}
		for _, u := range msg.updates {
			m.values[u.Key] = u
		}
	}

	return m, nil
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	// Keep only last N entries
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

// visibleValues returns the values matching the filter, sorted by key
func (m model) visibleValues() []metrics.Update {
	filter := strings.ToUpper(strings.TrimSpace(m.filter.Value()))
	out := make([]metrics.Update, 0, len(m.values))
	for key, u := range m.values {
		if filter == "" || strings.Contains(key, filter) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

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

	derivedStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("13"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("EHS-SENTINEL - BUS MONITOR"))
	s.WriteString("\n")
	mode := "Errors only"
	if m.showAll {
		mode = "All packets"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | Press Esc to quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	// Sync status
	switch {
	case m.readErr != nil:
		s.WriteString(errorStyle.Render("✗ Connection lost"))
	case !m.synchronized:
		s.WriteString(warningStyle.Render("⏳ Waiting for synchronization..."))
	default:
		s.WriteString(statsValueStyle.Render("✓ Synchronized"))
		if m.rejected > 0 {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (rejected %d frames)", m.rejected)))
		}
	}
	s.WriteString("\n\n")

	// Statistics
	snap := m.stats.Snapshot()
	var validPercent, errorPercent float64
	if snap.TotalFrames > 0 {
		validPercent = float64(snap.ValidPackets) * 100.0 / float64(snap.TotalFrames)
		errorPercent = float64(snap.Errors()) * 100.0 / float64(snap.TotalFrames)
	}

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", snap.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", snap.ValidPackets, validPercent)),
		statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", snap.Errors(), errorPercent)),
	))

	if snap.ChecksumErrors > 0 || snap.HeaderErrors > 0 || snap.MalformedFrames > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			statsLabelStyle.Render("CRC:"), errorStyle.Render(fmt.Sprintf("%d", snap.ChecksumErrors)),
			statsLabelStyle.Render("Header:"), errorStyle.Render(fmt.Sprintf("%d", snap.HeaderErrors)),
			statsLabelStyle.Render("Malformed:"), errorStyle.Render(fmt.Sprintf("%d", snap.MalformedFrames+snap.DiscardedFrames)),
		))
	}

	if snap.Anomalies > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s\n",
			statsLabelStyle.Render("Anomalies:"), warningStyle.Render(fmt.Sprintf("%d", snap.Anomalies)),
		))
	}

	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s",
		statsLabelStyle.Render("Packet Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f pkts/s", snap.PacketRate)),
		statsLabelStyle.Render("Error Rate:"), func() string {
			if snap.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", snap.ErrorRate))
			}
			return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", snap.ErrorRate))
		}(),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Values
	s.WriteString(statsLabelStyle.Render("Latest Values:"))
	s.WriteString("\n")
	s.WriteString(m.filter.View())
	s.WriteString("\n")

	valueHeight := (m.height - 18) / 2
	if valueHeight < 5 {
		valueHeight = 5
	}
	values := m.visibleValues()
	valueContent := strings.Builder{}
	if len(values) == 0 {
		valueContent.WriteString(headerStyle.Render("  (no values yet)"))
	}
	for i, u := range values {
		if i == valueHeight {
			valueContent.WriteString(headerStyle.Render(fmt.Sprintf("  ... %d more", len(values)-valueHeight)))
			break
		}
		style := statsValueStyle
		if u.Derived {
			style = derivedStyle
		}
		valueContent.WriteString(fmt.Sprintf("%-48s %s %s\n",
			u.Key, style.Render(u.Value.String()), headerStyle.Render(u.Time.Format("15:04:05"))))
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(valueContent.String()))
	s.WriteString("\n\n")

	// Error log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - 18 - valueHeight
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.errorLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.errorLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
