// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/echoDaveD/ehs-sentinel/pkg/metrics"
	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
	"github.com/echoDaveD/ehs-sentinel/pkg/transform"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	Aliases: []string{"error_detection"},
	Short:   "Watch bus health and live values",
	Long: `Track frame errors, protocol anomalies and decoded values with statistics.

Every candidate frame is checked and classified:
  - Malformed frames (bad end marker, truncated)
  - CRC errors
  - Header errors (unknown address class or packet type)
  - Anomalies (unexpected version, retransmissions, duplicate messages)

Decoded values, including the derived heat output, COP and counters, are shown
in a table that can be filtered by typing.

By default, only errors are logged. Use --show-all to log valid packets too.
With --tui=false a text log with periodic statistics is printed instead.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all packets (not just errors)")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	monitorCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

// frameMsg carries one classified frame to the UI
type frameMsg struct {
	at               time.Time
	packet           *nasa.Packet
	decodeErr        error
	validationErrors []nasa.ValidationError
	updates          []metrics.Update
}

// syncMsg reports the first valid packet
type syncMsg struct {
	rejected int
}

// busMonitor decodes frames into frameMsgs. Errors before the first valid
// packet are counted but not reported.
type busMonitor struct {
	engine       *transform.Engine
	pipeline     *metrics.Pipeline
	stats        *nasa.Statistics
	synchronized bool
	rejected     int
	emit         func(msg tea.Msg)
}

func (b *busMonitor) frame(raw []byte, at time.Time) {
	packet, err := nasa.Decode(raw)
	if err != nil {
		if !b.synchronized {
			b.rejected++
			return
		}
		b.stats.Update(nil, err, nil)
		b.emit(frameMsg{at: at, decodeErr: err})
		return
	}

	if !b.synchronized {
		b.synchronized = true
		b.emit(syncMsg{rejected: b.rejected})
	}

	validationErrors := nasa.ValidatePacket(packet)
	b.stats.Update(packet, nil, validationErrors)

	msg := frameMsg{at: at, packet: packet, validationErrors: validationErrors}
	if b.engine != nil && isUnitSource(packet.Source.Class) {
		for _, m := range packet.Messages {
			entry, v, err := b.engine.DecodeMessage(m)
			if err != nil {
				continue
			}
			msg.updates = append(msg.updates, b.pipeline.Ingest(entry.Name, v, at)...)
		}
	}
	b.emit(msg)
}

func (b *busMonitor) discard(err error) {
	if !b.synchronized {
		b.rejected++
		return
	}
	b.stats.RecordDiscard()
	b.emit(frameMsg{at: time.Now(), decodeErr: err})
}

func isUnitSource(c nasa.AddressClass) bool {
	return c == nasa.ClassIndoor || c == nasa.ClassOutdoor
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	engine, err := loadEngine()
	if err != nil {
		logger.Warn("values disabled", zap.Error(err))
		engine = nil
	}

	conn, connInfo, err := OpenConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	mon := &busMonitor{
		engine:   engine,
		pipeline: metrics.New(metrics.DefaultKeys(), logger),
		stats:    nasa.NewStatistics(),
	}

	if useTUI {
		return runTUIMode(ctx, cancel, conn, connInfo, mon)
	}
	return runTextMode(ctx, conn, connInfo, mon)
}

// runTUIMode runs the monitor in TUI mode
func runTUIMode(ctx context.Context, cancel context.CancelFunc, conn io.ReadCloser, connInfo string, mon *busMonitor) error {
	m := initialModel(connInfo, statsInterval, showAll, mon.stats)
	p := tea.NewProgram(m, tea.WithContext(ctx))
	mon.emit = p.Send

	go func() {
		if err := frameStream(ctx, conn, mon.frame, mon.discard); err != nil {
			p.Send(readErrMsg{err: err})
		}
	}()

	_, err := p.Run()
	cancel()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// runTextMode runs the monitor as a scrolling text log
func runTextMode(ctx context.Context, conn io.ReadCloser, connInfo string, mon *busMonitor) error {
	fmt.Printf("ehs-sentinel - Bus Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All packets\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	msgs := make(chan any, 64)
	mon.emit = func(msg tea.Msg) {
		select {
		case msgs <- msg:
		case <-ctx.Done():
		}
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- frameStream(ctx, conn, mon.frame, mon.discard)
	}()

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case msg := <-msgs:
			printMonitorMsg(msg)

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(mon.stats.String())
			fmt.Println()

		case err := <-readErr:
			fmt.Println()
			fmt.Print(mon.stats.String())
			return err
		}
	}
}

func printMonitorMsg(msg any) {
	switch msg := msg.(type) {
	case syncMsg:
		if msg.rejected > 0 {
			fmt.Printf("[SYNC] Synchronized after rejecting %d frames\n\n", msg.rejected)
		} else {
			fmt.Printf("[SYNC] Synchronized\n\n")
		}

	case frameMsg:
		timestamp := msg.at.Format("15:04:05.000")
		switch {
		case msg.decodeErr != nil:
			fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, msg.decodeErr)
			fmt.Printf("  >>> FRAME REJECTED <<<\n\n")

		case len(msg.validationErrors) > 0:
			fmt.Printf("[%s] \033[1;33mANOMALY:\033[0m %s\n", timestamp, msg.packet)
			for i, err := range msg.validationErrors {
				fmt.Printf("  Issue %d: \033[1;33m%s\033[0m (%s)\n", i+1, err.Message, err.Type)
			}
			fmt.Println()

		case showAll:
			fmt.Print(nasa.FormatPacket(msg.packet, msg.at))
			for _, u := range msg.updates {
				marker := ""
				if u.Derived {
					marker = " (derived)"
				}
				fmt.Printf("      %s = %s%s\n", u.Key, u.Value, marker)
			}
		}
	}
}
