// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/echoDaveD/ehs-sentinel/internal/transport"
	"github.com/echoDaveD/ehs-sentinel/pkg/metrics"
	"github.com/echoDaveD/ehs-sentinel/pkg/repository"
	"github.com/echoDaveD/ehs-sentinel/pkg/session"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive TUI for changing heat pump settings",
	Long: `Browse and change writable settings through an interactive terminal UI.

Features:
  - List of every writable key in the repository, filterable with /
  - Current values, read from the heat pump at start
  - Writes confirmed by reading the value back
  - Statistics tracking
  - Event logging
  - Automatic reconnection on connection loss

Tab switches between the key list and the value input. Enter sends the value.

Supports TCP, serial and WebSocket connections.`,
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
}

// valueBatcher collects value updates and hands them to the TUI at a fixed
// rate so a burst of packets does not flood the event loop
type valueBatcher struct {
	in chan metrics.Update
}

func (b *valueBatcher) handle(u metrics.Update) {
	select {
	case b.in <- u:
	default:
	}
}

func (b *valueBatcher) run(ctx context.Context, send func(tea.Msg)) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var batch controlBatchMsg
		drainLoop:
			for {
				select {
				case u := <-b.in:
					batch.updates = append(batch.updates, u)
				default:
					break drainLoop
				}
			}
			if len(batch.updates) > 0 {
				send(batch)
			}
		}
	}
}

// writableEntries returns the writable keys sorted by name
func writableEntries(repo *repository.Repository) []*repository.Entry {
	var out []*repository.Entry
	for _, name := range repo.Names() {
		if e, err := repo.Lookup(name); err == nil && e.Writable {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func runControl(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	engine, err := loadEngine()
	if err != nil {
		return err
	}
	entries := writableEntries(engine.Repository())
	if len(entries) == 0 {
		return fmt.Errorf("repository %s has no writable keys", cfg.Repository.Path)
	}

	e, err := endpoint()
	if err != nil {
		return err
	}

	batcher := &valueBatcher{in: make(chan metrics.Update, 256)}
	sc := sessionConfig(engine, batcher.handle)
	client := session.NewClient(transport.Dialer(e), sc)

	m := initialControlModel(ctx, client, e.String(), entries, sc.Stats)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))

	go batcher.run(ctx, p.Send)
	go func() {
		_ = client.Run(ctx)
	}()
	go watchConnection(ctx, client, p.Send)
	go readWritable(ctx, client, entries, p.Send)

	_, err = p.Run()
	cancel()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// watchConnection reports every session start and end to the TUI
func watchConnection(ctx context.Context, client *session.Client, send func(tea.Msg)) {
	var last *session.Session
	for {
		s, err := client.WaitSession(ctx)
		if err != nil {
			return
		}
		if s == last {
			// the client has not cleared the ended session yet
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		last = s
		send(reconnectedMsg{})
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			send(connectionLostMsg{})
		}
	}
}

// readWritable fetches the current value of every writable key once the
// units have been seen
func readWritable(ctx context.Context, client *session.Client, entries []*repository.Entry, send func(tea.Msg)) {
	if err := client.WaitReady(ctx); err != nil {
		return
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Name
	}
	send(eventMsg{message: fmt.Sprintf("Reading %d settings...", len(keys))})
	if err := client.Read(ctx, keys, true); err != nil {
		send(eventMsg{message: fmt.Sprintf("Initial read incomplete: %v", err), isError: true})
		return
	}
	send(eventMsg{message: "Settings loaded"})
}
