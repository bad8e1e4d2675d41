// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
	"github.com/echoDaveD/ehs-sentinel/pkg/session"
)

var (
	discoverTimeout int
	discoverProbe   bool
)

var discoverCmd = &cobra.Command{
	Use:     "discover",
	Aliases: []string{"discovery"},
	Short:   "List the devices talking on the bus",
	Long: `Listen on the bus and list every distinct source address seen.

Indoor and outdoor units broadcast notifications on their own, so a passive
listen normally finds them within a few seconds. With --probe a read
request for the power state is broadcast first to wake up quiet devices.

Examples:
  ehs-sentinel discover --addr 192.168.1.50:4196
  ehs-sentinel discover --port /dev/ttyUSB0 --timeout 30 --probe

Exit codes:
  0 - At least one device found
  1 - No devices seen before the timeout
  2 - Connection error`,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().IntVar(&discoverTimeout, "timeout", 10, "Listen time in seconds")
	discoverCmd.Flags().BoolVar(&discoverProbe, "probe", false, "Broadcast a read request before listening")
}

// probeAddress is the indoor power state, answered by every indoor unit
const probeAddress = 0x4000

// deviceInfo aggregates the traffic of one source address
type deviceInfo struct {
	address   nasa.Address
	packets   int
	messages  int
	dataTypes map[nasa.DataType]int
	firstSeen time.Time
	lastSeen  time.Time
}

// deviceTable collects devices by source address
type deviceTable struct {
	mu      sync.Mutex
	devices map[nasa.Address]*deviceInfo
}

func newDeviceTable() *deviceTable {
	return &deviceTable{devices: make(map[nasa.Address]*deviceInfo)}
}

// observe records one packet and reports whether its source is new
func (t *deviceTable) observe(p *nasa.Packet, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[p.Source]
	if !ok {
		d = &deviceInfo{address: p.Source, dataTypes: make(map[nasa.DataType]int), firstSeen: at}
		t.devices[p.Source] = d
	}
	d.packets++
	d.messages += len(p.Messages)
	d.dataTypes[p.DataType]++
	d.lastSeen = at
	return !ok
}

// list returns the devices ordered by class then address
func (t *deviceTable) list() []deviceInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]deviceInfo, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].address, out[j].address
		if a.Class != b.Class {
			return a.Class < b.Class
		}
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		return a.Addr < b.Addr
	})
	return out
}

func probePacket() (*nasa.Packet, error) {
	m, err := nasa.NewMessage(probeAddress, 0)
	if err != nil {
		return nil, err
	}
	return &nasa.Packet{
		Source:      session.ReadSource,
		Destination: session.ReadTarget,
		Information: true,
		Version:     nasa.ProtocolVersion,
		PacketType:  nasa.PacketNormal,
		DataType:    nasa.DataRead,
		Messages:    []nasa.Message{m},
	}, nil
}

func runDiscover(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	conn, connInfo, err := OpenConnection(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("ehs-sentinel - Device Discovery\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n\n", discoverTimeout)

	if discoverProbe {
		p, err := probePacket()
		if err != nil {
			return err
		}
		wire, err := p.Encode()
		if err != nil {
			return err
		}
		fmt.Printf("Sending read request for 0x%04X...\n", probeAddress)
		if _, err := conn.Write(wire); err != nil {
			fmt.Fprintf(os.Stderr, "SEND FAILED: %v\n", err)
			os.Exit(2)
		}
	}

	ctx, stop := context.WithTimeout(ctx, time.Duration(discoverTimeout)*time.Second)
	defer stop()

	table := newDeviceTable()
	err = frameStream(ctx, conn, func(raw []byte, at time.Time) {
		p, err := nasa.Decode(raw)
		if err != nil {
			return
		}
		if table.observe(p, at) {
			fmt.Printf("Device found: %s\n", p.Source)
		}
	}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "READ FAILED: %v\n", err)
		os.Exit(2)
	}

	devices := table.list()
	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Devices found: %d\n", len(devices))
	for _, d := range devices {
		fmt.Printf("  %-32s packets=%-5d messages=%-6d %s\n",
			d.address, d.packets, d.messages, formatDataTypes(d.dataTypes))
	}

	if len(devices) == 0 {
		fmt.Printf("No devices seen. Check the wiring and the connection settings.\n")
		os.Exit(1)
	}
	return nil
}

func formatDataTypes(counts map[nasa.DataType]int) string {
	types := make([]nasa.DataType, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	s := ""
	for i, t := range types {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s:%d", t, counts[t])
	}
	return s
}
