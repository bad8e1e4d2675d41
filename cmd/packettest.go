// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
)

var (
	packetTestTimeout int
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid NASA packet",
	Long: `Wait for a valid NASA packet on the connection until timeout.

This command connects to the bus and waits for any frame that passes the
length, end marker, header and CRC checks. Noise and damaged frames are
counted and skipped.

Exit codes:
  0 - Packet received before timeout
  1 - Timeout reached without receiving a valid packet
  2 - Connection error

Useful for checking the wiring of an RS-485 adapter.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a packet")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	conn, connInfo, err := OpenConnection(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("ehs-sentinel - Packet Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for valid NASA packet...\n\n")

	ctx, stop := context.WithTimeout(ctx, time.Duration(packetTestTimeout)*time.Second)
	defer stop()

	packetChan := make(chan *nasa.Packet, 1)
	errChan := make(chan error, 1)
	var rejected atomic.Int64

	go func() {
		err := frameStream(ctx, conn, func(raw []byte, _ time.Time) {
			packet, err := nasa.Decode(raw)
			if err != nil {
				rejected.Add(1)
				return
			}
			select {
			case packetChan <- packet:
			default:
			}
			stop()
		}, func(error) { rejected.Add(1) })
		if err != nil {
			errChan <- err
		}
	}()

	select {
	case packet := <-packetChan:
		reportPacket(packet, rejected.Load())

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-ctx.Done():
		// the frame callback cancels ctx right after queueing the packet
		select {
		case packet := <-packetChan:
			reportPacket(packet, rejected.Load())
		default:
		}
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid packet received within %d seconds\n", packetTestTimeout)
		os.Exit(1)
	}

	return nil
}

func reportPacket(packet *nasa.Packet, rejected int64) {
	if rejected > 0 {
		fmt.Printf("(rejected %d frames before the first valid one)\n", rejected)
	}
	fmt.Printf("SUCCESS: Received valid packet\n")
	fmt.Printf("  Source: %s\n", packet.Source)
	fmt.Printf("  Destination: %s\n", packet.Destination)
	fmt.Printf("  Type: %s/%s\n", packet.PacketType, packet.DataType)
	fmt.Printf("  Messages: %d\n", len(packet.Messages))
	fmt.Printf("  CRC: 0x%04X\n", packet.CRC())
	os.Exit(0)
}
