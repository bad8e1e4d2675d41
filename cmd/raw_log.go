// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/echoDaveD/ehs-sentinel/internal/capture"
	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
	"github.com/echoDaveD/ehs-sentinel/pkg/transform"
)

var (
	rawLogValues bool
	rawLogHex    bool
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw packet log in human-readable format",
	Long: `Continuously decode and display NASA packets as they arrive.

Each packet is shown with timestamp, addresses, packet and data type, followed
by its sub-messages. With --values (the default) every sub-message known to the
repository is also shown with its symbolic name and transformed value.

--hex prints the frame in the bracketed log format accepted by "replay".

Supports TCP, serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().BoolVar(&rawLogValues, "values", true, "Decode values through the repository")
	rawLogCmd.Flags().BoolVar(&rawLogHex, "hex", false, "Print the raw frame before each packet")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	var engine *transform.Engine
	if rawLogValues {
		en, err := loadEngine()
		if err != nil {
			logger.Warn("values disabled", zap.Error(err))
		} else {
			engine = en
		}
	}

	conn, connInfo, err := OpenConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("ehs-sentinel - Raw Packet Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	onFrame := func(raw []byte, at time.Time) {
		if rawLogHex {
			fmt.Println(capture.FormatLogLine(capture.Record{At: at, Frame: raw}))
		}
		packet, err := nasa.Decode(raw)
		if err != nil {
			fmt.Printf("[ERROR] %v\n        %s\n", err, nasa.FormatHex(raw))
			return
		}
		fmt.Print(nasa.FormatPacket(packet, at))
		if engine != nil {
			printValues(engine, packet)
		}
	}
	onDiscard := func(err error) {
		fmt.Printf("[ERROR] %v\n", err)
	}

	return frameStream(ctx, conn, onFrame, onDiscard)
}

func printValues(engine *transform.Engine, packet *nasa.Packet) {
	for _, m := range packet.Messages {
		entry, v, err := engine.DecodeMessage(m)
		if err != nil {
			continue
		}
		unit := ""
		if entry.Unit != "" {
			unit = " " + entry.Unit
		}
		fmt.Printf("      %s = %s%s\n", entry.Name, v, unit)
	}
}
