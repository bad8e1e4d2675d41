// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 ehs-sentinel contributors

package cmd

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/echoDaveD/ehs-sentinel/internal/capture"
)

var (
	replayListen string
	replaySpeed  float64
	replayLoop   bool
	replayStart  string
	replayEnd    string
)

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Serve a capture file as a fake TCP bus",
	Long: `Replay a recorded capture to TCP clients with its original timing.

Every client that connects gets its own copy of the stream, so monitor,
run or raw_log can be pointed at the listen address to develop against a
recorded heat pump. --start and --end cut the capture to a time-of-day
window.

Examples:
  ehs-sentinel replay capture.cbor --listen :5020
  ehs-sentinel replay dump.txt --speed 10 --loop --start 06:00:00 --end 07:30:00
  ehs-sentinel monitor --addr localhost:5020`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayListen, "listen", ":5020", "TCP listen address")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1, "Playback speed factor")
	replayCmd.Flags().BoolVar(&replayLoop, "loop", false, "Restart from the beginning when the capture ends")
	replayCmd.Flags().StringVar(&replayStart, "start", "", "Skip frames before this time of day (HH:MM:SS)")
	replayCmd.Flags().StringVar(&replayEnd, "end", "", "Skip frames after this time of day (HH:MM:SS)")
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	if replaySpeed <= 0 {
		return fmt.Errorf("--speed must be positive, got %g", replaySpeed)
	}

	start, err := parseTimeBound(replayStart)
	if err != nil {
		return err
	}
	end, err := parseTimeBound(replayEnd)
	if err != nil {
		return err
	}

	src, closer, err := capture.Open(args[0])
	if err != nil {
		return err
	}
	records, err := capture.ReadAll(src)
	closer.Close()
	if err != nil {
		return err
	}
	records = capture.Window(records, start, end)
	if len(records) == 0 {
		return fmt.Errorf("no frames in %s for the selected window", args[0])
	}

	ln, err := net.Listen("tcp", replayListen)
	if err != nil {
		return err
	}
	logger.Info("replay listening",
		zap.String("listen", ln.Addr().String()),
		zap.String("file", args[0]),
		zap.Int("frames", len(records)),
		zap.Float64("speed", replaySpeed),
		zap.Bool("loop", replayLoop))

	r := &capture.Replayer{
		Records: records,
		Speed:   replaySpeed,
		Loop:    replayLoop,
		Logger:  logger,
	}
	return r.Serve(ctx, ln)
}

// parseTimeBound parses an optional time-of-day flag, empty meaning open
func parseTimeBound(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return capture.ParseTimeOfDay(s)
}
