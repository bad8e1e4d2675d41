// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 ehs-sentinel contributors

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/echoDaveD/ehs-sentinel/internal/capture"
	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
)

var (
	recordOutput   string
	recordDuration time.Duration
	recordValid    bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record bus frames to a capture file",
	Long: `Record every candidate frame seen on the bus with its arrival time.

Files ending in .cbor are written as a compact CBOR stream. Any other name
gets the text dump format, one "[date, time] hex" line per frame, which
is also what the replay command reads back.

Examples:
  ehs-sentinel record -o capture.cbor --duration 1h
  ehs-sentinel record -o dump.txt --valid`,
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.Flags().StringVarP(&recordOutput, "output", "o", "capture.cbor", "Capture file (.cbor or text)")
	recordCmd.Flags().DurationVar(&recordDuration, "duration", 0, "Stop after this long (0 = until interrupted)")
	recordCmd.Flags().BoolVar(&recordValid, "valid", false, "Only record frames that pass the CRC check")
}

// recordSink writes capture records in one of the two file formats
type recordSink interface {
	Write(capture.Record) error
}

// textSink writes the text dump format
type textSink struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (t *textSink) Write(r capture.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.WriteString(capture.FormatLogLine(r) + "\n"); err != nil {
		return err
	}
	return t.w.Flush()
}

func newRecordSink(path string, w io.Writer) recordSink {
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		return capture.NewWriter(w)
	}
	return &textSink{w: bufio.NewWriter(w)}
}

func runRecord(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	if recordDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, recordDuration)
		defer cancel()
	}

	f, err := os.Create(recordOutput)
	if err != nil {
		return fmt.Errorf("failed to create capture file: %w", err)
	}
	defer f.Close()
	sink := newRecordSink(recordOutput, f)

	conn, connInfo, err := OpenConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	logger.Info("recording",
		zap.String("connection", connInfo),
		zap.String("output", recordOutput),
		zap.Duration("duration", recordDuration))

	var frames, skipped int
	var writeErr error
	err = frameStream(ctx, conn, func(raw []byte, at time.Time) {
		if writeErr != nil {
			return
		}
		if recordValid {
			if _, err := nasa.Decode(raw); err != nil {
				skipped++
				return
			}
		}
		if err := sink.Write(capture.Record{At: at, Frame: raw}); err != nil {
			writeErr = err
			cancel()
			return
		}
		frames++
	}, nil)
	if err == nil {
		err = writeErr
	}

	logger.Info("recording finished", zap.Int("frames", frames), zap.Int("skipped", skipped))
	return err
}
