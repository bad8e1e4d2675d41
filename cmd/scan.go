// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 ehs-sentinel contributors

package cmd

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/echoDaveD/ehs-sentinel/internal/scan"
	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
	"github.com/echoDaveD/ehs-sentinel/pkg/session"
)

var (
	scanFrom   string
	scanTo     string
	scanOutput string
	scanDiff   string
	scanQuiet  bool
)

var scanOpts = scan.DefaultOptions()

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Probe a range of message numbers and save the answers as CSV",
	Long: `Send a read request for every message number in --from..--to, one number
per request, and record which numbers the indoor or outdoor unit answers.

Results are written as CSV (address,type,payload,key). With --diff the new
results are compared against an earlier scan and every changed address is
printed, which helps to find the number behind a setting: scan, change the
setting on the controller, scan again with --diff.

Example:
  ehs-sentinel scan --addr 192.168.1.50:502 --from 0x4000 --to 0x4FFF --ignore-ff`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	f := scanCmd.Flags()
	f.StringVar(&scanFrom, "from", "0x4000", "First message number")
	f.StringVar(&scanTo, "to", "0x4FFF", "Last message number")
	f.StringVarP(&scanOutput, "output", "o", "scan_results.csv", "CSV output file (- for stdout)")
	f.StringVar(&scanDiff, "diff", "", "Earlier scan to compare against")
	f.IntVar(&scanOpts.Workers, "workers", scanOpts.Workers, "Requests in flight")
	f.DurationVar(&scanOpts.Timeout, "timeout", scanOpts.Timeout, "Wait for an answer per attempt")
	f.IntVar(&scanOpts.Attempts, "attempts", scanOpts.Attempts, "Attempts per number")
	f.BoolVar(&scanOpts.IgnoreFF, "ignore-ff", false, "Drop answers that are all 0xFF")
	f.BoolVar(&scanOpts.IgnoreZero, "ignore-zero", false, "Drop answers that are all 0x00")
	f.BoolVar(&scanQuiet, "quiet", false, "Do not log progress")
}

// sendRelay lets the scanner be built before the session it sends on
type sendRelay struct {
	s *session.Session
}

func (r *sendRelay) Send(p *nasa.Packet) error {
	return r.s.Send(p)
}

func runScan(cmd *cobra.Command, args []string) error {
	from, err := scan.ParseAddress(scanFrom)
	if err != nil {
		return err
	}
	to, err := scan.ParseAddress(scanTo)
	if err != nil {
		return err
	}
	numbers := scan.Range(from, to)
	if len(numbers) == 0 {
		return fmt.Errorf("empty range %s..%s", scanFrom, scanTo)
	}

	var previous []scan.Result
	if scanDiff != "" {
		f, err := os.Open(scanDiff)
		if err != nil {
			return err
		}
		previous, err = scan.ReadCSV(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", scanDiff, err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	engine, err := loadEngine()
	if err != nil {
		return err
	}

	relay := &sendRelay{}
	scanner := scan.New(relay, engine.Repository(), scanOpts, logger)

	sc := sessionConfig(engine, nil)
	sc.OnPacket = scanner.Observe
	s, stop, err := startSession(ctx, sc)
	if err != nil {
		return err
	}
	defer stop()
	relay.s = s

	logger.Info("scan started",
		zap.String("from", scan.FormatAddress(from)), zap.String("to", scan.FormatAddress(to)),
		zap.Int("numbers", len(numbers)), zap.Int("workers", scanOpts.Workers))

	var (
		start      = time.Now()
		reportMu   sync.Mutex
		lastReport = start
	)
	results := scanner.Run(ctx, numbers, func(p scan.Progress) {
		reportMu.Lock()
		defer reportMu.Unlock()
		if scanQuiet || (time.Since(lastReport) < time.Second && p.Done != p.Total) {
			return
		}
		lastReport = time.Now()
		rate := float64(p.Done) / time.Since(start).Seconds()
		eta := time.Duration(float64(p.Total-p.Done)/rate) * time.Second
		logger.Info("scan progress",
			zap.String("done", fmt.Sprintf("%d/%d", p.Done, p.Total)),
			zap.Int("found", p.Found),
			zap.String("rate", fmt.Sprintf("%.1f/s", rate)),
			zap.Duration("eta", eta.Round(time.Second)))
	})

	if err := writeScan(results); err != nil {
		return err
	}
	logger.Info("scan finished", zap.Int("found", len(results)), zap.Duration("took", time.Since(start).Round(time.Second)))

	if scanDiff != "" {
		changes := scan.Diff(previous, results, numbers)
		if len(changes) == 0 {
			fmt.Println("No changes detected.")
		}
		for _, c := range changes {
			fmt.Println(c)
		}
	}
	return nil
}

func writeScan(results []scan.Result) error {
	var w io.Writer = os.Stdout
	if scanOutput != "-" {
		f, err := os.Create(scanOutput)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return scan.WriteCSV(w, results)
}
