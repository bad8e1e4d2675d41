// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 ehs-sentinel contributors

package cmd

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/echoDaveD/ehs-sentinel/pkg/metrics"
	"github.com/echoDaveD/ehs-sentinel/pkg/session"
)

var (
	readNoConfirm bool
	writeNoVerify bool
)

var readCmd = &cobra.Command{
	Use:   "read KEY...",
	Short: "Read values by repository key",
	Long: `Request one or more values from the heat pump and print them.

Keys are sent in batches; each batch is retried until every key has been seen
on the bus or the attempts are exhausted. Keys may be separated by spaces or
commas.

Example:
  ehs-sentinel read --addr 192.168.1.50:502 NASA_OUTDOOR_TW1_TEMP NASA_POWER`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRead,
}

var writeCmd = &cobra.Command{
	Use:   "write KEY VALUE",
	Short: "Write one value by repository key",
	Long: `Send a write request for a writable key and wait until the heat pump
reports the new value.

VALUE is the human-facing value: a number for VAR keys or an enum label such
as ON or OFF for ENUM keys. With --no-verify the request is sent once and the
command returns without waiting for confirmation.`,
	Args: cobra.ExactArgs(2),
	RunE: runWrite,
}

func init() {
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	readCmd.Flags().BoolVar(&readNoConfirm, "no-confirm", false, "Send the request once without waiting for answers")
	writeCmd.Flags().BoolVar(&writeNoVerify, "no-verify", false, "Do not wait for the new value to be reported")
}

// collector keeps the last update per key
type collector struct {
	mu     sync.Mutex
	values map[string]metrics.Update
}

func (c *collector) handle(u metrics.Update) {
	c.mu.Lock()
	c.values[u.Key] = u
	c.mu.Unlock()
}

func (c *collector) get(key string) (metrics.Update, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.values[key]
	return u, ok
}

func splitKeys(args []string) []string {
	var keys []string
	for _, a := range args {
		for _, k := range strings.Split(a, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	return keys
}

func runRead(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	engine, err := loadEngine()
	if err != nil {
		return err
	}
	keys := splitKeys(args)

	values := &collector{values: make(map[string]metrics.Update)}
	s, stop, err := startSession(ctx, sessionConfig(engine, values.handle))
	if err != nil {
		return err
	}
	defer stop()

	readErr := s.Read(ctx, keys, !readNoConfirm)

	for _, k := range keys {
		if u, ok := values.get(k); ok {
			fmt.Printf("%s = %s\n", k, u.Value)
		} else {
			fmt.Printf("%s = (no answer)\n", k)
		}
	}
	return readErr
}

func runWrite(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	engine, err := loadEngine()
	if err != nil {
		return err
	}

	values := &collector{values: make(map[string]metrics.Update)}
	s, stop, err := startSession(ctx, sessionConfig(engine, values.handle))
	if err != nil {
		return err
	}
	defer stop()

	key, value := args[0], args[1]
	if err := s.Write(ctx, []session.KeyValue{{Key: key, Value: value}}, !writeNoVerify); err != nil {
		return err
	}

	if writeNoVerify {
		fmt.Printf("%s: write sent\n", key)
		return nil
	}
	if u, ok := values.get(key); ok {
		fmt.Printf("%s = %s (confirmed)\n", key, u.Value)
	} else {
		fmt.Printf("%s: confirmed\n", key)
	}
	return nil
}
