// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// ehs-sentinel - Samsung EHS NASA bus monitor and controller
//
// A CLI tool that decodes the NASA protocol spoken between Samsung EHS
// indoor and outdoor units, publishes the values and writes settings back.

package main

import (
	"os"

	"github.com/echoDaveD/ehs-sentinel/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
