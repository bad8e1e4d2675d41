// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

package session

import "time"

// Options tunes queueing, batching and confirmation timing
type Options struct {
	QueueSize int // decoded frames waiting for a worker
	Workers   int
	BatchSize int // keys per read packet

	SettleDelay    time.Duration // pause before every read send
	ReadTimeout    time.Duration // wait for a read batch to be confirmed
	WriteTimeout   time.Duration // wait for a written value to be reported back
	WriteReadDelay time.Duration // pause between a write and its read-back
	Attempts       int

	AddressWait time.Duration // bound on waiting for indoor/outdoor addresses

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// DefaultOptions returns the timing used on production buses
func DefaultOptions() Options {
	return Options{
		QueueSize:      256,
		Workers:        2,
		BatchSize:      10,
		SettleDelay:    500 * time.Millisecond,
		ReadTimeout:    4 * time.Second,
		WriteTimeout:   5 * time.Second,
		WriteReadDelay: time.Second,
		Attempts:       3,
		AddressWait:    30 * time.Second,
		ReconnectMin:   time.Second,
		ReconnectMax:   30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.AddressWait <= 0 {
		o.AddressWait = d.AddressWait
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = d.ReconnectMin
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = o.ReconnectMin
	}
	return o
}
