// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

package capture

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Replayer serves captured frames to TCP clients with the original spacing
type Replayer struct {
	Records []Record
	Speed   float64 // 2 replays twice as fast
	Loop    bool
	Logger  *zap.Logger
}

// Serve accepts clients on ln until ctx ends. Every client gets its own replay.
func (r *Replayer) Serve(ctx context.Context, ln net.Listener) error {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		logger.Info("client connected", zap.String("remote", conn.RemoteAddr().String()))

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			err := r.Play(ctx, conn)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Info("client disconnected", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
		}()
	}
}

// Play writes every record to w, sleeping the recorded gap between frames
func (r *Replayer) Play(ctx context.Context, w interface{ Write([]byte) (int, error) }) error {
	speed := r.Speed
	if speed <= 0 {
		speed = 1
	}

	for {
		start := time.Now()
		for i, rec := range r.Records {
			if i > 0 {
				offset := time.Duration(float64(rec.At.Sub(r.Records[0].At)) / speed)
				if wait := time.Until(start.Add(offset)); wait > 0 {
					t := time.NewTimer(wait)
					select {
					case <-ctx.Done():
						t.Stop()
						return ctx.Err()
					case <-t.C:
					}
				}
			}
			if _, err := w.Write(rec.Frame); err != nil {
				return err
			}
		}
		if !r.Loop || len(r.Records) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
