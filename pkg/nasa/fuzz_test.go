// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nasa

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

var knownClasses = func() []AddressClass {
	out := make([]AddressClass, 0, len(addressClassNames))
	for c := range addressClassNames {
		out = append(out, c)
	}
	return out
}()

func randomAddress(rng *rand.Rand) Address {
	return Address{
		Class:   knownClasses[rng.Intn(len(knownClasses))],
		Channel: uint8(rng.Intn(256)),
		Addr:    uint8(rng.Intn(256)),
	}
}

// randomPacket builds a canonical packet: fixed-width messages, or one structure
func randomPacket(rng *rand.Rand) *Packet {
	p := &Packet{
		Source:      randomAddress(rng),
		Destination: randomAddress(rng),
		Information: rng.Intn(2) == 1,
		Version:     uint8(rng.Intn(4)),
		RetryCount:  uint8(rng.Intn(4)),
		PacketType:  PacketType(rng.Intn(5)),
		DataType:    DataType(rng.Intn(8)),
		Sequence:    uint8(rng.Intn(256)),
	}

	if rng.Intn(8) == 0 {
		raw := make([]byte, 1+rng.Intn(40))
		rng.Read(raw)
		number := uint16(rng.Intn(0x10000)) | 0x0600
		p.Messages = []Message{{Number: number, Payload: raw}}
		return p
	}

	count := 1 + rng.Intn(10)
	for i := 0; i < count; i++ {
		number := uint16(rng.Intn(0x10000))
		if MessageTypeOf(number) == MessageStructure {
			number &^= 0x0200
		}
		payload := make([]byte, MessageTypeOf(number).PayloadSize())
		rng.Read(payload)
		p.Messages = append(p.Messages, Message{Number: number, Payload: payload})
	}
	return p
}

// ============================================================
// Codec Fuzz Tests
// ============================================================

func TestFuzz_EncodeDecodeRoundTrip(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		p := randomPacket(rng)
		frame, err := p.Encode()
		if err != nil {
			t.Fatalf("round %d: encode failed: %v", i, err)
		}
		decoded, err := Decode(frame)
		if err != nil {
			t.Fatalf("round %d: decode failed: %v\n% X", i, err, frame)
		}
		again, err := decoded.Encode()
		if err != nil {
			t.Fatalf("round %d: re-encode failed: %v", i, err)
		}
		if !bytes.Equal(frame, again) {
			t.Fatalf("round %d: round trip mismatch\n% X\n% X", i, frame, again)
		}
	}
}

func TestFuzz_ScannerFindsFramesInNoise(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		frame, err := randomPacket(rng).Encode()
		if err != nil {
			t.Fatal(err)
		}

		// Noise without 0x32 so it can never open a frame
		noise := make([]byte, rng.Intn(32))
		for j := range noise {
			noise[j] = byte(rng.Intn(256))
			if noise[j] == StartByte {
				noise[j] = 0x33
			}
		}

		s := NewScanner()
		frames, _ := s.Feed(append(noise, frame...))
		if len(frames) != 1 || !bytes.Equal(frames[0], frame) {
			t.Fatalf("round %d: expected frame back, got %d frames", i, len(frames))
		}
	}
}

func TestFuzz_RandomBytesNeverPanic(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()
	s := NewScanner()

	for i := 0; i < rounds; i++ {
		buf := make([]byte, rng.Intn(128))
		rng.Read(buf)
		if rng.Intn(2) == 0 && len(buf) > 3 {
			buf[0], buf[1] = StartByte, 0x00
		}

		frames, _ := s.Feed(buf)
		for _, f := range frames {
			_, _ = Decode(f)
		}
		_, _ = Decode(buf)
	}
}

func TestFuzz_CorruptedFramesRejected(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		frame, err := randomPacket(rng).Encode()
		if err != nil {
			t.Fatal(err)
		}
		pos := crcOffset + rng.Intn(len(frame)-crcOffset-TrailerSize)
		frame[pos] ^= 1 << uint(rng.Intn(8))

		if _, err := Decode(frame); !errors.Is(err, ErrChecksumMismatch) {
			t.Fatalf("round %d: corrupted byte %d accepted: %v", i, pos, err)
		}
	}
}
