// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nasa

import (
	"encoding/binary"
	"fmt"
)

// Message is one sub-message of a packet: a 16-bit number and its payload
type Message struct {
	Number  uint16
	Payload []byte
}

// NewMessage packs value as a signed big-endian integer sized by the number's type.
// Structure numbers cannot be built from an integer.
func NewMessage(number uint16, value int64) (Message, error) {
	t := MessageTypeOf(number)
	size := t.PayloadSize()
	if size < 0 {
		return Message{}, fmt.Errorf("message 0x%04X: structure payloads are not integer encoded", number)
	}
	return Message{Number: number, Payload: packSigned(value, size)}, nil
}

// NewStructureMessage builds a type 3 message carrying raw bytes
func NewStructureMessage(number uint16, raw []byte) (Message, error) {
	if MessageTypeOf(number) != MessageStructure {
		return Message{}, fmt.Errorf("message 0x%04X is not a structure", number)
	}
	return Message{Number: number, Payload: append([]byte(nil), raw...)}, nil
}

// Type returns the message type encoded in the number
func (m Message) Type() MessageType {
	return MessageTypeOf(m.Number)
}

// Int returns the payload as a signed big-endian integer
func (m Message) Int() int64 {
	var v int64
	for _, b := range m.Payload {
		v = v<<8 | int64(b)
	}
	if n := len(m.Payload); n > 0 && n < 8 && m.Payload[0]&0x80 != 0 {
		v -= 1 << (8 * n)
	}
	return v
}

// Uint returns the payload as an unsigned big-endian integer
func (m Message) Uint() uint64 {
	var v uint64
	for _, b := range m.Payload {
		v = v<<8 | uint64(b)
	}
	return v
}

// AppendBinary appends the wire form of m to dst
func (m Message) AppendBinary(dst []byte) ([]byte, error) {
	t := m.Type()
	dst = binary.BigEndian.AppendUint16(dst, m.Number)
	if t == MessageStructure {
		return append(dst, m.Payload...), nil
	}
	size := t.PayloadSize()
	if len(m.Payload) != size {
		return nil, fmt.Errorf("message 0x%04X: %s payload must be %d bytes, got %d", m.Number, t, size, len(m.Payload))
	}
	return append(dst, packSigned(m.Int(), size)...), nil
}

// MarshalBinary encodes m as number bytes followed by payload bytes
func (m Message) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(make([]byte, 0, 2+len(m.Payload)))
}

// DecodeMessages extracts up to capacity messages from buf.
// Extraction stops once capacity messages are read or two bytes or fewer remain.
func DecodeMessages(buf []byte, capacity int) ([]Message, error) {
	messages := make([]Message, 0, capacity)
	cursor := 0
	for len(messages) < capacity && len(buf)-cursor > 2 {
		number := binary.BigEndian.Uint16(buf[cursor:])
		cursor += 2

		t := MessageTypeOf(number)
		var payload []byte
		if t == MessageStructure {
			if capacity != 1 {
				return nil, fmt.Errorf("%w: structure message 0x%04X in packet with capacity %d", ErrFrameMalformed, number, capacity)
			}
			payload = buf[cursor:]
		} else {
			size := t.PayloadSize()
			if len(buf)-cursor < size {
				return nil, fmt.Errorf("%w: message 0x%04X needs %d payload bytes, %d left", ErrFrameMalformed, number, size, len(buf)-cursor)
			}
			payload = buf[cursor : cursor+size]
		}
		cursor += len(payload)
		messages = append(messages, Message{Number: number, Payload: append([]byte(nil), payload...)})
	}
	return messages, nil
}

func packSigned(value int64, size int) []byte {
	out := make([]byte, size)
	for i := size - 1; i >= 0; i-- {
		out[i] = byte(value)
		value >>= 8
	}
	return out
}

// FitsPayload reports whether value fits the signed range of the number's payload width.
func FitsPayload(number uint16, value int64) bool {
	size := MessageTypeOf(number).PayloadSize()
	if size < 0 || size >= 8 {
		return size >= 8
	}
	bits := uint(8 * size)
	lo := -(int64(1) << (bits - 1))
	hi := int64(1)<<bits - 1
	return value >= lo && value <= hi
}
