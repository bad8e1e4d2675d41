// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nasa

import (
	"encoding/binary"
	"fmt"
)

// Address identifies a bus participant
type Address struct {
	Class   AddressClass
	Channel uint8
	Addr    uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%s(%02X.%02X.%02X)", a.Class, uint8(a.Class), a.Channel, a.Addr)
}

// Packet represents a decoded or outbound NASA frame
type Packet struct {
	Source      Address
	Destination Address
	Information bool
	Version     uint8
	RetryCount  uint8
	PacketType  PacketType
	DataType    DataType
	Sequence    uint8
	Messages    []Message

	size uint16
	crc  uint16
}

// Size returns the length field of a decoded packet (total length minus 2)
func (p *Packet) Size() uint16 {
	return p.size
}

// CRC returns the checksum of a decoded packet
func (p *Packet) CRC() uint16 {
	return p.crc
}

// Capacity returns the number of sub-messages
func (p *Packet) Capacity() int {
	return len(p.Messages)
}

// Decode parses a candidate frame into a Packet and validates its checksum
func Decode(frame []byte) (*Packet, error) {
	if len(frame) <= MinFrameSize {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrFrameMalformed, len(frame))
	}
	if frame[0] != StartByte || frame[len(frame)-1] != EndByte {
		return nil, fmt.Errorf("%w: bad markers 0x%02X..0x%02X", ErrFrameMalformed, frame[0], frame[len(frame)-1])
	}

	size := binary.BigEndian.Uint16(frame[1:3])
	if int(size)+2 != len(frame) {
		return nil, fmt.Errorf("%w: declared length %d, actual %d", ErrMalformedHeader, int(size)+2, len(frame))
	}

	crcEnd := len(frame) - TrailerSize
	embedded := binary.BigEndian.Uint16(frame[crcEnd:])
	if computed := CalculateCRC(frame[crcOffset:crcEnd]); computed != embedded {
		return nil, &ChecksumError{Computed: computed, Embedded: embedded}
	}

	p := &Packet{size: size, crc: embedded}

	var err error
	if p.Source, err = decodeAddress(frame[3:6]); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if p.Destination, err = decodeAddress(frame[6:9]); err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}

	info := frame[9]
	p.Information = info&0x80 != 0
	p.Version = (info >> 5) & 0x03
	p.RetryCount = (info >> 3) & 0x03

	cmd := frame[10]
	p.PacketType = PacketType(cmd >> 4)
	p.DataType = DataType(cmd & 0x0F)
	if !p.PacketType.Valid() {
		return nil, fmt.Errorf("%w: packet type %d", ErrUnknownPacketType, cmd>>4)
	}
	if !p.DataType.Valid() {
		return nil, fmt.Errorf("%w: data type %d", ErrMalformedHeader, cmd&0x0F)
	}

	p.Sequence = frame[11]
	capacity := int(frame[12])

	if p.Messages, err = DecodeMessages(frame[HeaderSize:crcEnd], capacity); err != nil {
		return nil, err
	}
	if len(p.Messages) != capacity {
		return nil, fmt.Errorf("%w: capacity %d, found %d messages", ErrMalformedHeader, capacity, len(p.Messages))
	}

	return p, nil
}

func decodeAddress(b []byte) (Address, error) {
	class, err := ParseAddressClass(b[0])
	if err != nil {
		return Address{}, err
	}
	return Address{Class: class, Channel: b[1], Addr: b[2]}, nil
}

// Encode serializes p. Length, capacity and CRC are always recomputed from
// the serialized content.
func (p *Packet) Encode() ([]byte, error) {
	if len(p.Messages) > 0xFF {
		return nil, fmt.Errorf("too many messages: %d (max 255)", len(p.Messages))
	}
	for _, m := range p.Messages {
		if m.Type() == MessageStructure && len(p.Messages) != 1 {
			return nil, fmt.Errorf("structure message 0x%04X must be the only message", m.Number)
		}
	}
	if !p.PacketType.Valid() || !p.DataType.Valid() {
		return nil, fmt.Errorf("%w: %s/%s", ErrMalformedHeader, p.PacketType, p.DataType)
	}

	out := make([]byte, 0, 64)
	out = append(out, StartByte, 0x00, 0x00)
	out = append(out,
		byte(p.Source.Class), p.Source.Channel, p.Source.Addr,
		byte(p.Destination.Class), p.Destination.Channel, p.Destination.Addr,
	)

	var info byte
	if p.Information {
		info |= 0x80
	}
	info |= (p.Version & 0x03) << 5
	info |= (p.RetryCount & 0x03) << 3
	out = append(out, info, byte(p.PacketType)<<4|byte(p.DataType), p.Sequence, byte(len(p.Messages)))

	var err error
	for _, m := range p.Messages {
		if out, err = m.AppendBinary(out); err != nil {
			return nil, err
		}
	}

	total := len(out) + TrailerSize
	if total > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", total)
	}
	binary.BigEndian.PutUint16(out[1:3], uint16(total-2))

	crc := CalculateCRC(out[crcOffset:])
	out = binary.BigEndian.AppendUint16(out, crc)
	out = append(out, EndByte)
	return out, nil
}
