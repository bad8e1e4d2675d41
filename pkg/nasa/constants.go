// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package nasa implements the NASA bus protocol spoken by Samsung EHS heat pumps.
//
// A frame carries a fixed header and a list of sub-messages, each a 16-bit
// message number followed by a payload whose width is encoded in the number
// itself. This package reassembles frames from a byte stream, decodes and
// encodes them bit-exactly, and validates the CRC-16/XMODEM trailer.
package nasa

import "fmt"

// Protocol framing bytes
const (
	StartByte = 0x32
	EndByte   = 0x34
)

// Frame layout
const (
	// HeaderSize covers start marker, length, addresses, info, cmd, seq and capacity.
	HeaderSize = 13
	// TrailerSize covers the CRC and end marker.
	TrailerSize = 3
	// MinFrameSize is the smallest length decode accepts (exclusive).
	MinFrameSize = 14
	// MaxFrameSize is the largest frame the 16-bit length field can describe.
	MaxFrameSize = 0xFFFF + 2

	// crcOffset is the first byte covered by the checksum (source class).
	crcOffset = 3
)

// AddressClass is the device role byte of a source or destination address.
type AddressClass uint8

// Address classes observed on the bus
const (
	ClassOutdoor                     AddressClass = 0x10
	ClassHTU                         AddressClass = 0x11
	ClassIndoor                      AddressClass = 0x20
	ClassERV                         AddressClass = 0x30
	ClassDiffuser                    AddressClass = 0x35
	ClassMCU                         AddressClass = 0x38
	ClassRMC                         AddressClass = 0x40
	ClassWiredRemote                 AddressClass = 0x50
	ClassPIM                         AddressClass = 0x58
	ClassSIM                         AddressClass = 0x59
	ClassPeak                        AddressClass = 0x5A
	ClassPowerDivider                AddressClass = 0x5B
	ClassOnOffController             AddressClass = 0x60
	ClassWiFiKit                     AddressClass = 0x62
	ClassCentralController           AddressClass = 0x65
	ClassDMS                         AddressClass = 0x6A
	ClassJIGTester                   AddressClass = 0x80
	ClassBroadcastSelfLayer          AddressClass = 0xB0
	ClassBroadcastControlLayer       AddressClass = 0xB1
	ClassBroadcastSetLayer           AddressClass = 0xB2
	ClassBroadcastControlAndSetLayer AddressClass = 0xB3
	ClassBroadcastModuleLayer        AddressClass = 0xB4
	ClassBroadcastCSM                AddressClass = 0xB7
	ClassBroadcastLocalLayer         AddressClass = 0xB8
	ClassBroadcastCSML               AddressClass = 0xBF
	ClassUndefined                   AddressClass = 0xFF

	// ClassBroadcastCS is the short name some firmware uses for 0xB3.
	ClassBroadcastCS = ClassBroadcastControlAndSetLayer
)

var addressClassNames = map[AddressClass]string{
	ClassOutdoor:                     "Outdoor",
	ClassHTU:                         "HTU",
	ClassIndoor:                      "Indoor",
	ClassERV:                         "ERV",
	ClassDiffuser:                    "Diffuser",
	ClassMCU:                         "MCU",
	ClassRMC:                         "RMC",
	ClassWiredRemote:                 "WiredRemote",
	ClassPIM:                         "PIM",
	ClassSIM:                         "SIM",
	ClassPeak:                        "Peak",
	ClassPowerDivider:                "PowerDivider",
	ClassOnOffController:             "OnOffController",
	ClassWiFiKit:                     "WiFiKit",
	ClassCentralController:           "CentralController",
	ClassDMS:                         "DMS",
	ClassJIGTester:                   "JIGTester",
	ClassBroadcastSelfLayer:          "BroadcastSelfLayer",
	ClassBroadcastControlLayer:       "BroadcastControlLayer",
	ClassBroadcastSetLayer:           "BroadcastSetLayer",
	ClassBroadcastControlAndSetLayer: "BroadcastControlAndSetLayer",
	ClassBroadcastModuleLayer:        "BroadcastModuleLayer",
	ClassBroadcastCSM:                "BroadcastCSM",
	ClassBroadcastLocalLayer:         "BroadcastLocalLayer",
	ClassBroadcastCSML:               "BroadcastCSML",
	ClassUndefined:                   "Undefined",
}

// Valid reports whether c belongs to the closed set of known classes.
func (c AddressClass) Valid() bool {
	_, ok := addressClassNames[c]
	return ok
}

func (c AddressClass) String() string {
	if name, ok := addressClassNames[c]; ok {
		return name
	}
	return fmt.Sprintf("AddressClass(0x%02X)", uint8(c))
}

// ParseAddressClass maps a raw byte onto the closed class set.
func ParseAddressClass(b byte) (AddressClass, error) {
	c := AddressClass(b)
	if !c.Valid() {
		return 0, fmt.Errorf("%w: 0x%02X", ErrUnknownAddressClass, b)
	}
	return c, nil
}

// PacketType is the upper nibble of the command byte.
type PacketType uint8

// Packet types
const (
	PacketStandBy   PacketType = 0
	PacketNormal    PacketType = 1
	PacketGathering PacketType = 2
	PacketInstall   PacketType = 3
	PacketDownload  PacketType = 4
)

var packetTypeNames = []string{"StandBy", "Normal", "Gathering", "Install", "Download"}

// Valid reports whether t is a known packet type.
func (t PacketType) Valid() bool {
	return int(t) < len(packetTypeNames)
}

func (t PacketType) String() string {
	if t.Valid() {
		return packetTypeNames[t]
	}
	return fmt.Sprintf("PacketType(%d)", uint8(t))
}

// DataType is the lower nibble of the command byte.
type DataType uint8

// Data types
const (
	DataUndefined    DataType = 0
	DataRead         DataType = 1
	DataWrite        DataType = 2
	DataRequest      DataType = 3
	DataNotification DataType = 4
	DataResponse     DataType = 5
	DataAck          DataType = 6
	DataNack         DataType = 7
)

var dataTypeNames = []string{"Undefined", "Read", "Write", "Request", "Notification", "Response", "Ack", "Nack"}

// Valid reports whether t is a known data type.
func (t DataType) Valid() bool {
	return int(t) < len(dataTypeNames)
}

func (t DataType) String() string {
	if t.Valid() {
		return dataTypeNames[t]
	}
	return fmt.Sprintf("DataType(%d)", uint8(t))
}

// MessageType is bits 10-9 of a sub-message number and selects the payload width.
type MessageType uint8

// Message types
const (
	MessageEnum      MessageType = 0 // 1 byte
	MessageVariable  MessageType = 1 // 2 bytes
	MessageLongVar   MessageType = 2 // 4 bytes
	MessageStructure MessageType = 3 // rest of frame
)

func (t MessageType) String() string {
	switch t {
	case MessageEnum:
		return "Enum"
	case MessageVariable:
		return "Variable"
	case MessageLongVar:
		return "LongVariable"
	case MessageStructure:
		return "Structure"
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// PayloadSize returns the fixed payload width for t, or -1 for structures.
func (t MessageType) PayloadSize() int {
	switch t {
	case MessageEnum:
		return 1
	case MessageVariable:
		return 2
	case MessageLongVar:
		return 4
	}
	return -1
}

// MessageTypeOf extracts the message type from a message number.
func MessageTypeOf(number uint16) MessageType {
	return MessageType((number >> 9) & 0x03)
}
