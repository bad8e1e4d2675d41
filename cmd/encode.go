// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 ehs-sentinel contributors

package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
	"github.com/echoDaveD/ehs-sentinel/pkg/transform"
)

var (
	encodeSource     string
	encodeDest       string
	encodeDataType   string
	encodePacketType string
	encodeSeq        uint8
	encodeNoInfo     bool
	encodeSend       bool
)

var encodeCmd = &cobra.Command{
	Use:   "encode MESSAGE...",
	Short: "Build a NASA frame and print it as hex",
	Long: `Build a frame from the command line and print its wire bytes.

Each MESSAGE is KEY=VALUE, where KEY is a repository name encoded through
its conversion rules, or a raw 0xNNNN message number with an integer
value. A bare KEY or number is sent with a zero payload, which is what
read requests use.

Addresses are written as three hex bytes: class.channel.address.

Examples:
  ehs-sentinel encode NASA_POWER
  ehs-sentinel encode --dst 20.00.00 --data-type write NASA_POWER=ON
  ehs-sentinel encode --data-type notification 0x4201=450 --send`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEncode,
}

func init() {
	rootCmd.AddCommand(encodeCmd)
	encodeCmd.Flags().StringVar(&encodeSource, "src", "80.FF.00", "Source address")
	encodeCmd.Flags().StringVar(&encodeDest, "dst", "B2.00.20", "Destination address")
	encodeCmd.Flags().StringVar(&encodeDataType, "data-type", "read", "Data type (read, write, request, notification, response, ack, nack)")
	encodeCmd.Flags().StringVar(&encodePacketType, "packet-type", "normal", "Packet type (standby, normal, gathering, install, download)")
	encodeCmd.Flags().Uint8Var(&encodeSeq, "seq", 0, "Sequence number")
	encodeCmd.Flags().BoolVar(&encodeNoInfo, "no-info", false, "Clear the information bit")
	encodeCmd.Flags().BoolVar(&encodeSend, "send", false, "Write the frame to the configured connection")
}

func runEncode(cmd *cobra.Command, args []string) error {
	src, err := parseBusAddress(encodeSource)
	if err != nil {
		return fmt.Errorf("--src: %w", err)
	}
	dst, err := parseBusAddress(encodeDest)
	if err != nil {
		return fmt.Errorf("--dst: %w", err)
	}
	dataType, err := parseDataType(encodeDataType)
	if err != nil {
		return err
	}
	packetType, err := parsePacketType(encodePacketType)
	if err != nil {
		return err
	}

	var engine *transform.Engine
	if needsRepository(args) {
		if engine, err = loadEngine(); err != nil {
			return err
		}
	}

	msgs := make([]nasa.Message, 0, len(args))
	for _, arg := range args {
		m, err := parseMessageArg(engine, arg)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}

	p := &nasa.Packet{
		Source:      src,
		Destination: dst,
		Information: !encodeNoInfo,
		Version:     nasa.ProtocolVersion,
		PacketType:  packetType,
		DataType:    dataType,
		Sequence:    encodeSeq,
		Messages:    msgs,
	}
	wire, err := p.Encode()
	if err != nil {
		return err
	}

	fmt.Println(nasa.FormatHex(wire))

	if !encodeSend {
		return nil
	}
	ctx, cancel := signalContext()
	defer cancel()
	conn, connInfo, err := OpenConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Write(wire); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	// give slow links a moment to drain before the connection closes
	time.Sleep(100 * time.Millisecond)
	fmt.Printf("Sent %d bytes to %s\n", len(wire), connInfo)
	return nil
}

// parseBusAddress parses "CC.HH.AA" hex triplets
func parseBusAddress(s string) (nasa.Address, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return nasa.Address{}, fmt.Errorf("invalid address %q (want class.channel.address)", s)
	}
	var b [3]uint8
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return nasa.Address{}, fmt.Errorf("invalid address %q: %w", s, err)
		}
		b[i] = uint8(v)
	}
	class, err := nasa.ParseAddressClass(b[0])
	if err != nil {
		return nasa.Address{}, err
	}
	return nasa.Address{Class: class, Channel: b[1], Addr: b[2]}, nil
}

func parseDataType(s string) (nasa.DataType, error) {
	for t := nasa.DataType(0); t.Valid(); t++ {
		if strings.EqualFold(t.String(), s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

func parsePacketType(s string) (nasa.PacketType, error) {
	for t := nasa.PacketType(0); t.Valid(); t++ {
		if strings.EqualFold(t.String(), s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown packet type %q", s)
}

func isRawNumber(key string) bool {
	return strings.HasPrefix(key, "0x") || strings.HasPrefix(key, "0X")
}

func needsRepository(args []string) bool {
	for _, arg := range args {
		key, _, _ := strings.Cut(arg, "=")
		if !isRawNumber(key) {
			return true
		}
	}
	return false
}

// parseMessageArg turns KEY[=VALUE] or 0xNNNN[=VALUE] into a sub-message
func parseMessageArg(engine *transform.Engine, arg string) (nasa.Message, error) {
	key, value, hasValue := strings.Cut(arg, "=")

	if isRawNumber(key) {
		number, err := strconv.ParseUint(key[2:], 16, 16)
		if err != nil {
			return nasa.Message{}, fmt.Errorf("invalid message number %q: %w", key, err)
		}
		if nasa.MessageTypeOf(uint16(number)) == nasa.MessageStructure {
			return nasa.NewStructureMessage(uint16(number), []byte{0})
		}
		var v int64
		if hasValue {
			if v, err = strconv.ParseInt(value, 0, 64); err != nil {
				return nasa.Message{}, fmt.Errorf("invalid value for %s: %w", key, err)
			}
		}
		return nasa.NewMessage(uint16(number), v)
	}

	if engine == nil {
		return nasa.Message{}, fmt.Errorf("no repository loaded for key %q", key)
	}
	e, err := engine.Repository().Lookup(key)
	if err != nil {
		return nasa.Message{}, err
	}
	if !hasValue {
		if e.MessageType() == nasa.MessageStructure {
			return nasa.NewStructureMessage(e.Address, []byte{0})
		}
		return nasa.NewMessage(e.Address, 0)
	}
	return engine.EncodeMessage(e, value)
}
