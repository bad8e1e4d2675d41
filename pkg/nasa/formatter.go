// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nasa

import (
	"fmt"
	"strings"
	"time"
)

// FormatHex renders bytes as spaced upper-case hex, the format used in bus logs
func FormatHex(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", v)
	}
	return sb.String()
}

// FormatPacket formats a packet into a human-readable multi-line string
func FormatPacket(p *Packet, at time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s -> %s %s/%s seq=%d",
		at.Format("15:04:05.000"), p.Source, p.Destination, p.PacketType, p.DataType, p.Sequence)
	fmt.Fprintf(&sb, " info=%t v%d retry=%d msgs=%d\n", p.Information, p.Version, p.RetryCount, len(p.Messages))
	for _, m := range p.Messages {
		sb.WriteString("    ")
		sb.WriteString(FormatMessage(m))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// FormatMessage formats one sub-message
func FormatMessage(m Message) string {
	if m.Type() == MessageStructure {
		return fmt.Sprintf("0x%04X %-12s [%d bytes] %s", m.Number, m.Type(), len(m.Payload), FormatHex(m.Payload))
	}
	return fmt.Sprintf("0x%04X %-12s %-11s = %d", m.Number, m.Type(), FormatHex(m.Payload), m.Int())
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s -> %s %s/%s seq=%d msgs=%d",
		p.Source, p.Destination, p.PacketType, p.DataType, p.Sequence, len(p.Messages))
}
