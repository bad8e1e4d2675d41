// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nasa

import "fmt"

// AnomalyType classifies packets that decode cleanly but look unusual
type AnomalyType int

const (
	AnomalyUnexpectedVersion AnomalyType = iota
	AnomalyRetransmission
	AnomalyBroadcastSource
	AnomalyEmptyPacket
	AnomalyDuplicateMessage
)

func (a AnomalyType) String() string {
	switch a {
	case AnomalyUnexpectedVersion:
		return "unexpected version"
	case AnomalyRetransmission:
		return "retransmission"
	case AnomalyBroadcastSource:
		return "broadcast source"
	case AnomalyEmptyPacket:
		return "empty packet"
	case AnomalyDuplicateMessage:
		return "duplicate message"
	}
	return fmt.Sprintf("AnomalyType(%d)", int(a))
}

// ProtocolVersion is the only version seen on production buses
const ProtocolVersion = 2

// ValidationError represents one anomaly found in a packet
type ValidationError struct {
	Type    AnomalyType
	Message string
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidatePacket reports anomalies in a decoded packet (empty if none)
func ValidatePacket(p *Packet) []ValidationError {
	var errs []ValidationError

	if p.Version != ProtocolVersion {
		errs = append(errs, ValidationError{
			Type:    AnomalyUnexpectedVersion,
			Message: fmt.Sprintf("protocol version %d, expected %d", p.Version, ProtocolVersion),
		})
	}

	if p.RetryCount > 0 {
		errs = append(errs, ValidationError{
			Type:    AnomalyRetransmission,
			Message: fmt.Sprintf("retry count %d", p.RetryCount),
		})
	}

	if p.Source.Class >= ClassBroadcastSelfLayer && p.Source.Class <= ClassBroadcastCSML {
		errs = append(errs, ValidationError{
			Type:    AnomalyBroadcastSource,
			Message: fmt.Sprintf("broadcast class %s used as source", p.Source.Class),
		})
	}

	if len(p.Messages) == 0 && p.DataType != DataAck && p.DataType != DataNack {
		errs = append(errs, ValidationError{
			Type:    AnomalyEmptyPacket,
			Message: fmt.Sprintf("%s packet without messages", p.DataType),
		})
	}

	seen := make(map[uint16]bool, len(p.Messages))
	for _, m := range p.Messages {
		if seen[m.Number] {
			errs = append(errs, ValidationError{
				Type:    AnomalyDuplicateMessage,
				Message: fmt.Sprintf("message 0x%04X repeated", m.Number),
			})
		}
		seen[m.Number] = true
	}

	return errs
}
