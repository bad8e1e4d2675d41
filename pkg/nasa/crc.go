// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package nasa

import "github.com/sigurn/crc16"

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// CalculateCRC computes CRC-16/XMODEM (poly 0x1021, init 0) over data
func CalculateCRC(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}
