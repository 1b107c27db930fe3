// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"fmt"
	"io"

	"github.com/ffutop/bess-simulator/modbus"
)

const (
	mbapHeaderSize = 7
	tcpMinSize     = 8
	tcpMaxSize     = 260
	protocolID     = 0
)

type ApplicationDataUnit struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	SlaveID       byte
	Pdu           modbus.ProtocolDataUnit
}

// ReadADU reads one frame: the 7-byte MBAP header, then Length-1 bytes of PDU.
func ReadADU(r io.Reader) (*ApplicationDataUnit, error) {
	header := make([]byte, mbapHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := uint16(header[4])<<8 | uint16(header[5])
	if length < 2 || int(length)+6 > tcpMaxSize {
		return nil, fmt.Errorf("modbus: mbap length '%v' outside [2, %v]", length, tcpMaxSize-6)
	}
	raw := make([]byte, mbapHeaderSize+int(length)-1)
	copy(raw, header)
	if _, err := io.ReadFull(r, raw[mbapHeaderSize:]); err != nil {
		return nil, err
	}
	return Decode(raw)
}

func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	if len(raw) < tcpMinSize {
		err = fmt.Errorf("modbus: request length '%v' does not meet minimum '%v'", len(raw), tcpMinSize)
		return
	}
	adu = &ApplicationDataUnit{}
	adu.TransactionID = uint16(raw[0])<<8 | uint16(raw[1])
	adu.ProtocolID = uint16(raw[2])<<8 | uint16(raw[3])
	adu.Length = uint16(raw[4])<<8 | uint16(raw[5])
	adu.SlaveID = raw[6]
	adu.Pdu.FunctionCode = raw[7]
	adu.Pdu.Data = raw[8:]

	if int(adu.Length) != len(raw)-6 {
		err = fmt.Errorf("modbus: mbap length '%v' does not match frame '%v'", adu.Length, len(raw)-6)
		return
	}
	return
}

// Reply builds the response frame for this request.
func (adu *ApplicationDataUnit) Reply(pdu modbus.ProtocolDataUnit) *ApplicationDataUnit {
	return &ApplicationDataUnit{
		TransactionID: adu.TransactionID,
		ProtocolID:    adu.ProtocolID,
		Length:        uint16(1 + 1 + len(pdu.Data)), // SlaveID + FunctionCode + Data
		SlaveID:       adu.SlaveID,
		Pdu:           pdu,
	}
}

func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + 8
	if length > tcpMaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, tcpMaxSize)
		return
	}
	raw = make([]byte, length)

	raw[0] = byte(adu.TransactionID >> 8)
	raw[1] = byte(adu.TransactionID >> 0)
	raw[2] = byte(adu.ProtocolID >> 8)
	raw[3] = byte(adu.ProtocolID >> 0)
	raw[4] = byte(adu.Length >> 8)
	raw[5] = byte(adu.Length >> 0)
	raw[6] = adu.SlaveID
	raw[7] = adu.Pdu.FunctionCode
	copy(raw[8:], adu.Pdu.Data)

	return
}
