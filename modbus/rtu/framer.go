// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"
	"io"

	"github.com/ffutop/bess-simulator/modbus"
	"github.com/ffutop/bess-simulator/modbus/crc"
)

var ErrChecksum = errors.New("modbus: rtu crc mismatch")

// UnsupportedFunctionError is returned when a request length cannot be derived
// from its header. Only the header has been consumed, so a stream is out of
// step afterwards.
type UnsupportedFunctionError struct {
	FunctionCode byte
}

func (e *UnsupportedFunctionError) Error() string {
	return fmt.Sprintf("unsupported function code: 0x%02X", e.FunctionCode)
}

// headerLength returns how many leading bytes of a request are needed before
// its total length is known.
func headerLength(funcCode byte) int {
	switch funcCode {
	case modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		return headerSize
	case modbus.FuncCodeReadWriteMultipleRegisters:
		return 11
	case modbus.FuncCodeReadFileRecord,
		modbus.FuncCodeWriteFileRecord,
		modbus.FuncCodeEncapsulatedInterface:
		return 3
	}
	return 2
}

// CalculateRequestLength returns the expected total length of the Request RTU ADU based on the header.
func CalculateRequestLength(funcCode byte, header []byte) (int, error) {
	if need := headerLength(funcCode); len(header) < need {
		return 0, fmt.Errorf("need %d bytes to determine length for 0x%02X, got %d", need, funcCode, len(header))
	}
	switch funcCode {
	case modbus.FuncCodeReadExceptionStatus,
		modbus.FuncCodeGetCommEventCounter,
		modbus.FuncCodeGetCommEventLog,
		modbus.FuncCodeReportServerID:
		// [SlaveID, Func, CRC(2)]
		return 4, nil
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeDiagnostics:
		// Fixed 8 bytes: [SlaveID, Func, Addr(2), Val(2), CRC(2)]
		return 8, nil
	case modbus.FuncCodeReadFIFOQueue:
		// [SlaveID, Func, Addr(2), CRC(2)]
		return 6, nil
	case modbus.FuncCodeMaskWriteRegister:
		// [SlaveID, Func, Addr(2), AndMask(2), OrMask(2), CRC(2)]
		return 10, nil
	case modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		// Req: [SlaveID, Func, Addr(2), Quant(2), ByteCount(1), Data(N), CRC(2)]
		return headerSize + int(header[6]) + 2, nil
	case modbus.FuncCodeReadWriteMultipleRegisters:
		// [SlaveID, Func, ReadAddr(2), ReadQuant(2), WriteAddr(2), WriteQuant(2), ByteCount(1), Data(N), CRC(2)]
		return 11 + int(header[10]) + 2, nil
	case modbus.FuncCodeReadFileRecord,
		modbus.FuncCodeWriteFileRecord:
		// [SlaveID, Func, ByteCount(1), Data(N), CRC(2)]
		return 3 + int(header[2]) + 2, nil
	case modbus.FuncCodeEncapsulatedInterface:
		// Only Read Device Identification has a known layout:
		// [SlaveID, Func, MEI, ReadCode, ObjectID, CRC(2)]
		if header[2] == modbus.MEIReadDeviceIdentification {
			return 7, nil
		}
	}
	return 0, &UnsupportedFunctionError{FunctionCode: funcCode}
}

// ReadRequest reads one request ADU from r and returns the slave id and PDU.
// Every frame with a known length is checked against its CRC, including
// function codes the caller does not serve, so they can be answered with an
// exception. If the length cannot be derived, the slave id and function code
// are returned together with an *UnsupportedFunctionError.
func ReadRequest(r io.Reader) (byte, modbus.ProtocolDataUnit, error) {
	buf := make([]byte, MaxSize)

	if _, err := io.ReadFull(r, buf[:2]); err != nil {
		return 0, modbus.ProtocolDataUnit{}, err
	}
	slaveID, funcCode := buf[0], buf[1]

	current := headerLength(funcCode)
	if current > 2 {
		if _, err := io.ReadFull(r, buf[2:current]); err != nil {
			return 0, modbus.ProtocolDataUnit{}, err
		}
	}

	expected, err := CalculateRequestLength(funcCode, buf[:current])
	if err != nil {
		return slaveID, modbus.ProtocolDataUnit{FunctionCode: funcCode}, err
	}
	if expected > MaxSize {
		return 0, modbus.ProtocolDataUnit{}, fmt.Errorf("modbus: rtu request length %d exceeds %d", expected, MaxSize)
	}
	if _, err := io.ReadFull(r, buf[current:expected]); err != nil {
		return 0, modbus.ProtocolDataUnit{}, err
	}

	var c crc.CRC
	c.Reset().PushBytes(buf[:expected-2])
	received := uint16(buf[expected-1])<<8 | uint16(buf[expected-2])
	if c.Value() != received {
		return 0, modbus.ProtocolDataUnit{}, ErrChecksum
	}

	data := make([]byte, expected-4)
	copy(data, buf[2:expected-2])
	return slaveID, modbus.ProtocolDataUnit{FunctionCode: funcCode, Data: data}, nil
}

// Encode encodes a PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes
func Encode(slaveID byte, pdu modbus.ProtocolDataUnit) ([]byte, error) {
	length := len(pdu.Data) + 4
	if length > MaxSize {
		return nil, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
	}
	raw := make([]byte, length)
	raw[0] = slaveID
	raw[1] = pdu.FunctionCode
	copy(raw[2:], pdu.Data)

	var c crc.CRC
	c.Reset().PushBytes(raw[:length-2])
	checksum := c.Value()
	raw[length-1] = byte(checksum >> 8)
	raw[length-2] = byte(checksum)
	return raw, nil
}
