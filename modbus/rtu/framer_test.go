// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ffutop/bess-simulator/modbus"
)

func TestCalculateRequestLength(t *testing.T) {
	tests := []struct {
		name     string
		funcCode byte
		header   []byte
		want     int
		wantErr  bool
	}{
		{"ReadHoldingRegisters", 0x03, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, 8, false},
		{"WriteSingleRegister", 0x06, []byte{0x01, 0x06, 0x00, 0x00, 0xAA, 0xBB}, 8, false},
		{"WriteMultipleRegisters_ShortHeader", 0x10, []byte{0x01, 0x10, 0x00, 0x01, 0x00, 0x01}, 0, true},
		{"WriteMultipleRegisters_Valid", 0x10, []byte{0x01, 0x10, 0x00, 0x01, 0x00, 0x01, 0x02}, 7 + 2 + 2, false},
		{"ReportServerID", 0x11, []byte{0x01, 0x11}, 4, false},
		{"ReadExceptionStatus", 0x07, []byte{0x01, 0x07}, 4, false},
		{"GetCommEventCounter", 0x0B, []byte{0x01, 0x0B}, 4, false},
		{"GetCommEventLog", 0x0C, []byte{0x01, 0x0C}, 4, false},
		{"Diagnostics", 0x08, []byte{0x01, 0x08}, 8, false},
		{"ReadFIFOQueue", 0x18, []byte{0x01, 0x18}, 6, false},
		{"MaskWriteRegister", 0x16, []byte{0x01, 0x16}, 10, false},
		{"ReadWriteMultiple_ShortHeader", 0x17, []byte{0x01, 0x17, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01}, 0, true},
		{"ReadWriteMultiple", 0x17, []byte{0x01, 0x17, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x02}, 11 + 2 + 2, false},
		{"ReadFileRecord", 0x14, []byte{0x01, 0x14, 0x07}, 3 + 7 + 2, false},
		{"ReadDeviceIdentification", 0x2B, []byte{0x01, 0x2B, 0x0E}, 7, false},
		{"UnknownMEIType", 0x2B, []byte{0x01, 0x2B, 0x0D}, 0, true},
		{"UnknownFunction", 0x99, []byte{0x01, 0x99}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CalculateRequestLength(tt.funcCode, tt.header)
			if (err != nil) != tt.wantErr {
				t.Errorf("CalculateRequestLength() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("CalculateRequestLength() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadRequest_RoundTrip(t *testing.T) {
	pdu := modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeWriteMultipleRegisters,
		Data:         []byte{0x03, 0xFC, 0x00, 0x02, 0x04, 0xFF, 0xFF, 0xFF, 0xCE},
	}
	raw, err := Encode(0x11, pdu)
	if err != nil {
		t.Fatalf("Encode() err = %v", err)
	}

	slaveID, got, err := ReadRequest(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadRequest() err = %v", err)
	}
	if slaveID != 0x11 {
		t.Errorf("slaveID = %d, want 17", slaveID)
	}
	if got.FunctionCode != pdu.FunctionCode || !bytes.Equal(got.Data, pdu.Data) {
		t.Errorf("ReadRequest() = %+v, want %+v", got, pdu)
	}
}

func TestReadRequest_BadChecksum(t *testing.T) {
	raw, _ := Encode(0x01, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x0A, 0x00, 0x01}})
	raw[len(raw)-1] ^= 0xFF

	_, _, err := ReadRequest(bytes.NewReader(raw))
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("ReadRequest() err = %v, want ErrChecksum", err)
	}
}

func TestReadRequest_UnsupportedFunction(t *testing.T) {
	// A 4-byte Report Server ID frame followed by a read must come out as
	// two requests, in order.
	serverID, _ := Encode(0x01, modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeReportServerID})
	read, _ := Encode(0x01, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x0A, 0x00, 0x01}})
	deviceID, _ := Encode(0x01, modbus.ProtocolDataUnit{FunctionCode: 0x2B, Data: []byte{0x0E, 0x01, 0x00}})

	stream := bytes.NewReader(append(append(serverID, read...), deviceID...))

	slaveID, pdu, err := ReadRequest(stream)
	if err != nil {
		t.Fatalf("ReadRequest() err = %v", err)
	}
	if slaveID != 0x01 || pdu.FunctionCode != 0x11 || len(pdu.Data) != 0 {
		t.Errorf("ReadRequest() = %d %+v, want Report Server ID", slaveID, pdu)
	}

	_, pdu, err = ReadRequest(stream)
	if err != nil {
		t.Fatalf("ReadRequest() err = %v", err)
	}
	if pdu.FunctionCode != 0x03 || !bytes.Equal(pdu.Data, []byte{0x00, 0x0A, 0x00, 0x01}) {
		t.Errorf("ReadRequest() = %+v, want the read that followed", pdu)
	}

	_, pdu, err = ReadRequest(stream)
	if err != nil {
		t.Fatalf("ReadRequest() err = %v", err)
	}
	if pdu.FunctionCode != 0x2B || !bytes.Equal(pdu.Data, []byte{0x0E, 0x01, 0x00}) {
		t.Errorf("ReadRequest() = %+v, want Read Device Identification", pdu)
	}
	if stream.Len() != 0 {
		t.Errorf("%d bytes left unread", stream.Len())
	}
}

func TestReadRequest_UnsupportedFunctionBadChecksum(t *testing.T) {
	raw, _ := Encode(0x01, modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeReportServerID})
	raw[len(raw)-2] ^= 0xFF

	_, _, err := ReadRequest(bytes.NewReader(raw))
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("ReadRequest() err = %v, want ErrChecksum", err)
	}
}

func TestReadRequest_UnknownLength(t *testing.T) {
	raw := []byte{0x01, 0x41, 0x00, 0x00, 0x00, 0x00}

	slaveID, pdu, err := ReadRequest(bytes.NewReader(raw))
	var unsupported *UnsupportedFunctionError
	if !errors.As(err, &unsupported) {
		t.Fatalf("ReadRequest() err = %v, want UnsupportedFunctionError", err)
	}
	if slaveID != 0x01 || pdu.FunctionCode != 0x41 || unsupported.FunctionCode != 0x41 {
		t.Errorf("ReadRequest() = %d %+v", slaveID, pdu)
	}
}

func TestEncode_WireBytes(t *testing.T) {
	got, err := Encode(0x01, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = % X, want % X", got, want)
	}

	got, _ = Encode(0x01, modbus.ExceptionPDU(0x11, modbus.ExceptionCodeIllegalFunction))
	want = []byte{0x01, 0x91, 0x01, 0x8C, 0x50}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = % X, want % X", got, want)
	}
}
