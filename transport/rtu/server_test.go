// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ffutop/bess-simulator/modbus"
	"github.com/ffutop/bess-simulator/modbus/crc"
	mbrtu "github.com/ffutop/bess-simulator/modbus/rtu"
)

type mockPort struct {
	io.Reader
	io.Writer
}

func newTestServer() *Server {
	return &Server{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func adu(slaveID byte, pdu []byte) []byte {
	raw := append([]byte{slaveID}, pdu...)
	var c crc.CRC
	c.Reset().PushBytes(raw)
	sum := c.Value()
	// Low byte first on the wire.
	return append(raw, byte(sum), byte(sum>>8))
}

func TestScanLoop(t *testing.T) {
	reader := bytes.NewReader(adu(0x01, []byte{0x03, 0x00, 0x00, 0x00, 0x01}))
	writer := &bytes.Buffer{}
	port := &mockPort{Reader: reader, Writer: writer}

	handler := func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		if slaveID != 0x01 {
			t.Errorf("Handler got slaveID %v, want 1", slaveID)
		}
		if pdu.FunctionCode != 0x03 {
			t.Errorf("Handler got func %v, want 3", pdu.FunctionCode)
		}
		return modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x02, 0x12, 0x34}}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := newTestServer().scanLoop(ctx, port, handler); err != nil {
		t.Fatalf("scanLoop() err = %v", err)
	}

	want := adu(0x01, []byte{0x03, 0x02, 0x12, 0x34})
	if !bytes.Equal(writer.Bytes(), want) {
		t.Errorf("response = % X, want % X", writer.Bytes(), want)
	}
}

func TestServer_FunctionCodes(t *testing.T) {
	tests := []struct {
		name     string
		funcCode byte
		reqPDU   []byte // Just the PDU part (Func + Data)
	}{
		{"ReadHoldingRegisters", 0x03, []byte{0x03, 0x00, 0x0A, 0x00, 0x02}},
		{"WriteSingleRegister", 0x06, []byte{0x06, 0x00, 0x00, 0xAA, 0xBB}},
		{"WriteMultipleRegisters", 0x10, []byte{0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x11, 0x22, 0x33, 0x44}},
		{"ReadDeviceIdentification", 0x2B, []byte{0x2B, 0x0E, 0x01, 0x00}},
		{"ReportServerID", 0x11, []byte{0x11}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := &mockPort{Reader: bytes.NewReader(adu(0x01, tt.reqPDU)), Writer: &bytes.Buffer{}}

			var got modbus.ProtocolDataUnit
			calls := 0
			handler := func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
				calls++
				got = pdu
				return modbus.ExceptionPDU(pdu.FunctionCode, modbus.ExceptionCodeIllegalFunction), nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			newTestServer().scanLoop(ctx, port, handler)

			if calls != 1 {
				t.Fatalf("handler called %d times, want 1", calls)
			}
			if got.FunctionCode != tt.funcCode {
				t.Errorf("Want func %d, got %d", tt.funcCode, got.FunctionCode)
			}
			if !bytes.Equal(got.Data, tt.reqPDU[1:]) {
				t.Errorf("Data = % X, want % X", got.Data, tt.reqPDU[1:])
			}
		})
	}
}

func TestScanLoop_DropsBadCRCAndBroadcast(t *testing.T) {
	bad := adu(0x01, []byte{0x06, 0x00, 0x01, 0x00, 0x01})
	bad[len(bad)-1] ^= 0xFF

	input := append(bad, adu(0x00, []byte{0x06, 0x00, 0x01, 0x00, 0x02})...)
	input = append(input, adu(0x05, []byte{0x06, 0x00, 0x01, 0x00, 0x03})...)
	writer := &bytes.Buffer{}
	port := &mockPort{Reader: bytes.NewReader(input), Writer: writer}

	var values []byte
	handler := func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		values = append(values, pdu.Data[3])
		return pdu, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	newTestServer().scanLoop(ctx, port, handler)

	if !bytes.Equal(values, []byte{0x02, 0x03}) {
		t.Errorf("handled values = % X, want 02 03", values)
	}
	want, _ := mbrtu.Encode(0x05, modbus.ProtocolDataUnit{FunctionCode: 0x06, Data: []byte{0x00, 0x01, 0x00, 0x03}})
	if !bytes.Equal(writer.Bytes(), want) {
		t.Errorf("only the unicast request should be answered, wrote % X", writer.Bytes())
	}
}

func TestScanLoop_ShortFrameThenRead(t *testing.T) {
	input := append(adu(0x01, []byte{0x11}), adu(0x01, []byte{0x03, 0x00, 0x0A, 0x00, 0x01})...)
	writer := &bytes.Buffer{}
	port := &mockPort{Reader: bytes.NewReader(input), Writer: writer}

	var codes []byte
	handler := func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		codes = append(codes, pdu.FunctionCode)
		if pdu.FunctionCode != 0x03 {
			return modbus.ExceptionPDU(pdu.FunctionCode, modbus.ExceptionCodeIllegalFunction), nil
		}
		return modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x02, 0x12, 0x34}}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	newTestServer().scanLoop(ctx, port, handler)

	if !bytes.Equal(codes, []byte{0x11, 0x03}) {
		t.Fatalf("handled function codes = % X, want 11 03", codes)
	}
	exc, _ := mbrtu.Encode(0x01, modbus.ExceptionPDU(0x11, modbus.ExceptionCodeIllegalFunction))
	reply, _ := mbrtu.Encode(0x01, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x02, 0x12, 0x34}})
	if want := append(exc, reply...); !bytes.Equal(writer.Bytes(), want) {
		t.Errorf("response = % X, want % X", writer.Bytes(), want)
	}
}
