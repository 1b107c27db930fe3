// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ffutop/bess-simulator/internal/profile"
	"github.com/ffutop/bess-simulator/internal/registers"
	"github.com/ffutop/bess-simulator/modbus"
)

// ProtocolError reports a request PDU that cannot be decoded.
type ProtocolError struct {
	FunctionCode byte
	Reason       string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("function 0x%02X: %s", e.FunctionCode, e.Reason)
}

// QuantityError reports a register count outside the function's limits.
type QuantityError struct {
	Quantity uint16
	Max      uint16
}

func (e *QuantityError) Error() string {
	return fmt.Sprintf("quantity %d outside [1, %d]", e.Quantity, e.Max)
}

// ExceptionCode maps a dispatcher error to its Modbus exception code.
func ExceptionCode(err error) byte {
	var (
		pe *ProtocolError
		qe *QuantityError
		ae *registers.AddressError
		ve *profile.ValueError
	)
	switch {
	case errors.As(err, &pe):
		return modbus.ExceptionCodeIllegalFunction
	case errors.As(err, &ae):
		return modbus.ExceptionCodeIllegalDataAddress
	case errors.As(err, &qe), errors.As(err, &ve):
		return modbus.ExceptionCodeIllegalDataValue
	}
	return modbus.ExceptionCodeServerDeviceFailure
}

// Handle executes one request against the device. The unit id is not
// checked; every id addresses this device.
func (d *Device) Handle(_ context.Context, _ byte, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	resp, err := d.process(req)
	if err != nil {
		code := ExceptionCode(err)
		d.logger.Debug("Request rejected", "func", req.FunctionCode, "exception", modbus.ExceptionName(code), "err", err)
		return modbus.ExceptionPDU(req.FunctionCode, code), nil
	}
	return resp, nil
}

func (d *Device) process(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	switch req.FunctionCode {
	case modbus.FuncCodeReadHoldingRegisters:
		return d.handleReadHoldingRegisters(req)
	case modbus.FuncCodeWriteSingleRegister:
		return d.handleWriteSingleRegister(req)
	case modbus.FuncCodeWriteMultipleRegisters:
		return d.handleWriteMultipleRegisters(req)
	default:
		return modbus.ProtocolDataUnit{}, &ProtocolError{FunctionCode: req.FunctionCode, Reason: "unsupported function"}
	}
}

func (d *Device) handleReadHoldingRegisters(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) != 4 {
		return modbus.ProtocolDataUnit{}, &ProtocolError{FunctionCode: req.FunctionCode, Reason: "request data must be 4 bytes"}
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > modbus.MaxReadRegisters {
		return modbus.ProtocolDataUnit{}, &QuantityError{Quantity: quantity, Max: modbus.MaxReadRegisters}
	}
	if err := d.regs.CheckRange(address, int(quantity)); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	words := make([]uint16, quantity)
	for i := range words {
		words[i] = d.readRegister(address + uint16(i))
	}
	data := registers.Encode(words)

	respData := make([]byte, 1+len(data))
	respData[0] = byte(len(data))
	copy(respData[1:], data)

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}, nil
}

func (d *Device) handleWriteSingleRegister(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) != 4 {
		return modbus.ProtocolDataUnit{}, &ProtocolError{FunctionCode: req.FunctionCode, Reason: "request data must be 4 bytes"}
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	if err := d.regs.CheckRange(address, 1); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}
	if err := d.validate(address, value); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}
	d.applyWrite(address, value)

	echo := make([]byte, 4)
	copy(echo, req.Data)
	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         echo,
	}, nil
}

func (d *Device) handleWriteMultipleRegisters(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) < 5 {
		return modbus.ProtocolDataUnit{}, &ProtocolError{FunctionCode: req.FunctionCode, Reason: "request data too short"}
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := int(req.Data[4])

	if quantity < 1 || quantity > modbus.MaxWriteRegisters {
		return modbus.ProtocolDataUnit{}, &QuantityError{Quantity: quantity, Max: modbus.MaxWriteRegisters}
	}
	if byteCount != 2*int(quantity) || len(req.Data)-5 != byteCount {
		return modbus.ProtocolDataUnit{}, &ProtocolError{FunctionCode: req.FunctionCode, Reason: "byte count mismatch"}
	}
	if err := d.regs.CheckRange(address, int(quantity)); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	values := registers.Decode(req.Data[5:])
	for i, v := range values {
		if err := d.validate(address+uint16(i), v); err != nil {
			return modbus.ProtocolDataUnit{}, err
		}
	}
	for i, v := range values {
		d.applyWrite(address+uint16(i), v)
	}

	respData := make([]byte, 4)
	copy(respData, req.Data[0:4])
	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}, nil
}

func (d *Device) readRegister(addr uint16) uint16 {
	if r, ok := d.profile.Lookup(addr); ok && r.Read != nil {
		return r.Read(d, r.Index)
	}
	v, _ := d.regs.Get(addr)
	return v
}

func (d *Device) validate(addr, value uint16) error {
	if r, ok := d.profile.Lookup(addr); ok && r.Validate != nil {
		return r.Validate(value)
	}
	return nil
}

// applyWrite stores the raw value and runs the register hook. Writes to
// computed telemetry are accepted and ignored.
func (d *Device) applyWrite(addr, value uint16) {
	r, ok := d.profile.Lookup(addr)
	if ok && r.ReadOnly() {
		d.logger.Debug("Write to read-only register ignored", "register", r.Name, "addr", addr)
		return
	}
	_ = d.regs.Set(addr, value)
	if !ok {
		d.logger.Debug("Register written", "addr", addr, "value", value)
		return
	}
	d.logger.Debug("Register written", "register", r.Name, "addr", addr, "value", value)
	if r.Write != nil {
		r.Write(d, r.Index, value)
	}
}
