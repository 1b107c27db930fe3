// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/grid-x/modbus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ffutop/bess-simulator/internal/registers"
	"github.com/ffutop/bess-simulator/internal/snapshot"
)

var errUsage = errors.New("usage: bessctl [flags] read ADDR [QTY] | write ADDR VALUE... | dump FILE")

type options struct {
	Address string        `mapstructure:"address"`
	Unit    byte          `mapstructure:"unit"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func loadOptions(args []string) (*options, []string, error) {
	fs := pflag.NewFlagSet("bessctl", pflag.ContinueOnError)
	// Flags end at the command so negative values are not read as flags.
	fs.SetInterspersed(false)
	fs.StringP("address", "A", "127.0.0.1:1502", "Modbus TCP address of the device.")
	fs.Uint8P("unit", "u", 1, "Modbus unit id.")
	fs.DurationP("timeout", "W", 2*time.Second, "Response wait time.")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("BESSCTL")
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	var opts options
	if err := v.Unmarshal(&opts); err != nil {
		return nil, nil, fmt.Errorf("failed to decode options: %w", err)
	}
	return &opts, fs.Args(), nil
}

func run(args []string, out io.Writer) error {
	opts, rest, err := loadOptions(args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return errUsage
	}

	switch cmd, rest := rest[0], rest[1:]; cmd {
	case "read":
		return withClient(opts, func(c modbus.Client) error { return readCmd(c, rest, out) })
	case "write":
		return withClient(opts, func(c modbus.Client) error { return writeCmd(c, rest, out) })
	case "dump":
		return dumpCmd(rest, out)
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

func withClient(opts *options, fn func(modbus.Client) error) error {
	handler := modbus.NewTCPClientHandler(opts.Address)
	handler.Timeout = opts.Timeout
	handler.SlaveID = opts.Unit
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("connect %s: %w", opts.Address, err)
	}
	defer handler.Close()
	return fn(modbus.NewClient(handler))
}

func readCmd(c modbus.Client, args []string, out io.Writer) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	quantity := uint16(1)
	if len(args) == 2 {
		q, err := strconv.ParseUint(args[1], 0, 16)
		if err != nil || q == 0 {
			return fmt.Errorf("invalid quantity %q", args[1])
		}
		quantity = uint16(q)
	}

	data, err := c.ReadHoldingRegisters(addr, quantity)
	if err != nil {
		return fmt.Errorf("read %d+%d: %w", addr, quantity, err)
	}
	return printWords(out, addr, registers.Decode(data))
}

func writeCmd(c modbus.Client, args []string, out io.Writer) error {
	if len(args) < 2 {
		return errUsage
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	values := make([]uint16, 0, len(args)-1)
	for _, arg := range args[1:] {
		v, err := parseValue(arg)
		if err != nil {
			return err
		}
		values = append(values, v)
	}

	if len(values) == 1 {
		_, err = c.WriteSingleRegister(addr, values[0])
	} else {
		_, err = c.WriteMultipleRegisters(addr, uint16(len(values)), registers.Encode(values))
	}
	if err != nil {
		return fmt.Errorf("write %d+%d: %w", addr, len(values), err)
	}
	fmt.Fprintf(out, "wrote %d register(s) at %d\n", len(values), addr)
	return nil
}

func dumpCmd(args []string, out io.Writer) error {
	if len(args) != 1 {
		return errUsage
	}
	start, words, err := snapshot.Load(args[0])
	if err != nil {
		return err
	}
	// Only registers holding a value are listed.
	var nonZero []int
	for i, w := range words {
		if w != 0 {
			nonZero = append(nonZero, i)
		}
	}
	fmt.Fprintf(out, "start=%d count=%d non-zero=%d\n", start, len(words), len(nonZero))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, i := range nonZero {
		writeRow(tw, int(start)+i, words[i])
	}
	return tw.Flush()
}

func printWords(out io.Writer, addr uint16, words []uint16) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDR\tUINT16\tINT16\tHEX")
	for i, w := range words {
		writeRow(tw, int(addr)+i, w)
	}
	return tw.Flush()
}

func writeRow(w io.Writer, addr int, v uint16) {
	fmt.Fprintf(w, "%d\t%d\t%d\t0x%04X\n", addr, v, int16(v), v)
}

func parseAddress(s string) (uint16, error) {
	a, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return uint16(a), nil
}

// parseValue accepts -32768..65535; negative values are stored as two's complement.
func parseValue(s string) (uint16, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 0, 32)
	if err != nil || v < -32768 || v > 65535 {
		return 0, fmt.Errorf("invalid register value %q", s)
	}
	if v < 0 {
		return uint16(int16(v)), nil
	}
	return uint16(v), nil
}
