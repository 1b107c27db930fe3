// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command bessctl pokes the registers of a running simulator, or any other
// Modbus TCP slave, and decodes register snapshot files.
//
//	bessctl [-A host:port] [-u unit] read ADDR [QTY]
//	bessctl [-A host:port] [-u unit] write ADDR VALUE...
//	bessctl dump FILE
//
// Values accept decimal, signed decimal or 0x hex. A single value is written
// with function 0x06, several with 0x10.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "bessctl: %v\n", err)
		os.Exit(1)
	}
}
