// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// File layout, all fields big-endian:
//
//	magic    8 bytes  "BESSREGS"
//	start    2 bytes  first register address
//	reserved 2 bytes
//	count    4 bytes  number of registers
//	values   count * 2 bytes
const headerSize = 16

var magic = []byte("BESSREGS")

var ErrFormat = errors.New("snapshot: not a register snapshot")

// MmapExporter writes register dumps into a memory-mapped file. The mapping
// is created on first export and kept until Close.
type MmapExporter struct {
	path string

	mu   sync.Mutex
	file *os.File
	data mmap.MMap
}

func NewMmapExporter(path string) *MmapExporter {
	return &MmapExporter{path: path}
}

func (e *MmapExporter) Path() string { return e.path }

// Export overwrites the file with the given register window.
func (e *MmapExporter) Export(device string, start uint16, words []uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	size := headerSize + 2*len(words)
	if err := e.mapFile(size); err != nil {
		return fmt.Errorf("snapshot %s: %w", device, err)
	}

	copy(e.data[0:8], magic)
	binary.BigEndian.PutUint16(e.data[8:], start)
	binary.BigEndian.PutUint16(e.data[10:], 0)
	binary.BigEndian.PutUint32(e.data[12:], uint32(len(words)))
	for i, w := range words {
		binary.BigEndian.PutUint16(e.data[headerSize+2*i:], w)
	}

	if err := e.data.Flush(); err != nil {
		return fmt.Errorf("snapshot %s: flush: %w", device, err)
	}
	return nil
}

// mapFile ensures the mapping has exactly size bytes. Caller must hold the mutex.
func (e *MmapExporter) mapFile(size int) error {
	if e.data != nil && len(e.data) == size {
		return nil
	}
	if err := e.unmap(); err != nil {
		return err
	}

	f, err := os.OpenFile(e.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open mmap file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return fmt.Errorf("failed to resize mmap file: %w", err)
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return fmt.Errorf("mmap failed: %w", err)
	}
	e.file = f
	e.data = data
	return nil
}

// Close unmaps and closes the file.
func (e *MmapExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unmap()
}

func (e *MmapExporter) unmap() error {
	var err error
	if e.data != nil {
		if e2 := e.data.Unmap(); e2 != nil {
			err = e2
		}
		e.data = nil
	}
	if e.file != nil {
		if e2 := e.file.Close(); e2 != nil {
			err = e2
		}
		e.file = nil
	}
	return err
}

// Load reads a snapshot file written by MmapExporter.
func Load(path string) (start uint16, words []uint16, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("mmap failed: %w", err)
	}
	defer data.Unmap()

	if len(data) < headerSize || !bytes.Equal(data[0:8], magic) {
		return 0, nil, ErrFormat
	}
	start = binary.BigEndian.Uint16(data[8:])
	count := int(binary.BigEndian.Uint32(data[12:]))
	if len(data) != headerSize+2*count {
		return 0, nil, fmt.Errorf("%w: size %d does not match count %d", ErrFormat, len(data), count)
	}
	words = make([]uint16, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[headerSize+2*i:])
	}
	return start, words, nil
}
