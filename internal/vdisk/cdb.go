// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vdisk

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/asch/vdisk/internal/errs"
)

// Operation codes.
const (
	CmdTestUnitReady     = 0x00
	CmdReadCapacity10    = 0x25
	CmdRead10            = 0x28
	CmdWrite10           = 0x2a
	CmdSynchronizeCache  = 0x35
	CmdRead16            = 0x88
	CmdWrite16           = 0x8a
	CmdServiceActionIn16 = 0x9e

	ServiceActionReadCapacity16 = 0x10
)

// command is a decoded CDB.
type command struct {
	op byte

	// Block address and count of READ and WRITE.
	lba    uint64
	blocks uint64

	// Allocation length of READ CAPACITY (16).
	alloc uint32
}

func (c command) isWrite() bool {
	return c.op == CmdWrite10 || c.op == CmdWrite16
}

var cdbLength = map[byte]int{
	CmdTestUnitReady:     6,
	CmdReadCapacity10:    10,
	CmdRead10:            10,
	CmdWrite10:           10,
	CmdSynchronizeCache:  10,
	CmdRead16:            16,
	CmdWrite16:           16,
	CmdServiceActionIn16: 16,
}

// decode parses the fields the dispatcher needs.
func decode(cdb []byte) (command, error) {
	if len(cdb) == 0 {
		return command{}, fmt.Errorf("%w: empty cdb", errs.ErrInvalidParameter)
	}

	c := command{op: cdb[0]}
	need, ok := cdbLength[c.op]
	if !ok {
		return c, fmt.Errorf("%w: operation 0x%02x", errs.ErrUnsupported, c.op)
	}
	if len(cdb) < need {
		return c, fmt.Errorf("%w: cdb of %d bytes for operation 0x%02x", errs.ErrInvalidParameter, len(cdb), c.op)
	}

	switch c.op {
	case CmdRead10, CmdWrite10:
		c.lba = uint64(binary.BigEndian.Uint32(cdb[2:6]))
		c.blocks = uint64(binary.BigEndian.Uint16(cdb[7:9]))
	case CmdRead16, CmdWrite16:
		c.lba = binary.BigEndian.Uint64(cdb[2:10])
		c.blocks = uint64(binary.BigEndian.Uint32(cdb[10:14]))
	case CmdServiceActionIn16:
		if cdb[1]&0x1f != ServiceActionReadCapacity16 {
			return c, fmt.Errorf("%w: service action 0x%02x", errs.ErrUnsupported, cdb[1]&0x1f)
		}
		c.alloc = binary.BigEndian.Uint32(cdb[10:14])
	}

	return c, nil
}

// ReadCapacity10Data is the READ CAPACITY (10) parameter data.
type ReadCapacity10Data struct {
	LastLBA     uint32 `struc:"uint32,big"`
	BlockLength uint32 `struc:"uint32,big"`
}

// ReadCapacity16Data is the READ CAPACITY (16) parameter data without the
// reserved tail.
type ReadCapacity16Data struct {
	LastLBA     uint64 `struc:"uint64,big"`
	BlockLength uint32 `struc:"uint32,big"`
}

// readCapacity16Length includes the reserved bytes.
const readCapacity16Length = 32

// packCapacity encodes v and pads it with zeros to size bytes.
func packCapacity(v interface{}, size int) ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, v); err != nil {
		return nil, err
	}
	for buf.Len() < size {
		buf.WriteByte(0)
	}

	return buf.Bytes(), nil
}

// Read10 returns a READ (10) CDB.
func Read10(lba uint32, blocks uint16) []byte {
	return rw10(CmdRead10, lba, blocks)
}

// Write10 returns a WRITE (10) CDB.
func Write10(lba uint32, blocks uint16) []byte {
	return rw10(CmdWrite10, lba, blocks)
}

// Read16 returns a READ (16) CDB.
func Read16(lba uint64, blocks uint32) []byte {
	return rw16(CmdRead16, lba, blocks)
}

// Write16 returns a WRITE (16) CDB.
func Write16(lba uint64, blocks uint32) []byte {
	return rw16(CmdWrite16, lba, blocks)
}

func rw10(op byte, lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = op
	binary.BigEndian.PutUint32(cdb[2:], lba)
	binary.BigEndian.PutUint16(cdb[7:], blocks)

	return cdb
}

func rw16(op byte, lba uint64, blocks uint32) []byte {
	cdb := make([]byte, 16)
	cdb[0] = op
	binary.BigEndian.PutUint64(cdb[2:], lba)
	binary.BigEndian.PutUint32(cdb[10:], blocks)

	return cdb
}

// SynchronizeCache returns a SYNCHRONIZE CACHE (10) CDB for the whole disk.
func SynchronizeCache() []byte {
	cdb := make([]byte, 10)
	cdb[0] = CmdSynchronizeCache

	return cdb
}
