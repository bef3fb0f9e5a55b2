// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package backing

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/asch/vdisk/internal/errs"
)

// Memory is a Store holding the whole disk in a zero initialized buffer of
// fixed size.
type Memory struct {
	buf []byte
}

// NewMemory allocates size bytes. Allocation failures are reported instead
// of crashing the daemon.
func NewMemory(size int64) (m *Memory, err error) {
	if size <= 0 || int64(int(size)) != size {
		return nil, fmt.Errorf("%w: memory disk of %d bytes", errs.ErrInvalidParameter, size)
	}

	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("%w: memory disk of %d bytes: %v", errs.ErrInsufficientResources, size, r)
		}
	}()

	return &Memory{buf: make([]byte, size)}, nil
}

// Preload reads the file at path from offset into the buffer. The disk is
// not usable unless the whole buffer was filled.
func (m *Memory) Preload(path string, offset int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: preload %s: %v", errs.ErrIoDevice, path, err)
	}
	defer f.Close()

	n, err := f.ReadAt(m.buf, offset)
	if n != len(m.buf) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return errs.Wrap("preload "+path, offset, int64(len(m.buf)), err)
	}

	return nil
}

func (m *Memory) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", errs.ErrInvalidParameter)
	}

	n := 0
	if off < int64(len(m.buf)) {
		n = copy(p, m.buf[off:])
	}
	zeroTail(p, n)

	return n, nil
}

func (m *Memory) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, errs.Wrap("memory write", off, int64(len(p)), errs.ErrOutOfRange)
	}

	return copy(m.buf[off:], p), nil
}

func (m *Memory) Size(ctx context.Context) (int64, error) {
	return int64(len(m.buf)), nil
}

func (m *Memory) Close() error {
	m.buf = nil
	return nil
}
