// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vdisk

import "sync"

// lastIO keeps the buffer of the most recent successful read of a device.
// Reads fully inside it are answered by the dispatcher without queueing.
//
// While a write is queued or running the slot is empty and is not refilled,
// otherwise a read arriving after the write could see the old content.
type lastIO struct {
	mu      sync.Mutex
	buf     []byte
	offset  int64
	writing int
}

// lookup copies [off, off+len(dst)) into dst if the slot covers it.
func (c *lastIO) lookup(dst []byte, off int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buf == nil || c.writing > 0 {
		return false
	}
	if off < c.offset || off+int64(len(dst)) > c.offset+int64(len(c.buf)) {
		return false
	}

	copy(dst, c.buf[off-c.offset:])

	return true
}

// replace makes buf the cached content at off. The previous buffer is
// returned for reuse. When a write is pending buf is not cached and is
// returned instead.
func (c *lastIO) replace(buf []byte, off int64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writing > 0 {
		return buf
	}

	old := c.buf
	c.buf, c.offset = buf, off

	return old
}

// beginWrite empties the slot and keeps it empty until endWrite.
func (c *lastIO) beginWrite() {
	c.mu.Lock()
	c.buf = nil
	c.writing++
	c.mu.Unlock()
}

func (c *lastIO) endWrite() {
	c.mu.Lock()
	c.writing--
	c.mu.Unlock()
}

func (c *lastIO) invalidate() {
	c.mu.Lock()
	c.buf = nil
	c.mu.Unlock()
}
