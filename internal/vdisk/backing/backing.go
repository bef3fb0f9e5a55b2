// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package backing provides the media a virtual disk can live on. Every
// medium implements Store so the worker loop does not care whether the bytes
// are in a local file, in memory or behind a proxy server.
package backing

import (
	"context"
)

// Store performs byte range I/O against one concrete medium. Offsets
// already include the image offset of the disk.
//
// ReadAt always fills the whole p. Bytes past the end of the medium are
// zero and are not reported as an error, n is the number of bytes which
// actually came from the medium.
type Store interface {
	ReadAt(ctx context.Context, p []byte, off int64) (n int, err error)
	WriteAt(ctx context.Context, p []byte, off int64) (n int, err error)

	// Size returns the current size of the medium in bytes.
	Size(ctx context.Context) (int64, error)

	// Close releases all resources held by the store.
	Close() error
}

// Flusher is implemented by stores which buffer writes.
type Flusher interface {
	Flush(ctx context.Context) error
}

// zeroTail clears p[n:].
func zeroTail(p []byte, n int) {
	tail := p[n:]
	for i := range tail {
		tail[i] = 0
	}
}
