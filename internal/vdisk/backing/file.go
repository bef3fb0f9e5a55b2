// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package backing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/asch/vdisk/internal/errs"
)

// File is a Store backed by a regular file or block device.
type File struct {
	f    *os.File
	path string
}

// FileOptions to use in OpenFile() function.
type FileOptions struct {
	Path     string
	ReadOnly bool

	// Sparse leaves the extended part of the file unallocated. Otherwise
	// it is preallocated.
	Sparse bool

	// MinSize is disk size plus image offset. A writable file smaller
	// than MinSize is created or extended. Zero keeps the file as is.
	MinSize int64
}

// OpenFile opens the image file. A missing file is created only for a
// writable disk with a known size.
func OpenFile(o FileOptions) (*File, error) {
	flags := os.O_RDWR
	if o.ReadOnly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(o.Path, flags, 0)
	if errors.Is(err, fs.ErrNotExist) && !o.ReadOnly && o.MinSize > 0 {
		f, err = os.OpenFile(o.Path, flags|os.O_CREATE, 0644)
		if err == nil {
			log.Info().Str("path", o.Path).Int64("size", o.MinSize).Msg("Created image file.")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errs.ErrIoDevice, o.Path, err)
	}

	file := &File{f: f, path: o.Path}

	if !o.ReadOnly && o.MinSize > 0 {
		if err := file.extend(o.MinSize, o.Sparse); err != nil {
			f.Close()
			return nil, err
		}
	}

	return file, nil
}

// extend grows the file to size if it is smaller.
func (f *File) extend(size int64, sparse bool) error {
	fi, err := f.f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", errs.ErrIoDevice, f.path, err)
	}
	if !fi.Mode().IsRegular() || fi.Size() >= size {
		return nil
	}

	if !sparse {
		err = unix.Fallocate(int(f.f.Fd()), 0, fi.Size(), size-fi.Size())
		if err == nil {
			return nil
		}
		log.Debug().Err(err).Str("path", f.path).Msg("Preallocation not supported, extending sparse.")
	}

	if err := f.f.Truncate(size); err != nil {
		return fmt.Errorf("%w: extend %s to %d: %v", errs.ErrInsufficientResources, f.path, size, err)
	}

	return nil
}

func (f *File) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	n, err := f.f.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, errs.Wrap("file read", off, int64(len(p)), err)
	}
	zeroTail(p, n)

	return n, nil
}

func (f *File) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	n, err := f.f.WriteAt(p, off)
	if err != nil {
		if errors.Is(err, unix.EROFS) || errors.Is(err, unix.EBADF) {
			err = fmt.Errorf("%w: %v", errs.ErrWriteProtected, err)
		}
		return n, errs.Wrap("file write", off, int64(len(p)), err)
	}

	return n, nil
}

// Size returns the size of the file or of the block device.
func (f *File) Size(ctx context.Context) (int64, error) {
	fi, err := f.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", errs.ErrIoDevice, f.path, err)
	}
	if fi.Mode().IsRegular() {
		return fi.Size(), nil
	}

	size, err := f.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("%w: size of %s: %v", errs.ErrIoDevice, f.path, err)
	}

	return size, nil
}

func (f *File) Flush(ctx context.Context) error {
	if err := f.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", errs.ErrIoDevice, f.path, err)
	}

	return nil
}

func (f *File) Close() error {
	return f.f.Close()
}
