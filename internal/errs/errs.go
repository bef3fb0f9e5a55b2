// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package errs defines the error taxonomy shared by the virtual disk
// subsystem and the proxy protocol. Every error which can reach a request
// completion maps to exactly one coarse Cause which is what the caller sees
// in the check condition result.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists is returned when a device with the same number is
	// already present in the registry.
	ErrAlreadyExists = errors.New("device already exists")

	// ErrNotFound is returned when no device matches the device number.
	ErrNotFound = errors.New("device not found")

	// ErrInvalidParameter is returned for malformed creation parameters or
	// requests.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInsufficientResources is returned when an allocation fails.
	ErrInsufficientResources = errors.New("insufficient resources")

	// ErrIoDevice is returned when the backing medium or the proxy fails.
	ErrIoDevice = errors.New("i/o device error")

	// ErrWriteProtected is returned for writes to read-only devices.
	ErrWriteProtected = errors.New("write protected")

	// ErrNotInitialized is returned for requests to a device whose
	// backing store is not set up yet.
	ErrNotInitialized = errors.New("device not initialized")

	// ErrShuttingDown is returned for requests to a device with a pending
	// stop signal.
	ErrShuttingDown = errors.New("device is shutting down")

	// ErrCancelled is returned when an external cancel signal aborted a
	// blocking wait.
	ErrCancelled = errors.New("cancelled")

	// ErrConnectionReset is returned when a transfer moved zero bytes
	// where data was expected.
	ErrConnectionReset = errors.New("connection reset")

	// ErrProtocolViolation is returned when a proxy response is
	// inconsistent with the request.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrOffsetOverflow is returned when a block address does not fit the
	// signed 64-bit byte offset space.
	ErrOffsetOverflow = fmt.Errorf("%w: block address overflows byte offset", ErrInvalidParameter)

	// ErrOutOfRange is returned when a request reaches past the last
	// block of the disk.
	ErrOutOfRange = fmt.Errorf("%w: block address out of range", ErrInvalidParameter)

	// ErrUnsupported is returned for command codes the dispatcher does not
	// implement.
	ErrUnsupported = fmt.Errorf("%w: unsupported command", ErrInvalidParameter)
)

// IOError carries the position of a failed backing store operation so the
// caller can log it.
type IOError struct {
	Op     string
	Offset int64
	Length int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s at offset %d length %d: %v", e.Op, e.Offset, e.Length, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Wrap returns an IOError for op at off/length. Errors which do not already
// belong to the taxonomy are classified as ErrIoDevice.
func Wrap(op string, off, length int64, err error) error {
	if err == nil {
		return nil
	}

	if !Known(err) {
		err = fmt.Errorf("%w: %v", ErrIoDevice, err)
	}

	return &IOError{Op: op, Offset: off, Length: length, Err: err}
}

// Known reports whether err already wraps one of the taxonomy sentinels.
func Known(err error) bool {
	for _, s := range []error{
		ErrAlreadyExists, ErrNotFound, ErrInvalidParameter,
		ErrInsufficientResources, ErrIoDevice, ErrWriteProtected,
		ErrNotInitialized, ErrShuttingDown, ErrCancelled,
		ErrConnectionReset, ErrProtocolViolation,
	} {
		if errors.Is(err, s) {
			return true
		}
	}

	return false
}
