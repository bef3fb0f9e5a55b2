package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestCauseOf(t *testing.T) {
	tests := []struct {
		err  error
		want Cause
	}{
		{nil, CauseNone},
		{ErrWriteProtected, CauseWriteProtected},
		{ErrOffsetOverflow, CauseIllegalRequest},
		{ErrOutOfRange, CauseIllegalRequest},
		{fmt.Errorf("lookup: %w", ErrNotFound), CauseNotReady},
		{ErrAlreadyExists, CauseIllegalRequest},
		{ErrNotInitialized, CauseNotReady},
		{ErrShuttingDown, CauseNotReady},
		{ErrCancelled, CauseNotReady},
		{ErrConnectionReset, CauseHardwareError},
		{ErrProtocolViolation, CauseHardwareError},
		{io.ErrUnexpectedEOF, CauseHardwareError},
	}

	for _, tt := range tests {
		if got := CauseOf(tt.err); got != tt.want {
			t.Errorf("CauseOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestOffsetOverflowIsDistinct(t *testing.T) {
	if !errors.Is(ErrOffsetOverflow, ErrInvalidParameter) {
		t.Fatal("offset overflow must be an invalid parameter")
	}
	if errors.Is(ErrOffsetOverflow, ErrOutOfRange) || errors.Is(ErrOutOfRange, ErrOffsetOverflow) {
		t.Fatal("offset overflow and out of range must be distinguishable")
	}
}

func TestWrapClassifiesUnknownErrors(t *testing.T) {
	err := Wrap("read", 512, 4096, io.ErrUnexpectedEOF)

	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected IOError, got %T", err)
	}
	if ioErr.Offset != 512 || ioErr.Length != 4096 {
		t.Fatalf("lost position: %+v", ioErr)
	}
	if !errors.Is(err, ErrIoDevice) {
		t.Fatalf("unknown error should become ErrIoDevice: %v", err)
	}

	err = Wrap("write", 0, 1, ErrWriteProtected)
	if errors.Is(err, ErrIoDevice) || !errors.Is(err, ErrWriteProtected) {
		t.Fatalf("known error reclassified: %v", err)
	}

	if Wrap("read", 0, 0, nil) != nil {
		t.Fatal("nil error must stay nil")
	}
}

func TestSense(t *testing.T) {
	key, asc := Sense(ErrOutOfRange)
	if key != SenseIllegalRequest || asc != ASCLBAOutOfRange {
		t.Fatalf("out of range sense = %#x/%#x", key, asc)
	}

	key, asc = Sense(ErrWriteProtected)
	if key != SenseDataProtect || asc != ASCWriteProtected {
		t.Fatalf("write protected sense = %#x/%#x", key, asc)
	}

	key, _ = Sense(ErrIoDevice)
	if key != SenseHardwareError {
		t.Fatalf("io error sense key = %#x", key)
	}
}
