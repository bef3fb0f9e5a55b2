// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package errs

import "errors"

// Cause is the coarse failure category reported in a check condition.
type Cause uint8

const (
	CauseNone Cause = iota
	CauseIllegalRequest
	CauseNotReady
	CauseHardwareError
	CauseWriteProtected
)

// SCSI sense keys.
const (
	SenseNoSense        = 0x00
	SenseNotReady       = 0x02
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseDataProtect    = 0x07
)

// Additional sense codes.
const (
	ASCNoAdditionalInfo  = 0x00
	ASCInvalidCommand    = 0x20
	ASCLBAOutOfRange     = 0x21
	ASCInvalidFieldInCDB = 0x24
	ASCWriteProtected    = 0x27
	ASCNotReady          = 0x04
	ASCMediumNotPresent  = 0x3A
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseIllegalRequest:
		return "illegal request"
	case CauseNotReady:
		return "not ready"
	case CauseHardwareError:
		return "hardware error"
	case CauseWriteProtected:
		return "write protected"
	}

	return "unknown"
}

// CauseOf classifies err. Unknown errors are hardware errors.
func CauseOf(err error) Cause {
	switch {
	case err == nil:
		return CauseNone
	case errors.Is(err, ErrWriteProtected):
		return CauseWriteProtected
	case errors.Is(err, ErrInvalidParameter),
		errors.Is(err, ErrAlreadyExists):
		return CauseIllegalRequest
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrNotInitialized),
		errors.Is(err, ErrShuttingDown),
		errors.Is(err, ErrCancelled):
		return CauseNotReady
	}

	return CauseHardwareError
}

// Sense returns the sense key and additional sense code for err.
func Sense(err error) (key, asc uint8) {
	switch CauseOf(err) {
	case CauseNone:
		return SenseNoSense, ASCNoAdditionalInfo
	case CauseWriteProtected:
		return SenseDataProtect, ASCWriteProtected
	case CauseIllegalRequest:
		switch {
		case errors.Is(err, ErrOutOfRange), errors.Is(err, ErrOffsetOverflow):
			return SenseIllegalRequest, ASCLBAOutOfRange
		case errors.Is(err, ErrUnsupported):
			return SenseIllegalRequest, ASCInvalidCommand
		}
		return SenseIllegalRequest, ASCInvalidFieldInCDB
	case CauseNotReady:
		if errors.Is(err, ErrShuttingDown) || errors.Is(err, ErrNotFound) {
			return SenseNotReady, ASCMediumNotPresent
		}
		return SenseNotReady, ASCNotReady
	}

	return SenseHardwareError, ASCNoAdditionalInfo
}
