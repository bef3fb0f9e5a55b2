// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vdisk

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/asch/vdisk/internal/errs"
)

// Status of a completed request.
type Status uint8

const (
	StatusGood           Status = 0x00
	StatusCheckCondition Status = 0x02
)

func (s Status) String() string {
	if s == StatusGood {
		return "good"
	}

	return "check condition"
}

// Result is filled in exactly once when the request completes.
type Result struct {
	Status Status

	// Cause, SenseKey and ASC describe a check condition.
	Cause    errs.Cause
	SenseKey uint8
	ASC      uint8

	// Transferred is the number of bytes moved to or from Data.
	Transferred uint32

	// Err is the error behind a check condition, for logging.
	Err error
}

// Request is one block command. The caller owns Data until Done is called.
type Request struct {
	// Tag is assigned by Dispatch when zero.
	Tag uint64

	Device DeviceNumber
	CDB    []byte
	Data   []byte

	// TransferLength in bytes. Zero takes the block count from the CDB.
	TransferLength uint32

	Result Result

	// Done is called exactly once, from Dispatch for requests answered
	// immediately or from a worker otherwise. It must not block.
	Done func(*Request)

	completed atomic.Bool
}

// DispatchStatus tells whether the request was answered by Dispatch.
type DispatchStatus uint8

const (
	Completed DispatchStatus = iota
	Pending
)

func (s DispatchStatus) String() string {
	if s == Completed {
		return "completed"
	}

	return "pending"
}

// complete sets the result and notifies the caller. A second completion is
// a bug and is dropped.
func (r *Request) complete(n int, err error) {
	if !r.completed.CompareAndSwap(false, true) {
		log.Error().Uint64("tag", r.Tag).Err(err).Msg("Request completed twice, dropping second completion.")
		return
	}

	if err != nil {
		key, asc := errs.Sense(err)
		r.Result = Result{
			Status:   StatusCheckCondition,
			Cause:    errs.CauseOf(err),
			SenseKey: key,
			ASC:      asc,
			Err:      err,
		}
		log.Debug().Uint64("tag", r.Tag).Str("dev", r.Device.String()).
			Str("cause", r.Result.Cause.String()).Err(err).Msg("Request failed.")
	} else {
		r.Result = Result{Status: StatusGood, Transferred: uint32(n)}
	}

	if r.Done != nil {
		r.Done(r)
	}
}
