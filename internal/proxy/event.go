// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package proxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/asch/vdisk/internal/errs"
)

// Event is an auto-reset synchronization event used to signal a peer
// through shared memory.
type Event interface {
	Signal() error

	// Wait blocks until the event is signaled or ctx is done. A done ctx
	// yields ErrCancelled.
	Wait(ctx context.Context) error

	Close() error
}

// ChanEvent is an Event for peers living in the same process.
type ChanEvent struct {
	c chan struct{}
}

func NewChanEvent() *ChanEvent {
	return &ChanEvent{c: make(chan struct{}, 1)}
}

func (e *ChanEvent) Signal() error {
	select {
	case e.c <- struct{}{}:
	default:
	}

	return nil
}

func (e *ChanEvent) Wait(ctx context.Context) error {
	select {
	case <-e.c:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
	}
}

func (e *ChanEvent) Close() error {
	return nil
}

// FifoEvent is an Event backed by a named pipe so that peers in different
// processes can signal each other. Every signal is one byte in the pipe.
type FifoEvent struct {
	f *os.File
}

// MakeFifo creates the named pipe for a FifoEvent.
func MakeFifo(path string) error {
	err := unix.Mkfifo(path, 0600)
	if errors.Is(err, unix.EEXIST) {
		return nil
	}

	return err
}

// OpenFifoEvent opens an existing named pipe. It is opened read-write so
// that neither side blocks in open and the pipe never reports EOF.
func OpenFifoEvent(path string) (*FifoEvent, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	return &FifoEvent{f: f}, nil
}

func (e *FifoEvent) Signal() error {
	_, err := e.f.Write([]byte{1})
	return err
}

func (e *FifoEvent) Wait(ctx context.Context) error {
	cancel := context.AfterFunc(ctx, func() {
		e.f.SetReadDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !cancel() {
			e.f.SetReadDeadline(time.Time{})
		}
	}()

	b := make([]byte, 1)
	for {
		n, err := e.f.Read(b)
		if n == 1 {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
			}
			return err
		}
	}
}

func (e *FifoEvent) Close() error {
	return e.f.Close()
}
