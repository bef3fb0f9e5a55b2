// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/asch/vdisk/internal/errs"
)

// lateCancel runs a call whose context is cancelled after the I/O finished
// but before the guard was disarmed.
func lateCancel(s *stream) error {
	ctx, cancel := context.WithCancel(context.Background())
	stop := s.guard(ctx)
	cancel()

	return s.translate(ctx, stop(), nil)
}

func TestLateCancelClearsDeadline(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	defer serverEnd.Close()

	s := newStream(clientEnd)
	if err := lateCancel(s); err != nil {
		t.Fatalf("completed call reported %v", err)
	}

	want := []byte("payload")
	go serverEnd.Write(want)

	got := make([]byte, len(want))
	if err := s.recvPayload(context.Background(), got); err != nil {
		t.Fatalf("next call after late cancel: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// plainConn hides the deadline methods of the wrapped connection.
type plainConn struct {
	io.ReadWriteCloser
}

func TestLateCancelWithoutDeadlineIsReported(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer serverEnd.Close()

	s := newStream(plainConn{clientEnd})
	if err := lateCancel(s); !errors.Is(err, errs.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
}
