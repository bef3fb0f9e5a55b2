// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/asch/vdisk/internal/errs"
)

// transport is one half-duplex channel to a proxy server. The client calls
// send, then recvHeader and recvPayload for every exchange and never starts
// a new exchange before the previous response is consumed.
type transport interface {
	send(ctx context.Context, hdr interface{}, payload []byte) error
	recvHeader(ctx context.Context, hdr interface{}) error
	recvPayload(ctx context.Context, p []byte) error

	// post sends a header without waiting for any response.
	post(ctx context.Context, hdr interface{}) error

	// maxTransfer is the largest payload of one exchange. Zero means
	// unbounded.
	maxTransfer() int64

	close() error
}

// replacer is implemented by transports able to receive a live channel
// reference from the server after CONNECT.
type replacer interface {
	replace(ctx context.Context) error
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// stream is a transport over any byte stream. Headers are written as raw
// bytes followed by the payload and responses are read back the same way.
type stream struct {
	conn io.ReadWriteCloser
}

func newStream(conn io.ReadWriteCloser) *stream {
	return &stream{conn: conn}
}

// guard arms cancellation of pending channel I/O for the duration of one
// call. The returned function reports whether the cancellation fired and
// returns only after it took effect.
func (s *stream) guard(ctx context.Context) (stop func() bool) {
	conn := s.conn
	applied := make(chan struct{})
	cancel := context.AfterFunc(ctx, func() {
		defer close(applied)
		if d, ok := conn.(deadliner); ok {
			d.SetDeadline(time.Unix(1, 0))
		} else {
			conn.Close()
		}
	})

	return func() bool {
		if cancel() {
			return false
		}
		<-applied
		return true
	}
}

// translate classifies the result of one call. A cancellation which fired
// after the I/O already completed still left the channel with an expired
// deadline or closed, so it is cleared or reported.
func (s *stream) translate(ctx context.Context, fired bool, err error) error {
	if err == nil {
		if !fired {
			return nil
		}
		if d, ok := s.conn.(deadliner); ok {
			if derr := d.SetDeadline(time.Time{}); derr == nil {
				return nil
			}
		}
		return fmt.Errorf("%w: channel closed by late cancellation", errs.ErrCancelled)
	}
	if fired || ctx.Err() != nil {
		return fmt.Errorf("%w: %v", errs.ErrCancelled, err)
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("%w: %v", errs.ErrConnectionReset, err)
	}

	return err
}

func (s *stream) send(ctx context.Context, hdr interface{}, payload []byte) error {
	b, err := Encode(hdr)
	if err != nil {
		return err
	}

	stop := s.guard(ctx)
	err = writeFull(s.conn, append(b, payload...))

	return s.translate(ctx, stop(), err)
}

func (s *stream) recvHeader(ctx context.Context, hdr interface{}) error {
	stop := s.guard(ctx)
	err := readHeader(s.conn, hdr)

	return s.translate(ctx, stop(), err)
}

func (s *stream) recvPayload(ctx context.Context, p []byte) error {
	stop := s.guard(ctx)
	err := readFull(s.conn, p)

	return s.translate(ctx, stop(), err)
}

func (s *stream) post(ctx context.Context, hdr interface{}) error {
	return s.send(ctx, hdr, nil)
}

func (s *stream) maxTransfer() int64 {
	return 0
}

func (s *stream) close() error {
	return s.conn.Close()
}

// replace receives a connected socket via SCM_RIGHTS and switches all
// further traffic to it. The original channel is dropped.
func (s *stream) replace(ctx context.Context) error {
	uc, ok := s.conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("%w: replacement channel over %T", errs.ErrProtocolViolation, s.conn)
	}

	stop := s.guard(ctx)
	conn, err := receiveConn(uc)
	if err = s.translate(ctx, stop(), err); err != nil {
		return err
	}

	s.conn.Close()
	s.conn = conn

	return nil
}

func receiveConn(uc *net.UnixConn) (net.Conn, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	_, oobn, _, _, err := uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, err
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(msgs) != 1 {
		return nil, fmt.Errorf("%w: no channel in control message", errs.ErrProtocolViolation)
	}

	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil || len(fds) != 1 {
		return nil, fmt.Errorf("%w: no channel in control message", errs.ErrProtocolViolation)
	}

	f := os.NewFile(uintptr(fds[0]), "proxy-direct")
	defer f.Close()

	return net.FileConn(f)
}

// SendConn passes conn to the peer of uc. It is the server side of the
// direct mode CONNECT response.
func SendConn(uc *net.UnixConn, conn *net.UnixConn) error {
	f, err := conn.File()
	if err != nil {
		return err
	}
	defer f.Close()

	rights := unix.UnixRights(int(f.Fd()))
	_, _, err = uc.WriteMsgUnix([]byte{0}, rights, nil)

	return err
}
