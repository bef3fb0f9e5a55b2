// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package proxy implements the client side of the proxy wire protocol used
// when a virtual disk lives in another process or on another machine. The
// protocol is a strictly half-duplex request/response exchange of fixed
// little-endian headers optionally followed by data, carried either over a
// byte stream or over a shared memory region with two events.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asch/vdisk/internal/errs"
)

// Info describes the remote medium.
type Info struct {
	Size          int64
	AlignmentMask uint64
	ReadOnly      bool
}

// Client talks to one proxy server. All calls are serialized, a second
// request is never issued before the previous response is consumed.
type Client struct {
	mu sync.Mutex
	t  transport

	// Set when the transport state is unknown after a failed exchange.
	// Every subsequent call fails with it.
	broken error

	info   Info
	closed bool
}

// NewStreamClient returns a client speaking over conn.
func NewStreamClient(conn io.ReadWriteCloser) *Client {
	return &Client{t: newStream(conn)}
}

// NewSharedMemoryClient returns a client speaking through mem.
func NewSharedMemoryClient(mem *SharedMemory) *Client {
	return &Client{t: newShm(mem)}
}

// Dial connects to a stream server at address.
func Dial(ctx context.Context, network, address string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s %s: %v", errs.ErrIoDevice, network, address, err)
	}

	return NewStreamClient(conn), nil
}

// DialSharedMemory maps the shared memory region name in dir.
func DialSharedMemory(dir, name string) (*Client, error) {
	mem, err := OpenSharedMemory(dir, name)
	if err != nil {
		return nil, fmt.Errorf("%w: open shared memory %s: %v", errs.ErrIoDevice, name, err)
	}

	return NewSharedMemoryClient(mem), nil
}

// MaxTransferSize is the largest payload of one protocol exchange, zero for
// unbounded.
func (c *Client) MaxTransferSize() int64 {
	return c.t.maxTransfer()
}

// Info returns the medium description obtained by the last Query.
func (c *Client) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.info
}

// exchange runs fn with exclusive access to the transport. Transport level
// failures poison the client, server reported errors do not.
func (c *Client) exchange(ctx context.Context, fn func(t transport) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return c.broken
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrCancelled, err)
	}

	err := fn(c.t)

	var se *ServerError
	if err != nil && !errors.As(err, &se) {
		c.broken = fmt.Errorf("proxy connection unusable: %w", err)
	}

	return err
}

// ServerError is a non-zero error code reported by the server.
type ServerError struct {
	Code uint64
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("proxy server error %d", e.Code)
}

func (e *ServerError) Unwrap() error {
	return errs.ErrIoDevice
}

// Connect sends the CONNECT request. When the server hands out a
// replacement channel the client switches to it.
func (c *Client) Connect(ctx context.Context, flags uint64, connection string) error {
	return c.exchange(ctx, func(t transport) error {
		req := ConnectRequest{Code: ReqConnect, Flags: flags, Length: uint64(len(connection))}
		if err := t.send(ctx, &req, []byte(connection)); err != nil {
			return err
		}

		var resp ConnectResponse
		if err := t.recvHeader(ctx, &resp); err != nil {
			return err
		}
		if resp.ErrorCode != 0 {
			return &ServerError{Code: resp.ErrorCode}
		}

		if resp.ObjectPtr != 0 {
			r, ok := t.(replacer)
			if !ok {
				return fmt.Errorf("%w: replacement channel not supported", errs.ErrProtocolViolation)
			}
			if err := r.replace(ctx); err != nil {
				return err
			}
			log.Debug().Str("connection", connection).Msg("Proxy switched to direct channel.")
		}

		return nil
	})
}

// Query sends the INFO request and validates the response.
func (c *Client) Query(ctx context.Context) (Info, error) {
	var info Info

	err := c.exchange(ctx, func(t transport) error {
		if err := t.send(ctx, &InfoRequest{Code: ReqInfo}, nil); err != nil {
			return err
		}

		var resp InfoResponse
		if err := t.recvHeader(ctx, &resp); err != nil {
			return err
		}

		mask, err := alignmentMask(resp.ReqAlignment)
		if err != nil {
			return err
		}
		if resp.FileSize > uint64(1<<63-1) {
			return fmt.Errorf("%w: medium size %d", errs.ErrProtocolViolation, resp.FileSize)
		}

		info = Info{
			Size:          int64(resp.FileSize),
			AlignmentMask: mask,
			ReadOnly:      resp.Flags&FlagReadOnly != 0,
		}
		c.info = info

		return nil
	})

	return info, err
}

// chunk returns the length of the next exchange for remaining bytes.
func (c *Client) chunk(remaining int) int {
	if max := c.t.maxTransfer(); max > 0 && int64(remaining) > max {
		return int(max)
	}

	return remaining
}

// ReadAt reads len(p) bytes at off, split into as many exchanges as the
// transport requires. A response of zero bytes ends the loop early and the
// number of bytes received so far is returned with a nil error.
func (c *Client) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	done := 0

	for done < len(p) {
		length := c.chunk(len(p) - done)
		var got uint64

		err := c.exchange(ctx, func(t transport) error {
			req := IORequest{Code: ReqRead, Offset: uint64(off) + uint64(done), Length: uint64(length)}
			if err := t.send(ctx, &req, nil); err != nil {
				return err
			}

			var resp IOResponse
			if err := t.recvHeader(ctx, &resp); err != nil {
				return err
			}
			if resp.ErrorCode != 0 {
				return &ServerError{Code: resp.ErrorCode}
			}
			if resp.Length > uint64(length) {
				return fmt.Errorf("%w: read response of %d bytes for %d requested",
					errs.ErrProtocolViolation, resp.Length, length)
			}

			got = resp.Length

			return t.recvPayload(ctx, p[done:done+int(got)])
		})

		if err != nil {
			return done, errs.Wrap("proxy read", off+int64(done), int64(length), err)
		}
		if got == 0 {
			break
		}

		done += int(got)
	}

	return done, nil
}

// WriteAt writes p at off, split into as many exchanges as the transport
// requires. A response of zero bytes ends the loop early.
func (c *Client) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	done := 0

	for done < len(p) {
		length := c.chunk(len(p) - done)
		var put uint64

		err := c.exchange(ctx, func(t transport) error {
			req := IORequest{Code: ReqWrite, Offset: uint64(off) + uint64(done), Length: uint64(length)}
			if err := t.send(ctx, &req, p[done:done+length]); err != nil {
				return err
			}

			var resp IOResponse
			if err := t.recvHeader(ctx, &resp); err != nil {
				return err
			}
			if resp.ErrorCode != 0 {
				return &ServerError{Code: resp.ErrorCode}
			}
			if resp.Length > uint64(length) {
				return fmt.Errorf("%w: write response of %d bytes for %d sent",
					errs.ErrProtocolViolation, resp.Length, length)
			}

			put = resp.Length

			return nil
		})

		if err != nil {
			return done, errs.Wrap("proxy write", off+int64(done), int64(length), err)
		}
		if put == 0 {
			break
		}

		done += int(put)
	}

	return done, nil
}

// Close ends the session. The shared memory transport posts CLOSE without
// waiting for a response, the stream transport just drops the channel.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if _, ok := c.t.(*shm); ok && c.broken == nil {
		c.t.post(context.Background(), &CloseRequest{Code: ReqClose})
	}
	c.broken = fmt.Errorf("%w: proxy connection closed", errs.ErrNotInitialized)

	return c.t.close()
}
