// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package server implements the serving side of the proxy wire protocol. It
// exposes any Medium over byte streams or shared memory and is the peer of
// proxy.Client.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/asch/vdisk/internal/errs"
	"github.com/asch/vdisk/internal/proxy"
)

// Medium is what the server exposes. It is satisfied by every backing
// store.
type Medium interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)
	Size(ctx context.Context) (int64, error)
}

// Resolver selects the medium for a CONNECT request.
type Resolver func(flags uint64, connection string) (Medium, error)

// Options to use in New() function.
type Options struct {
	ReadOnly bool

	// Alignment reported by INFO in bytes. Zero means no requirement.
	Alignment uint64

	// Resolver is consulted on CONNECT. Without it CONNECT keeps the
	// default medium.
	Resolver Resolver

	// Direct makes CONNECT over unix sockets hand out a fresh socket for
	// all subsequent calls.
	Direct bool
}

// Error codes reported in responses.
const (
	errorIO       = uint64(unix.EIO)
	errorReadOnly = uint64(unix.EROFS)
	errorInvalid  = uint64(unix.EINVAL)
)

// Largest payload accepted on a stream connection.
const maxStreamTransfer = 64 << 20

// Server serves one default medium.
type Server struct {
	medium Medium
	opts   Options

	wg sync.WaitGroup
}

func New(medium Medium, opts Options) *Server {
	return &Server{medium: medium, opts: opts}
}

// Serve accepts stream connections on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(ctx, conn); err != nil {
				log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Proxy connection finished.")
			}
		}()
	}
}

// session is the per connection state.
type session struct {
	s      *Server
	medium Medium
}

func (s *Server) newSession() *session {
	return &session{s: s, medium: s.medium}
}

// ServeConn serves one stream connection until the peer goes away.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	return s.newSession().serveConn(ctx, conn)
}

func (ss *session) serveConn(ctx context.Context, conn io.ReadWriteCloser) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	code := make([]byte, 8)
	for {
		if _, err := io.ReadFull(conn, code); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		c, err := proxy.RequestCode(code)
		if err != nil {
			return err
		}

		switch c {
		case proxy.ReqNull:
		case proxy.ReqInfo:
			err = ss.writeHeader(conn, ss.info(ctx))
		case proxy.ReqRead, proxy.ReqWrite:
			err = ss.streamIO(ctx, conn, c, code)
		case proxy.ReqConnect:
			var handedOver bool
			handedOver, err = ss.streamConnect(ctx, conn, code)
			if err == nil && handedOver {
				return nil
			}
		case proxy.ReqClose:
			return nil
		default:
			return fmt.Errorf("%w: request code %d", errs.ErrProtocolViolation, c)
		}

		if err != nil {
			return err
		}
	}
}

// readRest reads the remainder of a header whose code was already read.
func readRest(r io.Reader, code []byte, v interface{}, size int) error {
	b := make([]byte, size)
	copy(b, code)
	if _, err := io.ReadFull(r, b[len(code):]); err != nil {
		return err
	}

	return proxy.Decode(b, v)
}

func (ss *session) writeHeader(w io.Writer, v interface{}) error {
	b, err := proxy.Encode(v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)

	return err
}

func (ss *session) info(ctx context.Context) *proxy.InfoResponse {
	size, err := ss.medium.Size(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Proxy medium size query failed.")
	}

	resp := &proxy.InfoResponse{FileSize: uint64(size), ReqAlignment: ss.s.opts.Alignment}
	if ss.s.opts.ReadOnly {
		resp.Flags |= proxy.FlagReadOnly
	}

	return resp
}

func (ss *session) streamIO(ctx context.Context, conn io.ReadWriter, code uint64, raw []byte) error {
	var req proxy.IORequest
	if err := readRest(conn, raw, &req, 24); err != nil {
		return err
	}
	if req.Length > maxStreamTransfer {
		return fmt.Errorf("%w: transfer of %d bytes", errs.ErrProtocolViolation, req.Length)
	}

	buf := make([]byte, req.Length)
	if code == proxy.ReqWrite {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return err
		}
		resp := ss.write(ctx, req.Offset, buf)
		return ss.writeHeader(conn, resp)
	}

	resp := ss.read(ctx, req.Offset, buf)
	if err := ss.writeHeader(conn, resp); err != nil {
		return err
	}
	_, err := conn.Write(buf[:resp.Length])

	return err
}

// clip limits a transfer at off to the end of the medium.
func (ss *session) clip(ctx context.Context, off uint64, length int) (int, error) {
	size, err := ss.medium.Size(ctx)
	if err != nil {
		return 0, err
	}
	if off >= uint64(size) {
		return 0, nil
	}
	if rest := uint64(size) - off; uint64(length) > rest {
		return int(rest), nil
	}

	return length, nil
}

func (ss *session) read(ctx context.Context, off uint64, buf []byte) *proxy.IOResponse {
	n, err := ss.clip(ctx, off, len(buf))
	if err == nil && n > 0 {
		_, err = ss.medium.ReadAt(ctx, buf[:n], int64(off))
	}
	if err != nil {
		log.Warn().Err(err).Uint64("offset", off).Int("length", len(buf)).Msg("Proxy read failed.")
		return &proxy.IOResponse{ErrorCode: errorIO}
	}

	return &proxy.IOResponse{Length: uint64(n)}
}

func (ss *session) write(ctx context.Context, off uint64, buf []byte) *proxy.IOResponse {
	if ss.s.opts.ReadOnly {
		return &proxy.IOResponse{ErrorCode: errorReadOnly}
	}

	n, err := ss.clip(ctx, off, len(buf))
	if err == nil && n > 0 {
		n, err = ss.medium.WriteAt(ctx, buf[:n], int64(off))
	}
	if err != nil {
		log.Warn().Err(err).Uint64("offset", off).Int("length", len(buf)).Msg("Proxy write failed.")
		return &proxy.IOResponse{ErrorCode: errorIO}
	}

	return &proxy.IOResponse{Length: uint64(n)}
}

// connect resolves the connection string and reports the error code for
// the response.
func (ss *session) connect(flags uint64, connection string) uint64 {
	if ss.s.opts.Resolver == nil {
		return 0
	}

	m, err := ss.s.opts.Resolver(flags, connection)
	if err != nil {
		log.Warn().Err(err).Str("connection", connection).Msg("Proxy connect failed.")
		return errorInvalid
	}
	ss.medium = m

	return 0
}

// streamConnect answers CONNECT. In direct mode the rest of the session
// moves to a new socket handed to the client and true is returned.
func (ss *session) streamConnect(ctx context.Context, conn io.ReadWriter, raw []byte) (bool, error) {
	var req proxy.ConnectRequest
	if err := readRest(conn, raw, &req, 24); err != nil {
		return false, err
	}
	if req.Length > maxStreamTransfer {
		return false, fmt.Errorf("%w: connection string of %d bytes", errs.ErrProtocolViolation, req.Length)
	}

	connection := make([]byte, req.Length)
	if _, err := io.ReadFull(conn, connection); err != nil {
		return false, err
	}

	resp := proxy.ConnectResponse{ErrorCode: ss.connect(req.Flags, string(connection))}

	uc, ok := conn.(*net.UnixConn)
	if resp.ErrorCode != 0 || !ss.s.opts.Direct || !ok {
		return false, ss.writeHeader(conn, &resp)
	}

	ours, theirs, err := socketPair()
	if err != nil {
		resp.ErrorCode = errorIO
		return false, ss.writeHeader(conn, &resp)
	}
	defer theirs.Close()

	resp.ObjectPtr = 1
	if err := ss.writeHeader(conn, &resp); err != nil {
		ours.Close()
		return false, err
	}
	if err := proxy.SendConn(uc, theirs); err != nil {
		ours.Close()
		return false, err
	}

	ss.s.wg.Add(1)
	go func() {
		defer ss.s.wg.Done()
		direct := &session{s: ss.s, medium: ss.medium}
		if err := direct.serveConn(ctx, ours); err != nil {
			log.Debug().Err(err).Msg("Proxy direct channel finished.")
		}
	}()

	return true, nil
}

func socketPair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}

	conns := make([]*net.UnixConn, 2)
	for i, fd := range fds {
		f := os.NewFile(uintptr(fd), "proxy-socketpair")
		c, err := net.FileConn(f)
		f.Close()
		if err != nil {
			for _, c := range conns[:i] {
				c.Close()
			}
			if i == 0 {
				unix.Close(fds[1])
			}
			return nil, nil, err
		}
		conns[i] = c.(*net.UnixConn)
	}

	return conns[0], conns[1], nil
}

// ServeSharedMemory serves requests posted in mem until the client posts
// CLOSE or ctx is done.
func (s *Server) ServeSharedMemory(ctx context.Context, mem *proxy.SharedMemory) error {
	ss := s.newSession()

	for {
		if err := mem.Request.Wait(ctx); err != nil {
			if errors.Is(err, errs.ErrCancelled) {
				return nil
			}
			return err
		}

		code, err := proxy.RequestCode(mem.Header())
		if err != nil {
			return err
		}

		var resp interface{}

		switch code {
		case proxy.ReqNull:
			continue
		case proxy.ReqInfo:
			resp = ss.info(ctx)
		case proxy.ReqRead, proxy.ReqWrite:
			var req proxy.IORequest
			if err := proxy.Decode(mem.Header()[:24], &req); err != nil {
				return err
			}
			if int64(req.Length) > mem.Capacity() {
				resp = &proxy.IOResponse{ErrorCode: errorInvalid}
				break
			}
			buf := mem.Payload(int(req.Length))
			if code == proxy.ReqRead {
				resp = ss.read(ctx, req.Offset, buf)
			} else {
				resp = ss.write(ctx, req.Offset, buf)
			}
		case proxy.ReqConnect:
			var req proxy.ConnectRequest
			if err := proxy.Decode(mem.Header()[:24], &req); err != nil {
				return err
			}
			if int64(req.Length) > mem.Capacity() {
				resp = &proxy.ConnectResponse{ErrorCode: errorInvalid}
				break
			}
			resp = &proxy.ConnectResponse{ErrorCode: ss.connect(req.Flags, string(mem.Payload(int(req.Length))))}
		case proxy.ReqClose:
			log.Debug().Msg("Proxy shared memory session closed by client.")
			return nil
		default:
			return fmt.Errorf("%w: request code %d", errs.ErrProtocolViolation, code)
		}

		b, err := proxy.Encode(resp)
		if err != nil {
			return err
		}
		copy(mem.Header(), b)

		if err := mem.Response.Signal(); err != nil {
			return err
		}
	}
}
