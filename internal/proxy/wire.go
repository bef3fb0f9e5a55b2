// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package proxy

import (
	"bytes"
	"fmt"
	"io"

	"github.com/lunixbochs/struc"

	"github.com/asch/vdisk/internal/errs"
)

// Request codes. The order is part of the wire format.
const (
	ReqNull uint64 = iota
	ReqInfo
	ReqRead
	ReqWrite
	ReqConnect
	ReqClose
)

const (
	// HeaderSize is the size of the header slot at the beginning of the
	// shared memory region, independent of the payload size.
	HeaderSize = 4096

	// MaxAlignment is the largest alignment a server may require.
	MaxAlignment = 512

	// FlagReadOnly in InfoResponse.Flags marks a read-only medium.
	FlagReadOnly uint64 = 0x01
)

// Connection types sent in ConnectRequest.Flags.
const (
	ConnectDirect uint64 = iota
	ConnectComm
	ConnectTCP
	ConnectShm
)

// ConnectRequest is followed by Length bytes of connection string.
type ConnectRequest struct {
	Code   uint64 `struc:"uint64,little"`
	Flags  uint64 `struc:"uint64,little"`
	Length uint64 `struc:"uint64,little"`
}

// ConnectResponse carries a non-zero ObjectPtr when the server hands out a
// replacement channel for all subsequent calls.
type ConnectResponse struct {
	ErrorCode uint64 `struc:"uint64,little"`
	ObjectPtr uint64 `struc:"uint64,little"`
}

type InfoRequest struct {
	Code uint64 `struc:"uint64,little"`
}

type InfoResponse struct {
	FileSize     uint64 `struc:"uint64,little"`
	ReqAlignment uint64 `struc:"uint64,little"`
	Flags        uint64 `struc:"uint64,little"`
}

// IORequest is used for both READ and WRITE. A WRITE request is followed by
// Length bytes of data.
type IORequest struct {
	Code   uint64 `struc:"uint64,little"`
	Offset uint64 `struc:"uint64,little"`
	Length uint64 `struc:"uint64,little"`
}

// IOResponse is followed by Length bytes of data for READ.
type IOResponse struct {
	ErrorCode uint64 `struc:"uint64,little"`
	Length    uint64 `struc:"uint64,little"`
}

type CloseRequest struct {
	Code uint64 `struc:"uint64,little"`
}

// Encoded sizes of the headers.
const (
	connectRequestSize  = 24
	connectResponseSize = 16
	infoRequestSize     = 8
	infoResponseSize    = 24
	ioRequestSize       = 24
	ioResponseSize      = 16
	closeRequestSize    = 8
)

// Encode packs a header struct into its wire representation.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, v); err != nil {
		return nil, fmt.Errorf("%w: encode %T: %v", errs.ErrProtocolViolation, v, err)
	}

	return buf.Bytes(), nil
}

// Decode unpacks a header struct from b.
func Decode(b []byte, v interface{}) error {
	if err := struc.Unpack(bytes.NewReader(b), v); err != nil {
		return fmt.Errorf("%w: decode %T: %v", errs.ErrProtocolViolation, v, err)
	}

	return nil
}

// RequestCode peeks the request code of a raw request header.
func RequestCode(b []byte) (uint64, error) {
	var r InfoRequest
	if len(b) < infoRequestSize {
		return 0, fmt.Errorf("%w: short request header", errs.ErrProtocolViolation)
	}
	err := Decode(b[:infoRequestSize], &r)

	return r.Code, err
}

// headerSize returns the encoded size of the header type of v.
func headerSize(v interface{}) int {
	switch v.(type) {
	case *ConnectRequest:
		return connectRequestSize
	case *ConnectResponse:
		return connectResponseSize
	case *InfoRequest:
		return infoRequestSize
	case *InfoResponse:
		return infoResponseSize
	case *IORequest:
		return ioRequestSize
	case *IOResponse:
		return ioResponseSize
	case *CloseRequest:
		return closeRequestSize
	}

	panic(fmt.Sprintf("proxy: unknown header type %T", v))
}

// readHeader reads exactly one header of v's type from r.
func readHeader(r io.Reader, v interface{}) error {
	b := make([]byte, headerSize(v))
	if err := readFull(r, b); err != nil {
		return err
	}

	return Decode(b, v)
}

// readFull loops until b is filled. A read moving zero bytes before b is
// full means the peer went away.
func readFull(r io.Reader, b []byte) error {
	for done := 0; done < len(b); {
		n, err := r.Read(b[done:])
		done += n
		if done == len(b) {
			return nil
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("%w: %d of %d bytes received", errs.ErrConnectionReset, done, len(b))
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: zero byte read", errs.ErrConnectionReset)
		}
	}

	return nil
}

// writeFull loops until all of b is written.
func writeFull(w io.Writer, b []byte) error {
	for done := 0; done < len(b); {
		n, err := w.Write(b[done:])
		done += n
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: zero byte write", errs.ErrConnectionReset)
		}
	}

	return nil
}

// alignmentMask validates the alignment reported by INFO and returns it as a
// mask. Zero means no requirement.
func alignmentMask(reqAlignment uint64) (uint64, error) {
	if reqAlignment == 0 {
		reqAlignment = 1
	}
	if reqAlignment > MaxAlignment || reqAlignment&(reqAlignment-1) != 0 {
		return 0, fmt.Errorf("%w: alignment %d not supported", errs.ErrProtocolViolation, reqAlignment)
	}

	return reqAlignment - 1, nil
}
