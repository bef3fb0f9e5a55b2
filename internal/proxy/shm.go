// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package proxy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/asch/vdisk/internal/errs"
)

// SharedMemory is a single-buffered region shared by a client and a server
// together with the two events they signal each other with. The first
// HeaderSize bytes hold the request or response header, the payload starts
// right after.
type SharedMemory struct {
	Region []byte

	// Request is signaled by the client when a request is ready.
	Request Event

	// Response is signaled by the server when a response is ready.
	Response Event

	release func() error
}

// NewInProcessSharedMemory returns a region of size bytes and channel
// events. Both peers use the same value.
func NewInProcessSharedMemory(size int) (*SharedMemory, error) {
	if size <= HeaderSize {
		return nil, fmt.Errorf("%w: shared memory of %d bytes", errs.ErrInvalidParameter, size)
	}

	return &SharedMemory{
		Region:   make([]byte, size),
		Request:  NewChanEvent(),
		Response: NewChanEvent(),
	}, nil
}

func shmPaths(dir, name string) (mem, req, resp string) {
	base := filepath.Join(dir, name)
	return base + ".mem", base + ".req", base + ".resp"
}

// CreateSharedMemory creates the backing file and the named pipes for name
// in dir and maps them. It is called by the server.
func CreateSharedMemory(dir, name string, size int) (*SharedMemory, error) {
	if size <= HeaderSize {
		return nil, fmt.Errorf("%w: shared memory of %d bytes", errs.ErrInvalidParameter, size)
	}

	mem, req, resp := shmPaths(dir, name)

	f, err := os.OpenFile(mem, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return nil, err
	}

	for _, p := range []string{req, resp} {
		if err := MakeFifo(p); err != nil {
			return nil, err
		}
	}

	return mapSharedMemory(f, size, req, resp)
}

// OpenSharedMemory maps a region previously created by CreateSharedMemory.
// It is called by the client.
func OpenSharedMemory(dir, name string) (*SharedMemory, error) {
	mem, req, resp := shmPaths(dir, name)

	f, err := os.OpenFile(mem, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() <= HeaderSize {
		return nil, fmt.Errorf("%w: shared memory of %d bytes", errs.ErrProtocolViolation, fi.Size())
	}

	return mapSharedMemory(f, int(fi.Size()), req, resp)
}

func mapSharedMemory(f *os.File, size int, req, resp string) (*SharedMemory, error) {
	region, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap: %v", errs.ErrInsufficientResources, err)
	}

	reqEvent, err := OpenFifoEvent(req)
	if err != nil {
		unix.Munmap(region)
		return nil, err
	}

	respEvent, err := OpenFifoEvent(resp)
	if err != nil {
		reqEvent.Close()
		unix.Munmap(region)
		return nil, err
	}

	return &SharedMemory{
		Region:   region,
		Request:  reqEvent,
		Response: respEvent,
		release: func() error {
			reqEvent.Close()
			respEvent.Close()
			return unix.Munmap(region)
		},
	}, nil
}

// Capacity is the largest payload of one exchange.
func (s *SharedMemory) Capacity() int64 {
	return int64(len(s.Region) - HeaderSize)
}

// Header returns the header slot.
func (s *SharedMemory) Header() []byte {
	return s.Region[:HeaderSize]
}

// Payload returns the first n bytes of the payload area.
func (s *SharedMemory) Payload(n int) []byte {
	return s.Region[HeaderSize : HeaderSize+n]
}

// Close releases the mapping and the events.
func (s *SharedMemory) Close() error {
	if s.release != nil {
		return s.release()
	}

	return nil
}

// shm is the shared memory transport. Because the region is single
// buffered, a request left posted after a cancelled wait leaves the
// connection unusable.
type shm struct {
	mem *SharedMemory
}

func newShm(mem *SharedMemory) *shm {
	return &shm{mem: mem}
}

func (s *shm) put(hdr interface{}, payload []byte) error {
	b, err := Encode(hdr)
	if err != nil {
		return err
	}
	if int64(len(payload)) > s.mem.Capacity() {
		return fmt.Errorf("%w: payload %d exceeds shared memory", errs.ErrInvalidParameter, len(payload))
	}

	copy(s.mem.Header(), b)
	copy(s.mem.Payload(len(payload)), payload)

	return nil
}

func (s *shm) send(ctx context.Context, hdr interface{}, payload []byte) error {
	if err := s.put(hdr, payload); err != nil {
		return err
	}

	return s.mem.Request.Signal()
}

func (s *shm) recvHeader(ctx context.Context, hdr interface{}) error {
	if err := s.mem.Response.Wait(ctx); err != nil {
		return err
	}

	return Decode(s.mem.Header()[:headerSize(hdr)], hdr)
}

func (s *shm) recvPayload(ctx context.Context, p []byte) error {
	if int64(len(p)) > s.mem.Capacity() {
		return fmt.Errorf("%w: response payload %d exceeds shared memory", errs.ErrProtocolViolation, len(p))
	}
	copy(p, s.mem.Payload(len(p)))

	return nil
}

func (s *shm) post(ctx context.Context, hdr interface{}) error {
	return s.send(ctx, hdr, nil)
}

func (s *shm) maxTransfer() int64 {
	return s.mem.Capacity()
}

func (s *shm) close() error {
	return s.mem.Close()
}
