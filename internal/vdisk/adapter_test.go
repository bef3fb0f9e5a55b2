// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vdisk

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/asch/vdisk/internal/errs"
	"github.com/asch/vdisk/internal/proxy"
	"github.com/asch/vdisk/internal/proxy/server"
	"github.com/asch/vdisk/internal/vdisk/backing"
	"github.com/asch/vdisk/internal/vdisk/backing/objstore"
)

const timeout = 5 * time.Second

func newAdapter(t *testing.T, o Options) *Adapter {
	t.Helper()

	if o.SignatureSeed == 0 {
		o.SignatureSeed = 1
	}
	a := New(o)
	t.Cleanup(func() { a.Close(context.Background()) })

	return a
}

func create(t *testing.T, a *Adapter, p CreateParams) DeviceNumber {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	dn, err := a.CreateDevice(ctx, p)
	if err != nil {
		t.Fatalf("create %+v: %v", p, err)
	}

	return dn
}

// submit dispatches a request and returns a channel closed on completion.
func submit(a *Adapter, dn DeviceNumber, cdb, data []byte) (*Request, <-chan struct{}, DispatchStatus) {
	done := make(chan struct{})
	req := &Request{Device: dn, CDB: cdb, Data: data, Done: func(*Request) { close(done) }}
	status := a.Dispatch(req)

	return req, done, status
}

func wait(t *testing.T, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("request did not complete")
	}
}

func do(t *testing.T, a *Adapter, dn DeviceNumber, cdb, data []byte) *Request {
	t.Helper()

	req, done, _ := submit(a, dn, cdb, data)
	wait(t, done)

	return req
}

func mustGood(t *testing.T, req *Request) {
	t.Helper()

	if req.Result.Status != StatusGood {
		t.Fatalf("request failed: %s %v", req.Result.Cause, req.Result.Err)
	}
}

// spyStore records calls and can hold or break them.
type spyStore struct {
	backing.Store

	mu      sync.Mutex
	calls   []int64
	reads   int
	writes  int
	gate    chan struct{}
	panics  bool
	entered chan struct{}
}

func spy(a *Adapter, dn DeviceNumber) *spyStore {
	a.mu.Lock()
	defer a.mu.Unlock()

	l := a.devices[dn]
	s := &spyStore{Store: l.store, entered: make(chan struct{}, 64)}
	l.store = s

	return s
}

func (s *spyStore) enter(off int64, write bool) {
	s.mu.Lock()
	s.calls = append(s.calls, off)
	if write {
		s.writes++
	} else {
		s.reads++
	}
	gate, panics := s.gate, s.panics
	s.mu.Unlock()

	select {
	case s.entered <- struct{}{}:
	default:
	}
	if gate != nil {
		<-gate
	}
	if panics {
		panic("broken medium")
	}
}

func (s *spyStore) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	s.enter(off, false)
	return s.Store.ReadAt(ctx, p, off)
}

func (s *spyStore) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	s.enter(off, true)
	return s.Store.WriteAt(ctx, p, off)
}

func (s *spyStore) hold() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gate = make(chan struct{})
	return s.gate
}

func (s *spyStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reads, s.writes
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i/512)
	}
	return b
}

func roundTrip(t *testing.T, a *Adapter, dn DeviceNumber) {
	t.Helper()

	data := pattern(64<<10, 7)
	mustGood(t, do(t, a, dn, Write10(3, 128), data))

	got := make([]byte, len(data))
	req := do(t, a, dn, Read16(3, 128), got)
	mustGood(t, req)
	if req.Result.Transferred != uint32(len(data)) {
		t.Fatalf("transferred %d", req.Result.Transferred)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("read back different data")
	}
}

func TestRoundTripFile(t *testing.T) {
	a := newAdapter(t, Options{})
	dn := create(t, a, CreateParams{Path: filepath.Join(t.TempDir(), "disk.img"), Size: 1 << 20})
	roundTrip(t, a, dn)
}

func TestRoundTripMemory(t *testing.T) {
	a := newAdapter(t, Options{})
	dn := create(t, a, CreateParams{Size: 1 << 20})
	roundTrip(t, a, dn)
}

func serveStream(t *testing.T, medium server.Medium, opts server.Options) string {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "proxy.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.New(medium, opts).Serve(ctx, l)

	return "unix:" + sock
}

func TestRoundTripProxyStream(t *testing.T) {
	medium, err := backing.NewMemory(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	endpoint := serveStream(t, medium, server.Options{Alignment: 512})

	a := newAdapter(t, Options{})
	dn := create(t, a, CreateParams{Kind: KindProxy, ProxySubtype: backing.ProxyDirect, Path: endpoint})

	info, err := a.QueryDevice(dn)
	if err != nil || info.Size != 1<<20 {
		t.Fatalf("size %d err %v", info.Size, err)
	}
	roundTrip(t, a, dn)
}

func TestRoundTripProxyService(t *testing.T) {
	disks := map[string]server.Medium{}
	for _, name := range []string{"a", "b"} {
		m, err := backing.NewMemory(256 << 10)
		if err != nil {
			t.Fatal(err)
		}
		disks[name] = m
	}
	endpoint := serveStream(t, nil, server.Options{
		Resolver: func(flags uint64, connection string) (server.Medium, error) {
			if m, ok := disks[connection]; ok {
				return m, nil
			}
			return nil, errs.ErrNotFound
		},
	})

	a := newAdapter(t, Options{ProxyService: endpoint})
	dn := create(t, a, CreateParams{Kind: KindProxy, ProxySubtype: backing.ProxyComm, Path: "b"})
	roundTrip(t, a, dn)

	_, err := a.CreateDevice(context.Background(), CreateParams{Device: AutoDeviceNumber, Kind: KindProxy, ProxySubtype: backing.ProxyComm, Path: "c"})
	if err == nil || errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("unknown object: %v", err)
	}
}

func TestRoundTripProxySharedMemory(t *testing.T) {
	medium, err := backing.NewMemory(1 << 20)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	mem, err := proxy.CreateSharedMemory(dir, "disk0", proxy.HeaderSize+8192)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.New(medium, server.Options{}).ServeSharedMemory(ctx, mem)

	a := newAdapter(t, Options{SharedMemoryDir: dir})
	dn := create(t, a, CreateParams{Kind: KindProxy, ProxySubtype: backing.ProxyShm, Path: "disk0"})
	roundTrip(t, a, dn)
}

// objects is an in-memory object backend.
type objects struct {
	mu sync.Mutex
	m  map[int64][]byte
}

func (o *objects) Upload(ctx context.Context, key int64, buf []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m[key] = append([]byte(nil), buf...)
	return nil
}

func (o *objects) DownloadAt(ctx context.Context, key int64, buf []byte, offset int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.m[key]
	if !ok {
		return objstore.ErrNoObject
	}
	copy(buf, obj[offset:])
	return nil
}

func (o *objects) ObjectSize(ctx context.Context, key int64) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.m[key]
	if !ok {
		return 0, objstore.ErrNoObject
	}
	return int64(len(obj)), nil
}

func (o *objects) Delete(ctx context.Context, key int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.m, key)
	return nil
}

func TestRoundTripObject(t *testing.T) {
	backend := &objects{m: make(map[int64][]byte)}
	var prefixes []string

	a := newAdapter(t, Options{
		ChunkSize: 16 << 10,
		ObjectStores: func(prefix string) (objstore.ObjectStore, error) {
			prefixes = append(prefixes, prefix)
			return backend, nil
		},
	})
	dn := create(t, a, CreateParams{Kind: KindObject, Path: "disks/a/", Size: 1 << 20})
	roundTrip(t, a, dn)

	if len(prefixes) != 1 || prefixes[0] != "disks/a/" {
		t.Fatalf("object backend opened with %q", prefixes)
	}
}

func TestFileScenario(t *testing.T) {
	a := newAdapter(t, Options{})
	path := filepath.Join(t.TempDir(), "ten.img")
	dn := create(t, a, CreateParams{Kind: KindFile, Path: path, Size: 10 << 20, BlockSize: 512})

	mustGood(t, do(t, a, dn, Write10(0, 8), bytes.Repeat([]byte{0xab}, 4096)))

	got := make([]byte, 9*512)
	mustGood(t, do(t, a, dn, Read10(0, 9), got))

	if !bytes.Equal(got[:4096], bytes.Repeat([]byte{0xab}, 4096)) {
		t.Fatal("written blocks differ")
	}
	if !bytes.Equal(got[4096:], make([]byte, 512)) {
		t.Fatal("untouched block is not zero")
	}

	if fi, err := os.Stat(path); err != nil || fi.Size() != 10<<20 {
		t.Fatalf("image file %v %v", fi, err)
	}
}

func TestMemoryPreloadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	content := pattern(4096, 1)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	a := newAdapter(t, Options{})
	dn := create(t, a, CreateParams{Kind: KindMemory, Path: path})

	info, err := a.QueryDevice(dn)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 4096 || !info.Initialized {
		t.Fatalf("size %d initialized %v", info.Size, info.Initialized)
	}

	got := make([]byte, 4096)
	mustGood(t, do(t, a, dn, Read10(0, 8), got))
	if !bytes.Equal(got, content) {
		t.Fatal("disk content differs from preload file")
	}
}

func TestMemoryPreloadFailureRemovesDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short")
	if err := os.WriteFile(path, make([]byte, 1024), 0644); err != nil {
		t.Fatal(err)
	}

	a := newAdapter(t, Options{})
	_, err := a.CreateDevice(context.Background(), CreateParams{Kind: KindMemory, Path: path, Size: 8192})
	if !errors.Is(err, errs.ErrIoDevice) {
		t.Fatalf("expected i/o error, got %v", err)
	}
	if n := len(a.QueryAdapter()); n != 0 {
		t.Fatalf("%d devices left after failed preload", n)
	}
}

func TestSetupFailureRollsBack(t *testing.T) {
	a := newAdapter(t, Options{})

	_, err := a.CreateDevice(context.Background(), CreateParams{
		Path:  filepath.Join(t.TempDir(), "missing.img"),
		Flags: FlagReadOnly,
	})
	if err == nil {
		t.Fatal("missing read-only image opened")
	}
	if n := len(a.QueryAdapter()); n != 0 {
		t.Fatalf("%d devices left after failed setup", n)
	}

	path := filepath.Join(t.TempDir(), "empty.img")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := a.CreateDevice(context.Background(), CreateParams{Path: path}); !errors.Is(err, errs.ErrInvalidParameter) {
		t.Fatalf("empty medium: %v", err)
	}
}

func TestDuplicateDevice(t *testing.T) {
	a := newAdapter(t, Options{})
	dn := DeviceNumber{0, 1, 0}
	create(t, a, CreateParams{Device: dn, Size: 4096})

	if _, err := a.CreateDevice(context.Background(), CreateParams{Device: dn, Size: 4096}); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}

	auto := create(t, a, CreateParams{Device: AutoDeviceNumber, Size: 4096})
	if auto != (DeviceNumber{}) {
		t.Fatalf("auto number %s, want the lowest free 0:0:0", auto)
	}
}

func TestConcurrentCreate(t *testing.T) {
	a := newAdapter(t, Options{})

	const workers, each = 16, 40
	var wg sync.WaitGroup
	failures := make(chan error, workers*each)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				_, err := a.CreateDevice(ctx, CreateParams{Device: AutoDeviceNumber, Size: 4096})
				cancel()
				if err != nil {
					failures <- err
				}
			}
		}()
	}
	wg.Wait()
	close(failures)

	for err := range failures {
		t.Errorf("create: %v", err)
	}

	a.mu.RLock()
	n := len(a.devices)
	a.mu.RUnlock()
	if n != workers*each {
		t.Fatalf("%d devices, want %d", n, workers*each)
	}
}

func TestReadPastEndOfMediumZeroFills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.img")
	if err := os.WriteFile(path, bytes.Repeat([]byte{9}, 1000), 0644); err != nil {
		t.Fatal(err)
	}

	a := newAdapter(t, Options{})
	dn := create(t, a, CreateParams{Path: path, Size: 8192, Flags: FlagReadOnly})

	got := bytes.Repeat([]byte{0xff}, 4096)
	mustGood(t, do(t, a, dn, Read10(0, 8), got))
	if !bytes.Equal(got[:1000], bytes.Repeat([]byte{9}, 1000)) || !bytes.Equal(got[1000:], make([]byte, 3096)) {
		t.Fatal("tail past end of medium is not zero")
	}
}

func TestCacheHitSkipsStore(t *testing.T) {
	a := newAdapter(t, Options{})
	dn := create(t, a, CreateParams{Size: 1 << 20})
	s := spy(a, dn)

	data := pattern(8*512, 3)
	mustGood(t, do(t, a, dn, Write10(0, 8), data))
	mustGood(t, do(t, a, dn, Read10(0, 8), make([]byte, 8*512)))

	got := make([]byte, 4*512)
	req, done, status := submit(a, dn, Read10(2, 4), got)
	wait(t, done)
	mustGood(t, req)
	if status != Completed {
		t.Fatal("cached read was queued")
	}
	if reads, _ := s.counts(); reads != 1 {
		t.Fatalf("store read %d times", reads)
	}
	if !bytes.Equal(got, data[2*512:6*512]) {
		t.Fatal("cached content differs")
	}

	// Partially outside the cached range.
	mustGood(t, do(t, a, dn, Read10(6, 4), make([]byte, 4*512)))
	if reads, _ := s.counts(); reads != 2 {
		t.Fatalf("store read %d times", reads)
	}

	// A write empties the cache.
	mustGood(t, do(t, a, dn, Write10(7, 1), pattern(512, 50)))
	got = make([]byte, 512)
	mustGood(t, do(t, a, dn, Read10(7, 1), got))
	if reads, _ := s.counts(); reads != 3 || got[0] != 50 {
		t.Fatalf("read after write: %d store reads, byte %d", reads, got[0])
	}
}

func TestWriteProtected(t *testing.T) {
	a := newAdapter(t, Options{})
	dn := create(t, a, CreateParams{Size: 1 << 20, Flags: FlagReadOnly})
	s := spy(a, dn)

	req := do(t, a, dn, Write10(0, 1), make([]byte, 512))
	if req.Result.Cause != errs.CauseWriteProtected || !errors.Is(req.Result.Err, errs.ErrWriteProtected) {
		t.Fatalf("cause %s err %v", req.Result.Cause, req.Result.Err)
	}
	if _, writes := s.counts(); writes != 0 {
		t.Fatal("write reached the store")
	}

	if err := a.SetFlags(dn, FlagReadOnly, 0); err != nil {
		t.Fatal(err)
	}
	mustGood(t, do(t, a, dn, Write10(0, 1), make([]byte, 512)))

	info, _ := a.QueryDevice(dn)
	if info.Flags&FlagModified == 0 {
		t.Fatal("modified flag not set")
	}
}

func TestRequestErrors(t *testing.T) {
	a := newAdapter(t, Options{})
	dn := create(t, a, CreateParams{Size: 64 << 10})

	tests := []struct {
		name  string
		dn    DeviceNumber
		cdb   []byte
		data  []byte
		cause errs.Cause
		err   error
		asc   uint8
	}{
		{"unknown device", DeviceNumber{3, 3, 3}, Read10(0, 1), make([]byte, 512), errs.CauseNotReady, errs.ErrNotFound, errs.ASCMediumNotPresent},
		{"past last block", dn, Read10(127, 2), make([]byte, 1024), errs.CauseIllegalRequest, errs.ErrOutOfRange, errs.ASCLBAOutOfRange},
		{"offset overflow", dn, Read16(1<<62, 1), make([]byte, 512), errs.CauseIllegalRequest, errs.ErrOffsetOverflow, errs.ASCLBAOutOfRange},
		{"lba above int64", dn, Write16(1<<63, 1), make([]byte, 512), errs.CauseIllegalRequest, errs.ErrOffsetOverflow, errs.ASCLBAOutOfRange},
		{"unsupported", dn, []byte{0x12, 0, 0, 0, 36, 0}, make([]byte, 36), errs.CauseIllegalRequest, errs.ErrUnsupported, errs.ASCInvalidCommand},
		{"short buffer", dn, Read10(0, 2), make([]byte, 512), errs.CauseIllegalRequest, errs.ErrInvalidParameter, errs.ASCInvalidFieldInCDB},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, done, status := submit(a, tt.dn, tt.cdb, tt.data)
			if status != Completed {
				t.Fatal("invalid request was queued")
			}
			wait(t, done)
			r := req.Result
			if r.Status != StatusCheckCondition || r.Cause != tt.cause || r.ASC != tt.asc || !errors.Is(r.Err, tt.err) {
				t.Fatalf("got %s asc %#x err %v", r.Cause, r.ASC, r.Err)
			}
		})
	}
}

func TestNotInitialized(t *testing.T) {
	a := newAdapter(t, Options{})

	p, err := CreateParams{Device: DeviceNumber{0, 5, 0}, Size: 4096}.resolve()
	if err != nil {
		t.Fatal(err)
	}
	l, err := a.insert(p)
	if err != nil {
		t.Fatal(err)
	}
	defer a.rollback(l)

	req := do(t, a, p.Device, Read10(0, 1), make([]byte, 512))
	if !errors.Is(req.Result.Err, errs.ErrNotInitialized) || req.Result.Cause != errs.CauseNotReady {
		t.Fatalf("got %s %v", req.Result.Cause, req.Result.Err)
	}
}

func TestCapacityAndControl(t *testing.T) {
	a := newAdapter(t, Options{})
	dn := create(t, a, CreateParams{Size: 1 << 20, BlockSize: 4096})

	buf := make([]byte, 8)
	req := do(t, a, dn, []byte{CmdReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}, buf)
	mustGood(t, req)
	if !bytes.Equal(buf, []byte{0, 0, 0, 255, 0, 0, 16, 0}) || req.Result.Transferred != 8 {
		t.Fatalf("read capacity 10: % x", buf)
	}

	cdb := make([]byte, 16)
	cdb[0], cdb[1], cdb[13] = CmdServiceActionIn16, ServiceActionReadCapacity16, 32
	buf = bytes.Repeat([]byte{0xff}, 32)
	req = do(t, a, dn, cdb, buf)
	mustGood(t, req)
	want := append([]byte{0, 0, 0, 0, 0, 0, 0, 255, 0, 0, 16, 0}, make([]byte, 20)...)
	if !bytes.Equal(buf, want) || req.Result.Transferred != 32 {
		t.Fatalf("read capacity 16: % x", buf)
	}

	mustGood(t, do(t, a, dn, []byte{CmdTestUnitReady, 0, 0, 0, 0, 0}, nil))

	req, done, status := submit(a, dn, SynchronizeCache(), nil)
	wait(t, done)
	mustGood(t, req)
	if status != Pending {
		t.Fatal("synchronize cache was not queued")
	}
}

func TestFifoWithinDevice(t *testing.T) {
	a := newAdapter(t, Options{})
	dn := create(t, a, CreateParams{Size: 1 << 20})
	s := spy(a, dn)
	gate := s.hold()

	var dones []<-chan struct{}
	var want []int64
	for i := 0; i < 10; i++ {
		block := uint32(i*7) % 64
		cdb := Write10(block, 1)
		if i%2 == 1 {
			cdb = Read10(block, 1)
		}
		_, done, status := submit(a, dn, cdb, make([]byte, 512))
		if status != Pending {
			t.Fatalf("request %d not queued", i)
		}
		dones = append(dones, done)
		want = append(want, int64(block)*512)
	}

	close(gate)
	for _, done := range dones {
		wait(t, done)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range want {
		if s.calls[i] != want[i] {
			t.Fatalf("store calls %v, want %v", s.calls, want)
		}
	}
}

func TestDevicesDoNotBlockEachOther(t *testing.T) {
	a := newAdapter(t, Options{})
	slow := create(t, a, CreateParams{Device: AutoDeviceNumber, Size: 1 << 20})
	fast := create(t, a, CreateParams{Device: AutoDeviceNumber, Size: 1 << 20})

	s := spy(a, slow)
	gate := s.hold()

	_, slowDone, _ := submit(a, slow, Read10(0, 1), make([]byte, 512))
	select {
	case <-s.entered:
	case <-time.After(timeout):
		t.Fatal("slow request never reached the store")
	}

	mustGood(t, do(t, a, fast, Write10(0, 1), make([]byte, 512)))

	select {
	case <-slowDone:
		t.Fatal("held request completed")
	default:
	}
	close(gate)
	wait(t, slowDone)
}

func TestPanicBecomesHardwareError(t *testing.T) {
	a := newAdapter(t, Options{})
	dn := create(t, a, CreateParams{Size: 1 << 20})
	s := spy(a, dn)

	s.mu.Lock()
	s.panics = true
	s.mu.Unlock()

	req := do(t, a, dn, Read10(0, 1), make([]byte, 512))
	if req.Result.Cause != errs.CauseHardwareError || !errors.Is(req.Result.Err, errs.ErrIoDevice) {
		t.Fatalf("got %s %v", req.Result.Cause, req.Result.Err)
	}

	s.mu.Lock()
	s.panics = false
	s.mu.Unlock()
	mustGood(t, do(t, a, dn, Read10(0, 1), make([]byte, 512)))
}

func TestCompleteOnce(t *testing.T) {
	calls := 0
	req := &Request{Done: func(*Request) { calls++ }}
	req.complete(512, nil)
	req.complete(0, errs.ErrIoDevice)

	if calls != 1 || req.Result.Status != StatusGood || req.Result.Transferred != 512 {
		t.Fatalf("calls %d result %+v", calls, req.Result)
	}
}

func TestRemoveAll(t *testing.T) {
	a := newAdapter(t, Options{})
	for i := 0; i < 3; i++ {
		create(t, a, CreateParams{Device: AutoDeviceNumber, Size: 64 << 10})
	}
	if n := len(a.QueryAdapter()); n != 3 {
		t.Fatalf("%d devices", n)
	}

	if err := a.RemoveDevice(AllDevices); err != nil {
		t.Fatal(err)
	}
	if err := a.WaitRemoved(context.Background(), AllDevices); err != nil {
		t.Fatal(err)
	}
	if n := len(a.QueryAdapter()); n != 0 {
		t.Fatalf("%d devices after removal", n)
	}

	if err := a.RemoveDevice(DeviceNumber{0, 0, 0}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("removing a removed device: %v", err)
	}
}

func TestRemoveFailsQueuedRequests(t *testing.T) {
	a := newAdapter(t, Options{})
	dn := create(t, a, CreateParams{Size: 1 << 20})
	s := spy(a, dn)
	gate := s.hold()

	first, firstDone, _ := submit(a, dn, Read10(0, 1), make([]byte, 512))
	<-s.entered
	second, secondDone, _ := submit(a, dn, Write10(1, 1), make([]byte, 512))
	third, thirdDone, _ := submit(a, dn, Read10(2, 1), make([]byte, 512))

	if err := a.RemoveDevice(dn); err != nil {
		t.Fatal(err)
	}

	// Stopping devices refuse new work right away.
	req := do(t, a, dn, Read10(3, 1), make([]byte, 512))
	if !errors.Is(req.Result.Err, errs.ErrShuttingDown) {
		t.Fatalf("request to stopping device: %v", req.Result.Err)
	}

	close(gate)
	wait(t, firstDone)
	wait(t, secondDone)
	wait(t, thirdDone)

	mustGood(t, first)
	for _, r := range []*Request{second, third} {
		if r.Result.Cause != errs.CauseNotReady {
			t.Fatalf("queued request completed with %s %v", r.Result.Cause, r.Result.Err)
		}
	}

	if err := a.WaitRemoved(context.Background(), dn); err != nil {
		t.Fatal(err)
	}
	if _, err := a.QueryDevice(dn); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("device still present: %v", err)
	}
}

func TestFakeDiskSignature(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.img")
	image := make([]byte, 4096)
	copy(image, bootSector())
	copy(image[512:], bootSector())
	if err := os.WriteFile(path, image, 0644); err != nil {
		t.Fatal(err)
	}

	a := newAdapter(t, Options{})
	dn := create(t, a, CreateParams{Kind: KindMemory, Path: path, Flags: FlagReadOnly | FlagFakeDiskSignature})

	info, err := a.QueryDevice(dn)
	if err != nil || info.Signature == 0 {
		t.Fatalf("signature %x err %v", info.Signature, err)
	}

	got := make([]byte, 1024)
	mustGood(t, do(t, a, dn, Read10(0, 2), got))
	sig := uint32(got[0x1b8]) | uint32(got[0x1b9])<<8 | uint32(got[0x1ba])<<16 | uint32(got[0x1bb])<<24
	if sig != info.Signature {
		t.Fatalf("first sector signature %x, want %x", sig, info.Signature)
	}
	if !bytes.Equal(got[512:], image[512:1024]) {
		t.Fatal("second sector patched")
	}

	// Reading the second sector alone leaves it untouched.
	got = make([]byte, 512)
	mustGood(t, do(t, a, dn, Read10(1, 1), got))
	if !bytes.Equal(got, image[512:1024]) {
		t.Fatal("non-first sector patched")
	}

	// Writable devices are not patched.
	if err := a.SetFlags(dn, FlagReadOnly, 0); err != nil {
		t.Fatal(err)
	}
	got = make([]byte, 512)
	mustGood(t, do(t, a, dn, Read10(0, 1), got))
	if !bytes.Equal(got, image[:512]) {
		t.Fatal("writable device patched")
	}
}

func TestFakeDiskSignatureDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.img")
	if err := os.WriteFile(path, bootSector(), 0644); err != nil {
		t.Fatal(err)
	}

	a := newAdapter(t, Options{})
	dn := create(t, a, CreateParams{Kind: KindMemory, Path: path, Flags: FlagReadOnly})

	got := make([]byte, 512)
	mustGood(t, do(t, a, dn, Read10(0, 1), got))
	if !bytes.Equal(got, bootSector()) {
		t.Fatal("sector patched without the feature flag")
	}
}

func TestSetFlags(t *testing.T) {
	a := newAdapter(t, Options{})
	hd := create(t, a, CreateParams{Size: 4096})

	if err := a.SetFlags(hd, FlagModified, FlagModified); !errors.Is(err, errs.ErrInvalidParameter) {
		t.Fatalf("modified flag changed: %v", err)
	}
	if err := a.SetFlags(DeviceNumber{9, 9, 9}, FlagReadOnly, 0); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown device: %v", err)
	}

	if err := a.SetFlags(hd, FlagFakeDiskSignature, FlagFakeDiskSignature); err != nil {
		t.Fatal(err)
	}
	if info, _ := a.QueryDevice(hd); info.Signature == 0 || info.Flags&FlagFakeDiskSignature == 0 {
		t.Fatalf("signature not generated: %+v", info)
	}

	iso := filepath.Join(t.TempDir(), "cd.iso")
	if err := os.WriteFile(iso, make([]byte, 8192), 0644); err != nil {
		t.Fatal(err)
	}
	cd := create(t, a, CreateParams{Device: AutoDeviceNumber, Path: iso})
	info, _ := a.QueryDevice(cd)
	if info.Class != ClassCDROM || info.BlockSize != 2048 || info.Blocks != 4 || info.Flags&FlagReadOnly == 0 {
		t.Fatalf("cd-rom %+v", info)
	}
	if err := a.SetFlags(cd, FlagReadOnly, 0); !errors.Is(err, errs.ErrInvalidParameter) {
		t.Fatalf("cd-rom made writable: %v", err)
	}
}

func TestCloseRejectsNewDevices(t *testing.T) {
	a := New(Options{})
	create(t, a, CreateParams{Size: 4096})

	if err := a.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(a.QueryAdapter()); n != 0 {
		t.Fatalf("%d devices after close", n)
	}
	if _, err := a.CreateDevice(context.Background(), CreateParams{Size: 4096}); !errors.Is(err, errs.ErrShuttingDown) {
		t.Fatalf("create after close: %v", err)
	}
}
