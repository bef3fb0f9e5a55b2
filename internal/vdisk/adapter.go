// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package vdisk implements the virtual disk adapter. It keeps the registry
// of logical units, dispatches block commands to them and runs the workers
// which perform the blocking I/O against the backing stores.
//
// There are two execution contexts. Dispatch never blocks: it only takes
// short locks, answers what it can from memory and queues the rest. Workers
// are goroutines which are allowed to block on files, sockets and events.
// There is one global worker which sets up new devices and one worker per
// device which serves that device's queue in arrival order, so a slow
// backing store stalls only its own device.
package vdisk

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/vdisk/internal/config"
	"github.com/asch/vdisk/internal/errs"
	"github.com/asch/vdisk/internal/vdisk/backing"
	"github.com/asch/vdisk/internal/vdisk/backing/objstore"
	"github.com/asch/vdisk/internal/vdisk/backing/objstore/s3"
)

// ObjectStoreFactory returns the object backend for an object disk. The
// prefix is the Path of the device.
type ObjectStoreFactory func(prefix string) (objstore.ObjectStore, error)

// Options to use in New() function due to high number of parameters.
type Options struct {
	// MaxDevices bounds the registry. Zero means no bound besides the
	// device number space.
	MaxDevices int

	// MaxQueryDevices bounds the QueryAdapter result.
	MaxQueryDevices int

	// TeardownTimeout bounds Close and WaitRemoved when the context has
	// no deadline.
	TeardownTimeout time.Duration

	// Proxy service endpoint, shared memory directory and dial timeout
	// for proxy disks.
	ProxyService    string
	SharedMemoryDir string
	DialTimeout     time.Duration

	// Object disks.
	ObjectStores   ObjectStoreFactory
	ChunkSize      int64
	Uploaders      int
	Downloaders    int
	SkipCheckpoint bool

	// SignatureSeed seeds the fake disk signature generator. Zero uses
	// the current time.
	SignatureSeed int64
}

// Adapter owns all logical units.
type Adapter struct {
	opts Options

	// Registry lock. Held only for map operations and flag changes,
	// never across I/O.
	mu      sync.RWMutex
	devices map[DeviceNumber]*lu
	closed  bool
	rnd     *rand.Rand

	global *createQueue

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	waitOnce sync.Once
}

type createQueue = workQueue[*createItem]

// lu is the live state of one logical unit.
type lu struct {
	// Flags are guarded by Adapter.mu. Size is written once by the
	// global worker before initialized is set.
	params    CreateParams
	shift     uint
	blocks    int64
	signature uint32

	// ioOffset is added to disk offsets. Memory disks hold only the
	// disk bytes so it is zero for them.
	ioOffset int64
	preload  string

	store backing.Store
	queue *workQueue[*workItem]
	cache lastIO

	// Owned by the device worker.
	scratch []byte

	initialized atomic.Bool
	stopping    atomic.Bool
	modified    atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once

	// missing is closed when the device is gone from the registry and
	// its store is released.
	missing chan struct{}
}

func newLU(p CreateParams) *lu {
	return &lu{
		params:  p,
		shift:   p.blockShift(),
		queue:   newWorkQueue[*workItem](),
		stop:    make(chan struct{}),
		missing: make(chan struct{}),
	}
}

// signalStop asks the device worker to exit after the current item.
func (l *lu) signalStop() {
	l.stopOnce.Do(func() {
		l.stopping.Store(true)
		close(l.stop)
	})
}

// DefaultOptions returns options filled from the global configuration with
// S3 as the object backend.
func DefaultOptions() Options {
	cfg := &config.Cfg

	return Options{
		MaxDevices:      cfg.Adapter.MaxDevices,
		MaxQueryDevices: cfg.Adapter.MaxQueryDevices,
		TeardownTimeout: time.Duration(cfg.Adapter.TeardownTimeoutMs) * time.Millisecond,
		ProxyService:    cfg.Proxy.Service,
		SharedMemoryDir: cfg.Proxy.SharedMemoryDir,
		DialTimeout:     time.Duration(cfg.Proxy.DialTimeoutMs) * time.Millisecond,
		ChunkSize:       cfg.Object.ChunkSize,
		Uploaders:       cfg.Object.Uploaders,
		Downloaders:     cfg.Object.Downloaders,
		SkipCheckpoint:  cfg.Object.SkipCheckpoint,
		SignatureSeed:   cfg.Adapter.SignatureSeed,
		ObjectStores: func(prefix string) (objstore.ObjectStore, error) {
			return s3.New(s3.Options{
				Remote:    cfg.S3.Remote,
				Region:    cfg.S3.Region,
				Bucket:    cfg.S3.Bucket,
				Prefix:    prefix,
				AccessKey: cfg.S3.AccessKey,
				SecretKey: cfg.S3.SecretKey,
			})
		},
	}
}

// Returns adapter with default configuration.
func NewWithDefaults() *Adapter {
	return New(DefaultOptions())
}

// New returns a running adapter without devices.
func New(o Options) *Adapter {
	if o.MaxQueryDevices <= 0 {
		o.MaxQueryDevices = 256
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = 10 * time.Second
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 4 << 20
	}

	seed := o.SignatureSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	base, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(base)

	a := &Adapter{
		opts:    o,
		devices: make(map[DeviceNumber]*lu),
		rnd:     rand.New(rand.NewSource(seed)),
		global:  newWorkQueue[*createItem](),
		group:   group,
		ctx:     ctx,
		cancel:  cancel,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	a.group.Go(a.runGlobal)

	return a
}

// teardownContext applies the teardown timeout when ctx has no deadline.
func (a *Adapter) teardownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, a.opts.TeardownTimeout)
}

// Close stops every device and the global worker and waits for them. When
// the wait times out, blocking backing store calls are cancelled and the
// timeout is reported.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	for _, l := range a.devices {
		l.signalStop()
	}
	a.mu.Unlock()

	a.stopOnce.Do(func() { close(a.stop) })
	a.waitOnce.Do(func() {
		go func() {
			a.group.Wait()
			close(a.done)
		}()
	})

	ctx, cancel := a.teardownContext(ctx)
	defer cancel()

	select {
	case <-a.done:
		a.cancel()
		log.Info().Msg("Adapter stopped.")
		return nil
	case <-ctx.Done():
		a.cancel()
		log.Error().Err(ctx.Err()).Msg("Adapter teardown timed out, cancelling in-flight I/O.")
		return fmt.Errorf("%w: adapter teardown: %v", errs.ErrCancelled, ctx.Err())
	}
}
