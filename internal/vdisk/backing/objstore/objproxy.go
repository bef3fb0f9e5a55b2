// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/asch/vdisk/internal/errs"
)

// ErrNoObject is returned by ObjectStore.ObjectSize when the object does
// not exist.
var ErrNoObject = errors.New("no such object")

// ObjectStore is the interface for the object backend. Anything
// implementing it can hold a chunked disk.
type ObjectStore interface {
	// Upload stores buf under key, replacing any previous object.
	Upload(ctx context.Context, key int64, buf []byte) error

	// DownloadAt fills buf from offset of the object identified by key.
	DownloadAt(ctx context.Context, key int64, buf []byte, offset int64) error

	// ObjectSize returns the size of the object identified by key. A
	// missing object is reported as ErrNoObject.
	ObjectSize(ctx context.Context, key int64) (int64, error)

	Delete(ctx context.Context, key int64) error
}

// ObjectProxy limits the number of concurrent transfers to the object
// backend and prioritizes requests. Requests coming to the priority channels
// are handled first, so background work like checkpointing does not slow
// down disk I/O.
type ObjectProxy struct {
	Instance ObjectStore

	uploads       chan request
	downloads     chan request
	uploadsPrio   chan request
	downloadsPrio chan request

	quit chan struct{}
}

// request is internal structure for wrapping the communication into
// channels.
type request struct {
	ctx    context.Context
	key    int64
	data   []byte
	offset int64
	done   chan error
}

// NewObjectProxy returns a proxy with uploaders and downloaders workers
// already running. Close stops them.
func NewObjectProxy(instance ObjectStore, uploaders, downloaders int) *ObjectProxy {
	if uploaders < 1 {
		uploaders = 1
	}
	if downloaders < 1 {
		downloaders = 1
	}

	p := &ObjectProxy{
		Instance:      instance,
		uploads:       make(chan request),
		downloads:     make(chan request),
		uploadsPrio:   make(chan request),
		downloadsPrio: make(chan request),
		quit:          make(chan struct{}),
	}

	for i := 0; i < uploaders; i++ {
		go p.worker(p.uploadsPrio, p.uploads, func(r request) error {
			return p.Instance.Upload(r.ctx, r.key, r.data)
		})
	}

	for i := 0; i < downloaders; i++ {
		go p.worker(p.downloadsPrio, p.downloads, func(r request) error {
			return p.Instance.DownloadAt(r.ctx, r.key, r.data, r.offset)
		})
	}

	return p
}

// Upload the object with key. It selects the right channel according to
// prio and waits for the reply.
func (p *ObjectProxy) Upload(ctx context.Context, key int64, body []byte, prio bool) error {
	c := p.uploads
	if prio {
		c = p.uploadsPrio
	}

	return p.submit(ctx, c, request{ctx: ctx, key: key, data: body})
}

// Download part of the object with key into chunk. It selects the right
// channel according to prio and waits for the reply.
func (p *ObjectProxy) Download(ctx context.Context, key int64, chunk []byte, offset int64, prio bool) error {
	c := p.downloads
	if prio {
		c = p.downloadsPrio
	}

	return p.submit(ctx, c, request{ctx: ctx, key: key, data: chunk, offset: offset})
}

func (p *ObjectProxy) submit(ctx context.Context, c chan request, r request) error {
	r.done = make(chan error, 1)

	select {
	case <-p.quit:
		return fmt.Errorf("%w: object proxy closed", errs.ErrNotInitialized)
	default:
	}

	select {
	case c <- r:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
	case <-p.quit:
		return fmt.Errorf("%w: object proxy closed", errs.ErrNotInitialized)
	}

	return <-r.done
}

// receive prefers the priority channel.
func (p *ObjectProxy) receive(prio, normal chan request) (request, bool) {
	select {
	case r := <-prio:
		return r, true
	default:
	}

	select {
	case r := <-prio:
		return r, true
	case r := <-normal:
		return r, true
	case <-p.quit:
		return request{}, false
	}
}

func (p *ObjectProxy) worker(prio, normal chan request, do func(request) error) {
	for {
		r, ok := p.receive(prio, normal)
		if !ok {
			return
		}
		r.done <- do(r)
	}
}

// Close stops all workers. Pending submissions fail.
func (p *ObjectProxy) Close() {
	close(p.quit)
}
