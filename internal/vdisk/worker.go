// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vdisk

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/asch/vdisk/internal/errs"
	"github.com/asch/vdisk/internal/vdisk/backing"
)

type opcode uint8

const (
	opRead opcode = iota
	opWrite
	opFlush
)

func (o opcode) String() string {
	switch o {
	case opRead:
		return "read"
	case opWrite:
		return "write"
	}

	return "flush"
}

// workItem is one queued request. It belongs to the queue from push until
// pop and to the device worker afterwards.
type workItem struct {
	req    *Request
	op     opcode
	off    int64
	length int
}

// serve is the device worker. done receives the preload result of memory
// disks and is nil otherwise.
func (a *Adapter) serve(l *lu, done chan<- error) {
	dn := l.params.Device
	log.Debug().Str("dev", dn.String()).Msg("Device worker started.")

	if l.preload != "" {
		err := l.store.(*backing.Memory).Preload(l.preload, l.params.ImageOffset)
		if err != nil {
			log.Error().Err(err).Str("dev", dn.String()).Str("path", l.preload).Msg("Preload failed.")
			a.teardown(l)
			done <- err
			return
		}
		log.Info().Str("dev", dn.String()).Str("path", l.preload).Int64("size", l.params.Size).Msg("Image preloaded.")
		l.initialized.Store(true)
		done <- nil
	}

	for {
		select {
		case <-l.stop:
			a.teardown(l)
			return
		case <-l.queue.ready():
		}

		for !l.stopping.Load() {
			item, ok := l.queue.pop()
			if !ok {
				break
			}
			a.execute(l, item)
		}
	}
}

// teardown removes the device from the registry, fails whatever is still
// queued and releases the backing store. Nothing can be queued once the
// device is out of the registry.
func (a *Adapter) teardown(l *lu) {
	dn := l.params.Device
	a.unregister(l)

	items := l.queue.drain()
	for _, item := range items {
		if item.op == opWrite {
			l.cache.endWrite()
		}
		item.req.complete(0, fmt.Errorf("%w: %s", errs.ErrShuttingDown, dn))
	}

	if err := l.store.Close(); err != nil {
		log.Error().Err(err).Str("dev", dn.String()).Msg("Closing backing store failed.")
	}
	close(l.missing)

	log.Info().Str("dev", dn.String()).Int("failed", len(items)).Msg("Device removed.")
}

// execute performs one item and completes its request.
func (a *Adapter) execute(l *lu, item *workItem) {
	n, err := a.perform(l, item)
	item.req.complete(n, err)
}

func (a *Adapter) perform(l *lu, item *workItem) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("dev", l.params.Device.String()).Uint64("tag", item.req.Tag).
				Interface("panic", r).Msg("Request handling panicked.")
			n, err = 0, errs.Wrap(item.op.String(), item.off, int64(item.length),
				fmt.Errorf("%w: %v", errs.ErrIoDevice, r))
		}
	}()

	log.Trace().Str("dev", l.params.Device.String()).Uint64("tag", item.req.Tag).
		Str("op", item.op.String()).Int64("offset", item.off).Int("length", item.length).Send()

	switch item.op {
	case opRead:
		return a.read(l, item)
	case opWrite:
		defer l.cache.endWrite()
		return a.write(l, item)
	}

	if f, ok := l.store.(backing.Flusher); ok {
		err = errs.Wrap("flush", 0, 0, f.Flush(a.ctx))
	}

	return 0, err
}

// buffer returns the scratch buffer with length n.
func (l *lu) buffer(n int) []byte {
	if cap(l.scratch) < n {
		l.scratch = make([]byte, n)
	}

	return l.scratch[:n]
}

func (a *Adapter) read(l *lu, item *workItem) (int, error) {
	buf := l.buffer(item.length)

	if _, err := l.store.ReadAt(a.ctx, buf, l.ioOffset+item.off); err != nil {
		return 0, errs.Wrap("read", item.off, int64(item.length), err)
	}

	if item.off == 0 {
		a.patchSignature(l, buf)
	}

	n := copy(item.req.Data, buf)

	// The cache takes the buffer, the previous cached one becomes the
	// scratch buffer.
	l.scratch = l.cache.replace(buf, item.off)

	return n, nil
}

func (a *Adapter) write(l *lu, item *workItem) (int, error) {
	buf := l.buffer(item.length)
	copy(buf, item.req.Data)

	n, err := l.store.WriteAt(a.ctx, buf, l.ioOffset+item.off)
	if err != nil {
		return n, errs.Wrap("write", item.off, int64(item.length), err)
	}
	l.modified.Store(true)

	return n, nil
}
