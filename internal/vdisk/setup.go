// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vdisk

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/asch/vdisk/internal/errs"
	"github.com/asch/vdisk/internal/vdisk/backing"
	"github.com/asch/vdisk/internal/vdisk/backing/objstore"
)

// runGlobal is the global worker. It sets up backing stores of new devices
// one at a time.
func (a *Adapter) runGlobal() error {
	log.Debug().Msg("Global worker started.")

	for {
		select {
		case <-a.stop:
			for _, item := range a.global.drain() {
				a.rollback(item.l)
				item.done <- fmt.Errorf("%w: adapter closed", errs.ErrShuttingDown)
			}
			log.Debug().Msg("Global worker stopped.")
			return nil
		case <-a.global.ready():
		}

		for {
			select {
			case <-a.stop:
			default:
				if item, ok := a.global.pop(); ok {
					a.setup(item)
					continue
				}
			}
			break
		}
	}
}

// medium is what open returns for one device.
type medium struct {
	store    backing.Store
	size     int64
	ioOffset int64
	preload  string
	readOnly bool
}

// setup opens the backing store and starts the device worker. Memory disks
// with a preload file report the result from their worker once the file is
// loaded, everything else reports here.
func (a *Adapter) setup(item *createItem) {
	l := item.l

	a.mu.RLock()
	p := l.params
	a.mu.RUnlock()

	if l.stopping.Load() {
		a.rollback(l)
		item.done <- fmt.Errorf("%w: %s removed during creation", errs.ErrShuttingDown, p.Device)
		return
	}

	m, err := a.open(a.ctx, p)
	if err == nil && m.size>>l.shift == 0 {
		m.store.Close()
		err = fmt.Errorf("%w: disk %s smaller than one block", errs.ErrInvalidParameter, p.Device)
	}
	if err != nil {
		log.Error().Err(err).Str("dev", p.Device.String()).Str("path", p.Path).Msg("Device setup failed.")
		a.rollback(l)
		item.done <- err
		return
	}

	a.mu.Lock()
	if l.stopping.Load() {
		a.mu.Unlock()
		m.store.Close()
		a.rollback(l)
		item.done <- fmt.Errorf("%w: %s removed during creation", errs.ErrShuttingDown, p.Device)
		return
	}
	l.store = m.store
	l.params.Size = m.size
	l.blocks = m.size >> l.shift
	l.ioOffset = m.ioOffset
	l.preload = m.preload
	if m.readOnly {
		l.params.Flags |= FlagReadOnly
	}
	a.mu.Unlock()

	// The worker reports the preload result, everything else is ready.
	var preload chan<- error
	if l.preload != "" {
		preload = item.done
	} else {
		l.initialized.Store(true)
		item.done <- nil
	}

	a.group.Go(func() error {
		a.serve(l, preload)
		return nil
	})
}

// open performs the kind specific part of the setup and derives the disk
// size from the medium when none was given.
func (a *Adapter) open(ctx context.Context, p CreateParams) (medium, error) {
	var m medium
	readOnly := p.Flags&FlagReadOnly != 0

	switch p.Kind {
	case KindFile:
		var minSize int64
		if p.Size > 0 {
			minSize = p.Size + p.ImageOffset
		}

		f, err := backing.OpenFile(backing.FileOptions{
			Path:     p.Path,
			ReadOnly: readOnly,
			Sparse:   p.Flags&FlagSparse != 0,
			MinSize:  minSize,
		})
		if err != nil {
			return m, err
		}
		m.store, m.ioOffset = f, p.ImageOffset

	case KindMemory:
		size := p.Size
		if size == 0 && p.Path != "" {
			st, err := os.Stat(p.Path)
			if err != nil {
				return m, fmt.Errorf("%w: preload %s: %v", errs.ErrIoDevice, p.Path, err)
			}
			size = st.Size() - p.ImageOffset
		}
		if size <= 0 {
			return m, fmt.Errorf("%w: memory disk without size", errs.ErrInvalidParameter)
		}

		mem, err := backing.NewMemory(size)
		if err != nil {
			return m, err
		}
		m.store, m.size, m.preload = mem, size, p.Path
		return m, nil

	case KindProxy:
		px, err := backing.DialProxy(ctx, backing.ProxyOptions{
			Subtype:         p.ProxySubtype,
			Object:          p.Path,
			ServiceAddress:  a.opts.ProxyService,
			SharedMemoryDir: a.opts.SharedMemoryDir,
			DialTimeout:     a.opts.DialTimeout,
		})
		if err != nil {
			return m, err
		}
		m.store, m.ioOffset, m.readOnly = px, p.ImageOffset, px.Info().ReadOnly

	case KindObject:
		if a.opts.ObjectStores == nil {
			return m, fmt.Errorf("%w: no object backend configured", errs.ErrInvalidParameter)
		}
		if p.Size == 0 {
			return m, fmt.Errorf("%w: object disk without size", errs.ErrInvalidParameter)
		}

		instance, err := a.opts.ObjectStores(p.Path)
		if err != nil {
			return m, fmt.Errorf("%w: object backend %s: %v", errs.ErrIoDevice, p.Path, err)
		}
		s, err := objstore.New(ctx, instance, objstore.Options{
			Size:        p.Size + p.ImageOffset,
			ChunkSize:   a.opts.ChunkSize,
			Uploaders:   a.opts.Uploaders,
			Downloaders: a.opts.Downloaders,
			Checkpoint:  !a.opts.SkipCheckpoint,
		})
		if err != nil {
			return m, err
		}
		m.store, m.ioOffset = s, p.ImageOffset

	default:
		return m, fmt.Errorf("%w: backing kind %s", errs.ErrInvalidParameter, p.Kind)
	}

	m.size = p.Size
	if m.size == 0 {
		total, err := m.store.Size(ctx)
		if err != nil {
			m.store.Close()
			return m, errs.Wrap("medium size", 0, 0, err)
		}
		m.size = total - p.ImageOffset
	}
	if m.size <= 0 {
		m.store.Close()
		return m, fmt.Errorf("%w: medium %s has no data past offset %d", errs.ErrInvalidParameter, p.Path, p.ImageOffset)
	}

	return m, nil
}
