// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vdisk

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/asch/vdisk/internal/errs"
)

// createItem asks the global worker to set up the backing store of l.
type createItem struct {
	l    *lu
	done chan<- error
}

// CreateDevice registers a new device and sets up its backing store. The
// device is in the registry, not yet initialized, as soon as this is
// called. The backing store is opened by the global worker and the call
// waits for it. A setup failure removes the device again.
//
// When ctx is cancelled before the setup finishes, ErrCancelled is returned
// but the setup still completes in the background.
func (a *Adapter) CreateDevice(ctx context.Context, p CreateParams) (DeviceNumber, error) {
	p, err := p.resolve()
	if err != nil {
		return p.Device, err
	}

	l, err := a.insert(p)
	if err != nil {
		return p.Device, err
	}
	dn := l.params.Device

	done := make(chan error, 1)
	a.global.push(&createItem{l: l, done: done})

	select {
	case err := <-done:
		if err != nil {
			return dn, err
		}
	case <-ctx.Done():
		return dn, fmt.Errorf("%w: create %s: %v", errs.ErrCancelled, dn, ctx.Err())
	}

	log.Info().Str("dev", dn.String()).Str("kind", p.Kind.String()).Str("class", p.Class.String()).
		Str("path", p.Path).Int64("size", l.params.Size).Uint32("block", p.BlockSize).
		Str("flags", p.Flags.String()).Msg("Device created.")

	return dn, nil
}

// insert adds an uninitialized device under the registry lock.
func (a *Adapter) insert(p CreateParams) (*lu, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, fmt.Errorf("%w: adapter closed", errs.ErrShuttingDown)
	}
	if a.opts.MaxDevices > 0 && len(a.devices) >= a.opts.MaxDevices {
		return nil, fmt.Errorf("%w: %d devices", errs.ErrInsufficientResources, len(a.devices))
	}

	if p.Device == AutoDeviceNumber {
		dn, ok := a.freeDeviceNumber()
		if !ok {
			return nil, fmt.Errorf("%w: no free device number", errs.ErrInsufficientResources)
		}
		p.Device = dn
	} else if _, ok := a.devices[p.Device]; ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrAlreadyExists, p.Device)
	}

	l := newLU(p)
	if p.Flags&FlagFakeDiskSignature != 0 {
		l.signature = a.newSignature()
	}
	a.devices[p.Device] = l

	return l, nil
}

// freeDeviceNumber returns the lowest unused number. Caller holds a.mu.
func (a *Adapter) freeDeviceNumber() (DeviceNumber, bool) {
	for v := uint32(0); v < AllDevices.Long(); v++ {
		dn := DeviceNumberFromLong(v)
		if dn.PathID == 0xff || dn.TargetID == 0xff || dn.Lun == 0xff {
			continue
		}
		if _, ok := a.devices[dn]; !ok {
			return dn, true
		}
	}

	return DeviceNumber{}, false
}

// newSignature returns a nonzero pseudo random disk signature. Caller holds
// a.mu.
func (a *Adapter) newSignature() uint32 {
	for {
		if s := a.rnd.Uint32(); s != 0 {
			return s
		}
	}
}

// rollback removes a device whose setup failed. Its worker never ran.
func (a *Adapter) rollback(l *lu) {
	a.unregister(l)
	close(l.missing)
}

// unregister removes l from the registry if it is still there.
func (a *Adapter) unregister(l *lu) {
	a.mu.Lock()
	if a.devices[l.params.Device] == l {
		delete(a.devices, l.params.Device)
	}
	a.mu.Unlock()
}

func (a *Adapter) info(l *lu) DeviceInfo {
	p := l.params
	if l.modified.Load() {
		p.Flags |= FlagModified
	}

	return DeviceInfo{
		CreateParams: p,
		Blocks:       l.blocks,
		Signature:    l.signature,
		Initialized:  l.initialized.Load(),
		Stopping:     l.stopping.Load(),
	}
}

// QueryDevice returns the parameters and state of one device.
func (a *Adapter) QueryDevice(dn DeviceNumber) (DeviceInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	l, ok := a.devices[dn]
	if !ok {
		return DeviceInfo{}, fmt.Errorf("%w: %s", errs.ErrNotFound, dn)
	}

	return a.info(l), nil
}

// QueryAdapter lists the devices in the registry ordered by device number,
// at most MaxQueryDevices of them.
func (a *Adapter) QueryAdapter() []DeviceInfo {
	a.mu.RLock()
	list := make([]DeviceInfo, 0, len(a.devices))
	for _, l := range a.devices {
		list = append(list, a.info(l))
	}
	a.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Device.Long() < list[j].Device.Long()
	})

	if len(list) > a.opts.MaxQueryDevices {
		list = list[:a.opts.MaxQueryDevices]
	}

	return list
}

// RemoveDevice signals the matching devices to stop and returns. The device
// leaves the registry once its worker has quiesced, see WaitRemoved.
func (a *Adapter) RemoveDevice(dn DeviceNumber) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if dn == AllDevices {
		for _, l := range a.devices {
			l.signalStop()
		}
		log.Info().Int("devices", len(a.devices)).Msg("Removing all devices.")
		return nil
	}

	l, ok := a.devices[dn]
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrNotFound, dn)
	}
	l.signalStop()
	log.Info().Str("dev", dn.String()).Msg("Removing device.")

	return nil
}

// WaitRemoved waits until every stopping device matching dn is gone.
func (a *Adapter) WaitRemoved(ctx context.Context, dn DeviceNumber) error {
	var waiting []*lu

	a.mu.RLock()
	for _, l := range a.devices {
		if (dn == AllDevices || l.params.Device == dn) && l.stopping.Load() {
			waiting = append(waiting, l)
		}
	}
	a.mu.RUnlock()

	ctx, cancel := a.teardownContext(ctx)
	defer cancel()

	for _, l := range waiting {
		select {
		case <-l.missing:
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for %s: %v", errs.ErrCancelled, l.params.Device, ctx.Err())
		}
	}

	return nil
}

// SetFlags replaces the bits in mask with values. Only MutableFlags may be
// changed. The registry lock keeps the change away from requests being
// dispatched.
func (a *Adapter) SetFlags(dn DeviceNumber, mask, values Flags) error {
	if mask&^MutableFlags != 0 {
		return fmt.Errorf("%w: flags %s cannot be changed", errs.ErrInvalidParameter, mask&^MutableFlags)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.devices[dn]
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrNotFound, dn)
	}
	if l.params.Class == ClassCDROM {
		locked := mask & (FlagReadOnly | FlagRemovable)
		if values&locked != locked {
			return fmt.Errorf("%w: cd-rom is always read-only and removable", errs.ErrInvalidParameter)
		}
	}

	l.params.Flags = l.params.Flags&^mask | values&mask
	if l.params.Flags&FlagFakeDiskSignature != 0 && l.signature == 0 {
		l.signature = a.newSignature()
	}
	l.cache.invalidate()

	log.Info().Str("dev", dn.String()).Str("flags", l.params.Flags.String()).Msg("Device flags changed.")

	return nil
}
