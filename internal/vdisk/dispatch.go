// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vdisk

import (
	"fmt"
	"math"

	"github.com/johncgriffin/overflow"

	"github.com/asch/vdisk/internal/errs"
	"github.com/asch/vdisk/internal/vdisk/tag"
)

// Dispatch classifies req and either completes it right away or queues it
// for the device worker. It never waits for I/O. Done is called exactly
// once in both cases, before Dispatch returns Completed.
func (a *Adapter) Dispatch(req *Request) DispatchStatus {
	if req.Tag == 0 {
		req.Tag = tag.Next()
	}

	queued, n, err := a.route(req)
	if queued {
		return Pending
	}

	// Completion runs outside the registry lock so Done may call back
	// into the adapter.
	req.complete(n, err)

	return Completed
}

// route does everything Dispatch needs the registry lock for.
func (a *Adapter) route(req *Request) (queued bool, n int, err error) {
	cmd, err := decode(req.CDB)
	if err != nil {
		return false, 0, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	l, ok := a.devices[req.Device]
	if !ok {
		return false, 0, fmt.Errorf("%w: %s", errs.ErrNotFound, req.Device)
	}
	if !l.initialized.Load() {
		return false, 0, fmt.Errorf("%w: %s", errs.ErrNotInitialized, req.Device)
	}
	if l.stopping.Load() {
		return false, 0, fmt.Errorf("%w: %s", errs.ErrShuttingDown, req.Device)
	}

	switch cmd.op {
	case CmdTestUnitReady:
		return false, 0, nil

	case CmdReadCapacity10:
		last := l.blocks - 1
		if last > math.MaxUint32 {
			last = math.MaxUint32
		}
		buf, err := packCapacity(&ReadCapacity10Data{
			LastLBA:     uint32(last),
			BlockLength: l.params.BlockSize,
		}, 8)
		if err != nil {
			return false, 0, fmt.Errorf("%w: %v", errs.ErrIoDevice, err)
		}
		return false, copy(req.Data, buf), nil

	case CmdServiceActionIn16:
		buf, err := packCapacity(&ReadCapacity16Data{
			LastLBA:     uint64(l.blocks - 1),
			BlockLength: l.params.BlockSize,
		}, readCapacity16Length)
		if err != nil {
			return false, 0, fmt.Errorf("%w: %v", errs.ErrIoDevice, err)
		}
		return false, copy(req.Data[:min(len(req.Data), int(cmd.alloc))], buf), nil

	case CmdSynchronizeCache:
		l.queue.push(&workItem{req: req, op: opFlush})
		return true, 0, nil
	}

	return a.routeIO(l, req, cmd)
}

// routeIO validates a READ or WRITE and serves it from the last I/O cache
// or queues it. Caller holds a.mu.
func (a *Adapter) routeIO(l *lu, req *Request, cmd command) (bool, int, error) {
	bs := int64(l.params.BlockSize)

	if cmd.lba > math.MaxInt64 {
		return false, 0, fmt.Errorf("%w: block %d", errs.ErrOffsetOverflow, cmd.lba)
	}
	lba := int64(cmd.lba)
	off, ok := overflow.Mul64(lba, bs)
	if !ok {
		return false, 0, fmt.Errorf("%w: block %d", errs.ErrOffsetOverflow, cmd.lba)
	}

	length := int64(req.TransferLength)
	if length == 0 {
		if length, ok = overflow.Mul64(int64(cmd.blocks), bs); !ok {
			return false, 0, fmt.Errorf("%w: %d blocks", errs.ErrOffsetOverflow, cmd.blocks)
		}
	}
	if length&(bs-1) != 0 {
		return false, 0, fmt.Errorf("%w: transfer length %d is not a multiple of block size %d",
			errs.ErrInvalidParameter, length, bs)
	}
	if int64(len(req.Data)) < length {
		return false, 0, fmt.Errorf("%w: buffer of %d bytes for transfer of %d",
			errs.ErrInvalidParameter, len(req.Data), length)
	}

	write := cmd.isWrite()
	if write && l.params.Flags&FlagReadOnly != 0 {
		return false, 0, fmt.Errorf("%w: %s", errs.ErrWriteProtected, req.Device)
	}

	end, ok := overflow.Add64(lba, length>>l.shift)
	if !ok || end > l.blocks {
		return false, 0, fmt.Errorf("%w: blocks %d+%d of %d", errs.ErrOutOfRange, lba, length>>l.shift, l.blocks)
	}

	if length == 0 {
		return false, 0, nil
	}

	data := req.Data[:length]
	if !write && l.cache.lookup(data, off) {
		return false, len(data), nil
	}

	op := opRead
	if write {
		op = opWrite
		l.cache.beginWrite()
	}
	l.queue.push(&workItem{req: req, op: op, off: off, length: int(length)})

	return true, 0, nil
}
