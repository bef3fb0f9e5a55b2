// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package frontend exposes one virtual disk as a BUSE block device. It
// implements the BuseReadWriter interface and turns the kernel's reads and
// write chunks into block commands for the adapter.
package frontend

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/vdisk/internal/errs"
	"github.com/asch/vdisk/internal/vdisk"
)

const (
	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	writeItemSize = 32

	// The kernel reports write positions in 512 byte sectors regardless of
	// the device block size.
	sectorUnit = 512
)

// Disk serves one device of the adapter.
type Disk struct {
	adapter *vdisk.Adapter
	dev     vdisk.DeviceNumber

	blockSize    int64
	metadataSize int

	// removeOnExit removes the device from the adapter in BusePostRemove.
	removeOnExit bool
}

// Options to use in New() function.
type Options struct {
	Device vdisk.DeviceNumber

	// WriteChunkSize is the size of the write chunk the kernel hands over
	// in BuseWrite.
	WriteChunkSize int64

	RemoveOnExit bool
}

// extent is one write described in the metadata part of a write chunk.
// Sector and Length are in device blocks.
type extent struct {
	Sector int64
	Length int64
	SeqNo  int64
	Flag   int64
}

// New returns a Disk for an initialized device. The block size of the BUSE
// device must be the block size of the virtual disk.
func New(a *vdisk.Adapter, o Options) (*Disk, error) {
	info, err := a.QueryDevice(o.Device)
	if err != nil {
		return nil, err
	}
	if !info.Initialized {
		return nil, fmt.Errorf("%w: %s", errs.ErrNotInitialized, o.Device)
	}

	bs := int64(info.BlockSize)
	if o.WriteChunkSize < bs || o.WriteChunkSize%bs != 0 {
		return nil, fmt.Errorf("%w: write chunk of %d bytes with %d byte blocks",
			errs.ErrInvalidParameter, o.WriteChunkSize, bs)
	}

	return &Disk{
		adapter:      a,
		dev:          o.Device,
		blockSize:    bs,
		metadataSize: int(o.WriteChunkSize / bs * writeItemSize),
		removeOnExit: o.RemoveOnExit,
	}, nil
}

// Size of the device in bytes and its block size, for the BUSE options.
func (d *Disk) Size() (int64, int64, error) {
	info, err := d.adapter.QueryDevice(d.dev)
	if err != nil {
		return 0, 0, err
	}

	return info.Size, d.blockSize, nil
}

// BuseWrite replays all writes of the chunk in order. The first part of the
// chunk is metadata for each write, the data of all writes follow in the
// same order.
func (d *Disk) BuseWrite(writes int64, chunk []byte) error {
	metadata := chunk[:d.metadataSize]
	data := chunk[d.metadataSize:]

	for i := int64(0); i < writes; i++ {
		e := d.parseExtent(metadata[:writeItemSize])
		metadata = metadata[writeItemSize:]

		size := e.Length * d.blockSize
		if size > int64(len(data)) {
			return fmt.Errorf("%w: write %d of %d blocks overruns the chunk",
				errs.ErrInvalidParameter, i, e.Length)
		}

		if err := d.submit(vdisk.Write16(uint64(e.Sector), uint32(e.Length)), data[:size]); err != nil {
			log.Info().Err(err).Int64("sector", e.Sector).Int64("length", e.Length).Msg("Write failed.")
			return err
		}
		data = data[size:]
	}

	return nil
}

// BuseRead fills chunk with length blocks starting at sector.
func (d *Disk) BuseRead(sector, length int64, chunk []byte) error {
	err := d.submit(vdisk.Read16(uint64(sector), uint32(length)), chunk[:length*d.blockSize])
	if err != nil {
		log.Info().Err(err).Int64("sector", sector).Int64("length", length).Msg("Read failed.")
	}

	return err
}

func (d *Disk) BusePreRun() {
	log.Info().Str("dev", d.dev.String()).Int64("block", d.blockSize).Msg("Serving device.")
}

// BusePostRemove flushes the device and optionally removes it.
func (d *Disk) BusePostRemove() {
	if err := d.submit(vdisk.SynchronizeCache(), nil); err != nil {
		log.Warn().Err(err).Str("dev", d.dev.String()).Msg("Flush on removal failed.")
	}

	if !d.removeOnExit {
		return
	}

	if err := d.adapter.RemoveDevice(d.dev); err != nil {
		log.Warn().Err(err).Str("dev", d.dev.String()).Send()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.adapter.WaitRemoved(ctx, d.dev); err != nil {
		log.Warn().Err(err).Str("dev", d.dev.String()).Send()
	}
}

// submit dispatches one command and waits for its completion.
func (d *Disk) submit(cdb, data []byte) error {
	done := make(chan struct{})
	req := &vdisk.Request{
		Device: d.dev,
		CDB:    cdb,
		Data:   data,
		Done:   func(*vdisk.Request) { close(done) },
	}
	d.adapter.Dispatch(req)
	<-done

	if req.Result.Status != vdisk.StatusGood {
		return req.Result.Err
	}

	return nil
}

// Parse one write metadata record. Positions come in sectors and are
// converted to device blocks.
func (d *Disk) parseExtent(b []byte) extent {
	return extent{
		Sector: int64(binary.LittleEndian.Uint64(b[:8]) * sectorUnit / uint64(d.blockSize)),
		Length: int64(binary.LittleEndian.Uint64(b[8:16]) * sectorUnit / uint64(d.blockSize)),
		SeqNo:  int64(binary.LittleEndian.Uint64(b[16:24])),
		Flag:   int64(binary.LittleEndian.Uint64(b[24:32])),
	}
}
