// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vdisk

import (
	"encoding/binary"

	"github.com/rs/zerolog/log"
)

// Master boot record layout.
const (
	mbrSize          = 512
	mbrDiskID        = 0x1b8
	mbrPartitions    = 0x1be
	mbrPartitionSize = 16
	mbrSignature     = 0x1fe
	bootSignature    = 0xaa55
)

// unsignedBootSector reports whether sector is a master boot record with a
// zero disk id. The boot indicator of every partition entry must be 0x00 or
// 0x80, the active bit is masked off before the check. Any other value means
// the sector is something else.
func unsignedBootSector(sector []byte) bool {
	if len(sector) < mbrSize {
		return false
	}
	if binary.LittleEndian.Uint16(sector[mbrSignature:]) != bootSignature {
		return false
	}
	if binary.LittleEndian.Uint32(sector[mbrDiskID:]) != 0 {
		return false
	}
	for i := 0; i < 4; i++ {
		if sector[mbrPartitions+i*mbrPartitionSize]&0x7f != 0 {
			return false
		}
	}

	return true
}

// patchSignature writes the fake disk signature of a read-only device into
// the first sector when the image has none.
func (a *Adapter) patchSignature(l *lu, sector []byte) {
	a.mu.RLock()
	flags, signature := l.params.Flags, l.signature
	a.mu.RUnlock()

	if flags&FlagReadOnly == 0 || flags&FlagFakeDiskSignature == 0 || signature == 0 {
		return
	}
	if !unsignedBootSector(sector) {
		return
	}

	binary.LittleEndian.PutUint32(sector[mbrDiskID:], signature)
	log.Debug().Str("dev", l.params.Device.String()).Uint32("signature", signature).Msg("Patched fake disk signature.")
}
