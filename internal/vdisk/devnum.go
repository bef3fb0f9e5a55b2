// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vdisk

import (
	"fmt"
	"strings"

	"github.com/asch/vdisk/internal/errs"
)

// DeviceNumber identifies one logical unit on the adapter.
type DeviceNumber struct {
	PathID   uint8
	TargetID uint8
	Lun      uint8
}

var (
	// AutoDeviceNumber asks CreateDevice to pick a free number.
	AutoDeviceNumber = DeviceNumber{0xff, 0xff, 0xff}

	// AllDevices matches every logical unit in RemoveDevice and
	// WaitRemoved.
	AllDevices = AutoDeviceNumber
)

// Long packs the number into 24 bits.
func (d DeviceNumber) Long() uint32 {
	return uint32(d.PathID) | uint32(d.TargetID)<<8 | uint32(d.Lun)<<16
}

// DeviceNumberFromLong unpacks the value produced by Long. Bits above 24 are
// ignored.
func DeviceNumberFromLong(v uint32) DeviceNumber {
	return DeviceNumber{
		PathID:   uint8(v),
		TargetID: uint8(v >> 8),
		Lun:      uint8(v >> 16),
	}
}

func (d DeviceNumber) String() string {
	if d == AllDevices {
		return "all"
	}

	return fmt.Sprintf("%d:%d:%d", d.PathID, d.TargetID, d.Lun)
}

// ParseDeviceNumber accepts "path:target:lun", "auto" and "all".
func ParseDeviceNumber(s string) (DeviceNumber, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "all":
		return AutoDeviceNumber, nil
	}

	var d DeviceNumber
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &d.PathID, &d.TargetID, &d.Lun); err != nil {
		return DeviceNumber{}, fmt.Errorf("%w: device number %q: %v", errs.ErrInvalidParameter, s, err)
	}

	return d, nil
}
