// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vdisk

import (
	"fmt"
	"math/bits"
	"path/filepath"
	"strings"

	"github.com/johncgriffin/overflow"

	"github.com/asch/vdisk/internal/config"
	"github.com/asch/vdisk/internal/errs"
	"github.com/asch/vdisk/internal/vdisk/backing"
)

// Flags of a logical unit.
type Flags uint32

const (
	FlagReadOnly Flags = 1 << iota
	FlagRemovable
	FlagSparse
	FlagFakeDiskSignature

	// FlagModified is set by the first successful write. It is reported
	// by QueryDevice and cannot be requested.
	FlagModified
)

// MutableFlags may be changed by SetFlags on a live device.
const MutableFlags = FlagReadOnly | FlagRemovable | FlagFakeDiskSignature

func (f Flags) String() string {
	var parts []string
	for _, n := range []struct {
		f    Flags
		name string
	}{
		{FlagReadOnly, "ro"},
		{FlagRemovable, "removable"},
		{FlagSparse, "sparse"},
		{FlagFakeDiskSignature, "fakesig"},
		{FlagModified, "modified"},
	} {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}

	return strings.Join(parts, ",")
}

// DeviceClass is what the device looks like to the host.
type DeviceClass uint8

const (
	ClassAuto DeviceClass = iota
	ClassHardDisk
	ClassCDROM
)

func (c DeviceClass) String() string {
	switch c {
	case ClassHardDisk:
		return "hd"
	case ClassCDROM:
		return "cd"
	}

	return "auto"
}

// Kind selects the backing store.
type Kind uint8

const (
	KindAuto Kind = iota
	KindFile
	KindMemory
	KindProxy
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindMemory:
		return "memory"
	case KindProxy:
		return "proxy"
	case KindObject:
		return "object"
	}

	return "auto"
}

// ParseKind accepts the names returned by Kind.String.
func ParseKind(s string) (Kind, error) {
	for k := KindAuto; k <= KindObject; k++ {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	if s == "" {
		return KindAuto, nil
	}

	return KindAuto, fmt.Errorf("%w: backing kind %q", errs.ErrInvalidParameter, s)
}

// ParseClass accepts the names returned by DeviceClass.String.
func ParseClass(s string) (DeviceClass, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return ClassAuto, nil
	case "hd":
		return ClassHardDisk, nil
	case "cd":
		return ClassCDROM, nil
	}

	return ClassAuto, fmt.Errorf("%w: device class %q", errs.ErrInvalidParameter, s)
}

// CreateParams describe a device to create. Zero values are filled in by
// the auto selection policy of CreateDevice.
type CreateParams struct {
	Device DeviceNumber

	// Size of the disk in bytes. Zero derives it from the medium.
	Size int64

	// ImageOffset is where the disk data begin in the medium.
	ImageOffset int64

	// BlockSize is a power of two of at least 512. Zero selects 2048 for
	// CD-ROM and 512 otherwise.
	BlockSize uint32

	Flags        Flags
	Class        DeviceClass
	Kind         Kind
	ProxySubtype backing.ProxySubtype

	// Path is the image file, the preload file of a memory disk, the proxy
	// object or connection string, or the key prefix of an object disk.
	Path string
}

// DeviceInfo is a snapshot of a live device.
type DeviceInfo struct {
	CreateParams

	Blocks      int64
	Signature   uint32
	Initialized bool
	Stopping    bool
}

// Image suffixes which select the CD-ROM class.
var opticalSuffixes = []string{".iso", ".bin", ".nrg"}

func isOpticalImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, s := range opticalSuffixes {
		if ext == s {
			return true
		}
	}

	return false
}

// resolve applies the parts of the auto selection policy which do not need
// the medium and validates the rest.
func (p CreateParams) resolve() (CreateParams, error) {
	if p.Size < 0 || p.ImageOffset < 0 {
		return p, fmt.Errorf("%w: negative size %d or offset %d", errs.ErrInvalidParameter, p.Size, p.ImageOffset)
	}
	if _, ok := overflow.Add64(p.Size, p.ImageOffset); !ok {
		return p, fmt.Errorf("%w: size %d plus offset %d", errs.ErrOffsetOverflow, p.Size, p.ImageOffset)
	}

	if p.Kind == KindAuto {
		p.Kind = KindFile
		if p.Path == "" {
			p.Kind = KindMemory
		}
	}
	if p.Kind > KindObject {
		return p, fmt.Errorf("%w: backing kind %d", errs.ErrInvalidParameter, p.Kind)
	}
	if p.Path == "" && p.Kind != KindMemory {
		return p, fmt.Errorf("%w: %s disk without path", errs.ErrInvalidParameter, p.Kind)
	}

	if p.Class == ClassAuto {
		p.Class = ClassHardDisk
		if isOpticalImage(p.Path) {
			p.Class = ClassCDROM
		}
	}
	if p.Class == ClassCDROM {
		p.Flags |= FlagReadOnly | FlagRemovable
	}

	if p.BlockSize == 0 {
		p.BlockSize = 512
		if p.Class == ClassCDROM {
			p.BlockSize = 2048
		}
	}
	if p.BlockSize < 512 || bits.OnesCount32(p.BlockSize) != 1 {
		return p, fmt.Errorf("%w: block size %d", errs.ErrInvalidParameter, p.BlockSize)
	}

	p.Flags &^= FlagModified

	return p, nil
}

// blockShift is log2 of the block size.
func (p CreateParams) blockShift() uint {
	return uint(bits.TrailingZeros32(p.BlockSize))
}

// ParamsFromConfig converts a device section of the configuration file.
func ParamsFromConfig(d config.Device) (CreateParams, error) {
	var p CreateParams
	var err error

	if p.Device, err = ParseDeviceNumber(d.Number); err != nil {
		return p, err
	}
	if p.Kind, err = ParseKind(d.Kind); err != nil {
		return p, err
	}
	if p.Class, err = ParseClass(d.Class); err != nil {
		return p, err
	}
	if p.ProxySubtype, err = backing.ParseProxySubtype(d.Proxy); err != nil {
		return p, err
	}

	p.Size = d.Size
	p.ImageOffset = d.ImageOffset
	p.BlockSize = d.BlockSize
	p.Path = d.Path

	for _, f := range []struct {
		set  bool
		flag Flags
	}{
		{d.ReadOnly, FlagReadOnly},
		{d.Removable, FlagRemovable},
		{d.Sparse, FlagSparse},
		{d.FakeSig, FlagFakeDiskSignature},
	} {
		if f.set {
			p.Flags |= f.flag
		}
	}

	return p, nil
}
