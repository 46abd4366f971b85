// Package pd abstracts the pool drives backing an mpool.
//
// A Dev is raw media: scatter-gather reads and writes at byte offsets,
// an explicit flush barrier, and optional discard of dead ranges. The
// object directory owns placement on top of a Dev; pd only moves bytes.
package pd

import (
	"fmt"
)

// Class classifies a device for placement decisions.
type Class uint8

const (
	ClassUndef    Class = 0
	ClassStaging  Class = 1
	ClassCapacity Class = 2
)

func (c Class) String() string {
	switch c {
	case ClassStaging:
		return "staging"
	case ClassCapacity:
		return "capacity"
	}
	return "undef"
}

// Props describes a device's geometry and capabilities.
type Props struct {
	Name       string
	Class      Class
	DevSize    uint64 // total bytes
	SectorSize uint64
	OptIoSize  uint64 // writes must be multiples of this
	ZoneSize   uint64 // allocation granularity, multiple of OptIoSize
	Fua        bool   // writes can be made durable individually
	CanDiscard bool
}

func (p Props) Zones() uint64 {
	return p.DevSize / p.ZoneSize
}

// Dev is a single pool drive.
//
// Pread and Pwrite take iovec-style buffer lists; the transfer covers
// the buffers in order starting at off. A Pwrite with fua set must be
// durable when it returns (only meaningful when Props().Fua is true).
type Dev interface {
	Props() Props

	Pread(iov [][]byte, off uint64) error
	Pwrite(iov [][]byte, off uint64, fua bool) error

	// Flush ensures all completed writes are durable.
	Flush() error

	// Discard releases a dead byte range. Devices without discard
	// support return nil.
	Discard(off uint64, length uint64) error

	Close() error
}

// IovLen returns the total byte length of an iovec list.
func IovLen(iov [][]byte) uint64 {
	var n uint64
	for _, b := range iov {
		n += uint64(len(b))
	}
	return n
}

func checkBounds(p Props, iov [][]byte, off uint64) error {
	length := IovLen(iov)
	if off%p.SectorSize != 0 {
		return fmt.Errorf("pd %s: offset 0x%x not a multiple of sector size %d",
			p.Name, off, p.SectorSize)
	}
	if off+length > p.DevSize {
		return fmt.Errorf("pd %s: transfer [0x%x, 0x%x) past device end 0x%x",
			p.Name, off, off+length, p.DevSize)
	}
	return nil
}
