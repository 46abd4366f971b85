package pd

import (
	"fmt"

	"github.com/tchajed/goose/machine/disk"
)

// DiskDev adapts a block-granular disk.Disk to a pool drive. Transfers
// must be multiples of disk.BlockSize; the object directory guarantees
// that for sector sizes of disk.BlockSize. Unit tests run pools on
// disk.NewMemDisk through this adapter.
type DiskDev struct {
	d     disk.Disk
	props Props
}

var _ Dev = (*DiskDev)(nil)

func NewDiskDev(d disk.Disk, props Props) *DiskDev {
	props.DevSize = d.Size() * disk.BlockSize
	props.SectorSize = disk.BlockSize
	if props.OptIoSize == 0 {
		props.OptIoSize = disk.BlockSize
	}
	props.Fua = false
	props.CanDiscard = false
	return &DiskDev{d: d, props: props}
}

func (d *DiskDev) Props() Props { return d.props }

// eachBlock walks an iovec list in block-sized chunks. Every buffer in
// the list must itself be block-aligned in length.
func eachBlock(iov [][]byte, off uint64, fn func(blkno uint64, b []byte)) error {
	if off%disk.BlockSize != 0 {
		return fmt.Errorf("diskdev: offset 0x%x not block-aligned", off)
	}
	blkno := off / disk.BlockSize
	for _, b := range iov {
		if uint64(len(b))%disk.BlockSize != 0 {
			return fmt.Errorf("diskdev: buffer length %d not block-aligned", len(b))
		}
		for s := uint64(0); s < uint64(len(b)); s += disk.BlockSize {
			fn(blkno, b[s:s+disk.BlockSize])
			blkno++
		}
	}
	return nil
}

func (d *DiskDev) Pread(iov [][]byte, off uint64) error {
	if err := checkBounds(d.props, iov, off); err != nil {
		return err
	}
	return eachBlock(iov, off, func(blkno uint64, b []byte) {
		blk := d.d.Read(blkno)
		copy(b, blk)
	})
}

func (d *DiskDev) Pwrite(iov [][]byte, off uint64, fua bool) error {
	if err := checkBounds(d.props, iov, off); err != nil {
		return err
	}
	err := eachBlock(iov, off, func(blkno uint64, b []byte) {
		d.d.Write(blkno, b)
	})
	if err != nil {
		return err
	}
	if fua {
		d.d.Barrier()
	}
	return nil
}

func (d *DiskDev) Flush() error {
	d.d.Barrier()
	return nil
}

func (d *DiskDev) Discard(off uint64, length uint64) error {
	return nil
}

func (d *DiskDev) Close() error {
	return nil
}
