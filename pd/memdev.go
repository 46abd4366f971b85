package pd

import (
	"os"

	"github.com/edsrzf/mmap-go"
)

// MemDev is a pool drive backed by a memory mapping of a file,
// standing in for memory-semantic media. Writes land in the mapping
// directly, so the device reports per-write durability (a fua write
// msyncs the whole mapping).
type MemDev struct {
	f     *os.File
	m     mmap.MMap
	props Props
}

var _ Dev = (*MemDev)(nil)

func OpenMemDev(path string, props Props) (*MemDev, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(props.DevSize)); err != nil {
		f.Close()
		return nil, err
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	props.Fua = true
	props.CanDiscard = false
	return &MemDev{f: f, m: m, props: props}, nil
}

func (d *MemDev) Props() Props { return d.props }

func (d *MemDev) Pread(iov [][]byte, off uint64) error {
	if err := checkBounds(d.props, iov, off); err != nil {
		return err
	}
	for _, b := range iov {
		copy(b, d.m[off:off+uint64(len(b))])
		off += uint64(len(b))
	}
	return nil
}

func (d *MemDev) Pwrite(iov [][]byte, off uint64, fua bool) error {
	if err := checkBounds(d.props, iov, off); err != nil {
		return err
	}
	for _, b := range iov {
		copy(d.m[off:off+uint64(len(b))], b)
		off += uint64(len(b))
	}
	if fua {
		return d.m.Flush()
	}
	return nil
}

func (d *MemDev) Flush() error {
	return d.m.Flush()
}

func (d *MemDev) Discard(off uint64, length uint64) error {
	return nil
}

func (d *MemDev) Close() error {
	if err := d.m.Unmap(); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}
