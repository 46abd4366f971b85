package pd

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FileDev is a pool drive backed by a regular file or a raw block
// device, driven through pread/pwrite. Regular files are sized up to
// DevSize on open.
type FileDev struct {
	fd    int
	props Props
}

var _ Dev = (*FileDev)(nil)

func OpenFileDev(path string, props Props) (*FileDev, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, err
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if (stat.Mode&unix.S_IFMT) == unix.S_IFREG && uint64(stat.Size) != props.DevSize {
		if err := unix.Ftruncate(fd, int64(props.DevSize)); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	// A file provides no per-write durability guarantee.
	props.Fua = false
	props.CanDiscard = true
	return &FileDev{fd: fd, props: props}, nil
}

func (d *FileDev) Props() Props { return d.props }

func (d *FileDev) Pread(iov [][]byte, off uint64) error {
	if err := checkBounds(d.props, iov, off); err != nil {
		return err
	}
	n, err := unix.Preadv(d.fd, iov, int64(off))
	if err != nil {
		return err
	}
	if uint64(n) != IovLen(iov) {
		return fmt.Errorf("pd %s: short read at 0x%x: %d of %d bytes",
			d.props.Name, off, n, IovLen(iov))
	}
	return nil
}

func (d *FileDev) Pwrite(iov [][]byte, off uint64, fua bool) error {
	if err := checkBounds(d.props, iov, off); err != nil {
		return err
	}
	n, err := unix.Pwritev(d.fd, iov, int64(off))
	if err != nil {
		return err
	}
	if uint64(n) != IovLen(iov) {
		return fmt.Errorf("pd %s: short write at 0x%x: %d of %d bytes",
			d.props.Name, off, n, IovLen(iov))
	}
	return nil
}

func (d *FileDev) Flush() error {
	return unix.Fsync(d.fd)
}

func (d *FileDev) Discard(off uint64, length uint64) error {
	err := unix.Fallocate(d.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
		int64(off), int64(length))
	if err == unix.EOPNOTSUPP {
		return nil
	}
	return err
}

func (d *FileDev) Close() error {
	return unix.Close(d.fd)
}
